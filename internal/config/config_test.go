package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "https://crm.it-datamaster.ru", cfg.CRM.BaseURL)
	assert.Equal(t, "/admin", cfg.CRM.LoginPath)
	assert.Equal(t, "/admin/visit/rt-admin", cfg.CRM.AccountsPath)
	assert.Equal(t, 50, cfg.Scrape.PhonesPerPage)
	assert.Equal(t, 2*time.Second, cfg.Scrape.RequestDelay.Min)
	assert.Equal(t, 5*time.Second, cfg.Scrape.RequestDelay.Max)
	assert.Equal(t, 10*time.Second, cfg.Scrape.AccountDelay.Min)
	assert.Equal(t, 15*time.Second, cfg.Scrape.AccountDelay.Max)
	assert.Equal(t, 3, cfg.Scrape.RetryAttempts)
	assert.Equal(t, 5*time.Second, cfg.Scrape.RetryDelay)
	assert.Equal(t, 3, cfg.Workers.Max)
	assert.Equal(t, 5*time.Second, cfg.Workers.StartDelay.Min)
	assert.Equal(t, 10*time.Second, cfg.Workers.StartDelay.Max)
	assert.False(t, cfg.Browser.Headless)
	assert.Equal(t, 120*time.Second, cfg.Browser.PageTimeout)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "data/phones.db", cfg.Store.Path)
	assert.Equal(t, "data/backups", cfg.Store.BackupDir)
	assert.Equal(t, 100, cfg.Store.BackupInterval)
	assert.Equal(t, "data/report.xlsx", cfg.Report.Path)
	assert.True(t, cfg.Logging.Development)
	assert.Empty(t, cfg.Server.Addr)
}

func TestLoadWithFileOverrides(t *testing.T) {
	path := writeConfig(t, `
crm:
  base_url: https://crm.example.test
scrape:
  phones_per_page: 100
  request_delay:
    min: 1s
    max: 2s
  retry_attempts: 5
workers:
  max: 6
browser:
  headless: true
  page_timeout: 30s
  debug_dir: /tmp/shots
store:
  driver: postgres
  dsn: postgres://localhost/phones
server:
  addr: ":9090"
  api_key: secret
logging:
  development: false
  file: logs/run.log
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://crm.example.test", cfg.CRM.BaseURL)
	assert.Equal(t, 100, cfg.Scrape.PhonesPerPage)
	assert.Equal(t, time.Second, cfg.Scrape.RequestDelay.Min)
	assert.Equal(t, 2*time.Second, cfg.Scrape.RequestDelay.Max)
	assert.Equal(t, 5, cfg.Scrape.RetryAttempts)
	assert.Equal(t, 6, cfg.Workers.Max)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "secret", cfg.Server.APIKey)
	assert.False(t, cfg.Logging.Development)
	assert.Equal(t, "logs/run.log", cfg.Logging.File)

	site := cfg.Site()
	assert.Equal(t, 100, site.PhonesPerPage)
	assert.Equal(t, 30*time.Second, site.PageTimeout)
	assert.Equal(t, "/tmp/shots", site.DebugDir)
}

func TestLoadCredentialsFromLegacyEnv(t *testing.T) {
	t.Setenv("ADMIN_LOGIN", "operator")
	t.Setenv("ADMIN_PASSWORD", "hunter2")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "operator", cfg.CRM.Login)
	assert.Equal(t, "hunter2", cfg.CRM.Password)
	require.NoError(t, cfg.RequireCredentials())
}

func TestLoadPrefixedEnv(t *testing.T) {
	t.Setenv("SCRAPER_WORKERS_MAX", "8")
	t.Setenv("SCRAPER_STORE_DRIVER", "memory")
	t.Setenv("SCRAPER_SCRAPE_RETRY_DELAY", "250ms")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Workers.Max)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, 250*time.Millisecond, cfg.Scrape.RetryDelay)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestRequireCredentials(t *testing.T) {
	t.Parallel()

	var cfg Config
	require.ErrorIs(t, cfg.RequireCredentials(), ErrMissingCredentials)
	cfg.CRM.Login = "  "
	cfg.CRM.Password = "x"
	require.ErrorIs(t, cfg.RequireCredentials(), ErrMissingCredentials)
	cfg.CRM.Login = "admin"
	require.NoError(t, cfg.RequireCredentials())
}

func TestValidate(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad base url", func(c *Config) { c.CRM.BaseURL = "not a url" }},
		{"zero page size", func(c *Config) { c.Scrape.PhonesPerPage = 0 }},
		{"zero retries", func(c *Config) { c.Scrape.RetryAttempts = 0 }},
		{"reversed delay", func(c *Config) { c.Scrape.AccountDelay.Max = c.Scrape.AccountDelay.Min - 1 }},
		{"negative start delay", func(c *Config) { c.Workers.StartDelay.Min = -time.Second }},
		{"no workers", func(c *Config) { c.Workers.Max = 0 }},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mysql" }},
		{"sqlite without path", func(c *Config) { c.Store.Path = "" }},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = DriverPostgres }},
		{"topic without project", func(c *Config) { c.Events.Topic = "accounts" }},
		{"mirror on memory", func(c *Config) { c.Store.Driver = DriverMemory; c.Mirror.Dir = "/tmp" }},
		{"no report path", func(c *Config) { c.Report.Path = "" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
	require.NoError(t, base.Validate())
}

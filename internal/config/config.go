// Package config loads and validates scraper configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/crm-phone-scraper/internal/api"
	"github.com/JakeFAU/crm-phone-scraper/internal/browser"
	"github.com/JakeFAU/crm-phone-scraper/internal/crm"
	"github.com/JakeFAU/crm-phone-scraper/internal/logging"
	"github.com/JakeFAU/crm-phone-scraper/internal/scraper"
)

// ErrMissingCredentials is returned by RequireCredentials when the CRM
// login or password is empty.
var ErrMissingCredentials = errors.New("crm login and password are required (ADMIN_LOGIN / ADMIN_PASSWORD)")

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	CRM     crm.Config     `mapstructure:"crm"`
	Scrape  ScrapeConfig   `mapstructure:"scrape"`
	Workers WorkersConfig  `mapstructure:"workers"`
	Browser browser.Config `mapstructure:"browser"`
	Store   StoreConfig    `mapstructure:"store"`
	Mirror  MirrorConfig   `mapstructure:"mirror"`
	Events  EventsConfig   `mapstructure:"events"`
	Report  ReportConfig   `mapstructure:"report"`
	Server  api.Config     `mapstructure:"server"`
	Logging logging.Config `mapstructure:"logging"`
}

// ScrapeConfig governs pacing and retries of both stages.
type ScrapeConfig struct {
	PhonesPerPage int           `mapstructure:"phones_per_page"`
	RequestDelay  scraper.Range `mapstructure:"request_delay"`
	AccountDelay  scraper.Range `mapstructure:"account_delay"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	// PhasePause separates harvest and scrape in full mode.
	PhasePause time.Duration `mapstructure:"phase_pause"`
	// MaxListingPages caps harvest pagination; zero follows every page.
	MaxListingPages int `mapstructure:"max_listing_pages"`
}

// WorkersConfig sizes the parallel pool.
type WorkersConfig struct {
	Max          int           `mapstructure:"max"`
	StartDelay   scraper.Range `mapstructure:"start_delay"`
	ClaimRetries int           `mapstructure:"claim_retries"`
}

// StoreConfig selects and tunes the persistent store.
type StoreConfig struct {
	Driver         string        `mapstructure:"driver"`
	Path           string        `mapstructure:"path"`
	DSN            string        `mapstructure:"dsn"`
	BusyTimeout    time.Duration `mapstructure:"busy_timeout"`
	BackupDir      string        `mapstructure:"backup_dir"`
	BackupInterval int           `mapstructure:"backup_interval"`
}

// MirrorConfig lists optional destinations for backup copies.
type MirrorConfig struct {
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// EventsConfig enables Pub/Sub lifecycle events when Topic is set.
type EventsConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ReportConfig controls the Excel report output.
type ReportConfig struct {
	Path string `mapstructure:"path"`
}

// Load builds a Config from .env, an optional file, and the environment.
func Load(path string) (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	// Existing deployments keep credentials in ADMIN_LOGIN / ADMIN_PASSWORD.
	if err := v.BindEnv("crm.login", "SCRAPER_CRM_LOGIN", "ADMIN_LOGIN"); err != nil {
		return Config{}, fmt.Errorf("bind crm.login: %w", err)
	}
	if err := v.BindEnv("crm.password", "SCRAPER_CRM_PASSWORD", "ADMIN_PASSWORD"); err != nil {
		return Config{}, fmt.Errorf("bind crm.password: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load %s: %w", path, err)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crm.base_url", "https://crm.it-datamaster.ru")
	v.SetDefault("crm.login_path", "/admin")
	v.SetDefault("crm.accounts_path", "/admin/visit/rt-admin")
	v.SetDefault("crm.login", "")
	v.SetDefault("crm.password", "")
	v.SetDefault("crm.settle", 2*time.Second)
	v.SetDefault("crm.dialog_wait", 2*time.Second)
	v.SetDefault("crm.login_wait", 30*time.Second)

	v.SetDefault("scrape.phones_per_page", 50)
	v.SetDefault("scrape.request_delay.min", 2*time.Second)
	v.SetDefault("scrape.request_delay.max", 5*time.Second)
	v.SetDefault("scrape.account_delay.min", 10*time.Second)
	v.SetDefault("scrape.account_delay.max", 15*time.Second)
	v.SetDefault("scrape.retry_attempts", 3)
	v.SetDefault("scrape.retry_delay", 5*time.Second)
	v.SetDefault("scrape.phase_pause", 5*time.Second)
	v.SetDefault("scrape.max_listing_pages", 0)

	v.SetDefault("workers.max", 3)
	v.SetDefault("workers.start_delay.min", 5*time.Second)
	v.SetDefault("workers.start_delay.max", 10*time.Second)
	v.SetDefault("workers.claim_retries", 5)

	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.page_timeout", 120*time.Second)
	v.SetDefault("browser.min_nav_interval", time.Second)
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.debug_dir", "data/debug")
	v.SetDefault("browser.window_width", 1920)
	v.SetDefault("browser.window_height", 1080)
	v.SetDefault("browser.exec_path", "")

	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.path", "data/phones.db")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.busy_timeout", 5*time.Second)
	v.SetDefault("store.backup_dir", "data/backups")
	v.SetDefault("store.backup_interval", 100)

	v.SetDefault("mirror.dir", "")
	v.SetDefault("mirror.gcs_bucket", "")
	v.SetDefault("mirror.prefix", "backups")

	v.SetDefault("events.project_id", "")
	v.SetDefault("events.topic", "")

	v.SetDefault("report.path", "data/report.xlsx")

	v.SetDefault("server.addr", "")
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.request_timeout", 15*time.Second)

	v.SetDefault("logging.development", true)
	v.SetDefault("logging.file", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if _, err := url.ParseRequestURI(c.CRM.BaseURL); err != nil {
		return fmt.Errorf("crm.base_url: %w", err)
	}
	if c.Scrape.PhonesPerPage <= 0 {
		return fmt.Errorf("scrape.phones_per_page must be > 0")
	}
	if c.Scrape.RetryAttempts <= 0 {
		return fmt.Errorf("scrape.retry_attempts must be > 0")
	}
	if c.Scrape.MaxListingPages < 0 {
		return fmt.Errorf("scrape.max_listing_pages must be >= 0")
	}
	ranges := map[string]scraper.Range{
		"scrape.request_delay": c.Scrape.RequestDelay,
		"scrape.account_delay": c.Scrape.AccountDelay,
		"workers.start_delay":  c.Workers.StartDelay,
	}
	for key, r := range ranges {
		if r.Min < 0 || r.Max < r.Min {
			return fmt.Errorf("%s: min must be >= 0 and <= max", key)
		}
	}
	if c.Workers.Max <= 0 {
		return fmt.Errorf("workers.max must be > 0")
	}
	if c.Workers.ClaimRetries < 0 {
		return fmt.Errorf("workers.claim_retries must be >= 0")
	}
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("store.driver %q is not one of sqlite, postgres, memory", c.Store.Driver)
	}
	if c.Store.BackupInterval < 0 {
		return fmt.Errorf("store.backup_interval must be >= 0")
	}
	if c.Events.Topic != "" && c.Events.ProjectID == "" {
		return fmt.Errorf("events.project_id must be set when events.topic is set")
	}
	if (c.Mirror.Dir != "" || c.Mirror.GCSBucket != "") && c.Store.Driver != DriverSQLite {
		return fmt.Errorf("backup mirrors require the sqlite driver")
	}
	if c.Report.Path == "" {
		return fmt.Errorf("report.path is required")
	}
	return nil
}

// RequireCredentials reports whether browser-driven modes can log in.
func (c Config) RequireCredentials() error {
	if strings.TrimSpace(c.CRM.Login) == "" || c.CRM.Password == "" {
		return ErrMissingCredentials
	}
	return nil
}

// Site returns the CRM settings with the page-size, timeout and screenshot
// directory taken from the scrape and browser sections.
func (c Config) Site() crm.Config {
	site := c.CRM
	site.PhonesPerPage = c.Scrape.PhonesPerPage
	site.PageTimeout = c.Browser.PageTimeout
	site.DebugDir = c.Browser.DebugDir
	return site
}

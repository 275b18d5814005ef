// Package cmd defines and implements the CLI commands for the crm-scraper
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crm-phone-scraper/internal/app"
	"github.com/JakeFAU/crm-phone-scraper/internal/config"
	"github.com/JakeFAU/crm-phone-scraper/internal/logging"
)

const closeTimeout = 30 * time.Second

// cli carries state shared by the root command and its subcommands. The
// factories are fields so tests can inject an in-memory application.
type cli struct {
	cfgPath  string
	headless bool

	loadConfig func(path string) (config.Config, error)
	newLogger  func(cfg logging.Config) (*zap.Logger, error)
	newApp     func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error)

	cfg    config.Config
	logger *zap.Logger
	app    *app.App
}

func newCLI() *cli {
	return &cli{
		loadConfig: config.Load,
		newLogger:  logging.New,
		newApp: func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
			return app.New(ctx, cfg, logger, app.Options{})
		},
	}
}

// newRootCmd creates the root command. Without a subcommand it runs the full
// harvest and scrape cycle.
func newRootCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crm-scraper",
		Short: "Harvests CRM accounts and scrapes their phone numbers.",
		Long: `crm-scraper drives a browser through the CRM admin panel, records a
sign-in token for every account, and then walks each account's phone table
page by page. Progress is stored after every page so an interrupted run
resumes where it stopped. Press Ctrl+C once to stop after the current
account, twice to abort.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Config, logger and services are built once before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runFull(cmd.Context())
		},
	}

	cmd.PersistentFlags().StringVar(&c.cfgPath, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().BoolVar(&c.headless, "headless", false, "run Chrome without a window (overrides browser.headless)")

	cmd.AddCommand(
		newFullCmd(c),
		newHarvestCmd(c),
		newScrapeCmd(c),
		newParallelCmd(c),
		newReportCmd(c),
		newStatsCmd(c),
		newClearCmd(c),
		newServeCmd(c),
	)
	return cmd
}

func (c *cli) setup(cmd *cobra.Command) error {
	cfg, err := c.loadConfig(c.cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if f := cmd.Flags().Lookup("headless"); f != nil && f.Changed {
		cfg.Browser.Headless = c.headless
	}
	c.cfg = cfg

	logger, err := c.newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	c.logger = logger

	a, err := c.newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	c.app = a
	return nil
}

// close releases the application even when the command failed.
func (c *cli) close() error {
	if c.app == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	err := c.app.Close(ctx)
	c.app = nil
	return err
}

func (c *cli) log() *zap.Logger {
	if c.logger == nil {
		return zap.NewNop()
	}
	return c.logger
}

// execute runs the command tree with args and returns the process exit code.
func (c *cli) execute(ctx context.Context, args []string) int {
	root := newRootCmd(c)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if cerr := c.close(); cerr != nil {
		c.log().Warn("error closing application services", zap.Error(cerr))
	}
	if err == nil {
		return 0
	}
	if c.logger != nil {
		c.logger.Error("command failed", zap.Error(err))
	} else {
		fmt.Fprintln(root.ErrOrStderr(), "error:", err)
	}
	if errors.Is(err, config.ErrMissingCredentials) {
		fmt.Fprintln(root.ErrOrStderr(), "set ADMIN_LOGIN and ADMIN_PASSWORD in .env or the environment")
	}
	return 1
}

// Execute is the main entry point. It returns the process exit code.
func Execute() int {
	return newCLI().execute(context.Background(), os.Args[1:])
}

package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crm-phone-scraper/internal/pipeline"
	"github.com/JakeFAU/crm-phone-scraper/internal/store"
)

func newFullCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "full",
		Short: "Harvest tokens, then scrape every unfinished account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runFull(cmd.Context())
		},
	}
}

func newHarvestCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "harvest",
		Short: "Log in and record a sign-in token for every listed account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runMode(cmd.Context(), "harvest", func(ctx context.Context) error {
				return c.withSession(ctx, func(ctx context.Context, p *pipeline.Pipeline) error {
					stats, err := p.Harvest(ctx)
					c.log().Info("harvest summary",
						zap.Int("discovered", stats.Discovered),
						zap.Int("tokens", stats.Tokens),
						zap.Int("failed", stats.Failed),
					)
					return err
				})
			})
		},
	}
}

func newScrapeCmd(c *cli) *cobra.Command {
	var resume bool
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Scrape phones of accounts that already have tokens",
		Long: `Scrape walks in_progress accounts first, resuming each from the page after
its checkpoint, and then the pending ones. No admin login is needed because
every account is opened through its own token link.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runMode(cmd.Context(), "scrape", func(ctx context.Context) error {
				if resume {
					if err := c.logResume(ctx); err != nil {
						return err
					}
				}
				return c.withSession(ctx, func(ctx context.Context, p *pipeline.Pipeline) error {
					sum, err := p.Scrape(ctx)
					c.logSummary(sum)
					return err
				})
			})
		},
	}
	cmd.Flags().BoolVar(&resume, "resume", false, "report interrupted accounts before resuming them")
	return cmd
}

func newParallelCmd(c *cli) *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "parallel",
		Short: "Scrape unfinished accounts with several browsers at once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runMode(cmd.Context(), "parallel", func(ctx context.Context) error {
				d, err := c.app.Dispatcher(workers, c.app.BrowserSessions())
				if err != nil {
					return err
				}
				res, err := d.Run(ctx)
				c.log().Info("parallel summary",
					zap.Int("workers", res.Workers),
					zap.Int("succeeded", res.Tally.Succeeded),
					zap.Int("failed", res.Tally.Failed),
					zap.Int("skipped", res.Tally.Skipped),
					zap.Int("phones_added", res.Tally.PhonesAdded),
					zap.Duration("elapsed", res.Elapsed),
					zap.String("backup", res.Backup),
				)
				return err
			})
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "number of parallel browsers (default workers.max)")
	return cmd
}

func (c *cli) runFull(ctx context.Context) error {
	return c.runMode(ctx, "full", func(ctx context.Context) error {
		return c.withSession(ctx, func(ctx context.Context, p *pipeline.Pipeline) error {
			sum, err := p.Full(ctx)
			c.log().Info("harvest summary",
				zap.Int("discovered", sum.Harvest.Discovered),
				zap.Int("tokens", sum.Harvest.Tokens),
				zap.Int("failed", sum.Harvest.Failed),
			)
			c.logSummary(sum)
			return err
		})
	})
}

// runMode wraps a browser-driven mode: it checks credentials, relays
// signals, serves status when configured, reports run events and writes the
// report at the end.
func (c *cli) runMode(ctx context.Context, mode string, fn func(ctx context.Context) error) error {
	if err := c.cfg.RequireCredentials(); err != nil {
		return err
	}
	ctx, cancel := c.watchSignals(ctx)
	defer cancel()
	c.serveStatus(ctx)

	reporter := c.app.GetReporter()
	clock := c.app.GetClock()
	began := clock.Now()
	reporter.RunStarted(mode)
	c.log().Info("run started", zap.String("mode", mode), zap.String("run_id", c.app.GetRunID()))

	err := fn(ctx)
	reporter.RunFinished(clock.Now().Sub(began), err)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", mode, err)
	}

	// The report reflects whatever was stored, even after an abort.
	path, rerr := c.app.WriteReport(context.WithoutCancel(ctx))
	if rerr != nil {
		return fmt.Errorf("write report: %w", rerr)
	}
	c.log().Info("report written", zap.String("path", path))
	if err != nil {
		return fmt.Errorf("%s aborted: %w", mode, err)
	}
	c.log().Info("run finished", zap.String("mode", mode), zap.Duration("elapsed", clock.Now().Sub(began)))
	return nil
}

// withSession opens one browser for the sequential pipeline.
func (c *cli) withSession(ctx context.Context, fn func(ctx context.Context, p *pipeline.Pipeline) error) error {
	s, err := c.app.OpenSession(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			c.log().Warn("close browser", zap.Error(err))
		}
	}()
	p, err := c.app.Pipeline(s)
	if err != nil {
		return err
	}
	return fn(ctx, p)
}

func (c *cli) logResume(ctx context.Context) error {
	counts, err := c.app.GetRepository().CountByStatus(ctx)
	if err != nil {
		return fmt.Errorf("count accounts: %w", err)
	}
	c.log().Info("resuming interrupted work",
		zap.Int("in_progress", counts[store.StatusInProgress]),
		zap.Int("pending", counts[store.StatusPending]),
	)
	return nil
}

func (c *cli) logSummary(sum pipeline.Summary) {
	c.log().Info("scrape summary",
		zap.Int("succeeded", sum.Scrape.Succeeded),
		zap.Int("failed", sum.Scrape.Failed),
		zap.Int("skipped", sum.Scrape.Skipped),
		zap.Int("phones_added", sum.Scrape.PhonesAdded),
		zap.Bool("interrupted", sum.Interrupted),
		zap.String("backup", sum.Backup),
	)
}

// serveStatus starts the status server for the lifetime of ctx when
// server.addr is set.
func (c *cli) serveStatus(ctx context.Context) {
	addr := c.cfg.Server.Addr
	if addr == "" {
		return
	}
	srv := c.app.GetServer()
	go func() {
		if err := srv.ListenAndServe(ctx, addr); err != nil {
			c.log().Warn("status server stopped", zap.Error(err))
		}
	}()
}

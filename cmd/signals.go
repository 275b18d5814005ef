package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/JakeFAU/crm-phone-scraper/internal/scraper"
)

// watchSignals derives a context for a run. The first interrupt raises the
// stop flag so the current account finishes cleanly; the second cancels ctx.
func (c *cli) watchSignals(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigs)
		relaySignals(ctx, sigs, c.app.GetStop(), cancel, c.log())
	}()
	return ctx, cancel
}

func relaySignals(ctx context.Context, sigs <-chan os.Signal, stop *scraper.Stop, cancel context.CancelFunc, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			if !stop.Requested() {
				stop.Request()
				logger.Warn("stop requested; finishing the current account, signal again to abort",
					zap.String("signal", sig.String()))
				continue
			}
			logger.Warn("aborting run", zap.String("signal", sig.String()))
			cancel()
			return
		}
	}
}

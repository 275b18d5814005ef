package sqlite

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"modernc.org/sqlite"

	"github.com/JakeFAU/crm-phone-scraper/internal/store"
)

const (
	sqliteBusy   = 5
	sqliteLocked = 6

	busyRetries   = 5
	busyBaseDelay = 50 * time.Millisecond
	busyMaxDelay  = 500 * time.Millisecond
)

// isBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED, including the
// extended codes derived from them.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		code := sqlErr.Code() & 0xff
		return code == sqliteBusy || code == sqliteLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// busyError maps lock contention onto store.ErrStoreBusy and wraps
// everything else with op.
func busyError(op string, err error) error {
	if isBusy(err) {
		return fmt.Errorf("%s: %w (%v)", op, store.ErrStoreBusy, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// retryOnBusy retries f with capped, jittered backoff on top of the driver
// busy_timeout. Non-busy errors return immediately.
func retryOnBusy(ctx context.Context, f func() error) error {
	var err error
	for attempt := 0; attempt <= busyRetries; attempt++ {
		if err = f(); err == nil || !isBusy(err) {
			return err
		}
		if attempt == busyRetries {
			break
		}
		delay := busyBaseDelay << uint(attempt)
		if delay > busyMaxDelay {
			delay = busyMaxDelay
		}
		delay += rand.N(delay / 2)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("busy retry canceled: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return err
}

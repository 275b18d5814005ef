// Package checkpoint decides when the store is snapshotted during a run and
// mirrors each snapshot to secondary storage.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crm-phone-scraper/internal/progress"
	"github.com/JakeFAU/crm-phone-scraper/internal/scraper"
	"github.com/JakeFAU/crm-phone-scraper/internal/store"
)

const backupContentType = "application/vnd.sqlite3"

// Snapshotter produces a point-in-time copy of the store.
type Snapshotter interface {
	Backup(ctx context.Context) (string, error)
}

// Config wires a Policy.
type Config struct {
	// Interval triggers a backup every Interval processed accounts. Zero
	// disables periodic backups; Finish still runs.
	Interval int
	// Mirrors receive a copy of every backup file. Mirror failures are logged.
	Mirrors  []scraper.BlobStore
	Logger   *zap.Logger
	Reporter progress.Reporter
}

// Policy counts processed accounts and snapshots the store on cadence. It is
// safe for concurrent use by several workers.
type Policy struct {
	store    Snapshotter
	interval int
	mirrors  []scraper.BlobStore
	logger   *zap.Logger
	reporter progress.Reporter

	mu        sync.Mutex
	processed int
	backups   []string
}

// New builds a Policy over store.
func New(s Snapshotter, cfg Config) (*Policy, error) {
	if s == nil {
		return nil, fmt.Errorf("snapshotter is required")
	}
	if cfg.Interval < 0 {
		return nil, fmt.Errorf("backup interval must be >= 0")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var mirrors []scraper.BlobStore
	for _, m := range cfg.Mirrors {
		if m != nil {
			mirrors = append(mirrors, m)
		}
	}
	return &Policy{
		store:    s,
		interval: cfg.Interval,
		mirrors:  mirrors,
		logger:   logger,
		reporter: cfg.Reporter,
	}, nil
}

// AccountProcessed records one finished account and takes a backup when the
// running total reaches a multiple of the interval. It returns the backup path
// or "" when none was due.
func (p *Policy) AccountProcessed(ctx context.Context) (string, error) {
	p.mu.Lock()
	p.processed++
	due := p.interval > 0 && p.processed%p.interval == 0
	n := p.processed
	p.mu.Unlock()
	if !due {
		return "", nil
	}
	p.logger.Info("periodic backup", zap.Int("processed", n))
	return p.Backup(ctx)
}

// Finish takes the end-of-run backup if any account was processed.
func (p *Policy) Finish(ctx context.Context) (string, error) {
	if p.Processed() == 0 {
		return "", nil
	}
	return p.Backup(ctx)
}

// Processed returns the number of accounts recorded so far.
func (p *Policy) Processed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processed
}

// Backups lists the paths produced by this policy.
func (p *Policy) Backups() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.backups...)
}

// Backup snapshots the store unconditionally and mirrors the file. Stores
// without snapshot support are logged and skipped.
func (p *Policy) Backup(ctx context.Context) (string, error) {
	path, err := p.store.Backup(ctx)
	if errors.Is(err, store.ErrBackupUnsupported) {
		p.logger.Info("store does not support backups; skipping")
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("backup: %w", err)
	}
	p.mu.Lock()
	p.backups = append(p.backups, path)
	p.mu.Unlock()

	p.logger.Info("backup written", zap.String("path", path))
	p.reporter.Backup(path)
	p.mirror(ctx, path)
	return path, nil
}

func (p *Policy) mirror(ctx context.Context, path string) {
	for _, m := range p.mirrors {
		uri, err := p.upload(ctx, m, path)
		if err != nil {
			p.logger.Warn("backup mirror failed", zap.String("path", path), zap.Error(err))
			continue
		}
		p.logger.Info("backup mirrored", zap.String("uri", uri))
	}
}

func (p *Policy) upload(ctx context.Context, m scraper.BlobStore, path string) (string, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from the store's own backup dir
	if err != nil {
		return "", fmt.Errorf("open backup: %w", err)
	}
	defer func() { _ = f.Close() }()
	uri, err := m.PutObject(ctx, filepath.Base(path), backupContentType, f)
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return uri, nil
}

// Package postgres provides a Postgres-backed store.Repository for runs that
// share state across hosts.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crm-phone-scraper/internal/store"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	Now             func() time.Time
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// Store persists accounts and phones in Postgres.
type Store struct {
	pool pool
	now  func() time.Time
}

var _ store.Repository = (*Store)(nil)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
	id           BIGSERIAL PRIMARY KEY,
	account_id   TEXT        NOT NULL UNIQUE,
	username     TEXT        NOT NULL DEFAULT '',
	token_url    TEXT,
	status       TEXT        NOT NULL DEFAULT 'pending'
	             CHECK (status IN ('pending', 'in_progress', 'completed', 'failed')),
	last_page    INTEGER     NOT NULL DEFAULT 0,
	phones_count INTEGER     NOT NULL DEFAULT 0,
	claimed_by   TEXT,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS phones (
	id           BIGSERIAL PRIMARY KEY,
	account_id   TEXT        NOT NULL,
	phone_number TEXT        NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	UNIQUE (account_id, phone_number)
)`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_status ON accounts(status)`,
	`CREATE INDEX IF NOT EXISTS idx_phones_account_id ON phones(account_id)`,
}

const accountColumns = `account_id, username, COALESCE(token_url, ''), status, last_page, phones_count, updated_at`

// Open connects to Postgres and creates the schema when missing.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(p, cfg.Now)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, now func() time.Time) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{pool: p, now: now}, nil
}

// Migrate creates tables and indexes that do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func textOrNil(v string) any {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return v
}

// UpsertAccount inserts an account or refreshes its username and token.
// Completed accounts stay completed; everything else returns to pending.
func (s *Store) UpsertAccount(ctx context.Context, id, username, tokenURL string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("account id is required")
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO accounts (account_id, username, token_url, status, created_at, updated_at)
VALUES ($1, $2, $3, 'pending', $4, $4)
ON CONFLICT (account_id) DO UPDATE SET
	username = EXCLUDED.username,
	token_url = EXCLUDED.token_url,
	status = CASE WHEN accounts.status = 'completed' THEN 'completed' ELSE 'pending' END,
	updated_at = EXCLUDED.updated_at`,
		id, username, textOrNil(tokenURL), s.now())
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

// SetTokenURL replaces the token of an existing account.
func (s *Store) SetTokenURL(ctx context.Context, id, tokenURL string) error {
	return s.update(ctx, "set token url", id,
		`UPDATE accounts SET token_url = $1, updated_at = $2 WHERE account_id = $3`,
		textOrNil(tokenURL), s.now(), id)
}

// SetStatus updates the status of an existing account.
func (s *Store) SetStatus(ctx context.Context, id string, status store.Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	return s.update(ctx, "set status", id,
		`UPDATE accounts SET status = $1, updated_at = $2 WHERE account_id = $3`,
		string(status), s.now(), id)
}

// Checkpoint records status and last page in one statement.
func (s *Store) Checkpoint(ctx context.Context, id string, status store.Status, lastPage int) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	return s.update(ctx, "checkpoint", id,
		`UPDATE accounts SET status = $1, last_page = $2, updated_at = $3 WHERE account_id = $4`,
		string(status), lastPage, s.now(), id)
}

func (s *Store) update(ctx context.Context, op, id, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", op, id, store.ErrNotFound)
	}
	return nil
}

// AddPhones inserts unseen numbers and refreshes phones_count in one transaction.
func (s *Store) AddPhones(ctx context.Context, id string, numbers []string) (added int, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("add phones: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var one int
	if err = tx.QueryRow(ctx, `SELECT 1 FROM accounts WHERE account_id = $1`, id).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("add phones %s: %w", id, store.ErrNotFound)
		}
		return 0, fmt.Errorf("add phones: lookup: %w", err)
	}

	now := s.now()
	for _, n := range store.NormalizePhones(numbers) {
		tag, execErr := tx.Exec(ctx, `
INSERT INTO phones (account_id, phone_number, created_at) VALUES ($1, $2, $3)
ON CONFLICT (account_id, phone_number) DO NOTHING`, id, n, now)
		if execErr != nil {
			err = execErr
			return 0, fmt.Errorf("add phones: insert: %w", err)
		}
		added += int(tag.RowsAffected())
	}

	if _, err = tx.Exec(ctx, `
UPDATE accounts SET phones_count = (SELECT COUNT(*) FROM phones WHERE account_id = $1), updated_at = $2
WHERE account_id = $1`, id, now); err != nil {
		return 0, fmt.Errorf("add phones: recount: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("add phones: commit: %w", err)
	}
	return added, nil
}

func scanAccount(row pgx.Row) (store.Account, error) {
	var (
		a      store.Account
		status string
	)
	if err := row.Scan(&a.ID, &a.Username, &a.TokenURL, &status, &a.LastPage, &a.PhonesCount, &a.UpdatedAt); err != nil {
		return store.Account{}, err
	}
	a.Status = store.Status(status)
	a.UpdatedAt = a.UpdatedAt.UTC()
	return a, nil
}

// AccountsByStatus lists accounts with the given status in discovery order.
func (s *Store) AccountsByStatus(ctx context.Context, status store.Status) ([]store.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE status = $1 ORDER BY id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("accounts by status: %w", err)
	}
	defer rows.Close()

	var out []store.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("accounts by status: scan: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("accounts by status: %w", err)
	}
	return out, nil
}

// GetAccount loads one account.
func (s *Store) GetAccount(ctx context.Context, id string) (store.Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE account_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Account{}, fmt.Errorf("account %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return store.Account{}, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

// Summary lists every account for reporting.
func (s *Store) Summary(ctx context.Context) ([]store.AccountSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, username, status, phones_count FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	var out []store.AccountSummary
	for rows.Next() {
		var (
			sum    store.AccountSummary
			status string
		)
		if err := rows.Scan(&sum.ID, &sum.Username, &status, &sum.PhonesCount); err != nil {
			return nil, fmt.Errorf("summary: scan: %w", err)
		}
		sum.Status = store.Status(status)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	return out, nil
}

// TotalPhones counts stored phone rows.
func (s *Store) TotalPhones(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM phones`).Scan(&n); err != nil {
		return 0, fmt.Errorf("total phones: %w", err)
	}
	return n, nil
}

// CountByStatus groups accounts by status. Every status has an entry.
func (s *Store) CountByStatus(ctx context.Context) (map[store.Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM accounts GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[store.Status]int, len(store.Statuses))
	for _, st := range store.Statuses {
		counts[st] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("count by status: scan: %w", err)
		}
		counts[store.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	return counts, nil
}

// ClaimNext atomically moves the next claimable account to in_progress under
// owner. SKIP LOCKED keeps concurrent claimers off the same row.
func (s *Store) ClaimNext(ctx context.Context, owner string) (store.Account, bool, error) {
	if strings.TrimSpace(owner) == "" {
		return store.Account{}, false, fmt.Errorf("claim owner is required")
	}
	a, err := scanAccount(s.pool.QueryRow(ctx, `
UPDATE accounts SET status = 'in_progress', claimed_by = $1, updated_at = $2
WHERE id = (
	SELECT id FROM accounts
	WHERE status = 'pending'
	   OR (status = 'in_progress' AND (claimed_by IS NULL OR claimed_by <> $1))
	ORDER BY CASE status WHEN 'in_progress' THEN 0 ELSE 1 END, id
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING `+accountColumns, owner, s.now()))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Account{}, false, nil
	}
	if err != nil {
		return store.Account{}, false, fmt.Errorf("claim next: %w", err)
	}
	return a, true, nil
}

// Backup is not supported; Postgres deployments rely on server-side dumps.
func (s *Store) Backup(context.Context) (string, error) {
	return "", store.ErrBackupUnsupported
}

// Clear runs a maintenance operation in one transaction and returns the
// number of accounts it touched.
func (s *Store) Clear(ctx context.Context, kind store.ClearKind) (affected int64, err error) {
	type stmt struct {
		query string
		args  []any
		count bool
	}
	now := s.now()
	var stmts []stmt
	switch kind {
	case store.ClearTokens:
		stmts = []stmt{{`UPDATE accounts SET token_url = NULL, status = 'pending', updated_at = $1`, []any{now}, true}}
	case store.ClearAccounts:
		stmts = []stmt{{`DELETE FROM accounts`, nil, true}}
	case store.ClearPhones:
		stmts = []stmt{
			{`DELETE FROM phones`, nil, false},
			{`UPDATE accounts SET phones_count = 0, updated_at = $1`, []any{now}, true},
		}
	case store.ClearAll:
		stmts = []stmt{
			{`DELETE FROM phones`, nil, false},
			{`DELETE FROM accounts`, nil, true},
		}
	case store.ClearResetFailed:
		stmts = []stmt{{`UPDATE accounts SET status = 'pending', updated_at = $1 WHERE status = 'failed'`, []any{now}, true}}
	case store.ClearResetProgress:
		stmts = []stmt{{
			`UPDATE accounts SET status = 'pending', claimed_by = NULL, updated_at = $1 WHERE status = 'in_progress'`,
			[]any{now}, true,
		}}
	default:
		return 0, fmt.Errorf("unsupported clear kind %q", kind)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("clear %s: begin: %w", kind, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	for _, st := range stmts {
		tag, execErr := tx.Exec(ctx, st.query, st.args...)
		if execErr != nil {
			err = execErr
			return 0, fmt.Errorf("clear %s: %w", kind, err)
		}
		if st.count {
			affected = tag.RowsAffected()
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("clear %s: commit: %w", kind, err)
	}
	return affected, nil
}

// Package sqlite implements store.Repository on a local SQLite file using the
// pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/crm-phone-scraper/internal/store"
)

const (
	defaultBusyTimeout = 5 * time.Second
	backupLayout       = "20060102_150405"
	timeLayout         = time.RFC3339Nano
)

// Config controls where the database and its backups live.
type Config struct {
	// Path is the database file. Parent directories are created.
	Path string
	// BackupDir receives point-in-time copies made by Backup.
	BackupDir string
	// BusyTimeout bounds how long a statement waits for a lock before the
	// store reports store.ErrStoreBusy.
	BusyTimeout time.Duration
	// Now overrides the time source for timestamps and backup names.
	Now func() time.Time
}

// Store is a store.Repository backed by SQLite in WAL mode. Every write
// transaction begins IMMEDIATE, so the write lock is taken up front.
type Store struct {
	db        *sql.DB
	backupDir string
	now       func() time.Time
}

var _ store.Repository = (*Store)(nil)

// Open opens (creating if needed) the database at cfg.Path and applies the
// schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = defaultBusyTimeout
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	db, err := sql.Open("sqlite", dsn(cfg.Path, cfg.BusyTimeout))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &Store{db: db, backupDir: cfg.BackupDir, now: now}, nil
}

// dsn encodes per-connection pragmas so every pooled connection gets them.
func dsn(path string, busy time.Duration) string {
	params := []string{
		fmt.Sprintf("_pragma=busy_timeout(%d)", busy.Milliseconds()),
		"_pragma=journal_mode(WAL)",
		"_pragma=synchronous(NORMAL)",
		"_txlock=immediate",
	}
	return path + "?" + strings.Join(params, "&")
}

// Close closes the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

func (s *Store) stamp() string {
	return s.now().UTC().Format(timeLayout)
}

// UpsertAccount inserts a pending account or refreshes an existing one
// without downgrading a completed status.
func (s *Store) UpsertAccount(ctx context.Context, id, username, tokenURL string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("account id is required")
	}
	ts := s.stamp()
	err := retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO accounts (account_id, username, token_url, status, created_at, updated_at)
VALUES (?, ?, ?, 'pending', ?, ?)
ON CONFLICT(account_id) DO UPDATE SET
	username = excluded.username,
	token_url = excluded.token_url,
	status = CASE WHEN accounts.status = 'completed' THEN 'completed' ELSE 'pending' END,
	updated_at = excluded.updated_at`,
			id, username, nullString(tokenURL), ts, ts)
		return err
	})
	if err != nil {
		return busyError("upsert account", err)
	}
	return nil
}

// SetTokenURL replaces the token of an existing account.
func (s *Store) SetTokenURL(ctx context.Context, id, tokenURL string) error {
	return s.update(ctx, "set token url", id,
		`UPDATE accounts SET token_url = ?, updated_at = ? WHERE account_id = ?`,
		nullString(tokenURL), s.stamp(), id)
}

// SetStatus updates the status of an existing account.
func (s *Store) SetStatus(ctx context.Context, id string, status store.Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	return s.update(ctx, "set status", id,
		`UPDATE accounts SET status = ?, updated_at = ? WHERE account_id = ?`,
		string(status), s.stamp(), id)
}

// Checkpoint updates status and last_page together.
func (s *Store) Checkpoint(ctx context.Context, id string, status store.Status, lastPage int) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	if lastPage < 0 {
		return fmt.Errorf("last page must be >= 0")
	}
	return s.update(ctx, "checkpoint", id,
		`UPDATE accounts SET status = ?, last_page = ?, updated_at = ? WHERE account_id = ?`,
		string(status), lastPage, s.stamp(), id)
}

func (s *Store) update(ctx context.Context, op, id, query string, args ...any) error {
	var res sql.Result
	err := retryOnBusy(ctx, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	})
	if err != nil {
		return busyError(op, err)
	}
	return checkRowsAffected(res, id)
}

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("account %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// AddPhones inserts numbers for the account and recomputes phones_count in
// the same transaction.
func (s *Store) AddPhones(ctx context.Context, id string, numbers []string) (int, error) {
	numbers = store.NormalizePhones(numbers)
	var added int
	err := retryOnBusy(ctx, func() error {
		var txErr error
		added, txErr = s.addPhonesTx(ctx, id, numbers)
		return txErr
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, err
		}
		return 0, busyError("add phones", err)
	}
	return added, nil
}

func (s *Store) addPhonesTx(ctx context.Context, id string, numbers []string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE account_id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("account %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("lookup account: %w", err)
	}

	ts := s.stamp()
	added := 0
	if len(numbers) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO phones (account_id, phone_number, created_at) VALUES (?, ?, ?)
ON CONFLICT(account_id, phone_number) DO NOTHING`)
		if err != nil {
			return 0, fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()
		for _, n := range numbers {
			res, err := stmt.ExecContext(ctx, id, n, ts)
			if err != nil {
				return 0, fmt.Errorf("insert phone: %w", err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return 0, fmt.Errorf("rows affected: %w", err)
			}
			added += int(affected)
		}
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE accounts
SET phones_count = (SELECT COUNT(*) FROM phones WHERE phones.account_id = accounts.account_id),
	updated_at = ?
WHERE account_id = ?`, ts, id); err != nil {
		return 0, fmt.Errorf("recount phones: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return added, nil
}

// AccountsByStatus lists accounts with the given status in insertion order.
func (s *Store) AccountsByStatus(ctx context.Context, status store.Status) ([]store.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE status = ? ORDER BY id`, string(status))
	if err != nil {
		return nil, busyError("list accounts", err)
	}
	defer rows.Close()

	var out []store.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return out, nil
}

// GetAccount loads one account.
func (s *Store) GetAccount(ctx context.Context, id string) (store.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE account_id = ?`, id)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Account{}, fmt.Errorf("account %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return store.Account{}, err
	}
	return acct, nil
}

// Summary lists every account in insertion order.
func (s *Store) Summary(ctx context.Context) ([]store.AccountSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id, username, status, phones_count FROM accounts ORDER BY id`)
	if err != nil {
		return nil, busyError("summary", err)
	}
	defer rows.Close()

	var out []store.AccountSummary
	for rows.Next() {
		var (
			sum    store.AccountSummary
			status string
		)
		if err := rows.Scan(&sum.ID, &sum.Username, &status, &sum.PhonesCount); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		sum.Status = store.Status(status)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summary: %w", err)
	}
	return out, nil
}

// TotalPhones counts all phone rows.
func (s *Store) TotalPhones(ctx context.Context) (int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM phones`).Scan(&total); err != nil {
		return 0, busyError("count phones", err)
	}
	return total, nil
}

// CountByStatus groups accounts by status.
func (s *Store) CountByStatus(ctx context.Context) (map[store.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM accounts GROUP BY status`)
	if err != nil {
		return nil, busyError("count by status", err)
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
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[store.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return counts, nil
}

// ClaimNext selects and marks the next account inside one IMMEDIATE
// transaction. Lock contention past the busy timeout is reported as
// store.ErrStoreBusy with no side effects.
func (s *Store) ClaimNext(ctx context.Context, owner string) (store.Account, bool, error) {
	if strings.TrimSpace(owner) == "" {
		return store.Account{}, false, fmt.Errorf("claim owner is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Account{}, false, busyError("claim begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
SELECT `+accountColumns+` FROM accounts
WHERE status = 'pending'
   OR (status = 'in_progress' AND (claimed_by IS NULL OR claimed_by <> ?))
ORDER BY CASE status WHEN 'in_progress' THEN 0 ELSE 1 END, id
LIMIT 1`, owner)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Account{}, false, nil
	}
	if err != nil {
		return store.Account{}, false, busyError("claim select", err)
	}

	ts := s.stamp()
	if _, err := tx.ExecContext(ctx, `
UPDATE accounts SET status = 'in_progress', claimed_by = ?, updated_at = ? WHERE account_id = ?`,
		owner, ts, acct.ID); err != nil {
		return store.Account{}, false, busyError("claim update", err)
	}
	if err := tx.Commit(); err != nil {
		return store.Account{}, false, busyError("claim commit", err)
	}
	acct.Status = store.StatusInProgress
	if parsed, perr := time.Parse(timeLayout, ts); perr == nil {
		acct.UpdatedAt = parsed
	}
	return acct, true, nil
}

// Backup writes a consistent copy of the database with VACUUM INTO. The copy
// reads a snapshot, so concurrent writers are not blocked.
func (s *Store) Backup(ctx context.Context) (string, error) {
	if strings.TrimSpace(s.backupDir) == "" {
		return "", fmt.Errorf("backup directory is not configured")
	}
	if err := os.MkdirAll(s.backupDir, 0o750); err != nil {
		return "", fmt.Errorf("create backup directory: %w", err)
	}
	path, err := s.nextBackupPath()
	if err != nil {
		return "", err
	}
	err = retryOnBusy(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx, `VACUUM INTO ?`, path)
		return execErr
	})
	if err != nil {
		return "", busyError("vacuum into", err)
	}
	return path, nil
}

func (s *Store) nextBackupPath() (string, error) {
	base := "phones_backup_" + s.now().Format(backupLayout)
	for i := 0; i < 100; i++ {
		name := base + ".db"
		if i > 0 {
			name = fmt.Sprintf("%s_%d.db", base, i)
		}
		path := filepath.Join(s.backupDir, name)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path, nil
		}
	}
	return "", fmt.Errorf("no free backup name for %s", base)
}

// Clear runs one maintenance operation atomically.
func (s *Store) Clear(ctx context.Context, kind store.ClearKind) (int64, error) {
	ts := s.stamp()
	var stmts []clearStmt
	switch kind {
	case store.ClearTokens:
		stmts = []clearStmt{{`UPDATE accounts SET token_url = NULL, status = 'pending', updated_at = ?`, []any{ts}, true}}
	case store.ClearAccounts:
		stmts = []clearStmt{{`DELETE FROM accounts`, nil, true}}
	case store.ClearPhones:
		stmts = []clearStmt{
			{`DELETE FROM phones`, nil, false},
			{`UPDATE accounts SET phones_count = 0, updated_at = ?`, []any{ts}, true},
		}
	case store.ClearAll:
		stmts = []clearStmt{
			{`DELETE FROM phones`, nil, false},
			{`DELETE FROM accounts`, nil, true},
		}
	case store.ClearResetFailed:
		stmts = []clearStmt{{`UPDATE accounts SET status = 'pending', updated_at = ? WHERE status = 'failed'`, []any{ts}, true}}
	case store.ClearResetProgress:
		stmts = []clearStmt{{
			`UPDATE accounts SET status = 'pending', claimed_by = NULL, updated_at = ? WHERE status = 'in_progress'`,
			[]any{ts}, true,
		}}
	default:
		return 0, fmt.Errorf("unsupported clear kind %q", kind)
	}

	var affected int64
	err := retryOnBusy(ctx, func() error {
		var txErr error
		affected, txErr = s.clearTx(ctx, stmts)
		return txErr
	})
	if err != nil {
		return 0, busyError("clear "+string(kind), err)
	}
	return affected, nil
}

type clearStmt struct {
	query string
	args  []any
	count bool
}

func (s *Store) clearTx(ctx context.Context, stmts []clearStmt) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var affected int64
	for _, st := range stmts {
		res, err := tx.ExecContext(ctx, st.query, st.args...)
		if err != nil {
			return 0, fmt.Errorf("exec: %w", err)
		}
		if st.count {
			if affected, err = res.RowsAffected(); err != nil {
				return 0, fmt.Errorf("rows affected: %w", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return affected, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (store.Account, error) {
	var (
		acct      store.Account
		token     sql.NullString
		status    string
		updatedAt string
	)
	if err := row.Scan(&acct.ID, &acct.Username, &token, &status, &acct.LastPage, &acct.PhonesCount, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Account{}, err
		}
		return store.Account{}, fmt.Errorf("scan account: %w", err)
	}
	acct.TokenURL = token.String
	acct.Status = store.Status(status)
	if ts, err := time.Parse(timeLayout, updatedAt); err == nil {
		acct.UpdatedAt = ts
	}
	return acct, nil
}

func nullString(v string) sql.NullString {
	v = strings.TrimSpace(v)
	return sql.NullString{String: v, Valid: v != ""}
}

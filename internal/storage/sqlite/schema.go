package sqlite

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id   TEXT    NOT NULL UNIQUE,
	username     TEXT    NOT NULL DEFAULT '',
	token_url    TEXT,
	status       TEXT    NOT NULL DEFAULT 'pending'
	             CHECK (status IN ('pending', 'in_progress', 'completed', 'failed')),
	last_page    INTEGER NOT NULL DEFAULT 0,
	phones_count INTEGER NOT NULL DEFAULT 0,
	claimed_by   TEXT,
	created_at   TEXT    NOT NULL,
	updated_at   TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS phones (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id   TEXT NOT NULL,
	phone_number TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	UNIQUE (account_id, phone_number)
);

CREATE INDEX IF NOT EXISTS idx_accounts_status ON accounts(status);
CREATE INDEX IF NOT EXISTS idx_phones_account_id ON phones(account_id);
`

const accountColumns = `account_id, username, token_url, status, last_page, phones_count, updated_at`

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/rg-fling/rgfling/internal/domain"
)

// ─── Schema ─────────────────────────────────────────────────────────────────

// Migrations returns the ledger schema statements.
// Each string is a single SQL statement (SQLite executes one at a time).
func Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id         TEXT PRIMARY KEY,
			handle     TEXT NOT NULL UNIQUE,
			timezone   TEXT NOT NULL DEFAULT '',
			disabled   INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,

		// Append-only ledger. AUTOINCREMENT keeps ids strictly increasing
		// even after the highest row is gone, which never happens here.
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id  TEXT NOT NULL REFERENCES accounts(id),
			amount      INTEGER NOT NULL CHECK (amount <> 0),
			reason      TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			transfer_id TEXT,
			created_at  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_account ON ledger_entries(account_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_transfer ON ledger_entries(transfer_id)`,
		`CREATE TRIGGER IF NOT EXISTS ledger_entries_immutable_update
			BEFORE UPDATE ON ledger_entries
			BEGIN SELECT RAISE(ABORT, 'ledger entries are immutable'); END`,
		`CREATE TRIGGER IF NOT EXISTS ledger_entries_immutable_delete
			BEFORE DELETE ON ledger_entries
			BEGIN SELECT RAISE(ABORT, 'ledger entries are immutable'); END`,

		`CREATE TABLE IF NOT EXISTS transfers (
			id              TEXT PRIMARY KEY,
			sender_id       TEXT NOT NULL REFERENCES accounts(id),
			recipient_id    TEXT NOT NULL REFERENCES accounts(id),
			amount          INTEGER NOT NULL CHECK (amount > 0),
			description     TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT,
			status          TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			UNIQUE(sender_id, idempotency_key)
		)`,

		`CREATE TABLE IF NOT EXISTS reward_claims (
			account_id   TEXT NOT NULL REFERENCES accounts(id),
			reward_type  TEXT NOT NULL,
			last_claimed TEXT NOT NULL,
			claim_count  INTEGER NOT NULL DEFAULT 0,
			updated_at   TEXT NOT NULL,
			PRIMARY KEY (account_id, reward_type)
		)`,

		`CREATE TABLE IF NOT EXISTS payments (
			reference  TEXT PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES accounts(id),
			coins      INTEGER NOT NULL CHECK (coins > 0),
			entry_id   INTEGER NOT NULL REFERENCES ledger_entries(id),
			created_at TEXT NOT NULL
		)`,
	}
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn implements the read side on either the pool or a transaction.
type conn struct {
	q queryer
}

// tx is the write side, only reachable through DB.WithinTx.
type tx struct {
	conn
}

var _ domain.LedgerTx = (*tx)(nil)

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func isUnique(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ─── Account Operations ─────────────────────────────────────────────────────

const accountColumns = `id, handle, timezone, disabled, created_at`

func scanAccount(row interface{ Scan(...any) error }) (*domain.Account, error) {
	var (
		a        domain.Account
		disabled int
		created  string
	)
	if err := row.Scan(&a.ID, &a.Handle, &a.Timezone, &disabled, &created); err != nil {
		return nil, err
	}
	a.Disabled = disabled == 1
	a.CreatedAt = parseTime(created)
	return &a, nil
}

// GetAccount returns the account or domain.ErrUnknownAccount.
func (c conn) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	a, err := scanAccount(c.q.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUnknownAccount
	}
	return a, domain.Storage("get account", err)
}

// GetAccountByHandle looks an account up by its unique handle.
func (c conn) GetAccountByHandle(ctx context.Context, handle string) (*domain.Account, error) {
	a, err := scanAccount(c.q.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE handle = ?`, handle))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUnknownAccount
	}
	return a, domain.Storage("get account by handle", err)
}

// LockAccounts is a no-op: IMMEDIATE transactions already hold the
// database write lock.
func (t *tx) LockAccounts(ctx context.Context, ids ...string) error { return nil }

// InsertAccount creates an account.
func (t *tx) InsertAccount(ctx context.Context, a *domain.Account) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO accounts (id, handle, timezone, disabled, created_at)
		VALUES (?, ?, ?, 0, ?)
	`, a.ID, a.Handle, a.Timezone, formatTime(a.CreatedAt))
	if err != nil && isUnique(err) {
		return domain.ErrHandleTaken
	}
	return domain.Storage("insert account", err)
}

// SetAccountDisabled flips the soft-disable flag.
func (t *tx) SetAccountDisabled(ctx context.Context, id string, disabled bool) error {
	flag := 0
	if disabled {
		flag = 1
	}
	res, err := t.q.ExecContext(ctx, `UPDATE accounts SET disabled = ? WHERE id = ?`, flag, id)
	if err != nil {
		return domain.Storage("disable account", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Storage("disable account", err)
	}
	if n == 0 {
		return domain.ErrUnknownAccount
	}
	return nil
}

// ─── Ledger Operations ──────────────────────────────────────────────────────

const entryColumns = `id, account_id, amount, reason, description, COALESCE(transfer_id, ''), created_at`

func scanEntries(rows *sql.Rows) ([]domain.LedgerEntry, error) {
	defer rows.Close()
	var out []domain.LedgerEntry
	for rows.Next() {
		var (
			e       domain.LedgerEntry
			reason  string
			created string
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Amount, &reason, &e.Description, &e.TransferID, &created); err != nil {
			return nil, err
		}
		e.Reason = domain.Reason(reason)
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Append inserts one entry, assigning its ID (and timestamp when unset).
func (t *tx) Append(ctx context.Context, e *domain.LedgerEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var transferID any
	if e.TransferID != "" {
		transferID = e.TransferID
	}
	res, err := t.q.ExecContext(ctx, `
		INSERT INTO ledger_entries (account_id, amount, reason, description, transfer_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.AccountID, e.Amount, string(e.Reason), e.Description, transferID, formatTime(e.CreatedAt))
	if err != nil {
		return domain.Storage("append", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Storage("append", err)
	}
	e.ID = id
	return nil
}

// ListForAccount returns one page of an account's entries.
func (c conn) ListForAccount(ctx context.Context, accountID string, opts domain.ListOptions) ([]domain.LedgerEntry, error) {
	opts = opts.Normalize()

	var sb strings.Builder
	args := []any{accountID}
	sb.WriteString(`SELECT ` + entryColumns + ` FROM ledger_entries WHERE account_id = ?`)
	if opts.AfterID > 0 {
		sb.WriteString(` AND id > ?`)
		args = append(args, opts.AfterID)
	}
	if opts.BeforeID > 0 {
		sb.WriteString(` AND id < ?`)
		args = append(args, opts.BeforeID)
	}
	if opts.Order == domain.OrderAsc {
		sb.WriteString(` ORDER BY id ASC`)
	} else {
		sb.WriteString(` ORDER BY id DESC`)
	}
	sb.WriteString(` LIMIT ?`)
	args = append(args, opts.Limit)

	rows, err := c.q.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, domain.Storage("list entries", err)
	}
	entries, err := scanEntries(rows)
	return entries, domain.Storage("list entries", err)
}

// SumForAccount folds every entry of the account.
func (c conn) SumForAccount(ctx context.Context, accountID string) (int64, error) {
	var sum int64
	err := c.q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE account_id = ?`, accountID,
	).Scan(&sum)
	return sum, domain.Storage("sum entries", err)
}

// SumForAccountUpTo folds the account's entries with id <= entryID.
func (c conn) SumForAccountUpTo(ctx context.Context, accountID string, entryID int64) (int64, error) {
	var sum int64
	err := c.q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE account_id = ? AND id <= ?`,
		accountID, entryID,
	).Scan(&sum)
	return sum, domain.Storage("sum entries", err)
}

// ─── Transfer Operations ────────────────────────────────────────────────────

const transferColumns = `id, sender_id, recipient_id, amount, description, COALESCE(idempotency_key, ''), status, created_at`

func scanTransfer(row interface{ Scan(...any) error }) (*domain.Transfer, error) {
	var (
		tr      domain.Transfer
		status  string
		created string
	)
	if err := row.Scan(&tr.ID, &tr.SenderID, &tr.RecipientID, &tr.Amount, &tr.Description,
		&tr.IdempotencyKey, &status, &created); err != nil {
		return nil, err
	}
	tr.Status = domain.TransferStatus(status)
	tr.CreatedAt = parseTime(created)
	return &tr, nil
}

// InsertTransfer records a completed transfer.
func (t *tx) InsertTransfer(ctx context.Context, tr *domain.Transfer) error {
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now().UTC()
	}
	var key any
	if tr.IdempotencyKey != "" {
		key = tr.IdempotencyKey
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO transfers (id, sender_id, recipient_id, amount, description, idempotency_key, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, tr.ID, tr.SenderID, tr.RecipientID, tr.Amount, tr.Description, key, string(tr.Status), formatTime(tr.CreatedAt))
	return domain.Storage("insert transfer", err)
}

// FindTransferByKey returns the sender's transfer with the idempotency key,
// or nil when there is none.
func (t *tx) FindTransferByKey(ctx context.Context, senderID, key string) (*domain.Transfer, error) {
	tr, err := scanTransfer(t.q.QueryRowContext(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE sender_id = ? AND idempotency_key = ?`,
		senderID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return tr, domain.Storage("find transfer", err)
}

// GetTransfer returns a transfer by id or domain.ErrTransferNotFound.
func (c conn) GetTransfer(ctx context.Context, id string) (*domain.Transfer, error) {
	tr, err := scanTransfer(c.q.QueryRowContext(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTransferNotFound
	}
	return tr, domain.Storage("get transfer", err)
}

// EntriesForTransfer returns the entries tagged with transferID in id order.
func (c conn) EntriesForTransfer(ctx context.Context, transferID string) ([]domain.LedgerEntry, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE transfer_id = ? ORDER BY id ASC`, transferID)
	if err != nil {
		return nil, domain.Storage("transfer entries", err)
	}
	entries, err := scanEntries(rows)
	return entries, domain.Storage("transfer entries", err)
}

// ─── Reward Claim Operations ────────────────────────────────────────────────

// GetRewardClaim returns the claim marker or nil when never claimed.
func (c conn) GetRewardClaim(ctx context.Context, accountID string, rt domain.RewardType) (*domain.RewardClaim, error) {
	var rc domain.RewardClaim
	var rtStr string
	err := c.q.QueryRowContext(ctx, `
		SELECT account_id, reward_type, last_claimed, claim_count
		FROM reward_claims WHERE account_id = ? AND reward_type = ?
	`, accountID, string(rt)).Scan(&rc.AccountID, &rtStr, &rc.LastClaimed, &rc.ClaimCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Storage("get reward claim", err)
	}
	rc.RewardType = domain.RewardType(rtStr)
	return &rc, nil
}

// UpsertRewardClaim refreshes the last-claimed marker and bumps the count.
func (t *tx) UpsertRewardClaim(ctx context.Context, rc domain.RewardClaim) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO reward_claims (account_id, reward_type, last_claimed, claim_count, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(account_id, reward_type) DO UPDATE SET
			last_claimed = excluded.last_claimed,
			claim_count  = claim_count + 1,
			updated_at   = excluded.updated_at
	`, rc.AccountID, string(rc.RewardType), rc.LastClaimed, formatTime(time.Now()))
	return domain.Storage("upsert reward claim", err)
}

// ─── Payment Operations ─────────────────────────────────────────────────────

// InsertPayment records a credited provider payment.
func (t *tx) InsertPayment(ctx context.Context, p *domain.Payment) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO payments (reference, account_id, coins, entry_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, p.Reference, p.AccountID, p.Coins, p.EntryID, formatTime(p.CreatedAt))
	if err != nil && isUnique(err) {
		return domain.ErrDuplicatePayment
	}
	return domain.Storage("insert payment", err)
}

// GetPayment returns the payment with reference or nil.
func (t *tx) GetPayment(ctx context.Context, reference string) (*domain.Payment, error) {
	var (
		p       domain.Payment
		created string
	)
	err := t.q.QueryRowContext(ctx, `
		SELECT reference, account_id, coins, entry_id, created_at FROM payments WHERE reference = ?
	`, reference).Scan(&p.Reference, &p.AccountID, &p.Coins, &p.EntryID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Storage("get payment", err)
	}
	p.CreatedAt = parseTime(created)
	return &p, nil
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rg-fling/rgfling/internal/domain"
)

// ─── Schema ─────────────────────────────────────────────────────────────────

// Migrations returns the schema in apply order. Append only: a statement's
// position is its version.
func Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id         TEXT PRIMARY KEY,
			handle     TEXT NOT NULL UNIQUE,
			timezone   TEXT NOT NULL DEFAULT '',
			disabled   BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id          BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			account_id  TEXT NOT NULL REFERENCES accounts(id),
			amount      BIGINT NOT NULL CHECK (amount <> 0),
			reason      TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			transfer_id TEXT,
			created_at  TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_account ON ledger_entries(account_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_transfer ON ledger_entries(transfer_id)`,
		`CREATE OR REPLACE FUNCTION ledger_entries_immutable() RETURNS trigger AS $fn$
		BEGIN
			RAISE EXCEPTION 'ledger entries are immutable';
		END
		$fn$ LANGUAGE plpgsql`,
		`CREATE TRIGGER ledger_entries_immutable
			BEFORE UPDATE OR DELETE ON ledger_entries
			FOR EACH ROW EXECUTE FUNCTION ledger_entries_immutable()`,

		`CREATE TABLE IF NOT EXISTS transfers (
			id              TEXT PRIMARY KEY,
			sender_id       TEXT NOT NULL REFERENCES accounts(id),
			recipient_id    TEXT NOT NULL REFERENCES accounts(id),
			amount          BIGINT NOT NULL CHECK (amount > 0),
			description     TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT,
			status          TEXT NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL,
			UNIQUE (sender_id, idempotency_key)
		)`,

		`CREATE TABLE IF NOT EXISTS reward_claims (
			account_id   TEXT NOT NULL REFERENCES accounts(id),
			reward_type  TEXT NOT NULL,
			last_claimed TEXT NOT NULL,
			claim_count  BIGINT NOT NULL DEFAULT 0,
			updated_at   TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (account_id, reward_type)
		)`,

		`CREATE TABLE IF NOT EXISTS payments (
			reference  TEXT PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES accounts(id),
			coins      BIGINT NOT NULL CHECK (coins > 0),
			entry_id   BIGINT NOT NULL REFERENCES ledger_entries(id),
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}
}

// queryer is satisfied by both *pgxpool.Pool and pgx.Tx.
type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type conn struct {
	q queryer
}

type tx struct {
	conn
}

var _ domain.LedgerTx = (*tx)(nil)

const (
	codeUniqueViolation = "23505"
	codeLockNotAvail    = "55P03"
	codeQueryCanceled   = "57014"
)

func isUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}

// mapErr turns lock and statement timeouts into domain.ErrTimeout.
func mapErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == codeLockNotAvail || pgErr.Code == codeQueryCanceled) {
		return fmt.Errorf("%w: %s", domain.ErrTimeout, pgErr.Message)
	}
	return err
}

func storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return domain.Storage(op, mapErr(err))
}

// ─── Account Operations ─────────────────────────────────────────────────────

const accountColumns = `id, handle, timezone, disabled, created_at`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	if err := row.Scan(&a.ID, &a.Handle, &a.Timezone, &a.Disabled, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}

// GetAccount returns the account or domain.ErrUnknownAccount.
func (c conn) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	a, err := scanAccount(c.q.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrUnknownAccount
	}
	return a, storage("get account", err)
}

// GetAccountByHandle looks an account up by its unique handle.
func (c conn) GetAccountByHandle(ctx context.Context, handle string) (*domain.Account, error) {
	a, err := scanAccount(c.q.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE handle = $1`, handle))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrUnknownAccount
	}
	return a, storage("get account by handle", err)
}

// LockAccounts takes row locks in id order. Unknown ids are skipped; callers
// resolve accounts separately.
func (t *tx) LockAccounts(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	rows, err := t.q.Query(ctx,
		`SELECT id FROM accounts WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return storage("lock accounts", err)
	}
	rows.Close()
	return storage("lock accounts", rows.Err())
}

// InsertAccount creates an account.
func (t *tx) InsertAccount(ctx context.Context, a *domain.Account) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := t.q.Exec(ctx, `
		INSERT INTO accounts (id, handle, timezone, disabled, created_at)
		VALUES ($1, $2, $3, FALSE, $4)
	`, a.ID, a.Handle, a.Timezone, a.CreatedAt)
	if err != nil && isUnique(err) {
		return domain.ErrHandleTaken
	}
	return storage("insert account", err)
}

// SetAccountDisabled flips the soft-disable flag.
func (t *tx) SetAccountDisabled(ctx context.Context, id string, disabled bool) error {
	tag, err := t.q.Exec(ctx, `UPDATE accounts SET disabled = $1 WHERE id = $2`, disabled, id)
	if err != nil {
		return storage("disable account", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrUnknownAccount
	}
	return nil
}

// ─── Ledger Operations ──────────────────────────────────────────────────────

const entryColumns = `id, account_id, amount, reason, description, COALESCE(transfer_id, ''), created_at`

func scanEntries(rows pgx.Rows) ([]domain.LedgerEntry, error) {
	defer rows.Close()
	var out []domain.LedgerEntry
	for rows.Next() {
		var (
			e      domain.LedgerEntry
			reason string
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Amount, &reason, &e.Description, &e.TransferID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Reason = domain.Reason(reason)
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Append inserts one entry, assigning its ID (and timestamp when unset).
func (t *tx) Append(ctx context.Context, e *domain.LedgerEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var transferID *string
	if e.TransferID != "" {
		transferID = &e.TransferID
	}
	err := t.q.QueryRow(ctx, `
		INSERT INTO ledger_entries (account_id, amount, reason, description, transfer_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, e.AccountID, e.Amount, string(e.Reason), e.Description, transferID, e.CreatedAt).Scan(&e.ID)
	return storage("append", err)
}

// ListForAccount returns one page of an account's entries.
func (c conn) ListForAccount(ctx context.Context, accountID string, opts domain.ListOptions) ([]domain.LedgerEntry, error) {
	opts = opts.Normalize()

	var sb strings.Builder
	args := []any{accountID}
	sb.WriteString(`SELECT ` + entryColumns + ` FROM ledger_entries WHERE account_id = $1`)
	if opts.AfterID > 0 {
		args = append(args, opts.AfterID)
		fmt.Fprintf(&sb, ` AND id > $%d`, len(args))
	}
	if opts.BeforeID > 0 {
		args = append(args, opts.BeforeID)
		fmt.Fprintf(&sb, ` AND id < $%d`, len(args))
	}
	if opts.Order == domain.OrderAsc {
		sb.WriteString(` ORDER BY id ASC`)
	} else {
		sb.WriteString(` ORDER BY id DESC`)
	}
	args = append(args, opts.Limit)
	fmt.Fprintf(&sb, ` LIMIT $%d`, len(args))

	rows, err := c.q.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, storage("list entries", err)
	}
	entries, err := scanEntries(rows)
	return entries, storage("list entries", err)
}

// SumForAccount folds every entry of the account.
func (c conn) SumForAccount(ctx context.Context, accountID string) (int64, error) {
	var sum int64
	err := c.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::BIGINT FROM ledger_entries WHERE account_id = $1`, accountID,
	).Scan(&sum)
	return sum, storage("sum entries", err)
}

// SumForAccountUpTo folds the account's entries with id <= entryID.
func (c conn) SumForAccountUpTo(ctx context.Context, accountID string, entryID int64) (int64, error) {
	var sum int64
	err := c.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::BIGINT FROM ledger_entries WHERE account_id = $1 AND id <= $2`,
		accountID, entryID,
	).Scan(&sum)
	return sum, storage("sum entries", err)
}

// ─── Transfer Operations ────────────────────────────────────────────────────

const transferColumns = `id, sender_id, recipient_id, amount, description, COALESCE(idempotency_key, ''), status, created_at`

func scanTransfer(row pgx.Row) (*domain.Transfer, error) {
	var (
		tr     domain.Transfer
		status string
	)
	if err := row.Scan(&tr.ID, &tr.SenderID, &tr.RecipientID, &tr.Amount, &tr.Description,
		&tr.IdempotencyKey, &status, &tr.CreatedAt); err != nil {
		return nil, err
	}
	tr.Status = domain.TransferStatus(status)
	tr.CreatedAt = tr.CreatedAt.UTC()
	return &tr, nil
}

// InsertTransfer records a completed transfer.
func (t *tx) InsertTransfer(ctx context.Context, tr *domain.Transfer) error {
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now().UTC()
	}
	var key *string
	if tr.IdempotencyKey != "" {
		key = &tr.IdempotencyKey
	}
	_, err := t.q.Exec(ctx, `
		INSERT INTO transfers (id, sender_id, recipient_id, amount, description, idempotency_key, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, tr.ID, tr.SenderID, tr.RecipientID, tr.Amount, tr.Description, key, string(tr.Status), tr.CreatedAt)
	return storage("insert transfer", err)
}

// FindTransferByKey returns the sender's transfer with the idempotency key,
// or nil when there is none.
func (t *tx) FindTransferByKey(ctx context.Context, senderID, key string) (*domain.Transfer, error) {
	tr, err := scanTransfer(t.q.QueryRow(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE sender_id = $1 AND idempotency_key = $2`,
		senderID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return tr, storage("find transfer", err)
}

// GetTransfer returns a transfer by id or domain.ErrTransferNotFound.
func (c conn) GetTransfer(ctx context.Context, id string) (*domain.Transfer, error) {
	tr, err := scanTransfer(c.q.QueryRow(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrTransferNotFound
	}
	return tr, storage("get transfer", err)
}

// EntriesForTransfer returns the entries tagged with transferID in id order.
func (c conn) EntriesForTransfer(ctx context.Context, transferID string) ([]domain.LedgerEntry, error) {
	rows, err := c.q.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE transfer_id = $1 ORDER BY id ASC`, transferID)
	if err != nil {
		return nil, storage("transfer entries", err)
	}
	entries, err := scanEntries(rows)
	return entries, storage("transfer entries", err)
}

// ─── Reward Claim Operations ────────────────────────────────────────────────

// GetRewardClaim returns the claim marker or nil when never claimed.
func (c conn) GetRewardClaim(ctx context.Context, accountID string, rt domain.RewardType) (*domain.RewardClaim, error) {
	var (
		rc   domain.RewardClaim
		rtDB string
	)
	err := c.q.QueryRow(ctx, `
		SELECT account_id, reward_type, last_claimed, claim_count
		FROM reward_claims WHERE account_id = $1 AND reward_type = $2
	`, accountID, string(rt)).Scan(&rc.AccountID, &rtDB, &rc.LastClaimed, &rc.ClaimCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storage("get reward claim", err)
	}
	rc.RewardType = domain.RewardType(rtDB)
	return &rc, nil
}

// UpsertRewardClaim refreshes the last-claimed marker and bumps the count.
func (t *tx) UpsertRewardClaim(ctx context.Context, rc domain.RewardClaim) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO reward_claims (account_id, reward_type, last_claimed, claim_count, updated_at)
		VALUES ($1, $2, $3, 1, now())
		ON CONFLICT (account_id, reward_type) DO UPDATE SET
			last_claimed = EXCLUDED.last_claimed,
			claim_count  = reward_claims.claim_count + 1,
			updated_at   = EXCLUDED.updated_at
	`, rc.AccountID, string(rc.RewardType), rc.LastClaimed)
	return storage("upsert reward claim", err)
}

// ─── Payment Operations ─────────────────────────────────────────────────────

// InsertPayment records a credited provider payment.
func (t *tx) InsertPayment(ctx context.Context, p *domain.Payment) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := t.q.Exec(ctx, `
		INSERT INTO payments (reference, account_id, coins, entry_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, p.Reference, p.AccountID, p.Coins, p.EntryID, p.CreatedAt)
	if err != nil && isUnique(err) {
		return domain.ErrDuplicatePayment
	}
	return storage("insert payment", err)
}

// GetPayment returns the payment with reference or nil.
func (t *tx) GetPayment(ctx context.Context, reference string) (*domain.Payment, error) {
	var p domain.Payment
	err := t.q.QueryRow(ctx, `
		SELECT reference, account_id, coins, entry_id, created_at FROM payments WHERE reference = $1
	`, reference).Scan(&p.Reference, &p.AccountID, &p.Coins, &p.EntryID, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storage("get payment", err)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

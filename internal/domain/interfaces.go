package domain

import (
	"context"
	"iter"
)

// ─── Store Interfaces ───────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// Order selects the direction of a ledger listing.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// ListOptions paginates ListForAccount. AfterID and BeforeID are exclusive
// keyset cursors on entry ID; zero means unbounded.
type ListOptions struct {
	AfterID  int64
	BeforeID int64
	Limit    int
	Order    Order
}

// DefaultListLimit is used when ListOptions.Limit is zero.
const DefaultListLimit = 50

// MaxListLimit caps a single page.
const MaxListLimit = 500

// Normalize fills defaults and clamps the limit.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = DefaultListLimit
	}
	if o.Limit > MaxListLimit {
		o.Limit = MaxListLimit
	}
	if o.Order != OrderAsc {
		o.Order = OrderDesc
	}
	return o
}

// LedgerReader is the read side of the ledger store. Reads need no lock
// beyond the storage engine's own consistency.
type LedgerReader interface {
	GetAccount(ctx context.Context, id string) (*Account, error)
	GetAccountByHandle(ctx context.Context, handle string) (*Account, error)
	ListForAccount(ctx context.Context, accountID string, opts ListOptions) ([]LedgerEntry, error)
	SumForAccount(ctx context.Context, accountID string) (int64, error)
	SumForAccountUpTo(ctx context.Context, accountID string, entryID int64) (int64, error)
	GetTransfer(ctx context.Context, id string) (*Transfer, error)
	EntriesForTransfer(ctx context.Context, transferID string) ([]LedgerEntry, error)
	GetRewardClaim(ctx context.Context, accountID string, rt RewardType) (*RewardClaim, error)
}

// LedgerTx is a unit of work. Everything written through it commits or
// rolls back together.
type LedgerTx interface {
	LedgerReader

	// LockAccounts takes row locks on the given accounts for the rest of the
	// transaction. Stores whose transactions are already exclusive may no-op.
	LockAccounts(ctx context.Context, ids ...string) error

	InsertAccount(ctx context.Context, a *Account) error
	SetAccountDisabled(ctx context.Context, id string, disabled bool) error

	// Append inserts one entry and assigns its ID and timestamp. It never
	// applies business rules.
	Append(ctx context.Context, e *LedgerEntry) error

	InsertTransfer(ctx context.Context, t *Transfer) error
	FindTransferByKey(ctx context.Context, senderID, key string) (*Transfer, error)

	UpsertRewardClaim(ctx context.Context, c RewardClaim) error

	InsertPayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, reference string) (*Payment, error)
}

// LedgerStore is a durable ledger backend.
type LedgerStore interface {
	LedgerReader

	// WithinTx runs fn in one transaction. fn's error, a panic, or ctx
	// cancellation rolls back every write made through tx.
	WithinTx(ctx context.Context, fn func(tx LedgerTx) error) error

	Ping(ctx context.Context) error
	Close() error
}

// Locker serializes mutations per account. Acquire takes every key in a
// deterministic order and gives up with ErrTimeout once ctx is done.
type Locker interface {
	Acquire(ctx context.Context, keys ...string) (release func(), err error)
}

// Entries returns a lazy, finite, restartable sequence over an account's
// ledger. Each range re-queries from the start of opts, fetching one page of
// opts.Limit entries at a time.
func Entries(ctx context.Context, r LedgerReader, accountID string, opts ListOptions) iter.Seq2[LedgerEntry, error] {
	opts = opts.Normalize()
	return func(yield func(LedgerEntry, error) bool) {
		page := opts
		for {
			entries, err := r.ListForAccount(ctx, accountID, page)
			if err != nil {
				yield(LedgerEntry{}, err)
				return
			}
			for _, e := range entries {
				if !yield(e, nil) {
					return
				}
			}
			if len(entries) < page.Limit {
				return
			}
			last := entries[len(entries)-1].ID
			if page.Order == OrderAsc {
				page.AfterID = last
			} else {
				page.BeforeID = last
			}
		}
	}
}

package wallet

import (
	"context"
	"iter"

	"github.com/rg-fling/rgfling/internal/domain"
)

// ─── Balance Projection ─────────────────────────────────────────────────────

// GetBalance returns the fold of every ledger entry of the account.
func (s *Service) GetBalance(ctx context.Context, accountID string) (int64, error) {
	if accountID == "" {
		return 0, domain.Invalid("account_id", domain.ErrMissingField)
	}
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return 0, err
	}
	return s.store.SumForAccount(ctx, accountID)
}

// BalanceAt returns the balance as of entryID, folding entries with
// ID <= entryID.
func (s *Service) BalanceAt(ctx context.Context, accountID string, entryID int64) (int64, error) {
	if accountID == "" {
		return 0, domain.Invalid("account_id", domain.ErrMissingField)
	}
	if entryID <= 0 {
		return 0, domain.Invalid("entry_id", domain.ErrInvalidCursor)
	}
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return 0, err
	}
	return s.store.SumForAccountUpTo(ctx, accountID, entryID)
}

// History returns one page of the account's entries.
func (s *Service) History(ctx context.Context, accountID string, opts domain.ListOptions) ([]domain.LedgerEntry, error) {
	if accountID == "" {
		return nil, domain.Invalid("account_id", domain.ErrMissingField)
	}
	if opts.AfterID < 0 || opts.BeforeID < 0 {
		return nil, domain.Invalid("since", domain.ErrInvalidCursor)
	}
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.store.ListForAccount(ctx, accountID, opts)
}

// Entries streams the account's ledger page by page. Ranging over the
// result again replays it from the start.
func (s *Service) Entries(ctx context.Context, accountID string, opts domain.ListOptions) iter.Seq2[domain.LedgerEntry, error] {
	return domain.Entries(ctx, s.store, accountID, opts)
}

// AuditReport compares the stored fold with a replay of the ledger.
type AuditReport struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
	Replayed  int64  `json:"replayed"`
	Entries   int64  `json:"entries"`
	Negative  bool   `json:"negative"` // running balance dipped below zero
}

// OK reports whether the replay matches and never went negative.
func (r AuditReport) OK() bool { return r.Balance == r.Replayed && !r.Negative }

// Audit replays the account's ledger oldest first and checks it against the
// stored fold up to the last replayed entry.
func (s *Service) Audit(ctx context.Context, accountID string) (AuditReport, error) {
	rep := AuditReport{AccountID: accountID}
	if _, err := s.GetBalance(ctx, accountID); err != nil {
		return rep, err
	}

	var lastID int64
	for e, err := range s.Entries(ctx, accountID, domain.ListOptions{Order: domain.OrderAsc, Limit: domain.MaxListLimit}) {
		if err != nil {
			return rep, err
		}
		rep.Replayed += e.Amount
		rep.Entries++
		lastID = e.ID
		if rep.Replayed < 0 {
			rep.Negative = true
		}
	}
	if lastID == 0 {
		return rep, nil
	}

	bal, err := s.store.SumForAccountUpTo(ctx, accountID, lastID)
	if err != nil {
		return rep, err
	}
	rep.Balance = bal
	return rep, nil
}

package wallet

import (
	"context"

	"go.uber.org/zap"

	"github.com/rg-fling/rgfling/internal/domain"
)

// ─── Single-Account Debits ──────────────────────────────────────────────────

// SpendRequest debits an account for a purchase or a course enrollment.
type SpendRequest struct {
	AccountID   string
	Amount      int64
	Reason      domain.Reason
	Description string
}

// Validate checks the request shape without touching storage.
func (r SpendRequest) Validate() error {
	switch {
	case r.AccountID == "":
		return domain.Invalid("account_id", domain.ErrMissingField)
	case r.Amount <= 0:
		return domain.Invalid("amount", domain.ErrInvalidAmount)
	case !r.Reason.IsSpend():
		return domain.Invalid("reason", domain.ErrInvalidReason)
	}
	return nil
}

// Posting is a committed entry with the account balance right after it.
type Posting struct {
	Entry   domain.LedgerEntry `json:"entry"`
	Balance int64              `json:"balance"`
}

// Spend debits the account if its balance covers the amount.
func (s *Service) Spend(ctx context.Context, req SpendRequest) (p Posting, err error) {
	ctx, end := s.trace(ctx, "wallet.spend", map[string]string{
		"account": req.AccountID, "reason": string(req.Reason),
	})
	defer func() { end(err) }()

	if err := req.Validate(); err != nil {
		return Posting{}, err
	}
	p, err = s.post(ctx, req.AccountID, -req.Amount, req.Reason, req.Description, true)
	s.logResult("spend", err, zap.String("account", req.AccountID), zap.Int64("amount", req.Amount))
	return p, err
}

// AdjustRequest is an operator correction. Amount is signed and non-zero.
type AdjustRequest struct {
	AccountID   string
	Amount      int64
	Description string
}

// Validate checks the request shape without touching storage.
func (r AdjustRequest) Validate() error {
	switch {
	case r.AccountID == "":
		return domain.Invalid("account_id", domain.ErrMissingField)
	case r.Amount == 0:
		return domain.Invalid("amount", domain.ErrInvalidAmount)
	case r.Description == "":
		return domain.Invalid("description", domain.ErrMissingField)
	}
	return nil
}

// Adjust appends an admin_adjustment entry. Disabled accounts can still be
// adjusted, but a negative adjustment never overdraws.
func (s *Service) Adjust(ctx context.Context, req AdjustRequest) (p Posting, err error) {
	ctx, end := s.trace(ctx, "wallet.adjust", map[string]string{"account": req.AccountID})
	defer func() { end(err) }()

	if err := req.Validate(); err != nil {
		return Posting{}, err
	}
	p, err = s.post(ctx, req.AccountID, req.Amount, domain.ReasonAdminAdjustment, req.Description, false)
	if err == nil {
		s.log.Info("balance adjusted",
			zap.String("account", req.AccountID),
			zap.Int64("amount", req.Amount),
			zap.String("description", req.Description))
	}
	s.logResult("adjust", err, zap.String("account", req.AccountID))
	return p, err
}

// post appends one entry under the account lock. Debits are checked against
// the balance read inside the same transaction.
func (s *Service) post(ctx context.Context, accountID string, amount int64, reason domain.Reason, desc string, requireActive bool) (Posting, error) {
	var p Posting
	err := s.mutate(ctx, []string{accountID}, func(ctx context.Context, tx domain.LedgerTx) error {
		a, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if requireActive && a.Disabled {
			return domain.ErrAccountDisabled
		}

		balance, err := tx.SumForAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if amount < 0 && amount < -balance {
			return domain.ErrInsufficientFunds
		}
		if err := checkCredit(balance, amount); err != nil {
			return err
		}

		e := domain.LedgerEntry{
			AccountID:   accountID,
			Amount:      amount,
			Reason:      reason,
			Description: desc,
			CreatedAt:   s.now().UTC(),
		}
		if err := appendEntry(ctx, tx, &e); err != nil {
			return err
		}
		p = Posting{Entry: e, Balance: balance + amount}
		return nil
	})
	if err != nil {
		return Posting{}, err
	}
	s.publish(p.Entry)
	return p, nil
}

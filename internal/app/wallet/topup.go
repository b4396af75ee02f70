package wallet

import (
	"context"

	"go.uber.org/zap"

	"github.com/rg-fling/rgfling/internal/domain"
)

// TopUp credits coins bought through the payment provider. Reference is the
// provider's transaction reference.
type TopUp struct {
	Reference string
	AccountID string
	Coins     int64
}

// Validate checks the request shape without touching storage.
func (t TopUp) Validate() error {
	switch {
	case t.Reference == "":
		return domain.Invalid("reference", domain.ErrMissingField)
	case t.AccountID == "":
		return domain.Invalid("account_id", domain.ErrMissingField)
	case t.Coins <= 0:
		return domain.Invalid("coins", domain.ErrInvalidAmount)
	}
	return nil
}

// CreditTopUp appends a payment_topup entry once per provider reference. A
// repeated reference returns domain.ErrDuplicatePayment and writes nothing.
// Disabled accounts are still credited: the money has already been paid.
func (s *Service) CreditTopUp(ctx context.Context, t TopUp) (p Posting, err error) {
	ctx, end := s.trace(ctx, "wallet.topup", map[string]string{
		"account": t.AccountID, "reference": t.Reference,
	})
	defer func() { end(err) }()

	if err := t.Validate(); err != nil {
		return Posting{}, err
	}

	err = s.mutate(ctx, []string{t.AccountID}, func(ctx context.Context, tx domain.LedgerTx) error {
		if _, err := tx.GetAccount(ctx, t.AccountID); err != nil {
			return err
		}
		prev, err := tx.GetPayment(ctx, t.Reference)
		if err != nil {
			return err
		}
		if prev != nil {
			return domain.ErrDuplicatePayment
		}

		balance, err := tx.SumForAccount(ctx, t.AccountID)
		if err != nil {
			return err
		}
		if err := checkCredit(balance, t.Coins); err != nil {
			return err
		}
		e := domain.LedgerEntry{
			AccountID:   t.AccountID,
			Amount:      t.Coins,
			Reason:      domain.ReasonPaymentTopup,
			Description: "Top-up " + t.Reference,
			CreatedAt:   s.now().UTC(),
		}
		if err := appendEntry(ctx, tx, &e); err != nil {
			return err
		}
		if err := tx.InsertPayment(ctx, &domain.Payment{
			Reference: t.Reference,
			AccountID: t.AccountID,
			Coins:     t.Coins,
			EntryID:   e.ID,
			CreatedAt: e.CreatedAt,
		}); err != nil {
			return err
		}
		p = Posting{Entry: e, Balance: balance + t.Coins}
		return nil
	})
	if err != nil {
		s.logResult("top-up", err, zap.String("account", t.AccountID), zap.String("reference", t.Reference))
		return Posting{}, err
	}
	s.log.Info("top-up credited",
		zap.String("account", t.AccountID),
		zap.String("reference", t.Reference),
		zap.Int64("coins", t.Coins))
	s.publish(p.Entry)
	return p, nil
}

package wallet

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rg-fling/rgfling/internal/domain"
)

// ─── Accounts ───────────────────────────────────────────────────────────────

// OpenRequest creates an account. Timezone is an IANA name and may be empty.
type OpenRequest struct {
	Handle   string
	Timezone string
}

// Validate normalizes the handle and checks the timezone.
func (r *OpenRequest) Validate() error {
	r.Handle = domain.NormalizeHandle(r.Handle)
	if r.Handle == "" {
		return domain.Invalid("handle", domain.ErrInvalidHandle)
	}
	r.Timezone = strings.TrimSpace(r.Timezone)
	if r.Timezone != "" {
		if _, err := time.LoadLocation(r.Timezone); err != nil {
			return domain.Invalid("timezone", domain.ErrInvalidZone)
		}
	}
	return nil
}

// Opened is a new account with its starting balance.
type Opened struct {
	Account domain.Account `json:"account"`
	Balance int64          `json:"balance"`
}

// OpenAccount creates the account and grants the signup bonus in the same
// transaction.
func (s *Service) OpenAccount(ctx context.Context, req OpenRequest) (out Opened, err error) {
	ctx, end := s.trace(ctx, "wallet.open_account", map[string]string{"handle": req.Handle})
	defer func() { end(err) }()

	if err := req.Validate(); err != nil {
		return Opened{}, err
	}

	a := domain.Account{
		ID:        uuid.NewString(),
		Handle:    req.Handle,
		Timezone:  req.Timezone,
		CreatedAt: s.now().UTC(),
	}
	var bonus *domain.LedgerEntry
	err = s.mutate(ctx, []string{a.ID}, func(ctx context.Context, tx domain.LedgerTx) error {
		if err := tx.InsertAccount(ctx, &a); err != nil {
			return err
		}
		if _, ok := s.rule(domain.RewardSignupBonus); !ok {
			return nil
		}
		e, err := s.grant(ctx, tx, &a, domain.RewardSignupBonus)
		if err != nil {
			return err
		}
		bonus = &e
		return nil
	})
	if err != nil {
		s.logResult("open account", err, zap.String("handle", req.Handle))
		return Opened{}, err
	}

	out = Opened{Account: a}
	if bonus != nil {
		out.Balance = bonus.Amount
		s.publish(*bonus)
	}
	s.log.Info("account opened",
		zap.String("account", a.ID),
		zap.String("handle", a.Handle),
		zap.Int64("balance", out.Balance))
	return out, nil
}

// GetAccount returns the account by id, or by handle when ref starts with "@".
func (s *Service) GetAccount(ctx context.Context, ref string) (*domain.Account, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, domain.Invalid("account_id", domain.ErrMissingField)
	}
	if strings.HasPrefix(ref, "@") {
		return s.store.GetAccountByHandle(ctx, domain.NormalizeHandle(ref))
	}
	return s.store.GetAccount(ctx, ref)
}

// DisableAccount soft-disables the account. History and balance stay
// readable; sends, receipts, spends and claims are refused.
func (s *Service) DisableAccount(ctx context.Context, id string) (err error) {
	ctx, end := s.trace(ctx, "wallet.disable_account", map[string]string{"account": id})
	defer func() { end(err) }()

	if id == "" {
		return domain.Invalid("account_id", domain.ErrMissingField)
	}
	err = s.mutate(ctx, []string{id}, func(ctx context.Context, tx domain.LedgerTx) error {
		return tx.SetAccountDisabled(ctx, id, true)
	})
	if err != nil {
		s.logResult("disable account", err, zap.String("account", id))
		return err
	}
	s.log.Info("account disabled", zap.String("account", id))
	return nil
}

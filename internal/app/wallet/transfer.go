package wallet

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rg-fling/rgfling/internal/domain"
	"github.com/rg-fling/rgfling/internal/infra/observability"
)

// ─── Transfers ──────────────────────────────────────────────────────────────

// TransferRequest moves Amount coins from SenderID to RecipientID.
// IdempotencyKey is optional; a repeat with the same key returns the
// original result without moving coins again.
type TransferRequest struct {
	SenderID       string
	RecipientID    string
	Amount         int64
	Description    string
	IdempotencyKey string
}

// Validate checks the request shape without touching storage.
func (r TransferRequest) Validate() error {
	switch {
	case r.SenderID == "":
		return domain.Invalid("sender_id", domain.ErrMissingField)
	case r.RecipientID == "":
		return domain.Invalid("recipient_id", domain.ErrMissingField)
	case r.Amount <= 0:
		return domain.Invalid("amount", domain.ErrInvalidAmount)
	case r.SenderID == r.RecipientID:
		return domain.Invalid("recipient_id", domain.ErrSameAccount)
	}
	return nil
}

// TransferResult is the outcome of Transfer. Debit and Credit are zero for
// rejected and replayed transfers.
type TransferResult struct {
	Transfer domain.Transfer
	Debit    domain.LedgerEntry
	Credit   domain.LedgerEntry
	Replayed bool
}

// Transfer atomically debits the sender and credits the recipient.
//
// On ErrInsufficientFunds the result carries status rejected and nothing is
// written. On any other error nothing is written either.
func (s *Service) Transfer(ctx context.Context, req TransferRequest) (res TransferResult, err error) {
	ctx, end := s.trace(ctx, "wallet.transfer", map[string]string{
		"sender": req.SenderID, "recipient": req.RecipientID,
	})
	defer func() { end(err) }()

	rejected := domain.Transfer{
		SenderID:       req.SenderID,
		RecipientID:    req.RecipientID,
		Amount:         req.Amount,
		Description:    req.Description,
		IdempotencyKey: req.IdempotencyKey,
		Status:         domain.TransferRejected,
	}
	res.Transfer = rejected
	if err := req.Validate(); err != nil {
		observability.Transfers.WithLabelValues("invalid").Inc()
		return res, err
	}

	err = s.mutate(ctx, []string{req.SenderID, req.RecipientID}, func(ctx context.Context, tx domain.LedgerTx) error {
		if req.IdempotencyKey != "" {
			prev, err := tx.FindTransferByKey(ctx, req.SenderID, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if prev != nil {
				if prev.RecipientID != req.RecipientID || prev.Amount != req.Amount {
					return domain.Invalid("idempotency_key", domain.ErrKeyReused)
				}
				res.Transfer = *prev
				res.Replayed = true
				return nil
			}
		}

		if _, err := activeAccount(ctx, tx, req.SenderID); err != nil {
			return err
		}
		if _, err := activeAccount(ctx, tx, req.RecipientID); err != nil {
			return err
		}

		balance, err := tx.SumForAccount(ctx, req.SenderID)
		if err != nil {
			return err
		}
		if req.Amount > balance {
			return domain.ErrInsufficientFunds
		}
		received, err := tx.SumForAccount(ctx, req.RecipientID)
		if err != nil {
			return err
		}
		if err := checkCredit(received, req.Amount); err != nil {
			return err
		}

		now := s.now().UTC()
		tr := res.Transfer
		tr.ID = uuid.NewString()
		tr.Status = domain.TransferCompleted
		tr.CreatedAt = now

		debit := domain.LedgerEntry{
			AccountID:   req.SenderID,
			Amount:      -req.Amount,
			Reason:      domain.ReasonTransferOut,
			Description: req.Description,
			TransferID:  tr.ID,
			CreatedAt:   now,
		}
		credit := domain.LedgerEntry{
			AccountID:   req.RecipientID,
			Amount:      req.Amount,
			Reason:      domain.ReasonTransferIn,
			Description: req.Description,
			TransferID:  tr.ID,
			CreatedAt:   now,
		}
		if err := appendEntry(ctx, tx, &debit); err != nil {
			return err
		}
		if err := appendEntry(ctx, tx, &credit); err != nil {
			return err
		}
		if err := tx.InsertTransfer(ctx, &tr); err != nil {
			return err
		}

		res.Transfer, res.Debit, res.Credit = tr, debit, credit
		return nil
	})

	fields := []zap.Field{
		zap.String("sender", req.SenderID),
		zap.String("recipient", req.RecipientID),
		zap.Int64("amount", req.Amount),
	}
	switch {
	case err != nil:
		res = TransferResult{Transfer: rejected}
		observability.Transfers.WithLabelValues(transferOutcome(err)).Inc()
		s.logResult("transfer", err, fields...)
	case res.Replayed:
		observability.Transfers.WithLabelValues("replayed").Inc()
		s.log.Info("transfer replayed", append(fields, zap.String("transfer_id", res.Transfer.ID))...)
	default:
		observability.Transfers.WithLabelValues(string(domain.TransferCompleted)).Inc()
		observability.TransferAmount.Observe(float64(req.Amount))
		s.log.Info("transfer completed", append(fields, zap.String("transfer_id", res.Transfer.ID))...)
		s.publish(res.Debit, res.Credit)
	}
	return res, err
}

func transferOutcome(err error) string {
	if domain.IsBusiness(err) {
		return string(domain.TransferRejected)
	}
	if domain.IsRetryable(err) {
		return "retryable"
	}
	return "error"
}

// TransferDetail is a persisted transfer with its two entries.
type TransferDetail struct {
	Transfer domain.Transfer      `json:"transfer"`
	Entries  []domain.LedgerEntry `json:"entries"`
}

// GetTransfer returns a completed transfer and its paired entries.
func (s *Service) GetTransfer(ctx context.Context, id string) (TransferDetail, error) {
	if id == "" {
		return TransferDetail{}, domain.Invalid("transfer_id", domain.ErrMissingField)
	}
	tr, err := s.store.GetTransfer(ctx, id)
	if err != nil {
		return TransferDetail{}, err
	}
	entries, err := s.store.EntriesForTransfer(ctx, id)
	if err != nil {
		return TransferDetail{}, err
	}
	return TransferDetail{Transfer: *tr, Entries: entries}, nil
}

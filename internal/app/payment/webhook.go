// Package payment turns verified provider webhooks into coin top-ups.
//
// The webhook is the only path that credits purchased coins. A client-side
// "payment succeeded" callback never changes a balance.
package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/rg-fling/rgfling/internal/app/wallet"
	"github.com/rg-fling/rgfling/internal/domain"
	"github.com/rg-fling/rgfling/internal/infra/observability"
)

// ErrBadSignature is returned when the body does not match its signature.
var ErrBadSignature = errors.New("payment webhook signature mismatch")

// StatusSuccessful is the provider status that triggers a credit.
const StatusSuccessful = "successful"

// Crediter is the wallet operation a verified payment invokes.
type Crediter interface {
	CreditTopUp(ctx context.Context, t wallet.TopUp) (wallet.Posting, error)
}

// Config configures webhook verification.
type Config struct {
	Secret       string // HMAC-SHA256 key shared with the provider
	CoinsPerUnit int64  // Coins credited per unit of paid currency
	Currency     string // Accepted currency; empty accepts any
}

// Event is the provider's charge notification.
type Event struct {
	Event string    `json:"event"`
	Data  EventData `json:"data"`
}

// EventData carries the charge fields used for crediting.
type EventData struct {
	Reference string      `json:"tx_ref"`
	Status    string      `json:"status"`
	Amount    json.Number `json:"amount"`
	Currency  string      `json:"currency"`
	Meta      struct {
		AccountID string `json:"account_id"`
	} `json:"meta"`
}

// Outcome classifies a handled webhook.
type Outcome string

const (
	OutcomeCredited  Outcome = "credited"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// Result reports what a webhook did.
type Result struct {
	Outcome   Outcome         `json:"outcome"`
	Reference string          `json:"reference"`
	AccountID string          `json:"account_id,omitempty"`
	Coins     int64           `json:"coins,omitempty"`
	Posting   *wallet.Posting `json:"posting,omitempty"`
}

// Verifier authenticates webhooks and credits successful payments once.
type Verifier struct {
	cfg    Config
	credit Crediter
	log    *zap.Logger
}

// NewVerifier creates a Verifier.
func NewVerifier(cfg Config, credit Crediter, log *zap.Logger) *Verifier {
	if cfg.CoinsPerUnit <= 0 {
		cfg.CoinsPerUnit = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Verifier{cfg: cfg, credit: credit, log: log.Named("payment")}
}

// Sign returns the hex HMAC-SHA256 of body under the shared secret.
func (v *Verifier) Sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(v.cfg.Secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against body in constant time.
func (v *Verifier) Verify(body []byte, signature string) error {
	if v.cfg.Secret == "" {
		return fmt.Errorf("%w: no secret configured", ErrBadSignature)
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return ErrBadSignature
	}
	want, _ := hex.DecodeString(v.Sign(body))
	if !hmac.Equal(got, want) {
		return ErrBadSignature
	}
	return nil
}

// Handle verifies and applies one webhook delivery. Redeliveries of a
// credited reference return OutcomeDuplicate with no error so the provider
// stops retrying.
func (v *Verifier) Handle(ctx context.Context, body []byte, signature string) (Result, error) {
	if err := v.Verify(body, signature); err != nil {
		observability.PaymentWebhooks.WithLabelValues("invalid").Inc()
		v.log.Warn("webhook rejected", zap.Error(err))
		return Result{}, err
	}

	ev, err := decodeEvent(body)
	if err != nil {
		observability.PaymentWebhooks.WithLabelValues("invalid").Inc()
		return Result{}, err
	}
	res := Result{Reference: ev.Data.Reference, AccountID: ev.Data.Meta.AccountID}

	if !strings.EqualFold(ev.Data.Status, StatusSuccessful) ||
		(v.cfg.Currency != "" && !strings.EqualFold(ev.Data.Currency, v.cfg.Currency)) {
		res.Outcome = OutcomeIgnored
		observability.PaymentWebhooks.WithLabelValues(string(res.Outcome)).Inc()
		v.log.Info("webhook ignored",
			zap.String("reference", res.Reference),
			zap.String("status", ev.Data.Status),
			zap.String("currency", ev.Data.Currency))
		return res, nil
	}

	units, err := ev.Data.Amount.Int64()
	if err != nil || units <= 0 {
		observability.PaymentWebhooks.WithLabelValues("invalid").Inc()
		return Result{}, domain.Invalid("amount", domain.ErrInvalidAmount)
	}
	if units > math.MaxInt64/v.cfg.CoinsPerUnit {
		observability.PaymentWebhooks.WithLabelValues("invalid").Inc()
		return Result{}, domain.Invalid("amount", domain.ErrInvalidAmount)
	}
	res.Coins = units * v.cfg.CoinsPerUnit

	p, err := v.credit.CreditTopUp(ctx, wallet.TopUp{
		Reference: res.Reference,
		AccountID: res.AccountID,
		Coins:     res.Coins,
	})
	switch {
	case errors.Is(err, domain.ErrDuplicatePayment):
		res.Outcome = OutcomeDuplicate
	case err != nil:
		return Result{}, err
	default:
		res.Outcome = OutcomeCredited
		res.Posting = &p
	}
	observability.PaymentWebhooks.WithLabelValues(string(res.Outcome)).Inc()
	return res, nil
}

func decodeEvent(body []byte) (Event, error) {
	var ev Event
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&ev); err != nil {
		return Event{}, domain.Invalid("body", fmt.Errorf("decode webhook: %w", err))
	}
	if ev.Data.Reference == "" {
		return Event{}, domain.Invalid("tx_ref", domain.ErrMissingField)
	}
	if ev.Data.Meta.AccountID == "" {
		return Event{}, domain.Invalid("meta.account_id", domain.ErrMissingField)
	}
	return ev, nil
}

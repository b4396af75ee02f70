package client

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// OpState is the lifecycle of an optimistic operation.
type OpState string

const (
	OpPending   OpState = "pending"
	OpConfirmed OpState = "confirmed"
	OpReverted  OpState = "reverted"
)

// PendingOp is a debit the user started but the server has not settled yet.
type PendingOp struct {
	ID          string
	RecipientID string
	Amount      int64
	Description string
	State       OpState
	TransferID  string
	Err         error
	StartedAt   time.Time

	inflight bool
}

// Wallet is a client-side view of one account. It shows coins reserved by
// in-flight sends immediately, while the confirmed balance only ever comes
// from the server.
type Wallet struct {
	c         *Client
	accountID string

	mu        sync.Mutex
	confirmed int64
	loaded    bool
	ops       []*PendingOp
}

// NewWallet creates a view of accountID. Call Refresh to load the balance.
func NewWallet(c *Client, accountID string) *Wallet {
	return &Wallet{c: c, accountID: accountID}
}

// AccountID returns the account this wallet tracks.
func (w *Wallet) AccountID() string { return w.accountID }

// Refresh re-reads the confirmed balance from the server.
func (w *Wallet) Refresh(ctx context.Context) (int64, error) {
	bal, err := w.c.Balance(ctx, w.accountID)
	if err != nil {
		return 0, err
	}
	w.mu.Lock()
	w.confirmed, w.loaded = bal, true
	w.mu.Unlock()
	return bal, nil
}

// Confirmed returns the last balance read from the server and whether one
// has been read at all.
func (w *Wallet) Confirmed() (int64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.confirmed, w.loaded
}

// Available is the confirmed balance minus pending debits.
func (w *Wallet) Available() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	avail := w.confirmed
	for _, op := range w.ops {
		if op.State == OpPending {
			avail -= op.Amount
		}
	}
	return avail
}

// Ops returns a snapshot of every operation this wallet started.
func (w *Wallet) Ops() []PendingOp {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]PendingOp, len(w.ops))
	for i, op := range w.ops {
		out[i] = *op
	}
	return out
}

// Pending returns the operations still awaiting the server.
func (w *Wallet) Pending() []PendingOp {
	return slices.DeleteFunc(w.Ops(), func(op PendingOp) bool { return op.State != OpPending })
}

// Send transfers amount to recipientID. The op is pending while the request
// is in flight, then confirmed (and the balance re-read) or reverted. Each
// op carries its own idempotency key.
//
// Only a definite rejection reverts the op. When the outcome is unknown (a
// 5xx, a timeout, a dropped connection) the op stays pending with Err set,
// since the server may already have committed it; Reconcile settles it.
func (w *Wallet) Send(ctx context.Context, recipientID string, amount int64, description string) (PendingOp, error) {
	op := &PendingOp{
		ID:          uuid.NewString(),
		RecipientID: recipientID,
		Amount:      amount,
		Description: description,
		State:       OpPending,
		StartedAt:   time.Now(),
		inflight:    true,
	}
	w.mu.Lock()
	w.ops = append(w.ops, op)
	w.mu.Unlock()

	return w.submit(ctx, op)
}

// Reconcile replays every unsettled pending op with its original
// idempotency key, so a send the server already committed is confirmed
// rather than repeated. It returns the first error that left an op pending.
func (w *Wallet) Reconcile(ctx context.Context) error {
	w.mu.Lock()
	var todo []*PendingOp
	for _, op := range w.ops {
		if op.State == OpPending && !op.inflight {
			op.inflight = true
			todo = append(todo, op)
		}
	}
	w.mu.Unlock()

	var first error
	for _, op := range todo {
		snap, err := w.submit(ctx, op)
		if err != nil && snap.State == OpPending && first == nil {
			first = err
		}
	}
	return first
}

func (w *Wallet) submit(ctx context.Context, op *PendingOp) (PendingOp, error) {
	res, err := w.c.Transfer(ctx, Transfer{
		SenderID:       w.accountID,
		RecipientID:    op.RecipientID,
		Amount:         op.Amount,
		Description:    op.Description,
		IdempotencyKey: op.ID,
	})

	w.mu.Lock()
	op.inflight = false
	switch {
	case err == nil:
		op.State, op.TransferID, op.Err = OpConfirmed, res.TransferID, nil
	case rejected(err):
		op.State, op.Err = OpReverted, err
	default:
		op.Err = err
	}
	snapshot := *op
	w.mu.Unlock()

	if err != nil {
		return snapshot, err
	}
	if _, rerr := w.Refresh(ctx); rerr != nil {
		return snapshot, rerr
	}
	return snapshot, nil
}

// rejected reports whether the server definitely refused the request.
func rejected(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError
}

// Spin claims the daily reward and re-reads the balance.
func (w *Wallet) Spin(ctx context.Context) (int64, error) {
	amount, err := w.c.ClaimDaily(ctx, w.accountID)
	if err != nil {
		return 0, err
	}
	if _, err := w.Refresh(ctx); err != nil {
		return amount, err
	}
	return amount, nil
}

package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rg-fling/rgfling/internal/app/wallet"
	"github.com/rg-fling/rgfling/internal/domain"
)

// ─── Wallet API ─────────────────────────────────────────────────────────────
//
// POST /accounts                            open an account
// GET  /accounts/{id}                       account (id or @handle)
// GET  /accounts/{id}/balance               derived balance
// GET  /accounts/{id}/transactions          history page
// POST /accounts/{id}/spend                 purchase or enrollment debit
// POST /transfers                           peer transfer
// GET  /transfers/{id}                      transfer with its two entries
// POST /rewards/daily-claim                 daily spin
// POST /rewards/course-complete             course completion reward
// POST /admin/adjustments                   signed correction
// POST /admin/accounts/{id}/disable         disable an account
// GET  /admin/accounts/{id}/audit           replay check
// POST /webhooks/payments                   provider top-up notification

// maxBody caps request bodies.
const maxBody = 64 << 10

// Transaction is one history row.
type Transaction struct {
	ID          int64  `json:"id"`
	Type        string `json:"type"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	Timestamp   string `json:"timestamp"`
	Reason      string `json:"reason"`
	TransferID  string `json:"transferId,omitempty"`
}

func toTransaction(e domain.LedgerEntry) Transaction {
	return Transaction{
		ID:          e.ID,
		Type:        string(e.Kind()),
		Amount:      e.Magnitude(),
		Description: e.Description,
		Timestamp:   e.CreatedAt.UTC().Format(time.RFC3339Nano),
		Reason:      string(e.Reason),
		TransferID:  e.TransferID,
	}
}

// AccountView is the public account shape.
type AccountView struct {
	ID        string `json:"id"`
	Handle    string `json:"handle"`
	Timezone  string `json:"timezone,omitempty"`
	Disabled  bool   `json:"disabled"`
	CreatedAt string `json:"createdAt"`
	Balance   *int64 `json:"balance,omitempty"`
}

func toAccountView(a domain.Account, balance *int64) AccountView {
	return AccountView{
		ID:        a.ID,
		Handle:    a.Handle,
		Timezone:  a.Timezone,
		Disabled:  a.Disabled,
		CreatedAt: a.CreatedAt.UTC().Format(time.RFC3339),
		Balance:   balance,
	}
}

// decode reads a JSON body keeping numbers as json.Number.
func decode(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return domain.Invalid("body", fmt.Errorf("read body: %w", err))
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return domain.Invalid("body", fmt.Errorf("decode body: %w", err))
	}
	return nil
}

// parseAmount accepts only positive integers.
func parseAmount(field string, n json.Number) (int64, error) {
	v, err := parseSigned(field, n)
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return 0, domain.Invalid(field, domain.ErrInvalidAmount)
	}
	return v, nil
}

// parseSigned accepts any non-fractional integer.
func parseSigned(field string, n json.Number) (int64, error) {
	v, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return 0, domain.Invalid(field, domain.ErrInvalidAmount)
	}
	return v, nil
}

// ─── Accounts ───────────────────────────────────────────────────────────────

type openAccountRequest struct {
	Handle   string `json:"handle"`
	Timezone string `json:"timezone"`
}

func (s *Server) handleOpenAccount(w http.ResponseWriter, r *http.Request) {
	var req openAccountRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.wallet.OpenAccount(r.Context(), wallet.OpenRequest{Handle: req.Handle, Timezone: req.Timezone})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountView(out.Account, &out.Balance))
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	a, err := s.wallet.GetAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.actAs(r, a.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	bal, err := s.wallet.GetBalance(r.Context(), a.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountView(*a, &bal))
}

// handleBalance returns the derived balance.
// GET /accounts/{id}/balance
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.actAs(r, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	bal, err := s.wallet.GetBalance(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"balance": bal})
}

// handleTransactions returns one page of history.
// GET /accounts/{id}/transactions?since=&before=&limit=&order=
func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.actAs(r, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	opts, err := listOptions(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.wallet.History(r.Context(), id, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]Transaction, 0, len(entries))
	for _, e := range entries {
		out = append(out, toTransaction(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func listOptions(r *http.Request) (domain.ListOptions, error) {
	q := r.URL.Query()
	var opts domain.ListOptions

	intParam := func(name string) (int64, error) {
		v := q.Get(name)
		if v == "" {
			return 0, nil
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return 0, domain.Invalid(name, domain.ErrInvalidCursor)
		}
		return n, nil
	}

	var err error
	if opts.AfterID, err = intParam("since"); err != nil {
		return opts, err
	}
	if opts.BeforeID, err = intParam("before"); err != nil {
		return opts, err
	}
	limit, err := intParam("limit")
	if err != nil {
		return opts, err
	}
	opts.Limit = int(min(limit, domain.MaxListLimit))

	switch o := domain.Order(q.Get("order")); o {
	case "":
		// since= is a re-sync cursor, so it pages forward from there.
		if opts.AfterID > 0 {
			opts.Order = domain.OrderAsc
		}
	case domain.OrderDesc, domain.OrderAsc:
		opts.Order = o
	default:
		return opts, domain.Invalid("order", domain.ErrInvalidCursor)
	}
	return opts, nil
}

type spendRequest struct {
	Amount      json.Number `json:"amount"`
	Reason      string      `json:"reason"`
	Description string      `json:"description"`
}

func (s *Server) handleSpend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.actAs(r, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	var req spendRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.wallet.Spend(r.Context(), wallet.SpendRequest{
		AccountID:   id,
		Amount:      amount,
		Reason:      domain.Reason(req.Reason),
		Description: req.Description,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, postingResponse{EntryID: p.Entry.ID, Balance: p.Balance})
}

type postingResponse struct {
	EntryID int64 `json:"entryId"`
	Balance int64 `json:"balance"`
}

// ─── Transfers ──────────────────────────────────────────────────────────────

type transferRequest struct {
	SenderID    string      `json:"senderId"`
	RecipientID string      `json:"recipientId"`
	Amount      json.Number `json:"amount"`
	Description string      `json:"description"`
}

// TransferResponse is the body of a successful POST /transfers.
type TransferResponse struct {
	TransferID string `json:"transferId"`
	Status     string `json:"status"`
	Replayed   bool   `json:"replayed,omitempty"`
}

// handleTransfer moves coins between two accounts.
// POST /transfers
func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.actAs(r, req.SenderID); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.wallet.Transfer(r.Context(), wallet.TransferRequest{
		SenderID:       req.SenderID,
		RecipientID:    req.RecipientID,
		Amount:         amount,
		Description:    req.Description,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, TransferResponse{
		TransferID: res.Transfer.ID,
		Status:     string(res.Transfer.Status),
		Replayed:   res.Replayed,
	})
}

func (s *Server) handleGetTransfer(w http.ResponseWriter, r *http.Request) {
	d, err := s.wallet.GetTransfer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// Either party may read it.
	if err := s.actAs(r, d.Transfer.SenderID); err != nil && s.actAs(r, d.Transfer.RecipientID) != nil {
		s.writeError(w, r, err)
		return
	}
	txs := make([]Transaction, 0, len(d.Entries))
	for _, e := range d.Entries {
		txs = append(txs, toTransaction(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transferId":  d.Transfer.ID,
		"senderId":    d.Transfer.SenderID,
		"recipientId": d.Transfer.RecipientID,
		"amount":      d.Transfer.Amount,
		"description": d.Transfer.Description,
		"status":      d.Transfer.Status,
		"timestamp":   d.Transfer.CreatedAt.UTC().Format(time.RFC3339Nano),
		"entries":     txs,
	})
}

// ─── Rewards ────────────────────────────────────────────────────────────────

type claimRequest struct {
	AccountID string `json:"accountId"`
	CourseID  string `json:"courseId"`
}

// handleDailyClaim grants today's spin.
// POST /rewards/daily-claim
func (s *Server) handleDailyClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.actAs(r, req.AccountID); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := s.wallet.ClaimDailyReward(r.Context(), req.AccountID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"amount": amount})
}

func (s *Server) handleCourseComplete(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.actAs(r, req.AccountID); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := s.wallet.CompleteCourse(r.Context(), req.AccountID, req.CourseID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"amount": amount})
}

// ─── Admin ──────────────────────────────────────────────────────────────────

type adjustRequest struct {
	AccountID   string      `json:"accountId"`
	Amount      json.Number `json:"amount"`
	Description string      `json:"description"`
}

func (s *Server) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseSigned("amount", req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.wallet.Adjust(r.Context(), wallet.AdjustRequest{
		AccountID:   req.AccountID,
		Amount:      amount,
		Description: req.Description,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, postingResponse{EntryID: p.Entry.ID, Balance: p.Balance})
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	if err := s.wallet.DisableAccount(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	rep, err := s.wallet.Audit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accountId": rep.AccountID,
		"balance":   rep.Balance,
		"replayed":  rep.Replayed,
		"entries":   rep.Entries,
		"negative":  rep.Negative,
		"ok":        rep.OK(),
	})
}

// ─── Payments ───────────────────────────────────────────────────────────────

// handlePaymentWebhook credits a verified top-up.
// POST /webhooks/payments
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		s.writeError(w, r, domain.Invalid("body", err))
		return
	}
	res, err := s.payments.Handle(r.Context(), body, r.Header.Get("X-Signature"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

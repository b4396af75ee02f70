// Package client is a typed HTTP client for the wallet API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rg-fling/rgfling/internal/api"
	"github.com/rg-fling/rgfling/internal/domain"
)

// DefaultTimeout bounds one HTTP round trip.
const DefaultTimeout = 15 * time.Second

// APIError is a non-2xx response. It unwraps to the matching domain error so
// callers can use errors.Is(err, domain.ErrInsufficientFunds).
type APIError struct {
	Status  int
	Code    string
	Field   string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%d %s", e.Status, e.Code)
}

var codeErrors = map[string]error{
	api.CodeInvalidAmount:     domain.ErrInvalidAmount,
	api.CodeInsufficientFunds: domain.ErrInsufficientFunds,
	api.CodeUnknownAccount:    domain.ErrUnknownAccount,
	api.CodeNotFound:          domain.ErrTransferNotFound,
	api.CodeAlreadyClaimed:    domain.ErrAlreadyClaimed,
	api.CodeAccountDisabled:   domain.ErrAccountDisabled,
	api.CodeHandleTaken:       domain.ErrHandleTaken,
	api.CodeTimeout:           domain.ErrTimeout,
}

func (e *APIError) Unwrap() error { return codeErrors[e.Code] }

// Retryable reports whether the server asked the caller to try again.
func (e *APIError) Retryable() bool { return e.Status == http.StatusServiceUnavailable }

// Client talks to one wallet server.
type Client struct {
	base  string
	http  *http.Client
	token string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithToken sends a bearer token on every request.
func WithToken(token string) Option { return func(c *Client) { c.token = token } }

// New creates a client for baseURL, e.g. "http://127.0.0.1:8787".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: DefaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Requests ───────────────────────────────────────────────────────────────

// Health returns nil when the server and its store are up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

// OpenAccount creates an account.
func (c *Client) OpenAccount(ctx context.Context, handle, timezone string) (api.AccountView, error) {
	var out api.AccountView
	err := c.do(ctx, http.MethodPost, "/accounts", map[string]string{"handle": handle, "timezone": timezone}, &out, nil)
	return out, err
}

// GetAccount fetches an account by id or "@handle".
func (c *Client) GetAccount(ctx context.Context, ref string) (api.AccountView, error) {
	var out api.AccountView
	err := c.do(ctx, http.MethodGet, "/accounts/"+url.PathEscape(ref), nil, &out, nil)
	return out, err
}

// Balance returns the server-side balance.
func (c *Client) Balance(ctx context.Context, accountID string) (int64, error) {
	var out struct {
		Balance int64 `json:"balance"`
	}
	err := c.do(ctx, http.MethodGet, "/accounts/"+url.PathEscape(accountID)+"/balance", nil, &out, nil)
	return out.Balance, err
}

// HistoryQuery pages through /transactions. Zero values use server defaults.
type HistoryQuery struct {
	Since  int64
	Before int64
	Limit  int
	Order  domain.Order
}

func (q HistoryQuery) encode() string {
	v := url.Values{}
	if q.Since > 0 {
		v.Set("since", strconv.FormatInt(q.Since, 10))
	}
	if q.Before > 0 {
		v.Set("before", strconv.FormatInt(q.Before, 10))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Order != "" {
		v.Set("order", string(q.Order))
	}
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}

// Transactions returns one page of history.
func (c *Client) Transactions(ctx context.Context, accountID string, q HistoryQuery) ([]api.Transaction, error) {
	var out []api.Transaction
	err := c.do(ctx, http.MethodGet, "/accounts/"+url.PathEscape(accountID)+"/transactions"+q.encode(), nil, &out, nil)
	return out, err
}

// Transfer is the client side of POST /transfers.
type Transfer struct {
	SenderID       string
	RecipientID    string
	Amount         int64
	Description    string
	IdempotencyKey string
}

// Transfer moves coins. A non-empty IdempotencyKey makes retries safe.
func (c *Client) Transfer(ctx context.Context, t Transfer) (api.TransferResponse, error) {
	var out api.TransferResponse
	var hdr http.Header
	if t.IdempotencyKey != "" {
		hdr = http.Header{"Idempotency-Key": []string{t.IdempotencyKey}}
	}
	body := map[string]any{
		"senderId":    t.SenderID,
		"recipientId": t.RecipientID,
		"amount":      t.Amount,
		"description": t.Description,
	}
	err := c.do(ctx, http.MethodPost, "/transfers", body, &out, hdr)
	return out, err
}

// Posting is the result of a single-entry operation.
type Posting struct {
	EntryID int64 `json:"entryId"`
	Balance int64 `json:"balance"`
}

// Spend debits accountID for a purchase or enrollment.
func (c *Client) Spend(ctx context.Context, accountID string, amount int64, reason domain.Reason, description string) (Posting, error) {
	var out Posting
	body := map[string]any{"amount": amount, "reason": reason, "description": description}
	err := c.do(ctx, http.MethodPost, "/accounts/"+url.PathEscape(accountID)+"/spend", body, &out, nil)
	return out, err
}

// ClaimDaily claims today's spin and returns the amount won.
func (c *Client) ClaimDaily(ctx context.Context, accountID string) (int64, error) {
	var out struct {
		Amount int64 `json:"amount"`
	}
	err := c.do(ctx, http.MethodPost, "/rewards/daily-claim", map[string]string{"accountId": accountID}, &out, nil)
	return out.Amount, err
}

// CompleteCourse claims the course completion reward.
func (c *Client) CompleteCourse(ctx context.Context, accountID, courseID string) (int64, error) {
	var out struct {
		Amount int64 `json:"amount"`
	}
	body := map[string]string{"accountId": accountID, "courseId": courseID}
	err := c.do(ctx, http.MethodPost, "/rewards/course-complete", body, &out, nil)
	return out.Amount, err
}

// ─── Transport ──────────────────────────────────────────────────────────────

func (c *Client) do(ctx context.Context, method, path string, in, out any, hdr http.Header) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, v := range hdr {
		req.Header[k] = v
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var eb api.ErrorBody
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &eb) == nil && eb.Error != "" {
			apiErr.Code, apiErr.Field, apiErr.Message = eb.Error, eb.Field, eb.Message
		} else {
			apiErr.Code = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

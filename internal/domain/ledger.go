package domain

import "time"

// ─── Ledger Types ───────────────────────────────────────────────────────────
// The ledger is append-only: entries are inserted once and never updated or
// deleted. An account's balance is always the sum of its entries.

// EntryKind is the accounting side of a ledger entry as seen by clients.
type EntryKind string

const (
	KindCredit EntryKind = "credit"
	KindDebit  EntryKind = "debit"
)

// Reason is the business reason recorded on a ledger entry.
type Reason string

const (
	ReasonDailySpin       Reason = "daily_spin"
	ReasonTransferIn      Reason = "transfer_in"
	ReasonTransferOut     Reason = "transfer_out"
	ReasonPurchase        Reason = "purchase"
	ReasonCourseEnroll    Reason = "course_enroll"
	ReasonSignupBonus     Reason = "signup_bonus"
	ReasonAdminAdjustment Reason = "admin_adjustment"
	ReasonCourseComplete  Reason = "course_complete"
	ReasonPaymentTopup    Reason = "payment_topup"
)

// Valid reports whether r is a known reason code.
func (r Reason) Valid() bool {
	switch r {
	case ReasonDailySpin, ReasonTransferIn, ReasonTransferOut, ReasonPurchase,
		ReasonCourseEnroll, ReasonSignupBonus, ReasonAdminAdjustment,
		ReasonCourseComplete, ReasonPaymentTopup:
		return true
	}
	return false
}

// IsSpend reports whether r is a reason a holder may debit themselves for.
func (r Reason) IsSpend() bool {
	return r == ReasonPurchase || r == ReasonCourseEnroll
}

// LedgerEntry is a single immutable row in the coin ledger.
// Amount is signed: positive credits the account, negative debits it.
type LedgerEntry struct {
	ID          int64     `json:"id"`
	AccountID   string    `json:"account_id"`
	Amount      int64     `json:"amount"`
	Reason      Reason    `json:"reason"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	TransferID  string    `json:"transfer_id,omitempty"`
}

// Kind returns credit for positive amounts and debit otherwise.
func (e LedgerEntry) Kind() EntryKind {
	if e.Amount > 0 {
		return KindCredit
	}
	return KindDebit
}

// Magnitude returns the unsigned size of the entry.
func (e LedgerEntry) Magnitude() int64 {
	if e.Amount < 0 {
		return -e.Amount
	}
	return e.Amount
}

// Fold sums the signed amounts of entries.
func Fold(entries []LedgerEntry) int64 {
	var total int64
	for _, e := range entries {
		total += e.Amount
	}
	return total
}

// ─── Transfers ──────────────────────────────────────────────────────────────

// TransferStatus is the outcome of a transfer attempt.
type TransferStatus string

const (
	TransferCompleted TransferStatus = "completed"
	TransferRejected  TransferStatus = "rejected"
)

// Transfer pairs exactly one debit and one credit entry written atomically.
// Only completed transfers are ever persisted.
type Transfer struct {
	ID             string         `json:"id"`
	SenderID       string         `json:"sender_id"`
	RecipientID    string         `json:"recipient_id"`
	Amount         int64          `json:"amount"`
	Description    string         `json:"description,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Status         TransferStatus `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ─── Rewards ────────────────────────────────────────────────────────────────

// RewardType identifies a time-gated or one-shot reward.
// Course completion rewards are keyed per course: "course_complete:<id>".
type RewardType string

const (
	RewardDailySpin      RewardType = "daily_spin"
	RewardSignupBonus    RewardType = "signup_bonus"
	RewardCourseComplete RewardType = "course_complete"
)

// ForCourse returns the per-course reward key for a course completion.
func (t RewardType) ForCourse(courseID string) RewardType {
	return RewardType(string(RewardCourseComplete) + ":" + courseID)
}

// RewardClaim tracks the last successful claim of a reward by an account.
// LastClaimed is a calendar date (YYYY-MM-DD) in the account's timezone.
type RewardClaim struct {
	AccountID   string     `json:"account_id"`
	RewardType  RewardType `json:"reward_type"`
	LastClaimed string     `json:"last_claimed"`
	ClaimCount  int64      `json:"claim_count"`
}

// ─── Payments ───────────────────────────────────────────────────────────────

// Payment records a verified provider payment credited as coins.
// Reference is the provider's transaction reference and is unique.
type Payment struct {
	Reference string    `json:"reference"`
	AccountID string    `json:"account_id"`
	Coins     int64     `json:"coins"`
	EntryID   int64     `json:"entry_id"`
	CreatedAt time.Time `json:"created_at"`
}

package wallet

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rg-fling/rgfling/internal/domain"
	"github.com/rg-fling/rgfling/internal/infra/lock"
)

func testLocker() domain.Locker { return lock.NewLocal(10 * time.Second) }

// ─── Spend ──────────────────────────────────────────────────────────────────

func TestSpend(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	x := openFunded(t, s, "x", 200)

	p, err := s.Spend(ctx, SpendRequest{AccountID: x, Amount: 150, Reason: domain.ReasonCourseEnroll, Description: "Go course"})
	require.NoError(t, err)
	assert.Equal(t, int64(-150), p.Entry.Amount)
	assert.Equal(t, int64(50), p.Balance)
	assert.Equal(t, domain.ReasonCourseEnroll, p.Entry.Reason)

	_, err = s.Spend(ctx, SpendRequest{AccountID: x, Amount: 51, Reason: domain.ReasonPurchase})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, int64(50), balanceOf(t, s, x))

	p, err = s.Spend(ctx, SpendRequest{AccountID: x, Amount: 50, Reason: domain.ReasonPurchase})
	require.NoError(t, err)
	assert.Zero(t, p.Balance)
}

func TestSpend_Validation(t *testing.T) {
	s := newTestService(t)
	x := openFunded(t, s, "x", 200)

	tests := []struct {
		name string
		req  SpendRequest
		want error
	}{
		{"zero", SpendRequest{AccountID: x, Amount: 0, Reason: domain.ReasonPurchase}, domain.ErrInvalidAmount},
		{"negative", SpendRequest{AccountID: x, Amount: -10, Reason: domain.ReasonPurchase}, domain.ErrInvalidAmount},
		{"transfer reason", SpendRequest{AccountID: x, Amount: 10, Reason: domain.ReasonTransferOut}, domain.ErrInvalidReason},
		{"credit reason", SpendRequest{AccountID: x, Amount: 10, Reason: domain.ReasonDailySpin}, domain.ErrInvalidReason},
		{"no account", SpendRequest{Amount: 10, Reason: domain.ReasonPurchase}, domain.ErrMissingField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Spend(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, int64(200), balanceOf(t, s, x))
}

// ─── Adjust ─────────────────────────────────────────────────────────────────

func TestAdjust(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	x := openFunded(t, s, "x", 0)

	p, err := s.Adjust(ctx, AdjustRequest{AccountID: x, Amount: 75, Description: "support credit"})
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonAdminAdjustment, p.Entry.Reason)
	assert.Equal(t, int64(75), p.Balance)

	_, err = s.Adjust(ctx, AdjustRequest{AccountID: x, Amount: -76, Description: "clawback"})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	_, err = s.Adjust(ctx, AdjustRequest{AccountID: x, Amount: 0, Description: "noop"})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	_, err = s.Adjust(ctx, AdjustRequest{AccountID: x, Amount: 5})
	assert.ErrorIs(t, err, domain.ErrMissingField)
	_, err = s.Adjust(ctx, AdjustRequest{AccountID: "ghost", Amount: 5, Description: "x"})
	assert.ErrorIs(t, err, domain.ErrUnknownAccount)
}

func TestAdjust_MostNegativeAmountCannotOverdraw(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	x := openFunded(t, s, "x", 100)

	_, err := s.Adjust(ctx, AdjustRequest{AccountID: x, Amount: math.MinInt64, Description: "clawback"})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, int64(100), balanceOf(t, s, x))

	report, err := s.Audit(ctx, x)
	require.NoError(t, err)
	assert.True(t, report.OK())
}

// ─── Balance Range ──────────────────────────────────────────────────────────

func TestCredits_RejectBalanceOverflow(t *testing.T) {
	s := newTestService(t, WithPicker(fixedPicker(1000)))
	ctx := context.Background()
	rich := openFunded(t, s, "rich", math.MaxInt64-100)
	x := openFunded(t, s, "x", 500)

	_, err := s.Adjust(ctx, AdjustRequest{AccountID: rich, Amount: 101, Description: "bonus"})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount, "adjustment")

	_, err = s.Transfer(ctx, TransferRequest{SenderID: x, RecipientID: rich, Amount: 101})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount, "transfer")
	assert.Equal(t, int64(500), balanceOf(t, s, x))

	_, err = s.CreditTopUp(ctx, TopUp{Reference: "flw-big", AccountID: rich, Coins: 101})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount, "top-up")

	_, err = s.ClaimDailyReward(ctx, rich)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount, "daily claim")

	// Exactly reaching the top of the range is allowed.
	_, err = s.Transfer(ctx, TransferRequest{SenderID: x, RecipientID: rich, Amount: 100})
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), balanceOf(t, s, rich))

	// The account stays usable afterwards.
	_, err = s.Transfer(ctx, TransferRequest{SenderID: rich, RecipientID: x, Amount: 1000})
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64-1000), balanceOf(t, s, rich))
	assert.Equal(t, int64(1400), balanceOf(t, s, x))
}

// ─── Top-Up ─────────────────────────────────────────────────────────────────

func TestCreditTopUp_OncePerReference(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	x := openFunded(t, s, "x", 10)

	p, err := s.CreditTopUp(ctx, TopUp{Reference: "flw-1", AccountID: x, Coins: 500})
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonPaymentTopup, p.Entry.Reason)
	assert.Equal(t, int64(510), p.Balance)

	_, err = s.CreditTopUp(ctx, TopUp{Reference: "flw-1", AccountID: x, Coins: 500})
	assert.ErrorIs(t, err, domain.ErrDuplicatePayment)
	assert.Equal(t, int64(510), balanceOf(t, s, x))

	_, err = s.CreditTopUp(ctx, TopUp{Reference: "flw-2", AccountID: "ghost", Coins: 5})
	assert.ErrorIs(t, err, domain.ErrUnknownAccount)
	_, err = s.CreditTopUp(ctx, TopUp{Reference: "", AccountID: x, Coins: 5})
	assert.ErrorIs(t, err, domain.ErrMissingField)
	_, err = s.CreditTopUp(ctx, TopUp{Reference: "flw-3", AccountID: x, Coins: 0})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestCreditTopUp_DisabledAccountStillCredited(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	x := openFunded(t, s, "x", 0)
	require.NoError(t, s.DisableAccount(ctx, x))

	_, err := s.CreditTopUp(ctx, TopUp{Reference: "flw-9", AccountID: x, Coins: 30})
	require.NoError(t, err)
	assert.Equal(t, int64(30), balanceOf(t, s, x))
}

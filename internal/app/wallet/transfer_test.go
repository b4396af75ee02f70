package wallet

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"github.com/rg-fling/rgfling/internal/domain"
	"github.com/rg-fling/rgfling/internal/infra/lock"
)

// ─── Scenarios ──────────────────────────────────────────────────────────────

func TestScenarioA_TransferWholeBalance(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	x := openFunded(t, s, "x", 1250)
	y := openFunded(t, s, "y", 40)

	res, err := s.Transfer(ctx, TransferRequest{SenderID: x, RecipientID: y, Amount: 1250, Description: "all in"})
	require.NoError(t, err)
	assert.Equal(t, domain.TransferCompleted, res.Transfer.Status)
	assert.NotEmpty(t, res.Transfer.ID)

	assert.Equal(t, int64(0), balanceOf(t, s, x))
	assert.Equal(t, int64(1290), balanceOf(t, s, y))
}

func TestScenarioB_InsufficientFundsWritesNothing(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	x := openFunded(t, s, "x", 100)
	y := openFunded(t, s, "y", 70)
	xBefore, yBefore := len(allEntries(t, s, x)), len(allEntries(t, s, y))

	res, err := s.Transfer(ctx, TransferRequest{SenderID: x, RecipientID: y, Amount: 150})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, domain.TransferRejected, res.Transfer.Status)
	assert.Empty(t, res.Transfer.ID)

	assert.Equal(t, int64(100), balanceOf(t, s, x))
	assert.Equal(t, int64(70), balanceOf(t, s, y))
	assert.Len(t, allEntries(t, s, x), xBefore)
	assert.Len(t, allEntries(t, s, y), yBefore)
}

func TestScenarioC_ConcurrentOverdraw(t *testing.T) {
	s := newTestService(t)
	x := openFunded(t, s, "x", 1000)
	y := openFunded(t, s, "y", 0)
	z := openFunded(t, s, "z", 0)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, to := range []string{y, z} {
		wg.Add(1)
		go func(i int, to string) {
			defer wg.Done()
			_, errs[i] = s.Transfer(context.Background(), TransferRequest{SenderID: x, RecipientID: to, Amount: 700})
		}(i, to)
	}
	wg.Wait()

	var ok, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrInsufficientFunds):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, insufficient)
	assert.Equal(t, int64(300), balanceOf(t, s, x))
	assert.Equal(t, int64(700), balanceOf(t, s, y)+balanceOf(t, s, z))
}

// ─── Validation ─────────────────────────────────────────────────────────────

func TestTransfer_ValidationTouchesNothing(t *testing.T) {
	s := newTestService(t)
	x := openFunded(t, s, "x", 100)
	y := openFunded(t, s, "y", 100)

	tests := []struct {
		name  string
		req   TransferRequest
		field string
		want  error
	}{
		{"zero amount", TransferRequest{SenderID: x, RecipientID: y, Amount: 0}, "amount", domain.ErrInvalidAmount},
		{"negative amount", TransferRequest{SenderID: x, RecipientID: y, Amount: -5}, "amount", domain.ErrInvalidAmount},
		{"self transfer", TransferRequest{SenderID: x, RecipientID: x, Amount: 5}, "recipient_id", domain.ErrSameAccount},
		{"missing sender", TransferRequest{RecipientID: y, Amount: 5}, "sender_id", domain.ErrMissingField},
		{"missing recipient", TransferRequest{SenderID: x, Amount: 5}, "recipient_id", domain.ErrMissingField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.Transfer(context.Background(), tt.req)
			var ve *domain.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, domain.TransferRejected, res.Transfer.Status)
		})
	}
	assert.Equal(t, int64(100), balanceOf(t, s, x))
	assert.Equal(t, int64(100), balanceOf(t, s, y))
}

func TestTransfer_UnknownAccount(t *testing.T) {
	s := newTestService(t)
	x := openFunded(t, s, "x", 100)

	_, err := s.Transfer(context.Background(), TransferRequest{SenderID: x, RecipientID: "ghost", Amount: 5})
	assert.ErrorIs(t, err, domain.ErrUnknownAccount)
	_, err = s.Transfer(context.Background(), TransferRequest{SenderID: "ghost", RecipientID: x, Amount: 5})
	assert.ErrorIs(t, err, domain.ErrUnknownAccount)
	assert.Equal(t, int64(100), balanceOf(t, s, x))
}

// ─── Pairing & Idempotency ──────────────────────────────────────────────────

func TestTransfer_PairedEntries(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	x := openFunded(t, s, "x", 500)
	y := openFunded(t, s, "y", 0)

	res, err := s.Transfer(ctx, TransferRequest{SenderID: x, RecipientID: y, Amount: 123, Description: "lunch"})
	require.NoError(t, err)
	assert.Equal(t, res.Transfer.ID, res.Debit.TransferID)
	assert.Equal(t, res.Transfer.ID, res.Credit.TransferID)

	detail, err := s.GetTransfer(ctx, res.Transfer.ID)
	require.NoError(t, err)
	require.Len(t, detail.Entries, 2)
	debit, credit := detail.Entries[0], detail.Entries[1]
	assert.Equal(t, x, debit.AccountID)
	assert.Equal(t, domain.ReasonTransferOut, debit.Reason)
	assert.Equal(t, domain.KindDebit, debit.Kind())
	assert.Equal(t, y, credit.AccountID)
	assert.Equal(t, domain.ReasonTransferIn, credit.Reason)
	assert.Equal(t, domain.KindCredit, credit.Kind())
	assert.Equal(t, debit.Magnitude(), credit.Magnitude())
	assert.Zero(t, debit.Amount+credit.Amount)
	assert.Equal(t, "lunch", credit.Description)

	_, err = s.GetTransfer(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrTransferNotFound)
}

func TestTransfer_IdempotencyKey(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	x := openFunded(t, s, "x", 500)
	y := openFunded(t, s, "y", 0)
	req := TransferRequest{SenderID: x, RecipientID: y, Amount: 100, IdempotencyKey: "order-42"}

	first, err := s.Transfer(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	again, err := s.Transfer(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Transfer.ID, again.Transfer.ID)
	assert.Equal(t, domain.TransferCompleted, again.Transfer.Status)
	assert.Equal(t, int64(400), balanceOf(t, s, x))

	req.Amount = 101
	_, err = s.Transfer(ctx, req)
	assert.ErrorIs(t, err, domain.ErrKeyReused)
	assert.Equal(t, int64(400), balanceOf(t, s, x))

	// A rejected attempt does not burn the key.
	req = TransferRequest{SenderID: x, RecipientID: y, Amount: 1000, IdempotencyKey: "order-43"}
	_, err = s.Transfer(ctx, req)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	req.Amount = 300
	_, err = s.Transfer(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balanceOf(t, s, x))
}

// ─── Concurrency ────────────────────────────────────────────────────────────

func TestTransfer_RandomConcurrentNeverNegative(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	const (
		accounts = 5
		start    = 500
		ops      = 200
		workers  = 12
	)
	ids := make([]string, accounts)
	for i := range ids {
		ids[i] = openFunded(t, s, "acct"+string(rune('a'+i)), start)
	}

	jobs := make(chan TransferRequest)
	var completed, insufficient atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for req := range jobs {
				_, err := s.Transfer(ctx, req)
				switch {
				case err == nil:
					completed.Add(1)
				case errors.Is(err, domain.ErrInsufficientFunds):
					insufficient.Add(1)
				default:
					t.Errorf("transfer %+v: %v", req, err)
				}
			}
		}()
	}

	r := rand.New(rand.NewSource(42))
	for i := 0; i < ops; i++ {
		from := r.Intn(accounts)
		to := (from + 1 + r.Intn(accounts-1)) % accounts
		jobs <- TransferRequest{SenderID: ids[from], RecipientID: ids[to], Amount: int64(1 + r.Intn(400))}
	}
	close(jobs)
	wg.Wait()

	assert.Equal(t, int64(ops), completed.Load()+insufficient.Load())
	assert.Positive(t, completed.Load())

	var total int64
	for _, id := range ids {
		rep, err := s.Audit(ctx, id)
		require.NoError(t, err)
		assert.True(t, rep.OK(), "account %s: %+v", id, rep)
		assert.GreaterOrEqual(t, balanceOf(t, s, id), int64(0))
		total += balanceOf(t, s, id)
	}
	assert.Equal(t, int64(accounts*start), total, "transfers must conserve coins")
}

func TestTransfer_LockTimeoutIsRetryable(t *testing.T) {
	store := newTestStore(t)
	locker := lock.NewLocal(50 * time.Millisecond)
	cfg := DefaultConfig()
	cfg.SignupBonus = 0
	s := New(store, locker, cfg)
	ctx := context.Background()

	x := openFunded(t, s, "x", 100)
	y := openFunded(t, s, "y", 0)

	release, err := locker.Acquire(ctx, x)
	require.NoError(t, err)

	_, err = s.Transfer(ctx, TransferRequest{SenderID: x, RecipientID: y, Amount: 10})
	require.ErrorIs(t, err, domain.ErrTimeout)
	assert.True(t, domain.IsRetryable(err))
	assert.False(t, domain.IsBusiness(err))
	release()

	assert.Equal(t, int64(100), balanceOf(t, s, x))
	_, err = s.Transfer(ctx, TransferRequest{SenderID: x, RecipientID: y, Amount: 10})
	require.NoError(t, err, "retry after release succeeds")
}

func TestTransfer_CancelledContext(t *testing.T) {
	s := newTestService(t)
	x := openFunded(t, s, "x", 100)
	y := openFunded(t, s, "y", 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Transfer(ctx, TransferRequest{SenderID: x, RecipientID: y, Amount: 10})
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
	assert.Equal(t, int64(100), balanceOf(t, s, x))
}

package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rg-fling/rgfling/internal/domain"
)

// ─── Feed Tests ─────────────────────────────────────────────────────────────

func TestFeed_PublishReachesOnlyAccountSubscribers(t *testing.T) {
	f := NewFeed()
	chA, unsubA := f.Subscribe("a")
	defer unsubA()
	chB, unsubB := f.Subscribe("b")
	defer unsubB()

	f.Publish(domain.LedgerEntry{ID: 7, AccountID: "a", Amount: -40, Reason: domain.ReasonPurchase, CreatedAt: time.Now()})

	select {
	case data := <-chA:
		var tx Transaction
		require.NoError(t, json.Unmarshal(data, &tx))
		assert.Equal(t, int64(7), tx.ID)
		assert.Equal(t, "debit", tx.Type)
		assert.Equal(t, int64(40), tx.Amount)
	case <-time.After(time.Second):
		t.Fatal("subscriber of a got nothing")
	}
	select {
	case <-chB:
		t.Fatal("subscriber of b got a's entry")
	default:
	}
}

func TestFeed_UnsubscribeIsIdempotent(t *testing.T) {
	f := NewFeed()
	_, unsub := f.Subscribe("a")
	_, unsub2 := f.Subscribe("a")
	assert.Equal(t, 2, f.ClientCount())

	unsub()
	unsub()
	assert.Equal(t, 1, f.ClientCount())
	unsub2()
	assert.Zero(t, f.ClientCount())

	// Publishing with nobody listening is a no-op.
	f.Publish(domain.LedgerEntry{AccountID: "a", Amount: 1})
}

func TestFeed_SlowClientDropsInsteadOfBlocking(t *testing.T) {
	f := NewFeed()
	ch, unsub := f.Subscribe("a")
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < feedBuffer*3; i++ {
			f.Publish(domain.LedgerEntry{ID: int64(i + 1), AccountID: "a", Amount: 1})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, ch, feedBuffer)
}

// openStream connects to path and waits until the handler has subscribed.
func openStream(t *testing.T, e *testEnv, path string) *bufio.Scanner {
	t.Helper()
	ts := httptest.NewServer(e.server.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return e.feed.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	return bufio.NewScanner(resp.Body)
}

// nextEntry reads until the next data line. ok is false when the stream ends.
func nextEntry(t *testing.T, sc *bufio.Scanner) (tx Transaction, ok bool) {
	t.Helper()
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &tx))
		return tx, true
	}
	return tx, false
}

func TestFeed_SSEEndpoint(t *testing.T) {
	e := setupServer(t)
	x := e.open(t, "x", 0)
	sc := openStream(t, e, "/accounts/"+x+"/events")

	amount, err := e.wallet.ClaimDailyReward(context.Background(), x)
	require.NoError(t, err)

	tx, ok := nextEntry(t, sc)
	require.True(t, ok, "stream ended without an entry: %v", sc.Err())
	assert.Equal(t, "credit", tx.Type)
	assert.Equal(t, amount, tx.Amount)
	assert.Equal(t, string(domain.ReasonDailySpin), tx.Reason)
}

func TestFeed_SSEByHandle(t *testing.T) {
	e := setupServer(t)
	x := e.open(t, "ada", 0)
	sc := openStream(t, e, "/accounts/@ada/events")

	_, err := e.wallet.ClaimDailyReward(context.Background(), x)
	require.NoError(t, err)

	tx, ok := nextEntry(t, sc)
	require.True(t, ok, "stream ended without an entry: %v", sc.Err())
	assert.Equal(t, string(domain.ReasonDailySpin), tx.Reason)
}

func TestFeed_CloseEndsStreams(t *testing.T) {
	e := setupServer(t)
	x := e.open(t, "x", 0)
	sc := openStream(t, e, "/accounts/"+x+"/events")

	e.feed.Close()
	e.feed.Close()

	_, ok := nextEntry(t, sc)
	assert.False(t, ok)
	require.Eventually(t, func() bool { return e.feed.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestFeed_SSEUnknownAccount(t *testing.T) {
	e := setupServer(t)
	w := e.do(t, http.MethodGet, "/accounts/ghost/events", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

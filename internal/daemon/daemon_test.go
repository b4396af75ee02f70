package daemon

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rg-fling/rgfling/internal/app/wallet"
	"github.com/rg-fling/rgfling/internal/infra/lock"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Storage.Dir = t.TempDir()
	cfg.Log.Level = "error"
	return cfg
}

func TestNew_SQLiteLocal(t *testing.T) {
	cfg := testConfig(t)
	cfg.Payments.Enabled = true
	cfg.Payments.WebhookSecret = "whsec"

	d, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	if _, ok := d.Locker.(*lock.Local); !ok {
		t.Errorf("Locker = %T, want *lock.Local", d.Locker)
	}
	if d.Tracer == nil {
		t.Error("tracing is on by default")
	}

	h := d.Server.Handler()
	for _, path := range []string{"/health", "/metrics", "/debug/spans"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, w.Code)
		}
	}

	// Payments enabled mounts the webhook; an unsigned call is refused.
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhooks/payments", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unsigned webhook = %d, want 401", w.Code)
	}
}

func TestNew_WalletUsesConfiguredRewards(t *testing.T) {
	cfg := testConfig(t)
	cfg.Rewards.SignupBonus = 42
	cfg.Rewards.DailyTable = []int64{7}

	d, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	ctx := context.Background()
	out, err := d.Wallet.OpenAccount(ctx, wallet.OpenRequest{Handle: "ada"})
	if err != nil {
		t.Fatalf("OpenAccount: %v", err)
	}
	if out.Balance != 42 {
		t.Errorf("signup balance = %d, want 42", out.Balance)
	}
	amount, err := d.Wallet.ClaimDailyReward(ctx, out.Account.ID)
	if err != nil {
		t.Fatalf("ClaimDailyReward: %v", err)
	}
	if amount != 7 {
		t.Errorf("daily amount = %d, want 7", amount)
	}
}

func TestNew_MetricsAndTracingOff(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = false
	cfg.Metrics.Tracing = false

	d, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	h := d.Server.Handler()
	for _, path := range []string{"/metrics", "/debug/spans", "/webhooks/payments"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusNotFound && w.Code != http.StatusMethodNotAllowed {
			t.Errorf("GET %s = %d, want unmounted", path, w.Code)
		}
	}
}

func TestNew_BadLogLevel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Log.Level = "loud"
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("expected logger error")
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.API.Port = 0 // any free port
	d, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Serve(ctx); err != nil {
		t.Errorf("Serve after cancel: %v", err)
	}
}

func TestServe_ShutdownEndsLiveFeeds(t *testing.T) {
	d, err := New(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	out, err := d.Wallet.OpenAccount(context.Background(), wallet.OpenRequest{Handle: "ada"})
	if err != nil {
		t.Fatalf("OpenAccount: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/accounts/" + out.Account.ID + "/events")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d", resp.StatusCode)
	}
	deadline := time.Now().Add(2 * time.Second)
	for d.Feed.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	start := time.Now()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve: %v", err)
		}
	case <-time.After(shutdownGrace):
		t.Fatal("shutdown waited out the grace period")
	}
	if took := time.Since(start); took > 2*time.Second {
		t.Errorf("shutdown took %v with an open stream", took)
	}
}

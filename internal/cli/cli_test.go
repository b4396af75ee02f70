package cli

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rg-fling/rgfling/internal/api"
	"github.com/rg-fling/rgfling/internal/app/wallet"
	"github.com/rg-fling/rgfling/internal/domain"
	"github.com/rg-fling/rgfling/internal/infra/lock"
	"github.com/rg-fling/rgfling/internal/infra/sqlite"
)

type fixedPicker int64

func (p fixedPicker) Pick([]int64) int64 { return int64(p) }

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func startServer(t *testing.T) (*wallet.Service, string) {
	t.Helper()
	t.Setenv("RGFLING_HOME", t.TempDir())
	db, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := wallet.DefaultConfig()
	cfg.SignupBonus = 0
	svc := wallet.New(db, lock.NewLocal(10*time.Second), cfg, wallet.WithPicker(fixedPicker(500)))
	ts := httptest.NewServer(api.NewServer(svc, nil).Handler())
	t.Cleanup(ts.Close)
	return svc, ts.URL
}

func openAccount(t *testing.T, svc *wallet.Service, handle string, coins int64) string {
	t.Helper()
	ctx := context.Background()
	out, err := svc.OpenAccount(ctx, wallet.OpenRequest{Handle: handle})
	require.NoError(t, err)
	if coins > 0 {
		_, err = svc.Adjust(ctx, wallet.AdjustRequest{AccountID: out.Account.ID, Amount: coins, Description: "seed"})
		require.NoError(t, err)
	}
	return out.Account.ID
}

func TestWalletCommands(t *testing.T) {
	svc, url := startServer(t)
	x := openAccount(t, svc, "x", 1000)

	out, err := run(t, "account", "open", "yara", "--tz", "Africa/Lagos", "--server", url)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "Opened @yara\n"), out)

	acct, err := svc.GetAccount(context.Background(), "@yara")
	require.NoError(t, err)
	y := acct.ID

	out, err = run(t, "account", "show", "@yara", "--server", url)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "@yara ("+y+")\n"), out)
	assert.Contains(t, out, "Africa/Lagos")

	out, err = run(t, "send", x, y, "250", "-m", "rent", "--server", url)
	require.NoError(t, err)
	assert.Contains(t, out, "Sent 250 RGX")
	assert.Contains(t, out, "Balance: 750 RGX")

	out, err = run(t, "balance", y, "--server", url)
	require.NoError(t, err)
	assert.Equal(t, "250 RGX\n", out)

	out, err = run(t, "history", x, "--limit", "5", "--server", url)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3, out)
	assert.Contains(t, lines[1], "-250")
	assert.Contains(t, lines[1], "transfer_out")

	out, err = run(t, "spin", y, "--server", url)
	require.NoError(t, err)
	assert.Contains(t, out, "You won 500 RGX. Balance: 750 RGX")

	_, err = run(t, "spin", y, "--server", url)
	assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)
}

func TestSend_Rejections(t *testing.T) {
	svc, url := startServer(t)
	x := openAccount(t, svc, "x", 10)
	y := openAccount(t, svc, "y", 0)

	_, err := run(t, "send", x, y, "2.5", "--server", url)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "whole number")

	_, err = run(t, "send", x, y, "11", "--server", url)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Contains(t, err.Error(), "reverted")

	bal, err := svc.GetBalance(context.Background(), x)
	require.NoError(t, err)
	assert.Equal(t, int64(10), bal)
}

func TestConfigCommands(t *testing.T) {
	home := t.TempDir()
	t.Setenv("RGFLING_HOME", home)
	t.Setenv("RGFLING_JWT_SECRET", "very-secret")

	out, err := run(t, "config", "path")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "config.toml")+"\n", out)

	out, err = run(t, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote")
	_, err = run(t, "config", "init")
	assert.Error(t, err, "refuses to overwrite")

	out, err = run(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "[rewards]")
	assert.NotContains(t, out, "very-secret")
	assert.Contains(t, out, "********")

	out, err = run(t, "token", "acct-1")
	require.NoError(t, err)
	sub, err := api.NewAuth("very-secret", "").Subject(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "acct-1", sub)
}

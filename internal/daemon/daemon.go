package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/rg-fling/rgfling/internal/api"
	"github.com/rg-fling/rgfling/internal/app/payment"
	"github.com/rg-fling/rgfling/internal/app/wallet"
	"github.com/rg-fling/rgfling/internal/domain"
	"github.com/rg-fling/rgfling/internal/infra/lock"
	"github.com/rg-fling/rgfling/internal/infra/logger"
	"github.com/rg-fling/rgfling/internal/infra/observability"
	"github.com/rg-fling/rgfling/internal/infra/postgres"
	"github.com/rg-fling/rgfling/internal/infra/sqlite"
)

// shutdownGrace bounds how long in-flight requests may finish on stop.
const shutdownGrace = 10 * time.Second

// Daemon owns every long-lived component of the wallet server.
type Daemon struct {
	Config Config
	Log    *zap.Logger
	Store  domain.LedgerStore
	Locker domain.Locker
	Tracer *observability.Tracer
	Feed   *api.Feed
	Wallet *wallet.Service
	Server *api.Server

	redis *redis.Client
}

// New builds the daemon from cfg. The caller must Close it.
func New(ctx context.Context, cfg Config) (*Daemon, error) {
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	d := &Daemon{Config: cfg, Log: log}

	if err := d.openStore(ctx); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.openLocker(ctx); err != nil {
		d.Close()
		return nil, err
	}

	if cfg.Metrics.Tracing {
		d.Tracer = observability.NewTracer(observability.TracerConfig{
			Enabled:  true,
			MaxSpans: cfg.Metrics.MaxSpans,
		})
	}
	d.Feed = api.NewFeed()

	seed := cfg.Rewards.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	d.Wallet = wallet.New(d.Store, d.Locker, cfg.ServiceConfig(),
		wallet.WithLogger(log),
		wallet.WithTracer(d.Tracer),
		wallet.WithPicker(wallet.NewRandPicker(seed)),
		wallet.WithPublisher(d.Feed))

	d.Server = api.NewServer(d.Wallet, log)
	d.Server.SetRequestTimeout(mustDuration(cfg.API.RequestTimeout, api.DefaultRequestTimeout))
	d.Server.SetFeed(d.Feed)
	if d.Tracer != nil {
		d.Server.SetTracer(d.Tracer)
	}
	if cfg.Metrics.Enabled {
		d.Server.EnableMetrics()
	}
	if cfg.Auth.JWTSecret != "" || cfg.Auth.AdminToken != "" {
		d.Server.SetAuth(api.NewAuth(cfg.Auth.JWTSecret, cfg.Auth.AdminToken))
	}
	if cfg.Payments.Enabled {
		d.Server.SetPayments(payment.NewVerifier(payment.Config{
			Secret:       cfg.Payments.WebhookSecret,
			CoinsPerUnit: cfg.Payments.CoinsPerUnit,
			Currency:     cfg.Payments.Currency,
		}, d.Wallet, log))
	}

	log.Info("daemon ready",
		zap.String("storage", cfg.Storage.Driver),
		zap.String("lock", cfg.Lock.Backend),
		zap.Bool("auth", cfg.Auth.JWTSecret != ""),
		zap.Bool("payments", cfg.Payments.Enabled))
	return d, nil
}

func (d *Daemon) openStore(ctx context.Context) error {
	switch d.Config.Storage.Driver {
	case "postgres":
		db, err := postgres.Open(ctx, d.Config.Storage.DSN, d.Config.Storage.MaxConns)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		db.SetLogger(d.Log)
		d.Store = db
	default:
		db, err := sqlite.Open(d.Config.Storage.Dir)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		db.SetLogger(d.Log)
		d.Store = db
	}
	return nil
}

func (d *Daemon) openLocker(ctx context.Context) error {
	wait := mustDuration(d.Config.Lock.Wait, lock.DefaultWait)
	if d.Config.Lock.Backend != "redis" {
		d.Locker = lock.NewLocal(wait)
		return nil
	}

	d.redis = redis.NewClient(&redis.Options{
		Addr:     d.Config.Lock.RedisAddr,
		Password: d.Config.Lock.RedisPassword,
		DB:       d.Config.Lock.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.redis.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("connect redis %s: %w", d.Config.Lock.RedisAddr, err)
	}

	rc := lock.DefaultRedisConfig()
	rc.Wait = wait
	rc.TTL = mustDuration(d.Config.Lock.TTL, rc.TTL)
	if d.Config.Lock.Prefix != "" {
		rc.Prefix = d.Config.Lock.Prefix
	}
	rl := lock.NewRedis(d.redis, rc)
	rl.SetLogger(d.Log)
	d.Locker = rl
	return nil
}

// Serve listens on the configured address until ctx is done, then drains
// in-flight requests.
func (d *Daemon) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.Config.API.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.Config.API.Addr(), err)
	}
	return d.serve(ctx, ln)
}

func (d *Daemon) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           d.Server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Live feed streams never finish on their own.
	if d.Feed != nil {
		srv.RegisterOnShutdown(d.Feed.Close)
	}

	errCh := make(chan error, 1)
	go func() {
		d.Log.Info("listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", ln.Addr(), err)
	case <-ctx.Done():
	}

	d.Log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Close releases the store, the redis client and flushes the logger.
func (d *Daemon) Close() error {
	var errs []error
	if d.Store != nil {
		errs = append(errs, d.Store.Close())
	}
	if d.redis != nil {
		errs = append(errs, d.redis.Close())
	}
	if d.Log != nil {
		_ = d.Log.Sync()
	}
	return errors.Join(errs...)
}

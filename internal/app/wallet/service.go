// Package wallet implements the RGX coin operations on top of the ledger.
//
// Every mutating operation follows the same shape:
//  1. Validate input (no storage access on failure)
//  2. Acquire the affected account locks (bounded wait)
//  3. Read balances and write entries inside one store transaction
//  4. After commit, publish the new entries and record metrics
//
// Balances are never stored. They are recomputed from the ledger on demand.
package wallet

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/rand"

	"github.com/rg-fling/rgfling/internal/domain"
	"github.com/rg-fling/rgfling/internal/infra/observability"
)

// DailySpinTable is the default daily reward draw.
var DailySpinTable = []int64{50, 100, 150, 200, 250, 500, 750, 1000}

// Config controls wallet behavior.
type Config struct {
	OpTimeout      time.Duration  // Bound on lock wait plus transaction (default: 5s)
	DailySpinTable []int64        // Uniform draw for daily_spin
	SignupBonus    int64          // Credited on account open; 0 disables
	CourseComplete int64          // Credited once per completed course
	Location       *time.Location // Reward day boundary for accounts without a timezone
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		OpTimeout:      5 * time.Second,
		DailySpinTable: DailySpinTable,
		SignupBonus:    1000,
		CourseComplete: 100,
		Location:       time.UTC,
	}
}

// Picker draws one value from a non-empty table.
type Picker interface {
	Pick(table []int64) int64
}

// Publisher receives entries after their transaction commits.
type Publisher interface {
	Publish(e domain.LedgerEntry)
}

type randPicker struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewRandPicker returns a uniform Picker seeded with seed.
func NewRandPicker(seed uint64) Picker {
	return &randPicker{r: rand.New(rand.NewSource(seed))}
}

func (p *randPicker) Pick(table []int64) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return table[p.r.Intn(len(table))]
}

// Service is the wallet facade used by the API and CLI.
type Service struct {
	store  domain.LedgerStore
	locker domain.Locker
	cfg    Config
	log    *zap.Logger
	tracer *observability.Tracer
	picker Picker
	feed   Publisher
	now    func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.log = l } }

// WithTracer records a span per operation.
func WithTracer(t *observability.Tracer) Option { return func(s *Service) { s.tracer = t } }

// WithPicker replaces the reward draw.
func WithPicker(p Picker) Option { return func(s *Service) { s.picker = p } }

// WithPublisher attaches a live feed.
func WithPublisher(p Publisher) Option { return func(s *Service) { s.feed = p } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// New creates a wallet service.
func New(store domain.LedgerStore, locker domain.Locker, cfg Config, opts ...Option) *Service {
	def := DefaultConfig()
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = def.OpTimeout
	}
	if len(cfg.DailySpinTable) == 0 {
		cfg.DailySpinTable = def.DailySpinTable
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}

	s := &Service{
		store:  store,
		locker: locker,
		cfg:    cfg,
		log:    zap.NewNop(),
		picker: NewRandPicker(uint64(time.Now().UnixNano())),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("wallet")
	return s
}

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

// Ping checks that the ledger store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return domain.Storage("ping", err)
	}
	return nil
}

// ─── Internals ──────────────────────────────────────────────────────────────

// mutate runs fn under the locks for keys and inside one transaction, all
// bounded by OpTimeout. A deadline hit anywhere surfaces as ErrTimeout.
func (s *Service) mutate(ctx context.Context, keys []string, fn func(ctx context.Context, tx domain.LedgerTx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	release, err := s.locker.Acquire(ctx, keys...)
	if err != nil {
		return err
	}
	defer release()

	err = s.store.WithinTx(ctx, func(tx domain.LedgerTx) error {
		if err := tx.LockAccounts(ctx, keys...); err != nil {
			return err
		}
		return fn(ctx, tx)
	})
	if err != nil && ctx.Err() != nil && !domain.IsBusiness(err) {
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	return err
}

// activeAccount loads an account that may send, receive, spend or claim.
func activeAccount(ctx context.Context, r domain.LedgerReader, id string) (*domain.Account, error) {
	a, err := r.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Disabled {
		return nil, domain.ErrAccountDisabled
	}
	return a, nil
}

// checkCredit rejects a credit that would carry balance past the int64 range.
func checkCredit(balance, amount int64) error {
	if amount > 0 && balance > math.MaxInt64-amount {
		return domain.Invalid("amount", domain.ErrInvalidAmount)
	}
	return nil
}

// appendEntry writes e and counts it.
func appendEntry(ctx context.Context, tx domain.LedgerTx, e *domain.LedgerEntry) error {
	if err := tx.Append(ctx, e); err != nil {
		return err
	}
	observability.LedgerAppends.WithLabelValues(string(e.Reason)).Inc()
	return nil
}

func (s *Service) publish(entries ...domain.LedgerEntry) {
	if s.feed == nil {
		return
	}
	for _, e := range entries {
		s.feed.Publish(e)
	}
}

// logResult logs business rejections at warn and failures at error.
func (s *Service) logResult(op string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	fields = append(fields, zap.Error(err))
	if domain.IsBusiness(err) {
		s.log.Warn(op+" rejected", fields...)
		return
	}
	s.log.Error(op+" failed", fields...)
}

func (s *Service) trace(ctx context.Context, op string, attrs map[string]string) (context.Context, func(err error)) {
	ctx, span := s.tracer.Start(ctx, op, attrs)
	return ctx, func(err error) { s.tracer.End(span, err, domain.IsBusiness(err)) }
}

// Package registry is the authoritative record of all instruments and
// their lifecycle state. It owns symbol generation, creation-time
// parameter sampling, and the per-instrument locks that keep price ticks
// and settlement of the same instrument mutually exclusive without
// serializing unrelated instruments against each other.
package registry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/martingale/market-engine/internal/gbm"
	"github.com/martingale/market-engine/internal/model"
	"github.com/martingale/market-engine/internal/store"
)

var (
	// ErrNotFound is returned when a symbol does not resolve to an instrument.
	ErrNotFound = errors.New("registry: instrument not found")

	// ErrSymbolSpaceExhausted is returned when symbol generation keeps
	// colliding with active instruments.
	ErrSymbolSpaceExhausted = errors.New("registry: could not generate a unique symbol")
)

// maxCreateAttempts bounds symbol-collision retries per Create call.
const maxCreateAttempts = 10

// Config holds the sampling parameters applied when minting instruments.
type Config struct {
	InitialPrice   decimal.Decimal
	VolatilityMin  float64
	VolatilityMax  float64
	DriftMean      float64
	DriftStddev    float64
	ExpiryMin      time.Duration
	ExpiryMax      time.Duration
	SymbolLength   int
	SymbolAlphabet string
}

// Registry fronts the store for all instrument state.
type Registry struct {
	store store.Store
	cfg   Config

	rngMu sync.Mutex
	rng   *rand.Rand

	locks sync.Map // symbol → *sync.Mutex
}

// New creates a Registry. Pass nil for rng to seed from the clock.
func New(st store.Store, cfg Config, rng *rand.Rand) *Registry {
	if rng == nil {
		now := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(now, now^0x9e3779b97f4a7c15))
	}
	return &Registry{store: st, cfg: cfg, rng: rng}
}

// ListActive returns all currently active instruments.
func (r *Registry) ListActive(ctx context.Context) ([]model.Instrument, error) {
	return r.store.ListInstruments(ctx, true)
}

// List returns all instruments, including settled ones still inside the
// retention window.
func (r *Registry) List(ctx context.Context) ([]model.Instrument, error) {
	return r.store.ListInstruments(ctx, false)
}

// Get retrieves one instrument by symbol.
func (r *Registry) Get(ctx context.Context, symbol string) (*model.Instrument, error) {
	inst, err := r.store.GetInstrument(ctx, symbol)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, symbol)
	}
	return inst, err
}

// ExpiredDue returns active instruments whose expiration has passed.
func (r *Registry) ExpiredDue(ctx context.Context, now time.Time) ([]model.Instrument, error) {
	active, err := r.store.ListInstruments(ctx, true)
	if err != nil {
		return nil, err
	}
	var due []model.Instrument
	for _, inst := range active {
		if inst.Expired(now) {
			due = append(due, inst)
		}
	}
	return due, nil
}

// Create mints a new instrument with a fresh random symbol and sampled
// volatility, drift, and expiration horizon. Symbol collisions against
// the active set are retried up to a bounded number of attempts.
func (r *Registry) Create(ctx context.Context, now time.Time) (*model.Instrument, error) {
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		inst := r.sample(now)
		err := r.store.CreateInstrument(ctx, inst)
		if errors.Is(err, store.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return inst, nil
	}
	return nil, ErrSymbolSpaceExhausted
}

func (r *Registry) sample(now time.Time) *model.Instrument {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()

	sigma := gbm.SampleVolatility(r.rng, r.cfg.VolatilityMin, r.cfg.VolatilityMax)
	mu := gbm.SampleDrift(r.rng, r.cfg.DriftMean, r.cfg.DriftStddev, sigma)
	horizon := gbm.SampleHorizon(r.rng, r.cfg.ExpiryMin, r.cfg.ExpiryMax)

	var sb strings.Builder
	for i := 0; i < r.cfg.SymbolLength; i++ {
		sb.WriteByte(r.cfg.SymbolAlphabet[r.rng.IntN(len(r.cfg.SymbolAlphabet))])
	}

	return &model.Instrument{
		Symbol:       sb.String(),
		InitialPrice: r.cfg.InitialPrice,
		CurrentPrice: r.cfg.InitialPrice,
		Volatility:   sigma,
		Drift:        mu,
		CreatedAt:    now,
		ExpiresAt:    now.Add(horizon),
		Active:       true,
	}
}

// MutatePrice writes a new tick price under the instrument's lock. Writes
// against an inactive instrument are dropped, so a stale tick can never
// resurrect a settled price.
func (r *Registry) MutatePrice(ctx context.Context, symbol string, price decimal.Decimal, at time.Time) error {
	return r.WithInstrumentLock(symbol, func() error {
		err := r.store.UpdateInstrumentPrice(ctx, symbol, price, at)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, symbol)
		}
		return err
	})
}

// WithInstrumentLock runs fn while holding the symbol's mutex. Price ticks
// and settlement both take this lock, so a tick is never applied to an
// instrument mid-settlement and settlement reads a stable current price.
func (r *Registry) WithInstrumentLock(symbol string, fn func() error) error {
	mu := r.lockFor(symbol)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

func (r *Registry) lockFor(symbol string) *sync.Mutex {
	if mu, ok := r.locks.Load(symbol); ok {
		return mu.(*sync.Mutex)
	}
	mu, _ := r.locks.LoadOrStore(symbol, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// ForgetLock discards the lock entry for a purged symbol.
func (r *Registry) ForgetLock(symbol string) {
	r.locks.Delete(symbol)
}

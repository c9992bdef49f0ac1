package scheduler

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/martingale/market-engine/internal/gbm"
	"github.com/martingale/market-engine/internal/model"
	"github.com/martingale/market-engine/internal/registry"
	"github.com/martingale/market-engine/internal/settlement"
	"github.com/martingale/market-engine/internal/store"
)

// capturingPublisher records every event for assertions.
type capturingPublisher struct {
	mu      sync.Mutex
	updates []PriceUpdate
	batches [][]PriceUpdate
	settled [][]model.SettlementStats
	created [][]model.Instrument
}

func (p *capturingPublisher) PublishPriceUpdate(u PriceUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, u)
}

func (p *capturingPublisher) PublishPriceBatch(us []PriceUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, us)
}

func (p *capturingPublisher) PublishInstrumentsChanged(s []model.SettlementStats, c []model.Instrument) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settled = append(p.settled, s)
	p.created = append(p.created, c)
}

func testRegistry(ms *store.MemoryStore, expiry time.Duration) *registry.Registry {
	return registry.New(ms, registry.Config{
		InitialPrice:   decimal.NewFromInt(100),
		VolatilityMin:  0.01,
		VolatilityMax:  0.05,
		DriftStddev:    0.005,
		ExpiryMin:      expiry,
		ExpiryMax:      expiry,
		SymbolLength:   3,
		SymbolAlphabet: "ABCDEFGHIJKLMNOPQRSTUVWXYZ",
	}, rand.New(rand.NewPCG(1, 2)))
}

func TestPriceTicker_MovesEveryActiveInstrument(t *testing.T) {
	ms := store.NewMemoryStore(100)
	reg := testRegistry(ms, time.Hour)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 4; i++ {
		_, err := reg.Create(ctx, now)
		require.NoError(t, err)
	}

	pub := &capturingPublisher{}
	gen := gbm.NewGenerator(time.Second, func() float64 { return 1.0 })
	ticker := NewPriceTicker(reg, gen, pub, time.Second)

	ticker.tick(ctx, now.Add(time.Second))

	require.Len(t, pub.updates, 4)
	require.Len(t, pub.batches, 1)
	require.Len(t, pub.batches[0], 4)

	// Z = 1 moves every price up from its start.
	for _, u := range pub.updates {
		require.True(t, u.Price.GreaterThan(decimal.NewFromInt(100)),
			"symbol %s price %s did not move up", u.Symbol, u.Price)
		inst, err := reg.Get(ctx, u.Symbol)
		require.NoError(t, err)
		require.True(t, inst.CurrentPrice.Equal(u.Price))
	}
}

func TestPriceTicker_SkipsSettledInstruments(t *testing.T) {
	ms := store.NewMemoryStore(100)
	reg := testRegistry(ms, time.Hour)
	ctx := context.Background()
	now := time.Now().UTC()

	inst, err := reg.Create(ctx, now)
	require.NoError(t, err)
	final := inst.CurrentPrice
	_, err = ms.SettleInstrument(ctx, inst.Symbol, final, now)
	require.NoError(t, err)

	pub := &capturingPublisher{}
	gen := gbm.NewGenerator(time.Second, func() float64 { return 1.0 })
	ticker := NewPriceTicker(reg, gen, pub, time.Second)
	ticker.tick(ctx, now.Add(time.Second))

	require.Empty(t, pub.updates)
	got, err := reg.Get(ctx, inst.Symbol)
	require.NoError(t, err)
	require.True(t, got.CurrentPrice.Equal(final))
}

func TestLifecycle_SeedFillsPool(t *testing.T) {
	ms := store.NewMemoryStore(100)
	reg := testRegistry(ms, time.Hour)
	proc := settlement.NewProcessor(reg, ms)
	lc := NewLifecycle(reg, proc, ms, nil, time.Minute, 16, 0)
	ctx := context.Background()

	require.NoError(t, lc.Seed(ctx))
	active, err := reg.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 16)

	// Seeding again must not over-create.
	require.NoError(t, lc.Seed(ctx))
	active, err = reg.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 16)
}

// seedExpiring inserts an instrument that expires at the given time.
func seedExpiring(t *testing.T, ms *store.MemoryStore, symbol string, expiresAt time.Time) {
	t.Helper()
	require.NoError(t, ms.CreateInstrument(context.Background(), &model.Instrument{
		Symbol:       symbol,
		InitialPrice: decimal.NewFromInt(100),
		CurrentPrice: decimal.NewFromInt(100),
		Volatility:   decimal.NewFromFloat(0.05),
		CreatedAt:    expiresAt.Add(-time.Minute),
		ExpiresAt:    expiresAt,
		Active:       true,
	}))
}

func TestLifecycle_CycleSettlesAndReplenishes(t *testing.T) {
	ms := store.NewMemoryStore(100)
	reg := testRegistry(ms, time.Hour) // replacements live well past the cycle
	proc := settlement.NewProcessor(reg, ms)
	pub := &capturingPublisher{}
	lc := NewLifecycle(reg, proc, ms, pub, time.Minute, 3, 0)
	ctx := context.Background()

	now := time.Now().UTC()
	seedExpiring(t, ms, "AAA", now.Add(time.Minute))
	seedExpiring(t, ms, "BBB", now.Add(time.Minute))
	seedExpiring(t, ms, "CCC", now.Add(time.Minute))

	// All three expire; the cycle settles them and mints replacements.
	lc.cycle(ctx, now.Add(2*time.Minute))

	after, err := reg.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, after, 3)
	for _, inst := range after {
		require.True(t, inst.Active)
	}

	all, err := reg.List(ctx)
	require.NoError(t, err)
	settledCount := 0
	for _, inst := range all {
		if !inst.Active {
			settledCount++
		}
	}
	require.Equal(t, 3, settledCount)

	require.Len(t, pub.settled, 1)
	require.Len(t, pub.settled[0], 3)
	require.Len(t, pub.created[0], 3)
}

func TestLifecycle_CycleIsIdempotent(t *testing.T) {
	ms := store.NewMemoryStore(100)
	reg := testRegistry(ms, time.Hour)
	proc := settlement.NewProcessor(reg, ms)
	lc := NewLifecycle(reg, proc, ms, nil, time.Minute, 3, 0)
	ctx := context.Background()

	now := time.Now().UTC()
	seedExpiring(t, ms, "AAA", now.Add(time.Minute))
	seedExpiring(t, ms, "BBB", now.Add(time.Minute))
	seedExpiring(t, ms, "CCC", now.Add(time.Minute))

	at := now.Add(2 * time.Minute)
	lc.cycle(ctx, at)
	lc.cycle(ctx, at)

	// Replacements expire well after `at`, so the second cycle finds
	// nothing to settle and nothing missing.
	all, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 6)
}

func TestLifecycle_PurgesOldInstruments(t *testing.T) {
	ms := store.NewMemoryStore(100)
	reg := testRegistry(ms, time.Hour)
	proc := settlement.NewProcessor(reg, ms)
	lc := NewLifecycle(reg, proc, ms, nil, time.Minute, 0, 24*time.Hour)
	ctx := context.Background()

	inst, err := reg.Create(ctx, time.Now().UTC())
	require.NoError(t, err)
	_, err = ms.SettleInstrument(ctx, inst.Symbol, inst.CurrentPrice, time.Now().UTC().Add(-48*time.Hour))
	require.NoError(t, err)

	lc.cycle(ctx, time.Now().UTC())

	_, err = reg.Get(ctx, inst.Symbol)
	require.ErrorIs(t, err, registry.ErrNotFound)
}

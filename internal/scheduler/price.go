package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/martingale/market-engine/internal/gbm"
	"github.com/martingale/market-engine/internal/metrics"
	"github.com/martingale/market-engine/internal/registry"
)

// PriceTicker drives every active instrument through one GBM step per
// tick. Each instrument's update is independently atomic: a failure on one
// instrument is logged and skipped, and that instrument retains its last
// known price until the next tick.
type PriceTicker struct {
	registry  *registry.Registry
	generator *gbm.Generator
	publisher Publisher
	interval  time.Duration
}

// NewPriceTicker creates the price driver.
func NewPriceTicker(reg *registry.Registry, gen *gbm.Generator, pub Publisher, interval time.Duration) *PriceTicker {
	if pub == nil {
		pub = NopPublisher{}
	}
	return &PriceTicker{registry: reg, generator: gen, publisher: pub, interval: interval}
}

// Run ticks on a fixed interval until ctx is cancelled. The loop body runs
// to completion before the next tick is consumed, so cycles never overlap
// themselves; ticks that fall due mid-cycle are coalesced by the ticker.
// Cancellation is checked only between cycles, so an in-flight cycle
// finishes before shutdown.
func (t *PriceTicker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			t.tick(ctx, now.UTC())
		}
	}
}

func (t *PriceTicker) tick(ctx context.Context, now time.Time) {
	active, err := t.registry.ListActive(ctx)
	if err != nil {
		slog.Error("price tick: list active instruments", "err", err)
		return
	}

	updates := make([]PriceUpdate, 0, len(active))
	for _, inst := range active {
		next, err := t.generator.Next(inst.CurrentPrice, inst.Volatility, inst.Drift)
		if err != nil {
			// Fail closed: the instrument keeps its previous price.
			metrics.PriceTickErrors.Inc()
			slog.Warn("price tick: generator rejected step",
				"symbol", inst.Symbol, "err", err)
			continue
		}

		if err := t.registry.MutatePrice(ctx, inst.Symbol, next, now); err != nil {
			metrics.PriceTickErrors.Inc()
			slog.Warn("price tick: write failed", "symbol", inst.Symbol, "err", err)
			continue
		}

		metrics.PriceTicksTotal.Inc()
		update := PriceUpdate{Symbol: inst.Symbol, Price: next, Time: now}
		t.publisher.PublishPriceUpdate(update)
		updates = append(updates, update)
	}

	metrics.ActiveInstruments.Set(float64(len(active)))
	if len(updates) > 0 {
		t.publisher.PublishPriceBatch(updates)
	}
}

// Package settlement liquidates all open positions in an expiring
// instrument at its final price. Settlement of one instrument is a single
// atomic unit of work: either every holder is credited and the instrument
// marked inactive, or the instrument stays active and unsettled for retry
// on the next lifecycle cycle.
package settlement

import (
	"context"
	"log/slog"
	"time"

	"github.com/martingale/market-engine/internal/metrics"
	"github.com/martingale/market-engine/internal/model"
	"github.com/martingale/market-engine/internal/registry"
	"github.com/martingale/market-engine/internal/store"
)

// Processor settles expired instruments.
type Processor struct {
	registry *registry.Registry
	store    store.Store
}

// NewProcessor creates a settlement processor.
func NewProcessor(reg *registry.Registry, st store.Store) *Processor {
	return &Processor{registry: reg, store: st}
}

// Settle liquidates all positions in the instrument at its current price.
// The instrument's lock is held for the duration so no price tick can land
// mid-settlement; the current price read under the lock becomes the final
// price. Settling an already-inactive instrument is a no-op.
func (p *Processor) Settle(ctx context.Context, symbol string) (*model.SettlementStats, error) {
	var stats *model.SettlementStats
	settledNow := false

	err := p.registry.WithInstrumentLock(symbol, func() error {
		inst, err := p.registry.Get(ctx, symbol)
		if err != nil {
			return err
		}
		if !inst.Active {
			final := inst.CurrentPrice
			if inst.FinalPrice != nil {
				final = *inst.FinalPrice
			}
			stats = &model.SettlementStats{Symbol: symbol, FinalPrice: final}
			return nil
		}

		now := time.Now().UTC()
		stats, err = p.store.SettleInstrument(ctx, symbol, inst.CurrentPrice, now)
		if err != nil {
			return err
		}
		settledNow = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if settledNow {
		metrics.SettlementsTotal.Inc()
		metrics.SettledPositionsTotal.Add(float64(stats.PositionsSettled))
		slog.Info("instrument settled",
			"symbol", symbol,
			"final_price", stats.FinalPrice.String(),
			"positions", stats.PositionsSettled,
			"total_value", stats.TotalValue.String(),
		)
	}
	return stats, nil
}

// Package scheduler contains the engine's two periodic drivers: the price
// ticker, which evolves every active instrument's price each tick, and the
// lifecycle manager, which settles expired instruments and replenishes the
// pool. The drivers communicate only through the registry, never with each
// other, so their failure domains stay isolated.
package scheduler

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/martingale/market-engine/internal/model"
)

// PriceUpdate is one instrument's tick result.
type PriceUpdate struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	Time   time.Time       `json:"time"`
}

// Publisher is the best-effort broadcast channel the drivers emit events
// on. Delivery is at-most-once; all authoritative state lives in the
// store, so a lost event never leaves state inconsistent.
type Publisher interface {
	// PublishPriceUpdate announces one instrument's new price.
	PublishPriceUpdate(update PriceUpdate)

	// PublishPriceBatch announces all prices updated in one tick.
	PublishPriceBatch(updates []PriceUpdate)

	// PublishInstrumentsChanged summarizes one lifecycle cycle: the
	// settlements performed and the replacement instruments created.
	PublishInstrumentsChanged(settled []model.SettlementStats, created []model.Instrument)
}

// NopPublisher discards all events. Useful in tests.
type NopPublisher struct{}

func (NopPublisher) PublishPriceUpdate(PriceUpdate)  {}
func (NopPublisher) PublishPriceBatch([]PriceUpdate) {}
func (NopPublisher) PublishInstrumentsChanged([]model.SettlementStats, []model.Instrument) {}

// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade sides / ledger entry types.
const (
	SideBuy        = "buy"
	SideSell       = "sell"
	TypeSettlement = "settlement"
)

// Instrument is a tradeable synthetic asset whose price follows a
// geometric Brownian motion while active. Once Active is false the
// price fields are frozen and never mutated again.
type Instrument struct {
	Symbol       string           `json:"symbol" db:"symbol"`
	InitialPrice decimal.Decimal  `json:"initial_price" db:"initial_price"`
	CurrentPrice decimal.Decimal  `json:"current_price" db:"current_price"`
	Volatility   decimal.Decimal  `json:"volatility" db:"volatility"` // σ, per-tick log-return stddev
	Drift        decimal.Decimal  `json:"drift" db:"drift"`           // μ, per-tick mean log-return
	CreatedAt    time.Time        `json:"created_at" db:"created_at"`
	ExpiresAt    time.Time        `json:"expires_at" db:"expires_at"`
	Active       bool             `json:"active" db:"active"`
	FinalPrice   *decimal.Decimal `json:"final_price,omitempty" db:"final_price"`
	SettledAt    *time.Time       `json:"settled_at,omitempty" db:"settled_at"`
}

// TimeToExpiry returns the remaining lifetime relative to now.
// Negative once the instrument is due for settlement.
func (i *Instrument) TimeToExpiry(now time.Time) time.Duration {
	return i.ExpiresAt.Sub(now)
}

// Expired reports whether the instrument's expiration timestamp has passed.
func (i *Instrument) Expired(now time.Time) bool {
	return !i.ExpiresAt.After(now)
}

// Account holds one trader's cash balance.
type Account struct {
	ID        string          `json:"id" db:"id"`
	Cash      decimal.Decimal `json:"cash" db:"cash"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Position is one account's holding in one instrument. Quantity reaching
// zero does not delete the record; it represents "no position".
type Position struct {
	AccountID   string          `json:"account_id" db:"account_id"`
	Symbol      string          `json:"symbol" db:"symbol"`
	Quantity    decimal.Decimal `json:"quantity" db:"quantity"`
	CostBasis   decimal.Decimal `json:"cost_basis" db:"cost_basis"`     // Σ quantity×price over buys
	RealizedPnL decimal.Decimal `json:"realized_pnl" db:"realized_pnl"` // accumulated over sells
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// AverageCost returns the volume-weighted average entry price, or zero
// when the position is empty (cost basis is only meaningful while
// quantity > 0).
func (p *Position) AverageCost() decimal.Decimal {
	if p.Quantity.IsZero() {
		return decimal.Zero
	}
	return p.CostBasis.Div(p.Quantity)
}

// PositionView is a position enriched with mark-to-market fields for
// portfolio queries.
type PositionView struct {
	Position
	AverageCost   decimal.Decimal `json:"average_cost"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	CurrentValue  decimal.Decimal `json:"current_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"` // quantity × (current price − average cost)
}

// Portfolio aggregates an account's cash and open positions.
type Portfolio struct {
	AccountID     string          `json:"account_id"`
	Cash          decimal.Decimal `json:"cash"`
	Positions     []PositionView  `json:"positions"`
	TotalValue    decimal.Decimal `json:"total_value"` // cash + Σ current values
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
}

// SettlementRecord is an immutable audit entry created exactly once per
// (account, expiring instrument) pair with a non-zero quantity.
type SettlementRecord struct {
	ID              string          `json:"id" db:"id"`
	AccountID       string          `json:"account_id" db:"account_id"`
	Symbol          string          `json:"symbol" db:"symbol"`
	Quantity        decimal.Decimal `json:"quantity" db:"quantity"`
	SettlementPrice decimal.Decimal `json:"settlement_price" db:"settlement_price"`
	SettlementValue decimal.Decimal `json:"settlement_value" db:"settlement_value"`
	Timestamp       time.Time       `json:"timestamp" db:"timestamp"`
}

// LedgerEntry is an immutable record of a balance-changing event.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID         string          `json:"id" db:"id"`
	AccountID  string          `json:"account_id" db:"account_id"`
	Symbol     string          `json:"symbol" db:"symbol"`
	Type       string          `json:"type" db:"type"` // "buy", "sell", or "settlement"
	Quantity   decimal.Decimal `json:"quantity" db:"quantity"`
	Price      decimal.Decimal `json:"price" db:"price"`
	TotalValue decimal.Decimal `json:"total_value" db:"total_value"`
	Timestamp  time.Time       `json:"timestamp" db:"timestamp"`
}

// SettlementStats aggregates the outcome of settling one expired
// instrument, for logging and downstream notification.
type SettlementStats struct {
	Symbol           string             `json:"symbol"`
	FinalPrice       decimal.Decimal    `json:"final_price"`
	PositionsSettled int                `json:"positions_settled"`
	TotalValue       decimal.Decimal    `json:"total_value"`
	Records          []SettlementRecord `json:"records,omitempty"`
}

// PricePoint is one sample of an instrument's price history.
type PricePoint struct {
	Time  time.Time       `json:"time"`
	Price decimal.Decimal `json:"price"`
}

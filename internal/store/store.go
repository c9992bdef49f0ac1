// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/martingale/market-engine/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when creating an instrument whose
	// symbol collides with a currently active one.
	ErrAlreadyExists = errors.New("store: instrument already exists")

	// ErrInstrumentInactive is returned when a trade mutation targets an
	// instrument that has already been settled.
	ErrInstrumentInactive = errors.New("store: instrument is inactive")

	// ErrInsufficientCash is returned when a trade mutation would drive
	// an account's cash balance negative.
	ErrInsufficientCash = errors.New("store: insufficient cash")

	// ErrInsufficientHoldings is returned when a trade mutation would
	// drive a position's quantity negative.
	ErrInsufficientHoldings = errors.New("store: insufficient holdings")
)

// TradeMutation is the atomic state change produced by one validated
// trade. Deltas are signed: a buy has negative CashDelta and positive
// QuantityDelta. The store applies the whole mutation atomically and
// re-checks the non-negativity invariants under its own lock or
// transaction, so concurrent trades can never overdraw cash or holdings.
type TradeMutation struct {
	AccountID        string
	Symbol           string
	CashDelta        decimal.Decimal
	QuantityDelta    decimal.Decimal
	CostBasisDelta   decimal.Decimal
	RealizedPnLDelta decimal.Decimal
	Entry            model.LedgerEntry
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Instrument operations ---

	// CreateInstrument persists a new instrument. Fails with
	// ErrAlreadyExists if its symbol collides with an active instrument.
	CreateInstrument(ctx context.Context, inst *model.Instrument) error

	// GetInstrument retrieves an instrument by symbol.
	GetInstrument(ctx context.Context, symbol string) (*model.Instrument, error)

	// ListInstruments returns all instruments, or only active ones.
	ListInstruments(ctx context.Context, activeOnly bool) ([]model.Instrument, error)

	// UpdateInstrumentPrice writes a new tick price and appends it to the
	// bounded price history. No-op when the instrument is inactive, so a
	// stale scheduler tick can never resurrect a settled instrument.
	UpdateInstrumentPrice(ctx context.Context, symbol string, price decimal.Decimal, at time.Time) error

	// PriceHistory returns up to limit most recent price points.
	PriceHistory(ctx context.Context, symbol string, limit int) ([]model.PricePoint, error)

	// PurgeInstrumentsBefore removes inactive instruments settled before
	// the cutoff, returning the purged symbols so callers can release
	// any per-symbol state they hold.
	PurgeInstrumentsBefore(ctx context.Context, cutoff time.Time) ([]string, error)

	// --- Accounts and positions ---

	// EnsureAccount returns the account, creating it with the given
	// starting cash on first use.
	EnsureAccount(ctx context.Context, id string, initialCash decimal.Decimal) (*model.Account, error)

	// GetAccount retrieves an account by ID.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// GetPosition returns the account's position in one instrument. A
	// never-traded pair yields a zeroed position, not an error.
	GetPosition(ctx context.Context, accountID, symbol string) (*model.Position, error)

	// ListPositionsByAccount returns all of an account's positions.
	ListPositionsByAccount(ctx context.Context, accountID string) ([]model.Position, error)

	// ListHolders returns every position with non-zero quantity in the
	// given instrument.
	ListHolders(ctx context.Context, symbol string) ([]model.Position, error)

	// OpenInterest returns the summed quantity held across all accounts.
	OpenInterest(ctx context.Context, symbol string) (decimal.Decimal, error)

	// --- Mutations ---

	// ApplyTrade applies one trade's cash/position deltas and appends the
	// ledger entry as a single atomic unit.
	ApplyTrade(ctx context.Context, m TradeMutation) error

	// SettleInstrument liquidates every non-zero position in the
	// instrument at finalPrice, crediting holders, recording settlement
	// and ledger entries, and marking the instrument inactive — all as
	// one atomic unit. Settling an already-inactive instrument is a
	// no-op returning empty stats.
	SettleInstrument(ctx context.Context, symbol string, finalPrice decimal.Decimal, at time.Time) (*model.SettlementStats, error)

	// --- Audit queries ---

	// ListLedger returns up to limit most recent ledger entries for an account.
	ListLedger(ctx context.Context, accountID string, limit int) ([]model.LedgerEntry, error)

	// ListSettlements returns all settlement records for an account.
	ListSettlements(ctx context.Context, accountID string) ([]model.SettlementRecord, error)
}

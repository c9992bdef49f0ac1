package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/martingale/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
// A single mutex makes every mutation — including whole-instrument
// settlement — atomic.
type MemoryStore struct {
	mu           sync.RWMutex
	historyDepth int
	instruments  map[string]*model.Instrument
	history      map[string][]model.PricePoint
	accounts     map[string]*model.Account
	positions    map[string]map[string]*model.Position // accountID → symbol → position
	ledger       []model.LedgerEntry
	settlements  []model.SettlementRecord
}

// NewMemoryStore creates a new in-memory store keeping at most
// historyDepth price points per instrument.
func NewMemoryStore(historyDepth int) *MemoryStore {
	if historyDepth < 1 {
		historyDepth = 1
	}
	return &MemoryStore{
		historyDepth: historyDepth,
		instruments:  make(map[string]*model.Instrument),
		history:      make(map[string][]model.PricePoint),
		accounts:     make(map[string]*model.Account),
		positions:    make(map[string]map[string]*model.Position),
	}
}

func (s *MemoryStore) CreateInstrument(_ context.Context, inst *model.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.instruments[inst.Symbol]; ok {
		if existing.Active {
			return ErrAlreadyExists
		}
		// Symbol reuse after expiry is allowed; the old history resets.
		delete(s.history, inst.Symbol)
	}

	cp := *inst
	s.instruments[inst.Symbol] = &cp
	s.history[inst.Symbol] = append(s.history[inst.Symbol], model.PricePoint{
		Time:  inst.CreatedAt,
		Price: inst.CurrentPrice,
	})
	return nil
}

func (s *MemoryStore) GetInstrument(_ context.Context, symbol string) (*model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instruments[symbol]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

func (s *MemoryStore) ListInstruments(_ context.Context, activeOnly bool) ([]model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Instrument, 0, len(s.instruments))
	for _, inst := range s.instruments {
		if activeOnly && !inst.Active {
			continue
		}
		out = append(out, *inst)
	}
	return out, nil
}

func (s *MemoryStore) UpdateInstrumentPrice(_ context.Context, symbol string, price decimal.Decimal, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instruments[symbol]
	if !ok {
		return ErrNotFound
	}
	if !inst.Active {
		return nil // settled instruments are frozen
	}
	inst.CurrentPrice = price

	h := append(s.history[symbol], model.PricePoint{Time: at, Price: price})
	if len(h) > s.historyDepth {
		h = h[len(h)-s.historyDepth:]
	}
	s.history[symbol] = h
	return nil
}

func (s *MemoryStore) PriceHistory(_ context.Context, symbol string, limit int) ([]model.PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.instruments[symbol]; !ok {
		return nil, ErrNotFound
	}
	h := s.history[symbol]
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	out := make([]model.PricePoint, len(h))
	copy(out, h)
	return out, nil
}

func (s *MemoryStore) PurgeInstrumentsBefore(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged []string
	for symbol, inst := range s.instruments {
		if inst.Active || inst.SettledAt == nil || !inst.SettledAt.Before(cutoff) {
			continue
		}
		delete(s.instruments, symbol)
		delete(s.history, symbol)
		purged = append(purged, symbol)
	}
	return purged, nil
}

func (s *MemoryStore) EnsureAccount(_ context.Context, id string, initialCash decimal.Decimal) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acct, ok := s.accounts[id]; ok {
		cp := *acct
		return &cp, nil
	}
	acct := &model.Account{ID: id, Cash: initialCash, CreatedAt: time.Now().UTC()}
	s.accounts[id] = acct
	cp := *acct
	return &cp, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *acct
	return &cp, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, accountID, symbol string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if pos, ok := s.positions[accountID][symbol]; ok {
		cp := *pos
		return &cp, nil
	}
	return &model.Position{
		AccountID: accountID,
		Symbol:    symbol,
		Quantity:  decimal.Zero,
		CostBasis: decimal.Zero,
	}, nil
}

func (s *MemoryStore) ListPositionsByAccount(_ context.Context, accountID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, pos := range s.positions[accountID] {
		out = append(out, *pos)
	}
	return out, nil
}

func (s *MemoryStore) ListHolders(_ context.Context, symbol string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.holdersLocked(symbol), nil
}

func (s *MemoryStore) holdersLocked(symbol string) []model.Position {
	var out []model.Position
	for _, bySymbol := range s.positions {
		if pos, ok := bySymbol[symbol]; ok && pos.Quantity.IsPositive() {
			out = append(out, *pos)
		}
	}
	return out
}

func (s *MemoryStore) OpenInterest(_ context.Context, symbol string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	for _, bySymbol := range s.positions {
		if pos, ok := bySymbol[symbol]; ok {
			total = total.Add(pos.Quantity)
		}
	}
	return total, nil
}

func (s *MemoryStore) ApplyTrade(_ context.Context, m TradeMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instruments[m.Symbol]
	if !ok {
		return ErrNotFound
	}
	if !inst.Active {
		return ErrInstrumentInactive
	}

	acct, ok := s.accounts[m.AccountID]
	if !ok {
		return ErrNotFound
	}

	newCash := acct.Cash.Add(m.CashDelta)
	if newCash.IsNegative() {
		return ErrInsufficientCash
	}

	pos := s.positionLocked(m.AccountID, m.Symbol)
	newQty := pos.Quantity.Add(m.QuantityDelta)
	if newQty.IsNegative() {
		return ErrInsufficientHoldings
	}

	acct.Cash = newCash
	pos.Quantity = newQty
	pos.CostBasis = pos.CostBasis.Add(m.CostBasisDelta)
	if pos.Quantity.IsZero() || pos.CostBasis.IsNegative() {
		pos.CostBasis = decimal.Zero
	}
	pos.RealizedPnL = pos.RealizedPnL.Add(m.RealizedPnLDelta)
	pos.UpdatedAt = m.Entry.Timestamp

	s.ledger = append(s.ledger, m.Entry)
	return nil
}

// positionLocked returns the live position record, creating it on demand.
// Caller must hold the write lock.
func (s *MemoryStore) positionLocked(accountID, symbol string) *model.Position {
	bySymbol, ok := s.positions[accountID]
	if !ok {
		bySymbol = make(map[string]*model.Position)
		s.positions[accountID] = bySymbol
	}
	pos, ok := bySymbol[symbol]
	if !ok {
		pos = &model.Position{
			AccountID: accountID,
			Symbol:    symbol,
			Quantity:  decimal.Zero,
			CostBasis: decimal.Zero,
		}
		bySymbol[symbol] = pos
	}
	return pos
}

func (s *MemoryStore) SettleInstrument(_ context.Context, symbol string, finalPrice decimal.Decimal, at time.Time) (*model.SettlementStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instruments[symbol]
	if !ok {
		return nil, ErrNotFound
	}

	stats := &model.SettlementStats{Symbol: symbol, FinalPrice: finalPrice, TotalValue: decimal.Zero}
	if !inst.Active {
		// Already settled: idempotent no-op.
		stats.FinalPrice = inst.CurrentPrice
		return stats, nil
	}

	for accountID, bySymbol := range s.positions {
		pos, held := bySymbol[symbol]
		if !held || !pos.Quantity.IsPositive() {
			continue
		}

		value := pos.Quantity.Mul(finalPrice)
		acct := s.accounts[accountID]
		acct.Cash = acct.Cash.Add(value)

		rec := model.SettlementRecord{
			ID:              uuid.New().String(),
			AccountID:       accountID,
			Symbol:          symbol,
			Quantity:        pos.Quantity,
			SettlementPrice: finalPrice,
			SettlementValue: value,
			Timestamp:       at,
		}
		s.settlements = append(s.settlements, rec)
		s.ledger = append(s.ledger, model.LedgerEntry{
			ID:         uuid.New().String(),
			AccountID:  accountID,
			Symbol:     symbol,
			Type:       model.TypeSettlement,
			Quantity:   pos.Quantity,
			Price:      finalPrice,
			TotalValue: value,
			Timestamp:  at,
		})

		pos.RealizedPnL = pos.RealizedPnL.Add(value.Sub(pos.CostBasis))
		pos.Quantity = decimal.Zero
		pos.CostBasis = decimal.Zero
		pos.UpdatedAt = at

		stats.PositionsSettled++
		stats.TotalValue = stats.TotalValue.Add(value)
		stats.Records = append(stats.Records, rec)
	}

	inst.Active = false
	inst.CurrentPrice = finalPrice
	fp := finalPrice
	inst.FinalPrice = &fp
	settled := at
	inst.SettledAt = &settled

	return stats, nil
}

func (s *MemoryStore) ListLedger(_ context.Context, accountID string, limit int) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.LedgerEntry
	for _, e := range s.ledger {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) ListSettlements(_ context.Context, accountID string) ([]model.SettlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.SettlementRecord
	for _, r := range s.settlements {
		if r.AccountID == accountID {
			out = append(out, r)
		}
	}
	return out, nil
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/martingale/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary. Instrument prices churn
// every tick, so instrument entries are invalidated rather than rewritten.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{primary: primary, rdb: rdb, ttl: ttl}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateInstrument(ctx context.Context, inst *model.Instrument) error {
	if err := s.primary.CreateInstrument(ctx, inst); err != nil {
		return err
	}
	s.cacheInstrument(ctx, inst)
	return nil
}

func (s *CachedStore) UpdateInstrumentPrice(ctx context.Context, symbol string, price decimal.Decimal, at time.Time) error {
	if err := s.primary.UpdateInstrumentPrice(ctx, symbol, price, at); err != nil {
		return err
	}
	s.rdb.Del(ctx, instrumentKey(symbol))
	return nil
}

func (s *CachedStore) ApplyTrade(ctx context.Context, m TradeMutation) error {
	if err := s.primary.ApplyTrade(ctx, m); err != nil {
		return err
	}
	s.rdb.Del(ctx, accountKey(m.AccountID), positionsKey(m.AccountID))
	return nil
}

func (s *CachedStore) SettleInstrument(ctx context.Context, symbol string, finalPrice decimal.Decimal, at time.Time) (*model.SettlementStats, error) {
	stats, err := s.primary.SettleInstrument(ctx, symbol, finalPrice, at)
	if err != nil {
		return nil, err
	}
	keys := []string{instrumentKey(symbol)}
	for _, rec := range stats.Records {
		keys = append(keys, accountKey(rec.AccountID), positionsKey(rec.AccountID))
	}
	s.rdb.Del(ctx, keys...)
	return stats, nil
}

func (s *CachedStore) PurgeInstrumentsBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	// Purged instruments may linger in cache until TTL; they are inactive
	// and frozen, so stale reads are harmless.
	return s.primary.PurgeInstrumentsBefore(ctx, cutoff)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetInstrument(ctx context.Context, symbol string) (*model.Instrument, error) {
	data, err := s.rdb.Get(ctx, instrumentKey(symbol)).Bytes()
	if err == nil {
		var inst model.Instrument
		if json.Unmarshal(data, &inst) == nil {
			return &inst, nil
		}
	}

	inst, err := s.primary.GetInstrument(ctx, symbol)
	if err != nil {
		return nil, err
	}
	s.cacheInstrument(ctx, inst)
	return inst, nil
}

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	data, err := s.rdb.Get(ctx, accountKey(id)).Bytes()
	if err == nil {
		var acct model.Account
		if json.Unmarshal(data, &acct) == nil {
			return &acct, nil
		}
	}

	acct, err := s.primary.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(acct); err == nil {
		s.rdb.Set(ctx, accountKey(id), data, s.ttl)
	}
	return acct, nil
}

func (s *CachedStore) ListPositionsByAccount(ctx context.Context, accountID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(accountID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListPositionsByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(accountID), data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListInstruments(ctx context.Context, activeOnly bool) ([]model.Instrument, error) {
	return s.primary.ListInstruments(ctx, activeOnly)
}

func (s *CachedStore) PriceHistory(ctx context.Context, symbol string, limit int) ([]model.PricePoint, error) {
	return s.primary.PriceHistory(ctx, symbol, limit)
}

func (s *CachedStore) EnsureAccount(ctx context.Context, id string, initialCash decimal.Decimal) (*model.Account, error) {
	return s.primary.EnsureAccount(ctx, id, initialCash)
}

func (s *CachedStore) GetPosition(ctx context.Context, accountID, symbol string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, accountID, symbol)
}

func (s *CachedStore) ListHolders(ctx context.Context, symbol string) ([]model.Position, error) {
	return s.primary.ListHolders(ctx, symbol)
}

func (s *CachedStore) OpenInterest(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return s.primary.OpenInterest(ctx, symbol)
}

func (s *CachedStore) ListLedger(ctx context.Context, accountID string, limit int) ([]model.LedgerEntry, error) {
	return s.primary.ListLedger(ctx, accountID, limit)
}

func (s *CachedStore) ListSettlements(ctx context.Context, accountID string) ([]model.SettlementRecord, error) {
	return s.primary.ListSettlements(ctx, accountID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheInstrument(ctx context.Context, inst *model.Instrument) {
	if data, err := json.Marshal(inst); err == nil {
		s.rdb.Set(ctx, instrumentKey(inst.Symbol), data, s.ttl)
	}
}

func instrumentKey(symbol string) string { return fmt.Sprintf("instrument:%s", symbol) }
func accountKey(id string) string        { return fmt.Sprintf("account:%s", id) }
func positionsKey(id string) string      { return fmt.Sprintf("positions:%s", id) }

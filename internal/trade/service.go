package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/martingale/market-engine/internal/model"
	"github.com/martingale/market-engine/internal/registry"
	"github.com/martingale/market-engine/internal/store"
)

// ErrMissingAccount is returned when a trade request has no account ID.
var ErrMissingAccount = errors.New("trade: account_id is required")

// Service executes trades and serves the engine's query API. Trades on the
// same (account, symbol) pair are serialized through a keyed mutex so
// concurrent sells can never deplete a position past zero; trades on
// unrelated pairs proceed fully in parallel. Cash, which spans symbols, is
// additionally guarded by the store's atomic non-negativity check.
type Service struct {
	store       store.Store
	registry    *registry.Registry
	validator   *Validator
	hub         *WSHub // optional WebSocket hub for real-time broadcasts
	initialCash decimal.Decimal

	locks sync.Map // "account|symbol" → *sync.Mutex
}

// NewService creates a trade service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, reg *registry.Registry, v *Validator, hub *WSHub, initialCash decimal.Decimal) *Service {
	return &Service{
		store:       st,
		registry:    reg,
		validator:   v,
		hub:         hub,
		initialCash: initialCash,
	}
}

// TradeRequest is one buy/sell order against one instrument.
type TradeRequest struct {
	AccountID string          `json:"account_id"`
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"` // "buy" or "sell"
	Quantity  decimal.Decimal `json:"quantity"`
}

// PositionSummary is the position snapshot included in trade results.
type PositionSummary struct {
	Quantity    decimal.Decimal `json:"quantity"`
	AverageCost decimal.Decimal `json:"average_cost"`
	CostBasis   decimal.Decimal `json:"cost_basis"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// TradeResult carries the realized trade back to the caller.
type TradeResult struct {
	TradeID    string          `json:"trade_id"`
	AccountID  string          `json:"account_id"`
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	TotalValue decimal.Decimal `json:"total_value"`
	Cash       decimal.Decimal `json:"cash"`
	Position   PositionSummary `json:"position"`
}

// Execute runs the five-stage validation pipeline and, only once every
// stage has passed, applies the trade atomically. Any rejection happens
// before the first mutation.
func (s *Service) Execute(ctx context.Context, req TradeRequest) (*TradeResult, error) {
	if strings.TrimSpace(req.AccountID) == "" {
		return nil, ErrMissingAccount
	}

	// Stage 1: input validation.
	symbol, side, qty, err := s.validator.ValidateInput(req.Symbol, req.Side, req.Quantity)
	if err != nil {
		return nil, err
	}

	mu := s.lockFor(req.AccountID, symbol)
	mu.Lock()
	defer mu.Unlock()

	// Stage 2: instrument must exist and be active.
	inst, err := s.registry.Get(ctx, symbol)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstrument, symbol)
	}
	if err != nil {
		return nil, err
	}
	if !inst.Active {
		return nil, fmt.Errorf("%w: %s", ErrInstrumentExpired, symbol)
	}

	// Stage 3: the current price must pass its own sanity bounds.
	price := inst.CurrentPrice
	if err := s.validator.ValidatePrice(price); err != nil {
		return nil, err
	}

	// Stage 4: notional cap.
	total, err := s.validator.ValidateNotional(qty, price)
	if err != nil {
		return nil, err
	}

	// Stage 5: balance / holdings.
	acct, err := s.store.EnsureAccount(ctx, req.AccountID, s.initialCash)
	if err != nil {
		return nil, fmt.Errorf("trade: load account: %w", err)
	}
	pos, err := s.store.GetPosition(ctx, req.AccountID, symbol)
	if err != nil {
		return nil, fmt.Errorf("trade: load position: %w", err)
	}

	m := store.TradeMutation{AccountID: req.AccountID, Symbol: symbol}
	switch side {
	case model.SideBuy:
		if acct.Cash.LessThan(total) {
			return nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientCash, acct.Cash, total)
		}
		m.CashDelta = total.Neg()
		m.QuantityDelta = qty
		m.CostBasisDelta = total

	case model.SideSell:
		if pos.Quantity.LessThan(qty) {
			return nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientShares, pos.Quantity, qty)
		}
		// Selling the whole position releases the exact cost basis;
		// partial sells release the volume-weighted share of it.
		var costSold decimal.Decimal
		if pos.Quantity.Equal(qty) {
			costSold = pos.CostBasis
		} else {
			costSold = pos.AverageCost().Mul(qty).RoundBank(cashScale)
		}
		m.CashDelta = total
		m.QuantityDelta = qty.Neg()
		m.CostBasisDelta = costSold.Neg()
		m.RealizedPnLDelta = total.Sub(costSold)
	}

	m.Entry = model.LedgerEntry{
		ID:         uuid.New().String(),
		AccountID:  req.AccountID,
		Symbol:     symbol,
		Type:       side,
		Quantity:   qty,
		Price:      price,
		TotalValue: total,
		Timestamp:  time.Now().UTC(),
	}

	if err := s.store.ApplyTrade(ctx, m); err != nil {
		// Races lost to settlement or concurrent trades surface here with
		// the same reasons as the up-front checks.
		switch {
		case errors.Is(err, store.ErrInstrumentInactive):
			return nil, fmt.Errorf("%w: %s", ErrInstrumentExpired, symbol)
		case errors.Is(err, store.ErrInsufficientCash):
			return nil, ErrInsufficientCash
		case errors.Is(err, store.ErrInsufficientHoldings):
			return nil, ErrInsufficientShares
		case errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("%w: %s", ErrUnknownInstrument, symbol)
		default:
			return nil, fmt.Errorf("trade: apply: %w", err)
		}
	}

	updatedAcct, err := s.store.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("trade: reload account: %w", err)
	}
	updatedPos, err := s.store.GetPosition(ctx, req.AccountID, symbol)
	if err != nil {
		return nil, fmt.Errorf("trade: reload position: %w", err)
	}

	result := &TradeResult{
		TradeID:    m.Entry.ID,
		AccountID:  req.AccountID,
		Symbol:     symbol,
		Side:       side,
		Quantity:   qty,
		Price:      price,
		TotalValue: total,
		Cash:       updatedAcct.Cash,
		Position: PositionSummary{
			Quantity:    updatedPos.Quantity,
			AverageCost: updatedPos.AverageCost(),
			CostBasis:   updatedPos.CostBasis,
			RealizedPnL: updatedPos.RealizedPnL,
		},
	}

	if s.hub != nil {
		s.hub.PublishTradeConfirmed(result)
	}

	slog.Info("trade executed",
		"trade_id", result.TradeID,
		"account", req.AccountID,
		"symbol", symbol,
		"side", side,
		"qty", qty.String(),
		"price", price.String(),
		"total", total.String(),
	)
	return result, nil
}

func (s *Service) lockFor(accountID, symbol string) *sync.Mutex {
	key := accountID + "|" + symbol
	if mu, ok := s.locks.Load(key); ok {
		return mu.(*sync.Mutex)
	}
	mu, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Portfolio assembles an account's cash and mark-to-market positions.
func (s *Service) Portfolio(ctx context.Context, accountID string) (*model.Portfolio, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	positions, err := s.store.ListPositionsByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	p := &model.Portfolio{
		AccountID:     accountID,
		Cash:          acct.Cash,
		Positions:     []model.PositionView{},
		TotalValue:    acct.Cash,
		UnrealizedPnL: decimal.Zero,
		RealizedPnL:   decimal.Zero,
	}

	for _, pos := range positions {
		p.RealizedPnL = p.RealizedPnL.Add(pos.RealizedPnL)
		if !pos.Quantity.IsPositive() {
			continue
		}

		currentPrice := decimal.Zero
		if inst, err := s.registry.Get(ctx, pos.Symbol); err == nil {
			currentPrice = inst.CurrentPrice
		}

		avg := pos.AverageCost()
		value := pos.Quantity.Mul(currentPrice)
		view := model.PositionView{
			Position:      pos,
			AverageCost:   avg,
			CurrentPrice:  currentPrice,
			CurrentValue:  value,
			UnrealizedPnL: pos.Quantity.Mul(currentPrice.Sub(avg)),
		}
		p.Positions = append(p.Positions, view)
		p.TotalValue = p.TotalValue.Add(value)
		p.UnrealizedPnL = p.UnrealizedPnL.Add(view.UnrealizedPnL)
	}

	return p, nil
}

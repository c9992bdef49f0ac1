package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/martingale/market-engine/internal/model"
	"github.com/martingale/market-engine/internal/registry"
	"github.com/martingale/market-engine/internal/store"
	"github.com/martingale/market-engine/internal/trade"
)

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T) (*trade.Service, *store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore(1000)
	reg := registry.New(ms, registry.Config{}, nil)
	svc := trade.NewService(ms, reg, newValidator(), nil, d(100000))

	r := chi.NewRouter()
	r.Get("/api/v1/instruments", svc.ListInstruments)
	r.Get("/api/v1/instruments/summary", svc.GetInstrumentsSummary)
	r.Get("/api/v1/instruments/{symbol}", svc.GetInstrument)
	r.Get("/api/v1/instruments/{symbol}/history", svc.GetInstrumentHistory)
	r.Post("/api/v1/trade", svc.ExecuteTrade)
	r.Get("/api/v1/portfolio/{accountID}", svc.GetPortfolio)
	r.Get("/api/v1/portfolio/{accountID}/settlements", svc.GetSettlements)
	r.Get("/api/v1/portfolio/{accountID}/ledger", svc.GetLedger)

	return svc, ms, r
}

// seedInstrument creates a test instrument directly in the store.
func seedInstrument(t *testing.T, ms *store.MemoryStore, symbol string, price float64) *model.Instrument {
	t.Helper()
	now := time.Now().UTC()
	inst := &model.Instrument{
		Symbol:       symbol,
		InitialPrice: d(price),
		CurrentPrice: d(price),
		Volatility:   d(0.05),
		Drift:        decimal.Zero,
		CreatedAt:    now,
		ExpiresAt:    now.Add(time.Hour),
		Active:       true,
	}
	require.NoError(t, ms.CreateInstrument(context.Background(), inst))
	return inst
}

func doTrade(t *testing.T, router chi.Router, req trade.TradeRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(req)
	httpReq := httptest.NewRequest("POST", "/api/v1/trade", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httpReq)
	return w
}

func doGet(t *testing.T, router chi.Router, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
	return w
}

// --- Trade execution tests ---

func TestExecuteTrade_Buy(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedInstrument(t, ms, "ABC", 100)

	w := doTrade(t, router, trade.TradeRequest{
		AccountID: "alice", Symbol: "ABC", Side: "buy", Quantity: d(10),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res trade.TradeResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Equal(t, "buy", res.Side)
	require.True(t, res.TotalValue.Equal(d(1000)))
	require.True(t, res.Cash.Equal(d(99000)))
	require.True(t, res.Position.Quantity.Equal(d(10)))
	require.True(t, res.Position.AverageCost.Equal(d(100)))
	require.NotEmpty(t, res.TradeID)
}

func TestExecuteTrade_SellRealizesPnL(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedInstrument(t, ms, "ABC", 100)

	w := doTrade(t, router, trade.TradeRequest{
		AccountID: "alice", Symbol: "ABC", Side: "buy", Quantity: d(10),
	})
	require.Equal(t, http.StatusOK, w.Code)

	// Price moves up before the sell.
	require.NoError(t, ms.UpdateInstrumentPrice(context.Background(), "ABC", d(120), time.Now().UTC()))

	w = doTrade(t, router, trade.TradeRequest{
		AccountID: "alice", Symbol: "ABC", Side: "sell", Quantity: d(4),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res trade.TradeResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	// Sold 4 @ 120 against an average cost of 100: P&L = 4·20 = 80.
	require.True(t, res.TotalValue.Equal(d(480)))
	require.True(t, res.Position.Quantity.Equal(d(6)))
	require.True(t, res.Position.CostBasis.Equal(d(600)))
	require.True(t, res.Position.RealizedPnL.Equal(d(80)))
	require.True(t, res.Cash.Equal(d(100000-1000+480)))
}

func TestExecuteTrade_SellFullPositionReleasesExactBasis(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedInstrument(t, ms, "ABC", 3)

	// An awkward quantity whose average cost does not divide evenly.
	w := doTrade(t, router, trade.TradeRequest{
		AccountID: "alice", Symbol: "ABC", Side: "buy", Quantity: d(7),
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doTrade(t, router, trade.TradeRequest{
		AccountID: "alice", Symbol: "ABC", Side: "sell", Quantity: d(7),
	})
	require.Equal(t, http.StatusOK, w.Code)

	var res trade.TradeResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.True(t, res.Position.Quantity.IsZero())
	require.True(t, res.Position.CostBasis.IsZero())
	// Round trip at a flat price nets exactly zero.
	require.True(t, res.Cash.Equal(d(100000)))
	require.True(t, res.Position.RealizedPnL.IsZero())
}

func TestExecuteTrade_Rejections(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedInstrument(t, ms, "ABC", 100)
	expired := seedInstrument(t, ms, "DED", 100)
	_, err := ms.SettleInstrument(context.Background(), expired.Symbol, expired.CurrentPrice, time.Now().UTC())
	require.NoError(t, err)

	cases := []struct {
		name string
		req  trade.TradeRequest
		code int
	}{
		{"missing account", trade.TradeRequest{Symbol: "ABC", Side: "buy", Quantity: d(1)}, http.StatusBadRequest},
		{"bad side", trade.TradeRequest{AccountID: "a", Symbol: "ABC", Side: "hold", Quantity: d(1)}, http.StatusBadRequest},
		{"bad symbol", trade.TradeRequest{AccountID: "a", Symbol: "AB1", Side: "buy", Quantity: d(1)}, http.StatusBadRequest},
		{"reserved symbol", trade.TradeRequest{AccountID: "a", Symbol: "CASH", Side: "buy", Quantity: d(1)}, http.StatusBadRequest},
		{"zero quantity", trade.TradeRequest{AccountID: "a", Symbol: "ABC", Side: "buy", Quantity: decimal.Zero}, http.StatusBadRequest},
		{"unknown instrument", trade.TradeRequest{AccountID: "a", Symbol: "ZZZ", Side: "buy", Quantity: d(1)}, http.StatusNotFound},
		{"expired instrument", trade.TradeRequest{AccountID: "a", Symbol: "DED", Side: "buy", Quantity: d(1)}, http.StatusConflict},
		{"insufficient cash", trade.TradeRequest{AccountID: "a", Symbol: "ABC", Side: "buy", Quantity: d(10000)}, http.StatusConflict},
		{"insufficient holdings", trade.TradeRequest{AccountID: "a", Symbol: "ABC", Side: "sell", Quantity: d(1)}, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doTrade(t, router, tc.req)
			require.Equal(t, tc.code, w.Code, w.Body.String())

			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			require.NotEmpty(t, body["error"])
		})
	}
}

func TestExecuteTrade_RejectionMutatesNothing(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedInstrument(t, ms, "ABC", 100)
	ctx := context.Background()

	// Establish the account with one good trade.
	w := doTrade(t, router, trade.TradeRequest{
		AccountID: "alice", Symbol: "ABC", Side: "buy", Quantity: d(1),
	})
	require.Equal(t, http.StatusOK, w.Code)

	// A buy far beyond available cash must leave everything untouched.
	w = doTrade(t, router, trade.TradeRequest{
		AccountID: "alice", Symbol: "ABC", Side: "buy", Quantity: d(99999),
	})
	require.Equal(t, http.StatusConflict, w.Code)

	acct, err := ms.GetAccount(ctx, "alice")
	require.NoError(t, err)
	require.True(t, acct.Cash.Equal(d(99900)))

	entries, err := ms.ListLedger(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestExecuteTrade_ConcurrentSellsNeverOversell(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	seedInstrument(t, ms, "ABC", 100)
	ctx := context.Background()

	_, err := svc.Execute(ctx, trade.TradeRequest{
		AccountID: "alice", Symbol: "ABC", Side: "buy", Quantity: d(10),
	})
	require.NoError(t, err)

	// 20 concurrent sells of 1 against a position of 10: exactly 10 may
	// succeed and the position must end at zero, never negative.
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Execute(ctx, trade.TradeRequest{
				AccountID: "alice", Symbol: "ABC", Side: "sell", Quantity: d(1),
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
		} else {
			require.ErrorIs(t, err, trade.ErrInsufficientShares)
		}
	}
	require.Equal(t, 10, succeeded)

	pos, err := ms.GetPosition(ctx, "alice", "ABC")
	require.NoError(t, err)
	require.True(t, pos.Quantity.IsZero())

	acct, err := ms.GetAccount(ctx, "alice")
	require.NoError(t, err)
	require.True(t, acct.Cash.Equal(d(100000))) // flat price round trip
}

func TestExecuteTrade_ConcurrentBuysNeverOverspend(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	seedInstrument(t, ms, "AAA", 100)
	seedInstrument(t, ms, "BBB", 100)
	ctx := context.Background()

	// Two instruments, each buy costs 60000; only one can fit in 100000.
	// The keyed locks differ per symbol, so this exercises the store's
	// atomic cash check.
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, sym := range []string{"AAA", "BBB"} {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			_, err := svc.Execute(ctx, trade.TradeRequest{
				AccountID: "bob", Symbol: symbol, Side: "buy", Quantity: d(600),
			})
			errs <- err
		}(sym)
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
		} else {
			require.ErrorIs(t, err, trade.ErrInsufficientCash)
		}
	}
	require.Equal(t, 1, succeeded)

	acct, err := ms.GetAccount(ctx, "bob")
	require.NoError(t, err)
	require.True(t, acct.Cash.Equal(d(40000)))
	require.False(t, acct.Cash.IsNegative())
}

// --- Query endpoint tests ---

func TestListInstruments(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedInstrument(t, ms, "AAA", 100)
	done := seedInstrument(t, ms, "BBB", 100)
	_, err := ms.SettleInstrument(context.Background(), done.Symbol, done.CurrentPrice, time.Now().UTC())
	require.NoError(t, err)

	w := doGet(t, router, "/api/v1/instruments")
	require.Equal(t, http.StatusOK, w.Code)
	var active []model.Instrument
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &active))
	require.Len(t, active, 1)
	require.Equal(t, "AAA", active[0].Symbol)

	w = doGet(t, router, "/api/v1/instruments?include_expired=true")
	require.Equal(t, http.StatusOK, w.Code)
	var all []model.Instrument
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	require.Len(t, all, 2)
}

func TestGetInstrument(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedInstrument(t, ms, "AAA", 100)

	w := doGet(t, router, "/api/v1/instruments/aaa") // case-insensitive lookup
	require.Equal(t, http.StatusOK, w.Code)
	var detail struct {
		model.Instrument
		OpenInterest decimal.Decimal `json:"open_interest"`
		TimeToExpiry string          `json:"time_to_expiry"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	require.Equal(t, "AAA", detail.Symbol)
	require.True(t, detail.OpenInterest.IsZero())
	require.NotEmpty(t, detail.TimeToExpiry)

	w = doGet(t, router, "/api/v1/instruments/ZZZ")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetInstrumentHistory(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedInstrument(t, ms, "AAA", 100)
	ctx := context.Background()
	now := time.Now().UTC()
	for i := 1; i <= 5; i++ {
		require.NoError(t, ms.UpdateInstrumentPrice(ctx, "AAA", d(float64(100+i)), now.Add(time.Duration(i)*time.Second)))
	}

	w := doGet(t, router, "/api/v1/instruments/AAA/history?limit=3")
	require.Equal(t, http.StatusOK, w.Code)
	var points []model.PricePoint
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &points))
	require.Len(t, points, 3)
	require.True(t, points[2].Price.Equal(d(105)))

	w = doGet(t, router, "/api/v1/instruments/AAA/history?limit=bogus")
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = doGet(t, router, "/api/v1/instruments/ZZZ/history")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetInstrumentsSummary(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedInstrument(t, ms, "AAA", 100)

	w := doTrade(t, router, trade.TradeRequest{
		AccountID: "alice", Symbol: "AAA", Side: "buy", Quantity: d(10),
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doGet(t, router, "/api/v1/instruments/summary")
	require.Equal(t, http.StatusOK, w.Code)
	var summary struct {
		ActiveCount  int              `json:"active_count"`
		ExpiringSoon []string         `json:"expiring_soon"`
		Instruments  []map[string]any `json:"instruments"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	require.Equal(t, 1, summary.ActiveCount)
	require.Empty(t, summary.ExpiringSoon) // seeded with an hour to run
	require.Len(t, summary.Instruments, 1)
	require.Equal(t, "AAA", summary.Instruments[0]["symbol"])
	require.Equal(t, "10", summary.Instruments[0]["open_interest"])
}

func TestGetPortfolio(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedInstrument(t, ms, "AAA", 100)

	w := doTrade(t, router, trade.TradeRequest{
		AccountID: "alice", Symbol: "AAA", Side: "buy", Quantity: d(10),
	})
	require.Equal(t, http.StatusOK, w.Code)

	// Mark the position against a higher price.
	require.NoError(t, ms.UpdateInstrumentPrice(context.Background(), "AAA", d(110), time.Now().UTC()))

	w = doGet(t, router, "/api/v1/portfolio/alice")
	require.Equal(t, http.StatusOK, w.Code)

	var p model.Portfolio
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	require.True(t, p.Cash.Equal(d(99000)))
	require.Len(t, p.Positions, 1)
	require.True(t, p.Positions[0].CurrentValue.Equal(d(1100)))
	require.True(t, p.UnrealizedPnL.Equal(d(100)))
	require.True(t, p.TotalValue.Equal(d(99000+1100)))

	w = doGet(t, router, "/api/v1/portfolio/nobody")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetSettlementsAndLedger(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedInstrument(t, ms, "AAA", 100)
	ctx := context.Background()

	w := doTrade(t, router, trade.TradeRequest{
		AccountID: "alice", Symbol: "AAA", Side: "buy", Quantity: d(10),
	})
	require.Equal(t, http.StatusOK, w.Code)

	_, err := ms.SettleInstrument(ctx, "AAA", d(110), time.Now().UTC())
	require.NoError(t, err)

	w = doGet(t, router, "/api/v1/portfolio/alice/settlements")
	require.Equal(t, http.StatusOK, w.Code)
	var recs []model.SettlementRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &recs))
	require.Len(t, recs, 1)
	require.True(t, recs[0].SettlementValue.Equal(d(1100)))

	// Ledger holds the buy plus the settlement credit, oldest first.
	w = doGet(t, router, "/api/v1/portfolio/alice/ledger")
	require.Equal(t, http.StatusOK, w.Code)
	var entries []model.LedgerEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	require.Equal(t, model.SideBuy, entries[0].Type)
	require.Equal(t, model.TypeSettlement, entries[1].Type)
}

package trade

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/martingale/market-engine/internal/metrics"
	"github.com/martingale/market-engine/internal/model"
	"github.com/martingale/market-engine/internal/store"
)

const defaultHistoryLimit = 500

// instrumentSummary is one row of GET /api/v1/instruments/summary.
type instrumentSummary struct {
	Symbol       string          `json:"symbol"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	Volatility   decimal.Decimal `json:"volatility"`
	ExpiresAt    time.Time       `json:"expires_at"`
	TimeToExpiry string          `json:"time_to_expiry"`
	OpenInterest decimal.Decimal `json:"open_interest"`
}

// ListInstruments handles GET /api/v1/instruments
// Returns active instruments; pass ?include_expired=true for all.
func (s *Service) ListInstruments(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("include_expired") != "true"
	instruments, err := s.store.ListInstruments(r.Context(), activeOnly)
	if err != nil {
		writeError(w, "failed to list instruments", http.StatusInternalServerError)
		return
	}
	if instruments == nil {
		instruments = []model.Instrument{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(instruments)
}

// instrumentDetail is the GET /api/v1/instruments/{symbol} response: the
// instrument plus its open interest and remaining lifetime.
type instrumentDetail struct {
	model.Instrument
	OpenInterest decimal.Decimal `json:"open_interest"`
	TimeToExpiry string          `json:"time_to_expiry"`
}

// GetInstrument handles GET /api/v1/instruments/{symbol}
func (s *Service) GetInstrument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))
	inst, err := s.store.GetInstrument(ctx, symbol)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "instrument not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load instrument", http.StatusInternalServerError)
		return
	}
	oi, err := s.store.OpenInterest(ctx, symbol)
	if err != nil {
		writeError(w, "failed to compute open interest", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(instrumentDetail{
		Instrument:   *inst,
		OpenInterest: oi,
		TimeToExpiry: inst.TimeToExpiry(time.Now().UTC()).String(),
	})
}

// GetInstrumentHistory handles GET /api/v1/instruments/{symbol}/history
// Returns recent price points, newest last. ?limit=N caps the window.
func (s *Service) GetInstrumentHistory(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))
	if _, err := s.store.GetInstrument(r.Context(), symbol); errors.Is(err, store.ErrNotFound) {
		writeError(w, "instrument not found", http.StatusNotFound)
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	points, err := s.store.PriceHistory(r.Context(), symbol, limit)
	if err != nil {
		writeError(w, "failed to load price history", http.StatusInternalServerError)
		return
	}
	if points == nil {
		points = []model.PricePoint{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(points)
}

// marketSummary is the GET /api/v1/instruments/summary response.
type marketSummary struct {
	ActiveCount  int                 `json:"active_count"`
	ExpiringSoon []string            `json:"expiring_soon"` // within the next 10 minutes
	Instruments  []instrumentSummary `json:"instruments"`
}

// GetInstrumentsSummary handles GET /api/v1/instruments/summary
// Returns every active instrument with its open interest.
func (s *Service) GetInstrumentsSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	instruments, err := s.store.ListInstruments(ctx, true)
	if err != nil {
		writeError(w, "failed to list instruments", http.StatusInternalServerError)
		return
	}

	now := time.Now().UTC()
	out := marketSummary{
		ActiveCount:  len(instruments),
		ExpiringSoon: []string{},
		Instruments:  make([]instrumentSummary, 0, len(instruments)),
	}
	for _, inst := range instruments {
		oi, err := s.store.OpenInterest(ctx, inst.Symbol)
		if err != nil {
			writeError(w, "failed to compute open interest", http.StatusInternalServerError)
			return
		}
		ttl := inst.TimeToExpiry(now)
		if ttl <= 10*time.Minute {
			out.ExpiringSoon = append(out.ExpiringSoon, inst.Symbol)
		}
		out.Instruments = append(out.Instruments, instrumentSummary{
			Symbol:       inst.Symbol,
			CurrentPrice: inst.CurrentPrice,
			Volatility:   inst.Volatility,
			ExpiresAt:    inst.ExpiresAt,
			TimeToExpiry: ttl.String(),
			OpenInterest: oi,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// ExecuteTrade handles POST /api/v1/trade
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	side := strings.ToLower(strings.TrimSpace(req.Side))
	if side != model.SideBuy && side != model.SideSell {
		side = "invalid"
	}

	start := time.Now()
	result, err := s.Execute(r.Context(), req)
	metrics.TradeLatency.WithLabelValues(side).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.TradesTotal.WithLabelValues(side, "rejected").Inc()
		writeError(w, err.Error(), tradeErrorStatus(err))
		return
	}
	metrics.TradesTotal.WithLabelValues(side, "executed").Inc()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// tradeErrorStatus maps pipeline rejections to HTTP status codes.
func tradeErrorStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnknownInstrument):
		return http.StatusNotFound
	case errors.Is(err, ErrInstrumentExpired),
		errors.Is(err, ErrInsufficientCash),
		errors.Is(err, ErrInsufficientShares):
		return http.StatusConflict
	case errors.Is(err, ErrMissingAccount),
		errors.Is(err, ErrInvalidSide),
		errors.Is(err, ErrInvalidSymbol),
		errors.Is(err, ErrReservedSymbol),
		errors.Is(err, ErrInvalidQuantity),
		errors.Is(err, ErrQuantityOutOfRange),
		errors.Is(err, ErrNotionalTooLarge):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// GetPortfolio handles GET /api/v1/portfolio/{accountID}
// Returns cash, mark-to-market positions, and P&L totals.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	portfolio, err := s.Portfolio(r.Context(), accountID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "account not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load portfolio", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(portfolio)
}

// GetSettlements handles GET /api/v1/portfolio/{accountID}/settlements
func (s *Service) GetSettlements(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	records, err := s.store.ListSettlements(r.Context(), accountID)
	if err != nil {
		writeError(w, "failed to load settlements", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []model.SettlementRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

// GetLedger handles GET /api/v1/portfolio/{accountID}/ledger
// Returns the account's most recent ledger entries. ?limit=N caps the window.
func (s *Service) GetLedger(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := s.store.ListLedger(r.Context(), accountID, limit)
	if err != nil {
		writeError(w, "failed to load ledger", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// Package metrics provides Prometheus instrumentation for the market engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PriceTicksTotal counts per-instrument price updates applied.
	PriceTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_price_ticks_total",
		Help: "Total per-instrument price updates applied",
	})

	// PriceTickErrors counts per-instrument tick failures (skipped, retried next tick).
	PriceTickErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_price_tick_errors_total",
		Help: "Price updates skipped due to generator or store errors",
	})

	// ActiveInstruments tracks the number of active instruments.
	ActiveInstruments = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_active_instruments",
		Help: "Number of currently active instruments",
	})

	// SettlementsTotal counts instruments settled.
	SettlementsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_settlements_total",
		Help: "Total instruments settled",
	})

	// SettledPositionsTotal counts positions liquidated by settlement.
	SettledPositionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_settled_positions_total",
		Help: "Total positions liquidated by settlement",
	})

	// ReplacementsCreated counts instruments minted to maintain the pool.
	ReplacementsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_instruments_created_total",
		Help: "Instruments created to maintain the active pool",
	})

	// InstrumentsPurged counts instruments removed after the retention window.
	InstrumentsPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_instruments_purged_total",
		Help: "Expired instruments purged after the retention window",
	})

	// TradesTotal counts trade requests by side and outcome.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_trades_total",
		Help: "Total trade requests processed",
	}, []string{"side", "status"})

	// TradeLatency tracks trade execution latency by side.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

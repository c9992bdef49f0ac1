package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/martingale/market-engine/internal/config"
	"github.com/martingale/market-engine/internal/gbm"
	"github.com/martingale/market-engine/internal/metrics"
	"github.com/martingale/market-engine/internal/registry"
	"github.com/martingale/market-engine/internal/scheduler"
	"github.com/martingale/market-engine/internal/settlement"
	"github.com/martingale/market-engine/internal/store"
	"github.com/martingale/market-engine/internal/trade"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("ENGINE_CONFIG"))
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.Storage.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool, cfg.Engine.HistoryDepth)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Storage.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.Storage.RedisURL)
			if err != nil {
				slog.Error("invalid redis_url", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Storage.CacheTTL)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("storage.database_url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore(cfg.Engine.HistoryDepth)
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Registry and price generation ---
	reg := registry.New(st, registry.Config{
		InitialPrice:   decimal.NewFromFloat(cfg.Engine.InitialPrice),
		VolatilityMin:  cfg.Engine.VolatilityMin,
		VolatilityMax:  cfg.Engine.VolatilityMax,
		DriftMean:      cfg.Engine.DriftMean,
		DriftStddev:    cfg.Engine.DriftStddev,
		ExpiryMin:      cfg.Engine.ExpiryMin,
		ExpiryMax:      cfg.Engine.ExpiryMax,
		SymbolLength:   cfg.Engine.SymbolLength,
		SymbolAlphabet: cfg.Engine.SymbolAlphabet,
	}, nil)

	generator := gbm.NewGenerator(cfg.Engine.TickInterval, nil)
	processor := settlement.NewProcessor(reg, st)

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run()

	// --- Periodic drivers ---
	ticker := scheduler.NewPriceTicker(reg, generator, wsHub, cfg.Engine.TickInterval)
	lifecycle := scheduler.NewLifecycle(reg, processor, st, wsHub,
		cfg.Engine.LifecycleInterval, cfg.Engine.MinActiveInstruments, cfg.Engine.RetentionPeriod)

	if err := lifecycle.Seed(ctx); err != nil {
		slog.Error("initial pool seed failed", "err", err)
		os.Exit(1)
	}

	// --- Trade service ---
	validator := trade.NewValidator(
		decimal.NewFromFloat(cfg.Trading.MinQuantity),
		decimal.NewFromFloat(cfg.Trading.MaxQuantity),
		decimal.NewFromFloat(cfg.Trading.MinPrice),
		decimal.NewFromFloat(cfg.Trading.MaxPrice),
		decimal.NewFromFloat(cfg.Trading.MaxNotional),
	)
	tradeSvc := trade.NewService(st, reg, validator, wsHub, decimal.NewFromFloat(cfg.Trading.InitialCash))

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"market-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time price updates.
		r.Get("/ws", wsHub.HandleWS)

		// Instrument queries.
		r.Get("/instruments", tradeSvc.ListInstruments)
		r.Get("/instruments/summary", tradeSvc.GetInstrumentsSummary)
		r.Get("/instruments/{symbol}", tradeSvc.GetInstrument)
		r.Get("/instruments/{symbol}/history", tradeSvc.GetInstrumentHistory)

		// Trade execution.
		r.Post("/trade", tradeSvc.ExecuteTrade)

		// Portfolio queries.
		r.Get("/portfolio/{accountID}", tradeSvc.GetPortfolio)
		r.Get("/portfolio/{accountID}/settlements", tradeSvc.GetSettlements)
		r.Get("/portfolio/{accountID}/ledger", tradeSvc.GetLedger)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return ticker.Run(gctx) })
	g.Go(func() error { return lifecycle.Run(gctx) })

	g.Go(func() error {
		slog.Info("market-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		slog.Info("shutting down market-engine...")
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("market-engine exited with error", "err", err)
		os.Exit(1)
	}
	slog.Info("market-engine stopped")
}

package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/martingale/market-engine/internal/metrics"
	"github.com/martingale/market-engine/internal/model"
	"github.com/martingale/market-engine/internal/registry"
	"github.com/martingale/market-engine/internal/settlement"
	"github.com/martingale/market-engine/internal/store"
)

// Lifecycle is the coarse-interval driver that settles expired instruments,
// replenishes the active pool to its configured minimum, and purges
// instruments past the retention window. Each cycle recomputes expirations
// and the active count from scratch, so back-to-back cycles are idempotent:
// the second finds nothing newly expired and never over-creates.
type Lifecycle struct {
	registry  *registry.Registry
	processor *settlement.Processor
	store     store.Store
	publisher Publisher

	interval  time.Duration
	minActive int
	retention time.Duration
}

// NewLifecycle creates the lifecycle driver.
func NewLifecycle(reg *registry.Registry, proc *settlement.Processor, st store.Store,
	pub Publisher, interval time.Duration, minActive int, retention time.Duration) *Lifecycle {
	if pub == nil {
		pub = NopPublisher{}
	}
	return &Lifecycle{
		registry:  reg,
		processor: proc,
		store:     st,
		publisher: pub,
		interval:  interval,
		minActive: minActive,
		retention: retention,
	}
}

// Seed fills the pool up to the configured minimum at startup. Existing
// active instruments are kept; only the shortfall is created.
func (l *Lifecycle) Seed(ctx context.Context) error {
	active, err := l.registry.ListActive(ctx)
	if err != nil {
		return err
	}
	created, err := l.replenish(ctx, len(active))
	if err != nil {
		return err
	}
	slog.Info("instrument pool seeded",
		"existing", len(active), "created", len(created), "minimum", l.minActive)
	return nil
}

// Run executes lifecycle cycles on a fixed interval until ctx is
// cancelled. Like the price ticker, cycles never overlap themselves and an
// in-flight cycle completes before shutdown.
func (l *Lifecycle) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			l.cycle(ctx, now.UTC())
		}
	}
}

func (l *Lifecycle) cycle(ctx context.Context, now time.Time) {
	due, err := l.registry.ExpiredDue(ctx, now)
	if err != nil {
		slog.Error("lifecycle: query expired instruments", "err", err)
		return
	}

	// Settle each due instrument as its own atomic unit. A failure leaves
	// that instrument active for retry next cycle and never blocks the rest.
	var settled []model.SettlementStats
	for _, inst := range due {
		stats, err := l.processor.Settle(ctx, inst.Symbol)
		if err != nil {
			slog.Error("lifecycle: settlement failed, will retry",
				"symbol", inst.Symbol, "err", err)
			continue
		}
		settled = append(settled, *stats)
	}

	active, err := l.registry.ListActive(ctx)
	if err != nil {
		slog.Error("lifecycle: list active instruments", "err", err)
		return
	}
	created, err := l.replenish(ctx, len(active))
	if err != nil {
		slog.Error("lifecycle: replenish pool", "err", err)
	}

	metrics.ActiveInstruments.Set(float64(len(active) + len(created)))
	if len(settled) > 0 || len(created) > 0 {
		l.publisher.PublishInstrumentsChanged(settled, created)
		slog.Info("lifecycle cycle complete",
			"expired", len(due), "settled", len(settled), "created", len(created))
	}

	if l.retention > 0 {
		purged, err := l.store.PurgeInstrumentsBefore(ctx, now.Add(-l.retention))
		if err != nil {
			slog.Error("lifecycle: purge old instruments", "err", err)
		} else if len(purged) > 0 {
			for _, symbol := range purged {
				l.registry.ForgetLock(symbol)
			}
			metrics.InstrumentsPurged.Add(float64(len(purged)))
			slog.Info("purged settled instruments", "count", len(purged), "symbols", purged)
		}
	}
}

func (l *Lifecycle) replenish(ctx context.Context, activeCount int) ([]model.Instrument, error) {
	var created []model.Instrument
	for activeCount+len(created) < l.minActive {
		inst, err := l.registry.Create(ctx, time.Now().UTC())
		if err != nil {
			return created, err
		}
		created = append(created, *inst)
		metrics.ReplacementsCreated.Inc()
		slog.Info("instrument created",
			"symbol", inst.Symbol,
			"volatility", inst.Volatility.String(),
			"drift", inst.Drift.String(),
			"expires_at", inst.ExpiresAt,
		)
	}
	return created, nil
}

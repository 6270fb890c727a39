package scoring

import (
	"context"
	"log/slog"
	"time"

	"github.com/yudhap/blastgate/internal/metrics"
)

// Worker periodically sweeps suspended entities so temporary suspensions
// unlock promptly even when nothing reads them. Auto-unlock also happens
// lazily on CanSend; the sweep only makes it prompt.
type Worker struct {
	engine   *Engine
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewWorker creates a suspension sweep worker.
// interval is typically 10 minutes in production, seconds in tests.
func NewWorker(engine *Engine, store Store, interval time.Duration, logger *slog.Logger) *Worker {
	return &Worker{
		engine:   engine,
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the sweep loop. Call in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Run once immediately on start
	w.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// Stop signals the worker to stop.
func (w *Worker) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Worker) sweep(ctx context.Context) {
	suspended, err := w.store.ListSuspended(ctx)
	if err != nil {
		w.logger.Warn("suspension sweep failed to list", "error", err)
		return
	}

	active := 0
	unlocked := 0
	for _, rs := range suspended {
		if rs.SuspensionType != SuspensionTemporary {
			active++
			continue
		}
		updated, err := w.engine.EvaluateAndAct(ctx, rs.EntityType, rs.EntityID)
		if err != nil {
			w.logger.Warn("suspension sweep evaluate failed", "entity", rs.Key(), "error", err)
			active++
			continue
		}
		if updated.IsSuspended {
			active++
		} else {
			unlocked++
		}
	}

	metrics.ActiveSuspensions.Set(float64(active))
	if unlocked > 0 {
		w.logger.Info("suspension sweep complete", "unlocked", unlocked, "still_suspended", active)
	}
}

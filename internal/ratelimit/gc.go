package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

// GC periodically drops buckets nothing has touched for a while. Refill is
// computed at check time, so an idle bucket holds no state worth keeping:
// recreating it on the next check starts it full, which is what a long-idle
// caller deserves anyway. Force-limited buckets are kept until their limit
// expires.
type GC struct {
	store    Store
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	now      func() time.Time
}

// NewGC creates an idle-bucket collector.
// ttl is how long a bucket may sit untouched before removal.
func NewGC(store Store, ttl, interval time.Duration, logger *slog.Logger) *GC {
	return &GC{
		store:    store,
		ttl:      ttl,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		now:      time.Now,
	}
}

// Start begins the collection loop. Call in a goroutine.
func (g *GC) Start(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stop:
			return
		case <-ticker.C:
			g.collect(ctx)
		}
	}
}

// Stop signals the collector to stop.
func (g *GC) Stop() {
	select {
	case g.stop <- struct{}{}:
	default:
	}
}

func (g *GC) collect(ctx context.Context) {
	buckets, err := g.store.List(ctx, 10000)
	if err != nil {
		g.logger.Warn("bucket gc failed to list", "error", err)
		return
	}

	now := g.now()
	cutoff := now.Add(-g.ttl)
	removed := 0
	for _, b := range buckets {
		if b.UpdatedAt.After(cutoff) {
			continue
		}
		if b.IsLimited && (b.LimitedUntil == nil || b.LimitedUntil.After(now)) {
			continue
		}
		if err := g.store.Delete(ctx, b.Key); err != nil {
			g.logger.Warn("bucket gc delete failed", "key", b.Key, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		g.logger.Info("bucket gc complete", "removed", removed, "scanned", len(buckets))
	}
}

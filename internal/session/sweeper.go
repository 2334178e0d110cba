package session

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often the background sweeper runs.
const DefaultSweepInterval = 15 * time.Second

// TickFunc runs on every sweeper tick after expired sessions were evicted.
type TickFunc func(ctx context.Context, now time.Time)

// StartSweeper runs a background goroutine that periodically evicts expired
// sessions and then calls onTick. It stops when ctx is cancelled.
func StartSweeper(ctx context.Context, r *Registry, interval time.Duration, onTick TickFunc) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session sweeper started", "interval", interval, "ttl", r.ttl)

		for {
			select {
			case <-ticker.C:
				sweepOnce(ctx, r, onTick)
			case <-ctx.Done():
				slog.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepOnce(ctx context.Context, r *Registry, onTick TickFunc) {
	if n := r.Sweep(); n > 0 {
		r.logger.Info("Session sweeper evicted sessions", "count", n)
	}
	if onTick != nil {
		onTick(ctx, r.now())
	}
}

package wizard

import (
	"context"
	"log/slog"
	"time"

	"github.com/veridia/aicomply/internal/store"
)

const sweepInterval = 10 * time.Minute

// StartAbandonSweeper runs a background goroutine that periodically
// marks sessions with no activity past the TTL as abandoned.
func StartAbandonSweeper(ctx context.Context, repo store.Repository, ttl time.Duration) {
	ticker := time.NewTicker(sweepInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Abandon sweeper started", "interval", sweepInterval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				sweepStaleSessions(ctx, repo, ttl)
			case <-ctx.Done():
				slog.Info("Abandon sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// sweepStaleSessions marks stale sessions abandoned, retrying with
// exponential backoff to ride out SQLITE_BUSY from concurrent saves.
func sweepStaleSessions(ctx context.Context, repo store.Repository, ttl time.Duration) {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		swept, err := repo.AbandonStale(ctx, ttl)
		if err == nil {
			if swept > 0 {
				slog.Info("Abandon sweeper marked stale sessions", "count", swept)
			}
			return
		}

		if store.IsBusyError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("Abandon sweep hit SQLITE_BUSY, retrying",
				"attempt", i+1,
				"delay", delay)
			time.Sleep(delay)
			continue
		}

		if ctx.Err() != nil {
			return
		}
		slog.Error("Abandon sweeper failed", "error", err)
		return
	}
}

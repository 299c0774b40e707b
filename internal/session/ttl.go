package session

import (
	"context"
	"log/slog"
	"time"
)

const ttlWorkerInterval = 5 * time.Minute

// CleanupCallback is called after a sweep that removed sessions.
type CleanupCallback func(removed int)

// StartTTLWorker periodically drops sessions idle for longer than ttl.
// A non-positive ttl disables the worker.
func StartTTLWorker(ctx context.Context, mgr *Manager, ttl time.Duration, onCleanup CleanupCallback) {
	startTTLWorker(ctx, mgr, ttl, ttlWorkerInterval, onCleanup)
}

func startTTLWorker(ctx context.Context, mgr *Manager, ttl, interval time.Duration, onCleanup CleanupCallback) {
	if ttl <= 0 {
		slog.Info("TTL worker disabled")
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("TTL worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				if removed := mgr.Sweep(ttl); removed > 0 {
					slog.Info("TTL worker cleanup completed", "cleaned", removed, "remaining", mgr.Len())
					if onCleanup != nil {
						onCleanup(removed)
					}
				}
			case <-ctx.Done():
				slog.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

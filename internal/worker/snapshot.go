package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/cursorgate/cursorgate/internal/app"
)

const snapshotDrainTime = 30 * time.Second

// SnapshotWorker periodically flushes the in-memory managers to the store
// and performs a final flush on shutdown.
type SnapshotWorker struct {
	persister *app.Persister
	interval  time.Duration
}

// NewSnapshotWorker creates a SnapshotWorker flushing every interval.
func NewSnapshotWorker(p *app.Persister, interval time.Duration) *SnapshotWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &SnapshotWorker{persister: p, interval: interval}
}

// Name returns the worker identifier.
func (w *SnapshotWorker) Name() string { return "snapshot" }

// Run flushes on a timer until ctx is cancelled, then takes one final
// snapshot on a detached context so shutdown does not lose state.
func (w *SnapshotWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.persister.Save(ctx); err != nil {
				slog.LogAttrs(ctx, slog.LevelError, "snapshot failed",
					slog.String("error", err.Error()),
				)
			}

		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), snapshotDrainTime)
			defer cancel()
			if err := w.persister.Save(drainCtx); err != nil {
				slog.LogAttrs(drainCtx, slog.LevelError, "final snapshot failed",
					slog.String("error", err.Error()),
				)
			}
			return nil
		}
	}
}

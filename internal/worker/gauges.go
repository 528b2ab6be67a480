package worker

import (
	"context"
	"time"

	"github.com/cursorgate/cursorgate/internal/app"
	"github.com/cursorgate/cursorgate/internal/telemetry"
	"github.com/cursorgate/cursorgate/internal/token"
)

const gaugeInterval = 10 * time.Second

// GaugeWorker samples the pool and log-ring sizes into Prometheus gauges.
type GaugeWorker struct {
	metrics *telemetry.Metrics
	pool    *token.Pool
	logs    *app.LogManager
}

// NewGaugeWorker creates a GaugeWorker.
func NewGaugeWorker(m *telemetry.Metrics, pool *token.Pool, logs *app.LogManager) *GaugeWorker {
	return &GaugeWorker{metrics: m, pool: pool, logs: logs}
}

// Name returns the worker identifier.
func (w *GaugeWorker) Name() string { return "gauges" }

// Run samples until ctx is cancelled.
func (w *GaugeWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.metrics.TokenPoolSize.Set(float64(w.pool.Len()))
			w.metrics.LogRingSize.Set(float64(w.logs.Len()))
		case <-ctx.Done():
			return nil
		}
	}
}

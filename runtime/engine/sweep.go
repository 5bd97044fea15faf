package engine

import (
	"context"
	"fmt"

	"github.com/pipevine/pipevine/runtime/store"
	"github.com/pipevine/pipevine/runtime/telemetry"
)

// SweepReason is the error message written to instances interrupted by a
// process restart.
const SweepReason = "interrupted"

// SweepInterrupted fails every instance left in running state by a previous
// process, including their open step instances. Call once at startup before
// accepting new work. Returns the number of instances rewritten.
func SweepInterrupted(ctx context.Context, s store.Store, logger telemetry.Logger, metrics telemetry.Metrics) (int, error) {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	n, err := s.SweepRunning(ctx, SweepReason)
	if err != nil {
		return 0, fmt.Errorf("sweep running instances: %w", err)
	}
	if n > 0 {
		logger.Warn(ctx, "swept interrupted instances", "count", n)
		metrics.IncCounter(telemetry.MetricSweptInstances, float64(n))
	}
	return n, nil
}

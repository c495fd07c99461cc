package lock

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const otelPackageName = "github.com/ccache-core/ccache/pkg/lock"

// Result labels mirror the teacher's pkg/lock/metrics.go constants, trimmed
// to the outcomes a single-host file lock can actually produce (no
// Redis/circuit-breaker failure modes).
const (
	ResultSuccess    = "success"
	ResultContention = "contention"
	ResultStale      = "stale_broken"
)

var (
	//nolint:gochecknoglobals
	meter = otel.Meter(otelPackageName)

	//nolint:gochecknoglobals
	acquisitionsTotal, _ = meter.Int64Counter(
		"ccache_lock_acquisitions_total",
		metric.WithDescription("File lock acquisition attempts by result"),
	)
)

// recordAcquisition emits an OTel counter alongside the on-disk behavior, so
// lock contention is observable both the ccache way (nothing persisted) and
// the modern way (metrics), per SPEC_FULL.md's domain-stack wiring.
func recordAcquisition(ctx context.Context, result string) {
	if acquisitionsTotal == nil {
		return
	}

	acquisitionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

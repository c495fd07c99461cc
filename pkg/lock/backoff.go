package lock

import (
	mathrand "math/rand"
	"time"
)

// randomSleep returns a random duration in [min, max), used between
// collision retries (spec.md §4.B: "sleep a bounded random interval
// (exponential backoff from ~1 ms to ~10 ms)").
//
// Adapted from the teacher's CalculateBackoff (pkg/lock/backoff.go), which
// computes a deterministic exponential series for a TTL-bounded distributed
// lock; a single-host advisory lock has no attempt-indexed series to climb,
// only a bounded jitter window to avoid lockstep retries between sibling
// processes, so this keeps the teacher's jitter primitive and drops the
// exponential-attempt component.
func randomSleep(cfg Config) time.Duration {
	lo, hi := cfg.MinSleep, cfg.MaxSleep
	if hi <= lo {
		return lo
	}

	span := int64(hi - lo)

	//nolint:gosec // jitter does not need crypto-grade randomness
	return lo + time.Duration(mathrand.Int63n(span))
}

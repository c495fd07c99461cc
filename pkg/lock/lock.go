// Package lock implements the advisory, filesystem-based exclusive lock
// that coordinates sibling ccache invocations sharing one cache directory
// (spec.md §4.B).
//
// There is exactly one implementation: a symlink-based FileLock. Unlike the
// teacher's pluggable Locker (local mutexes vs. Redis-backed distributed
// locks), this core has no daemon and no cluster to distribute across
// (spec.md §1 Non-goals) — every "locker" here is a file next to the
// resource it protects, shared only by virtue of a shared filesystem.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotAcquired is returned when a lock could not be acquired within the
// staleness window because its holder appears live (spec.md §4.B).
var ErrNotAcquired = errors.New("lock: not acquired")

// Locker is the exclusive-locking contract the rest of the core depends on.
// Kept as an interface — mirroring the teacher's pkg/lock.Locker — purely
// so tests can substitute a fake; FileLock is the only production
// implementation.
type Locker interface {
	// Lock blocks (subject to ctx) until the lock at key is acquired.
	Lock(ctx context.Context, key string) error

	// TryLock attempts to acquire the lock without blocking.
	TryLock(ctx context.Context, key string) (bool, error)

	// Unlock releases a lock previously acquired by this process. The
	// caller is trusted to only unlock locks it holds (spec.md §4.B).
	Unlock(ctx context.Context, key string) error
}

// Config controls the staleness-detection and retry behavior of a FileLock.
type Config struct {
	// StalenessWindow is the duration after which a lock whose content has
	// not changed is considered abandoned and broken. Default 2s
	// (spec.md §4.B).
	StalenessWindow time.Duration

	// MinSleep/MaxSleep bound the random sleep between collision retries.
	// Each sleep is drawn uniformly from the same window; it does not grow
	// from one retry to the next. Defaults 1ms/10ms.
	MinSleep time.Duration
	MaxSleep time.Duration
}

// DefaultConfig returns the spec-mandated defaults.
func DefaultConfig() Config {
	return Config{
		StalenessWindow: 2 * time.Second,
		MinSleep:        1 * time.Millisecond,
		MaxSleep:        10 * time.Millisecond,
	}
}

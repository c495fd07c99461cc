package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// FileLock is a symlink-based advisory exclusive lock on a path P,
// represented on disk as the sibling entry "P.lock" (spec.md §4.B).
//
// Acquisition creates "P.lock" as a symlink whose target content string
// uniquely identifies the requester. Symlink creation is atomic on POSIX,
// so collisions are detected by the creation call failing with
// os.ErrExist, not by a check-then-act race.
type FileLock struct {
	cfg Config

	// held tracks the lock targets this process believes it currently
	// holds, keyed by lock path, so Unlock can be a no-op-safe operation
	// mirroring the teacher's local.Locker ref-count bookkeeping without
	// needing a second collaborator.
	held map[string]struct{}
}

// New returns a FileLock using cfg for staleness/backoff tuning.
func New(cfg Config) *FileLock {
	return &FileLock{cfg: cfg, held: make(map[string]struct{})}
}

func lockPath(key string) string { return key + ".lock" }

// tokenFor returns a content string that uniquely identifies this process
// as a lock requester: hostname:pid:uuid (spec.md §4.B). The uuid
// replaces the reference implementation's thread-id/nanosecond suffix with
// a value that cannot collide across processes on the same host within the
// same second, without needing a monotonic clock read.
func tokenFor() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}

	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString())
}

// Lock blocks until the lock at key is acquired, retrying on collision with
// bounded random backoff and breaking a stale lock once per staleness
// window (spec.md §4.B). The staleness clock is anchored to the content
// first observed after a failed acquisition attempt, exactly like the
// reference implementation's `initial_content`/`slept` pair
// (_examples/original_source/lockfile.c's lockfile_acquire): once the
// window elapses, a holder whose content is still the one we first saw is
// presumed dead and its lock is broken, but a holder whose content changed
// in the meantime is live and Lock gives up, returning ErrNotAcquired,
// rather than restarting the clock and waiting forever.
func (l *FileLock) Lock(ctx context.Context, key string) error {
	path := lockPath(key)
	content := tokenFor()

	var (
		initialContent string
		haveInitial    bool
		staleSince     time.Time
	)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := createSymlink(content, path); err == nil {
			l.markHeld(path)
			recordAcquisition(ctx, ResultSuccess)
			return nil
		} else if !errors.Is(err, os.ErrExist) {
			// Filesystem refuses the atomic primitive (e.g. symlinks
			// unsupported): treat the lock as acquired, best-effort
			// (spec.md §4.B).
			zerolog.Ctx(ctx).Debug().Err(err).Str("path", path).
				Msg("lock: symlink unsupported, treating as acquired")
			l.markHeld(path)
			recordAcquisition(ctx, ResultSuccess)
			return nil
		}

		recordAcquisition(ctx, ResultContention)

		existing, rerr := os.Readlink(path)
		if rerr != nil {
			// The lock vanished between our failed create and this read;
			// loop and try again immediately.
			continue
		}

		if !haveInitial {
			initialContent = existing
			staleSince = time.Now()
			haveInitial = true
		}

		if time.Since(staleSince) >= l.cfg.StalenessWindow {
			if existing == initialContent {
				if l.breakStale(ctx, path, existing, 1) {
					recordAcquisition(ctx, ResultStale)
					haveInitial = false
					continue
				}
			}

			return fmt.Errorf("%w: %s held by live holder %q", ErrNotAcquired, path, existing)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(randomSleep(l.cfg)):
		}
	}
}

// TryLock attempts to acquire the lock without blocking or retrying on
// collision.
func (l *FileLock) TryLock(ctx context.Context, key string) (bool, error) {
	path := lockPath(key)

	if err := createSymlink(tokenFor(), path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}

		l.markHeld(path)
		return true, nil
	}

	l.markHeld(path)
	return true, nil
}

// Unlock removes the lock entry at key. The caller is trusted to only
// release locks it holds (spec.md §4.B); unlocking a key this process
// never acquired is a no-op.
func (l *FileLock) Unlock(_ context.Context, key string) error {
	path := lockPath(key)

	if _, ok := l.held[path]; !ok {
		return nil
	}

	delete(l.held, path)

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lock: removing %s: %w", path, err)
	}

	return nil
}

func (l *FileLock) markHeld(path string) { l.held[path] = struct{}{} }

// breakStale recursively acquires a lock on the lock itself (depth is
// fixed at 1, per spec.md §4.B) and, if successful, deletes the stale lock.
// Returns true if the stale lock was broken and the caller should retry.
func (l *FileLock) breakStale(ctx context.Context, path, expectedContent string, depth int) bool {
	if depth > 1 {
		return false
	}

	metaKey := path // lock-on-the-lock targets the lock file itself
	metaPath := lockPath(metaKey)

	if err := createSymlink(tokenFor(), metaPath); err != nil {
		return false
	}
	defer os.Remove(metaPath)

	current, err := os.Readlink(path)
	if err != nil || current != expectedContent {
		// Holder moved on between our staleness read and the break
		// attempt; don't delete state that isn't actually stale.
		return false
	}

	zerolog.Ctx(ctx).Warn().Str("path", path).Str("holder", expectedContent).
		Msg("lock: breaking stale lock")

	_ = os.Remove(path)

	return true
}

func createSymlink(content, path string) error {
	return os.Symlink(content, path)
}

package cmd

import (
	"context"

	"github.com/rs/zerolog"
	"go.uber.org/automaxprocs/maxprocs"
)

// autoMaxProcs sets runtime.GOMAXPROCS from the container's cgroup quota
// once at startup. The teacher's version (cmd/maxprocs.go) re-checks on a
// ticker because its process is a long-lived daemon whose quota can change
// underneath it; a one-shot compiler invocation has no such lifetime, so a
// single call from the root command's Before hook is enough.
func autoMaxProcs(ctx context.Context) {
	log := zerolog.Ctx(ctx)

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		log.Debug().Msgf(format, args...)
	})); err != nil {
		log.Debug().Err(err).Msg("cmd: failed to set GOMAXPROCS from cgroup quota")
	}
}

//nolint:testpackage
package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	"github.com/ccache-core/ccache/pkg/config"
)

func TestDispatchAdminNoActionRequested(t *testing.T) {
	t.Parallel()

	err := New().Run(context.Background(), []string{"ccache-core", "--cache-dir", t.TempDir()})
	require.Error(t, err)
}

func TestDispatchAdminShowConfig(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{CacheDir: t.TempDir(), MaxSize: 42}
	flags := config.Flags(cfg)
	flags = append(flags, &cli.BoolFlag{Name: "show-config"})

	probe := &cli.Command{
		Name:  "ccache-core",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			require.NoError(t, config.FromCommand(cfg, cmd))
			return dispatchAdmin(ctx, cmd, cfg)
		},
	}

	err := probe.Run(context.Background(), []string{"ccache-core", "--show-config"})
	assert.NoError(t, err)
}

func TestDispatchAdminUnknownGetConfigKey(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{CacheDir: t.TempDir()}
	flags := config.Flags(cfg)
	flags = append(flags, &cli.StringFlag{Name: "get-config"})

	probe := &cli.Command{
		Name:  "ccache-core",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			require.NoError(t, config.FromCommand(cfg, cmd))
			return dispatchAdmin(ctx, cmd, cfg)
		},
	}

	err := probe.Run(context.Background(), []string{"ccache-core", "--get-config", "does-not-exist"})
	assert.Error(t, err)
}

// Package cmd builds the administrative *cli.Command surface spec.md §6
// describes for invocations with no compiler argument: cleanup, clear,
// show-config, show-stats, zero-stats, get-config, set-config,
// dump-manifest, hash-file and print-stats. The compiler-invocation surface
// (prefix mode / symlink mode) never reaches this package — urfave/cli/v3
// cannot be handed arbitrary compiler flags to parse, so cmd/ccache/main.go
// dispatches to it only after determining the invocation is administrative.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/ccache-core/ccache/pkg/config"
)

// Version defines the version of the binary, and is meant to be set with ldflags at build time.
//
//nolint:gochecknoglobals
var Version = "dev"

// New returns the administrative command. cfg is populated by the root
// Before hook via config.Flags/config.FromCommand and then read by every
// admin action, the same flag-then-Before-hook population pattern the
// teacher's cmd/cmd.go uses for its own settings.
func New() *cli.Command {
	var otelShutdown func(context.Context) error

	cfg := &config.Config{}

	flags := append(config.Flags(cfg),
		&cli.BoolFlag{Name: "cleanup", Aliases: []string{"c"}, Usage: "run cache cleanup (evict down to limits) on every shard"},
		&cli.BoolFlag{Name: "clear", Aliases: []string{"C"}, Usage: "clear the cache, preserving the configuration file"},
		&cli.BoolFlag{Name: "show-config", Aliases: []string{"p"}, Usage: "print the configuration that would be used"},
		&cli.BoolFlag{Name: "show-stats", Aliases: []string{"s"}, Usage: "print cache statistics, labeled"},
		&cli.BoolFlag{Name: "print-stats", Usage: "print cache statistics, one raw decimal integer per line"},
		&cli.BoolFlag{Name: "zero-stats", Aliases: []string{"z"}, Usage: "zero the cache statistics (except size/file counts)"},
		&cli.StringFlag{Name: "get-config", Aliases: []string{"k"}, Usage: "print the value of configuration key K"},
		&cli.StringFlag{Name: "set-config", Aliases: []string{"o"}, Usage: "set configuration key=value"},
		&cli.StringFlag{Name: "dump-manifest", Usage: "print a human-readable rendering of the manifest file at PATH"},
		&cli.StringFlag{Name: "hash-file", Usage: "print the hex digest of PATH's content, or \"-\" for stdin"},
		&cli.BoolFlag{
			Name:    "otel-enabled",
			Usage:   "Enable Open-Telemetry metrics and tracing.",
			Sources: cli.EnvVars("OTEL_ENABLED"),
		},
		&cli.StringFlag{
			Name: "otel-grpc-url",
			Usage: "Configure OpenTelemetry gRPC URL; missing or https " +
				"scheme enables secure gRPC, insecure otherwise. Omit to emit telemetry to stdout.",
			Sources: cli.EnvVars("OTEL_GRPC_URL"),
			Validator: func(colURL string) error {
				_, err := url.Parse(colURL)
				return err
			},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Set the log level",
			Sources: cli.EnvVars("LOG_LEVEL"),
			Value:   "info",
			Validator: func(lvl string) error {
				_, err := zerolog.ParseLevel(lvl)
				return err
			},
		},
	)

	return &cli.Command{
		Name:    "ccache-core",
		Usage:   "Compiler result cache administrative interface",
		Version: Version,
		Flags:   flags,
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			ctx = newLoggerContext(ctx, cmd)

			autoMaxProcs(ctx)

			res := newResource()
			var err error
			otelShutdown, err = setupOTelSDK(ctx, cmd, res)
			if err != nil {
				return ctx, err
			}

			if err := config.FromCommand(cfg, cmd); err != nil {
				return ctx, err
			}
			if err := os.MkdirAll(cfg.CacheDir, 0o700); err != nil {
				return ctx, fmt.Errorf("cmd: creating cache directory: %w", err)
			}

			return ctx, nil
		},
		After: func(ctx context.Context, _ *cli.Command) error {
			if otelShutdown != nil {
				return otelShutdown(ctx)
			}
			return nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return dispatchAdmin(ctx, cmd, cfg)
		},
	}
}

func newLoggerContext(ctx context.Context, cmd *cli.Command) context.Context {
	logLvl := cmd.String("log-level")
	lvl, err := zerolog.ParseLevel(logLvl)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var output io.Writer = os.Stdout
	if term.IsTerminal(int(os.Stdout.Fd())) {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).
		Level(lvl).
		With().
		Timestamp().
		Logger().
		WithContext(ctx)
}

// dispatchAdmin runs exactly one admin action, in the priority order
// ccache's own CLI documents (cleanup/clear take precedence over the
// read-only introspection actions, which take precedence over the bare
// no-compiler-given error).
func dispatchAdmin(ctx context.Context, cmd *cli.Command, cfg *config.Config) error {
	switch {
	case cmd.Bool("cleanup"):
		return cleanupAll(ctx, cfg)

	case cmd.Bool("clear"):
		return clearAll(cfg)

	case cmd.Bool("zero-stats"):
		return zeroStatsAll(ctx, cfg)

	case cmd.Bool("show-config"):
		printConfig(os.Stdout, cfg)
		return nil

	case cmd.Bool("show-stats"):
		total, err := aggregateStats(cfg)
		if err != nil {
			return err
		}
		printStatsLabeled(os.Stdout, total)
		return nil

	case cmd.Bool("print-stats"):
		total, err := aggregateStats(cfg)
		if err != nil {
			return err
		}
		printStatsRaw(os.Stdout, total)
		return nil

	case cmd.String("get-config") != "":
		value, found, err := getConfigKey(configFilePath(cfg.CacheDir), cmd.String("get-config"))
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("cmd: unknown configuration key %q", cmd.String("get-config"))
		}
		fmt.Fprintln(os.Stdout, value)
		return nil

	case cmd.String("set-config") != "":
		key, value, ok := splitConfigLine(cmd.String("set-config"))
		if !ok {
			return errors.New("cmd: --set-config expects key=value")
		}
		return setConfigKey(configFilePath(cfg.CacheDir), key, value)

	case cmd.String("dump-manifest") != "":
		return dumpManifestPath(os.Stdout, cmd.String("dump-manifest"))

	case cmd.String("hash-file") != "":
		return hashFilePath(os.Stdout, cmd.String("hash-file"))

	default:
		return errors.New("cmd: no compiler given and no administrative action requested; see --help")
	}
}

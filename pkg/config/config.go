// Package config assembles the read-only configuration value the core
// consumes (spec.md §6, "Config"). Unlike the teacher's cmd/cmd.go, there is
// no TOML/YAML/JSON cli-altsrc file layer here: the human-readable
// configuration-file reader is an external collaborator per spec.md §1, so
// this package only has to turn CLI flags and environment variables into an
// in-process Config — the same flag/env-fallback shape the teacher uses,
// minus the file-source chain.
//
// Grounded on _examples/original_source/src/conf.hpp's `struct conf` field
// list (the real ccache configuration keys this spec's Config subset was
// distilled from) and cmd/cmd.go's flagSources pattern of pairing a
// cli.StringFlag/BoolFlag with an environment-variable fallback.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/ccache-core/ccache/pkg/helper"
	"github.com/ccache-core/ccache/pkg/hashbuild"
	"github.com/ccache-core/ccache/pkg/sloppy"
	"github.com/ccache-core/ccache/pkg/store"
)

// numShards is the number of leading-hex-digit shard directories the store
// splits a cache root into (16^store.ShardDepth).
func numShards() int64 {
	n := int64(1)
	for i := 0; i < store.ShardDepth; i++ {
		n *= 16
	}
	return n
}

// ShardEvictConfig divides the cache-wide MaxFiles/MaxSize limits evenly
// across every shard, the same way the teacher's Cache.runLRU works off a
// single global total — generalized here because each shard's eviction
// (spec.md §4.E) only ever sees its own directory, never the whole cache.
func (c Config) ShardEvictConfig() store.EvictConfig {
	limitMultiple := c.LimitMultiple
	if limitMultiple <= 0 {
		limitMultiple = 0.8
	}
	n := numShards()
	return store.EvictConfig{
		MaxFilesPerShard: int64(c.MaxFiles) / n,
		MaxBytesPerShard: int64(c.MaxSize) / n,
		LimitMultiple:    limitMultiple,
	}
}

// Config is the read-only subset of ccache.conf's keys the core consumes
// directly (spec.md §6); everything else is the config-file reader's
// concern and never reaches this struct.
type Config struct {
	BaseDir  string
	CacheDir string

	Compiler      string
	CompilerCheck string // "mtime", "content", "string:<literal>", "none", or a command

	CPPExtension string

	Debug           bool
	DependMode      bool
	DirectMode      bool
	Disable         bool
	HardLink        bool
	HashDir         bool
	KeepCommentsCPP bool

	LimitMultiple float64

	MaxFiles uint64
	MaxSize  uint64

	PrefixCommand    string
	PrefixCommandCPP string

	ReadOnly       bool
	ReadOnlyDirect bool
	Recache        bool
	RunSecondCPP   bool

	Sloppiness sloppy.Set

	ExtraFilesToHash        []string
	IgnoreHeadersInManifest []string

	TemporaryDir string
	Umask        string
}

// CompilerCheckMode decodes the CompilerCheck string into the mode/literal
// pair hashbuild.CommonInputs expects, mirroring confitems.hpp's
// compiler_check parser (a bare keyword, or "string:<literal>"/a raw
// command).
func (c Config) CompilerCheckMode() (hashbuild.CompilerCheckMode, string) {
	switch {
	case c.CompilerCheck == "" || c.CompilerCheck == "mtime":
		return hashbuild.CompilerCheckMtime, ""
	case c.CompilerCheck == "content":
		return hashbuild.CompilerCheckContent, ""
	case c.CompilerCheck == "none":
		return hashbuild.CompilerCheckNone, ""
	case strings.HasPrefix(c.CompilerCheck, "string:"):
		return hashbuild.CompilerCheckString, strings.TrimPrefix(c.CompilerCheck, "string:")
	default:
		return hashbuild.CompilerCheckCommand, c.CompilerCheck
	}
}

// defaultCacheDir mirrors ccache's own default: $CCACHE_DIR, else
// ~/.cache/ccache (actually ~/.ccache historically; a sibling "ccache-core"
// name is used here so the core never shares state with a real ccache
// install it happens to sit beside).
func defaultCacheDir() string {
	if dir := os.Getenv("CCACHE_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "ccache-core")
	}
	return filepath.Join(home, ".cache", "ccache-core")
}

// Flags returns the cli.Flag set that populates a Config via a
// *cli.Command's Before hook, in the teacher's flag/env-fallback shape
// (cmd/cmd.go's flagSources) without the altsrc file layer.
func Flags(dst *Config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "base-dir",
			Sources:     cli.EnvVars("CCACHE_BASEDIR"),
			Destination: &dst.BaseDir,
		},
		&cli.StringFlag{
			Name:        "cache-dir",
			Sources:     cli.EnvVars("CCACHE_DIR"),
			Value:       defaultCacheDir(),
			Destination: &dst.CacheDir,
		},
		&cli.StringFlag{
			Name:        "compiler",
			Sources:     cli.EnvVars("CCACHE_COMPILER"),
			Destination: &dst.Compiler,
		},
		&cli.StringFlag{
			Name:        "compiler-check",
			Sources:     cli.EnvVars("CCACHE_COMPILERCHECK"),
			Value:       "mtime",
			Destination: &dst.CompilerCheck,
		},
		&cli.StringFlag{
			Name:        "cpp-extension",
			Sources:     cli.EnvVars("CCACHE_CPP2"),
			Value:       "i",
			Destination: &dst.CPPExtension,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Sources:     cli.EnvVars("CCACHE_DEBUG"),
			Destination: &dst.Debug,
		},
		&cli.BoolFlag{
			Name:        "depend-mode",
			Sources:     cli.EnvVars("CCACHE_DEPEND"),
			Destination: &dst.DependMode,
		},
		&cli.BoolFlag{
			Name:    "no-direct",
			Sources: cli.EnvVars("CCACHE_NODIRECT"),
		},
		&cli.BoolFlag{
			Name:        "disable",
			Sources:     cli.EnvVars("CCACHE_DISABLE"),
			Destination: &dst.Disable,
		},
		&cli.BoolFlag{
			Name:        "hard-link",
			Sources:     cli.EnvVars("CCACHE_HARDLINK"),
			Destination: &dst.HardLink,
		},
		&cli.BoolFlag{
			Name:    "no-hash-dir",
			Sources: cli.EnvVars("CCACHE_NOHASHDIR"),
		},
		&cli.BoolFlag{
			Name:        "keep-comments-cpp",
			Sources:     cli.EnvVars("CCACHE_COMMENTS"),
			Destination: &dst.KeepCommentsCPP,
		},
		&cli.FloatFlag{
			Name:        "limit-multiple",
			Sources:     cli.EnvVars("CCACHE_LIMIT_MULTIPLE"),
			Value:       0.8,
			Destination: &dst.LimitMultiple,
		},
		&cli.StringFlag{
			Name:    "max-files",
			Aliases: []string{"F"},
			Sources: cli.EnvVars("CCACHE_MAXFILES"),
		},
		&cli.StringFlag{
			Name:    "max-size",
			Aliases: []string{"M"},
			Sources: cli.EnvVars("CCACHE_MAXSIZE"),
			Value:   "5G",
		},
		&cli.StringFlag{
			Name:        "prefix-command",
			Sources:     cli.EnvVars("CCACHE_PREFIX"),
			Destination: &dst.PrefixCommand,
		},
		&cli.StringFlag{
			Name:        "prefix-command-cpp",
			Sources:     cli.EnvVars("CCACHE_PREFIX_CPP"),
			Destination: &dst.PrefixCommandCPP,
		},
		&cli.BoolFlag{
			Name:        "read-only",
			Sources:     cli.EnvVars("CCACHE_READONLY"),
			Destination: &dst.ReadOnly,
		},
		&cli.BoolFlag{
			Name:        "read-only-direct",
			Sources:     cli.EnvVars("CCACHE_READONLY_DIRECT"),
			Destination: &dst.ReadOnlyDirect,
		},
		&cli.BoolFlag{
			Name:        "recache",
			Sources:     cli.EnvVars("CCACHE_RECACHE"),
			Destination: &dst.Recache,
		},
		&cli.BoolFlag{
			Name:        "run-second-cpp",
			Sources:     cli.EnvVars("CCACHE_CPP2"),
			Value:       true,
			Destination: &dst.RunSecondCPP,
		},
		&cli.StringFlag{
			Name:    "sloppiness",
			Sources: cli.EnvVars("CCACHE_SLOPPINESS"),
		},
		&cli.StringSliceFlag{
			Name:    "extra-files-to-hash",
			Sources: cli.EnvVars("CCACHE_EXTRAFILES"),
		},
		&cli.StringSliceFlag{
			Name:    "ignore-headers-in-manifest",
			Sources: cli.EnvVars("CCACHE_IGNOREHEADERS"),
		},
		&cli.StringFlag{
			Name:        "temporary-dir",
			Sources:     cli.EnvVars("CCACHE_TEMPDIR"),
			Destination: &dst.TemporaryDir,
		},
		&cli.StringFlag{
			Name:        "umask",
			Sources:     cli.EnvVars("CCACHE_UMASK"),
			Destination: &dst.Umask,
		},
	}
}

// FromCommand finishes populating dst from flags whose destinations could
// not be a plain field pointer (size units, sloppiness bitset, path lists),
// after cmd's flags have been parsed. Call this from the owning
// *cli.Command's Before hook.
func FromCommand(dst *Config, cmd *cli.Command) error {
	maxFiles, err := parseUintFlag(cmd, "max-files")
	if err != nil {
		return fmt.Errorf("config: parsing max-files: %w", err)
	}
	dst.MaxFiles = maxFiles

	maxSize, err := helper.ParseSize(cmd.String("max-size"))
	if err != nil {
		return fmt.Errorf("config: parsing max-size: %w", err)
	}
	dst.MaxSize = maxSize

	dst.Sloppiness = sloppy.Parse(cmd.String("sloppiness"))
	dst.ExtraFilesToHash = cmd.StringSlice("extra-files-to-hash")
	dst.IgnoreHeadersInManifest = cmd.StringSlice("ignore-headers-in-manifest")

	dst.DirectMode = !cmd.Bool("no-direct")
	dst.HashDir = !cmd.Bool("no-hash-dir")

	if dst.TemporaryDir == "" {
		dst.TemporaryDir = filepath.Join(dst.CacheDir, "tmp")
	}

	return nil
}

func parseUintFlag(cmd *cli.Command, name string) (uint64, error) {
	raw := cmd.String(name)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

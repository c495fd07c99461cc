// Package sloppy implements the sloppiness bitset the rest of the core
// consults when deciding whether to tolerate an otherwise-unsafe cache
// reuse (spec.md §4.F, §4.I, §9 non-goals: "the core merely records which
// relaxations were used").
//
// Grounded on spec.md's scattered sloppiness mentions (time_macros,
// include_file_mtime, include_file_ctime, system_headers,
// file_stat_matches, locale, pch_defines); no teacher analog exists, so
// this is a small hand-rolled bitset rather than an imported flag library
// (see DESIGN.md's stdlib-usage section).
package sloppy

import (
	"sort"
	"strings"
)

// Flag is one independently-togglable relaxation.
type Flag uint32

const (
	TimeMacros Flag = 1 << iota
	IncludeFileMtime
	IncludeFileCtime
	SystemHeaders
	FileStatMatches
	Locale
	PCHDefines
	NoHashDir
)

var names = map[string]Flag{
	"time_macros":         TimeMacros,
	"include_file_mtime":  IncludeFileMtime,
	"include_file_ctime":  IncludeFileCtime,
	"system_headers":      SystemHeaders,
	"file_stat_matches":   FileStatMatches,
	"locale":              Locale,
	"pch_defines":         PCHDefines,
	"no_hash_dir":         NoHashDir,
}

// Set is an immutable bag of enabled sloppiness flags.
type Set uint32

// Parse builds a Set from a comma-separated list of sloppiness names
// (the form the configuration file and CCACHE_SLOPPINESS env var use).
// Unknown names are ignored, matching ccache's own forward-compatible
// parsing of newer names by older builds.
func Parse(csv string) Set {
	var s Set
	for _, name := range strings.Split(csv, ",") {
		name = strings.TrimSpace(name)
		if f, ok := names[name]; ok {
			s |= Set(f)
		}
	}
	return s
}

// Has reports whether f is enabled in s.
func (s Set) Has(f Flag) bool {
	return Flag(s)&f != 0
}

// String renders s back into the comma-separated form Parse accepts, for
// -p/--show-config's display of the active sloppiness set.
func (s Set) String() string {
	var enabled []string
	for name, f := range names {
		if s.Has(f) {
			enabled = append(enabled, name)
		}
	}
	sort.Strings(enabled)
	return strings.Join(enabled, ",")
}

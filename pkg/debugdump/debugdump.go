// Package debugdump writes the debug-mode artifacts spec.md §7 describes:
// a text log of every hash input, a binary copy per hash stage, and a
// per-invocation log buffer, all named after the invocation's output file.
//
// Grounded on _examples/original_source/src/ccache.c's init_hash_debug
// (per-hash-stage "<obj_path>.ccache-input-%c" binary dump gated on
// conf->debug) and dump_debug_log_buffer_exitfn ("<obj_path>.ccache-log"),
// adapted from obj_path (the cache-internal ObjectKey path) to spec.md §7's
// <output> (the invocation's requested output file).
package debugdump

import (
	"fmt"
	"os"
)

// Stage identifies which hash-building phase a binary dump belongs to,
// matching the single-character suffixes ccache.c's init_hash_debug uses.
type Stage byte

const (
	StageCommon       Stage = 'c'
	StageDirect       Stage = 'd'
	StagePreprocessor Stage = 'p'
)

// Dumper writes the debug artifacts for one invocation when enabled;
// all methods are no-ops when Enabled is false, so callers can invoke them
// unconditionally.
type Dumper struct {
	Enabled bool
	Output  string // the invocation's requested output path, e.g. "a.o"

	log []string
}

func (d *Dumper) path(suffix string) string {
	return d.Output + suffix
}

// WriteInputText writes the delimited text log of every hashed (tag,
// value) pair to "<output>.ccache-input-text".
func (d *Dumper) WriteInputText(text []byte) error {
	if !d.Enabled {
		return nil
	}
	if err := os.WriteFile(d.path(".ccache-input-text"), text, 0o600); err != nil {
		return fmt.Errorf("debugdump: writing input-text: %w", err)
	}
	return nil
}

// WriteInputBinary writes the raw bytes fed into one hash stage to
// "<output>.ccache-input-{c,d,p}".
func (d *Dumper) WriteInputBinary(stage Stage, data []byte) error {
	if !d.Enabled {
		return nil
	}
	path := d.path(fmt.Sprintf(".ccache-input-%c", byte(stage)))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("debugdump: writing input binary %q: %w", path, err)
	}
	return nil
}

// Logf appends a formatted line to the in-memory per-invocation log
// buffer; Flush writes it to "<output>.ccache-log" at the end of the
// invocation, mirroring ccache.c's exitfn-registered buffer dump.
func (d *Dumper) Logf(format string, args ...any) {
	if !d.Enabled {
		return
	}
	d.log = append(d.log, fmt.Sprintf(format, args...))
}

// Flush writes the accumulated log buffer to "<output>.ccache-log".
func (d *Dumper) Flush() error {
	if !d.Enabled || len(d.log) == 0 {
		return nil
	}

	var buf []byte
	for _, line := range d.log {
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	if err := os.WriteFile(d.path(".ccache-log"), buf, 0o600); err != nil {
		return fmt.Errorf("debugdump: writing log buffer: %w", err)
	}
	return nil
}

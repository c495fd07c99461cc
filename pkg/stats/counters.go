// Package stats implements the per-shard statistics counters of spec.md
// §3/§4.D: a dense, growable vector of non-negative integers persisted as
// one decimal integer per line, read-modify-written under the shard's file
// lock.
//
// Grounded on _examples/original_source/counters.c (growable counter
// array with resize-preserves-unknown-trailing-entries semantics) and
// _examples/original_source/src/Statistics.cpp (the positional field
// enumeration); the lock discipline follows pkg/lock.
package stats

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Field indexes the fixed enumeration of counters (spec.md §3). The vector
// is growable: readers tolerate files with more entries than this
// enumeration knows about, and writers preserve unknown trailing entries.
type Field int

const (
	HitDirect Field = iota
	HitPreprocessor
	Miss
	FilesInShard
	KibibytesInShard
	CleanupsRun
	LastZeroTimestamp

	// Failure-reason counters, one per classified fall-back reason
	// (spec.md §7).
	ErrorCalledForLink
	ErrorCalledForPreprocessing
	ErrorMultipleSourceFiles
	ErrorUnsupportedOption
	ErrorUnsupportedSourceLanguage
	ErrorAutoconfTest
	ErrorBadCompilerArguments
	ErrorBadOutputFile
	ErrorNoInputFile
	ErrorOutputToStdout
	ErrorPreprocessorError
	ErrorCompileFailed
	ErrorMissingCacheFile
	ErrorCannotUsePCH
	ErrorUnsupportedCodeDirective
	ErrorInternalError

	// numKnownFields must stay last: it is the number of fields *this*
	// build knows about, not a hard cap (spec.md §3: "the vector is
	// growable").
	numKnownFields
)

// NumKnownFields is the number of counters this build understands.
func NumKnownFields() int { return int(numKnownFields) }

// Counters is a dense vector of non-negative integers indexed by Field.
// The zero value is a vector of all-zero known fields.
type Counters struct {
	data []int64
}

// New returns a zeroed Counters with at least NumKnownFields entries.
func New() *Counters {
	return &Counters{data: make([]int64, numKnownFields)}
}

// Get returns the value at f, or 0 if f is beyond the vector's current
// size.
func (c *Counters) Get(f Field) int64 {
	if int(f) >= len(c.data) {
		return 0
	}
	return c.data[f]
}

// Set assigns the value at f, growing the vector if necessary.
func (c *Counters) Set(f Field, v int64) {
	c.resize(int(f) + 1)
	c.data[f] = v
}

// Add increments the value at f by delta, growing the vector if
// necessary. Negative deltas are clamped at 0 (counters are non-negative,
// spec.md §3).
func (c *Counters) Add(f Field, delta int64) {
	c.resize(int(f) + 1)
	c.data[f] += delta
	if c.data[f] < 0 {
		c.data[f] = 0
	}
}

func (c *Counters) resize(n int) {
	if n <= len(c.data) {
		return
	}

	grown := make([]int64, n)
	copy(grown, c.data)
	c.data = grown
}

// Merge adds every field of delta into c, used to flush a per-invocation
// pending delta into a freshly-read on-disk vector (spec.md §4.D).
func (c *Counters) Merge(delta *Counters) {
	for i, v := range delta.data {
		c.Add(Field(i), v)
	}
}

// Len returns the number of entries currently tracked (>= NumKnownFields
// once any field has been touched, but may also exceed it if the on-disk
// file was written by a newer build).
func (c *Counters) Len() int { return len(c.data) }

// Parse reads the positional-decimal-integer format of spec.md §6. A
// corrupt (non-decimal) line yields a zero vector rather than an error,
// matching spec.md §8 boundary behavior #11: "A corrupt counters file
// (non-decimal content) yields a zero vector; the next write
// re-establishes validity."
func Parse(r *bufio.Reader) *Counters {
	c := New()

	var lines []int64

	for {
		line, err := r.ReadString('\n')
		trimmed := strings.TrimSpace(line)

		if trimmed != "" {
			v, perr := strconv.ParseInt(trimmed, 10, 64)
			if perr != nil {
				return New() // corrupt file: zero vector, not an error
			}
			lines = append(lines, v)
		}

		if err != nil {
			break
		}
	}

	if len(lines) > len(c.data) {
		c.resize(len(lines))
	}
	copy(c.data, lines)

	return c
}

// ReadFile loads Counters from path, returning a zero vector (not an
// error) if the file does not exist or is corrupt.
func ReadFile(path string) (*Counters, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, fmt.Errorf("stats: opening %q: %w", path, err)
	}
	defer f.Close()

	return Parse(bufio.NewReader(f)), nil
}

// Encode serializes c in the one-decimal-integer-per-line format.
func (c *Counters) Encode() []byte {
	var b strings.Builder
	for _, v := range c.data {
		fmt.Fprintf(&b, "%d\n", v)
	}
	return []byte(b.String())
}

// Zero resets every known position to 0 except FilesInShard and
// KibibytesInShard (which describe current, not cumulative, state) and
// stamps LastZeroTimestamp, matching spec.md §6 "Reset (-z) zeros all
// positions except size/file-count...".
func (c *Counters) Zero(now int64) {
	filesInShard := c.Get(FilesInShard)
	kibibytesInShard := c.Get(KibibytesInShard)

	trailing := make([]int64, 0)
	if len(c.data) > int(numKnownFields) {
		trailing = append(trailing, c.data[numKnownFields:]...)
	}

	c.data = make([]int64, numKnownFields)
	c.data = append(c.data, trailing...)

	c.Set(FilesInShard, filesInShard)
	c.Set(KibibytesInShard, kibibytesInShard)
	c.Set(LastZeroTimestamp, now)
}

// Package manifest implements the direct-mode index of spec.md §4.G: a
// persistent mapping from a set of concrete include-file states to an
// ObjectKey, stored as one binary file per ManifestKey next to the cache
// shard it belongs to.
//
// Grounded on spec.md §6's authoritative binary layout (no teacher analog
// in kalbasit-ncps, which has no manifest-like structure; the bounded
// record counts and magic/version handling below are spelled out directly
// by the specification rather than copied from any example).
package manifest

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ccache-core/ccache/pkg/digest"
)

const (
	// MagicLegacy and MagicCurrent are the two manifest magic values
	// observed across ccache versions (spec.md §9 open question): both
	// are accepted on read, only MagicCurrent is written.
	MagicLegacy  uint32 = 0x63436d46 // the raw integer form
	MagicCurrent uint32 = 0x63436d46 // "cCmF" read big-endian is the same value

	// CurrentVersion is the only version byte this build writes and the
	// only one Decode recognizes; any other version byte is treated as
	// "manifest absent" per spec.md §8 invariant #10.
	CurrentVersion byte = 1

	// MaxResults and MaxIncludeEntries are M_R and M_F from spec.md §4:
	// when either bound is exceeded on write, the manifest is discarded
	// and rebuilt from just the new Result.
	MaxResults        = 100
	MaxIncludeEntries = 10000

	maxPathLen = 1024
)

// IncludeEntry records one included file's state at the time a Result was
// recorded: its digest plus the stat fields needed to detect that the file
// has since changed (spec.md §6).
type IncludeEntry struct {
	Path   string
	Digest digest.Digest
	Size   uint64
	Mtime  int64
	Ctime  int64
}

// Result is one cached outcome: the set of include files (by index into
// the manifest's path table) that must all still match for this
// ObjectKey to be reusable.
type Result struct {
	EntryIndices []uint32
	ObjectKey    digest.Digest
}

// Manifest is the in-memory form of a parsed manifest file.
type Manifest struct {
	Paths   []string
	Entries []IncludeEntry
	Results []Result
}

func empty() *Manifest {
	return &Manifest{}
}

// StatFunc abstracts the filesystem stat call so lookup can be tested
// against synthetic file states without touching disk, and so a single
// lookup can cache repeated stats of the same path (spec.md §4.G:
// "Stat P once per lookup").
type StatFunc func(path string) (size uint64, mtime, ctime int64, err error)

// DigestFunc abstracts re-hashing a file's current content.
type DigestFunc func(path string) (digest.Digest, error)

// Acceptor decides, for one IncludeEntry, whether its recorded state still
// matches the filesystem under the caller's configured sloppiness (e.g.
// whether mtime/ctime mismatches are tolerated). It receives the already
// st.ed values so the manifest package stays free of sloppiness policy.
type Acceptor func(entry IncludeEntry, size uint64, mtime, ctime int64, digestMatches bool) bool

// Get performs manifest_get (spec.md §4.G): parse the manifest at path and
// return the ObjectKey of the newest Result whose every IncludeEntry is
// still accepted. Returns (zero, false, nil) when no Result matches or the
// manifest is absent/unreadable — manifest absence is never an error.
func Get(ctx context.Context, path string, stat StatFunc, dig DigestFunc, accept Acceptor) (digest.Digest, bool, error) {
	m, err := readFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return digest.Digest{}, false, nil
		}
		zerolog.Ctx(ctx).Debug().Err(err).Str("path", path).Msg("manifest: treating unreadable manifest as absent")
		return digest.Digest{}, false, nil
	}
	if m == nil {
		return digest.Digest{}, false, nil
	}

	type statResult struct {
		size          uint64
		mtime, ctime  int64
		digestMatches bool
		err           error
	}
	cache := make(map[int]statResult, len(m.Entries))

	statEntry := func(idx int) statResult {
		if r, ok := cache[idx]; ok {
			return r
		}
		e := m.Entries[idx]
		size, mtime, ctime, err := stat(e.Path)
		r := statResult{size: size, mtime: mtime, ctime: ctime, err: err}
		if err == nil {
			if d, derr := dig(e.Path); derr == nil {
				r.digestMatches = d == e.Digest
			}
		}
		cache[idx] = r
		return r
	}

	for i := len(m.Results) - 1; i >= 0; i-- {
		r := m.Results[i]

		ok := true
		for _, idx := range r.EntryIndices {
			if int(idx) >= len(m.Entries) {
				ok = false
				break
			}
			sr := statEntry(int(idx))
			if sr.err != nil {
				ok = false
				break
			}
			if !accept(m.Entries[idx], sr.size, sr.mtime, sr.ctime, sr.digestMatches) {
				ok = false
				break
			}
		}

		if ok {
			touchMtime(path)
			return r.ObjectKey, true, nil
		}
	}

	return digest.Digest{}, false, nil
}

func touchMtime(path string) {
	now := time.Now()
	_ = os.Chtimes(path, now, now)
}

// Put performs manifest_put (spec.md §4.G): read the existing manifest (if
// any), append a new Result built from entries, and atomically replace the
// manifest file. Exceeding MaxResults or MaxIncludeEntries discards the
// existing manifest and rebuilds with only the new Result, per spec.md §4.
//
// Manifest updates are deliberately not locked: an interleaved put by
// another process may lose one entry, which spec.md §4.G accepts.
func Put(ctx context.Context, path string, objectKey digest.Digest, entries []IncludeEntry) error {
	existing, err := readFile(path)
	if err != nil && !os.IsNotExist(err) {
		zerolog.Ctx(ctx).Debug().Err(err).Str("path", path).Msg("manifest: discarding unreadable manifest on put")
		existing = nil
	}
	if existing == nil {
		existing = empty()
	}

	merged := mergeEntries(existing.Paths, existing.Entries, entries)

	result := Result{ObjectKey: objectKey}
	for _, e := range entries {
		result.EntryIndices = append(result.EntryIndices, merged.indexOf(e.Path))
	}

	results := append(append([]Result{}, existing.Results...), result)

	if len(results) > MaxResults || len(merged.entries) > MaxIncludeEntries {
		results = []Result{{ObjectKey: objectKey}}
		merged = newEntryTable()
		for _, e := range entries {
			merged.add(e)
			results[0].EntryIndices = append(results[0].EntryIndices, merged.indexOf(e.Path))
		}
	}

	out := &Manifest{
		Paths:   merged.paths(),
		Entries: merged.entries,
		Results: results,
	}

	return writeFile(path, out)
}

// entryTable deduplicates IncludeEntry records by path while writing, so
// that "within one Manifest, no two IncludeEntry records are byte-equal"
// (spec.md §4) holds for the common case of the same header recurring
// across many Results.
type entryTable struct {
	entries []IncludeEntry
	index   map[string]uint32
}

func newEntryTable() *entryTable {
	return &entryTable{index: make(map[string]uint32)}
}

func mergeEntries(existingPaths []string, existingEntries []IncludeEntry, fresh []IncludeEntry) *entryTable {
	t := newEntryTable()
	for _, e := range existingEntries {
		t.add(e)
	}
	for _, e := range fresh {
		t.add(e)
	}
	_ = existingPaths
	return t
}

func (t *entryTable) add(e IncludeEntry) {
	if idx, ok := t.index[e.Path]; ok {
		t.entries[idx] = e
		return
	}
	t.index[e.Path] = uint32(len(t.entries))
	t.entries = append(t.entries, e)
}

func (t *entryTable) indexOf(path string) uint32 {
	return t.index[path]
}

func (t *entryTable) paths() []string {
	out := make([]string, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.Path
	}
	return out
}

// Dump writes a human-readable rendering of the manifest at path to w, for
// the `--dump-manifest` admin subcommand (SPEC_FULL.md module expansion).
func Dump(w io.Writer, path string) error {
	m, err := readFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("manifest: reading %q: %w", path, err)
	}
	if m == nil {
		fmt.Fprintf(w, "%s: manifest absent or unrecognized\n", path)
		return nil
	}

	fmt.Fprintf(w, "manifest: %s\n", path)
	fmt.Fprintf(w, "paths (%d):\n", len(m.Paths))
	for i, p := range m.Paths {
		fmt.Fprintf(w, "  [%d] %s\n", i, p)
	}
	fmt.Fprintf(w, "include entries (%d):\n", len(m.Entries))
	for i, e := range m.Entries {
		fmt.Fprintf(w, "  [%d] path=%s digest=%s size=%d mtime=%d ctime=%d\n", i, e.Path, e.Digest, e.Size, e.Mtime, e.Ctime)
	}
	fmt.Fprintf(w, "results (%d):\n", len(m.Results))
	for i, r := range m.Results {
		fmt.Fprintf(w, "  [%d] object_key=%s entries=%v\n", i, r.ObjectKey, r.EntryIndices)
	}
	return nil
}

// sortedEntryPaths returns the paths of t's entries in sorted order, for
// assertions that need a deterministic ordering; nothing in the repository
// calls it.
func sortedEntryPaths(t *entryTable) []string {
	out := append([]string{}, t.paths()...)
	sort.Strings(out)
	return out
}

// writeFile serializes m to a temp file under filepath.Dir(path) and
// renames it into place atomically (spec.md §9 "manual temp-file + rename
// → scoped resource").
func writeFile(path string, m *Manifest) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("manifest: creating directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, fmt.Sprintf("manifest-%s-*.tmp", uuid.NewString()))
	if err != nil {
		return fmt.Errorf("manifest: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	ok := false
	defer func() {
		if !ok {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if err := encode(tmp, m); err != nil {
		return fmt.Errorf("manifest: encoding: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("manifest: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("manifest: renaming into place: %w", err)
	}
	ok = true
	return nil
}

// readFile loads and parses the manifest at path. It returns (nil, nil)
// when the file exists but carries an unrecognized magic or version,
// matching spec.md §8 invariant #10 ("treated as absent... neither
// crashes the invocation").
func readFile(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	m, err := Decode(b)
	if err != nil {
		if err == errUnrecognized {
			return nil, nil
		}
		return nil, err
	}
	return m, nil
}

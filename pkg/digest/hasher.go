package digest

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// delimiterByte separates semantically distinct hashed regions so that
// concatenation across regions cannot collide, e.g. ["-I", "-O2"] must hash
// differently from ["-I-O2"] (spec.md §4.A).
const delimiterByte = 0xFE

// Hasher is a streaming builder of a Digest. It is not safe for concurrent
// use; one Hasher belongs to one invocation's hash computation.
type Hasher struct {
	h *blake3.Hasher
}

// New returns a Hasher ready to accept input. This is the "begin" operation
// of spec.md §4.A.
func New() *Hasher {
	return &Hasher{h: blake3.New()}
}

// Append feeds raw bytes into the hash with no delimiter.
func (h *Hasher) Append(b []byte) *Hasher {
	_, _ = h.h.Write(b)
	return h
}

// AppendString is a convenience wrapper around Append.
func (h *Hasher) AppendString(s string) *Hasher {
	return h.Append([]byte(s))
}

// AppendDelimiter appends the sentinel delimiter byte followed by a
// NUL-terminated tag, marking the start of a new semantic region.
func (h *Hasher) AppendDelimiter(tag string) *Hasher {
	h.h.Write([]byte{delimiterByte})
	h.h.Write([]byte(tag))
	h.h.Write([]byte{0})
	return h
}

// AppendInt appends a fixed-width big-endian representation of an integer.
// Used for lengths and small enumerations that must hash distinctly from
// their string forms.
func (h *Hasher) AppendInt(v int64) *Hasher {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	h.h.Write(buf[:])
	return h
}

// AppendTagged hashes a (tag, value) pair as one delimited region. This is
// the shape every §4.H argument contribution and every §4.I input uses.
func (h *Hasher) AppendTagged(tag string, value []byte) *Hasher {
	h.AppendDelimiter(tag)
	h.Append(value)
	return h
}

// AppendFile streams the contents of the file at path into the hash under
// the given tag. Returns an error if the file cannot be opened or read;
// callers treat that as a scanner/hash-builder failure (spec.md §4.F/§4.I).
func (h *Hasher) AppendFile(tag, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h.AppendDelimiter(tag)
	_, err = io.Copy(h.h, f)
	return err
}

// Finalize returns the Digest built so far. The Hasher may continue to be
// used afterward (BLAKE3 finalize does not consume state), mirroring the
// reference implementation's ability to take a hash snapshot mid-stream.
func (h *Hasher) Finalize() Digest {
	full := h.h.Sum(nil)
	var d Digest
	copy(d[:], full[:Size])
	return d
}

// Clone returns an independent copy of the hasher's current state, useful
// for computing the common hash once and branching into direct-mode and
// preprocessor-mode extensions (spec.md §4.I) without recomputing it twice.
func (h *Hasher) Clone() *Hasher {
	return &Hasher{h: h.h.Clone()}
}

// Package digest implements the fixed-width content digest used to key
// every object in the cache, and the streaming hasher used to build it.
//
// The hashing primitive itself is treated as a replaceable black box (see
// spec.md §1); this package wires it to BLAKE3, truncated to the reference
// 20-byte width, rather than rolling a bespoke MD4/xxHash implementation.
package digest

import (
	"encoding/hex"
	"errors"

	"github.com/zeebo/blake3"
)

// Size is the width, in bytes, of a Digest. 20 bytes matches ccache's
// reference width (spec.md §3).
const Size = 20

// ErrShortDigest is returned by FromBytes when the input is narrower than
// Size.
var ErrShortDigest = errors.New("digest: input shorter than digest size")

// Digest is an opaque fixed-width content digest. Equality is byte-equality.
type Digest [Size]byte

// String returns the lowercase hex encoding of d.
func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// IsZero reports whether d is the all-zero digest (used as a sentinel for
// "no digest computed yet").
func (d Digest) IsZero() bool { return d == Digest{} }

// FromBytes builds a Digest by truncating b to Size bytes.
func FromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) < Size {
		return d, ErrShortDigest
	}
	copy(d[:], b[:Size])
	return d, nil
}

// FromHex parses a lowercase (or mixed-case) hex string into a Digest.
func FromHex(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, err
	}
	return FromBytes(b)
}

// full computes the full-width BLAKE3 sum of b.
func full(b []byte) [32]byte { return blake3.Sum256(b) }

// Sum returns the Digest of b in one call.
func Sum(b []byte) Digest {
	full := full(b)
	var d Digest
	copy(d[:], full[:Size])
	return d
}

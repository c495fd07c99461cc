package manifest

import (
	"bufio"
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"io"

	"github.com/ccache-core/ccache/pkg/digest"
)

// errUnrecognized signals an unknown magic or version, which callers
// translate into "manifest absent" rather than an error (spec.md §8
// invariant #10).
var errUnrecognized = errors.New("manifest: unrecognized magic or version")

var errPathTooLong = errors.New("manifest: path exceeds 1024 bytes")

// Decode parses a manifest file's raw bytes, transparently accepting
// either a zlib-compressed or a raw stream (spec.md §6: "the file may be
// zlib-compressed; readers must accept either form").
func Decode(raw []byte) (*Manifest, error) {
	body := raw
	if zr, err := zlib.NewReader(bytes.NewReader(raw)); err == nil {
		decompressed, derr := io.ReadAll(zr)
		zr.Close()
		if derr == nil {
			body = decompressed
		}
	}

	r := bufio.NewReader(bytes.NewReader(body))

	var magic uint32
	if err := binary.Read(r, binary.BigEndian, &magic); err != nil {
		return nil, errUnrecognized
	}
	if magic != MagicCurrent && magic != MagicLegacy {
		return nil, errUnrecognized
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, errUnrecognized
	}
	version := header[0]
	if version != CurrentVersion {
		return nil, errUnrecognized
	}
	// header[1:4] are the legacy "hash size" and padding reserved bytes;
	// both 16/0/0 and 0/0/0 are observed on read (spec.md §9) and carry
	// no meaning here.

	m := &Manifest{}

	var nPaths uint32
	if err := binary.Read(r, binary.BigEndian, &nPaths); err != nil {
		return nil, err
	}
	m.Paths = make([]string, nPaths)
	for i := range m.Paths {
		s, err := readNulString(r)
		if err != nil {
			return nil, err
		}
		m.Paths[i] = s
	}

	var nEntries uint32
	if err := binary.Read(r, binary.BigEndian, &nEntries); err != nil {
		return nil, err
	}
	m.Entries = make([]IncludeEntry, nEntries)
	for i := range m.Entries {
		var pathIndex uint32
		if err := binary.Read(r, binary.BigEndian, &pathIndex); err != nil {
			return nil, err
		}
		var d digest.Digest
		if _, err := io.ReadFull(r, d[:]); err != nil {
			return nil, err
		}
		var size uint64
		var mtime, ctime int64
		if err := binary.Read(r, binary.BigEndian, &size); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.BigEndian, &mtime); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.BigEndian, &ctime); err != nil {
			return nil, err
		}
		path := ""
		if int(pathIndex) < len(m.Paths) {
			path = m.Paths[pathIndex]
		}
		m.Entries[i] = IncludeEntry{Path: path, Digest: d, Size: size, Mtime: mtime, Ctime: ctime}
	}

	var nResults uint32
	if err := binary.Read(r, binary.BigEndian, &nResults); err != nil {
		return nil, err
	}
	m.Results = make([]Result, nResults)
	for i := range m.Results {
		var k uint32
		if err := binary.Read(r, binary.BigEndian, &k); err != nil {
			return nil, err
		}
		indices := make([]uint32, k)
		for j := range indices {
			if err := binary.Read(r, binary.BigEndian, &indices[j]); err != nil {
				return nil, err
			}
		}
		var objKey digest.Digest
		if _, err := io.ReadFull(r, objKey[:]); err != nil {
			return nil, err
		}
		m.Results[i] = Result{EntryIndices: indices, ObjectKey: objKey}
	}

	return m, nil
}

func readNulString(r *bufio.Reader) (string, error) {
	s, err := r.ReadString(0)
	if err != nil {
		return "", err
	}
	s = s[:len(s)-1]
	if len(s) > maxPathLen {
		return "", errPathTooLong
	}
	return s, nil
}

// encode writes m to w in the uncompressed wire format of spec.md §6. This
// build never emits the zlib-compressed form on write — it only needs to
// accept it, per spec.md §6 and the DESIGN.md justification for using
// compress/zlib purely as a decode-side compatibility shim.
func encode(w io.Writer, m *Manifest) error {
	bw := bufio.NewWriter(w)

	if err := binary.Write(bw, binary.BigEndian, MagicCurrent); err != nil {
		return err
	}
	if _, err := bw.Write([]byte{CurrentVersion, 16, 0, 0}); err != nil {
		return err
	}

	if err := binary.Write(bw, binary.BigEndian, uint32(len(m.Paths))); err != nil {
		return err
	}
	for _, p := range m.Paths {
		if len(p) > maxPathLen {
			return errPathTooLong
		}
		if _, err := bw.WriteString(p); err != nil {
			return err
		}
		if err := bw.WriteByte(0); err != nil {
			return err
		}
	}

	if err := binary.Write(bw, binary.BigEndian, uint32(len(m.Entries))); err != nil {
		return err
	}
	pathIndex := make(map[string]uint32, len(m.Paths))
	for i, p := range m.Paths {
		pathIndex[p] = uint32(i)
	}
	for _, e := range m.Entries {
		if err := binary.Write(bw, binary.BigEndian, pathIndex[e.Path]); err != nil {
			return err
		}
		if _, err := bw.Write(e.Digest[:]); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.BigEndian, e.Size); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.BigEndian, e.Mtime); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.BigEndian, e.Ctime); err != nil {
			return err
		}
	}

	if err := binary.Write(bw, binary.BigEndian, uint32(len(m.Results))); err != nil {
		return err
	}
	for _, r := range m.Results {
		if err := binary.Write(bw, binary.BigEndian, uint32(len(r.EntryIndices))); err != nil {
			return err
		}
		for _, idx := range r.EntryIndices {
			if err := binary.Write(bw, binary.BigEndian, idx); err != nil {
				return err
			}
		}
		if _, err := bw.Write(r.ObjectKey[:]); err != nil {
			return err
		}
	}

	return bw.Flush()
}

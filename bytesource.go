// Copyright 2024 The exe authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package exe

import (
	"bytes"
	"encoding/binary"
	"errors"

	mmap "github.com/edsrzf/mmap-go"
	"golang.org/x/text/encoding/unicode"
)

// ErrOutsideBoundary is returned by every ByteSource accessor when the
// requested read falls outside the backing buffer. Nothing in this package
// ever panics or slices past the end of the file to signal this condition.
var ErrOutsideBoundary = errors.New("exe: read outside file boundary")

// ByteSource is a read-only, random-access view over the complete contents
// of a candidate executable. It never returns a slice whose lifetime
// exceeds its own backing array, and every offset-taking method is bounds
// checked.
type ByteSource struct {
	data mmap.MMap
	buf  []byte
	size uint32
}

// NewByteSourceFromBytes wraps an in-memory buffer. The buffer is not
// copied; callers must not mutate it afterwards.
func NewByteSourceFromBytes(data []byte) *ByteSource {
	return &ByteSource{buf: data, size: uint32(len(data))}
}

// NewByteSourceFromMmap wraps a memory-mapped file.
func NewByteSourceFromMmap(m mmap.MMap) *ByteSource {
	return &ByteSource{data: m, size: uint32(len(m))}
}

// bytes returns the full underlying slice regardless of backing.
func (b *ByteSource) bytes() []byte {
	if b.data != nil {
		return b.data
	}
	return b.buf
}

// Len returns the size of the file in bytes.
func (b *ByteSource) Len() uint32 { return b.size }

// inBounds reports whether [off, off+n) lies within the file.
func (b *ByteSource) inBounds(off, n uint32) bool {
	end := off + n
	if end < off { // overflow
		return false
	}
	return end <= b.size
}

// ReadAt returns a bounds-checked, unowned view of n bytes at off.
func (b *ByteSource) ReadAt(off, n uint32) ([]byte, error) {
	if !b.inBounds(off, n) {
		return nil, ErrOutsideBoundary
	}
	data := b.bytes()
	return data[off : off+n], nil
}

// ReadU8At reads a single byte.
func (b *ByteSource) ReadU8At(off uint32) (uint8, error) {
	buf, err := b.ReadAt(off, 1)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

// ReadU16LEAt reads a little-endian uint16.
func (b *ByteSource) ReadU16LEAt(off uint32) (uint16, error) {
	buf, err := b.ReadAt(off, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf), nil
}

// ReadU32LEAt reads a little-endian uint32.
func (b *ByteSource) ReadU32LEAt(off uint32) (uint32, error) {
	buf, err := b.ReadAt(off, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf), nil
}

// ReadU64LEAt reads a little-endian uint64.
func (b *ByteSource) ReadU64LEAt(off uint32) (uint64, error) {
	buf, err := b.ReadAt(off, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// maxCStrCap bounds every unbounded-looking string read; no format in this
// lineage has a legitimate string anywhere close to this long, and it keeps
// an adversarial file from forcing an unbounded scan.
const maxCStrCap = 4096

// ReadCStrAt reads bytes at off, stopping at the first NUL or after cap
// bytes (whichever comes first; cap is clamped to maxCStrCap). Non-UTF-8
// content is returned verbatim rather than rejected. ok is false only when
// off is itself out of bounds.
func (b *ByteSource) ReadCStrAt(off uint32, cap uint32) (s string, truncated bool, ok bool) {
	if cap == 0 || cap > maxCStrCap {
		cap = maxCStrCap
	}
	if off >= b.size {
		return "", false, false
	}
	avail := b.size - off
	if avail > cap {
		avail = cap
	}
	data := b.bytes()[off : off+avail]
	if idx := bytes.IndexByte(data, 0); idx >= 0 {
		return string(data[:idx]), false, true
	}
	return string(data), true, true
}

// ReadUTF16StringAt reads a NUL-terminated (or cap-bounded) UTF-16LE string,
// as used by PE resource names/values. The terminator, if present, is
// consumed but not included in the result.
func (b *ByteSource) ReadUTF16StringAt(off uint32, capBytes uint32) (string, bool) {
	if capBytes == 0 || capBytes > maxCStrCap {
		capBytes = maxCStrCap
	}
	if off >= b.size {
		return "", false
	}
	avail := b.size - off
	if avail > capBytes {
		avail = capBytes
	}
	data := b.bytes()[off : off+avail]
	if len(data)%2 == 1 {
		data = data[:len(data)-1]
	}
	for i := 0; i+1 < len(data); i += 2 {
		if data[i] == 0 && data[i+1] == 0 {
			data = data[:i]
			break
		}
	}
	return utf16DecodeLE(data)
}

// utf16DecodeLE decodes a raw UTF-16LE byte slice, used by resource leaf
// parsers that already hold their data as a standalone []byte rather than
// reading through a ByteSource.
func utf16DecodeLE(data []byte) (string, bool) {
	dec := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	s, err := dec.Bytes(data)
	if err != nil {
		return "", false
	}
	return string(s), true
}

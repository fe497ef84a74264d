// Copyright 2024 The exe authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package exe

import "errors"

// ErrUnsupportedVariant is returned when a decompressor recognises the
// packer's outer signature but not the specific internal layout (version,
// scramble method, obfuscation) needed to actually unpack it.
var ErrUnsupportedVariant = errors.New("exe: unsupported packer variant")

// ErrTruncatedStream is returned when a decompressor runs out of input
// before reaching its format's own end-of-stream marker.
var ErrTruncatedStream = errors.New("exe: truncated compressed stream")

// ErrBadBackReference is returned when an LZ77-family back-reference points
// before the start of the output produced so far.
var ErrBadBackReference = errors.New("exe: invalid back-reference offset")

// Relocation16 is a single far-pointer fixup recorded in a decompressed
// DOS executable's relocation table: a (segment, offset) pair, both
// paragraph-relative 16-bit values exactly as the loader would patch them.
type Relocation16 struct {
	Segment uint16
	Offset  uint16
}

// DecompressionResult is the common production of every packer-specific
// decompressor: the recovered code image, its relocation table, and the
// register state the loader would have set up for the unpacked program.
type DecompressionResult struct {
	Code               []byte
	Relocations        []Relocation16
	InitialCS          uint16
	InitialIP          uint16
	InitialSS          uint16
	InitialSP          uint16
	Checksum           uint16
	MinExtraParagraphs uint16
	MaxExtraParagraphs uint16
}

// noDuplicateRelocations drops (segment, offset) pairs already seen,
// preserving first-seen order. LZEXE and PKLITE streams are never expected
// to carry duplicates, but a malformed or adversarial file can still
// encode one, and downstream consumers rely on the relocation table being
// duplicate-free regardless of how the packer's encoding got there.
func noDuplicateRelocations(in []Relocation16) []Relocation16 {
	seen := make(map[uint32]bool, len(in))
	out := make([]Relocation16, 0, len(in))
	for _, r := range in {
		key := uint32(r.Segment)<<16 | uint32(r.Offset)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}

// mzParagraphs reads the handful of header-relative fields every
// decompressor needs to locate its own compressed payload: the header size
// in paragraphs, and the initial CS/IP the loader would have jumped to.
func mzParagraphs(src *ByteSource, h MzHeader) (headerParas, initialCS, initialIP uint32) {
	return uint32(h.SizeOfHeaderParagraphs), uint32(uint16(h.InitialCS)), uint32(h.InitialIP)
}

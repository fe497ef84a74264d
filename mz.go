// Copyright 2024 The exe authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package exe

import (
	"bytes"

	"github.com/relicbyte/exe/log"
)

// MZ signatures (spec.md §6). ImageDOSZMSignature covers the ZM-swapped
// form some linkers emit; such files still load under ntvdm.
const (
	ImageDOSSignature   = 0x5A4D // "MZ"
	ImageDOSZMSignature = 0x4D5A // "ZM"
)

// MzHeader is the 28-byte DOS executable header. It is shared by the plain
// MZ path and the DOS stub that precedes every later format.
type MzHeader struct {
	Magic                    uint16
	BytesOnLastPageOfFile    uint16
	PagesInFile              uint16
	Relocations              uint16
	SizeOfHeaderParagraphs   uint16
	MinExtraParagraphsNeeded uint16
	MaxExtraParagraphsNeeded uint16
	InitialSS                uint16
	InitialSP                uint16
	Checksum                 uint16
	InitialIP                uint16
	InitialCS                uint16
	AddressOfRelocationTable uint16
	OverlayNumber            uint16
	ReservedWords1           [4]uint16
	OEMIdentifier            uint16
	OEMInformation           uint16
	ReservedWords2           [10]uint16
	AddressOfNewEXEHeader    uint32 // e_lfanew
}

const mzHeaderSize = 28

// parseMzHeader reads the fixed 28-byte DOS header at offset 0.
func parseMzHeader(src *ByteSource) (MzHeader, error) {
	var h MzHeader
	buf, err := src.ReadAt(0, mzHeaderSize)
	if err != nil {
		return h, err
	}
	h.Magic = leU16(buf, 0)
	h.BytesOnLastPageOfFile = leU16(buf, 2)
	h.PagesInFile = leU16(buf, 4)
	h.Relocations = leU16(buf, 6)
	h.SizeOfHeaderParagraphs = leU16(buf, 8)
	h.MinExtraParagraphsNeeded = leU16(buf, 10)
	h.MaxExtraParagraphsNeeded = leU16(buf, 12)
	h.InitialSS = leU16(buf, 14)
	h.InitialSP = leU16(buf, 16)
	h.Checksum = leU16(buf, 18)
	h.InitialIP = leU16(buf, 20)
	h.InitialCS = leU16(buf, 22)
	h.AddressOfRelocationTable = leU16(buf, 24)
	h.OverlayNumber = leU16(buf, 26)
	return h, nil
}

// leU16/leU32 decode little-endian integers from a plain slice; used by
// parsers that have already taken a bounds-checked slice and want to avoid
// round-tripping back through ByteSource for sub-fields.
func leU16(b []byte, off int) uint16 { return uint16(b[off]) | uint16(b[off+1])<<8 }
func leU32(b []byte, off int) uint32 {
	return uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
}

// CompressionFingerprint identifies a DOS-era packer recognised on the MZ
// path by signature, never by trusting a version field.
type CompressionFingerprint int

// The closed fingerprint set.
const (
	CompNone CompressionFingerprint = iota
	CompPklite
	CompLzexeV090
	CompLzexeV091
	CompExepack
	CompDiet
	CompKnowledgeDynamics
)

func (c CompressionFingerprint) String() string {
	switch c {
	case CompPklite:
		return "PKLITE"
	case CompLzexeV090:
		return "LZEXE 0.90"
	case CompLzexeV091:
		return "LZEXE 0.91"
	case CompExepack:
		return "EXEPACK"
	case CompDiet:
		return "DIET"
	case CompKnowledgeDynamics:
		return "Knowledge Dynamics"
	default:
		return "none"
	}
}

// MZFile is the root of the plain-MZ (possibly packed) path.
type MZFile struct {
	Header      MzHeader
	Compression CompressionFingerprint
	src         *ByteSource
	diag        *Collector
	logger      *log.Helper
}

// FormatName implements Executable.
func (m *MZFile) FormatName() string { return "MZ" }

// CodeSection returns everything past the declared header size — the
// closest MZ analogue to a PE "code section".
func (m *MZFile) CodeSection() []byte {
	headerBytes := uint32(m.Header.SizeOfHeaderParagraphs) * 16
	if headerBytes == 0 || headerBytes > m.src.Len() {
		return nil
	}
	b, _ := m.src.ReadAt(headerBytes, m.src.Len()-headerBytes)
	return b
}

// EntryPoint returns the raw CS:IP pair recorded in the DOS header. MZ has
// no RVA concept, so this is reported as (ip, true) with cs available via
// Header.InitialCS.
func (m *MZFile) EntryPoint() (uint32, bool) {
	return uint32(m.Header.InitialIP), true
}

// parseMZ builds the plain-MZ root and fingerprints known packers.
func parseMZ(src *ByteSource, h MzHeader, diag *Collector, logger *log.Helper) *MZFile {
	m := &MZFile{Header: h, src: src, diag: diag, logger: logger}
	m.Compression = fingerprintPacker(src, h)
	if m.Compression != CompNone {
		logger.Debugf("detected packer fingerprint: %s", m.Compression)
	}
	return m
}

// Decompress recovers the original image for a recognised packer, or
// returns ErrUnsupportedVariant when Compression is CompNone or a variant
// this module cannot classify.
func (m *MZFile) Decompress() (*DecompressionResult, error) {
	res, err := m.decompress()
	if err != nil {
		m.logger.Warnf("%s decompression failed: %v", m.Compression, err)
	}
	return res, err
}

func (m *MZFile) decompress() (*DecompressionResult, error) {
	switch m.Compression {
	case CompLzexeV090:
		d, err := NewLzexeDecompressor(m.src, m.Header, LzexeV090)
		if err != nil {
			return nil, err
		}
		return d.Decompress()
	case CompLzexeV091:
		d, err := NewLzexeDecompressor(m.src, m.Header, LzexeV091)
		if err != nil {
			return nil, err
		}
		return d.Decompress()
	case CompExepack:
		d, err := NewExepackDecompressor(m.src, m.Header)
		if err != nil {
			return nil, err
		}
		return d.Decompress()
	case CompDiet:
		d, err := NewDietDecompressor(m.src, m.Header)
		if err != nil {
			return nil, err
		}
		return d.Decompress()
	case CompKnowledgeDynamics:
		d, err := NewKdynDecompressor(m.src, m.Header)
		if err != nil {
			return nil, err
		}
		return d.Decompress()
	case CompPklite:
		d, err := NewPkliteDecompressor(m.src, m.Header, PkliteOptions{})
		if err != nil {
			return nil, err
		}
		return d.Decompress(m.src)
	default:
		return nil, ErrUnsupportedVariant
	}
}

// fingerprintPacker recognises known packers by byte signature near the
// header, per spec.md §4.5. Never rejects; returns CompNone on no match.
func fingerprintPacker(src *ByteSource, h MzHeader) CompressionFingerprint {
	// LZEXE: "LZ09" / "LZ91" at offset 0x1C of the compressed file.
	if sig, err := src.ReadAt(0x1C, 4); err == nil {
		switch {
		case bytes.Equal(sig, []byte("LZ09")):
			return CompLzexeV090
		case bytes.Equal(sig, []byte("LZ91")):
			return CompLzexeV091
		}
	}

	// PKLITE: literal "PKLITE" signature in the header region, typically
	// just after the relocation table pointer; the two preceding bytes are
	// h_pklite_info whose low nibble is the minor version.
	if off := findSignature(src, []byte("PKLITE"), 0, 0x60); off >= 0 {
		return CompPklite
	}

	// EXEPACK: "RB" marker placed by the appended packer stub just after
	// the resident decompressor code; scanned across the header-adjacent
	// region since its exact offset depends on stub size.
	if off := findSignature(src, []byte("RB"), 0x1C, 0x20); off >= 0 {
		return CompExepack
	}

	// DIET: the "dietX.XX" family signature, version-dependent offset.
	if off := findSignature(src, []byte("diet"), 0, 0x20); off >= 0 {
		return CompDiet
	}

	// Knowledge Dynamics: three bytes E9 99 00 at file offset 0x200.
	if sig, err := src.ReadAt(0x200, 3); err == nil {
		if sig[0] == 0xE9 && sig[1] == 0x99 && sig[2] == 0x00 {
			return CompKnowledgeDynamics
		}
	}

	return CompNone
}

// findSignature scans a bounded window [start, start+window) for needle,
// returning its offset or -1.
func findSignature(src *ByteSource, needle []byte, start, window uint32) int {
	n := src.Len()
	end := start + window
	if end > n {
		end = n
	}
	if end <= start {
		return -1
	}
	buf, err := src.ReadAt(start, end-start)
	if err != nil {
		return -1
	}
	idx := bytes.Index(buf, needle)
	if idx < 0 {
		return -1
	}
	return int(start) + idx
}

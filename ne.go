// Copyright 2024 The exe authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package exe

import "github.com/relicbyte/exe/log"

// ImageOS2Signature is the "NE" magic found at e_lfanew.
const ImageOS2Signature = 0x454E

// NeHeader is the fixed portion of a 16-bit New Executable header. Offsets
// recorded here are relative to the header's own file offset, except
// NonResidentNameTableOffset which spec.md §4.6 calls out as absolute.
type NeHeader struct {
	Signature               uint16
	LinkerVersion            uint8
	LinkerRevision           uint8
	EntryTableOffset         uint16
	EntryTableLength         uint16
	FileLoadCRC              uint32
	ProgramFlags             uint8
	ApplicationFlags         uint8
	AutoDataSegmentIndex     uint16
	InitialHeapSize          uint16
	InitialStackSize         uint16
	EntryPointCSIP           uint32
	InitialStackPointerSSSP  uint32
	SegmentCount             uint16
	ModuleRefCount           uint16
	NonResidentNameTableSize uint16
	SegmentTableOffset       uint16
	ResourceTableOffset      uint16
	ResidentNameTableOffset  uint16
	ModuleRefTableOffset     uint16
	ImportNameTableOffset    uint16
	NonResidentNameTableOffset uint32 // absolute
	MovableEntryPointCount   uint16
	FileAlignmentShift       uint16
	ResourceSegmentCount     uint16
	TargetOS                 uint8
	OS2Flags                 uint8
	ReturnThunkOffset        uint16
	SegRefThunkOffset        uint16
	MinCodeSwapSize          uint16
	WindowsSDKRevision       uint8
	WindowsSDKVersion        uint8
}

const neHeaderSize = 64

// Target OS values (NeHeader.TargetOS).
const (
	NeTargetUnknown    = 0
	NeTargetOS2        = 1
	NeTargetWindows    = 2
	NeTargetEuroDOS4   = 3
	NeTargetWindows386 = 4
	NeTargetBOSS       = 5
)

// NeSegment describes one entry of the NE segment table.
type NeSegment struct {
	FileOffsetSectors uint16 // left-shifted by FileAlignmentShift before use
	FileLength        uint16
	Flags             uint16
	MinAllocSize      uint16
}

// applyShift returns a segment's file offset after applying the
// header's alignment shift, per spec.md §4.6.
func (h NeHeader) applyShift(v uint32) uint32 {
	shift := h.FileAlignmentShift
	if shift == 0 {
		shift = 9 // NE's documented default is 512-byte sectors.
	}
	return v << shift
}

// NeEntryKind classifies one decoded NE entry-table record.
type NeEntryKind int

// NE/LE/LX share the bundle-encoded entry table shape (spec.md §4.7).
const (
	NeEntryUnused NeEntryKind = iota
	NeEntryFixed16
	NeEntryCallGate286
	NeEntryMovable16
)

// NeEntry is one decoded entry-table slot. Ordinal is its 1-based position.
type NeEntry struct {
	Ordinal int
	Kind    NeEntryKind
	Segment uint8
	Flags   uint8
	Offset  uint16
	Exported bool
	SharedData bool
	ParamCount uint8
}

// NEFile is the root of a 16-bit NE executable.
type NEFile struct {
	Header       NeHeader
	Segments     []NeSegment
	Entries      []NeEntry
	ResidentNames []NeName
	NonResidentNames []NeName
	Resources    *NeResourceTable

	src      *ByteSource
	diag     *Collector
	selfOff  uint32 // file offset of the NE header itself
	opts     *Options
	logger   *log.Helper
}

// NeName is a length-prefixed ANSI (resident/non-resident) name-table entry.
type NeName struct {
	Name    string
	Ordinal uint16
}

// FormatName implements Executable.
func (n *NEFile) FormatName() string { return "NE" }

// CodeSection returns the bytes of the first CODE-flagged (non-data)
// segment, the closest NE analogue to a PE .text section.
func (n *NEFile) CodeSection() []byte {
	const neSegData = 0x0001
	for _, seg := range n.Segments {
		if seg.Flags&neSegData != 0 {
			continue
		}
		off := n.Header.applyShift(uint32(seg.FileOffsetSectors))
		length := uint32(seg.FileLength)
		if length == 0 {
			length = 0x10000
		}
		b, err := n.src.ReadAt(off, length)
		if err == nil {
			return b
		}
	}
	return nil
}

// EntryPoint returns the CS:IP recorded in the header.
func (n *NEFile) EntryPoint() (uint32, bool) {
	return n.Header.EntryPointCSIP, true
}

// parseNE parses a New Executable rooted at neOff (== e_lfanew).
func parseNE(src *ByteSource, neOff uint32, opts *Options, diag *Collector, logger *log.Helper) (*NEFile, error) {
	buf, err := src.ReadAt(neOff, neHeaderSize)
	if err != nil {
		diag.Emitf(DiagTruncatedFile, SevError, neOff, 0, "NE header truncated")
		logger.Errorf("NE header truncated at offset %#x", neOff)
		return &NEFile{src: src, diag: diag, selfOff: neOff, opts: opts, logger: logger}, nil
	}

	h := NeHeader{
		Signature:                  leU16(buf, 0),
		LinkerVersion:              buf[2],
		LinkerRevision:             buf[3],
		EntryTableOffset:           leU16(buf, 4),
		EntryTableLength:           leU16(buf, 6),
		FileLoadCRC:                leU32(buf, 8),
		ProgramFlags:               buf[12],
		ApplicationFlags:           buf[13],
		AutoDataSegmentIndex:       leU16(buf, 14),
		InitialHeapSize:            leU16(buf, 16),
		InitialStackSize:           leU16(buf, 18),
		EntryPointCSIP:             leU32(buf, 20),
		InitialStackPointerSSSP:    leU32(buf, 24),
		SegmentCount:               leU16(buf, 28),
		ModuleRefCount:             leU16(buf, 30),
		NonResidentNameTableSize:   leU16(buf, 32),
		SegmentTableOffset:         leU16(buf, 34),
		ResourceTableOffset:        leU16(buf, 36),
		ResidentNameTableOffset:    leU16(buf, 38),
		ModuleRefTableOffset:       leU16(buf, 40),
		ImportNameTableOffset:      leU16(buf, 42),
		NonResidentNameTableOffset: leU32(buf, 44),
		MovableEntryPointCount:     leU16(buf, 48),
		FileAlignmentShift:         leU16(buf, 50),
		ResourceSegmentCount:       leU16(buf, 52),
		TargetOS:                   buf[54],
		OS2Flags:                   buf[55],
		ReturnThunkOffset:          leU16(buf, 56),
		SegRefThunkOffset:          leU16(buf, 58),
		MinCodeSwapSize:            leU16(buf, 60),
		WindowsSDKRevision:         buf[62],
		WindowsSDKVersion:          buf[63],
	}

	n := &NEFile{Header: h, src: src, diag: diag, selfOff: neOff, opts: opts, logger: logger}

	n.Segments = parseNeSegments(src, neOff, h, diag)
	n.Entries = parseEntryBundles(src, neOff+uint32(h.EntryTableOffset), diag, CatLE)
	n.ResidentNames = parseNeNameTable(src, neOff+uint32(h.ResidentNameTableOffset), diag)
	if h.NonResidentNameTableOffset != 0 {
		n.NonResidentNames = parseNeNameTable(src, h.NonResidentNameTableOffset, diag)
	}
	n.Resources = parseNeResourceTable(src, neOff, h, diag, opts.MaxResourceEntriesCount)

	return n, nil
}

func parseNeSegments(src *ByteSource, neOff uint32, h NeHeader, diag *Collector) []NeSegment {
	count := uint32(h.SegmentCount)
	if count > 65536 {
		diag.Emitf(DiagCountClamped, SevWarning, neOff, 0, "NE segment count clamped from %d", count)
		count = 65536
	}
	off := neOff + uint32(h.SegmentTableOffset)
	segs := make([]NeSegment, 0, count)
	for i := uint32(0); i < count; i++ {
		buf, err := src.ReadAt(off+i*8, 8)
		if err != nil {
			diag.Emitf(DiagTruncatedFile, SevError, off+i*8, 0, "NE segment table truncated at entry %d", i)
			break
		}
		segs = append(segs, NeSegment{
			FileOffsetSectors: leU16(buf, 0),
			FileLength:        leU16(buf, 2),
			Flags:             leU16(buf, 4),
			MinAllocSize:      leU16(buf, 6),
		})
	}
	return segs
}

// parseEntryBundles decodes the (count:u8, type:u8) run-length-encoded
// entry table shared, bit-for-bit, by NE, LE and LX (spec.md §4.7).
func parseEntryBundles(src *ByteSource, off uint32, diag *Collector, cat Category) []NeEntry {
	var entries []NeEntry
	ordinal := 1
	guard := 0
	for {
		guard++
		if guard > 1<<20 {
			diag.Emitf(DiagCountClamped, SevWarning, off, 0, "entry bundle decode aborted: too many bundles")
			break
		}
		hdr, err := src.ReadAt(off, 2)
		if err != nil {
			diag.Emitf(Code(uint32(cat)<<16|0x0001), SevError, off, 0, "entry table truncated")
			break
		}
		count, typ := hdr[0], hdr[1]
		off += 2
		if count == 0 {
			break // end of entry table
		}
		switch typ {
		case 0:
			ordinal += int(count)
		case 1, 3:
			objIdxSize := uint32(1)
			if typ == 3 {
				objIdxSize = 2
			}
			objBuf, err := src.ReadAt(off, objIdxSize)
			if err != nil {
				diag.Emitf(DiagLEBadEntryRecord, SevError, off, 0, "entry bundle object index truncated")
				return entries
			}
			off += objIdxSize
			var objIdx uint16
			if typ == 3 {
				objIdx = leU16(objBuf, 0)
			} else {
				objIdx = uint16(objBuf[0])
			}
			for i := uint8(0); i < count; i++ {
				rec, err := src.ReadAt(off, 3)
				if err != nil {
					diag.Emitf(DiagLEBadEntryRecord, SevError, off, 0, "entry bundle record truncated")
					return entries
				}
				off += 3
				flags := rec[0]
				entries = append(entries, NeEntry{
					Ordinal:    ordinal,
					Kind:       NeEntryFixed16,
					Segment:    uint8(objIdx),
					Flags:      flags,
					Offset:     leU16(rec, 1),
					Exported:   flags&0x01 != 0,
					SharedData: flags&0x02 != 0,
					ParamCount: flags >> 3,
				})
				ordinal++
			}
		case 2:
			for i := uint8(0); i < count; i++ {
				if _, err := src.ReadAt(off, 5); err != nil {
					diag.Emitf(DiagLEBadEntryRecord, SevError, off, 0, "call gate record truncated")
					return entries
				}
				off += 5
				entries = append(entries, NeEntry{Ordinal: ordinal, Kind: NeEntryCallGate286})
				ordinal++
			}
		case 4:
			for i := uint8(0); i < count; i++ {
				if _, err := src.ReadAt(off, 7); err != nil {
					diag.Emitf(DiagLEBadEntryRecord, SevError, off, 0, "forwarder record truncated")
					return entries
				}
				off += 7
				entries = append(entries, NeEntry{Ordinal: ordinal, Kind: NeEntryMovable16})
				ordinal++
			}
		default:
			diag.Emitf(DiagLEBadEntryRecord, SevError, off, 0, "unknown entry bundle type %#x", typ)
			return entries
		}
	}
	return entries
}

func parseNeNameTable(src *ByteSource, off uint32, diag *Collector) []NeName {
	var names []NeName
	guard := 0
	for {
		guard++
		if guard > 1<<16 {
			break
		}
		ln, err := src.ReadU8At(off)
		if err != nil {
			diag.Emitf(DiagImpTruncated, SevWarning, off, 0, "NE name table truncated")
			return names
		}
		off++
		if ln == 0 {
			break
		}
		nameBytes, err := src.ReadAt(off, uint32(ln))
		if err != nil {
			diag.Emitf(DiagImpTruncated, SevWarning, off, 0, "NE name table entry truncated")
			return names
		}
		off += uint32(ln)
		ordBuf, err := src.ReadAt(off, 2)
		if err != nil {
			diag.Emitf(DiagImpTruncated, SevWarning, off, 0, "NE name table ordinal truncated")
			return names
		}
		off += 2
		names = append(names, NeName{Name: string(nameBytes), Ordinal: leU16(ordBuf, 0)})
	}
	return names
}

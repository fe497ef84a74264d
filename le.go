// Copyright 2024 The exe authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package exe

import "github.com/relicbyte/exe/log"

// LE/LX signatures at e_lfanew.
const (
	ImageOS2LESignature = 0x454C // "LE"
	ImageVXDSignature   = 0x584C // "LX"
)

// LeHeader is the shared LE/LX header. LX is distinguished at parse time by
// Signature == "LX" and carries a non-zero PageOffsetShift; every other
// field is laid out identically (spec.md §4.7).
type LeHeader struct {
	Signature         uint16
	ByteOrder         uint8
	WordOrder         uint8
	FormatLevel       uint32
	CPUType           uint16
	OSType            uint16
	ModuleVersion     uint32
	ModuleFlags       uint32
	PageCount         uint32
	EIPObjectIndex    uint32
	EIP               uint32
	ESPObjectIndex    uint32
	ESP               uint32
	PageSize          uint32
	PageOffsetShift   uint32 // LX only; zero on LE
	FixupSectionSize  uint32
	FixupSectionCRC   uint32
	LoaderSectionSize uint32
	LoaderSectionCRC  uint32
	ObjectTableOffset uint32
	ObjectCount       uint32
	ObjectPageTableOffset    uint32
	ObjectIterPagesOffset    uint32
	ResourceTableOffset      uint32
	ResourceCount            uint32
	ResidentNameTableOffset  uint32
	EntryTableOffset         uint32
	ModuleDirectivesOffset   uint32
	ModuleDirectivesCount    uint32
	FixupPageTableOffset     uint32
	FixupRecordTableOffset   uint32
	ImportModuleTableOffset  uint32
	ImportModuleCount        uint32
	ImportProcTableOffset    uint32
	PerPageChecksumOffset    uint32
	DataPagesOffset          uint32 // absolute
	PreloadPageCount         uint32
	NonResidentNameTableOffset uint32 // absolute
	NonResidentNameTableLen  uint32
	NonResidentNameTableCRC  uint32
	AutoDSObjectNumber       uint32
	DebugInfoOffset          uint32 // absolute
	DebugInfoLen             uint32
	InstancePreloadPageCount uint32
	InstanceDemandPageCount  uint32
	HeapSize                 uint32
}

const leHeaderSize = 196

// IsLX reports whether this header is the LX (32-bit) variant rather than
// the mixed 16/32-bit LE variant.
func (h LeHeader) IsLX() bool { return h.Signature == ImageVXDSignature }

// LeObjectFlags bits (readable/writable/executable/...).
const (
	LeObjReadable   = 0x0001
	LeObjWritable   = 0x0002
	LeObjExecutable = 0x0004
	LeObjResource   = 0x0008
	LeObjDiscardable = 0x0010
	LeObjShared     = 0x0020
	LeObjPreload    = 0x0040
	LeObjBig        = 0x2000 // 32-bit addressing
)

// LeObject is the LE/LX analogue of a PE section.
type LeObject struct {
	VirtualSize  uint32
	RelocBaseAddr uint32
	Flags        uint32
	PageTableIndex uint32
	PageCount    uint32
	Reserved     uint32
}

// LePageState classifies one page-table entry.
type LePageState int

// The five page states (spec.md §3).
const (
	PageLegal LePageState = iota
	PageIterated
	PageInvalid
	PageZeroFill
	PageCompressed
)

// LePageEntry is one decoded page-table record.
type LePageEntry struct {
	State      LePageState
	FileOffset uint32 // meaningful for PageLegal/PageIterated/PageCompressed
	DataSize   uint16 // LX only; 0 on LE
	Flags      uint8
}

// LeFixupSourceType is the type of value being patched by a fixup record.
type LeFixupSourceType uint8

// Fixup source types.
const (
	FixupSrcByte       LeFixupSourceType = 0x00
	FixupSrcSelector16 LeFixupSourceType = 0x02
	FixupSrcPointer32  LeFixupSourceType = 0x03
	FixupSrcOffset16   LeFixupSourceType = 0x05
	FixupSrcPointer48  LeFixupSourceType = 0x06
	FixupSrcOffset32   LeFixupSourceType = 0x07
	FixupSrcSelfRel32  LeFixupSourceType = 0x08
)

// LeFixupTargetType describes what the fixup's source points at.
type LeFixupTargetType uint8

// Fixup target types.
const (
	FixupTgtInternal  LeFixupTargetType = 0x00
	FixupTgtImportOrd LeFixupTargetType = 0x01
	FixupTgtImportName LeFixupTargetType = 0x02
	FixupTgtInternalEntry LeFixupTargetType = 0x03
)

// LeFixup is one decoded relocation record.
type LeFixup struct {
	Source    LeFixupSourceType
	Target    LeFixupTargetType
	SrcOffset uint16
	TargetObjectOrModule uint16
	TargetOffsetOrOrdinal uint32
}

// LeEntry mirrors NeEntry; LE/LX entry bundles use the same encoding as NE
// (spec.md §4.7), with 32-bit entries (type 3) additionally legal.
type LeEntry = NeEntry

// LeName is a length-prefixed resident/non-resident name table entry,
// identical in shape to NE's.
type LeName = NeName

// LEFile is the root of a 32-bit LE or LX executable.
type LEFile struct {
	Header   LeHeader
	Objects  []LeObject
	Pages    []LePageEntry
	Fixups   map[uint32][]LeFixup // keyed by page index
	Entries  []LeEntry
	ResidentNames    []LeName
	NonResidentNames []LeName

	src           *ByteSource
	diag          *Collector
	selfOff       uint32 // file offset of the LE/LX header (0 if not DOS-extender-bound)
	stubSize      uint32
	opts          *Options
	logger        *log.Helper
}

// FormatName implements Executable.
func (l *LEFile) FormatName() string {
	if l.Header.IsLX() {
		return "LX"
	}
	return "LE"
}

// CodeSection returns the bytes backing the first executable object.
func (l *LEFile) CodeSection() []byte {
	for i, obj := range l.Objects {
		if obj.Flags&LeObjExecutable == 0 {
			continue
		}
		return l.objectBytes(uint32(i), obj)
	}
	return nil
}

func (l *LEFile) objectBytes(idx uint32, obj LeObject) []byte {
	if obj.PageCount == 0 {
		return nil
	}
	firstPage := obj.PageTableIndex
	if firstPage == 0 || int(firstPage-1) >= len(l.Pages) {
		return nil
	}
	page := l.Pages[firstPage-1]
	if page.State != PageLegal && page.State != PageIterated {
		return nil
	}
	size := l.Header.PageSize
	b, err := l.src.ReadAt(page.FileOffset, size)
	if err != nil {
		return nil
	}
	return b
}

// EntryPoint returns the EIP recorded in the header, along with its owning
// object index via Header.EIPObjectIndex.
func (l *LEFile) EntryPoint() (uint32, bool) {
	return l.Header.EIP, true
}

// LeHeaderOffset returns the file offset at which the LE/LX header itself
// was found (0 for a non-DOS-extender-bound file).
func (l *LEFile) LeHeaderOffset() uint32 { return l.selfOff }

// parseLE parses an LE or LX header rooted at leOff (== e_lfanew).
func parseLE(src *ByteSource, leOff uint32, sig uint16, opts *Options, diag *Collector, logger *log.Helper) (*LEFile, error) {
	buf, err := src.ReadAt(leOff, leHeaderSize)
	if err != nil {
		diag.Emitf(DiagTruncatedFile, SevError, leOff, 0, "LE/LX header truncated")
		logger.Errorf("LE/LX header truncated at offset %#x", leOff)
		return &LEFile{src: src, diag: diag, selfOff: leOff, opts: opts, logger: logger}, nil
	}

	h := LeHeader{
		Signature:                  leU16(buf, 0),
		ByteOrder:                  buf[2],
		WordOrder:                  buf[3],
		FormatLevel:                leU32(buf, 4),
		CPUType:                    leU16(buf, 8),
		OSType:                     leU16(buf, 10),
		ModuleVersion:              leU32(buf, 12),
		ModuleFlags:                leU32(buf, 16),
		PageCount:                  leU32(buf, 20),
		EIPObjectIndex:             leU32(buf, 24),
		EIP:                        leU32(buf, 28),
		ESPObjectIndex:             leU32(buf, 32),
		ESP:                        leU32(buf, 36),
		PageSize:                   leU32(buf, 40),
		PageOffsetShift:            leU32(buf, 44),
		FixupSectionSize:           leU32(buf, 48),
		FixupSectionCRC:            leU32(buf, 52),
		LoaderSectionSize:          leU32(buf, 56),
		LoaderSectionCRC:           leU32(buf, 60),
		ObjectTableOffset:          leU32(buf, 64),
		ObjectCount:                leU32(buf, 68),
		ObjectPageTableOffset:      leU32(buf, 72),
		ObjectIterPagesOffset:      leU32(buf, 76),
		ResourceTableOffset:        leU32(buf, 80),
		ResourceCount:              leU32(buf, 84),
		ResidentNameTableOffset:    leU32(buf, 88),
		EntryTableOffset:           leU32(buf, 92),
		ModuleDirectivesOffset:     leU32(buf, 96),
		ModuleDirectivesCount:      leU32(buf, 100),
		FixupPageTableOffset:       leU32(buf, 104),
		FixupRecordTableOffset:     leU32(buf, 108),
		ImportModuleTableOffset:    leU32(buf, 112),
		ImportModuleCount:          leU32(buf, 116),
		ImportProcTableOffset:      leU32(buf, 120),
		PerPageChecksumOffset:      leU32(buf, 124),
		DataPagesOffset:            leU32(buf, 128),
		PreloadPageCount:           leU32(buf, 132),
		NonResidentNameTableOffset: leU32(buf, 136),
		NonResidentNameTableLen:    leU32(buf, 140),
		NonResidentNameTableCRC:    leU32(buf, 144),
		AutoDSObjectNumber:         leU32(buf, 148),
		DebugInfoOffset:            leU32(buf, 152),
		DebugInfoLen:               leU32(buf, 156),
		InstancePreloadPageCount:   leU32(buf, 160),
		InstanceDemandPageCount:    leU32(buf, 164),
		HeapSize:                   leU32(buf, 168),
	}
	if sig == ImageVXDSignature && h.PageOffsetShift == 0 {
		diag.Emitf(DiagLEBadMagic, SevWarning, leOff, 0, "LX file has zero page_offset_shift")
		logger.Warnf("LX file has zero page_offset_shift at offset %#x", leOff)
	}

	l := &LEFile{Header: h, src: src, diag: diag, selfOff: leOff, opts: opts, logger: logger}
	l.Objects = parseLeObjects(src, leOff, h, diag)
	l.Pages = parseLePages(src, leOff, h, diag)
	l.Fixups = parseLeFixups(src, leOff, h, l.Pages, diag)
	l.Entries = parseEntryBundles(src, leOff+h.EntryTableOffset, diag, CatLE)
	if h.ResidentNameTableOffset != 0 {
		l.ResidentNames = parseNeNameTable(src, leOff+h.ResidentNameTableOffset, diag)
	}
	if h.NonResidentNameTableOffset != 0 {
		l.NonResidentNames = parseNeNameTable(src, h.NonResidentNameTableOffset, diag)
	}
	return l, nil
}

func parseLeObjects(src *ByteSource, leOff uint32, h LeHeader, diag *Collector) []LeObject {
	count := h.ObjectCount
	if count > 65536 {
		diag.Emitf(DiagCountClamped, SevWarning, leOff, 0, "LE object count clamped from %d", count)
		count = 65536
	}
	off := leOff + h.ObjectTableOffset
	objs := make([]LeObject, 0, count)
	for i := uint32(0); i < count; i++ {
		buf, err := src.ReadAt(off+i*24, 24)
		if err != nil {
			diag.Emitf(DiagLEBadObjectIndex, SevError, off+i*24, 0, "LE object table truncated at %d", i)
			break
		}
		objs = append(objs, LeObject{
			VirtualSize:    leU32(buf, 0),
			RelocBaseAddr:  leU32(buf, 4),
			Flags:          leU32(buf, 8),
			PageTableIndex: leU32(buf, 12),
			PageCount:      leU32(buf, 16),
			Reserved:       leU32(buf, 20),
		})
	}
	return objs
}

func parseLePages(src *ByteSource, leOff uint32, h LeHeader, diag *Collector) []LePageEntry {
	count := h.PageCount
	if count > 1<<20 {
		diag.Emitf(DiagCountClamped, SevWarning, leOff, 0, "LE page count clamped from %d", count)
		count = 1 << 20
	}
	off := leOff + h.ObjectPageTableOffset
	pages := make([]LePageEntry, 0, count)
	isLX := h.IsLX()
	for i := uint32(0); i < count; i++ {
		recSize := uint32(4)
		buf, err := src.ReadAt(off+i*recSize, recSize)
		if err != nil {
			diag.Emitf(DiagLEBadPageOffset, SevError, off+i*recSize, 0, "LE page table truncated at page %d", i)
			break
		}
		var entry LePageEntry
		if isLX {
			// LX: 4-byte file-page-number-ish offset... encoded as
			// (index:u32 big-endian-ish per historical tooling) split into
			// a 3-byte offset plus a flags byte is the LE shape; LX widens
			// to a dedicated 4-byte page index, 2-byte size and 2-byte
			// flags record spanning 8 bytes total.
			wide, err := src.ReadAt(off+i*8, 8)
			if err != nil {
				diag.Emitf(DiagLEBadPageOffset, SevError, off+i*8, 0, "LX page table truncated at page %d", i)
				break
			}
			pageIdx := leU32(wide, 0)
			entry.DataSize = leU16(wide, 4)
			flags := leU16(wide, 6)
			entry.Flags = uint8(flags)
			entry.FileOffset = (pageIdx << h.PageOffsetShift)
			entry.State = lePageStateFromFlags(uint8(flags))
			pages = append(pages, entry)
			continue
		}
		// LE: 3-byte big-endian offset + 1-byte flags.
		off24 := uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2])
		entry.FileOffset = off24
		entry.Flags = buf[3]
		entry.State = lePageStateFromFlags(buf[3])
		pages = append(pages, entry)
	}
	return pages
}

func lePageStateFromFlags(flags uint8) LePageState {
	switch flags {
	case 0:
		return PageLegal
	case 1:
		return PageIterated
	case 2:
		return PageInvalid
	case 3:
		return PageZeroFill
	case 5:
		return PageCompressed
	default:
		return PageInvalid
	}
}

// parseLeFixups decodes the fixup page table (one index per object page)
// and its associated fixup record table, returning fixups grouped by page
// index.
func parseLeFixups(src *ByteSource, leOff uint32, h LeHeader, pages []LePageEntry, diag *Collector) map[uint32][]LeFixup {
	result := map[uint32][]LeFixup{}
	if h.FixupPageTableOffset == 0 || h.FixupRecordTableOffset == 0 {
		return result
	}
	fixupPageTableOff := leOff + h.FixupPageTableOffset
	recordTableOff := leOff + h.FixupRecordTableOffset

	n := uint32(len(pages))
	if n == 0 {
		return result
	}
	// The fixup page table has n+1 entries: offsets into the record table,
	// record[i+1]-record[i] bytes belong to page i.
	offsets := make([]uint32, n+1)
	for i := uint32(0); i <= n; i++ {
		v, err := src.ReadU32LEAt(fixupPageTableOff + i*4)
		if err != nil {
			diag.Emitf(DiagLEFixupOverflow, SevWarning, fixupPageTableOff+i*4, 0, "fixup page table truncated")
			return result
		}
		offsets[i] = v
	}

	for i := uint32(0); i < n; i++ {
		start := recordTableOff + offsets[i]
		end := recordTableOff + offsets[i+1]
		if end < start {
			diag.Emitf(DiagLEFixupOverflow, SevWarning, start, 0, "fixup record range invalid for page %d", i)
			continue
		}
		cur := start
		var recs []LeFixup
		guard := 0
		for cur < end {
			guard++
			if guard > 1<<16 {
				break
			}
			hdr, err := src.ReadAt(cur, 2)
			if err != nil {
				break
			}
			srcType := LeFixupSourceType(hdr[0])
			tgtType := LeFixupTargetType(hdr[1] & 0x03)
			cur += 2
			srcOffBuf, err := src.ReadAt(cur, 2)
			if err != nil {
				break
			}
			srcOff := leU16(srcOffBuf, 0)
			cur += 2
			fx := LeFixup{Source: srcType, Target: tgtType, SrcOffset: srcOff}
			switch tgtType {
			case FixupTgtInternal, FixupTgtInternalEntry:
				ob, err := src.ReadAt(cur, 1)
				if err != nil {
					break
				}
				fx.TargetObjectOrModule = uint16(ob[0])
				cur++
				if srcType == FixupSrcOffset32 || srcType == FixupSrcPointer32 {
					v, err := src.ReadAt(cur, 4)
					if err == nil {
						fx.TargetOffsetOrOrdinal = leU32(v, 0)
						cur += 4
					}
				} else {
					v, err := src.ReadAt(cur, 2)
					if err == nil {
						fx.TargetOffsetOrOrdinal = uint32(leU16(v, 0))
						cur += 2
					}
				}
			case FixupTgtImportOrd, FixupTgtImportName:
				mb, err := src.ReadAt(cur, 2)
				if err != nil {
					break
				}
				fx.TargetObjectOrModule = leU16(mb, 0)
				cur += 2
				ordb, err := src.ReadAt(cur, 2)
				if err == nil {
					fx.TargetOffsetOrOrdinal = uint32(leU16(ordb, 0))
					cur += 2
				}
			}
			recs = append(recs, fx)
		}
		if len(recs) > 0 {
			result[i] = recs
		}
	}
	return result
}

// StripExtender returns the LE/LX image with its preceding DOS-extender
// stub removed, adjusting every absolute offset stored in the header
// (data pages, non-resident names, debug info) by the stub size. Relative
// offsets (everything else) are untouched, per spec.md §4.7.
func (l *LEFile) StripExtender() ([]byte, error) {
	if l.selfOff == 0 {
		return l.src.ReadAt(0, l.src.Len())
	}
	stub := l.selfOff
	body, err := l.src.ReadAt(stub, l.src.Len()-stub)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(body))
	copy(out, body)

	rewrite := func(fieldOff uint32, val uint32) {
		if val == 0 || val < stub {
			return
		}
		newVal := val - stub
		b := out[fieldOff : fieldOff+4]
		b[0] = byte(newVal)
		b[1] = byte(newVal >> 8)
		b[2] = byte(newVal >> 16)
		b[3] = byte(newVal >> 24)
	}
	rewrite(128, l.Header.DataPagesOffset)
	rewrite(136, l.Header.NonResidentNameTableOffset)
	rewrite(152, l.Header.DebugInfoOffset)

	return out, nil
}

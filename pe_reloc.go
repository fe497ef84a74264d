// Copyright 2024 The exe authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package exe

// ImageBaseRelocationEntryType is the low 4 bits of a relocation entry.
type ImageBaseRelocationEntryType uint8

// Known relocation types; the suspicious set flagged by DiagRelocUnusualType
// is {1,2,4,5,9} per the teacher's own observation that legitimate linkers
// essentially only ever emit 0, 3 and 10.
const (
	ImageRelBasedAbsolute    ImageBaseRelocationEntryType = 0
	ImageRelBasedHigh        ImageBaseRelocationEntryType = 1
	ImageRelBasedLow         ImageBaseRelocationEntryType = 2
	ImageRelBasedHighLow     ImageBaseRelocationEntryType = 3
	ImageRelBasedHighAdj     ImageBaseRelocationEntryType = 4
	ImageRelBasedMIPSJmpAddr ImageBaseRelocationEntryType = 5
	ImageRelReserved         ImageBaseRelocationEntryType = 6
	ImageRelBasedDir64       ImageBaseRelocationEntryType = 10
)

var suspiciousRelocTypes = map[ImageBaseRelocationEntryType]bool{1: true, 2: true, 4: true, 5: true, 9: true}

// maxDefaultRelocEntriesCount bounds relocation parsing against crafted
// files declaring an enormous block size.
const maxDefaultRelocEntriesCount = 0x1000

// ImageBaseRelocation is the 8-byte header of one relocation block.
type ImageBaseRelocation struct {
	VirtualAddress uint32
	SizeOfBlock    uint32
}

// ImageBaseRelocationEntry is one 16-bit (type:4|offset:12) packed record.
type ImageBaseRelocationEntry struct {
	Offset uint16
	Type   ImageBaseRelocationEntryType
}

// Relocation is one relocation block and its decoded entries.
type Relocation struct {
	Data    ImageBaseRelocation
	Entries []ImageBaseRelocationEntry
}

// parseRelocations walks the .reloc directory's list of variable-length
// blocks, each an 8-byte header followed by SizeOfBlock-8 bytes of packed
// 16-bit entries.
func parseRelocations(p *PEFile, rva, size uint32, diag *Collector) []Relocation {
	var relocs []Relocation
	end := rva + size
	cur := rva
	totalEntries := 0
	maxEntries := maxDefaultRelocEntriesCount
	if p.opts != nil && p.opts.MaxRelocEntriesCount != 0 {
		maxEntries = int(p.opts.MaxRelocEntriesCount)
	}

	for cur < end {
		off, ok := p.rvaToFileOffset(cur)
		if !ok {
			diag.Emitf(DiagRelocTargetsHeader, SevWarning, 0, cur, "relocation block RVA unresolvable")
			break
		}
		hdr, err := p.src.ReadAt(off, 8)
		if err != nil {
			diag.Emitf(DiagTruncatedFile, SevWarning, off, cur, "relocation block header truncated")
			break
		}
		blk := ImageBaseRelocation{VirtualAddress: leU32(hdr, 0), SizeOfBlock: leU32(hdr, 4)}
		if blk.SizeOfBlock < 8 || blk.SizeOfBlock > size {
			diag.Emitf(DiagRelocZeroBlockSize, SevAnomaly, off, cur, "relocation block has implausible size %d", blk.SizeOfBlock)
			break
		}

		count := (blk.SizeOfBlock - 8) / 2
		var entries []ImageBaseRelocationEntry
		capped := false
		for i := uint32(0); i < count; i++ {
			totalEntries++
			if totalEntries > maxEntries {
				diag.Emitf(DiagRelocHighDensity, SevWarning, off, cur, "relocation entry count exceeds cap")
				capped = true
				break
			}
			eBuf, err := p.src.ReadAt(off+8+i*2, 2)
			if err != nil {
				break
			}
			raw := leU16(eBuf, 0)
			typ := ImageBaseRelocationEntryType(raw >> 12)
			e := ImageBaseRelocationEntry{Offset: raw & 0x0fff, Type: typ}
			if suspiciousRelocTypes[typ] {
				diag.Emitf(DiagRelocUnusualType, SevAnomaly, off+8+i*2, blk.VirtualAddress+uint32(e.Offset), "unusual relocation type %d", typ)
			}
			entries = append(entries, e)
		}
		relocs = append(relocs, Relocation{Data: blk, Entries: entries})
		if capped {
			break
		}
		cur += blk.SizeOfBlock
	}
	return relocs
}

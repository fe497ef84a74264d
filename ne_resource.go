// Copyright 2024 The exe authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package exe

// NeResource is one decoded NE/OS-2 resource, feeding into the polymorphic
// ResourceDirectory (C10) as a ResourceEntry with FormatOrigin == OriginNe.
type NeResource struct {
	TypeID   uint16
	NameOrID uint16
	Name     string // set when the high bit of the type/name field was not an integer ID
	DataOff  uint32
	DataLen  uint32
}

// NeResourceTable holds every resource found in an NE module, in either of
// its two on-disk shapes.
type NeResourceTable struct {
	AlignmentShift uint16
	Compact        bool // OS/2 compact form, selected by TargetOS, not heuristic
	Resources      []NeResource
}

const neResourceHighBit = 0x8000

// parseNeResourceTable dispatches between the flat Windows NE resource
// table and the OS/2 "compact" form, selected by the header's TargetOS
// field per spec.md §4.10 — never by sniffing the table's own shape.
func parseNeResourceTable(src *ByteSource, neOff uint32, h NeHeader, diag *Collector, maxEntries uint32) *NeResourceTable {
	off := neOff + uint32(h.ResourceTableOffset)
	cap := maxAllowedResourceTypes
	if maxEntries != 0 {
		cap = int(maxEntries)
	}

	if h.TargetOS == NeTargetOS2 {
		return parseOS2CompactResources(src, off, diag, cap)
	}
	return parseWindowsNeResources(src, off, diag, cap)
}

// parseWindowsNeResources decodes the flat two-level table: a single
// alignment-shift word, then a sequence of type blocks (type id, resource
// count, reserved, followed by that many resource records), terminated by
// a zero type id.
func parseWindowsNeResources(src *ByteSource, off uint32, diag *Collector, maxTypes int) *NeResourceTable {
	table := &NeResourceTable{}
	tableOff := off
	shiftBuf, err := src.ReadAt(off, 2)
	if err != nil {
		return table
	}
	table.AlignmentShift = leU16(shiftBuf, 0)
	off += 2

	guardTypes := 0
	for {
		guardTypes++
		if guardTypes > maxTypes {
			diag.Emitf(DiagCountClamped, SevWarning, off, 0, "NE resource type blocks clamped")
			break
		}
		hdr, err := src.ReadAt(off, 8)
		if err != nil {
			diag.Emitf(DiagImpTruncated, SevWarning, off, 0, "NE resource table truncated")
			break
		}
		typeID := leU16(hdr, 0)
		off += 8
		if typeID == 0 {
			break
		}
		count := leU16(hdr, 2)
		for i := uint16(0); i < count; i++ {
			rec, err := src.ReadAt(off, 12)
			if err != nil {
				diag.Emitf(DiagImpTruncated, SevWarning, off, 0, "NE resource record truncated")
				return table
			}
			off += 12
			// Offsets AND lengths are both left-shifted by the alignment
			// shift. This is undocumented but empirically true (spec.md §9)
			// and is preserved rather than "corrected".
			dataOff := uint32(leU16(rec, 0)) << table.AlignmentShift
			dataLen := uint32(leU16(rec, 2)) << table.AlignmentShift
			resFlags := leU16(rec, 4)
			resID := leU16(rec, 6)
			res := NeResource{TypeID: typeID, NameOrID: resID, DataOff: dataOff, DataLen: dataLen}
			if resID&neResourceHighBit == 0 {
				// Offset, relative to the start of the resource table, to a
				// length-prefixed ANSI name; modeled the same as module/name tables.
				nameOff := tableOff + uint32(resID)
				if ln, err := src.ReadU8At(nameOff); err == nil {
					if nameBytes, err := src.ReadAt(nameOff+1, uint32(ln)); err == nil {
						res.Name = string(nameBytes)
					}
				}
			}
			_ = resFlags
			table.Resources = append(table.Resources, res)
		}
	}
	return table
}

// parseOS2CompactResources decodes the OS/2 compact form: a flat sequence
// of (resource_id, type_id) pairs whose Nth pair's data is the Nth data
// segment of the segment table — selected purely because TargetOS says
// OS/2, never because the flat-table parse "looked wrong".
func parseOS2CompactResources(src *ByteSource, off uint32, diag *Collector, maxTypes int) *NeResourceTable {
	table := &NeResourceTable{Compact: true}
	guard := 0
	for {
		guard++
		if guard > maxTypes {
			break
		}
		rec, err := src.ReadAt(off, 4)
		if err != nil {
			break
		}
		resID := leU16(rec, 0)
		typeID := leU16(rec, 2)
		if resID == 0 && typeID == 0 {
			break
		}
		off += 4
		table.Resources = append(table.Resources, NeResource{
			TypeID:   typeID,
			NameOrID: resID,
		})
	}
	return table
}

const maxAllowedResourceTypes = 0x1000

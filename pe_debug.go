// Copyright 2024 The exe authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package exe

// ImageDebugDirectoryType classifies one debug directory entry's payload.
type ImageDebugDirectoryType uint32

// Debug directory types relevant to identification; payload decoding
// (CodeView PDB records, POGO, repro hashes, ...) is left to a caller that
// wants to go further than "this image carries debug info of kind X".
const (
	ImageDebugTypeUnknown   ImageDebugDirectoryType = 0
	ImageDebugTypeCOFF      ImageDebugDirectoryType = 1
	ImageDebugTypeCodeView  ImageDebugDirectoryType = 2
	ImageDebugTypeFPO       ImageDebugDirectoryType = 3
	ImageDebugTypeMisc      ImageDebugDirectoryType = 4
	ImageDebugTypeException ImageDebugDirectoryType = 5
	ImageDebugTypeFixup     ImageDebugDirectoryType = 6
	ImageDebugTypeRepro     ImageDebugDirectoryType = 16
)

// ImageDebugDirectory is one 28-byte debug directory entry.
type ImageDebugDirectory struct {
	Characteristics  uint32
	TimeDateStamp    uint32
	MajorVersion     uint16
	MinorVersion     uint16
	Type             ImageDebugDirectoryType
	SizeOfData       uint32
	AddressOfRawData uint32
	PointerToRawData uint32
}

// DebugEntry pairs a decoded directory entry with its raw payload bytes.
type DebugEntry struct {
	Struct  ImageDebugDirectory
	Payload []byte
}

const imageDebugDirectorySize = 28

// parseDebug decodes the array of debug directory entries at rva/size.
func parseDebug(p *PEFile, rva, size uint32, diag *Collector) []DebugEntry {
	off, ok := p.rvaToFileOffset(rva)
	if !ok {
		return nil
	}
	count := size / imageDebugDirectorySize
	var entries []DebugEntry
	for i := uint32(0); i < count; i++ {
		buf, err := p.src.ReadAt(off+i*imageDebugDirectorySize, imageDebugDirectorySize)
		if err != nil {
			diag.Emitf(DiagTruncatedFile, SevWarning, off, rva, "debug directory truncated at entry %d", i)
			break
		}
		d := ImageDebugDirectory{
			Characteristics:  leU32(buf, 0),
			TimeDateStamp:    leU32(buf, 4),
			MajorVersion:     leU16(buf, 8),
			MinorVersion:     leU16(buf, 10),
			Type:             ImageDebugDirectoryType(leU32(buf, 12)),
			SizeOfData:       leU32(buf, 16),
			AddressOfRawData: leU32(buf, 20),
			PointerToRawData: leU32(buf, 24),
		}
		entry := DebugEntry{Struct: d}
		if d.PointerToRawData != 0 && d.SizeOfData > 0 {
			if payload, err := p.src.ReadAt(d.PointerToRawData, d.SizeOfData); err == nil {
				entry.Payload = payload
			}
		}
		entries = append(entries, entry)
	}
	return entries
}

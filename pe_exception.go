// Copyright 2024 The exe authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package exe

// ImageRuntimeFunctionEntry is one 12-byte table-based exception handling
// record (x64 .pdata). ARM/unwind-opcode interpretation is out of scope:
// spec.md treats exception data as "one of 16 directories" to be located
// and enumerated, not disassembled.
type ImageRuntimeFunctionEntry struct {
	BeginAddress      uint32
	EndAddress        uint32
	UnwindInfoAddress uint32
}

const imageRuntimeFunctionEntrySize = 12

// parseException decodes the .pdata function table at rva/size.
func parseException(p *PEFile, rva, size uint32, diag *Collector) []ImageRuntimeFunctionEntry {
	off, ok := p.rvaToFileOffset(rva)
	if !ok {
		return nil
	}
	count := size / imageRuntimeFunctionEntrySize
	entries := make([]ImageRuntimeFunctionEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		buf, err := p.src.ReadAt(off+i*imageRuntimeFunctionEntrySize, imageRuntimeFunctionEntrySize)
		if err != nil {
			diag.Emitf(DiagTruncatedFile, SevWarning, off, rva, "exception table truncated at entry %d", i)
			break
		}
		entries = append(entries, ImageRuntimeFunctionEntry{
			BeginAddress:      leU32(buf, 0),
			EndAddress:        leU32(buf, 4),
			UnwindInfoAddress: leU32(buf, 8),
		})
	}
	return entries
}

// Copyright 2024 The exe authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package exe

// ImageDelayImportDescriptor mirrors the regular import descriptor but adds
// an explicit module-handle slot and a validity-flag attributes word, since
// delay-loaded imports are resolved lazily at first call rather than at
// process start.
type ImageDelayImportDescriptor struct {
	Attributes        uint32
	Name              uint32
	ModuleHandle      uint32
	DelayImportAT     uint32 // IAT
	DelayImportNT     uint32 // INT
	BoundDelayIAT     uint32
	UnloadDelayAT     uint32
	TimeStamp         uint32
}

// DelayImport is one delay-loaded DLL and its resolved function table,
// reusing ImportFunction since the thunk encoding is identical to regular
// imports once the descriptor's own layout is accounted for.
type DelayImport struct {
	Offset     uint32
	Name       string
	Functions  []ImportFunction
	Descriptor ImageDelayImportDescriptor
}

// parseDelayImports walks the delay-import directory. Attributes bit 0
// being clear marks the legacy pre-VC7 layout, where every address field is
// a VA rather than an RVA; modern toolchains always set it.
func parseDelayImports(p *PEFile, rva, size uint32, diag *Collector) []DelayImport {
	var imports []DelayImport
	guard := 0
	for {
		guard++
		if guard > 4096 {
			diag.Emitf(DiagImpTruncated, SevWarning, 0, rva, "delay import walk aborted: too many DLLs")
			break
		}
		off, ok := p.rvaToFileOffset(rva)
		if !ok {
			break
		}
		buf, err := p.src.ReadAt(off, 32)
		if err != nil {
			break
		}
		desc := ImageDelayImportDescriptor{
			Attributes:    leU32(buf, 0),
			Name:          leU32(buf, 4),
			ModuleHandle:  leU32(buf, 8),
			DelayImportAT: leU32(buf, 12),
			DelayImportNT: leU32(buf, 16),
			BoundDelayIAT: leU32(buf, 20),
			UnloadDelayAT: leU32(buf, 24),
			TimeStamp:     leU32(buf, 28),
		}
		if desc == (ImageDelayImportDescriptor{}) {
			break
		}
		rva += 32

		legacy := desc.Attributes&1 == 0
		toRVA := func(v uint32) uint32 {
			if legacy && v != 0 {
				return v - uint32(p.NtHeader.ImageBase())
			}
			return v
		}

		di := DelayImport{Offset: off, Descriptor: desc}
		if nameOff, ok := p.rvaToFileOffset(toRVA(desc.Name)); ok {
			if s, _, ok := p.src.ReadCStrAt(nameOff, 256); ok {
				di.Name = s
			}
		}
		thunkRVA := toRVA(desc.DelayImportNT)
		if thunkRVA == 0 {
			thunkRVA = toRVA(desc.DelayImportAT)
		}
		if thunkRVA != 0 {
			if p.Is64() {
				di.Functions = parseImportThunks64(p, thunkRVA, toRVA(desc.DelayImportAT), diag)
			} else {
				di.Functions = parseImportThunks32(p, thunkRVA, toRVA(desc.DelayImportAT), diag)
			}
		}
		imports = append(imports, di)
	}
	return imports
}

// Copyright 2024 The exe authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package exe

const (
	imageOrdinalFlag32 = uint32(0x80000000)
	imageOrdinalFlag64 = uint64(0x8000000000000000)
	addressMask32      = uint32(0x7fffffff)
	addressMask64      = uint64(0x7fffffffffffffff)
)

// ImageImportDescriptor is one 20-byte entry of the import directory table,
// one per imported DLL, terminated by an all-zero entry.
type ImageImportDescriptor struct {
	OriginalFirstThunk uint32 // RVA of the import lookup table (INT)
	TimeDateStamp      uint32
	ForwarderChain     uint32
	Name               uint32 // RVA of the DLL name
	FirstThunk         uint32 // RVA of the import address table (IAT)
}

// ImportFunction is one resolved import slot, by ordinal or by name.
type ImportFunction struct {
	Name               string
	Hint               uint16
	ByOrdinal          bool
	Ordinal            uint32
	OriginalThunkValue uint64
	ThunkValue         uint64
	ThunkRVA           uint32
	OriginalThunkRVA   uint32
}

// Import is one imported DLL and its resolved function table.
type Import struct {
	Offset     uint32
	Name       string
	Functions  []ImportFunction
	Descriptor ImageImportDescriptor
}

// parseImports walks the import directory at rva, following the ILT/IAT
// parallel-array convention shared across PE32 and PE32+, the only
// difference being thunk width.
func parseImports(p *PEFile, rva uint32, diag *Collector) []Import {
	var imports []Import
	guard := 0
	for {
		guard++
		if guard > 4096 {
			diag.Emitf(DiagImpTruncated, SevWarning, 0, rva, "import descriptor walk aborted: too many DLLs")
			break
		}
		off, ok := p.rvaToFileOffset(rva)
		if !ok {
			diag.Emitf(DiagImpTruncated, SevWarning, 0, rva, "import descriptor RVA unresolvable")
			break
		}
		buf, err := p.src.ReadAt(off, 20)
		if err != nil {
			diag.Emitf(DiagImpTruncated, SevWarning, off, rva, "import descriptor table truncated")
			break
		}
		desc := ImageImportDescriptor{
			OriginalFirstThunk: leU32(buf, 0),
			TimeDateStamp:      leU32(buf, 4),
			ForwarderChain:     leU32(buf, 8),
			Name:               leU32(buf, 12),
			FirstThunk:         leU32(buf, 16),
		}
		if desc == (ImageImportDescriptor{}) {
			break
		}
		rva += 20

		name := ""
		if nameOff, ok := p.rvaToFileOffset(desc.Name); ok {
			if s, _, ok := p.src.ReadCStrAt(nameOff, 256); ok {
				name = s
			}
		}
		if name == "" {
			diag.Emitf(DiagImpMissingDLL, SevAnomaly, off, rva, "import descriptor has no resolvable DLL name")
		}

		imp := Import{Offset: off, Name: name, Descriptor: desc}
		thunkRVA := desc.OriginalFirstThunk
		if thunkRVA == 0 {
			thunkRVA = desc.FirstThunk
		}
		if thunkRVA == 0 {
			diag.Emitf(DiagImpEmptyIAT, SevAnomaly, off, rva, "import %q has no thunk table", name)
			imports = append(imports, imp)
			continue
		}

		if p.Is64() {
			imp.Functions = parseImportThunks64(p, thunkRVA, desc.FirstThunk, diag)
		} else {
			imp.Functions = parseImportThunks32(p, thunkRVA, desc.FirstThunk, diag)
		}
		imports = append(imports, imp)
	}
	return imports
}

func parseImportThunks32(p *PEFile, iltRVA, iatRVA uint32, diag *Collector) []ImportFunction {
	var funcs []ImportFunction
	idx := uint32(0)
	for {
		off, ok := p.rvaToFileOffset(iltRVA + idx*4)
		if !ok {
			break
		}
		v, err := p.src.ReadU32LEAt(off)
		if err != nil || v == 0 {
			break
		}
		fn := ImportFunction{OriginalThunkRVA: iltRVA + idx*4, ThunkRVA: iatRVA + idx*4}
		if v&imageOrdinalFlag32 != 0 {
			fn.ByOrdinal = true
			fn.Ordinal = v & 0xffff
		} else {
			hintNameOff, ok := p.rvaToFileOffset(v & addressMask32)
			if ok {
				if hint, err := p.src.ReadU16LEAt(hintNameOff); err == nil {
					fn.Hint = hint
				}
				if s, _, ok := p.src.ReadCStrAt(hintNameOff+2, 512); ok {
					fn.Name = s
				}
			}
		}
		fn.OriginalThunkValue = uint64(v)
		funcs = append(funcs, fn)
		idx++
		if idx > 1<<16 {
			diag.Emitf(DiagImpTruncated, SevWarning, off, iltRVA, "import thunk walk aborted: too many functions")
			break
		}
	}
	return funcs
}

func parseImportThunks64(p *PEFile, iltRVA, iatRVA uint32, diag *Collector) []ImportFunction {
	var funcs []ImportFunction
	idx := uint32(0)
	for {
		off, ok := p.rvaToFileOffset(iltRVA + idx*8)
		if !ok {
			break
		}
		v, err := p.src.ReadU64LEAt(off)
		if err != nil || v == 0 {
			break
		}
		fn := ImportFunction{OriginalThunkRVA: iltRVA + idx*8, ThunkRVA: iatRVA + idx*8}
		if v&imageOrdinalFlag64 != 0 {
			fn.ByOrdinal = true
			fn.Ordinal = uint32(v & 0xffff)
		} else {
			hintNameOff, ok := p.rvaToFileOffset(uint32(v & addressMask64))
			if ok {
				if hint, err := p.src.ReadU16LEAt(hintNameOff); err == nil {
					fn.Hint = hint
				}
				if s, _, ok := p.src.ReadCStrAt(hintNameOff+2, 512); ok {
					fn.Name = s
				}
			}
		}
		fn.OriginalThunkValue = v
		funcs = append(funcs, fn)
		idx++
		if idx > 1<<16 {
			diag.Emitf(DiagImpTruncated, SevWarning, off, iltRVA, "import thunk walk aborted: too many functions")
			break
		}
	}
	return funcs
}

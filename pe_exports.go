// Copyright 2024 The exe authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package exe

// ImageExportDirectory is the 40-byte export directory header.
type ImageExportDirectory struct {
	Characteristics       uint32
	TimeDateStamp         uint32
	MajorVersion          uint16
	MinorVersion          uint16
	Name                  uint32
	Base                  uint32
	NumberOfFunctions     uint32
	NumberOfNames         uint32
	AddressOfFunctions    uint32
	AddressOfNames        uint32
	AddressOfNameOrdinals uint32
}

// ExportFunction is one resolved export slot, by ordinal and optionally by
// name, with forwarder detection.
type ExportFunction struct {
	Name         string
	Ordinal      uint32
	RVA          uint32
	IsForwarder  bool
	ForwarderTo  string
}

// Export holds the export directory and its resolved function table.
type Export struct {
	Offset    uint32
	Name      string
	Directory ImageExportDirectory
	Functions []ExportFunction
}

// parseExports walks the export directory at rva/size, resolving names and
// classifying forwarders by checking whether a function RVA lands inside
// the export directory's own RVA range (spec.md §4.9).
func parseExports(p *PEFile, rva, size uint32, diag *Collector) *Export {
	off, ok := p.rvaToFileOffset(rva)
	if !ok {
		diag.Emitf(DiagImpTruncated, SevWarning, 0, rva, "export directory RVA unresolvable")
		return nil
	}
	buf, err := p.src.ReadAt(off, 40)
	if err != nil {
		diag.Emitf(DiagImpTruncated, SevWarning, off, rva, "export directory truncated")
		return nil
	}
	dir := ImageExportDirectory{
		Characteristics:       leU32(buf, 0),
		TimeDateStamp:         leU32(buf, 4),
		MajorVersion:          leU16(buf, 8),
		MinorVersion:          leU16(buf, 10),
		Name:                  leU32(buf, 12),
		Base:                  leU32(buf, 16),
		NumberOfFunctions:     leU32(buf, 20),
		NumberOfNames:         leU32(buf, 24),
		AddressOfFunctions:    leU32(buf, 28),
		AddressOfNames:        leU32(buf, 32),
		AddressOfNameOrdinals: leU32(buf, 36),
	}

	exp := &Export{Offset: off, Directory: dir}
	if nameOff, ok := p.rvaToFileOffset(dir.Name); ok {
		if s, _, ok := p.src.ReadCStrAt(nameOff, 256); ok {
			exp.Name = s
		}
	}

	nameByOrdinalIdx := make(map[uint32]string, dir.NumberOfNames)
	for i := uint32(0); i < dir.NumberOfNames; i++ {
		namePtrOff, ok := p.rvaToFileOffset(dir.AddressOfNames + i*4)
		if !ok {
			break
		}
		nameRVA, err := p.src.ReadU32LEAt(namePtrOff)
		if err != nil {
			break
		}
		ordIdxOff, ok := p.rvaToFileOffset(dir.AddressOfNameOrdinals + i*2)
		if !ok {
			break
		}
		ordIdx, err := p.src.ReadU16LEAt(ordIdxOff)
		if err != nil {
			break
		}
		nameOff, ok := p.rvaToFileOffset(nameRVA)
		if !ok {
			continue
		}
		name, _, ok := p.src.ReadCStrAt(nameOff, 512)
		if !ok {
			diag.Emitf(DiagExpNonPrintableName, SevAnomaly, nameOff, nameRVA, "export name unreadable")
			continue
		}
		nameByOrdinalIdx[uint32(ordIdx)] = name
	}

	expEnd := rva + size
	guard := 0
	for i := uint32(0); i < dir.NumberOfFunctions; i++ {
		guard++
		if guard > 1<<20 {
			diag.Emitf(DiagCountClamped, SevWarning, off, rva, "export function walk aborted: too many entries")
			break
		}
		fnOff, ok := p.rvaToFileOffset(dir.AddressOfFunctions + i*4)
		if !ok {
			break
		}
		fnRVA, err := p.src.ReadU32LEAt(fnOff)
		if err != nil || fnRVA == 0 {
			continue
		}
		fn := ExportFunction{Ordinal: dir.Base + i, RVA: fnRVA, Name: nameByOrdinalIdx[i]}
		if fnRVA >= rva && fnRVA < expEnd {
			fn.IsForwarder = true
			if fwdOff, ok := p.rvaToFileOffset(fnRVA); ok {
				if s, _, ok := p.src.ReadCStrAt(fwdOff, 512); ok {
					fn.ForwarderTo = s
				}
			}
		}
		exp.Functions = append(exp.Functions, fn)
	}

	seen := map[string]bool{}
	for _, fn := range exp.Functions {
		if fn.IsForwarder && seen[fn.ForwarderTo] {
			diag.Emitf(DiagExpForwarderLoop, SevAnomaly, off, rva, "repeated forwarder target %q", fn.ForwarderTo)
		}
		seen[fn.ForwarderTo] = true
	}

	return exp
}

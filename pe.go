// Copyright 2024 The exe authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package exe

import "github.com/relicbyte/exe/log"

// SecurityFeatures projects a handful of DllCharacteristics/load-config
// bits into the named mitigation booleans spec.md's supplemented
// security-posture summary asks for.
type SecurityFeatures struct {
	ASLR           bool
	HighEntropyASLR bool
	DEP            bool
	CFG            bool
	SafeSEH        bool
	IsDotNet       bool
}

// PEFile is the root of a PE32/PE32+ image.
type PEFile struct {
	NtHeader    NtHeader
	Sections    []Section
	RichHeader  *RichHeader
	Imports     []Import
	Exports     *Export
	Relocations []Relocation
	TLS         *TLSDirectory
	LoadConfig  *LoadConfig
	BoundImports []BoundImport
	DelayImports []DelayImport
	Certificates []Certificate
	Debug       []DebugEntry
	Exceptions  []ImageRuntimeFunctionEntry
	CLRHeader   *ImageCOR20Header
	GlobalPtr   uint32
	HasGlobalPtr bool
	Resources   *ResourceDirectory
	OverlayOffset int64

	src     *ByteSource
	diag    *Collector
	lfanew  uint32
	opts    *Options
	logger  *log.Helper
}

// resourceEntriesCap returns the per-level PE resource directory entry
// bound, overridable via Options.MaxResourceEntriesCount.
func (p *PEFile) resourceEntriesCap() int {
	if p.opts != nil && p.opts.MaxResourceEntriesCount != 0 {
		return int(p.opts.MaxResourceEntriesCount)
	}
	return maxAllowedResourceEntries
}

// FormatName implements Executable.
func (p *PEFile) FormatName() string {
	if p.Is64() {
		return "PE32+"
	}
	return "PE32"
}

// Is64 reports whether this is a PE32+ image.
func (p *PEFile) Is64() bool { return p.NtHeader.Is64 }

// CodeSection returns the bytes of the section containing the entry point,
// falling back to the first executable-flagged section.
func (p *PEFile) CodeSection() []byte {
	ep := p.NtHeader.EntryPointRVA()
	sa := p.sectionAlignment()
	if sec := sectionByRVA(p.Sections, ep, sa); sec != nil {
		if off, ok := rvaToOffset(p.Sections, sec.Header.VirtualAddress, sa); ok {
			b, err := p.src.ReadAt(off, sec.Header.SizeOfRawData)
			if err == nil {
				return b
			}
		}
	}
	for _, sec := range p.Sections {
		if sec.Header.Characteristics&SectionMemExecute == 0 {
			continue
		}
		b, err := p.src.ReadAt(sec.Header.PointerToRawData, sec.Header.SizeOfRawData)
		if err == nil {
			return b
		}
	}
	return nil
}

// EntryPoint returns the RVA of the entry point.
func (p *PEFile) EntryPoint() (uint32, bool) {
	return p.NtHeader.EntryPointRVA(), true
}

func (p *PEFile) sectionAlignment() uint32 {
	if p.Is64() {
		return p.NtHeader.OptionalHdr64.SectionAlignment
	}
	return p.NtHeader.OptionalHdr32.SectionAlignment
}

// rvaToFileOffset maps an RVA to a file offset via the section table.
func (p *PEFile) rvaToFileOffset(rva uint32) (uint32, bool) {
	return rvaToOffset(p.Sections, rva, p.sectionAlignment())
}

// SecurityFeatures projects the mitigation booleans from DllCharacteristics,
// the load config directory (CFG/SafeSEH) and the CLR directory (.NET).
func (p *PEFile) SecurityFeatures() SecurityFeatures {
	dll := p.NtHeader.DllCharacteristics()
	sf := SecurityFeatures{
		ASLR:     dll&DllCharDynamicBase != 0,
		DEP:      dll&DllCharNXCompat != 0,
		IsDotNet: p.CLRHeader != nil,
	}
	sf.HighEntropyASLR = sf.ASLR && p.Is64() && dll&DllCharHighEntropyVA != 0
	if p.LoadConfig != nil {
		sf.CFG = p.LoadConfig.GuardFlags&ImageGuardCFInstrumented != 0
		sf.SafeSEH = !p.Is64() && p.LoadConfig.SEHandlerTable != 0 && p.LoadConfig.SEHandlerCount != 0
	}
	return sf
}

// parsePE drives the full PE directory fan-out once the envelope dispatcher
// has committed to Pe32/Pe32Plus. When opts.Fast is set, only the headers
// and section table are parsed; every directory is left nil, matching the
// teacher's own fast-mode short-circuit.
func parsePE(src *ByteSource, lfanew uint32, wantPE64 bool, opts *Options, diag *Collector, logger *log.Helper) (*PEFile, error) {
	nt, err := parseNtHeader(src, lfanew, wantPE64, diag)
	if err != nil {
		logger.Errorf("NT header parsing failed: %v", err)
		return &PEFile{src: src, diag: diag, lfanew: lfanew, NtHeader: nt, opts: opts, logger: logger}, err
	}

	p := &PEFile{NtHeader: nt, src: src, diag: diag, lfanew: lfanew, opts: opts, logger: logger}
	p.Sections = parseSections(src, lfanew, nt.FileHeader, diag)
	for i := range p.Sections {
		b, err := src.ReadAt(p.Sections[i].Header.PointerToRawData, p.Sections[i].Header.SizeOfRawData)
		if err == nil {
			p.Sections[i].Entropy = computeEntropy(b)
		}
	}
	p.RichHeader = parseRichHeader(src, lfanew, diag)
	if p.RichHeader == nil {
		logger.Debugf("rich header not found or unparseable")
	}

	ep := nt.EntryPointRVA()
	if sectionByRVA(p.Sections, ep, p.sectionAlignment()) == nil && len(p.Sections) > 0 {
		diag.Emitf(DiagEPInOverlay, SevAnomaly, 0, ep, "entry point does not fall within any section")
	} else if sec := sectionByRVA(p.Sections, ep, p.sectionAlignment()); sec != nil && sec.Header.Characteristics&SectionMemExecute == 0 {
		diag.Emitf(DiagEPNonExecutable, SevAnomaly, 0, ep, "entry point section %q is not executable", sec.Name())
	}

	if opts != nil && opts.Fast {
		runPEAnomalies(p, diag)
		return p, nil
	}

	dirs := nt.DataDirectories()
	get := func(idx int) (uint32, uint32) {
		if idx >= len(dirs) {
			return 0, 0
		}
		return dirs[idx].VirtualAddress, dirs[idx].Size
	}

	// Each directory is parsed inside its own recover so a panic deep in one
	// (a crafted count, an arithmetic overflow) does not abort the rest.
	guardedDir := func(name string, fn func()) {
		defer func() {
			if e := recover(); e != nil {
				logger.Errorf("unhandled exception when parsing data directory %s, reason: %v", name, e)
			}
		}()
		fn()
	}

	if rva, size := get(DirImport); rva != 0 && size != 0 {
		guardedDir("Import", func() { p.Imports = parseImports(p, rva, diag) })
	}
	if rva, size := get(DirExport); rva != 0 && size != 0 {
		guardedDir("Export", func() { p.Exports = parseExports(p, rva, size, diag) })
	}
	if rva, size := get(DirBaseReloc); rva != 0 && size != 0 {
		guardedDir("Relocation", func() { p.Relocations = parseRelocations(p, rva, size, diag) })
	}
	if rva, size := get(DirTLS); rva != 0 && size != 0 {
		guardedDir("TLS", func() { p.TLS = parseTLS(p, rva, size, diag) })
	}
	if rva, size := get(DirLoadConfig); rva != 0 && size != 0 {
		guardedDir("LoadConfig", func() { p.LoadConfig = parseLoadConfig(p, rva, size, diag) })
	}
	if rva, size := get(DirBoundImport); rva != 0 && size != 0 {
		guardedDir("BoundImport", func() { p.BoundImports = parseBoundImports(p, rva, size, diag) })
	}
	if rva, size := get(DirDelayImport); rva != 0 && size != 0 {
		guardedDir("DelayImport", func() { p.DelayImports = parseDelayImports(p, rva, size, diag) })
	}
	if secRVA, secSize := get(DirSecurity); secRVA != 0 && secSize != 0 {
		// Security directory entries are file offsets, not RVAs.
		guardedDir("Security", func() { p.Certificates = parseSecurity(src, secRVA, secSize, diag) })
	}
	if rva, size := get(DirDebug); rva != 0 && size != 0 {
		guardedDir("Debug", func() { p.Debug = parseDebug(p, rva, size, diag) })
	}
	if rva, size := get(DirException); rva != 0 && size != 0 && p.Is64() {
		guardedDir("Exception", func() { p.Exceptions = parseException(p, rva, size, diag) })
	}
	if rva, size := get(DirCLR); rva != 0 && size != 0 {
		guardedDir("CLR", func() { p.CLRHeader = parseCLRHeader(p, rva, size, diag) })
	}
	if rva, size := get(DirGlobalPtr); rva != 0 && size == 0 {
		guardedDir("GlobalPtr", func() {
			if v, ok := parseGlobalPtr(p, rva, diag); ok {
				p.GlobalPtr, p.HasGlobalPtr = v, true
			}
		})
	}
	if rva, size := get(DirResource); rva != 0 && size != 0 {
		guardedDir("Resource", func() { p.Resources = parsePEResourceDirectory(p, rva, diag) })
	}

	for _, sec := range p.Sections {
		end := int64(sec.Header.PointerToRawData) + int64(sec.Header.SizeOfRawData)
		if end > p.OverlayOffset {
			p.OverlayOffset = end
		}
	}

	runPEAnomalies(p, diag)
	return p, nil
}

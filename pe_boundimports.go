// Copyright 2024 The exe authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package exe

// ImageBoundImportDescriptor is an 8-byte bound-import table entry: one per
// DLL this image was bound against at build time.
type ImageBoundImportDescriptor struct {
	TimeDateStamp               uint32
	OffsetModuleName            uint16
	NumberOfModuleForwarderRefs uint16
}

// ImageBoundForwardedRef is one forwarder entry following a bound import
// descriptor that declares NumberOfModuleForwarderRefs > 0.
type ImageBoundForwardedRef struct {
	TimeDateStamp    uint32
	OffsetModuleName uint16
	Reserved         uint16
}

// BoundForwardedRef pairs a forwarder ref with its resolved name.
type BoundForwardedRef struct {
	Ref  ImageBoundForwardedRef
	Name string
}

// BoundImport pairs a bound import descriptor with its resolved name and
// any forwarder refs.
type BoundImport struct {
	Descriptor    ImageBoundImportDescriptor
	Name          string
	ForwardedRefs []BoundForwardedRef
}

// parseBoundImports walks the bound-import table, whose DLL/forwarder names
// are offsets relative to the directory's own start rather than RVAs.
func parseBoundImports(p *PEFile, rva, size uint32, diag *Collector) []BoundImport {
	off, ok := p.rvaToFileOffset(rva)
	if !ok {
		return nil
	}
	base := off
	var result []BoundImport
	cur := off
	end := off + size
	guard := 0

	for cur < end {
		guard++
		if guard > 4096 {
			diag.Emitf(DiagCountClamped, SevWarning, cur, rva, "bound import walk aborted: too many descriptors")
			break
		}
		buf, err := p.src.ReadAt(cur, 8)
		if err != nil {
			break
		}
		desc := ImageBoundImportDescriptor{
			TimeDateStamp:               leU32(buf, 0),
			OffsetModuleName:            leU16(buf, 4),
			NumberOfModuleForwarderRefs: leU16(buf, 6),
		}
		if desc == (ImageBoundImportDescriptor{}) {
			break
		}
		cur += 8

		bi := BoundImport{Descriptor: desc}
		if name, _, ok := p.src.ReadCStrAt(base+uint32(desc.OffsetModuleName), 256); ok {
			bi.Name = name
		}
		for i := uint16(0); i < desc.NumberOfModuleForwarderRefs; i++ {
			fwdBuf, err := p.src.ReadAt(cur, 8)
			if err != nil {
				break
			}
			fwd := ImageBoundForwardedRef{
				TimeDateStamp:    leU32(fwdBuf, 0),
				OffsetModuleName: leU16(fwdBuf, 4),
				Reserved:         leU16(fwdBuf, 6),
			}
			cur += 8
			name := ""
			if s, _, ok := p.src.ReadCStrAt(base+uint32(fwd.OffsetModuleName), 256); ok {
				name = s
			}
			bi.ForwardedRefs = append(bi.ForwardedRefs, BoundForwardedRef{Ref: fwd, Name: name})
		}
		result = append(result, bi)
	}
	return result
}

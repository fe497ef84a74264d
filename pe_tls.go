// Copyright 2024 The exe authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package exe

// TLSDirectoryCharacteristicsType carries the section-alignment bits
// (IMAGE_SCN_ALIGN_*) reused by the TLS directory.
type TLSDirectoryCharacteristicsType uint32

// ImageTLSDirectory32 is the PE32 thread-local-storage directory.
type ImageTLSDirectory32 struct {
	StartAddressOfRawData uint32
	EndAddressOfRawData   uint32
	AddressOfIndex        uint32
	AddressOfCallBacks    uint32
	SizeOfZeroFill        uint32
	Characteristics       TLSDirectoryCharacteristicsType
}

// ImageTLSDirectory64 is the PE32+ thread-local-storage directory; every VA
// field widens to 64 bits, the trailing two stay 32-bit.
type ImageTLSDirectory64 struct {
	StartAddressOfRawData uint64
	EndAddressOfRawData   uint64
	AddressOfIndex        uint64
	AddressOfCallBacks    uint64
	SizeOfZeroFill        uint32
	Characteristics       TLSDirectoryCharacteristicsType
}

// TLSDirectory holds the decoded directory plus its resolved callback VA
// array, whichever width applies.
type TLSDirectory struct {
	Dir32     *ImageTLSDirectory32
	Dir64     *ImageTLSDirectory64
	Callbacks []uint64
}

// parseTLS decodes the TLS directory and walks its null-terminated
// callback array, widths selected by the image's own PE32/PE32+ shape.
func parseTLS(p *PEFile, rva, size uint32, diag *Collector) *TLSDirectory {
	off, ok := p.rvaToFileOffset(rva)
	if !ok {
		return nil
	}

	td := &TLSDirectory{}
	var callbacksVA uint64
	var imageBase uint64 = p.NtHeader.ImageBase()

	if p.Is64() {
		buf, err := p.src.ReadAt(off, 40)
		if err != nil {
			diag.Emitf(DiagTruncatedFile, SevWarning, off, rva, "TLS directory truncated")
			return nil
		}
		d := ImageTLSDirectory64{
			StartAddressOfRawData: leU64(buf, 0),
			EndAddressOfRawData:   leU64(buf, 8),
			AddressOfIndex:        leU64(buf, 16),
			AddressOfCallBacks:    leU64(buf, 24),
			SizeOfZeroFill:        leU32(buf, 32),
			Characteristics:       TLSDirectoryCharacteristicsType(leU32(buf, 36)),
		}
		td.Dir64 = &d
		callbacksVA = d.AddressOfCallBacks
	} else {
		buf, err := p.src.ReadAt(off, 24)
		if err != nil {
			diag.Emitf(DiagTruncatedFile, SevWarning, off, rva, "TLS directory truncated")
			return nil
		}
		d := ImageTLSDirectory32{
			StartAddressOfRawData: leU32(buf, 0),
			EndAddressOfRawData:   leU32(buf, 4),
			AddressOfIndex:        leU32(buf, 8),
			AddressOfCallBacks:    leU32(buf, 12),
			SizeOfZeroFill:        leU32(buf, 16),
			Characteristics:       TLSDirectoryCharacteristicsType(leU32(buf, 20)),
		}
		td.Dir32 = &d
		callbacksVA = uint64(d.AddressOfCallBacks)
	}

	if callbacksVA == 0 || callbacksVA < imageBase {
		return td
	}
	cbRVA := uint32(callbacksVA - imageBase)
	guard := 0
	for {
		guard++
		if guard > 4096 {
			break
		}
		cbOff, ok := p.rvaToFileOffset(cbRVA)
		if !ok {
			break
		}
		if p.Is64() {
			v, err := p.src.ReadU64LEAt(cbOff)
			if err != nil || v == 0 {
				break
			}
			td.Callbacks = append(td.Callbacks, v)
			cbRVA += 8
		} else {
			v, err := p.src.ReadU32LEAt(cbOff)
			if err != nil || v == 0 {
				break
			}
			td.Callbacks = append(td.Callbacks, uint64(v))
			cbRVA += 4
		}
	}
	return td
}

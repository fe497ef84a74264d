// Copyright 2024 The exe authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package exe

// COMImageFlagsType carries the IMAGE_COR20_HEADER COMIMAGE_FLAGS_* bits.
type COMImageFlagsType uint32

// Relevant COM image flags.
const (
	COMImageFlagsILOnly       COMImageFlagsType = 0x00000001
	COMImageFlags32BitReq     COMImageFlagsType = 0x00000002
	COMImageFlagsNativeEntry  COMImageFlagsType = 0x00000010
)

// ImageCOR20Header is the CLR header (IMAGE_COR20_HEADER). Full ECMA-335
// metadata stream decoding (#~ tables, heaps) is out of scope: spec.md's
// only .NET requirement is locating this header and projecting its
// presence as "Is .NET".
type ImageCOR20Header struct {
	Cb                   uint32
	MajorRuntimeVersion  uint16
	MinorRuntimeVersion  uint16
	MetaData             DataDirectory
	Flags                COMImageFlagsType
	EntryPointRVAorToken uint32
	Resources            DataDirectory
	StrongNameSignature  DataDirectory
}

const imageCOR20HeaderSize = 72

// parseCLRHeader decodes the CLR header at rva; size is the COM descriptor
// directory's own Size field and is not otherwise used since Cb is
// authoritative for the header's real length.
func parseCLRHeader(p *PEFile, rva, size uint32, diag *Collector) *ImageCOR20Header {
	off, ok := p.rvaToFileOffset(rva)
	if !ok {
		return nil
	}
	buf, err := p.src.ReadAt(off, imageCOR20HeaderSize)
	if err != nil {
		diag.Emitf(DiagTruncatedFile, SevWarning, off, rva, "CLR header truncated")
		return nil
	}
	h := &ImageCOR20Header{
		Cb:                   leU32(buf, 0),
		MajorRuntimeVersion:  leU16(buf, 4),
		MinorRuntimeVersion:  leU16(buf, 6),
		MetaData:             DataDirectory{VirtualAddress: leU32(buf, 8), Size: leU32(buf, 12)},
		Flags:                COMImageFlagsType(leU32(buf, 16)),
		EntryPointRVAorToken: leU32(buf, 20),
		Resources:            DataDirectory{VirtualAddress: leU32(buf, 24), Size: leU32(buf, 28)},
		StrongNameSignature:  DataDirectory{VirtualAddress: leU32(buf, 32), Size: leU32(buf, 36)},
	}
	return h
}

// Copyright 2024 The exe authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package exe

import "time"

// runPEAnomalies reports structurally valid but suspicious PE conditions —
// things the Windows loader tolerates but that a hand-crafted or malformed
// file rarely exhibits legitimately. These never block parsing; each one is
// a Diagnostic at SevAnomaly or lower.
func runPEAnomalies(p *PEFile, diag *Collector) {
	fh := p.NtHeader.FileHeader

	now := time.Now()
	future := uint32(now.Add(24 * time.Hour).Unix())
	if fh.TimeDateStamp > future {
		diag.Emitf(DiagCOFFDeprecatedFlag, SevAnomaly, 0, 0, "file header timestamp is in the future")
	}

	if fh.Characteristics&0x0002 == 0 { // IMAGE_FILE_EXECUTABLE_IMAGE
		diag.Emitf(DiagCOFFDeprecatedFlag, SevAnomaly, 0, 0, "executable-image characteristic bit is not set")
	}

	ep := p.NtHeader.EntryPointRVA()
	sizeOfHeaders, sizeOfImage, sectionAlignment, win32Version, majorSubsys := p.optionalHeaderCommonFields()

	if ep == 0 {
		diag.Emitf(DiagOptEntryZero, SevAnomaly, 0, 0, "address of entry point is 0")
	} else if ep < sizeOfHeaders {
		diag.Emitf(DiagOptEntryInHeader, SevAnomaly, 0, ep, "entry point %#x is smaller than size of headers %#x", ep, sizeOfHeaders)
	}
	if sizeOfImage != 0 && ep >= sizeOfImage {
		diag.Emitf(DiagOptEntryOutOfImage, SevAnomaly, 0, ep, "entry point %#x falls outside the declared image size %#x", ep, sizeOfImage)
	}

	if p.NtHeader.ImageBase() == 0 {
		diag.Emitf(DiagOptInvalidImageBase, SevAnomaly, 0, 0, "image base is 0")
	}

	if sectionAlignment != 0 && sizeOfImage%sectionAlignment != 0 {
		diag.Emitf(DiagOptUnalignedSections, SevAnomaly, 0, 0, "size of image %#x is not a multiple of section alignment %#x", sizeOfImage, sectionAlignment)
	}

	if majorSubsys < 3 || majorSubsys > 6 {
		diag.Emitf(DiagReservedNonzero, SevInfo, 0, 0, "major subsystem version %d is outside the common 3-6 range", majorSubsys)
	}
	if win32Version != 0 {
		diag.Emitf(DiagReservedNonzero, SevAnomaly, 0, 0, "Win32VersionValue is reserved and must be 0, got %#x", win32Version)
	}

	dirs := p.NtHeader.DataDirectories()
	if dirs[len(dirs)-1].VirtualAddress != 0 || dirs[len(dirs)-1].Size != 0 {
		diag.Emitf(DiagReservedNonzero, SevAnomaly, 0, 0, "reserved final data directory entry is non-zero")
	}

	if checksum := p.computeChecksum(); checksum != p.declaredChecksum() && p.declaredChecksum() != 0 {
		diag.Emitf(DiagOptChecksumMismatch, SevAnomaly, 0, 0, "optional header checksum %#x does not match computed %#x", p.declaredChecksum(), checksum)
	}
}

// optionalHeaderCommonFields extracts the handful of optional-header fields
// that are laid out identically (just at a different base size) across
// PE32 and PE32+, so callers don't need an Is64 switch of their own.
func (p *PEFile) optionalHeaderCommonFields() (sizeOfHeaders, sizeOfImage, sectionAlignment, win32Version uint32, majorSubsys uint16) {
	if p.Is64() {
		oh := p.NtHeader.OptionalHdr64
		return oh.SizeOfHeaders, oh.SizeOfImage, oh.SectionAlignment, oh.Win32VersionValue, oh.MajorSubsystemVersion
	}
	oh := p.NtHeader.OptionalHdr32
	return oh.SizeOfHeaders, oh.SizeOfImage, oh.SectionAlignment, oh.Win32VersionValue, oh.MajorSubsystemVersion
}

func (p *PEFile) declaredChecksum() uint32 {
	if p.Is64() {
		return p.NtHeader.OptionalHdr64.CheckSum
	}
	return p.NtHeader.OptionalHdr32.CheckSum
}

// computeChecksum recomputes the Microsoft CheckSumMappedFile algorithm:
// sum the file as little-endian DWORDs (skipping the checksum field's own
// DWORD), fold the 64-bit accumulator down to 16 bits twice, then add the
// file length.
func (p *PEFile) computeChecksum() uint32 {
	size := p.src.Len()
	checksumOff := p.optHeaderOffset() + 64

	var checksum uint64
	var i uint32
	for ; i+4 <= size; i += 4 {
		if i == checksumOff {
			continue
		}
		v, err := p.src.ReadU32LEAt(i)
		if err != nil {
			break
		}
		checksum = (checksum & 0xffffffff) + uint64(v) + (checksum >> 32)
		if checksum > 0x100000000 {
			checksum = (checksum & 0xffffffff) + (checksum >> 32)
		}
	}
	checksum = (checksum & 0xffff) + (checksum >> 16)
	checksum = checksum + (checksum >> 16)
	checksum &= 0xffff
	checksum += uint64(size)
	return uint32(checksum)
}

func (p *PEFile) optHeaderOffset() uint32 {
	return p.lfanew + 4 + imageFileHeaderSize
}

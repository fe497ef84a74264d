// Copyright 2024 The exe authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package exe

// Control Flow Guard flag bits (GuardFlags), the ones the security-feature
// projection consults.
const (
	ImageGuardCFInstrumented        uint32 = 0x00000100
	ImageGuardCFFunctionTablePresent uint32 = 0x00000400
)

// LoadConfig is a size-gated read of the load configuration directory: only
// fields that fall entirely within the declared Size are populated, since
// the struct has grown every Windows release and most fields beyond the
// declared size belong to a newer Windows version than the image targets.
type LoadConfig struct {
	Size                        uint32
	TimeDateStamp               uint32
	MajorVersion                uint16
	MinorVersion                uint16
	SecurityCookieVA            uint64 // widened from 32-bit on PE32
	SEHandlerTable              uint64
	SEHandlerCount              uint64
	GuardCFFunctionTable        uint64
	GuardCFFunctionCount        uint64
	GuardFlags                  uint32
}

// The lc32* / lc64* constants give the byte offset of each field this
// module reads, matching ImageLoadConfigDirectory32/64
// (spec.md's full field lists are in original_source/, condensed here to
// exactly what SecurityFeatures and SafeSEH need).
const (
	lc32SecurityCookie = 0x3C
	lc32SEHandlerTable = 0x40
	lc32SEHandlerCount = 0x44
	lc32GuardCFTable   = 0x50
	lc32GuardCFCount   = 0x54
	lc32GuardFlags     = 0x58

	lc64SecurityCookie = 0x58
	lc64SEHandlerTable = 0x60
	lc64SEHandlerCount = 0x68
	lc64GuardCFTable   = 0x80
	lc64GuardCFCount   = 0x88
	lc64GuardFlags     = 0x90
)

// parseLoadConfig reads the load config directory, gating every field read
// on whether its end offset falls within the directory's own declared Size
// (read first), and reporting bytes beyond the last field this module
// understands via DiagLoadConfigExtraBytes rather than decoding them.
func parseLoadConfig(p *PEFile, rva, dirSize uint32, diag *Collector) *LoadConfig {
	off, ok := p.rvaToFileOffset(rva)
	if !ok {
		return nil
	}
	sizeBuf, err := p.src.ReadAt(off, 4)
	if err != nil {
		return nil
	}
	lc := &LoadConfig{Size: leU32(sizeBuf, 0)}
	if lc.Size < 4 {
		diag.Emitf(DiagTruncatedFile, SevWarning, off, rva, "load config directory size implausibly small")
		return lc
	}

	within := func(end uint32) bool { return end <= lc.Size }

	hdr, err := p.src.ReadAt(off, min32(lc.Size, 0x10))
	if err == nil && within(0x10) {
		lc.TimeDateStamp = leU32(hdr, 4)
		lc.MajorVersion = leU16(hdr, 8)
		lc.MinorVersion = leU16(hdr, 10)
	}

	if p.Is64() {
		if within(lc64SecurityCookie + 8) {
			if v, err := p.src.ReadU64LEAt(off + lc64SecurityCookie); err == nil {
				lc.SecurityCookieVA = v
			}
		}
		if within(lc64SEHandlerCount + 8) {
			if v, err := p.src.ReadU64LEAt(off + lc64SEHandlerTable); err == nil {
				lc.SEHandlerTable = v
			}
			if v, err := p.src.ReadU64LEAt(off + lc64SEHandlerCount); err == nil {
				lc.SEHandlerCount = v
			}
		}
		if within(lc64GuardCFCount + 8) {
			if v, err := p.src.ReadU64LEAt(off + lc64GuardCFTable); err == nil {
				lc.GuardCFFunctionTable = v
			}
			if v, err := p.src.ReadU64LEAt(off + lc64GuardCFCount); err == nil {
				lc.GuardCFFunctionCount = v
			}
		}
		if within(lc64GuardFlags + 4) {
			if v, err := p.src.ReadU32LEAt(off + lc64GuardFlags); err == nil {
				lc.GuardFlags = v
			}
		}
	} else {
		if within(lc32SecurityCookie + 4) {
			if v, err := p.src.ReadU32LEAt(off + lc32SecurityCookie); err == nil {
				lc.SecurityCookieVA = uint64(v)
			}
		}
		if within(lc32SEHandlerCount + 4) {
			if v, err := p.src.ReadU32LEAt(off + lc32SEHandlerTable); err == nil {
				lc.SEHandlerTable = uint64(v)
			}
			if v, err := p.src.ReadU32LEAt(off + lc32SEHandlerCount); err == nil {
				lc.SEHandlerCount = uint64(v)
			}
		}
		if within(lc32GuardCFCount + 4) {
			if v, err := p.src.ReadU32LEAt(off + lc32GuardCFTable); err == nil {
				lc.GuardCFFunctionTable = uint64(v)
			}
			if v, err := p.src.ReadU32LEAt(off + lc32GuardCFCount); err == nil {
				lc.GuardCFFunctionCount = uint64(v)
			}
		}
		if within(lc32GuardFlags + 4) {
			if v, err := p.src.ReadU32LEAt(off + lc32GuardFlags); err == nil {
				lc.GuardFlags = v
			}
		}
	}

	understood := uint32(lc64GuardFlags + 4)
	if !p.Is64() {
		understood = lc32GuardFlags + 4
	}
	if lc.Size > understood {
		diag.Emitf(DiagLoadConfigExtraBytes, SevInfo, off, rva, "load config directory has %d bytes beyond the fields this parser decodes", lc.Size-understood)
	}
	if lc.Size > dirSize {
		diag.Emitf(DiagOverlappingDirs, SevAnomaly, off, rva, "load config Size field exceeds the directory's own declared size")
	}

	return lc
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

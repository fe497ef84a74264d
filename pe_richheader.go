// Copyright 2024 The exe authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package exe

import "bytes"

const (
	dansSignature = 0x536E6144 // "DanS" as a little-endian dword
)

var richSignature = []byte("Rich")

// CompID is one decoded `@comp.id` entry: a tool (or statistic) recorded by
// the linker, XOR-masked with the header's own checksum.
type CompID struct {
	MinorCV  uint16
	ProdID   uint16
	Count    uint32
	Unmasked uint32
}

// RichHeader is the undocumented MSVC linker "bill of materials" block
// living between the DOS header and e_lfanew.
type RichHeader struct {
	XORKey     uint32
	CompIDs    []CompID
	DansOffset int
	Raw        []byte
}

// parseRichHeader decrypts the Rich header by walking backward from the
// "Rich" trailer XORing each dword with the trailer's own key until "DanS"
// falls out, per the well-known (but undocumented) Microsoft linker format.
// Absence (.NET binaries rarely carry one) is not an error.
func parseRichHeader(src *ByteSource, lfanew uint32, diag *Collector) *RichHeader {
	head, err := src.ReadAt(0, lfanew)
	if err != nil {
		return nil
	}
	richOff := bytes.Index(head, richSignature)
	if richOff < 0 {
		return nil
	}

	xorKey, err := src.ReadU32LEAt(uint32(richOff) + 4)
	if err != nil {
		return nil
	}

	estimatedBeginDans := richOff - 4 - mzHeaderSize
	if estimatedBeginDans < 0 {
		estimatedBeginDans = 0
	}

	var decoded []uint32
	dansOff := -1
	for it := 0; it < estimatedBeginDans; it += 4 {
		pos := richOff - 4 - it
		if pos < 0 {
			break
		}
		v, err := src.ReadU32LEAt(uint32(pos))
		if err != nil {
			break
		}
		res := v ^ xorKey
		if res == dansSignature {
			dansOff = pos
			break
		}
		decoded = append(decoded, res)
	}
	if dansOff < 0 {
		diag.Emitf(DiagRichTruncated, SevAnomaly, uint32(richOff), 0, "Rich header found but DanS signature could not be located")
		return nil
	}
	if dansOff != 0x80 {
		diag.Emitf(DiagRichTruncated, SevInfo, uint32(dansOff), 0, "DanS signature at unusual offset %#x", dansOff)
	}

	raw, _ := src.ReadAt(uint32(dansOff), uint32(richOff+8-dansOff))
	rh := &RichHeader{XORKey: xorKey, DansOffset: dansOff, Raw: raw}

	for i, j := 0, len(decoded)-1; i < j; i, j = i+1, j-1 {
		decoded[i], decoded[j] = decoded[j], decoded[i]
	}
	if len(decoded) >= 3 && (decoded[0] != 0 || decoded[1] != 0 || decoded[2] != 0) {
		diag.Emitf(DiagRichTruncated, SevAnomaly, uint32(dansOff), 0, "Rich header padding dwords not zero")
	}

	lenCompIDs := len(decoded)
	if (lenCompIDs-3)%2 != 0 {
		lenCompIDs--
	}
	for i := 3; i+1 < lenCompIDs; i += 2 {
		lo, hi := decoded[i], decoded[i+1]
		rh.CompIDs = append(rh.CompIDs, CompID{
			MinorCV:  uint16(lo),
			ProdID:   uint16(lo >> 16),
			Count:    hi,
			Unmasked: lo,
		})
	}

	if checksum := richHeaderChecksum(src, rh, lfanew); checksum != xorKey {
		diag.Emitf(DiagRichChecksumMismatch, SevWarning, uint32(dansOff), 0, "Rich header checksum mismatch: computed %#x, stored %#x", checksum, xorKey)
	}

	return rh
}

// richHeaderChecksum recomputes the checksum the way the linker does: sum
// of each byte before the DanS marker (DOS header and stub) rotated left by
// its own offset (with e_lfanew's four bytes zeroed), plus each CompID
// rotated by its table index.
func richHeaderChecksum(src *ByteSource, rh *RichHeader, lfanew uint32) uint32 {
	checksum := uint32(rh.DansOffset)
	header, err := src.ReadAt(0, uint32(rh.DansOffset))
	if err != nil {
		return 0
	}
	for i := 0; i < len(header); i++ {
		if i >= 0x3C && i < 0x40 {
			continue // e_lfanew bytes are zeroed for the checksum
		}
		checksum += rotl32(uint32(header[i]), uint32(i))
	}
	for i, cid := range rh.CompIDs {
		checksum += rotl32(cid.Unmasked, uint32(i))
		checksum += cid.Count
	}
	return checksum
}

func rotl32(v, n uint32) uint32 {
	n %= 32
	return (v << n) | (v >> (32 - n))
}

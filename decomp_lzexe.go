// Copyright 2024 The exe authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package exe

// LzexeVersion distinguishes the two relocation-table encodings LZEXE ever
// shipped; both compress the code stream identically.
type LzexeVersion int

const (
	LzexeV090 LzexeVersion = iota
	LzexeV091
)

// LzexeDecompressor recovers the original DOS executable from an
// LZEXE-compressed one. Construct with NewLzexeDecompressor and call
// Decompress once.
type LzexeDecompressor struct {
	src *ByteSource
	h   MzHeader
	ver LzexeVersion

	header [8]uint16 // initial_ip, initial_cs, initial_sp, initial_ss, compressed_size, inc_size, decompressor_size, checksum

	headerPos  uint32
	relocsOff  uint32
	codeOffset uint32
}

const (
	lzHdrIP = iota
	lzHdrCS
	lzHdrSP
	lzHdrSS
	lzHdrCompressedSize
	lzHdrIncSize
	lzHdrDecompressorSize
	lzHdrChecksum
)

// NewLzexeDecompressor reads the packed-file header at
// (header_para + initial_cs) << 4 and locates the relocation table and
// compressed code stream, without decompressing anything yet.
func NewLzexeDecompressor(src *ByteSource, h MzHeader, ver LzexeVersion) (*LzexeDecompressor, error) {
	d := &LzexeDecompressor{src: src, h: h, ver: ver}

	headerParas, _, _ := mzParagraphs(src, h)
	// initial_cs is a signed paragraph delta into the compressed file.
	d.headerPos = headerParas<<4 + uint32(int32(int16(h.InitialCS)))*16

	buf, err := src.ReadAt(d.headerPos, 16)
	if err != nil {
		return nil, err
	}
	for i := 0; i < 8; i++ {
		d.header[i] = leU16(buf, i*2)
	}

	if ver == LzexeV090 {
		d.relocsOff = d.headerPos + 0x19D
	} else {
		d.relocsOff = d.headerPos + 0x158
	}

	d.codeOffset = (uint32(h.InitialCS) - uint32(d.header[lzHdrCompressedSize]) + headerParas) << 4

	return d, nil
}

// Decompress runs the bit-coded LZ77 decoder and reconstructs the
// relocation table and register state, following unlzexe.cc exactly.
func (d *LzexeDecompressor) Decompress() (*DecompressionResult, error) {
	relocs, err := d.buildRelocations()
	if err != nil {
		return nil, err
	}

	code, err := d.unpackCode()
	if err != nil {
		return nil, err
	}

	res := &DecompressionResult{
		Code:        code,
		Relocations: noDuplicateRelocations(relocs),
		InitialIP:   d.header[lzHdrIP],
		InitialCS:   d.header[lzHdrCS],
		InitialSS:   d.header[lzHdrSS],
		InitialSP:   d.header[lzHdrSP],
		Checksum:    d.header[lzHdrChecksum],
	}
	return res, nil
}

// buildRelocations dispatches to the 0.90 (per-segment count) or 0.91
// (delta-span) relocation table encoding.
func (d *LzexeDecompressor) buildRelocations() ([]Relocation16, error) {
	if d.ver == LzexeV090 {
		return d.buildRelocations90()
	}
	return d.buildRelocations91()
}

// buildRelocations90 walks sixteen fixed segments (0x0000..0xF000 in steps
// of 0x1000), each prefixed with a 16-bit entry count followed by that many
// offsets within the segment.
func (d *LzexeDecompressor) buildRelocations90() ([]Relocation16, error) {
	var out []Relocation16
	off := d.relocsOff
	for s := 0; s < 16; s++ {
		seg := uint16(s * 0x1000)
		count, err := d.src.ReadU16LEAt(off)
		if err != nil {
			return nil, err
		}
		off += 2
		for c := int(count); c > 0; c-- {
			offs, err := d.src.ReadU16LEAt(off)
			if err != nil {
				return nil, err
			}
			off += 2
			out = append(out, Relocation16{Segment: seg, Offset: offs})
		}
	}
	return out, nil
}

// buildRelocations91 decodes the more compact delta-span encoding: each
// entry is a one-byte span added to a running offset. A span byte of 0 is
// special: it is followed by a 16-bit word whose value decides what happens
// next. 0 bumps the segment by a full 0x0FFF and resumes reading span
// bytes, 1 terminates the table, and anything else is added to the running
// offset like an ordinary span.
func (d *LzexeDecompressor) buildRelocations91() ([]Relocation16, error) {
	var out []Relocation16
	off := d.relocsOff
	var seg, offs uint16
	for {
		span, err := d.src.ReadU8At(off)
		if err != nil {
			return nil, err
		}
		off++
		if span == 0 {
			word, err := d.src.ReadU16LEAt(off)
			if err != nil {
				return nil, err
			}
			off += 2
			switch word {
			case 0:
				seg += 0x0FFF
				continue
			case 1:
				goto done
			default:
				offs += word
			}
		} else {
			offs += uint16(span)
		}
		seg += (offs &^ 0x0F) >> 4
		offs &= 0x0F
		out = append(out, Relocation16{Segment: seg, Offset: offs})
	}
done:
	return out, nil
}

// unpackCode runs the bit-coded copy/literal loop. Each iteration either
// emits a literal byte (bit 1) or a back-reference whose length and span
// are decoded from a short cascade of further bits, terminated by the
// sentinel length-0 marker.
func (d *LzexeDecompressor) unpackCode() ([]byte, error) {
	r := NewBitReader(d.src, d.codeOffset)

	// A 0x4500-byte sliding window matching the original's fixed buffer:
	// once 0x4000 or more bytes have accumulated, the oldest 0x2000 are
	// flushed to the output and the remainder shifted down.
	const windowCap = 0x4500
	const flushThreshold = 0x4000
	const flushSize = 0x2000

	window := make([]byte, 0, windowCap)
	var out []byte

	for {
		if len(window) >= flushThreshold {
			out = append(out, window[:flushSize]...)
			window = append(window[:0], window[flushSize:]...)
		}

		bit, err := r.ReadBit()
		if err != nil {
			return nil, err
		}
		if bit == 1 {
			b, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			window = append(window, b)
			continue
		}

		var length, span uint16
		bit2, err := r.ReadBit()
		if err != nil {
			return nil, err
		}
		if bit2 == 0 {
			b1, _ := r.ReadBit()
			b2, err := r.ReadBit()
			if err != nil {
				return nil, err
			}
			length = uint16(b1)<<1 | uint16(b2)
			length += 2
			b, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			span = uint16(b) | 0xFF00
		} else {
			sb, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			span = uint16(sb)
			lb, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			length = uint16(lb)
			span |= (length &^ 0x07) << 5
			span |= 0xE000
			length = (length & 0x07) + 2
			if length == 2 {
				lb2, err := r.ReadByte()
				if err != nil {
					return nil, err
				}
				length = uint16(lb2)
				if length == 0 {
					goto done
				}
				if length == 1 {
					continue
				}
				length++
			}
		}

		srcPos := len(window) + int(int16(span))
		if srcPos < 0 {
			return nil, ErrBadBackReference
		}
		for i := 0; i < int(length); i++ {
			if srcPos+i >= len(window) {
				return nil, ErrBadBackReference
			}
			window = append(window, window[srcPos+i])
		}
	}

done:
	out = append(out, window...)
	return out, nil
}

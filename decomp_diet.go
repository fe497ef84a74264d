// Copyright 2024 The exe authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package exe

// DIET shipped four format families that share one LZ77 core but disagree
// on where the compressed stream starts and how the original EXE header is
// recovered from inside it: plain COM images, raw "DATA" blobs meant for
// INT 21h loading, and two generations of EXE wrapper (1.00/1.02 and
// 1.44/1.45f).

type dietFileType int

const (
	dietFileUnknown dietFileType = iota
	dietFileCOM
	dietFileDATA
	dietFileEXE
)

type dietVersion int

const (
	dietVersionUnknown dietVersion = iota
	dietVersionV100
	dietVersionV102
	dietVersionV144
	dietVersionV145F
)

// entryOffset returns where, relative to the entry point, the 16-bit
// paragraph count locating the embedded MZ header is stored; it differs
// per wrapper generation.
func (v dietVersion) entryOffset() uint32 {
	switch v {
	case dietVersionV100:
		return 53
	case dietVersionV102:
		return 53
	case dietVersionV144:
		return 73
	case dietVersionV145F:
		return 26
	}
	return 0
}

// DietDecompressor recovers the original image from a DIET-packed file.
type DietDecompressor struct {
	src *ByteSource
	h   MzHeader

	fileType dietFileType
	version  dietVersion

	dlzPos  uint32
	crcPos  uint32
	cmprPos uint32

	cmprLen   uint32
	origLen   uint32
	hdrFlags1 uint8
	hdrFlags2 uint8
}

// NewDietDecompressor classifies the file's leading signature bytes into
// one of the four known DIET layouts and locates the "dlz" parameter block
// each one carries just ahead of the compressed stream.
func NewDietDecompressor(src *ByteSource, h MzHeader) (*DietDecompressor, error) {
	d := &DietDecompressor{src: src, h: h}
	if err := d.detect(); err != nil {
		return nil, err
	}
	if err := d.readParameters(); err != nil {
		return nil, err
	}
	return d, nil
}

var dietEXEPatterns = []struct {
	offsetFromCodestart int32
	signature           []byte
	version             dietVersion
}{
	{-77, []byte{0xfc, 0xb9}, dietVersionV100},
	{-72, []byte{0xfc, 0xbe}, dietVersionV102},
	{-52, []byte{0x2e, 0x8b}, dietVersionV144},
	{-55, []byte{0xfa, 0x2e}, dietVersionV145F},
}

func (d *DietDecompressor) detect() error {
	lead, err := d.src.ReadAt(0, 2)
	if err != nil {
		return err
	}

	switch lead[0] {
	case 0xbe, 0xbf, 0xf9:
		d.fileType = dietFileCOM
		d.dlzPos = 0
		return nil
	case 0xb4:
		sig, err := d.src.ReadAt(1, 4)
		if err == nil && string(sig) == "INT21" {
			d.fileType = dietFileDATA
			return nil
		}
	case 0x9d:
		sig, err := d.src.ReadAt(1, 4)
		if err == nil && string(sig) == "9D89" {
			d.fileType = dietFileDATA
			return nil
		}
	}

	if !(lead[0] == 'M' && lead[1] == 'Z') && !(lead[0] == 'Z' && lead[1] == 'M') {
		return ErrUnsupportedVariant
	}

	headerParas, _, _ := mzParagraphs(d.src, d.h)
	csOffset := int32(int16(d.h.InitialCS)) * 16
	codestart := uint32(int64(headerParas)*16 + int64(csOffset))

	for _, p := range dietEXEPatterns {
		pos := int64(codestart) + int64(p.offsetFromCodestart)
		if pos < 0 {
			continue
		}
		got, err := d.src.ReadAt(uint32(pos), uint32(len(p.signature)))
		if err != nil {
			continue
		}
		match := true
		for i, b := range p.signature {
			if got[i] != b {
				match = false
				break
			}
		}
		if match {
			d.fileType = dietFileEXE
			d.version = p.version
			return nil
		}
	}

	return ErrUnsupportedVariant
}

// readParameters locates and decodes the "dlz" signature block, or falls
// back to a raw length field for COM images and v1.00 EXEs, which never
// carry one.
func (d *DietDecompressor) readParameters() error {
	switch d.fileType {
	case dietFileCOM:
		buf, err := d.src.ReadAt(0, 4)
		if err != nil {
			return err
		}
		d.origLen = leU32(buf, 0)
		d.cmprPos = 0
		return nil
	case dietFileDATA:
		buf, err := d.src.ReadAt(5, 8)
		if err != nil {
			return err
		}
		d.cmprLen = leU32(buf, 0)
		d.origLen = leU32(buf, 4)
		d.cmprPos = 13
		return nil
	}

	headerParas, _, _ := mzParagraphs(d.src, d.h)
	csOffset := int32(int16(d.h.InitialCS)) * 16
	codestart := uint32(int64(headerParas)*16 + int64(csOffset))

	found, pos := d.findDlzSignature(codestart)
	if found {
		d.dlzPos = pos
		buf, err := d.src.ReadAt(pos, 16)
		if err != nil {
			return err
		}
		lenAndFlags := buf[3]
		d.cmprLen = uint32(leU16(buf, 1)) | uint32(lenAndFlags&0x0F)<<16
		d.hdrFlags1 = buf[3] >> 4
		d.hdrFlags2 = buf[8]
		d.origLen = uint32(leU16(buf, 4)) | uint32(buf[6]&0x0F)<<16
		d.cmprPos = pos + 16
		return nil
	}

	if d.version == dietVersionV100 {
		buf, err := d.src.ReadAt(32, 4)
		if err != nil {
			return err
		}
		d.origLen = leU32(buf, 0)
		d.cmprPos = codestart
		return nil
	}

	return ErrUnsupportedVariant
}

// findDlzSignature scans the 64 bytes preceding the code entry point,
// lowest address first, for the three-byte "dlz" tag that prefixes a DIET
// parameter block.
func (d *DietDecompressor) findDlzSignature(codestart uint32) (bool, uint32) {
	const scanWindow = 64
	start := uint32(0)
	if codestart > scanWindow {
		start = codestart - scanWindow
	}
	buf, err := d.src.ReadAt(start, codestart-start)
	if err != nil {
		return false, 0
	}
	for i := 0; i+3 <= len(buf); i++ {
		if buf[i] == 'd' && buf[i+1] == 'l' && buf[i+2] == 'z' {
			return true, start + uint32(i)
		}
	}
	return false, 0
}

// dietBitReader is DIET's own LSB-first eager-refill bit reader, built
// directly over a byte slice rather than a ByteSource since the window
// being decoded has already been copied into memory.
type dietBitReader struct {
	buf  []byte
	pos  int
	word uint16
	bits uint8
}

func newDietBitReader(buf []byte) *dietBitReader {
	r := &dietBitReader{buf: buf}
	r.refill()
	return r
}

func (r *dietBitReader) refill() {
	if r.pos+1 < len(r.buf) {
		r.word = uint16(r.buf[r.pos]) | uint16(r.buf[r.pos+1])<<8
	} else if r.pos < len(r.buf) {
		r.word = uint16(r.buf[r.pos])
	}
	r.pos += 2
	r.bits = 16
}

func (r *dietBitReader) bit() uint8 {
	b := uint8(r.word & 1)
	r.word >>= 1
	r.bits--
	if r.bits == 0 {
		r.refill()
	}
	return b
}

func (r *dietBitReader) byte_() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, ErrTruncatedStream
	}
	// DIET reads raw bytes from the same forward cursor the bit buffer
	// refills from; pos always points just past the most recently buffered
	// word or byte.
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

const dietRingSize = 8192

// decompressLZ77 runs DIET's LZ77 core over the compressed stream,
// producing exactly origLen bytes of output (callers trim further for the
// EXE-reconstruction header skip).
func (d *DietDecompressor) decompressLZ77() ([]byte, error) {
	cmprLen := d.cmprLen
	if cmprLen == 0 {
		avail := d.src.Len() - d.cmprPos
		cmprLen = avail
	}
	raw, err := d.src.ReadAt(d.cmprPos, cmprLen)
	if err != nil {
		return nil, err
	}

	r := newDietBitReader(raw)
	ring := make([]byte, dietRingSize)
	ringPos := 0
	out := make([]byte, 0, d.origLen)

	putByte := func(b byte) {
		out = append(out, b)
		ring[ringPos] = b
		ringPos = (ringPos + 1) % dietRingSize
	}

	for uint32(len(out)) < d.origLen || d.origLen == 0 {
		if r.bit() == 1 {
			b, err := r.byte_()
			if err != nil {
				return nil, err
			}
			putByte(b)
			continue
		}

		var matchpos int
		var matchlen int

		if r.bit() == 0 {
			a1 := r.bit()
			if a1 == 0 {
				a2 := r.bit()
				a3 := r.bit()
				a4 := r.bit()
				b, err := r.byte_()
				if err != nil {
					return nil, err
				}
				v := int(b)
				matchpos = 2303 - (1024*int(a2) + 512*int(a3) + 256*int(a4) + v)
				matchlen = 2
			} else {
				b, err := r.byte_()
				if err != nil {
					return nil, err
				}
				v := int(b)
				if v == 0xFF {
					if r.bit() == 0 {
						break
					}
					continue
				}
				matchpos = 0xFF - v
				matchlen = 2
			}
		} else {
			matchpos, err = d.decodeLongMatchpos(r)
			if err != nil {
				return nil, err
			}
			matchlen, err = d.readMatchlen(r)
			if err != nil {
				return nil, err
			}
		}

		srcPos := ringPos - matchpos - 1
		for srcPos < 0 {
			srcPos += dietRingSize
		}
		for i := 0; i < matchlen; i++ {
			b := ring[(srcPos+i)%dietRingSize]
			putByte(b)
		}

		if d.origLen != 0 && uint32(len(out)) >= d.origLen {
			break
		}
	}

	if d.origLen != 0 && uint32(len(out)) > d.origLen {
		out = out[:d.origLen]
	}
	return out, nil
}

// decodeLongMatchpos walks the cascading bit-prefix tree selecting among
// the six 3+ -byte-match position formulas (511 down to 8191, each minus a
// weighted combination of prefix bits and a trailing byte).
func (d *DietDecompressor) decodeLongMatchpos(r *dietBitReader) (int, error) {
	base := 511
	weight := 256
	for i := 0; i < 5; i++ {
		if r.bit() == 1 {
			break
		}
		base = base*2 + 1
		weight *= 2
	}
	acc := 0
	for w := weight; w >= 1; w /= 2 {
		acc += int(r.bit()) * w
	}
	b, err := r.byte_()
	if err != nil {
		return 0, err
	}
	return base - (acc + int(b)), nil
}

// readMatchlen decodes the variable 1-4 bit prefix giving lengths 3-9, a
// 3-bit field for 10-16, or a trailing extra byte for 17-272.
func (d *DietDecompressor) readMatchlen(r *dietBitReader) (int, error) {
	if r.bit() == 1 {
		return 3, nil
	}
	if r.bit() == 1 {
		if r.bit() == 1 {
			return 4, nil
		}
		return 5, nil
	}
	if r.bit() == 1 {
		a := r.bit()
		b := r.bit()
		return 6 + int(a)<<1 + int(b), nil
	}

	a := r.bit()
	b := r.bit()
	c := r.bit()
	n := int(a)<<2 | int(b)<<1 | int(c)
	if n != 7 {
		return 10 + n, nil
	}
	eb, err := r.byte_()
	if err != nil {
		return 0, err
	}
	return 17 + int(eb), nil
}

// Decompress runs the LZ77 core and, for EXE-wrapped inputs, locates the
// embedded MZ header the decompressed stream carries so the register and
// relocation state of the original program can be recovered.
func (d *DietDecompressor) Decompress() (*DecompressionResult, error) {
	code, err := d.decompressLZ77()
	if err != nil {
		return nil, err
	}

	res := &DecompressionResult{Code: code}

	if d.fileType != dietFileEXE {
		return res, nil
	}

	inner, err := d.reconstructEXE(code)
	if err != nil {
		return nil, err
	}
	res.InitialCS = inner.InitialCS
	res.InitialIP = inner.InitialIP
	res.InitialSS = inner.InitialSS
	res.InitialSP = inner.InitialSP
	res.Relocations = noDuplicateRelocations(d.readRelocations(code, inner))
	return res, nil
}

type dietInnerHeader struct {
	InitialCS, InitialIP, InitialSS, InitialSP uint16
	relocOffset                                uint32
}

// reconstructEXE reads the 16-bit paragraph-scaled parameter DIET's stub
// stores at entryOffset() bytes past the entry point, locating the
// embedded MZ header's four register fields; v1.00 falls back to scanning
// for a bare "MZ"/"ZM" signature when that parameter is absent.
func (d *DietDecompressor) reconstructEXE(code []byte) (*dietInnerHeader, error) {
	off := d.version.entryOffset()
	if int(off)+2 <= len(code) {
		n := leU16(code, int(off))
		pos := uint32(n) * 16
		if int(pos)+32 <= len(code) && (code[pos] == 'M' && code[pos+1] == 'Z' || code[pos] == 'Z' && code[pos+1] == 'M') {
			return &dietInnerHeader{
				InitialSS:   leU16(code, int(pos)+14),
				InitialSP:   leU16(code, int(pos)+16),
				InitialIP:   leU16(code, int(pos)+20),
				InitialCS:   leU16(code, int(pos)+22),
				relocOffset: pos + 24,
			}, nil
		}
	}

	if d.version == dietVersionV100 {
		for i := 0; i+16 <= len(code); i++ {
			if code[i] == 'M' && code[i+1] == 'Z' || code[i] == 'Z' && code[i+1] == 'M' {
				return &dietInnerHeader{
					InitialSS:   leU16(code, i+14),
					InitialSP:   leU16(code, i+16),
					InitialIP:   leU16(code, i+20),
					InitialCS:   leU16(code, i+22),
					relocOffset: uint32(i) + 24,
				}, nil
			}
		}
	}

	return nil, ErrUnsupportedVariant
}

// readRelocations decodes DIET's delta-encoded relocation table: a
// continuation word whose top bit set means "offset delta in same
// segment" (two shapes depending on magnitude), otherwise a full
// segment:offset pair.
func (d *DietDecompressor) readRelocations(code []byte, inner *dietInnerHeader) []Relocation16 {
	var out []Relocation16
	pos := inner.relocOffset
	var segment uint16
	var offset uint16

	for int(pos)+2 <= len(code) {
		n := leU16(code, int(pos))
		pos += 2
		if n == 0 {
			break
		}
		if n&0x8000 != 0 {
			if n >= 0xc000 {
				offset += n & 0x3FFF
			} else {
				offset += n & 0x7FFF
			}
			out = append(out, Relocation16{Segment: segment, Offset: offset})
			continue
		}
		if int(pos)+2 > len(code) {
			break
		}
		segment = n
		offset = leU16(code, int(pos))
		pos += 2
		out = append(out, Relocation16{Segment: segment, Offset: offset})
	}
	return out
}

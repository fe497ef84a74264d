// Copyright 2024 The exe authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package exe

// ExepackDecompressor recovers the original image from Microsoft's EXEPACK
// format: the packed data sits right after the DOS header, followed by a
// small resident unpacker whose own fixed 16-byte header records the
// decompressed length and the real entry-point registers.
type ExepackDecompressor struct {
	src *ByteSource
	h   MzHeader

	exeDataStart  uint32
	packedDataLen uint32
	header        [8]uint16 // realIP, realCS, mcbUnused, realSP, realSS, destLen, skipLen, signature
}

const (
	epHdrRealIP = iota
	epHdrRealCS
	epHdrMCBUnused
	epHdrRealSP
	epHdrRealSS
	epHdrDestLen
	epHdrSkipLen
	epHdrSignature
)

// ExepackSignature is the "RB" marker Microsoft's unpacker stub carries at
// a fixed offset in its own header.
const ExepackSignature = 0x4252

// NewExepackDecompressor locates the packed data and the EXEPACK header
// that immediately follows it.
func NewExepackDecompressor(src *ByteSource, h MzHeader) (*ExepackDecompressor, error) {
	d := &ExepackDecompressor{src: src, h: h}

	headerParas, initialCS, _ := mzParagraphs(src, h)
	d.exeDataStart = headerParas * 16
	d.packedDataLen = initialCS * 16

	hdrOff := d.exeDataStart + d.packedDataLen
	buf, err := src.ReadAt(hdrOff, 16)
	if err != nil {
		return nil, err
	}
	for i := 0; i < 8; i++ {
		d.header[i] = leU16(buf, i*2)
	}

	return d, nil
}

// decompSize is the decompressed length in bytes, stored in paragraphs in
// the EXEPACK header.
func (d *ExepackDecompressor) decompSize() uint32 {
	return 16 * uint32(d.header[epHdrDestLen])
}

// Decompress runs EXEPACK's backwards copy/fill expansion: the packed
// bytes are loaded in place at the front of a buffer sized for the final
// output, then a trailer of copy/fill commands (read back-to-front,
// trailing 0xFF padding skipped) expands them forwards into the tail of
// that same buffer.
func (d *ExepackDecompressor) Decompress() (*DecompressionResult, error) {
	packed, err := d.src.ReadAt(d.exeDataStart, d.packedDataLen)
	if err != nil {
		return nil, err
	}

	outLen := d.decompSize()
	buf := make([]byte, outLen)
	copy(buf, packed)

	srcPos := int(d.packedDataLen) - 1
	for srcPos >= 0 && buf[srcPos] == 0xFF {
		srcPos--
	}

	dstPos := int(outLen)
	for {
		if srcPos < 0 {
			return nil, ErrTruncatedStream
		}
		cmd := buf[srcPos]
		srcPos--

		switch cmd &^ 1 {
		case 0xB0: // fill
			if srcPos < 2 {
				return nil, ErrTruncatedStream
			}
			length := int(buf[srcPos])&0xFF<<8 | int(buf[srcPos-1])&0xFF
			srcPos -= 2
			fillByte := buf[srcPos]
			srcPos--
			dstPos -= length
			if dstPos < 0 || dstPos+length > len(buf) {
				return nil, ErrBadBackReference
			}
			for i := 0; i < length; i++ {
				buf[dstPos+i] = fillByte
			}
		case 0xB2: // copy
			if srcPos < 1 {
				return nil, ErrTruncatedStream
			}
			length := int(buf[srcPos])&0xFF<<8 | int(buf[srcPos-1])&0xFF
			srcPos -= 2
			dstPos -= length
			srcPos -= length
			if dstPos < 0 || srcPos < 0 || dstPos+length > len(buf) || srcPos+length > len(buf) {
				return nil, ErrBadBackReference
			}
			copy(buf[dstPos:dstPos+length], buf[srcPos:srcPos+length])
		default:
			return nil, ErrUnsupportedVariant
		}

		if cmd&1 == 1 {
			break
		}
	}

	// The resident unpacker copies its "stack segment"/"stack offset"
	// header fields into SP/SS respectively, not SS/SP as the field names
	// would suggest; kept as the unpacker actually behaves.
	return &DecompressionResult{
		Code:      buf,
		InitialSP: d.header[epHdrRealSS],
		InitialSS: d.header[epHdrRealSP],
		InitialCS: d.header[epHdrRealCS],
		InitialIP: d.header[epHdrRealIP],
	}, nil
}

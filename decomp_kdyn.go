// Copyright 2024 The exe authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package exe

// KdynSignatureOffset is where the three-byte E9 99 00 fingerprint used to
// recognise a Knowledge Dynamics-packed file lives (see fingerprintPacker).
const (
	KdynSignatureOffset = 0x200
	kdynMbufferSize     = 1024
	kdynMbufferEdge     = kdynMbufferSize - 3
)

// KdynDecompressor recovers the original image from a Knowledge Dynamics
// packed executable. Unlike PKLITE/LZEXE/EXEPACK, the packed payload is an
// adaptive LZ78-style dictionary stream rather than an LZ77 sliding window.
type KdynDecompressor struct {
	src *ByteSource
	h   MzHeader

	expectedSize uint32
	codeOffset   uint32
	header       MzHeader // inner MZ header describing the embedded original program
}

// NewKdynDecompressor locates the inner MZ stub that the packer's own DOS
// stub appends after its trailing data, and reads the inner header to learn
// the size of the code region it describes.
func NewKdynDecompressor(src *ByteSource, h MzHeader) (*KdynDecompressor, error) {
	d := &KdynDecompressor{src: src, h: h}

	extraDataStart := uint32(h.PagesInFile) * 512
	if h.BytesOnLastPageOfFile != 0 {
		extraDataStart -= 512 - uint32(h.BytesOnLastPageOfFile)
	}

	innerBuf, err := src.ReadAt(extraDataStart, 0x25)
	if err != nil {
		return nil, err
	}
	var inner MzHeader
	inner.PagesInFile = leU16(innerBuf, 4)
	inner.SizeOfHeaderParagraphs = leU16(innerBuf, 8)
	inner.BytesOnLastPageOfFile = leU16(innerBuf, 2)
	inner.InitialSS = leU16(innerBuf, 14)
	inner.InitialSP = leU16(innerBuf, 16)
	inner.InitialIP = leU16(innerBuf, 20)
	inner.InitialCS = leU16(innerBuf, 22)
	inner.MaxExtraParagraphsNeeded = leU16(innerBuf, 12)
	d.header = inner

	exeDataStart2 := uint32(inner.SizeOfHeaderParagraphs) * 16
	extraDataStart2 := uint32(inner.PagesInFile) * 512
	if inner.BytesOnLastPageOfFile != 0 {
		extraDataStart2 -= 512 - uint32(inner.BytesOnLastPageOfFile)
	}

	d.expectedSize = extraDataStart2 - exeDataStart2
	d.codeOffset = extraDataStart + exeDataStart2

	return d, nil
}

// acceptKdyn reports whether the three signature bytes E9 99 00 sit at
// KdynSignatureOffset; fingerprintPacker in mz.go performs the same check.
func acceptKdyn(src *ByteSource) bool {
	sig, err := src.ReadAt(KdynSignatureOffset, 3)
	if err != nil {
		return false
	}
	return sig[0] == 0xE9 && sig[1] == 0x99 && sig[2] == 0x00
}

// kdynKeyMasks narrows the raw 16-bit window down to the bits belonging to
// the current code width (9..12 bits), widening as the dictionary fills.
var kdynKeyMasks = [4]uint16{0x01FF, 0x03FF, 0x07FF, 0x0FFF}

// Decompress runs the adaptive dictionary decoder. Each code either names a
// literal byte directly (index < 0x100), closes over a previously built
// dictionary chain (0x100 <= index < current dictionary size), or is one of
// two control codes: 0x100 resets the dictionary and widens back to a
// 9-bit code, 0x101 marks end of stream.
func (d *KdynDecompressor) Decompress() (*DecompressionResult, error) {
	mbuf := make([]byte, kdynMbufferSize)
	if chunk, err := d.src.ReadAt(d.codeOffset, kdynMbufferSize); err == nil {
		copy(mbuf, chunk)
	} else {
		// Short final read is fine; the packer's payload can end before a
		// full window's worth of trailing bytes exist.
		avail := d.src.Len() - d.codeOffset
		if avail == 0 {
			return nil, ErrTruncatedStream
		}
		chunk, err := d.src.ReadAt(d.codeOffset, avail)
		if err != nil {
			return nil, ErrTruncatedStream
		}
		copy(mbuf, chunk)
	}

	out := make([]byte, 0, d.expectedSize)

	const dictCap = 768 * 16
	dictKey := make([]uint16, dictCap)
	dictVal := make([]byte, dictCap)
	dictIndex := uint16(0x0102)
	dictRange := uint16(0x0200)
	step := uint(9)

	var queue [0xFF]byte
	queued := 0

	var lastChar byte
	var lastIndex uint16

	pos := uint(0)
	resetHack := false
	filePos := d.codeOffset + kdynMbufferSize
	fileLen := d.src.Len()

	for {
		if resetHack {
			step = 9
			dictRange = 0x0200
			dictIndex = 0x0102
		}

		bytePos := pos / 8
		bitPos := pos % 8
		pos += step

		if bytePos >= kdynMbufferEdge {
			bytesExtra := kdynMbufferSize - int(bytePos)
			bytesLeft := kdynMbufferSize - bytesExtra
			copy(mbuf[:bytesExtra], mbuf[bytesLeft:])

			remaining := uint32(0)
			if filePos < fileLen {
				remaining = fileLen - filePos
			}
			toRead := uint32(bytesLeft)
			if remaining < toRead {
				toRead = remaining
			}
			if toRead > 0 {
				chunk, err := d.src.ReadAt(filePos, toRead)
				if err != nil {
					return nil, ErrTruncatedStream
				}
				copy(mbuf[bytesExtra:], chunk)
				filePos += toRead
			}
			for i := bytesExtra + int(toRead); i < kdynMbufferSize; i++ {
				mbuf[i] = 0
			}

			pos = bitPos + step
			bytePos = 0
			if resetHack {
				bitPos = uint(bytesExtra)
			}
		}

		if int(bytePos)+2 >= len(mbuf) {
			return nil, ErrTruncatedStream
		}
		bigIndex := uint32(mbuf[bytePos+2])<<16 | uint32(mbuf[bytePos+1])<<8 | uint32(mbuf[bytePos])
		bigIndex >>= bitPos

		nextIndex := uint16(bigIndex & 0xFFFF)
		if step-9 >= uint(len(kdynKeyMasks)) {
			return nil, ErrTruncatedStream
		}
		nextIndex &= kdynKeyMasks[step-9]

		if resetHack {
			lastIndex = nextIndex
			lastChar = byte(nextIndex & 0xFF)
			out = append(out, lastChar)
			resetHack = false
			continue
		}

		if nextIndex == 0x0101 {
			break
		}
		if nextIndex == 0x0100 {
			resetHack = true
			continue
		}

		keepIndex := nextIndex

		if nextIndex >= dictIndex {
			nextIndex = lastIndex
			if queued >= len(queue) {
				return nil, ErrTruncatedStream
			}
			queue[queued] = lastChar
			queued++
		}

		for nextIndex > 0xFF {
			if queued >= len(queue) || int(nextIndex) >= len(dictVal) {
				return nil, ErrTruncatedStream
			}
			queue[queued] = dictVal[nextIndex]
			queued++
			nextIndex = dictKey[nextIndex]
		}

		lastChar = byte(nextIndex & 0xFF)
		if queued >= len(queue) {
			return nil, ErrTruncatedStream
		}
		queue[queued] = lastChar
		queued++

		for queued > 0 {
			queued--
			out = append(out, queue[queued])
		}

		if int(nextIndex) >= len(dictVal) {
			return nil, ErrTruncatedStream
		}
		dictKey[dictIndex] = lastIndex
		dictVal[dictIndex] = lastChar
		dictIndex++

		lastIndex = keepIndex

		if dictIndex >= dictRange && step < 12 {
			step++
			dictRange *= 2
		}
	}

	return &DecompressionResult{
		Code:               out,
		InitialCS:          d.header.InitialCS,
		InitialIP:          d.header.InitialIP,
		InitialSS:          d.header.InitialSS,
		InitialSP:          d.header.InitialSP,
		MaxExtraParagraphs: d.header.MaxExtraParagraphsNeeded,
		MinExtraParagraphs: uint16((d.expectedSize + 0x20) / 64),
	}, nil
}

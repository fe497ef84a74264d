// Copyright 2024 The exe authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package exe

import "errors"

// ErrBitStreamExhausted is returned once the underlying byte source has no
// more 16-bit words to refill with.
var ErrBitStreamExhausted = errors.New("exe: bit stream exhausted")

// BitReader is the LSB-first bit stream the historical DOS decompressors
// (LZEXE, PKLITE) are built on: bits are pulled out of a 16-bit buffer one
// at a time, and the buffer is refilled with a fresh little-endian word from
// the byte source.
//
// The refill is eager: as soon as the 16th bit of a word is consumed, the
// next word is read immediately — before ReadBit is called again — exactly
// as the historical decompressors' inline assembly does. This means a read
// failure surfaces at the end of the call that drained the final bit of the
// final available word, not on the next call. Implementations that defer
// the refill until the next ReadBit call mis-decode streams whose bit count
// is an exact multiple of 16.
type BitReader struct {
	src     *ByteSource
	off     uint32
	buf     uint16
	nbits   uint8
	err     error
	lastErr bool
}

// NewBitReader constructs a BitReader starting at byte offset off in src.
// The first word is loaded immediately, matching the historical decoders
// which prime the buffer before decoding the first opcode bit.
func NewBitReader(src *ByteSource, off uint32) *BitReader {
	r := &BitReader{src: src, off: off}
	r.refill()
	return r
}

func (r *BitReader) refill() {
	if r.err != nil {
		return
	}
	word, err := r.src.ReadU16LEAt(r.off)
	if err != nil {
		r.err = err
		return
	}
	r.off += 2
	r.buf = word
	r.nbits = 16
}

// ReadBit returns the current LSB of the buffer, then shifts it out. When
// the buffer empties it eagerly refills before returning, so that a stream
// ending exactly on a word boundary fails here rather than on the next
// call.
func (r *BitReader) ReadBit() (uint8, error) {
	if r.err != nil {
		return 0, r.err
	}
	bit := uint8(r.buf & 1)
	r.buf >>= 1
	r.nbits--
	if r.nbits == 0 {
		r.refill()
		if r.err != nil {
			return bit, r.err
		}
	}
	return bit, nil
}

// ReadBits reads n bits LSB-first and assembles them into an integer with
// the first bit read as the low-order bit.
func (r *BitReader) ReadBits(n int) (uint32, error) {
	var v uint32
	for i := 0; i < n; i++ {
		bit, err := r.ReadBit()
		if err != nil {
			return 0, err
		}
		v |= uint32(bit) << uint(i)
	}
	return v, nil
}

// ReadByte reads a raw byte directly from the underlying byte source,
// bypassing the bit buffer. The decompressors interleave bit-coded opcodes
// with raw byte payloads (literals, offsets); this advances the same
// cursor the bit buffer will next refill from. It may be called between
// any two ReadBit calls: the bits still held in the buffer are left
// untouched, and the next refill reads the word after the consumed byte.
func (r *BitReader) ReadByte() (uint8, error) {
	if r.err != nil {
		return 0, r.err
	}
	b, err := r.src.ReadU8At(r.off)
	if err != nil {
		r.err = err
		return 0, err
	}
	r.off++
	return b, nil
}

// Offset returns the byte source offset the bit reader will next refill
// from (i.e. one past the last word/byte consumed).
func (r *BitReader) Offset() uint32 { return r.off }

// Err returns the first error encountered, if any.
func (r *BitReader) Err() error { return r.err }

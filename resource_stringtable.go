// Copyright 2024 The exe authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package exe

// StringTableBlock is one RT_STRING leaf: 16 consecutive string IDs
// (block*16 .. block*16+15), each a length-prefixed UTF-16LE string,
// stored back-to-back with no padding. A zero length means that ID in the
// block is unused.
type StringTableBlock struct {
	Block   uint32
	Strings [16]string
}

// ParseStringTableBlock decodes one RT_STRING leaf's 16-entry run.
func ParseStringTableBlock(data []byte, block uint32) (*StringTableBlock, error) {
	b := &StringTableBlock{Block: block}
	pos := 0
	for i := 0; i < 16; i++ {
		if pos+2 > len(data) {
			return nil, ErrOutsideBoundary
		}
		n := int(leU16(data, pos))
		pos += 2
		if n == 0 {
			continue
		}
		end := pos + n*2
		if end > len(data) {
			return nil, ErrOutsideBoundary
		}
		s, ok := utf16DecodeLE(data[pos:end])
		if !ok {
			return nil, ErrOutsideBoundary
		}
		b.Strings[i] = s
		pos = end
	}
	return b, nil
}

// StringID returns the actual resource-table ID for slot i (0..15) of a
// block, i.e. the inverse of the (ID>>4, ID&0xF) split Windows uses to
// group string-table entries.
func (b *StringTableBlock) StringID(i int) uint32 { return b.Block*16 + uint32(i) }

// Copyright 2024 The exe authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package exe

// MessageTableFlag distinguishes ANSI from Unicode message text within a
// MESSAGE_RESOURCE_ENTRY.
const (
	MessageAnsi    MessageTableFlag = 0x0000
	MessageUnicode MessageTableFlag = 0x0001
)

// MessageTableFlag is the fFlags field of a MESSAGE_RESOURCE_ENTRY.
type MessageTableFlag uint16

// MessageTableEntry is one decoded message, keyed by its numeric ID.
type MessageTableEntry struct {
	ID   uint32
	Text string
}

// ParseMessageTable decodes a MESSAGE_RESOURCE_DATA block: a block count,
// then that many (lowID, highID, blockOffset) descriptors pointing at runs
// of MESSAGE_RESOURCE_ENTRY records (length:2, flags:2, text) covering the
// inclusive ID range each descriptor names.
func ParseMessageTable(data []byte) ([]MessageTableEntry, error) {
	if len(data) < 4 {
		return nil, ErrOutsideBoundary
	}
	blockCount := int(leU32(data, 0))
	const blockDescSize = 12
	if 4+blockCount*blockDescSize > len(data) {
		return nil, ErrOutsideBoundary
	}

	var out []MessageTableEntry
	for b := 0; b < blockCount; b++ {
		descOff := 4 + b*blockDescSize
		lowID := leU32(data, descOff)
		highID := leU32(data, descOff+4)
		pos := int(leU32(data, descOff+8))

		for id := lowID; id <= highID && pos < len(data); id++ {
			if pos+4 > len(data) {
				break
			}
			length := int(leU16(data, pos))
			flags := MessageTableFlag(leU16(data, pos+2))
			if pos+length > len(data) || length < 4 {
				break
			}
			text := data[pos+4 : pos+length]
			var s string
			if flags == MessageUnicode {
				s, _ = utf16DecodeLE(text)
			} else {
				s = string(text)
			}
			out = append(out, MessageTableEntry{ID: id, Text: s})
			pos += length
		}
	}
	return out, nil
}

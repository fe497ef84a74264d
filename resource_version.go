// Copyright 2024 The exe authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package exe

// FixedFileInfo is the binary VS_FIXEDFILEINFO block every RT_VERSION
// resource's VS_VERSION_INFO root carries as its value.
type FixedFileInfo struct {
	Signature        uint32
	StrucVersion     uint32
	FileVersionMS    uint32
	FileVersionLS    uint32
	ProductVersionMS uint32
	ProductVersionLS uint32
	FileFlagsMask    uint32
	FileFlags        uint32
	FileOS           uint32
	FileType         uint32
	FileSubtype      uint32
}

// VersionInfoNode is one node of the recursive VS_VERSION_INFO tree: a
// length-prefixed (key, value-or-children) pair. StringFileInfo/VarFileInfo
// and their descendants reuse this same shape all the way down to leaf
// String entries.
type VersionInfoNode struct {
	Key      string
	Value    []byte
	Children []VersionInfoNode
}

// ParseVersionInfo decodes an RT_VERSION leaf's VS_VERSION_INFO root,
// returning the fixed-info block (nil if the wValueLength the format
// declares doesn't match a VS_FIXEDFILEINFO) plus the recursive node tree
// beneath it (StringFileInfo/VarFileInfo).
func ParseVersionInfo(data []byte) (*FixedFileInfo, []VersionInfoNode, error) {
	root, _, ok := parseVersionNode(data, 0)
	if !ok {
		return nil, nil, ErrOutsideBoundary
	}
	var fixed *FixedFileInfo
	if len(root.Value) >= 52 {
		fixed = &FixedFileInfo{
			Signature:        leU32(root.Value, 0),
			StrucVersion:     leU32(root.Value, 4),
			FileVersionMS:    leU32(root.Value, 8),
			FileVersionLS:    leU32(root.Value, 12),
			ProductVersionMS: leU32(root.Value, 16),
			ProductVersionLS: leU32(root.Value, 20),
			FileFlagsMask:    leU32(root.Value, 24),
			FileFlags:        leU32(root.Value, 28),
			FileOS:           leU32(root.Value, 32),
			FileType:         leU32(root.Value, 36),
			FileSubtype:      leU32(root.Value, 40),
		}
	}
	return fixed, root.Children, nil
}

// parseVersionNode decodes one (wLength, wValueLength, wType, szKey,
// padding, value, padding, children) node, consuming exactly wLength bytes
// (rounded up to the next dword) starting at pos.
func parseVersionNode(data []byte, pos int) (VersionInfoNode, int, bool) {
	if pos+6 > len(data) {
		return VersionInfoNode{}, 0, false
	}
	length := int(leU16(data, pos))
	valueLength := int(leU16(data, pos+2))
	isText := leU16(data, pos+4) == 1
	end := pos + length
	if length == 0 || end > len(data) {
		return VersionInfoNode{}, 0, false
	}

	keyStart := pos + 6
	keyEnd := keyStart
	for keyEnd+2 <= end && leU16(data, keyEnd) != 0 {
		keyEnd += 2
	}
	key, _ := utf16DecodeLE(data[keyStart:keyEnd])
	cursor := alignDword(keyEnd + 2)

	node := VersionInfoNode{Key: key}
	if valueLength > 0 && cursor+valueLength <= end {
		valueBytes := valueLength
		if isText {
			valueBytes = valueLength * 2
		}
		if cursor+valueBytes <= end {
			node.Value = data[cursor : cursor+valueBytes]
			cursor += valueBytes
		}
	}
	cursor = alignDword(cursor)

	for cursor < end {
		child, next, ok := parseVersionNode(data, cursor)
		if !ok {
			break
		}
		node.Children = append(node.Children, child)
		cursor = alignDword(next)
	}

	return node, end, true
}

// StringValue decodes a String leaf's raw Value field (wType==1, so it's
// UTF-16LE text rather than binary).
func (n VersionInfoNode) StringValue() string {
	s, _ := utf16DecodeLE(n.Value)
	return s
}

// Find locates the first direct child with the given key.
func (n VersionInfoNode) Find(key string) *VersionInfoNode {
	for i := range n.Children {
		if n.Children[i].Key == key {
			return &n.Children[i]
		}
	}
	return nil
}

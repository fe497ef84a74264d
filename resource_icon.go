// Copyright 2024 The exe authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package exe

// IconGroupEntry is one RT_GROUP_ICON/RT_GROUP_CURSOR directory entry: the
// dimensions and color depth of one icon image, plus the ordinal of the
// sibling RT_ICON/RT_CURSOR resource holding the actual pixel data.
type IconGroupEntry struct {
	Width      uint8
	Height     uint8
	ColorCount uint8
	Planes     uint16
	BitCount   uint16
	BytesInRes uint32
	Ordinal    uint16
}

// ParseIconGroup decodes a GRPICONDIR (NEWHEADER + RESDIR[count]) leaf.
func ParseIconGroup(data []byte) ([]IconGroupEntry, error) {
	if len(data) < 6 {
		return nil, ErrOutsideBoundary
	}
	count := int(leU16(data, 4))
	const entrySize = 14
	if 6+count*entrySize > len(data) {
		return nil, ErrOutsideBoundary
	}
	out := make([]IconGroupEntry, 0, count)
	for i := 0; i < count; i++ {
		off := 6 + i*entrySize
		out = append(out, IconGroupEntry{
			Width:      data[off],
			Height:     data[off+1],
			ColorCount: data[off+2],
			Planes:     leU16(data, off+4),
			BitCount:   leU16(data, off+6),
			BytesInRes: leU32(data, off+8),
			Ordinal:    leU16(data, off+12),
		})
	}
	return out, nil
}

// IconImage is a raw RT_ICON/RT_CURSOR leaf's BITMAPINFOHEADER plus the
// color/XOR/AND bitmap data that follows it, left undecoded.
type IconImage struct {
	HeaderSize uint32
	Width      int32
	Height     int32
	Planes     uint16
	BitCount   uint16
	Pixels     []byte
}

// ParseIconImage reads just enough of the BITMAPINFOHEADER to report the
// image's declared dimensions; the pixel data is passed through untouched.
func ParseIconImage(data []byte) (*IconImage, error) {
	if len(data) < 40 {
		return nil, ErrOutsideBoundary
	}
	return &IconImage{
		HeaderSize: leU32(data, 0),
		Width:      int32(leU32(data, 4)),
		Height:     int32(leU32(data, 8)) / 2, // combined XOR+AND mask height
		Planes:     leU16(data, 12),
		BitCount:   leU16(data, 14),
		Pixels:     data[40:],
	}, nil
}

// Copyright 2024 The exe authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package exe

import "strconv"

// DialogStyle bits recognised on a DIALOG/DIALOGEX template, matching the
// WS_* and DS_* constants the resource compiler emits.
const (
	DsSetFont DialogStyle = 0x00000040
	WsCaption DialogStyle = 0x00C00000
	WsVisible DialogStyle = 0x10000000
)

// DialogStyle is a dialog or control's 32-bit style field.
type DialogStyle uint32

// DialogTemplate is a decoded DIALOG or DIALOGEX resource: its frame
// geometry, style, and the flat list of controls it owns.
type DialogTemplate struct {
	Extended bool
	Style    DialogStyle
	ExStyle  uint32
	X, Y     int16
	CX, CY   int16
	Title    string
	FontName string
	FontSize uint16
	Controls []DialogControl
}

// DialogControl is one control entry within a dialog template.
type DialogControl struct {
	ID      uint32
	Class   string
	Text    string
	Style   DialogStyle
	ExStyle uint32
	X, Y    int16
	CX, CY  int16
}

// ParseDialogTemplate decodes either the classic DLGTEMPLATE or the
// DLGTEMPLATEEX layout, distinguished by the DIALOGEX signature word
// (0xFFFF) that an extended template carries at offset 2, where the classic
// one's style field has its high word.
func ParseDialogTemplate(data []byte) (*DialogTemplate, error) {
	if len(data) < 18 {
		return nil, ErrOutsideBoundary
	}
	if leU16(data, 2) == 0xFFFF {
		return parseDialogEx(data)
	}
	return parseDialogClassic(data)
}

func parseDialogClassic(data []byte) (*DialogTemplate, error) {
	t := &DialogTemplate{
		Style:   DialogStyle(leU32(data, 0)),
		ExStyle: leU32(data, 4),
	}
	numItems := int(leU16(data, 8))
	t.X = int16(leU16(data, 10))
	t.Y = int16(leU16(data, 12))
	t.CX = int16(leU16(data, 14))
	t.CY = int16(leU16(data, 16))

	pos := 18
	var ok bool
	pos, ok = skipDialogMenuAndClass(data, pos)
	if !ok {
		return nil, ErrOutsideBoundary
	}
	t.Title, pos, ok = readDialogSzOrOrdinal(data, pos)
	if !ok {
		return nil, ErrOutsideBoundary
	}
	if t.Style&DsSetFont != 0 {
		if pos+2 > len(data) {
			return nil, ErrOutsideBoundary
		}
		t.FontSize = leU16(data, pos)
		pos += 2
		t.FontName, pos, ok = readDialogSzOrOrdinal(data, pos)
		if !ok {
			return nil, ErrOutsideBoundary
		}
	}

	pos = alignDword(pos)
	for i := 0; i < numItems && pos+18 <= len(data); i++ {
		c := DialogControl{
			Style:   DialogStyle(leU32(data, pos)),
			ExStyle: leU32(data, pos+4),
			X:       int16(leU16(data, pos+8)),
			Y:       int16(leU16(data, pos+10)),
			CX:      int16(leU16(data, pos+12)),
			CY:      int16(leU16(data, pos+14)),
			ID:      uint32(leU16(data, pos+16)),
		}
		pos += 18
		c.Class, pos, ok = readDialogSzOrOrdinal(data, pos)
		if !ok {
			break
		}
		c.Text, pos, ok = readDialogSzOrOrdinal(data, pos)
		if !ok {
			break
		}
		if pos+2 > len(data) {
			break
		}
		extraCount := int(leU16(data, pos))
		pos += 2 + extraCount
		pos = alignDword(pos)
		t.Controls = append(t.Controls, c)
	}
	return t, nil
}

func parseDialogEx(data []byte) (*DialogTemplate, error) {
	if len(data) < 26 {
		return nil, ErrOutsideBoundary
	}
	t := &DialogTemplate{Extended: true}
	numItems := int(leU16(data, 16))
	t.ExStyle = leU32(data, 8)
	t.Style = DialogStyle(leU32(data, 12))
	t.X = int16(leU16(data, 18))
	t.Y = int16(leU16(data, 20))
	t.CX = int16(leU16(data, 22))
	t.CY = int16(leU16(data, 24))

	pos := 26
	var ok bool
	pos, ok = skipDialogMenuAndClass(data, pos)
	if !ok {
		return nil, ErrOutsideBoundary
	}
	t.Title, pos, ok = readDialogSzOrOrdinal(data, pos)
	if !ok {
		return nil, ErrOutsideBoundary
	}
	if t.Style&DsSetFont != 0 {
		if pos+6 > len(data) {
			return nil, ErrOutsideBoundary
		}
		t.FontSize = leU16(data, pos)
		pos += 6 // pointsize, weight:2, italic:1, charset:1
		t.FontName, pos, ok = readDialogSzOrOrdinal(data, pos)
		if !ok {
			return nil, ErrOutsideBoundary
		}
	}

	pos = alignDword(pos)
	for i := 0; i < numItems && pos+24 <= len(data); i++ {
		c := DialogControl{
			ExStyle: leU32(data, pos+4),
			Style:   DialogStyle(leU32(data, pos+8)),
			X:       int16(leU16(data, pos+12)),
			Y:       int16(leU16(data, pos+14)),
			CX:      int16(leU16(data, pos+16)),
			CY:      int16(leU16(data, pos+18)),
			ID:      leU32(data, pos+20),
		}
		pos += 24
		c.Class, pos, ok = readDialogSzOrOrdinal(data, pos)
		if !ok {
			break
		}
		c.Text, pos, ok = readDialogSzOrOrdinal(data, pos)
		if !ok {
			break
		}
		if pos+2 > len(data) {
			break
		}
		extraCount := int(leU16(data, pos))
		pos += 2 + extraCount
		pos = alignDword(pos)
		t.Controls = append(t.Controls, c)
	}
	return t, nil
}

// skipDialogMenuAndClass advances past a template's menu and window-class
// fields, neither of which this parser surfaces (both can be an ordinal, a
// name, or absent).
func skipDialogMenuAndClass(data []byte, pos int) (int, bool) {
	for i := 0; i < 2; i++ {
		_, next, ok := readDialogSzOrOrdinal(data, pos)
		if !ok {
			return 0, false
		}
		pos = next
	}
	return pos, true
}

// readDialogSzOrOrdinal decodes one of a dialog template's sz_Or_Ord
// fields: 0x0000 means absent, 0xFFFF followed by a uint16 means an
// ordinal (returned as a decimal string), anything else is a NUL-terminated
// UTF-16LE string.
func readDialogSzOrOrdinal(data []byte, pos int) (string, int, bool) {
	if pos+2 > len(data) {
		return "", 0, false
	}
	lead := leU16(data, pos)
	switch lead {
	case 0x0000:
		return "", pos + 2, true
	case 0xFFFF:
		if pos+4 > len(data) {
			return "", 0, false
		}
		ord := leU16(data, pos+2)
		return strconv.Itoa(int(ord)), pos + 4, true
	default:
		start := pos
		for pos+2 <= len(data) && leU16(data, pos) != 0 {
			pos += 2
		}
		if pos+2 > len(data) {
			return "", 0, false
		}
		s, _ := utf16DecodeLE(data[start:pos])
		return s, pos + 2, true
	}
}

func alignDword(pos int) int { return (pos + 3) &^ 3 }

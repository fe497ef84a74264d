// Copyright 2024 The exe authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package exe

// MenuItemFlag bits control a classic MENUITEM's grayed/checked/popup
// state and, combined with MfEnd, where a sibling run terminates.
const (
	MfGrayed    MenuItemFlag = 0x0003
	MfChecked   MenuItemFlag = 0x0008
	MfPopup     MenuItemFlag = 0x0010
	MfSeparator MenuItemFlag = 0x0800
	MfEnd       MenuItemFlag = 0x0080
)

// MenuItemFlag is a classic MENUITEM's mtOption field.
type MenuItemFlag uint16

// MenuItem is one node of a decoded MENU or MENUEX template, recursively
// holding its popup children: for MENU when Flags&MfPopup is set, for
// MENUEX when the item's resource-info word marks a submenu.
type MenuItem struct {
	Flags    MenuItemFlag
	ID       uint32
	Text     string
	Children []MenuItem

	// Extended-template-only fields (MENUEX); zero for classic MENU.
	HelpID uint32
}

// ParseMenuTemplate decodes a MENU or MENUEX resource. The two share no
// wire layout beyond the leading (wVersion, wOffset) header, so detection
// happens via wVersion: 0 selects the classic fixed-layout form, 1 selects
// MENUEX's variable padded-item form.
func ParseMenuTemplate(data []byte) ([]MenuItem, error) {
	if len(data) < 4 {
		return nil, ErrOutsideBoundary
	}
	version := leU16(data, 0)
	headerLen := int(leU16(data, 2))
	pos := 4 + headerLen

	if version == 1 {
		items, _, err := parseMenuExItems(data, pos)
		return items, err
	}
	items, _, ok := parseMenuClassicItems(data, pos)
	if !ok {
		return nil, ErrOutsideBoundary
	}
	return items, nil
}

func parseMenuClassicItems(data []byte, pos int) ([]MenuItem, int, bool) {
	var out []MenuItem
	for {
		if pos+2 > len(data) {
			return nil, 0, false
		}
		flags := MenuItemFlag(leU16(data, pos))
		pos += 2

		item := MenuItem{Flags: flags}
		if flags&MfPopup == 0 {
			if pos+2 > len(data) {
				return nil, 0, false
			}
			item.ID = uint32(leU16(data, pos))
			pos += 2
		}

		text, next, ok := readDialogSzOrOrdinal(data, pos)
		if !ok {
			return nil, 0, false
		}
		item.Text = text
		pos = next

		if flags&MfPopup != 0 {
			children, next, ok := parseMenuClassicItems(data, pos)
			if !ok {
				return nil, 0, false
			}
			item.Children = children
			pos = next
		}

		out = append(out, item)
		if flags&MfEnd != 0 {
			return out, pos, true
		}
	}
}

func parseMenuExItems(data []byte, pos int) ([]MenuItem, int, error) {
	var out []MenuItem
	for pos+12 <= len(data) {
		itemType := leU32(data, pos)
		state := leU32(data, pos+4)
		id := leU32(data, pos+8)
		resInfo := leU16(data, pos+12)
		pos += 14

		start := pos
		for pos+2 <= len(data) && leU16(data, pos) != 0 {
			pos += 2
		}
		if pos+2 > len(data) {
			return nil, 0, ErrOutsideBoundary
		}
		text, _ := utf16DecodeLE(data[start:pos])
		pos += 2
		pos = alignDword(pos)

		item := MenuItem{
			Flags: MenuItemFlag(itemType),
			ID:    id,
			Text:  text,
		}
		_ = state

		if resInfo&0x01 != 0 { // has a submenu
			if pos+4 > len(data) {
				return nil, 0, ErrOutsideBoundary
			}
			helpID := leU32(data, pos)
			pos += 4
			children, next, err := parseMenuExItems(data, pos)
			if err != nil {
				return nil, 0, err
			}
			item.Children = children
			item.HelpID = helpID
			pos = next
		}

		out = append(out, item)
		if resInfo&0x80 != 0 {
			break
		}
	}
	return out, pos, nil
}

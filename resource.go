// Copyright 2024 The exe authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package exe

// ResourceType identifies a predefined PE resource type (RT_*). NE resources
// reuse the same numbering where their type IDs overlap.
type ResourceType int

// Predefined resource types (RT_*), matching the Win32 resource compiler's
// numbering.
const (
	RTCursor       ResourceType = 1
	RTBitmap       ResourceType = 2
	RTIcon         ResourceType = 3
	RTMenu         ResourceType = 4
	RTDialog       ResourceType = 5
	RTString       ResourceType = 6
	RTFontDir      ResourceType = 7
	RTFont         ResourceType = 8
	RTAccelerator  ResourceType = 9
	RTRCData       ResourceType = 10
	RTMessageTable ResourceType = 11
	RTGroupCursor  ResourceType = RTCursor + 11
	RTGroupIcon    ResourceType = RTIcon + 11
	RTVersion      ResourceType = 16
	RTDlgInclude   ResourceType = 17
	RTPlugPlay     ResourceType = 19
	RTVxD          ResourceType = 20
	RTAniCursor    ResourceType = 21
	RTAniIcon      ResourceType = 22
	RTHtml         ResourceType = 23
	RTManifest     ResourceType = 24
)

var resourceTypeNames = map[ResourceType]string{
	RTCursor: "Cursor", RTBitmap: "Bitmap", RTIcon: "Icon", RTMenu: "Menu",
	RTDialog: "Dialog", RTString: "String Table", RTFontDir: "Font Directory",
	RTFont: "Font", RTAccelerator: "Accelerator", RTRCData: "RC Data",
	RTMessageTable: "Message Table", RTGroupCursor: "Group Cursor",
	RTGroupIcon: "Group Icon", RTVersion: "Version", RTDlgInclude: "Dialog Include",
	RTPlugPlay: "Plug & Play", RTVxD: "VxD", RTAniCursor: "Animated Cursor",
	RTAniIcon: "Animated Icon", RTHtml: "HTML", RTManifest: "Manifest",
}

// String stringifies a resource type, returning "User-defined" for any value
// outside the predefined RT_* set.
func (rt ResourceType) String() string {
	if s, ok := resourceTypeNames[rt]; ok {
		return s
	}
	return "User-defined"
}

// A representative subset of the MAKELANGID primary language IDs; spec.md
// only asks resource consumers to be able to label the common cases.
const (
	LangNeutral    = 0x00
	LangEnglish    = 0x09
	LangFrench     = 0x0c
	LangGerman     = 0x07
	LangSpanish    = 0x0a
	LangItalian    = 0x10
	LangJapanese   = 0x11
	LangKorean     = 0x12
	LangChinese    = 0x04
	LangRussian    = 0x19
	LangPortuguese = 0x16
	LangArabic     = 0x01
)

const maxAllowedResourceEntries = 0x1000

// ImageResourceDirectory is the 16-byte IMAGE_RESOURCE_DIRECTORY header
// found at the root and at every internal node of the three-level PE
// resource tree (type -> name -> language).
type ImageResourceDirectory struct {
	Characteristics      uint32
	TimeDateStamp        uint32
	MajorVersion         uint16
	MinorVersion         uint16
	NumberOfNamedEntries uint16
	NumberOfIDEntries    uint16
}

const imageResourceDirectorySize = 16

// ImageResourceDirectoryEntry is one 8-byte entry following a directory
// header: either another subdirectory (high bit of OffsetToData set) or a
// leaf data entry.
type ImageResourceDirectoryEntry struct {
	Name         uint32
	OffsetToData uint32
}

// ImageResourceDataEntry is the leaf: a pointer to the raw resource bytes
// (an RVA, not an offset relative to the resource section) plus its code
// page.
type ImageResourceDataEntry struct {
	OffsetToData uint32
	Size         uint32
	CodePage     uint32
	Reserved     uint32
}

const imageResourceDataEntrySize = 16

// ResourceDirectory is one level of the resource tree (or the whole tree,
// read from the root).
type ResourceDirectory struct {
	Struct  ImageResourceDirectory
	Entries []ResourceDirectoryEntry
}

// ResourceDirectoryEntry is a named-or-numbered branch of a ResourceDirectory,
// terminating in either a nested ResourceDirectory or a ResourceDataEntry.
type ResourceDirectoryEntry struct {
	Name          string
	ID            uint32
	IsNamed       bool
	IsDirectory   bool
	Directory     *ResourceDirectory
	Data          *ResourceDataEntry
}

// ResourceDataEntry is a leaf resource's raw bytes plus its decoded
// language/sublanguage (valid only when this entry sits at the language
// level of the tree, i.e. two levels below the type entry).
type ResourceDataEntry struct {
	Struct  ImageResourceDataEntry
	Bytes   []byte
	Lang    uint16
	SubLang uint16
}

// Find returns the entry of this directory whose numeric ID equals typeID,
// or nil. Only this directory's own entries are compared; the name and
// language levels below it are not searched.
func (d *ResourceDirectory) Find(typeID ResourceType) *ResourceDirectoryEntry {
	for i := range d.Entries {
		if d.Entries[i].ID == uint32(typeID) {
			return &d.Entries[i]
		}
	}
	return nil
}

// Leaves collects every data-entry leaf reachable from this directory,
// regardless of depth.
func (d *ResourceDirectory) Leaves() []*ResourceDataEntry {
	var out []*ResourceDataEntry
	for i := range d.Entries {
		e := &d.Entries[i]
		if e.IsDirectory && e.Directory != nil {
			out = append(out, e.Directory.Leaves()...)
		} else if e.Data != nil {
			out = append(out, e.Data)
		}
	}
	return out
}

// parsePEResourceDirectory decodes the three-level PE resource tree rooted
// at rva (the .rsrc directory's own RVA), guarding against the
// self-referential-directory trick malware samples use to loop the parser
// and against directory-entry counts beyond maxAllowedResourceEntries.
func parsePEResourceDirectory(p *PEFile, rootRVA uint32, diag *Collector) *ResourceDirectory {
	visited := map[uint32]bool{}
	dir, err := parsePEResourceLevel(p, rootRVA, rootRVA, 0, visited, diag)
	if err != nil {
		diag.Emitf(DiagTruncatedFile, SevWarning, 0, rootRVA, "resource directory truncated: %v", err)
		return nil
	}
	return dir
}

func parsePEResourceLevel(p *PEFile, rva, baseRVA uint32, depth int, visited map[uint32]bool, diag *Collector) (*ResourceDirectory, error) {
	if depth > 3 {
		return nil, nil
	}
	off, ok := p.rvaToFileOffset(rva)
	if !ok {
		return nil, ErrOutsideBoundary
	}
	hdr, err := p.src.ReadAt(off, imageResourceDirectorySize)
	if err != nil {
		return nil, err
	}
	dir := &ResourceDirectory{Struct: ImageResourceDirectory{
		Characteristics:      leU32(hdr, 0),
		TimeDateStamp:        leU32(hdr, 4),
		MajorVersion:         leU16(hdr, 8),
		MinorVersion:         leU16(hdr, 10),
		NumberOfNamedEntries: leU16(hdr, 12),
		NumberOfIDEntries:    leU16(hdr, 14),
	}}

	count := int(dir.Struct.NumberOfNamedEntries) + int(dir.Struct.NumberOfIDEntries)
	if cap := p.resourceEntriesCap(); count > cap {
		diag.Emitf(DiagCountClamped, SevWarning, off, rva, "resource directory entry count %d clamped", count)
		count = cap
	}

	entryRVA := rva + imageResourceDirectorySize
	for i := 0; i < count; i++ {
		eOff, ok := p.rvaToFileOffset(entryRVA)
		if !ok {
			break
		}
		eb, err := p.src.ReadAt(eOff, 8)
		if err != nil {
			break
		}
		nameField := leU32(eb, 0)
		dataField := leU32(eb, 4)
		entryRVA += 8

		entry := ResourceDirectoryEntry{}
		if nameField&0x80000000 != 0 {
			entry.IsNamed = true
			nameOff, ok := p.rvaToFileOffset(baseRVA + (nameField & 0x7FFFFFFF))
			if ok {
				if strLen, err := p.src.ReadU16LEAt(nameOff); err == nil {
					if s, ok := p.src.ReadUTF16StringAt(nameOff+2, uint32(strLen)*2); ok {
						entry.Name = s
					}
				}
			}
		} else {
			entry.ID = nameField
		}

		if dataField&0x80000000 != 0 {
			childRVA := baseRVA + (dataField & 0x7FFFFFFF)
			if visited[childRVA] {
				// Self-referencing directory entry, a known malformed-sample
				// trick to loop the parser; stop descending here.
				dir.Entries = append(dir.Entries, entry)
				continue
			}
			visited[childRVA] = true
			entry.IsDirectory = true
			child, err := parsePEResourceLevel(p, childRVA, baseRVA, depth+1, visited, diag)
			if err == nil {
				entry.Directory = child
			}
		} else {
			entry.Data = parsePEResourceDataEntry(p, baseRVA+dataField, nameField, diag)
		}
		dir.Entries = append(dir.Entries, entry)
	}
	return dir, nil
}

func parsePEResourceDataEntry(p *PEFile, rva uint32, nameField uint32, diag *Collector) *ResourceDataEntry {
	off, ok := p.rvaToFileOffset(rva)
	if !ok {
		return nil
	}
	buf, err := p.src.ReadAt(off, imageResourceDataEntrySize)
	if err != nil {
		return nil
	}
	de := &ResourceDataEntry{
		Struct: ImageResourceDataEntry{
			OffsetToData: leU32(buf, 0),
			Size:         leU32(buf, 4),
			CodePage:     leU32(buf, 8),
			Reserved:     leU32(buf, 12),
		},
		Lang:    uint16(nameField & 0x3ff),
		SubLang: uint16(nameField >> 10),
	}
	if dataOff, ok := p.rvaToFileOffset(de.Struct.OffsetToData); ok {
		if b, err := p.src.ReadAt(dataOff, de.Struct.Size); err == nil {
			de.Bytes = b
		} else {
			diag.Emitf(DiagTruncatedFile, SevWarning, dataOff, de.Struct.OffsetToData, "resource data entry truncated")
		}
	}
	return de
}

// Copyright 2024 The exe authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package exe

import "strings"

// Manifest is an RT_MANIFEST leaf's raw UTF-8 XML text with a handful of
// attributes extracted by literal substring search rather than real XML
// parsing — manifests are produced by trusted toolchains in the common
// case, and a full parser buys nothing a string search doesn't already get
// for the handful of fields callers actually want.
type Manifest struct {
	Raw                     string
	RequestedExecutionLevel string
	AssemblyName            string
	AssemblyVersion         string
}

// ParseManifest decodes an RT_MANIFEST leaf as UTF-8 text and pulls out
// the requestedExecutionLevel and assemblyIdentity attributes most callers
// care about, if present.
func ParseManifest(data []byte) *Manifest {
	raw := stripUTF8BOM(data)
	m := &Manifest{Raw: raw}
	m.RequestedExecutionLevel = findXMLAttr(raw, "requestedExecutionLevel", "level")
	m.AssemblyName = findXMLAttr(raw, "assemblyIdentity", "name")
	m.AssemblyVersion = findXMLAttr(raw, "assemblyIdentity", "version")
	return m
}

func stripUTF8BOM(data []byte) string {
	if len(data) >= 3 && data[0] == 0xEF && data[1] == 0xBB && data[2] == 0xBF {
		data = data[3:]
	}
	return string(data)
}

// findXMLAttr locates the first occurrence of tag and, within the
// remainder of that same start-tag, the named attribute's quoted value.
// Not an XML parser: a value containing ">" or a re-quoted attribute name
// elsewhere in the document can fool it, which is an accepted limitation
// for manifests sourced from trusted toolchains.
func findXMLAttr(raw, tag, attr string) string {
	tagPos := strings.Index(raw, "<"+tag)
	if tagPos < 0 {
		return ""
	}
	tagEnd := strings.Index(raw[tagPos:], ">")
	if tagEnd < 0 {
		return ""
	}
	segment := raw[tagPos : tagPos+tagEnd]

	needle := attr + "="
	attrPos := strings.Index(segment, needle)
	if attrPos < 0 {
		return ""
	}
	rest := segment[attrPos+len(needle):]
	if len(rest) == 0 || (rest[0] != '"' && rest[0] != '\'') {
		return ""
	}
	quote := rest[0]
	end := strings.IndexByte(rest[1:], quote)
	if end < 0 {
		return ""
	}
	return rest[1 : 1+end]
}

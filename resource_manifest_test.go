// Copyright 2024 The exe authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package exe

import "testing"

func TestParseManifest(t *testing.T) {
	xml := `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<assembly xmlns="urn:schemas-microsoft-com:asm.v1" manifestVersion="1.0">
  <assemblyIdentity version="1.2.3.4" name="Contoso.App" type="win32"/>
  <trustInfo>
    <security>
      <requestedPrivileges>
        <requestedExecutionLevel level="requireAdministrator" uiAccess="false"/>
      </requestedPrivileges>
    </security>
  </trustInfo>
</assembly>`

	m := ParseManifest([]byte(xml))
	if m.AssemblyName != "Contoso.App" {
		t.Errorf("AssemblyName = %q, want %q", m.AssemblyName, "Contoso.App")
	}
	if m.AssemblyVersion != "1.2.3.4" {
		t.Errorf("AssemblyVersion = %q, want %q", m.AssemblyVersion, "1.2.3.4")
	}
	if m.RequestedExecutionLevel != "requireAdministrator" {
		t.Errorf("RequestedExecutionLevel = %q, want %q", m.RequestedExecutionLevel, "requireAdministrator")
	}
}

func TestParseManifestStripsBOM(t *testing.T) {
	data := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`<assemblyIdentity name="X" version="0.0.0.1"/>`)...)
	m := ParseManifest(data)
	if m.AssemblyName != "X" {
		t.Errorf("AssemblyName = %q, want %q", m.AssemblyName, "X")
	}
	if m.Raw[0] == 0xEF {
		t.Errorf("Raw still carries the BOM")
	}
}

func TestParseManifestMissingAttributes(t *testing.T) {
	m := ParseManifest([]byte(`<assembly/>`))
	if m.AssemblyName != "" || m.RequestedExecutionLevel != "" {
		t.Errorf("expected empty fields for a manifest with no matching tags, got %+v", m)
	}
}

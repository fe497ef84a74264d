// Copyright 2024 The exe authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package exe

// parseGlobalPtr resolves the RVA of the value stored in the global pointer
// register (IA-64 only in practice; zero on architectures without the
// concept). Returns (value, true) on success.
func parseGlobalPtr(p *PEFile, rva uint32, diag *Collector) (uint32, bool) {
	off, ok := p.rvaToFileOffset(rva)
	if !ok {
		diag.Emitf(DiagOverlappingDirs, SevAnomaly, 0, rva, "global pointer RVA outside of image")
		return 0, false
	}
	v, err := p.src.ReadU32LEAt(off)
	if err != nil {
		return 0, false
	}
	return v, true
}

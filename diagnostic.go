// Copyright 2024 The exe authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package exe

import (
	"fmt"
	"sync"
)

// Severity orders diagnostics by how actionable they are.
type Severity int

// Severities, ascending.
const (
	SevInfo Severity = iota
	SevWarning
	SevAnomaly
	SevError
)

func (s Severity) String() string {
	switch s {
	case SevInfo:
		return "Info"
	case SevWarning:
		return "Warning"
	case SevAnomaly:
		return "Anomaly"
	case SevError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Category is the upper 16 bits of a Code.
type Category uint16

// The closed category space from spec.md §6.
const (
	CatPEHeader     Category = 0x02
	CatCOFFHeader   Category = 0x03
	CatOptHeader    Category = 0x04
	CatSections     Category = 0x05
	CatImports      Category = 0x10
	CatExports      Category = 0x11
	CatRelocations  Category = 0x12
	CatRichHeader   Category = 0x20
	CatEntryPoint   Category = 0x23
	CatLE           Category = 0x40
	CatGeneral      Category = 0xFF
)

// Code is a 32-bit diagnostic identifier whose upper 16 bits are its
// Category.
type Code uint32

// NewCode packs a category and a low-word code into a Code.
func NewCode(cat Category, low uint16) Code {
	return Code(uint32(cat)<<16 | uint32(low))
}

// Category extracts the category from a Code.
func (c Code) Category() Category { return Category(uint32(c) >> 16) }

// The closed diagnostic code catalogue (spec.md §6). Names follow
// Diag<Area><Condition>.
const (
	DiagPEHeaderInOverlay    = Code(0x02_0001)
	DiagPEHeaderWritable     = Code(0x02_0002)
	DiagPEHeaderDual         = Code(0x02_0003)
	DiagCOFFZeroSections     = Code(0x03_0001)
	DiagCOFFExcessiveSect    = Code(0x03_0002)
	DiagCOFFDeprecatedFlag   = Code(0x03_0003)
	DiagOptEntryZero         = Code(0x04_0001)
	DiagOptEntryOutOfImage   = Code(0x04_0002)
	DiagOptEntryInHeader     = Code(0x04_0003)
	DiagOptInvalidImageBase  = Code(0x04_0004)
	DiagOptLowAlignment      = Code(0x04_0005)
	DiagOptUnalignedSections = Code(0x04_0006)
	DiagOptChecksumMismatch  = Code(0x04_0007)
	DiagSectOverlap          = Code(0x05_0001)
	DiagSectBeyondFile       = Code(0x05_0002)
	DiagSectZeroRawSize      = Code(0x05_0003)
	DiagSectUnaligned        = Code(0x05_0004)
	DiagImpEmptyIAT          = Code(0x10_0001)
	DiagImpMissingDLL        = Code(0x10_0002)
	DiagImpNonPrintableName  = Code(0x10_0003)
	DiagImpSelfImport        = Code(0x10_0004)
	DiagImpTruncated         = Code(0x10_0005)
	DiagImpForwarderLoop     = Code(0x10_0006)
	DiagExpForwarderLoop     = Code(0x11_0001)
	DiagExpNonPrintableName  = Code(0x11_0002)
	DiagExpLargeOrdinalGap   = Code(0x11_0003)
	DiagRelocUnusualType     = Code(0x12_0001)
	DiagRelocInvalidType     = Code(0x12_0002)
	DiagRelocTargetsHeader   = Code(0x12_0003)
	DiagRelocHighDensity     = Code(0x12_0004)
	DiagRelocZeroBlockSize   = Code(0x12_0005)
	DiagRichChecksumMismatch = Code(0x20_0001)
	DiagRichTruncated        = Code(0x20_0002)
	DiagEPInOverlay          = Code(0x23_0001)
	DiagEPNonExecutable      = Code(0x23_0002)
	DiagLEBadMagic           = Code(0x40_0001)
	DiagLEBadByteOrder       = Code(0x40_0002)
	DiagLEBadPageSize        = Code(0x40_0003)
	DiagLEStubDetected       = Code(0x40_0004)
	DiagLEBadObjectIndex     = Code(0x41_0001)
	DiagLEBadPageOffset      = Code(0x42_0001)
	DiagLEFixupOverflow      = Code(0x43_0001)
	DiagLEBadEntryRecord     = Code(0x44_0001)
	DiagOverlappingDirs      = Code(0xFF_0001)
	DiagDirInHeader          = Code(0xFF_0002)
	DiagTruncatedFile        = Code(0xFF_0003)
	DiagCountClamped         = Code(0xFF_0004)
	DiagReservedNonzero      = Code(0xFF_0005)
	DiagLoadConfigExtraBytes = Code(0xFF_0006)
)

// Diagnostic is a single categorised finding, attached to a file offset
// and/or an RVA when applicable (0 when not).
type Diagnostic struct {
	Code       Code
	Severity   Severity
	Category   Category
	FileOffset uint32
	RVA        uint32
	Message    string
	Details    string
}

// String renders the diagnostic as a single line, used by the
// diagnostic-to-string round trip in spec.md §8.
func (d Diagnostic) String() string {
	return fmt.Sprintf("[%s] code=%#08x off=%#x rva=%#x %s", d.Severity, uint32(d.Code), d.FileOffset, d.RVA, d.Message)
}

// Collector is an append-only, insertion-order log of Diagnostics.
// Diagnostics are never deduplicated: two identical findings from different
// call sites remain distinct, each carrying its own FileOffset.
//
// Collector guards its slice with a mutex so that a ParsedExecutable shared
// read-only across goroutines can still have its lazy accessors append
// diagnostics safely (spec.md §5 forbids hidden, unguarded mutation).
type Collector struct {
	mu    sync.Mutex
	items []Diagnostic
}

// Emit appends a diagnostic, filling in Category from Code if unset.
func (c *Collector) Emit(d Diagnostic) {
	if d.Category == 0 {
		d.Category = d.Code.Category()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, d)
}

// Emitf is a convenience wrapper building the Message via fmt.Sprintf.
func (c *Collector) Emitf(code Code, sev Severity, offset, rva uint32, format string, args ...interface{}) {
	c.Emit(Diagnostic{
		Code:       code,
		Severity:   sev,
		FileOffset: offset,
		RVA:        rva,
		Message:    fmt.Sprintf(format, args...),
	})
}

// All returns a copy of every diagnostic collected so far, in insertion
// order.
func (c *Collector) All() []Diagnostic {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Diagnostic, len(c.items))
	copy(out, c.items)
	return out
}

// BySeverity filters to diagnostics at or above the given severity.
func (c *Collector) BySeverity(min Severity) []Diagnostic {
	var out []Diagnostic
	for _, d := range c.All() {
		if d.Severity >= min {
			out = append(out, d)
		}
	}
	return out
}

// ByCategory filters to diagnostics of a single category.
func (c *Collector) ByCategory(cat Category) []Diagnostic {
	var out []Diagnostic
	for _, d := range c.All() {
		if d.Category == cat {
			out = append(out, d)
		}
	}
	return out
}

// Has reports whether any diagnostic with the given code was emitted.
func (c *Collector) Has(code Code) bool {
	for _, d := range c.All() {
		if d.Code == code {
			return true
		}
	}
	return false
}

// Len returns the number of diagnostics collected so far.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Copyright 2024 The exe authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package exe

import (
	"errors"
	"os"

	mmap "github.com/edsrzf/mmap-go"

	"github.com/relicbyte/exe/log"
)

// ErrTooSmall is returned by Parse when the input is too small to hold even
// the smallest legal DOS header.
var ErrTooSmall = errors.New("exe: file too small to be a recognised executable")

const tinyFileSize = mzHeaderSize

// Executable is implemented by every envelope's root type (MZFile, NEFile,
// LEFile, PEFile), giving callers a common way to get at the code section
// and entry point without a type switch on Envelope.
type Executable interface {
	FormatName() string
	CodeSection() []byte
	EntryPoint() (uint32, bool)
}

// Options configures a Parse call, following the teacher's New/NewBytes
// Options shape.
type Options struct {
	// Fast skips directory/resource/decompressor work, returning just the
	// envelope headers and section table.
	Fast bool

	// MaxCOFFSymbolsCount bounds a legacy COFF symbol table walk, carried for
	// parity with the ambient stack even though this lineage's formats don't
	// themselves carry COFF symbols beyond the PE header's own count field.
	MaxCOFFSymbolsCount uint32

	// MaxRelocEntriesCount overrides maxDefaultRelocEntriesCount when non-zero.
	MaxRelocEntriesCount uint32

	// MaxResourceEntriesCount overrides the default resource directory/table
	// entry bound (maxAllowedResourceEntries, maxAllowedResourceTypes) when
	// non-zero, for both the PE three-level tree and the NE flat and OS/2
	// compact tables.
	MaxResourceEntriesCount uint32

	// DisableCertValidation is accepted for API parity with the teacher but
	// has no effect: this module never validates certificate chains in the
	// first place (see pe_security.go).
	DisableCertValidation bool

	// A custom logger. Defaults to a stdout logger filtered at LevelError.
	Logger log.Logger
}

// ParsedExecutable is the root result of Parse: exactly one of MZ/NE/LE/PE
// is non-nil, selected by Format.
type ParsedExecutable struct {
	Format      Envelope
	Diagnostics *Collector

	MZ *MZFile
	NE *NEFile
	LE *LEFile
	PE *PEFile

	src  *ByteSource
	file *os.File
	data mmap.MMap
}

// Executable returns whichever envelope root was populated, as the common
// Executable interface.
func (pe *ParsedExecutable) Executable() Executable {
	switch pe.Format {
	case Pe32, Pe32Plus:
		return pe.PE
	case Le, Lx:
		return pe.LE
	case Ne:
		return pe.NE
	default:
		return pe.MZ
	}
}

// Close releases the mmap and file descriptor backing a Parse call that
// opened a file by path. It is a no-op for ParseBytes results.
func (pe *ParsedExecutable) Close() error {
	if pe.data != nil {
		_ = pe.data.Unmap()
	}
	if pe.file != nil {
		return pe.file.Close()
	}
	return nil
}

// ParseFile memory-maps the file at path and parses it.
func ParseFile(path string, opts *Options) (*ParsedExecutable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, err
	}
	src := NewByteSourceFromMmap(data)
	result, err := parse(src, opts)
	if err != nil {
		_ = data.Unmap()
		f.Close()
		return nil, err
	}
	result.file = f
	result.data = data
	return result, nil
}

// ParseBytes parses an in-memory buffer. The buffer is not copied; the
// caller must not mutate it while the returned ParsedExecutable is in use.
func ParseBytes(data []byte, opts *Options) (*ParsedExecutable, error) {
	return parse(NewByteSourceFromBytes(data), opts)
}

func parse(src *ByteSource, opts *Options) (*ParsedExecutable, error) {
	if opts == nil {
		opts = &Options{}
	}
	if src.Len() < tinyFileSize {
		return nil, ErrTooSmall
	}

	var logger *log.Helper
	if opts.Logger == nil {
		logger = log.NewHelper(log.NewFilter(log.NewStdLogger(os.Stdout), log.FilterLevel(log.LevelError)))
	} else {
		logger = log.NewHelper(opts.Logger)
	}

	diag := &Collector{}
	result := &ParsedExecutable{Diagnostics: diag, src: src}

	env, lfanew := detectEnvelope(src)
	result.Format = env

	switch env {
	case Pe32, Pe32Plus:
		pe, err := parsePE(src, lfanew, env == Pe32Plus, opts, diag, logger)
		if err != nil {
			return nil, err
		}
		result.PE = pe
	case Le, Lx:
		sig := ImageOS2LESignature
		if env == Lx {
			sig = ImageVXDSignature
		}
		le, err := parseLE(src, lfanew, uint16(sig), opts, diag, logger)
		if err != nil {
			return nil, err
		}
		result.LE = le
	case Ne:
		ne, err := parseNE(src, lfanew, opts, diag, logger)
		if err != nil {
			return nil, err
		}
		result.NE = ne
	default:
		h, err := parseMzHeader(src)
		if err != nil {
			logger.Errorf("MZ header parsing failed: %v", err)
			return nil, err
		}
		result.MZ = parseMZ(src, h, diag, logger)
		result.Format = Mz
	}

	return result, nil
}

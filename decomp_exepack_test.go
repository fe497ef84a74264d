// Copyright 2024 The exe authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package exe

import (
	"bytes"
	"testing"
)

// buildExepackFile assembles a minimal MZ file whose packed region is one
// paragraph: a single terminal fill command preceded by its operands, with
// 0xFF padding out to the paragraph boundary (the trailing-0xFF skip the
// decoder applies before reading its first command).
func buildExepackFile() []byte {
	const headerParas = 2
	var buf bytes.Buffer

	dos := make([]byte, headerParas*16)
	leU16Put(dos, 0, ImageDOSSignature)
	leU16Put(dos, 8, headerParas)
	buf.Write(dos)

	packed := make([]byte, 16)
	packed[0] = 'Z'  // fill byte
	packed[1] = 0x04 // length lo
	packed[2] = 0x00 // length hi
	packed[3] = 0xB1 // fill command, terminal (bit0 set)
	for i := 4; i < 16; i++ {
		packed[i] = 0xFF
	}
	buf.Write(packed)

	hdr := make([]byte, 16)
	leU16Put(hdr, 0, 0x1234) // realIP
	leU16Put(hdr, 2, 0x5678) // realCS
	leU16Put(hdr, 6, 0x0001) // realSP
	leU16Put(hdr, 8, 0x0002) // realSS
	leU16Put(hdr, 10, 1)     // destLen: 1 paragraph of output
	leU16Put(hdr, 14, ExepackSignature)
	buf.Write(hdr)

	return buf.Bytes()
}

func leU16Put(b []byte, off int, v uint16) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
}

func TestExepackDecompress(t *testing.T) {
	data := buildExepackFile()
	src := NewByteSourceFromBytes(data)

	h, err := parseMzHeader(src)
	if err != nil {
		t.Fatalf("parseMzHeader: %v", err)
	}
	h.InitialCS = 1 // packed region is one paragraph

	d, err := NewExepackDecompressor(src, h)
	if err != nil {
		t.Fatalf("NewExepackDecompressor: %v", err)
	}

	res, err := d.Decompress()
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}

	want := append([]byte{'Z', 0x04, 0x00, 0xB1}, bytes.Repeat([]byte{0xFF}, 8)...)
	want = append(want, []byte("ZZZZ")...)
	if !bytes.Equal(res.Code, want) {
		t.Errorf("Code = %x, want %x", res.Code, want)
	}
	if res.InitialIP != 0x1234 || res.InitialCS != 0x5678 {
		t.Errorf("InitialIP/CS = %#x/%#x, want 0x1234/0x5678", res.InitialIP, res.InitialCS)
	}
	if res.InitialSP != 0x0002 || res.InitialSS != 0x0001 {
		t.Errorf("InitialSP/SS = %#x/%#x, want 0x0002/0x0001 (stack fields swapped per the real unpacker)", res.InitialSP, res.InitialSS)
	}
}

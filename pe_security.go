// Copyright 2024 The exe authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package exe

import "go.mozilla.org/pkcs7"

// WinCertificate types (WIN_CERTIFICATE.wCertificateType).
const (
	WinCertTypeX509         uint16 = 0x0001
	WinCertTypePKCS         uint16 = 0x0002 // Authenticode: PKCS#7 SignedData
	WinCertTypeReserved1    uint16 = 0x0003
	WinCertTypeTSStackSigned uint16 = 0x0004
)

// WinCertificate is the fixed 8-byte header preceding each certificate blob
// in the security directory, which holds file offsets (not RVAs) and is not
// itself mapped into memory.
type WinCertificate struct {
	Length          uint32
	Revision        uint16
	CertificateType uint16
}

// Certificate is one entry of the security directory's certificate table.
// Per spec.md's Authenticode boundary, this module locates, sizes, and
// classifies the blob as PKCS#7 SignedData; it does not verify a signature
// or decode the embedded X.509 chain.
type Certificate struct {
	Header         WinCertificate
	Offset         uint32
	Raw            []byte
	IsAuthenticode bool
	SignerCount    int
}

// parseSecurity walks the WIN_CERTIFICATE list at the security directory's
// file offset (directory entries here are file offsets, never RVAs — the
// one PE directory exempted from RVA→offset translation).
func parseSecurity(src *ByteSource, fileOff, size uint32, diag *Collector) []Certificate {
	var certs []Certificate
	cur := fileOff
	end := fileOff + size
	guard := 0

	for cur < end {
		guard++
		if guard > 256 {
			diag.Emitf(DiagCountClamped, SevWarning, cur, 0, "security directory walk aborted: too many certificates")
			break
		}
		hdr, err := src.ReadAt(cur, 8)
		if err != nil {
			break
		}
		wc := WinCertificate{
			Length:          leU32(hdr, 0),
			Revision:        leU16(hdr, 4),
			CertificateType: leU16(hdr, 6),
		}
		if wc.Length < 8 || cur+wc.Length > end {
			diag.Emitf(DiagOverlappingDirs, SevAnomaly, cur, 0, "certificate entry length %d out of bounds", wc.Length)
			break
		}

		cert := Certificate{Header: wc, Offset: cur}
		blob, err := src.ReadAt(cur+8, wc.Length-8)
		if err == nil {
			cert.Raw = blob
			if wc.CertificateType == WinCertTypePKCS {
				if p7, err := pkcs7.Parse(blob); err == nil {
					cert.IsAuthenticode = true
					cert.SignerCount = len(p7.Signers)
				}
			}
		}
		certs = append(certs, cert)

		// Each entry is padded to an 8-byte boundary.
		advance := (wc.Length + 7) &^ 7
		if advance == 0 {
			break
		}
		cur += advance
	}
	return certs
}

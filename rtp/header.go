// Package rtp builds and parses the RTP headers used on the Discord
// voice UDP transport, and implements the three xsalsa20_poly1305 AEAD
// variants Discord's voice servers offer.
package rtp

import "encoding/binary"

// HeaderSize is the fixed size of a Discord voice RTP header: no CSRC
// list, no extension.
const HeaderSize = 12

// PayloadType is the RTP payload type Discord voice uses for Opus.
const PayloadType = 120

// version2Marker is the first header byte: version=2, no padding, no
// extension, csrc_count=0.
const version2Marker = 0x80

// Header is a parsed or to-be-built 12-byte RTP header.
type Header struct {
	Version     uint8
	Padding     bool
	Extension   bool
	CSRCCount   uint8
	Marker      bool
	PayloadType uint8
	Sequence    uint16
	Timestamp   uint32
	SSRC        uint32
}

// Build writes the 12-byte RTP header for sequence/timestamp/ssrc into
// dst, which must be at least HeaderSize bytes. Built headers always
// use version 2 and payload type 120 per spec.
func Build(dst []byte, sequence uint16, timestamp uint32, ssrc uint32) {
	_ = dst[HeaderSize-1] // bounds check hint
	dst[0] = version2Marker
	dst[1] = PayloadType
	binary.BigEndian.PutUint16(dst[2:4], sequence)
	binary.BigEndian.PutUint32(dst[4:8], timestamp)
	binary.BigEndian.PutUint32(dst[8:12], ssrc)
}

// Parse is the inverse of Build: it extracts header fields and returns
// the offset (always HeaderSize) at which the payload begins.
//
// Parse does not require the marker/payload-type to match Build's
// output; it reads whatever RTP header is actually present so callers
// can validate it themselves.
func Parse(p []byte) (Header, int, bool) {
	if len(p) < HeaderSize {
		return Header{}, 0, false
	}

	h := Header{
		Version:     p[0] >> 6,
		Padding:     p[0]&0x20 != 0,
		Extension:   p[0]&0x10 != 0,
		CSRCCount:   p[0] & 0x0F,
		Marker:      p[1]&0x80 != 0,
		PayloadType: p[1] & 0x7F,
		Sequence:    binary.BigEndian.Uint16(p[2:4]),
		Timestamp:   binary.BigEndian.Uint32(p[4:8]),
		SSRC:        binary.BigEndian.Uint32(p[8:12]),
	}

	return h, HeaderSize, true
}

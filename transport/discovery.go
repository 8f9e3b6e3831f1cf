package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	discoveryPacketSize   = 74
	discoveryAddressSize  = 64
	discoveryTypeRequest  = uint16(0x0001)
	discoveryTypeReply    = uint16(0x0002)
	discoveryLength       = uint16(70)
)

// ErrMalformedDiscoveryReply is returned when a UDP datagram received
// during IP discovery doesn't match the 74-byte reply framing.
var ErrMalformedDiscoveryReply = errors.New("transport: malformed IP discovery reply")

// buildDiscoveryRequest writes the 74-byte IP discovery request for
// ssrc into a fresh buffer.
func buildDiscoveryRequest(ssrc uint32) []byte {
	buf := make([]byte, discoveryPacketSize)
	binary.BigEndian.PutUint16(buf[0:2], discoveryTypeRequest)
	binary.BigEndian.PutUint16(buf[2:4], discoveryLength)
	binary.BigEndian.PutUint32(buf[4:8], ssrc)
	// bytes 8:72 (address) and 72:74 (port) are already zero.
	return buf
}

// parseDiscoveryReply extracts (ip, port) from a 74-byte IP discovery
// reply datagram.
func parseDiscoveryReply(buf []byte) (ip string, port uint16, err error) {
	if len(buf) != discoveryPacketSize {
		return "", 0, fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedDiscoveryReply, len(buf), discoveryPacketSize)
	}

	typ := binary.BigEndian.Uint16(buf[0:2])
	if typ != discoveryTypeReply {
		return "", 0, fmt.Errorf("%w: type 0x%04x", ErrMalformedDiscoveryReply, typ)
	}

	length := binary.BigEndian.Uint16(buf[2:4])
	if length != discoveryLength {
		return "", 0, fmt.Errorf("%w: length %d", ErrMalformedDiscoveryReply, length)
	}

	addrField := buf[8 : 8+discoveryAddressSize]
	nullPos := bytes.IndexByte(addrField, 0)
	if nullPos < 0 {
		nullPos = len(addrField)
	}
	ip = string(addrField[:nullPos])

	port = binary.BigEndian.Uint16(buf[72:74])

	return ip, port, nil
}

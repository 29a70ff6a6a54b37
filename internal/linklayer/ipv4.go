package linklayer

import (
	"encoding/binary"
	"fmt"
)

const ipv4HeaderLen = 20
const ipv4Version = 4

// IPv4Header is a parsed (and, on the encode side, to-be-serialized)
// IPv4 header. Options are never produced or expected: the encoder
// always emits a fixed 20-byte header.
type IPv4Header struct {
	TOS      uint8
	ID       uint16
	TTL      uint8
	Protocol uint8
	Checksum uint16
	Src      uint32
	Dst      uint32
}

// IPv4Datagram is a parsed IPv4 packet: header plus payload.
type IPv4Datagram struct {
	Header  IPv4Header
	Payload []byte
}

// ParseIPv4Datagram parses a raw IPv4 packet. Datagrams carrying IP
// options are rejected, matching the non-goal of handling anything but
// the plain 20-byte header.
func ParseIPv4Datagram(raw []byte) (IPv4Datagram, error) {
	if len(raw) < ipv4HeaderLen {
		return IPv4Datagram{}, fmt.Errorf("linklayer: ipv4 packet too short: %d bytes", len(raw))
	}
	verIHL := raw[0]
	version := verIHL >> 4
	ihl := verIHL & 0x0f
	if version != ipv4Version {
		return IPv4Datagram{}, fmt.Errorf("linklayer: unexpected ip version %d", version)
	}
	if ihl != ipv4HeaderLen/4 {
		return IPv4Datagram{}, fmt.Errorf("linklayer: ipv4 options not supported (ihl=%d)", ihl)
	}
	totalLen := int(binary.BigEndian.Uint16(raw[2:4]))
	if totalLen < ipv4HeaderLen || totalLen > len(raw) {
		return IPv4Datagram{}, fmt.Errorf("linklayer: ipv4 total length %d out of range (have %d bytes)", totalLen, len(raw))
	}

	d := IPv4Datagram{
		Header: IPv4Header{
			TOS:      raw[1],
			ID:       binary.BigEndian.Uint16(raw[4:6]),
			TTL:      raw[8],
			Protocol: raw[9],
			Checksum: binary.BigEndian.Uint16(raw[10:12]),
			Src:      binary.BigEndian.Uint32(raw[12:16]),
			Dst:      binary.BigEndian.Uint32(raw[16:20]),
		},
		Payload: append([]byte(nil), raw[ipv4HeaderLen:totalLen]...),
	}
	return d, nil
}

// BuildIPv4Datagram serializes an IPv4 datagram, computing the header
// checksum over the fixed 20-byte header.
func BuildIPv4Datagram(d IPv4Datagram) []byte {
	totalLen := ipv4HeaderLen + len(d.Payload)
	out := make([]byte, totalLen)

	out[0] = (ipv4Version << 4) | (ipv4HeaderLen / 4)
	out[1] = d.Header.TOS
	binary.BigEndian.PutUint16(out[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(out[4:6], d.Header.ID)
	// Flags/fragment offset left zero: IP fragmentation is out of scope.
	out[8] = d.Header.TTL
	out[9] = d.Header.Protocol
	binary.BigEndian.PutUint32(out[12:16], d.Header.Src)
	binary.BigEndian.PutUint32(out[16:20], d.Header.Dst)

	binary.BigEndian.PutUint16(out[10:12], ipv4Checksum(out[:ipv4HeaderLen]))
	copy(out[ipv4HeaderLen:], d.Payload)
	return out
}

// ipv4Checksum computes the Internet checksum (RFC 1071) over header,
// assuming the checksum field itself is currently zero.
func ipv4Checksum(header []byte) uint16 {
	return internetChecksum(header, 0)
}

// internetChecksum computes the ones'-complement checksum over data,
// seeded with an initial partial sum (used to fold a pseudo-header into
// a TCP/UDP checksum).
func internetChecksum(data []byte, initial uint32) uint16 {
	sum := initial
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}
	if n%2 == 1 {
		sum += uint32(data[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

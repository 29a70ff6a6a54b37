package linklayer

import (
	"encoding/binary"
	"fmt"
)

// EtherType identifies the payload protocol carried by an Ethernet frame.
type EtherType uint16

const (
	EtherTypeIPv4 EtherType = 0x0800
	EtherTypeARP  EtherType = 0x0806
)

const ethernetHeaderLen = 14

// MAC is a 6-byte Ethernet hardware address.
type MAC [6]byte

// BroadcastMAC is the all-ones Ethernet broadcast address.
var BroadcastMAC = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// EthernetFrame is a parsed Ethernet II frame.
type EthernetFrame struct {
	Dst       MAC
	Src       MAC
	EtherType EtherType
	Payload   []byte
}

// ParseEthernetFrame parses a raw Ethernet II frame.
func ParseEthernetFrame(raw []byte) (EthernetFrame, error) {
	if len(raw) < ethernetHeaderLen {
		return EthernetFrame{}, fmt.Errorf("linklayer: ethernet frame too short: %d bytes", len(raw))
	}
	var f EthernetFrame
	copy(f.Dst[:], raw[0:6])
	copy(f.Src[:], raw[6:12])
	f.EtherType = EtherType(binary.BigEndian.Uint16(raw[12:14]))
	f.Payload = raw[ethernetHeaderLen:]
	return f, nil
}

// BuildEthernetFrame serializes an Ethernet II frame.
func BuildEthernetFrame(f EthernetFrame) []byte {
	out := make([]byte, ethernetHeaderLen+len(f.Payload))
	copy(out[0:6], f.Dst[:])
	copy(out[6:12], f.Src[:])
	binary.BigEndian.PutUint16(out[12:14], uint16(f.EtherType))
	copy(out[ethernetHeaderLen:], f.Payload)
	return out
}

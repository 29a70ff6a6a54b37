package linklayer

import (
	"encoding/binary"
	"fmt"
)

// ARP opcodes.
const (
	ARPOpRequest uint16 = 1
	ARPOpReply   uint16 = 2
)

const (
	arpHTypeEthernet uint16 = 1
	arpPTypeIPv4     uint16 = 0x0800
	arpHLenEthernet  uint8  = 6
	arpPLenIPv4      uint8  = 4
	arpMessageLen           = 28
)

// ARPMessage is a parsed Ethernet/IPv4 ARP packet.
type ARPMessage struct {
	Opcode     uint16
	SenderMAC  MAC
	SenderIP   uint32
	TargetMAC  MAC
	TargetIP   uint32
}

// ParseARPMessage parses a raw ARP packet. Only Ethernet/IPv4 ARP is
// supported, matching the scope of the rest of this stack.
func ParseARPMessage(raw []byte) (ARPMessage, error) {
	if len(raw) < arpMessageLen {
		return ARPMessage{}, fmt.Errorf("linklayer: arp message too short: %d bytes", len(raw))
	}
	hType := binary.BigEndian.Uint16(raw[0:2])
	pType := binary.BigEndian.Uint16(raw[2:4])
	hLen := raw[4]
	pLen := raw[5]
	if hType != arpHTypeEthernet || pType != arpPTypeIPv4 || hLen != arpHLenEthernet || pLen != arpPLenIPv4 {
		return ARPMessage{}, fmt.Errorf("linklayer: unsupported arp hardware/protocol combination")
	}

	var m ARPMessage
	m.Opcode = binary.BigEndian.Uint16(raw[6:8])
	copy(m.SenderMAC[:], raw[8:14])
	m.SenderIP = binary.BigEndian.Uint32(raw[14:18])
	copy(m.TargetMAC[:], raw[18:24])
	m.TargetIP = binary.BigEndian.Uint32(raw[24:28])
	return m, nil
}

// BuildARPMessage serializes an ARP packet.
func BuildARPMessage(m ARPMessage) []byte {
	out := make([]byte, arpMessageLen)
	binary.BigEndian.PutUint16(out[0:2], arpHTypeEthernet)
	binary.BigEndian.PutUint16(out[2:4], arpPTypeIPv4)
	out[4] = arpHLenEthernet
	out[5] = arpPLenIPv4
	binary.BigEndian.PutUint16(out[6:8], m.Opcode)
	copy(out[8:14], m.SenderMAC[:])
	binary.BigEndian.PutUint32(out[14:18], m.SenderIP)
	copy(out[18:24], m.TargetMAC[:])
	binary.BigEndian.PutUint32(out[24:28], m.TargetIP)
	return out
}

package conformance

import (
	"encoding/binary"
	"fmt"

	"github.com/minnow-net/minnow/internal/seqnum"
	"github.com/minnow-net/minnow/internal/tcp"
)

// The core tcp package deliberately works with an abstract segment
// shape (seqno/SYN/payload/FIN/RST, no ports): a single connection per
// stack instance needs nothing else. Talking to a real peer stack over
// IPv4, however, requires an actual wire-format TCP segment with ports
// and a pseudo-header checksum, so this harness-only codec dresses
// tcp.SenderMessage/tcp.ReceiverMessage up as one. Kept out of
// internal/tcp, since the core state machine has no business knowing
// about ports.
const (
	tcpWireHeaderLen = 20
	tcpProtocolNum   = 6

	flagFIN = 1 << 0
	flagSYN = 1 << 1
	flagRST = 1 << 2
	flagACK = 1 << 4
)

// segmentHeader is the subset of a real TCP header this harness cares
// about: source/destination ports plus the flags and sequence numbers
// already modeled by internal/tcp.
type segmentHeader struct {
	SrcPort uint16
	DstPort uint16
	SeqNo   uint32
	AckNo   uint32
	Flags   uint8
	Window  uint16
	Payload []byte
}

// buildSenderSegment serializes an outbound tcp.SenderMessage plus a
// receiver-side window/ack (when known) into a real TCP segment, with a
// correct pseudo-header checksum, ready for IPv4 encapsulation.
func buildSenderSegment(srcPort, dstPort uint16, msg tcp.SenderMessage, ackNo *seqnum.Wrap32, window uint16, srcIP, dstIP uint32) []byte {
	var flags uint8
	if msg.SYN {
		flags |= flagSYN
	}
	if msg.FIN {
		flags |= flagFIN
	}
	if msg.RST {
		flags |= flagRST
	}
	var ack uint32
	if ackNo != nil {
		flags |= flagACK
		ack = ackNo.Raw()
	}
	return buildSegment(segmentHeader{
		SrcPort: srcPort,
		DstPort: dstPort,
		SeqNo:   msg.SeqNo.Raw(),
		AckNo:   ack,
		Flags:   flags,
		Window:  window,
		Payload: msg.Payload,
	}, srcIP, dstIP)
}

// buildSegment serializes a segmentHeader into a wire-format TCP
// segment with a correct checksum over the IPv4 pseudo-header.
func buildSegment(h segmentHeader, srcIP, dstIP uint32) []byte {
	out := make([]byte, tcpWireHeaderLen+len(h.Payload))
	binary.BigEndian.PutUint16(out[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(out[2:4], h.DstPort)
	binary.BigEndian.PutUint32(out[4:8], h.SeqNo)
	binary.BigEndian.PutUint32(out[8:12], h.AckNo)
	out[12] = uint8(tcpWireHeaderLen/4) << 4
	out[13] = h.Flags
	binary.BigEndian.PutUint16(out[14:16], h.Window)
	copy(out[tcpWireHeaderLen:], h.Payload)

	binary.BigEndian.PutUint16(out[16:18], 0)
	binary.BigEndian.PutUint16(out[16:18], tcpChecksum(srcIP, dstIP, out))
	return out
}

// parseSegment parses a wire-format TCP segment.
func parseSegment(raw []byte) (segmentHeader, error) {
	if len(raw) < tcpWireHeaderLen {
		return segmentHeader{}, fmt.Errorf("conformance: tcp segment too short: %d bytes", len(raw))
	}
	hdrLen := int(raw[12]>>4) * 4
	if len(raw) < hdrLen {
		return segmentHeader{}, fmt.Errorf("conformance: tcp header length mismatch: %d", hdrLen)
	}
	return segmentHeader{
		SrcPort: binary.BigEndian.Uint16(raw[0:2]),
		DstPort: binary.BigEndian.Uint16(raw[2:4]),
		SeqNo:   binary.BigEndian.Uint32(raw[4:8]),
		AckNo:   binary.BigEndian.Uint32(raw[8:12]),
		Flags:   raw[13],
		Window:  binary.BigEndian.Uint16(raw[14:16]),
		Payload: append([]byte(nil), raw[hdrLen:]...),
	}, nil
}

func (h segmentHeader) toSenderMessage() tcp.SenderMessage {
	return tcp.SenderMessage{
		SeqNo:   seqnum.Wrap32FromRaw(h.SeqNo),
		SYN:     h.Flags&flagSYN != 0,
		FIN:     h.Flags&flagFIN != 0,
		RST:     h.Flags&flagRST != 0,
		Payload: h.Payload,
	}
}

func (h segmentHeader) toReceiverMessage() tcp.ReceiverMessage {
	msg := tcp.ReceiverMessage{WindowSize: h.Window, RST: h.Flags&flagRST != 0}
	if h.Flags&flagACK != 0 {
		ack := seqnum.Wrap32FromRaw(h.AckNo)
		msg.AckNo = &ack
	}
	return msg
}

// tcpChecksum computes the Internet checksum of a TCP segment over its
// IPv4 pseudo-header plus contents (RFC 793 §3.1).
func tcpChecksum(srcIP, dstIP uint32, segment []byte) uint16 {
	sum := pseudoHeaderSum(srcIP, dstIP, tcpProtocolNum, len(segment))
	return foldChecksum(segment, sum)
}

func pseudoHeaderSum(srcIP, dstIP uint32, protocol uint8, length int) uint32 {
	sum := uint32(srcIP>>16) + uint32(srcIP&0xffff)
	sum += uint32(dstIP>>16) + uint32(dstIP&0xffff)
	sum += uint32(protocol)
	sum += uint32(length)
	return sum
}

func foldChecksum(data []byte, initial uint32) uint16 {
	sum := initial
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}
	if n%2 == 1 {
		sum += uint32(data[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// Package linklayer implements the ARP/Ethernet adaptation layer between
// IPv4 datagrams and the wire: resolving next-hop addresses via ARP,
// queuing datagrams while resolution is pending, and framing/parsing
// Ethernet. Time only ever advances via explicit Tick calls; there is no
// internal clock or goroutine.
package linklayer

import (
	"log/slog"

	"github.com/minnow-net/minnow/internal/pcap"
)

const (
	arpEntryTTLMillis        = 30_000
	arpRequestThrottleMillis = 5_000
)

type arpEntry struct {
	mac       MAC
	learnedAt uint64
}

// NetworkInterface adapts an IPv4/Router endpoint to an Ethernet wire,
// learning neighbor MAC addresses via ARP and queuing datagrams awaiting
// resolution.
type NetworkInterface struct {
	logger *slog.Logger
	mac    MAC
	ip     uint32

	arpTable         map[uint32]arpEntry
	pendingDatagrams map[uint32][]IPv4Datagram
	arpRequestSentAt map[uint32]uint64

	currentTimeMillis uint64

	outbound [][]byte
	received []IPv4Datagram

	capture *pcap.Writer
}

// New returns a NetworkInterface owning the given MAC/IPv4 identity.
func New(mac MAC, ip uint32, logger *slog.Logger) *NetworkInterface {
	if logger == nil {
		logger = slog.Default()
	}
	return &NetworkInterface{
		logger:           logger,
		mac:              mac,
		ip:               ip,
		arpTable:         make(map[uint32]arpEntry),
		pendingDatagrams: make(map[uint32][]IPv4Datagram),
		arpRequestSentAt: make(map[uint32]uint64),
	}
}

// SetCapture attaches an optional pcap sink. Every transmitted and
// accepted frame is mirrored to it; this has no effect on protocol
// behavior.
func (n *NetworkInterface) SetCapture(w *pcap.Writer) {
	n.capture = w
}

// MAC returns the interface's own hardware address.
func (n *NetworkInterface) MAC() MAC {
	return n.mac
}

// IP returns the interface's own IPv4 address.
func (n *NetworkInterface) IP() uint32 {
	return n.ip
}

// SendDatagram transmits dgram toward nextHop. If the neighbor's MAC is
// already known, the frame is sent immediately; otherwise the datagram
// is queued and an ARP request is broadcast, throttled to at most one
// outstanding request per neighbor every 5 seconds.
func (n *NetworkInterface) SendDatagram(dgram IPv4Datagram, nextHop uint32) {
	if entry, ok := n.arpTable[nextHop]; ok {
		n.transmitIPv4(dgram, entry.mac)
		return
	}

	n.pendingDatagrams[nextHop] = append(n.pendingDatagrams[nextHop], dgram)

	if _, outstanding := n.arpRequestSentAt[nextHop]; outstanding {
		return
	}
	n.arpRequestSentAt[nextHop] = n.currentTimeMillis

	req := ARPMessage{
		Opcode:    ARPOpRequest,
		SenderMAC: n.mac,
		SenderIP:  n.ip,
		TargetIP:  nextHop,
	}
	n.sendFrame(BroadcastMAC, EtherTypeARP, BuildARPMessage(req))
}

func (n *NetworkInterface) transmitIPv4(dgram IPv4Datagram, dst MAC) {
	n.sendFrame(dst, EtherTypeIPv4, BuildIPv4Datagram(dgram))
}

func (n *NetworkInterface) sendFrame(dst MAC, et EtherType, payload []byte) {
	frame := BuildEthernetFrame(EthernetFrame{Dst: dst, Src: n.mac, EtherType: et, Payload: payload})
	n.outbound = append(n.outbound, frame)
	n.capturePacket(frame)
}

// RecvFrame accepts a raw Ethernet frame arriving on the wire. Frames
// addressed to neither this interface's MAC nor the broadcast address
// are silently dropped.
func (n *NetworkInterface) RecvFrame(raw []byte) {
	frame, err := ParseEthernetFrame(raw)
	if err != nil {
		n.logger.Debug("linklayer: dropping malformed frame", "error", err)
		return
	}
	if frame.Dst != n.mac && frame.Dst != BroadcastMAC {
		return
	}
	n.capturePacket(raw)

	switch frame.EtherType {
	case EtherTypeIPv4:
		dgram, err := ParseIPv4Datagram(frame.Payload)
		if err != nil {
			n.logger.Debug("linklayer: dropping malformed ipv4 datagram", "error", err)
			return
		}
		n.received = append(n.received, dgram)
	case EtherTypeARP:
		msg, err := ParseARPMessage(frame.Payload)
		if err != nil {
			n.logger.Debug("linklayer: dropping malformed arp message", "error", err)
			return
		}
		n.handleARP(msg)
	}
}

func (n *NetworkInterface) handleARP(msg ARPMessage) {
	n.arpTable[msg.SenderIP] = arpEntry{mac: msg.SenderMAC, learnedAt: n.currentTimeMillis}
	delete(n.arpRequestSentAt, msg.SenderIP)

	if pending, ok := n.pendingDatagrams[msg.SenderIP]; ok {
		for _, d := range pending {
			n.transmitIPv4(d, msg.SenderMAC)
		}
		delete(n.pendingDatagrams, msg.SenderIP)
	}

	if msg.Opcode == ARPOpRequest && msg.TargetIP == n.ip {
		reply := ARPMessage{
			Opcode:    ARPOpReply,
			SenderMAC: n.mac,
			SenderIP:  n.ip,
			TargetMAC: msg.SenderMAC,
			TargetIP:  msg.SenderIP,
		}
		n.sendFrame(msg.SenderMAC, EtherTypeARP, BuildARPMessage(reply))
	}
}

// Tick advances the interface's internal clock by ms milliseconds,
// expiring stale ARP cache entries and outstanding-request throttles.
// When an ARP request's throttle entry expires, its corresponding
// pending-datagram queue is dropped along with it: the neighbor never
// answered.
func (n *NetworkInterface) Tick(ms uint64) {
	n.currentTimeMillis += ms

	for ip, entry := range n.arpTable {
		if n.currentTimeMillis-entry.learnedAt >= arpEntryTTLMillis {
			delete(n.arpTable, ip)
		}
	}
	for ip, sentAt := range n.arpRequestSentAt {
		if n.currentTimeMillis-sentAt >= arpRequestThrottleMillis {
			delete(n.arpRequestSentAt, ip)
			delete(n.pendingDatagrams, ip)
		}
	}
}

// PopOutboundFrame removes and returns the oldest queued outbound
// Ethernet frame, if any.
func (n *NetworkInterface) PopOutboundFrame() ([]byte, bool) {
	if len(n.outbound) == 0 {
		return nil, false
	}
	f := n.outbound[0]
	n.outbound = n.outbound[1:]
	return f, true
}

// PopReceivedDatagram removes and returns the oldest queued, fully
// parsed IPv4 datagram accepted from the wire, if any.
func (n *NetworkInterface) PopReceivedDatagram() (IPv4Datagram, bool) {
	if len(n.received) == 0 {
		return IPv4Datagram{}, false
	}
	d := n.received[0]
	n.received = n.received[1:]
	return d, true
}

func (n *NetworkInterface) capturePacket(frame []byte) {
	if n.capture == nil {
		return
	}
	_ = n.capture.WritePacket(pcap.CaptureInfo{
		CaptureLength: len(frame),
		Length:        len(frame),
	}, frame)
}

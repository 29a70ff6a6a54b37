package router

import (
	"testing"

	"github.com/minnow-net/minnow/internal/linklayer"
)

func newTestRouter(t *testing.T, n int) (*Router, []*linklayer.NetworkInterface) {
	t.Helper()
	r := New(nil)
	ifaces := make([]*linklayer.NetworkInterface, n)
	for i := range ifaces {
		mac := linklayer.MAC{0x02, 0, 0, 0, 0, byte(i + 1)}
		ifaces[i] = linklayer.New(mac, uint32(0x0a000000+i+1), nil)
		r.AddInterface(ifaces[i])
	}
	return r, ifaces
}

func deliver(iface *linklayer.NetworkInterface, dgram linklayer.IPv4Datagram) {
	raw := linklayer.BuildIPv4Datagram(dgram)
	iface.RecvFrame(linklayer.BuildEthernetFrame(linklayer.EthernetFrame{
		Dst:       iface.MAC(),
		Src:       linklayer.MAC{0x02, 0, 0, 0, 0, 0xee},
		EtherType: linklayer.EtherTypeIPv4,
		Payload:   raw,
	}))
}

// learn seeds iface's ARP cache by delivering an ARP reply from ip/mac.
func learn(iface *linklayer.NetworkInterface, ip uint32, mac linklayer.MAC) {
	reply := linklayer.ARPMessage{
		Opcode:    linklayer.ARPOpReply,
		SenderMAC: mac,
		SenderIP:  ip,
		TargetMAC: iface.MAC(),
		TargetIP:  iface.IP(),
	}
	iface.RecvFrame(linklayer.BuildEthernetFrame(linklayer.EthernetFrame{
		Dst:       iface.MAC(),
		Src:       mac,
		EtherType: linklayer.EtherTypeARP,
		Payload:   linklayer.BuildARPMessage(reply),
	}))
}

func TestRouteDropsExpiredTTL(t *testing.T) {
	r, ifaces := newTestRouter(t, 1)
	r.AddRoute(0, 0, nil, 0)

	deliver(ifaces[0], linklayer.IPv4Datagram{Header: linklayer.IPv4Header{TTL: 1, Dst: 0x0a000099}})
	r.Route()

	if _, ok := ifaces[0].PopOutboundFrame(); ok {
		t.Fatalf("expected datagram with ttl<=1 to be dropped")
	}
}

func TestRouteDecrementsTTLAndRecomputesChecksum(t *testing.T) {
	r, ifaces := newTestRouter(t, 2)
	gw := uint32(0x0a000002)
	r.AddRoute(0x0a000000, 24, &gw, 1)
	learn(ifaces[1], gw, linklayer.MAC{0x02, 0, 0, 0, 0, 0xaa})

	deliver(ifaces[0], linklayer.IPv4Datagram{Header: linklayer.IPv4Header{TTL: 64, Dst: 0x0a000005}})
	r.Route()

	frame, ok := ifaces[1].PopOutboundFrame()
	if !ok {
		t.Fatalf("expected forwarded frame on interface 1")
	}
	ef, err := linklayer.ParseEthernetFrame(frame)
	if err != nil {
		t.Fatalf("parse ethernet: %v", err)
	}
	dgram, err := linklayer.ParseIPv4Datagram(ef.Payload)
	if err != nil {
		t.Fatalf("parse ipv4: %v", err)
	}
	if dgram.Header.TTL != 63 {
		t.Fatalf("expected ttl decremented to 63, got %d", dgram.Header.TTL)
	}
	// A valid header, checksum included, sums to 0xffff in ones' complement.
	var sum uint32
	for i := 0; i+1 < 20; i += 2 {
		sum += uint32(ef.Payload[i])<<8 | uint32(ef.Payload[i+1])
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	if sum != 0xffff {
		t.Fatalf("expected a valid recomputed header checksum, got %#x", dgram.Header.Checksum)
	}
}

func TestRouteDropsWithNoMatchingRoute(t *testing.T) {
	r, ifaces := newTestRouter(t, 1)
	r.AddRoute(0x0a000000, 24, nil, 0)

	deliver(ifaces[0], linklayer.IPv4Datagram{Header: linklayer.IPv4Header{TTL: 64, Dst: 0xc0a80001}})
	r.Route()

	if _, ok := ifaces[0].PopOutboundFrame(); ok {
		t.Fatalf("expected datagram with no matching route to be dropped")
	}
}

func TestRouteDirectlyAttachedUsesDatagramDestinationAsNextHop(t *testing.T) {
	r, ifaces := newTestRouter(t, 2)
	r.AddRoute(0x0a000000, 24, nil, 1)

	deliver(ifaces[0], linklayer.IPv4Datagram{Header: linklayer.IPv4Header{TTL: 64, Dst: 0x0a000007}})
	r.Route()

	// No ARP cache entry exists yet, so forwarding should have produced
	// an ARP request toward the datagram's own destination, not a route
	// next hop.
	frame, ok := ifaces[1].PopOutboundFrame()
	if !ok {
		t.Fatalf("expected an ARP request for the directly attached destination")
	}
	ef, _ := linklayer.ParseEthernetFrame(frame)
	arp, err := linklayer.ParseARPMessage(ef.Payload)
	if err != nil {
		t.Fatalf("parse arp: %v", err)
	}
	if arp.TargetIP != 0x0a000007 {
		t.Fatalf("expected arp request targeting datagram destination, got %#x", arp.TargetIP)
	}
}

// TestRouteLongestPrefixMatchTieBreaksOnLatestInsertion checks that when
// two equally specific routes exist for the same prefix, the
// later-inserted route wins.
func TestRouteLongestPrefixMatchTieBreaksOnLatestInsertion(t *testing.T) {
	r, ifaces := newTestRouter(t, 3)
	r.AddRoute(0x0a000000, 8, nil, 1)
	r.AddRoute(0x0a000000, 8, nil, 2)

	deliver(ifaces[0], linklayer.IPv4Datagram{Header: linklayer.IPv4Header{TTL: 64, Dst: 0x0a010203}})
	r.Route()

	if _, ok := ifaces[1].PopOutboundFrame(); ok {
		t.Fatalf("expected the earlier route (interface 1) to lose the tie")
	}
	if _, ok := ifaces[2].PopOutboundFrame(); !ok {
		t.Fatalf("expected the later route (interface 2) to win the tie")
	}
}

func TestRouteLongestPrefixMatchPrefersMoreSpecific(t *testing.T) {
	r, ifaces := newTestRouter(t, 3)
	r.AddRoute(0, 0, nil, 1)
	r.AddRoute(0x0a000000, 8, nil, 2)

	deliver(ifaces[0], linklayer.IPv4Datagram{Header: linklayer.IPv4Header{TTL: 64, Dst: 0x0a010203}})
	r.Route()

	if _, ok := ifaces[1].PopOutboundFrame(); ok {
		t.Fatalf("expected default route to lose to the more specific /8")
	}
	if _, ok := ifaces[2].PopOutboundFrame(); !ok {
		t.Fatalf("expected the /8 route to be selected")
	}
}

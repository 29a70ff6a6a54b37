// Package conformance wires this module's own NetworkInterface/TCP
// sender/receiver pipeline against a real, independent TCP/IP
// implementation (gvisor.dev/gvisor's tcpip.Stack) over an in-memory
// Ethernet wire, so SYN/ACK/FIN sequencing, window handling, and ARP
// resolution are exercised against a peer that was never informed by
// this codebase's own bugs. Drives internal/linklayer and internal/tcp
// directly rather than a general-purpose netstack, and reports
// failures via errgroup rather than panicking a background goroutine.
package conformance

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	gvisortcp "gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"

	"github.com/minnow-net/minnow/internal/config"
	"github.com/minnow-net/minnow/internal/linklayer"
	"github.com/minnow-net/minnow/internal/pcap"
)

const gvisorNICID tcpip.NICID = 1

// tickInterval is how often the host side's Tick-driven timers (ARP
// expiry, TCP RTO) are advanced while the harness is running.
const tickInterval = 5 * time.Millisecond

// Harness drives a single host-side NetworkInterface against a gVisor
// guest stack connected by an in-memory channel link. Exactly one TCP
// connection is active at a time, matching this module's one-connection-
// per-stack-instance scope.
type Harness struct {
	logger *slog.Logger
	cfg    config.Config

	hostMAC   linklayer.MAC
	hostIPv4  uint32
	guestIPv4 uint32

	// The interface's own operations are single-threaded by contract;
	// the harness drives them from the frame pumps, the tick loop, and
	// whichever goroutine holds the active connection, so every access
	// goes through ifaceMu. Conn locks its own mu before reaching for
	// ifaceMu, never the other way around.
	ifaceMu sync.Mutex
	iface   *linklayer.NetworkInterface

	gs *stack.Stack
	ch *channel.Endpoint

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	activeConn atomic.Pointer[Conn]

	dropOutbound atomic.Int32
	dropped      atomic.Int32
}

// New builds a Harness, not yet running, from cfg: the TCP tunables
// (initial RTO, max payload, stream capacity) feed every Conn it dials,
// and the interface identity names the host side when set. Unset fields
// fall back to the config package's defaults, and an unset identity to
// 10.42.0.1 with a locally administered MAC; the gVisor guest always
// sits at the host address plus one, in the same /24.
func New(cfg config.Config, logger *slog.Logger) (*Harness, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.ApplyDefaults()

	hostMAC := linklayer.MAC{0x02, 0, 0, 0, 0, 1}
	hostIPv4 := uint32(0x0a2a0001) // 10.42.0.1
	if cfg.Interface.MAC != "" {
		mac, err := config.ParseMAC(cfg.Interface.MAC)
		if err != nil {
			return nil, fmt.Errorf("conformance: %w", err)
		}
		hostMAC = mac
	}
	if cfg.Interface.IPv4 != "" {
		ip, err := config.ParseIPv4(cfg.Interface.IPv4)
		if err != nil {
			return nil, fmt.Errorf("conformance: %w", err)
		}
		hostIPv4 = ip
	}
	guestIPv4 := hostIPv4 + 1
	guestMAC := tcpip.LinkAddress(string([]byte{0x02, 0, 0, 0, 0, 2}))

	h := &Harness{
		logger:    logger,
		cfg:       cfg,
		hostMAC:   hostMAC,
		hostIPv4:  hostIPv4,
		guestIPv4: guestIPv4,
		iface:     linklayer.New(hostMAC, hostIPv4, logger),
	}

	h.ch = channel.New(4096, 1500+header.EthernetMinimumSize, guestMAC)
	ep := ethernet.New(h.ch)
	h.gs = stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{gvisortcp.NewProtocol, udp.NewProtocol},
	})
	if err := h.gs.CreateNIC(gvisorNICID, ep); err != nil {
		return nil, fmt.Errorf("conformance: create gvisor nic: %v", err)
	}
	if err := h.gs.AddProtocolAddress(gvisorNICID, tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   addrFromUint32(guestIPv4),
			PrefixLen: 24,
		},
	}, stack.AddressProperties{}); err != nil {
		return nil, fmt.Errorf("conformance: add gvisor protocol address: %v", err)
	}
	h.gs.SetRouteTable([]tcpip.Route{{
		Destination: header.IPv4EmptySubnet,
		Gateway:     addrFromUint32(hostIPv4),
		NIC:         gvisorNICID,
	}})

	return h, nil
}

func addrFromUint32(ip uint32) tcpip.Address {
	return tcpip.AddrFrom4([4]byte{byte(ip >> 24), byte(ip >> 16), byte(ip >> 8), byte(ip)})
}

// GvisorStack exposes the guest-side stack so a caller can dial or
// listen on it directly (e.g. via gvisor's gonet adapter).
func (h *Harness) GvisorStack() *stack.Stack {
	return h.gs
}

// GuestIPv4 returns the dotted-quad address gVisor is configured with.
func (h *Harness) GuestIPv4() net.IP {
	return uint32ToIP(h.guestIPv4)
}

func uint32ToIP(ip uint32) net.IP {
	return net.IPv4(byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip))
}

// CaptureTo mirrors every frame the host interface transmits or accepts
// into a libpcap stream written to w, readable with tcpdump -r. Must be
// called before Run.
func (h *Harness) CaptureTo(w io.Writer) error {
	pw := pcap.NewWriter(w)
	if err := pw.WriteFileHeader(65536, pcap.LinkTypeEthernet); err != nil {
		return err
	}
	h.iface.SetCapture(pw)
	return nil
}

// DropOutboundFrames discards the next n IPv4 frames the host interface
// queues for the guest, simulating loss on the wire so a caller can
// observe the sender's retransmission path. ARP frames are never
// dropped; losing one would stall resolution rather than exercise TCP.
func (h *Harness) DropOutboundFrames(n int) {
	h.dropOutbound.Store(int32(n))
}

// DroppedFrames reports how many outbound frames have been discarded by
// DropOutboundFrames so far.
func (h *Harness) DroppedFrames() int {
	return int(h.dropped.Load())
}

// Run starts the two frame pumps and the tick-driven timers as background
// goroutines, all tracked by an errgroup.Group so the first failure
// (or a context cancellation) tears everything down together.
func (h *Harness) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)
	h.ctx, h.cancel, h.group = gctx, cancel, group

	group.Go(func() error { return h.pumpGuestToHost(gctx) })
	group.Go(func() error { return h.pumpHostToGuest(gctx) })
	group.Go(func() error { return h.tickLoop(gctx) })
}

// Stop cancels every background goroutine and waits for them to exit.
// Calling it again after it returns is a no-op.
func (h *Harness) Stop() error {
	if h.cancel == nil {
		return nil
	}
	h.cancel()
	h.ch.Close()
	err := h.group.Wait()
	h.cancel = nil
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func (h *Harness) recvFrame(frame []byte) {
	h.ifaceMu.Lock()
	h.iface.RecvFrame(frame)
	h.ifaceMu.Unlock()
}

func (h *Harness) sendDatagram(dgram linklayer.IPv4Datagram, nextHop uint32) {
	h.ifaceMu.Lock()
	h.iface.SendDatagram(dgram, nextHop)
	h.ifaceMu.Unlock()
}

func (h *Harness) popOutboundFrame() ([]byte, bool) {
	h.ifaceMu.Lock()
	defer h.ifaceMu.Unlock()
	return h.iface.PopOutboundFrame()
}

func (h *Harness) popReceivedDatagram() (linklayer.IPv4Datagram, bool) {
	h.ifaceMu.Lock()
	defer h.ifaceMu.Unlock()
	return h.iface.PopReceivedDatagram()
}

func (h *Harness) tickIface(ms uint64) {
	h.ifaceMu.Lock()
	h.iface.Tick(ms)
	h.ifaceMu.Unlock()
}

// pumpGuestToHost reads frames gVisor transmits and hands them to the
// host interface's RecvFrame.
func (h *Harness) pumpGuestToHost(ctx context.Context) error {
	for {
		pkt := h.ch.ReadContext(ctx)
		if pkt == nil {
			return ctx.Err()
		}
		frame := append([]byte(nil), pkt.ToView().AsSlice()...)
		pkt.DecRef()

		h.recvFrame(frame)
		h.drainReceivedDatagrams()
	}
}

// pumpHostToGuest periodically flushes frames the host interface has
// queued for transmission into gVisor's channel endpoint. It polls on
// its own ticker at the same tickInterval as tickLoop rather than being
// woken per frame, since host-side sends only ever happen synchronously
// in response to Push/Receive/Tick calls made from this package.
func (h *Harness) pumpHostToGuest(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.flushOutbound()
		}
	}
}

func (h *Harness) flushOutbound() {
	for {
		frame, ok := h.popOutboundFrame()
		if !ok {
			return
		}
		if h.dropOutbound.Load() > 0 && isIPv4Frame(frame) {
			h.dropOutbound.Add(-1)
			h.dropped.Add(1)
			h.logger.Debug("conformance: dropping outbound frame", "bytes", len(frame))
			continue
		}
		view := buffer.MakeWithData(frame)
		pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{Payload: view})
		h.ch.InjectInbound(0, pkt)
	}
}

func isIPv4Frame(frame []byte) bool {
	return len(frame) >= 14 &&
		linklayer.EtherType(binary.BigEndian.Uint16(frame[12:14])) == linklayer.EtherTypeIPv4
}

// drainReceivedDatagrams hands every IPv4 datagram the interface has
// accepted off the wire to the active connection, if any, and if it
// carries protocol 6 (TCP).
func (h *Harness) drainReceivedDatagrams() {
	for {
		dgram, ok := h.popReceivedDatagram()
		if !ok {
			return
		}
		if dgram.Header.Protocol != tcpProtocolNum {
			continue
		}
		conn := h.activeConn.Load()
		if conn == nil {
			continue
		}
		conn.handleInbound(dgram)
	}
}

// tickLoop advances the host interface's ARP timers and the active
// connection's TCP retransmission timer at a fixed cadence.
func (h *Harness) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	ms := uint64(tickInterval / time.Millisecond)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.tickIface(ms)
			if conn := h.activeConn.Load(); conn != nil {
				conn.tick(ms)
			}
		}
	}
}

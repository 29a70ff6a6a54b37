package conformance

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/minnow-net/minnow/internal/linklayer"
	"github.com/minnow-net/minnow/internal/seqnum"
	"github.com/minnow-net/minnow/internal/stream"
	"github.com/minnow-net/minnow/internal/tcp"
)

// Conn is a single TCP connection driven by this module's own
// tcp.Sender/tcp.Receiver pair, with its wire segments carried over a
// Harness's NetworkInterface. It exists only to give the conformance
// harness something address-and-port-aware to dial with, since
// internal/tcp itself has no notion of ports by design.
type Conn struct {
	h *Harness

	srcPort, dstPort uint16
	srcIP, dstIP     uint32

	mu       sync.Mutex
	sender   *tcp.Sender
	receiver *tcp.Receiver
	outbound *stream.ByteStream
	inbound  *stream.ByteStream

	established       chan struct{}
	establishedClosed bool
}

// DialOut opens a connection from the host-side stack to dstPort on the
// gVisor guest, blocking until the handshake completes or timeout
// elapses.
func (h *Harness) DialOut(srcPort, dstPort uint16, timeout time.Duration) (*Conn, error) {
	isn := seqnum.Wrap32FromRaw(rand.New(rand.NewSource(time.Now().UnixNano())).Uint32())

	outbound := stream.New(h.cfg.StreamCapacity)
	inbound := stream.New(h.cfg.StreamCapacity)

	c := &Conn{
		h:           h,
		srcPort:     srcPort,
		dstPort:     dstPort,
		srcIP:       h.hostIPv4,
		dstIP:       h.guestIPv4,
		sender:      tcp.NewSender(outbound, isn, h.cfg.InitialRTOMillis, h.cfg.MaxPayloadSize),
		receiver:    tcp.NewReceiver(inbound),
		outbound:    outbound,
		inbound:     inbound,
		established: make(chan struct{}),
	}
	h.activeConn.Store(c)

	c.mu.Lock()
	c.sender.Push(c.transmitLocked)
	c.mu.Unlock()

	select {
	case <-c.established:
		return c, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("conformance: handshake with %s:%d timed out", net.IP(uint32ToIP(h.guestIPv4)), dstPort)
	}
}

// transmitLocked is the tcp.TransmitFunc given to Sender.Push/Tick. The
// caller must already hold c.mu.
func (c *Conn) transmitLocked(msg tcp.SenderMessage) {
	recvMsg := c.receiver.Send()
	segment := buildSenderSegment(c.srcPort, c.dstPort, msg, recvMsg.AckNo, recvMsg.WindowSize, c.srcIP, c.dstIP)
	dgram := linklayer.IPv4Datagram{
		Header: linklayer.IPv4Header{
			TTL:      64,
			Protocol: tcpProtocolNum,
			Src:      c.srcIP,
			Dst:      c.dstIP,
		},
		Payload: segment,
	}
	c.h.sendDatagram(dgram, c.dstIP)
}

// handleInbound processes one IPv4 datagram already known to carry a
// TCP segment for this connection.
func (c *Conn) handleInbound(dgram linklayer.IPv4Datagram) {
	seg, err := parseSegment(dgram.Payload)
	if err != nil {
		c.h.logger.Debug("conformance: dropping malformed tcp segment", "error", err)
		return
	}
	if seg.DstPort != c.srcPort || seg.SrcPort != c.dstPort {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.receiver.Receive(seg.toSenderMessage())
	c.sender.Receive(seg.toReceiverMessage())
	c.sender.Push(c.transmitLocked)

	if !c.establishedClosed && c.receiverHasSynLocked() {
		c.establishedClosed = true
		close(c.established)
	}
}

func (c *Conn) receiverHasSynLocked() bool {
	return c.receiver.Send().AckNo != nil
}

func (c *Conn) tick(ms uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sender.Tick(ms, c.transmitLocked)
}

// Write queues data on the outbound byte stream and drives the sender
// to transmit as much of it as the window currently allows.
func (c *Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outbound.Push(p)
	c.sender.Push(c.transmitLocked)
	return len(p), nil
}

// CloseWrite signals that no more data will be written, triggering a
// FIN once the outbound stream drains.
func (c *Conn) CloseWrite() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outbound.Close()
	c.sender.Push(c.transmitLocked)
}

// Read copies buffered inbound bytes into p, returning 0 and no error
// if none are currently available (non-blocking; callers poll).
func (c *Conn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buffered := c.inbound.Peek()
	if len(buffered) == 0 {
		if c.inbound.Finished() {
			return 0, fmt.Errorf("conformance: connection closed")
		}
		return 0, nil
	}
	n := copy(p, buffered)
	c.inbound.Pop(n)
	return n, nil
}

// Finished reports whether the inbound stream has been fully delivered
// and closed (peer sent FIN and all preceding bytes arrived).
func (c *Conn) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inbound.Finished()
}

// WriteClosed reports whether the outbound stream has been closed and
// every transmitted sequence number, FIN included, acknowledged by the
// peer. CloseWrite transmits the FIN synchronously when the window
// permits, so once this returns true the close handshake in the
// outbound direction is complete.
func (c *Conn) WriteClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outbound.IsClosed() && c.sender.SequenceNumbersInFlight() == 0
}

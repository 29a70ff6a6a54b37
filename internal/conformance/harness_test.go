package conformance

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"testing"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"

	"github.com/minnow-net/minnow/internal/config"
	"github.com/minnow-net/minnow/internal/linklayer"
)

// newTestHarness builds a running harness with a short RTO, so induced
// loss recovers within test time, and a pcap capture sink whose
// contents the test can read back once the harness is stopped.
func newTestHarness(t *testing.T) (*Harness, *bytes.Buffer) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Config{InitialRTOMillis: 100}
	h, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var capture bytes.Buffer
	if err := h.CaptureTo(&capture); err != nil {
		t.Fatalf("CaptureTo: %v", err)
	}
	h.Run(context.Background())
	t.Cleanup(func() { h.Stop() })
	return h, &capture
}

// TestLossRecoveryAndCleanCloseAgainstGvisor dials from this module's
// own TCP sender/receiver pair to a gVisor-backed listener and walks
// the whole connection lifecycle: SYN/ACK handshake with ARP resolution
// on the wire, a payload spanning several segments with one segment
// deliberately dropped and recovered by retransmission, a reply in the
// other direction, and a clean close — our FIN acknowledged by gVisor,
// gVisor's FIN delivered to us — all observed from outside both sender
// and receiver. The frames exchanged are mirrored to a pcap stream that
// is parsed back afterwards.
func TestLossRecoveryAndCleanCloseAgainstGvisor(t *testing.T) {
	h, capture := newTestHarness(t)

	const guestPort = 9000
	ln, err := gonet.ListenTCP(h.GvisorStack(), tcpip.FullAddress{
		NIC:  gvisorNICID,
		Port: guestPort,
	}, ipv4.ProtocolNumber)
	if err != nil {
		t.Fatalf("gvisor listen: %v", err)
	}
	defer ln.Close()

	// 4 KiB spans three segments at the default 1452-byte payload cap.
	payload := bytes.Repeat([]byte("0123456789abcdef"), 256)
	reply := []byte("hello back from gvisor")

	type serverResult struct {
		received []byte
		sawEOF   bool
		err      error
	}
	results := make(chan serverResult, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			results <- serverResult{err: err}
			return
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(10 * time.Second))

		got := make([]byte, len(payload))
		if _, err := io.ReadFull(conn, got); err != nil {
			results <- serverResult{err: err}
			return
		}
		if _, err := conn.Write(reply); err != nil {
			results <- serverResult{err: err}
			return
		}
		// The host half-closes after reading the reply; the next read
		// observes its FIN as EOF.
		var one [1]byte
		_, rerr := conn.Read(one[:])
		results <- serverResult{received: got, sawEOF: rerr == io.EOF}
	}()

	conn, err := h.DialOut(55555, guestPort, 5*time.Second)
	if err != nil {
		t.Fatalf("DialOut: %v", err)
	}

	// Lose the first data-bearing frame on the wire; the payload must
	// still arrive complete, which only retransmission can achieve.
	h.DropOutboundFrames(1)
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var received bytes.Buffer
	buf := make([]byte, 4096)
	deadline := time.Now().Add(5 * time.Second)
	for received.Len() < len(reply) && time.Now().Before(deadline) {
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if n == 0 {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		received.Write(buf[:n])
	}
	if !bytes.Equal(received.Bytes(), reply) {
		t.Fatalf("host received %q, want %q", received.Bytes(), reply)
	}

	conn.CloseWrite()

	select {
	case res := <-results:
		if res.err != nil {
			t.Fatalf("gvisor server: %v", res.err)
		}
		if !bytes.Equal(res.received, payload) {
			t.Fatalf("gvisor received %d bytes that do not match the %d-byte payload", len(res.received), len(payload))
		}
		if !res.sawEOF {
			t.Fatalf("expected gvisor to observe EOF after the host's FIN")
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("timeout waiting for gvisor server")
	}

	if got := h.DroppedFrames(); got != 1 {
		t.Fatalf("expected exactly one dropped frame, got %d", got)
	}

	// Both directions of the close must complete: our FIN acknowledged
	// by gVisor, gVisor's FIN (sent by the server's Close) delivered and
	// the inbound stream finished.
	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !(conn.WriteClosed() && conn.Finished()) {
		time.Sleep(10 * time.Millisecond)
	}
	if !conn.WriteClosed() {
		t.Fatalf("expected the host FIN to be acknowledged")
	}
	if !conn.Finished() {
		t.Fatalf("expected the peer FIN to finish the inbound stream")
	}

	if err := h.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	assertCaptureReadsBack(t, capture)
}

// assertCaptureReadsBack parses the pcap stream the harness captured:
// global header first, then one record per frame, with both ARP and
// IPv4 traffic present.
func assertCaptureReadsBack(t *testing.T, capture *bytes.Buffer) {
	t.Helper()
	raw := capture.Bytes()
	if len(raw) < 24 {
		t.Fatalf("capture too short for a pcap header: %d bytes", len(raw))
	}
	if magic := binary.LittleEndian.Uint32(raw[0:4]); magic != 0xa1b2c3d4 {
		t.Fatalf("bad pcap magic %#x", magic)
	}
	if lt := binary.LittleEndian.Uint32(raw[20:24]); lt != 1 {
		t.Fatalf("expected ethernet link type, got %d", lt)
	}

	var arpFrames, ipv4Frames int
	off := 24
	for off < len(raw) {
		if len(raw)-off < 16 {
			t.Fatalf("truncated pcap record header at offset %d", off)
		}
		capLen := int(binary.LittleEndian.Uint32(raw[off+8 : off+12]))
		off += 16
		if len(raw)-off < capLen {
			t.Fatalf("truncated pcap record at offset %d", off)
		}
		frame, err := linklayer.ParseEthernetFrame(raw[off : off+capLen])
		if err != nil {
			t.Fatalf("captured record is not an ethernet frame: %v", err)
		}
		off += capLen
		switch frame.EtherType {
		case linklayer.EtherTypeARP:
			arpFrames++
		case linklayer.EtherTypeIPv4:
			ipv4Frames++
		}
	}
	if arpFrames == 0 || ipv4Frames == 0 {
		t.Fatalf("expected both ARP and IPv4 frames in the capture, got %d arp and %d ipv4", arpFrames, ipv4Frames)
	}
}

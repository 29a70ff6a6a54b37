// Package tcp implements the TCP receiver and sender state machines: ack
// generation and reassembly feeding on the receive side, and segment
// construction, outstanding-segment tracking, and tick-driven
// retransmission on the send side. Neither half touches a socket or a
// clock directly; both are driven by explicit calls from an external
// caller, per the single-threaded, cooperative model used throughout
// this module.
package tcp

import "github.com/minnow-net/minnow/internal/seqnum"

// SenderMessage is a segment produced by a TCPSender for transmission.
type SenderMessage struct {
	SeqNo   seqnum.Wrap32
	SYN     bool
	Payload []byte
	FIN     bool
	RST     bool
}

// SequenceLength returns the number of sequence numbers this segment
// occupies (SYN and FIN each consume one).
func (m SenderMessage) SequenceLength() int {
	n := len(m.Payload)
	if m.SYN {
		n++
	}
	if m.FIN {
		n++
	}
	return n
}

// ReceiverMessage is a segment produced by a TCPReceiver acknowledging
// received data and advertising a window.
type ReceiverMessage struct {
	AckNo      *seqnum.Wrap32
	WindowSize uint16
	RST        bool
}

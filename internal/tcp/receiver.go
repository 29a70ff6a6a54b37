package tcp

import (
	"github.com/minnow-net/minnow/internal/reassembler"
	"github.com/minnow-net/minnow/internal/seqnum"
	"github.com/minnow-net/minnow/internal/stream"
)

// Receiver turns incoming segments into reassembler inserts and reports
// the receive window back to a peer sender.
type Receiver struct {
	reassembler *reassembler.Reassembler
	out         *stream.ByteStream

	isn         seqnum.Wrap32
	synReceived bool
}

// NewReceiver returns a Receiver that writes reassembled bytes into out.
func NewReceiver(out *stream.ByteStream) *Receiver {
	return &Receiver{
		reassembler: reassembler.New(out),
		out:         out,
	}
}

// Receive processes one incoming segment.
func (r *Receiver) Receive(msg SenderMessage) {
	if msg.RST {
		r.out.SetError()
		return
	}

	if !r.synReceived {
		if !msg.SYN {
			return
		}
		r.isn = msg.SeqNo
		r.synReceived = true
	}

	firstIndex := msg.SeqNo.Unwrap(r.isn, r.out.BytesPushed()) - 1
	if msg.SYN {
		firstIndex++
	}
	r.reassembler.Insert(firstIndex, msg.Payload, msg.FIN)
}

// Send produces the receiver's current ack/window report.
func (r *Receiver) Send() ReceiverMessage {
	windowSize := r.out.AvailableCapacity()
	if windowSize > 65535 {
		windowSize = 65535
	}

	msg := ReceiverMessage{
		WindowSize: uint16(windowSize),
		RST:        r.out.HasError(),
	}

	if r.synReceived {
		ackOffset := r.out.BytesPushed() + 1
		if r.out.IsClosed() {
			ackOffset++
		}
		ack := r.isn.Add(uint32(ackOffset))
		msg.AckNo = &ack
	}

	return msg
}

package tcp

import (
	"github.com/minnow-net/minnow/internal/seqnum"
	"github.com/minnow-net/minnow/internal/stream"
)

// TransmitFunc is called by a Sender for every segment it wants put on
// the wire, including retransmissions.
type TransmitFunc func(SenderMessage)

// Sender builds outgoing TCP segments from a ByteStream and tracks which
// of them remain unacknowledged, retransmitting the oldest on a
// tick-driven, doubling retransmission timer. It never reads a clock
// itself: elapsed time is reported by the caller via Tick.
type Sender struct {
	in             *stream.ByteStream
	isn            seqnum.Wrap32
	maxPayloadSize int

	initialRTOMillis uint64
	rtoMillis        uint64
	msSinceLastTick  uint64

	nextSeqno uint64
	lastAckno uint64
	window    uint16
	finSent   bool

	outstanding                outstandingQueue
	consecutiveRetransmissions int
}

// NewSender returns a Sender that reads from in, starting at sequence
// number isn, with the given initial RTO and maximum payload size per
// segment.
func NewSender(in *stream.ByteStream, isn seqnum.Wrap32, initialRTOMillis uint64, maxPayloadSize int) *Sender {
	return &Sender{
		in:               in,
		isn:              isn,
		maxPayloadSize:   maxPayloadSize,
		initialRTOMillis: initialRTOMillis,
		rtoMillis:        initialRTOMillis,
	}
}

// SequenceNumbersInFlight reports how many sequence numbers are currently
// unacknowledged.
func (s *Sender) SequenceNumbersInFlight() int {
	return s.outstanding.bytesInFlight()
}

// ConsecutiveRetransmissions reports how many times the oldest
// outstanding segment has been retransmitted without any intervening
// progress.
func (s *Sender) ConsecutiveRetransmissions() int {
	return s.consecutiveRetransmissions
}

func (s *Sender) effectiveWindow() uint64 {
	if s.window == 0 {
		return 1
	}
	return uint64(s.window)
}

// Push transmits as many new segments as the receiver's window allows,
// reading payload bytes from the underlying stream and attaching SYN/FIN
// flags at the right moments.
func (s *Sender) Push(transmit TransmitFunc) {
	for {
		windowEnd := s.lastAckno + s.effectiveWindow()
		if windowEnd <= s.nextSeqno {
			return
		}
		capacity := windowEnd - s.nextSeqno

		syn := s.nextSeqno == 0
		synLen := uint64(0)
		if syn {
			synLen = 1
		}
		var payloadCap uint64
		if capacity > synLen {
			payloadCap = capacity - synLen
			if uint64(s.maxPayloadSize) < payloadCap {
				payloadCap = uint64(s.maxPayloadSize)
			}
		}

		payload := s.readPayload(int(payloadCap))

		// FIN needs strictly more window room than the payload alone; a
		// SYN sharing the segment does not count against it, so an
		// already-finished stream closes with a single SYN+FIN segment.
		fin := !s.finSent && s.in.Finished() && uint64(len(payload)) < capacity

		seqLen := synLen + uint64(len(payload))
		if fin {
			seqLen++
		}
		if seqLen == 0 {
			return
		}

		msg := SenderMessage{
			SeqNo:   s.isn.Add(uint32(s.nextSeqno)),
			SYN:     syn,
			Payload: payload,
			FIN:     fin,
			RST:     s.in.HasError(),
		}

		if s.outstanding.empty() {
			s.msSinceLastTick = 0
			s.rtoMillis = s.initialRTOMillis
		}

		transmit(msg)
		s.outstanding.append(outstandingSegment{
			seqStart: s.nextSeqno,
			seqEnd:   s.nextSeqno + seqLen,
			msg:      msg,
		})
		s.nextSeqno += seqLen
		if fin {
			s.finSent = true
			return
		}
	}
}

func (s *Sender) readPayload(n int) []byte {
	if n <= 0 {
		return nil
	}
	peek := s.in.Peek()
	if len(peek) > n {
		peek = peek[:n]
	}
	out := append([]byte(nil), peek...)
	s.in.Pop(len(out))
	return out
}

// MakeEmptyMessage returns a zero-length segment at the current sequence
// position, used to propagate an RST without consuming new data.
func (s *Sender) MakeEmptyMessage() SenderMessage {
	return SenderMessage{
		SeqNo: s.isn.Add(uint32(s.nextSeqno)),
		RST:   s.in.HasError(),
	}
}

// Receive processes an incoming receiver message: window update, ack
// processing, and RST propagation.
func (s *Sender) Receive(msg ReceiverMessage) {
	s.window = msg.WindowSize

	if msg.RST {
		s.in.SetError()
		return
	}
	if msg.AckNo == nil {
		return
	}

	absAckno := msg.AckNo.Unwrap(s.isn, s.nextSeqno)
	if absAckno > s.nextSeqno {
		return
	}
	if absAckno > s.lastAckno {
		s.lastAckno = absAckno
	}

	if removed := s.outstanding.ackThrough(absAckno); removed > 0 {
		s.msSinceLastTick = 0
		s.rtoMillis = s.initialRTOMillis
		s.consecutiveRetransmissions = 0
	}
}

// Tick advances the sender's internal clock by msSinceLastTick
// milliseconds, retransmitting the oldest outstanding segment and
// doubling the RTO if it has expired. The RTO is not doubled while the
// receiver's last advertised window was genuinely zero.
func (s *Sender) Tick(msSinceLastTick uint64, transmit TransmitFunc) {
	s.msSinceLastTick += msSinceLastTick
	if s.outstanding.empty() {
		return
	}
	if s.msSinceLastTick < s.rtoMillis {
		return
	}

	oldest, ok := s.outstanding.oldest()
	if !ok {
		return
	}
	transmit(oldest.msg)
	s.msSinceLastTick = 0
	s.consecutiveRetransmissions++
	if s.window > 0 {
		s.rtoMillis *= 2
	}
}

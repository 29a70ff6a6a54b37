// Package stream implements a bounded, in-memory byte FIFO shared between
// a single writer and a single reader, with independent close and error
// signaling.
package stream

import "fmt"

// ByteStream is a bounded FIFO buffer. A producer Pushes bytes and
// eventually Closes the stream; a consumer Peeks and Pops bytes until the
// stream reports Finished. SetError aborts the stream from either side.
type ByteStream struct {
	capacity int
	buf      []byte

	bytesPushed uint64
	bytesPopped uint64

	closed  bool
	errored bool
}

// New returns a ByteStream with the given capacity in bytes.
func New(capacity int) *ByteStream {
	return &ByteStream{capacity: capacity}
}

// Push appends data to the stream, truncating to the remaining available
// capacity. It does nothing if the stream is closed, errored, or data is
// empty.
func (s *ByteStream) Push(data []byte) {
	if s.closed || s.errored || len(data) == 0 {
		return
	}
	if avail := s.AvailableCapacity(); len(data) > avail {
		data = data[:avail]
	}
	if len(data) == 0 {
		return
	}
	s.buf = append(s.buf, data...)
	s.bytesPushed += uint64(len(data))
}

// Close marks the stream as having no more bytes to push.
func (s *ByteStream) Close() {
	s.closed = true
}

// IsClosed reports whether Close has been called.
func (s *ByteStream) IsClosed() bool {
	return s.closed
}

// SetError marks the stream as errored, aborting it from either side.
func (s *ByteStream) SetError() {
	s.errored = true
}

// HasError reports whether SetError has been called.
func (s *ByteStream) HasError() bool {
	return s.errored
}

// AvailableCapacity returns how many more bytes can currently be pushed.
func (s *ByteStream) AvailableCapacity() int {
	return s.capacity - len(s.buf)
}

// BytesPushed returns the total number of bytes ever pushed.
func (s *ByteStream) BytesPushed() uint64 {
	return s.bytesPushed
}

// BytesPopped returns the total number of bytes ever popped.
func (s *ByteStream) BytesPopped() uint64 {
	return s.bytesPopped
}

// BytesBuffered returns the number of bytes currently buffered and unread.
func (s *ByteStream) BytesBuffered() int {
	return len(s.buf)
}

// Peek returns the contiguous view of buffered bytes without consuming
// them. The returned slice aliases internal storage and must not be
// retained past the next mutating call.
func (s *ByteStream) Peek() []byte {
	if len(s.buf) == 0 {
		return nil
	}
	return s.buf
}

// Pop removes n bytes from the front of the buffer. It does nothing
// if n is non-positive or exceeds the number of buffered bytes.
func (s *ByteStream) Pop(n int) {
	if n <= 0 || n > len(s.buf) {
		return
	}
	s.buf = s.buf[n:]
	s.bytesPopped += uint64(n)
}

// Finished reports whether the stream is closed and fully drained.
func (s *ByteStream) Finished() bool {
	return s.closed && len(s.buf) == 0
}

func (s *ByteStream) String() string {
	return fmt.Sprintf("ByteStream{buffered=%d, pushed=%d, popped=%d, closed=%v, errored=%v}",
		len(s.buf), s.bytesPushed, s.bytesPopped, s.closed, s.errored)
}

// Package reassembler reconstructs a contiguous byte stream from
// possibly out-of-order, possibly overlapping substrings, pushing
// contiguous runs into an internal/stream.ByteStream as soon as they
// become available at the front of the window.
package reassembler

import "github.com/minnow-net/minnow/internal/stream"

// pendingRun is a contiguous span of not-yet-written bytes, keyed by its
// starting absolute index. The pending list is kept sorted by start and
// with no two runs overlapping or touching.
type pendingRun struct {
	start uint64
	data  []byte
}

func (r pendingRun) end() uint64 {
	return r.start + uint64(len(r.data))
}

// Reassembler buffers out-of-order byte runs and writes contiguous
// prefixes into the wrapped ByteStream as they become available.
type Reassembler struct {
	out *stream.ByteStream

	pending []pendingRun

	streamSize   uint64
	lastReceived bool
	haveSize     bool
}

// New returns a Reassembler that writes into out.
func New(out *stream.ByteStream) *Reassembler {
	return &Reassembler{out: out}
}

// Insert supplies a substring of the overall stream, starting at
// firstIndex, with isLastSubstring indicating the byte stream ends
// immediately after this substring's last byte.
func (r *Reassembler) Insert(firstIndex uint64, data []byte, isLastSubstring bool) {
	if isLastSubstring && !r.haveSize {
		r.streamSize = firstIndex + uint64(len(data))
		r.lastReceived = true
		r.haveSize = true
	}

	nextIndex := r.out.BytesPushed()
	firstUnacceptable := nextIndex + uint64(r.out.AvailableCapacity())

	if len(data) == 0 || firstIndex >= firstUnacceptable || firstIndex+uint64(len(data)) <= nextIndex {
		r.flush()
		return
	}

	if firstIndex < nextIndex {
		trim := nextIndex - firstIndex
		data = data[trim:]
		firstIndex = nextIndex
	}
	if end := firstIndex + uint64(len(data)); end > firstUnacceptable {
		data = data[:firstUnacceptable-firstIndex]
	}
	if len(data) == 0 {
		r.flush()
		return
	}

	r.merge(firstIndex, data)
	r.flush()
}

// merge inserts (start, data) into the sorted pending list, coalescing
// with any overlapping or adjacent existing runs. Newly inserted bytes
// win over bytes already buffered in an overlapping run; existing runs
// only contribute the parts of their range that fall outside the new
// data's extent.
func (r *Reassembler) merge(start uint64, data []byte) {
	newStart := start
	newEnd := start + uint64(len(data))
	newData := append([]byte(nil), data...)

	i := 0
	for i < len(r.pending) && r.pending[i].end() < newStart {
		i++
	}
	j := i
	for j < len(r.pending) && r.pending[j].start <= newEnd {
		j++
	}

	if i < j {
		first := r.pending[i]
		last := r.pending[j-1]
		if first.start < newStart {
			prefix := first.data[:newStart-first.start]
			newData = append(append([]byte(nil), prefix...), newData...)
			newStart = first.start
		}
		if last.end() > newEnd {
			suffix := last.data[uint64(len(last.data))-(last.end()-newEnd):]
			newData = append(newData, suffix...)
			newEnd = last.end()
		}
	}

	merged := pendingRun{start: newStart, data: newData}
	r.pending = append(r.pending[:i:i], append([]pendingRun{merged}, r.pending[j:]...)...)
}

// flush pushes any pending runs that are now contiguous with the stream
// front, and closes the output stream once the final byte has arrived.
func (r *Reassembler) flush() {
	for len(r.pending) > 0 && r.pending[0].start == r.out.BytesPushed() {
		run := r.pending[0]
		r.out.Push(run.data)
		r.pending = r.pending[1:]
	}
	if r.lastReceived && r.out.BytesPushed() == r.streamSize {
		r.out.Close()
	}
}

// CountBytesPending reports the total number of bytes currently buffered
// out of order, not yet written to the underlying stream.
func (r *Reassembler) CountBytesPending() int {
	total := 0
	for _, p := range r.pending {
		total += len(p.data)
	}
	return total
}

package reassembler

import (
	"testing"

	"github.com/minnow-net/minnow/internal/stream"
)

func newTestPair(capacity int) (*Reassembler, *stream.ByteStream) {
	out := stream.New(capacity)
	return New(out), out
}

func TestInsertInOrder(t *testing.T) {
	r, out := newTestPair(65536)
	r.Insert(0, []byte("abc"), false)
	if got := string(out.Peek()); got != "abc" {
		t.Fatalf("expected %q, got %q", "abc", got)
	}
	if out.Finished() {
		t.Fatalf("did not expect finished stream")
	}
}

func TestInsertOutOfOrderThenFills(t *testing.T) {
	r, out := newTestPair(65536)
	r.Insert(3, []byte("def"), false)
	if got := out.BytesBuffered(); got != 0 {
		t.Fatalf("expected nothing written yet, got %d bytes", got)
	}
	if got := r.CountBytesPending(); got != 3 {
		t.Fatalf("expected 3 pending bytes, got %d", got)
	}
	r.Insert(0, []byte("abc"), false)
	if got := string(out.Peek()); got != "abcdef" {
		t.Fatalf("expected %q, got %q", "abcdef", got)
	}
	if got := r.CountBytesPending(); got != 0 {
		t.Fatalf("expected 0 pending bytes after flush, got %d", got)
	}
}

func TestInsertLastSubstringClosesStream(t *testing.T) {
	r, out := newTestPair(65536)
	r.Insert(0, []byte("abc"), true)
	if !out.IsClosed() {
		t.Fatalf("expected stream closed after last substring written")
	}
}

func TestInsertOverlappingRuns(t *testing.T) {
	r, out := newTestPair(65536)
	r.Insert(0, []byte("ab"), false)
	r.Insert(1, []byte("bc"), false)
	if got := string(out.Peek()); got != "abc" {
		t.Fatalf("expected %q, got %q", "abc", got)
	}
}

func TestInsertCoalescesAdjacentPendingRuns(t *testing.T) {
	r, out := newTestPair(65536)
	r.Insert(3, []byte("d"), false)
	r.Insert(4, []byte("e"), false)
	if got := r.CountBytesPending(); got != 2 {
		t.Fatalf("expected 2 pending bytes after coalescing, got %d", got)
	}
	r.Insert(0, []byte("abc"), false)
	if got := string(out.Peek()); got != "abcde" {
		t.Fatalf("expected %q, got %q", "abcde", got)
	}
}

func TestInsertTrimsToAvailableCapacity(t *testing.T) {
	r, out := newTestPair(2)
	r.Insert(0, []byte("abcdef"), false)
	if got := string(out.Peek()); got != "ab" {
		t.Fatalf("expected truncated %q, got %q", "ab", got)
	}
}

func TestInsertDropsBeyondWindow(t *testing.T) {
	r, out := newTestPair(2)
	r.Insert(5, []byte("z"), false)
	if got := r.CountBytesPending(); got != 0 {
		t.Fatalf("expected out-of-window insert to be dropped, got %d pending", got)
	}
	_ = out
}

func TestInsertDuplicateIsIdempotent(t *testing.T) {
	r, out := newTestPair(65536)
	r.Insert(0, []byte("abc"), false)
	r.Insert(0, []byte("abc"), false)
	if got := string(out.Peek()); got != "abc" {
		t.Fatalf("expected %q, got %q", "abc", got)
	}
}

func TestInsertOverlappingChainAssemblesAndCloses(t *testing.T) {
	r, out := newTestPair(65536)
	r.Insert(0, []byte("abcd"), false)
	r.Insert(2, []byte("cdef"), false)
	r.Insert(4, []byte("efgh"), true)
	if got := string(out.Peek()); got != "abcdefgh" {
		t.Fatalf("expected %q, got %q", "abcdefgh", got)
	}
	if !out.IsClosed() {
		t.Fatalf("expected stream closed after last substring")
	}
}

func TestInsertWindowTracksReaderProgress(t *testing.T) {
	r, out := newTestPair(4)
	r.Insert(0, []byte("abcd"), false)
	r.Insert(4, []byte("e"), false)
	if got := r.CountBytesPending(); got != 0 {
		t.Fatalf("expected insert past a full stream to be dropped, got %d pending", got)
	}
	out.Pop(2)
	r.Insert(4, []byte("ef"), false)
	if got := string(out.Peek()); got != "cdef" {
		t.Fatalf("expected %q after reader progress reopened the window, got %q", "cdef", got)
	}
}

func TestInsertPrefixAlreadyWrittenIsTrimmed(t *testing.T) {
	r, out := newTestPair(65536)
	r.Insert(0, []byte("ab"), false)
	out.Pop(2)
	r.Insert(0, []byte("abc"), false)
	if got := string(out.Peek()); got != "c" {
		t.Fatalf("expected %q, got %q", "c", got)
	}
}

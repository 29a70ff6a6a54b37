// Package seqnum implements 32-bit wrapping TCP sequence-number arithmetic:
// converting between absolute 64-bit stream indices and the wrapped
// 32-bit values carried on the wire.
package seqnum

// Wrap32 is a 32-bit sequence number as transmitted on the wire. Its
// arithmetic wraps modulo 2^32.
type Wrap32 struct {
	raw uint32
}

// Wrap32FromRaw constructs a Wrap32 from its raw wire value.
func Wrap32FromRaw(raw uint32) Wrap32 {
	return Wrap32{raw: raw}
}

// Wrap converts an absolute 64-bit sequence number n into a Wrap32
// relative to the stream's zero point.
func Wrap(n uint64, zeroPoint Wrap32) Wrap32 {
	return Wrap32{raw: uint32(n) + zeroPoint.raw}
}

// Raw returns the wrapped 32-bit wire value.
func (w Wrap32) Raw() uint32 {
	return w.raw
}

// Unwrap returns the absolute sequence number closest to checkpoint that
// wraps to this value relative to zeroPoint. When two candidates are
// equidistant, the smaller one is returned.
func (w Wrap32) Unwrap(zeroPoint Wrap32, checkpoint uint64) uint64 {
	offset := uint64(w.raw - zeroPoint.raw)

	var base uint64
	if checkpoint > offset {
		base = (checkpoint - offset) + (uint64(1) << 31) - 1
	}

	const mask = ^uint64(0xFFFFFFFF)
	return (base & mask) + offset
}

// Add returns a Wrap32 offset by n (may wrap).
func (w Wrap32) Add(n uint32) Wrap32 {
	return Wrap32{raw: w.raw + n}
}

func (w Wrap32) Equal(o Wrap32) bool {
	return w.raw == o.raw
}

// Less reports whether a precedes b in wrap-aware sequence-space order,
// treating the gap between their raw values as a signed 32-bit
// difference so comparisons stay correct across a wraparound.
func Less(a, b Wrap32) bool {
	return int32(a.raw-b.raw) < 0
}

// LessOrEqual reports whether a precedes or equals b in sequence order.
func LessOrEqual(a, b Wrap32) bool {
	return a.Equal(b) || Less(a, b)
}

// Greater reports whether a follows b in sequence order.
func Greater(a, b Wrap32) bool {
	return Less(b, a)
}

// GreaterOrEqual reports whether a follows or equals b in sequence order.
func GreaterOrEqual(a, b Wrap32) bool {
	return a.Equal(b) || Greater(a, b)
}

//go:build linux

package main

import "encoding/binary"

// follower tracks how much of the capture ring has been consumed. The engine
// reports progress as a byte offset plus a count of elapsed periods; the count
// is what exposes an overrun, since an offset alone cannot tell one lap from
// two.
type follower struct {
	ring    []byte
	period  uint64
	slots   uint64 // completions per lap, the short tail included
	read    uint64 // ring offset consumed up to
	periods uint64 // elapsed-period count at the last catch-up
}

func newFollower(ring []byte, period uint64) *follower {
	n := uint64(len(ring))
	return &follower{ring: ring, period: period, slots: (n + period - 1) / period}
}

// catchUp returns the bytes captured between the last call and off, in at most
// two slices of the ring, plus the number of periods lost to an overrun. After
// an overrun the follower resynchronises at off and returns nothing.
// The slices alias the ring: copy them out before the hardware comes round.
func (f *follower) catchUp(off, periods uint64) (a, b []byte, lost uint64) {
	elapsed := periods - f.periods
	f.periods = periods
	if elapsed >= f.slots {
		lost = elapsed - f.slots + 1
		f.read = off
		return nil, nil, lost
	}
	from := f.read
	f.read = off
	switch {
	case off > from:
		return f.ring[from:off], nil, 0
	case off < from:
		return f.ring[from:], f.ring[:off], 0
	case elapsed > 0:
		// A whole lap since the last call.
		return f.ring[from:], f.ring[:off], 0
	}
	return nil, nil, 0
}

// decode converts receiver words to float samples. Each 32-bit little-endian
// word carries one subframe with 24-bit audio in bits 4 to 27. It returns the
// number of samples written.
func decode(dst []float32, src []byte) int {
	n := len(src) / 4
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		w := binary.LittleEndian.Uint32(src[i*4:])
		v := int32(w<<4) >> 8
		dst[i] = float32(v) / (1 << 23)
	}
	return n
}

//go:build linux

package main

import "sync/atomic"

// sampleRing is a single-producer single-consumer ring of decoded samples:
// the capture loop puts, the audio callback gets. Indices run freely and wrap
// through a power-of-two mask. When full, put drops the newest samples; when
// empty, get plays silence.
type sampleRing struct {
	buf  []float32
	mask uint32
	head atomic.Uint32 // written up to; stored after the data
	tail atomic.Uint32 // read up to; stored after the copy out

	primed    atomic.Bool
	dropped   atomic.Uint64
	underruns atomic.Uint64
}

// newSampleRing returns a ring holding at least n samples.
func newSampleRing(n int) *sampleRing {
	size := 1
	for size < n {
		size <<= 1
	}
	return &sampleRing{buf: make([]float32, size), mask: uint32(size - 1)}
}

// Size returns the capacity in samples.
func (r *sampleRing) Size() int { return len(r.buf) }

// Used returns how many samples are waiting.
func (r *sampleRing) Used() int { return int(r.head.Load() - r.tail.Load()) }

func (r *sampleRing) put(s []float32) {
	h := r.head.Load()
	n := min(len(s), r.Size()-r.Used())
	for i := 0; i < n; i++ {
		r.buf[(h+uint32(i))&r.mask] = s[i]
	}
	r.head.Store(h + uint32(n))
	if n < len(s) {
		r.dropped.Add(uint64(len(s) - n))
	}
	r.primed.Store(true)
}

func (r *sampleRing) get(dst []float32) {
	t := r.tail.Load()
	n := min(len(dst), int(r.head.Load()-t))
	for i := 0; i < n; i++ {
		dst[i] = r.buf[(t+uint32(i))&r.mask]
	}
	r.tail.Store(t + uint32(n))
	if n < len(dst) {
		clear(dst[n:])
		if r.primed.Load() {
			r.underruns.Add(1)
		}
	}
}

func (r *sampleRing) counters() (dropped, underruns uint64) {
	return r.dropped.Load(), r.underruns.Load()
}

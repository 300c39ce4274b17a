// dmax/window.go

package dmax

// Window is the bookkeeping for one circular DMA buffer. Addresses are bus
// addresses; End is one past the last byte. Pos is the address of the chunk in
// flight and Chunk its length. Pos and Chunk change only under the owning
// device lock.
type Window struct {
	Start  uint64
	End    uint64
	Pos    uint64
	Period uint32
	Chunk  uint32
}

func newWindow(start, length uint64, period uint32) Window {
	return Window{Start: start, End: start + length, Pos: start, Period: period}
}

// Len returns the buffer length in bytes.
func (w *Window) Len() uint64 { return w.End - w.Start }

// advance wraps Pos back to Start once it reaches End.
func (w *Window) advance() {
	if w.Pos >= w.End {
		w.Pos = w.Start
	}
}

// nextChunk returns min(Period, End-Pos). The last chunk before a wrap is
// short when the buffer is not a whole number of periods.
func (w *Window) nextChunk() uint32 {
	if rem := w.End - w.Pos; rem < uint64(w.Period) {
		return uint32(rem)
	}
	return w.Period
}

// rewind positions the window at Start with its first chunk computed.
func (w *Window) rewind() {
	w.Pos = w.Start
	w.advance()
	w.Chunk = w.nextChunk()
}

// step commits the chunk just completed and computes the next one.
func (w *Window) step() {
	w.Pos += uint64(w.Chunk)
	w.advance()
	w.Chunk = w.nextChunk()
}

// dmax/dmaxtest/dmaxtest.go

// Package dmaxtest provides simulated hardware for dmax: an in-memory
// register block, a DMA channel that completes on demand and a software
// interrupt line.
package dmaxtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jangala-dev/socdma/dmax"
)

// Write is one logged register write.
type Write struct {
	Off  uint32
	Val  uint64
	Wide bool // 64-bit write
}

// String formats w as [off]=val.
func (w Write) String() string {
	if w.Wide {
		return fmt.Sprintf("[%#x]=%#x (64)", w.Off, w.Val)
	}
	return fmt.Sprintf("[%#x]=%#x", w.Off, w.Val)
}

// Regs is an in-memory register block implementing dmax.Registers. Every
// write is logged; hooks can model side effects such as write-1-to-clear or
// read-to-clear bits.
type Regs struct {
	mu      sync.Mutex
	words   map[uint32]uint32
	log     []Write
	onWrite map[uint32]func(v uint64)
	onRead  map[uint32]func(v uint32) uint32
}

// NewRegs returns an all-zero register block.
func NewRegs() *Regs {
	return &Regs{
		words:   map[uint32]uint32{},
		onWrite: map[uint32]func(uint64){},
		onRead:  map[uint32]func(uint32) uint32{},
	}
}

// Read32 returns the stored word, passed through the read hook for off.
func (r *Regs) Read32(off uint32) uint32 {
	r.mu.Lock()
	v := r.words[off]
	hook := r.onRead[off]
	r.mu.Unlock()
	if hook != nil {
		return hook(v)
	}
	return v
}

// Write32 stores and logs v, then runs the write hook for off.
func (r *Regs) Write32(off uint32, v uint32) {
	r.mu.Lock()
	r.words[off] = v
	r.log = append(r.log, Write{Off: off, Val: uint64(v)})
	hook := r.onWrite[off]
	r.mu.Unlock()
	if hook != nil {
		hook(uint64(v))
	}
}

// Write64 stores v as two words and logs one wide write.
func (r *Regs) Write64(off uint32, v uint64) {
	r.mu.Lock()
	r.words[off] = uint32(v)
	r.words[off+4] = uint32(v >> 32)
	r.log = append(r.log, Write{Off: off, Val: v, Wide: true})
	hook := r.onWrite[off]
	r.mu.Unlock()
	if hook != nil {
		hook(v)
	}
}

// Set stores v without logging or hooks, as the hardware side would.
func (r *Regs) Set(off uint32, v uint32) {
	r.mu.Lock()
	r.words[off] = v
	r.mu.Unlock()
}

// Peek returns the stored value without hooks.
func (r *Regs) Peek(off uint32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.words[off]
}

// OnWrite installs fn to run after every write to off. fn may call Set.
func (r *Regs) OnWrite(off uint32, fn func(v uint64)) {
	r.mu.Lock()
	r.onWrite[off] = fn
	r.mu.Unlock()
}

// OnRead makes reads of off return fn(stored value). fn may call Set.
func (r *Regs) OnRead(off uint32, fn func(v uint32) uint32) {
	r.mu.Lock()
	r.onRead[off] = fn
	r.mu.Unlock()
}

// Writes returns a copy of the write log.
func (r *Regs) Writes() []Write {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Write(nil), r.log...)
}

// ClearLog empties the write log.
func (r *Regs) ClearLog() {
	r.mu.Lock()
	r.log = nil
	r.mu.Unlock()
}

// Channel is a simulated dmax.Channel. A transfer stays in flight until
// Complete; completion raises a pending flag that Ack consumes.
type Channel struct {
	mu         sync.Mutex
	inFlight   bool
	cur        dmax.Transfer
	pending    bool
	arms       []dmax.Transfer
	disarms    int
	left       uint32
	hasCounter bool
	armErr     error
}

// NewChannel returns an idle channel. With counter set it reports a live
// remaining-bytes count (see SetRemaining).
func NewChannel(counter bool) *Channel {
	return &Channel{hasCounter: counter}
}

// Arm puts t in flight, or returns the error set by FailArm.
func (c *Channel) Arm(t dmax.Transfer) error {
	if t.Len == 0 {
		return fmt.Errorf("%w: zero-length transfer", dmax.ErrInvalidConfig)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.armErr != nil {
		return c.armErr
	}
	c.inFlight = true
	c.cur = t
	c.left = t.Len
	c.arms = append(c.arms, t)
	return nil
}

// Disarm drops the transfer in flight.
func (c *Channel) Disarm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight = false
	c.disarms++
}

// Ack consumes the completion flag.
func (c *Channel) Ack() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.pending
	c.pending = false
	return was
}

// Remaining reports the live counter when the channel was made with one.
func (c *Channel) Remaining() (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.left, c.hasCounter
}

// SetRemaining sets the live counter of the transfer in flight.
func (c *Channel) SetRemaining(n uint32) {
	c.mu.Lock()
	c.left = n
	c.mu.Unlock()
}

// FailArm makes every later Arm return err, as a wedged channel would. A nil
// err restores normal arming.
func (c *Channel) FailArm(err error) {
	c.mu.Lock()
	c.armErr = err
	c.mu.Unlock()
}

// Complete finishes the transfer in flight and raises the completion flag.
// It reports false, changing nothing, when no transfer is in flight.
func (c *Channel) Complete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inFlight {
		return false
	}
	c.inFlight = false
	c.left = 0
	c.pending = true
	return true
}

// Raise sets the completion flag whether or not anything was in flight, as a
// late or stray interrupt would.
func (c *Channel) Raise() {
	c.mu.Lock()
	c.pending = true
	c.mu.Unlock()
}

// InFlight returns the transfer in flight, if any.
func (c *Channel) InFlight() (dmax.Transfer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur, c.inFlight
}

// Arms returns every transfer armed so far.
func (c *Channel) Arms() []dmax.Transfer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]dmax.Transfer(nil), c.arms...)
}

// Disarms returns how many times the channel was disarmed.
func (c *Channel) Disarms() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disarms
}

// IRQ is a software interrupt line implementing dmax.IRQ. Triggers coalesce
// while the line is pending, like a level-sensitive line.
type IRQ struct {
	fire chan struct{}
}

// NewIRQ returns a quiet line.
func NewIRQ() *IRQ {
	return &IRQ{fire: make(chan struct{}, 1)}
}

// Trigger raises the line.
func (q *IRQ) Trigger() {
	select {
	case q.fire <- struct{}{}:
	default:
	}
}

// Enable is a no-op; the line is always unmasked.
func (q *IRQ) Enable() error { return nil }

// Wait blocks until Trigger or ctx is done.
func (q *IRQ) Wait(ctx context.Context) error {
	select {
	case <-q.fire:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drive completes the transfer in flight on ch every interval and raises irq,
// until ctx is done. It plays the part of a DMA engine clocked by a codec or
// a pixel clock.
func Drive(ctx context.Context, ch *Channel, irq *IRQ, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if ch.Complete() {
				irq.Trigger()
			}
		}
	}
}

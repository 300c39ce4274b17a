// dmax/stream.go

package dmax

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Config describes one streaming session over an already allocated buffer.
type Config struct {
	// Start is the bus address of the ring buffer.
	Start uint64
	// Length is the ring size in bytes. It must hold at least one period.
	Length uint64
	// Period is the number of bytes per completion interrupt.
	Period uint32
	// Sink is the device-side address (FIFO or port); unused by S2MM capture.
	Sink uint64
	// FrameBytes is the size of one audio frame; positions are reported in
	// whole frames. Zero means 1.
	FrameBytes int
	// Observer, if set, is told about every elapsed period. It must outlive
	// the session: Close the stream before tearing the observer down.
	Observer PeriodObserver
}

func (c *Config) validate() error {
	if c.Period == 0 {
		return fmt.Errorf("%w: zero period", ErrInvalidConfig)
	}
	if c.Length < uint64(c.Period) {
		return fmt.Errorf("%w: buffer of %d bytes shorter than period of %d", ErrInvalidConfig, c.Length, c.Period)
	}
	if c.Start+c.Length < c.Start {
		return fmt.Errorf("%w: buffer %#x+%d wraps the address space", ErrInvalidConfig, c.Start, c.Length)
	}
	if c.FrameBytes < 0 {
		return fmt.Errorf("%w: negative frame size", ErrInvalidConfig)
	}
	if c.FrameBytes == 0 {
		c.FrameBytes = 1
	}
	return nil
}

// Device is one hardware channel: a register layout plus the lock shared by
// the completion handler and every session operation. It borrows the channel;
// it does not own registers, memory or the interrupt line.
type Device struct {
	debug

	ch Channel

	// serial is held for the whole of HandleInterrupt so the handler never
	// overlaps itself, and so Close can wait out one in flight.
	serial sync.Mutex

	mu     sync.Mutex // guards the session pointer and its window/state
	stream *Stream
}

// NewDevice returns a device driving ch.
func NewDevice(ch Channel) *Device {
	return &Device{ch: ch}
}

// Stream is an open session on a Device.
type Stream struct {
	dev *Device
	cfg Config

	// guarded by dev.mu
	win    Window
	state  State
	closed bool
	fault  error

	notify chan struct{} // coalesced period-elapsed hint
	done   chan struct{} // closed by Close
}

// Open starts a session. It fails with ErrInvalidConfig on bad sizing or when
// a previous session on d has not been closed.
func (d *Device) Open(cfg Config) (*Stream, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream != nil {
		return nil, fmt.Errorf("%w: device already has an open stream", ErrInvalidConfig)
	}
	s := &Stream{
		dev:    d,
		cfg:    cfg,
		win:    newWindow(cfg.Start, cfg.Length, cfg.Period),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	d.stream = s
	return s, nil
}

// Serve pumps irq into d.HandleInterrupt until ctx is done.
func (d *Device) Serve(ctx context.Context, irq IRQ) error {
	return Serve(ctx, irq, d)
}

// HandleInterrupt is the completion handler. It acknowledges the hardware,
// commits the finished chunk, re-arms the next one and then wakes the
// consumer. Completions that arrive after Stop are acknowledged and dropped.
func (d *Device) HandleInterrupt() {
	d.serial.Lock()
	defer d.serial.Unlock()
	d.dbgIRQ()

	if !d.ch.Ack() {
		d.dbgSpurious()
		return
	}

	d.mu.Lock()
	s := d.stream
	if s == nil || s.state != Running {
		d.mu.Unlock()
		d.dbgSkipped()
		return
	}
	s.win.step()
	if err := d.arm(s); err != nil {
		s.state = Idle
		s.fault = err
		d.ch.Disarm()
	}
	d.mu.Unlock()
	d.dbgRearm()

	d.dbgNotify(s.signal())
	if s.cfg.Observer != nil {
		s.cfg.Observer.PeriodElapsed()
	}
}

// arm programs the chunk at the window position. Caller holds d.mu.
func (d *Device) arm(s *Stream) error {
	return d.ch.Arm(Transfer{Buf: s.win.Pos, Sink: s.cfg.Sink, Len: s.win.Chunk})
}

// Start rewinds to the beginning of the buffer and arms the first chunk.
// Starting a running stream fails with ErrInvalidConfig and leaves it alone.
func (s *Stream) Start() error {
	d := s.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := s.startable(); err != nil {
		return err
	}
	s.win.rewind()
	return s.runLocked()
}

// Resume re-arms at the current position, continuing after a Stop.
func (s *Stream) Resume() error {
	d := s.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := s.startable(); err != nil {
		return err
	}
	s.win.advance()
	s.win.Chunk = s.win.nextChunk()
	return s.runLocked()
}

func (s *Stream) startable() error {
	if s.closed {
		return ErrClosed
	}
	if s.state == Running {
		return fmt.Errorf("%w: stream already running", ErrInvalidConfig)
	}
	return nil
}

func (s *Stream) runLocked() error {
	// Drop a wake-up left over from before the stop.
	select {
	case <-s.notify:
	default:
	}
	s.fault = nil
	if err := s.dev.arm(s); err != nil {
		return err
	}
	s.state = Running
	return nil
}

// Stop disarms the channel. It may be called in any state, repeatedly, and
// from an observer callback. A completion already being handled may still
// deliver one notification after Stop returns, but it will not re-arm.
func (s *Stream) Stop() error {
	d := s.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if s.closed {
		return nil
	}
	s.state = Idle
	d.ch.Disarm()
	return nil
}

// Close stops the stream, waits for an in-flight handler to finish and
// releases the device for the next Open. Blocked waiters get ErrClosed.
// It must not be called from a PeriodObserver.
func (s *Stream) Close() error {
	d := s.dev
	d.mu.Lock()
	if s.closed {
		d.mu.Unlock()
		return nil
	}
	s.state = Idle
	s.closed = true
	d.ch.Disarm()
	if d.stream == s {
		d.stream = nil
	}
	close(s.done)
	d.mu.Unlock()

	// After this no handler holds a reference to s or its observer.
	d.serial.Lock()
	d.serial.Unlock()
	return nil
}

// State reports whether the stream is running.
func (s *Stream) State() State {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	return s.state
}

// Window returns a snapshot of the buffer bookkeeping.
func (s *Stream) Window() Window {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	return s.win
}

// CurrentOffset returns how far into the buffer the hardware has got, in
// bytes, rounded down to a whole frame. It is always in [0, Length).
func (s *Stream) CurrentOffset() uint64 {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	return s.framesLocked() * uint64(s.cfg.FrameBytes)
}

// Pointer returns CurrentOffset in frames.
func (s *Stream) Pointer() uint64 {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	return s.framesLocked()
}

func (s *Stream) framesLocked() uint64 {
	w := &s.win
	off := w.Pos - w.Start
	if s.state == Running {
		// A counter above the chunk size is a stale read from the previous
		// transfer; treat it as no progress.
		if left, ok := s.dev.ch.Remaining(); ok && left <= w.Chunk {
			off += uint64(w.Chunk - left)
		}
	}
	fb := uint64(s.cfg.FrameBytes)
	frames := off / fb
	if frames >= w.Len()/fb {
		return 0
	}
	return frames
}

// Elapsed returns a coalesced period-elapsed notification. One receive may
// stand for several periods; re-check the position after waking.
func (s *Stream) Elapsed() <-chan struct{} { return s.notify }

// WaitPeriod blocks until a period elapses, ctx is done or the stream is
// closed. A deadline is not a fault: it means no new data yet.
func (s *Stream) WaitPeriod(ctx context.Context) error {
	if err := s.Err(); err != nil {
		return err
	}
	s.dev.dbgWait()
	select {
	case <-s.notify:
		return s.Err()
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		s.dev.dbgTimeout()
		return ctx.Err()
	}
}

// WaitPeriodTimeout is WaitPeriod with a relative deadline.
func (s *Stream) WaitPeriodTimeout(d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return s.WaitPeriod(ctx)
}

// Err returns the error that stopped the stream from the handler, if any.
func (s *Stream) Err() error {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	return s.fault
}

func (s *Stream) signal() bool {
	select {
	case s.notify <- struct{}{}:
		return true
	default:
		return false
	}
}

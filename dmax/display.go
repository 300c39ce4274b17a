// dmax/display.go

package dmax

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FrameConfig describes a scan-out session.
type FrameConfig struct {
	// Addr is the bus address of the first frame to scan out.
	Addr uint64
	// FrameBytes is the size of one whole frame.
	FrameBytes uint32
	// Sink is the controller FIFO address.
	Sink uint64
	// Observer, if set, is told about every completed frame.
	Observer PeriodObserver
}

// Display is a frame-at-a-time DMA channel (the LCD case). Every completion
// re-arms the next frame from the latched scan-out address and bumps a
// generation counter that vsync and swap waiters block on.
type Display struct {
	debug

	ch     Channel
	serial sync.Mutex

	mu      sync.Mutex
	scanout *Scanout
}

// NewDisplay returns a display driving ch.
func NewDisplay(ch Channel) *Display {
	return &Display{ch: ch}
}

// Scanout is an open session on a Display.
type Scanout struct {
	dev *Display
	cfg FrameConfig

	// guarded by dev.mu
	next   uint64        // address the next arm will use
	live   uint64        // address of the frame in flight
	gen    uint64        // completed frames
	genCh  chan struct{} // closed and replaced on every completion
	state  State
	closed bool
	fault  error

	done chan struct{}
}

// Open starts a scan-out session. It fails with ErrInvalidConfig on a zero
// frame size or when the previous session has not been closed.
func (d *Display) Open(cfg FrameConfig) (*Scanout, error) {
	if cfg.FrameBytes == 0 {
		return nil, fmt.Errorf("%w: zero frame size", ErrInvalidConfig)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.scanout != nil {
		return nil, fmt.Errorf("%w: display already has an open scan-out", ErrInvalidConfig)
	}
	s := &Scanout{
		dev:   d,
		cfg:   cfg,
		next:  cfg.Addr,
		genCh: make(chan struct{}),
		done:  make(chan struct{}),
	}
	d.scanout = s
	return s, nil
}

// Serve pumps irq into d.HandleInterrupt until ctx is done.
func (d *Display) Serve(ctx context.Context, irq IRQ) error {
	return Serve(ctx, irq, d)
}

// HandleInterrupt is the end-of-frame handler: acknowledge, pick up a latched
// address, re-arm, bump the generation and release waiters.
func (d *Display) HandleInterrupt() {
	d.serial.Lock()
	defer d.serial.Unlock()
	d.dbgIRQ()

	if !d.ch.Ack() {
		d.dbgSpurious()
		return
	}

	d.mu.Lock()
	s := d.scanout
	if s == nil || s.state != Running {
		d.mu.Unlock()
		d.dbgSkipped()
		return
	}
	if err := d.arm(s); err != nil {
		s.state = Idle
		s.fault = err
		d.ch.Disarm()
	}
	s.gen++
	reached := s.genCh
	s.genCh = make(chan struct{})
	d.mu.Unlock()
	d.dbgRearm()

	close(reached)
	if s.cfg.Observer != nil {
		s.cfg.Observer.PeriodElapsed()
	}
}

// arm programs one whole frame from the latched address. Caller holds d.mu.
func (d *Display) arm(s *Scanout) error {
	s.live = s.next
	return d.ch.Arm(Transfer{Buf: s.next, Sink: s.cfg.Sink, Len: s.cfg.FrameBytes})
}

// Start arms the first frame. Starting a running scan-out fails with
// ErrInvalidConfig.
func (s *Scanout) Start() error {
	d := s.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.state == Running {
		return fmt.Errorf("%w: scan-out already running", ErrInvalidConfig)
	}
	s.fault = nil
	if err := d.arm(s); err != nil {
		return err
	}
	s.state = Running
	return nil
}

// Stop disarms the channel. Safe in any state and repeatable.
func (s *Scanout) Stop() error {
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

// Close stops scan-out, waits for an in-flight handler and releases the
// display. Waiters return false.
func (s *Scanout) Close() error {
	d := s.dev
	d.mu.Lock()
	if s.closed {
		d.mu.Unlock()
		return nil
	}
	s.state = Idle
	s.closed = true
	d.ch.Disarm()
	if d.scanout == s {
		d.scanout = nil
	}
	close(s.done)
	d.mu.Unlock()

	d.serial.Lock()
	d.serial.Unlock()
	return nil
}

// Generation returns the number of frames completed so far.
func (s *Scanout) Generation() uint64 {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	return s.gen
}

// Address returns the frame address in flight and the one latched for the
// next frame.
func (s *Scanout) Address() (live, next uint64) {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	return s.live, s.next
}

// RequestAddress latches addr as the next scan-out address. The frame in
// flight is never interrupted; the new address is armed at the next
// completion. It returns the generation to wait for before the old buffer is
// free: the current one if addr is already being scanned out or nothing is
// running. A request repeated before the frame ends still waits for it.
func (s *Scanout) RequestAddress(addr uint64) uint64 {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	s.next = addr
	if addr == s.live || s.state != Running {
		return s.gen
	}
	return s.gen + 1
}

// WaitForGeneration blocks until target frames have completed or timeout
// passes, reporting which happened.
func (s *Scanout) WaitForGeneration(target uint64, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.WaitForGenerationContext(ctx, target) == nil
}

// WaitForGenerationContext is WaitForGeneration bounded by ctx. It returns
// ctx.Err() on deadline, ErrClosed once the scan-out is closed and the re-arm
// error once the handler has stopped the engine.
func (s *Scanout) WaitForGenerationContext(ctx context.Context, target uint64) error {
	d := s.dev
	for {
		d.mu.Lock()
		if s.gen >= target {
			d.mu.Unlock()
			return nil
		}
		if s.closed {
			d.mu.Unlock()
			return ErrClosed
		}
		if s.fault != nil {
			err := s.fault
			d.mu.Unlock()
			return err
		}
		next := s.genCh
		d.mu.Unlock()

		d.dbgWait()
		select {
		case <-next:
		case <-s.done:
			return ErrClosed
		case <-ctx.Done():
			d.dbgTimeout()
			return ctx.Err()
		}
	}
}

// Err returns the error that stopped scan-out from the handler, if any. Start
// clears it.
func (s *Scanout) Err() error {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	return s.fault
}

// WaitVSync waits for the next frame boundary.
func (s *Scanout) WaitVSync(timeout time.Duration) bool {
	return s.WaitForGeneration(s.Generation()+1, timeout)
}

// Pan switches scan-out to addr and waits until the switch has taken effect,
// so the previous buffer may be drawn into again.
func (s *Scanout) Pan(addr uint64, timeout time.Duration) bool {
	return s.WaitForGeneration(s.RequestAddress(addr), timeout)
}

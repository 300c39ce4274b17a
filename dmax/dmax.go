// dmax/dmax.go

// Package dmax drives memory-mapped DMA engines that stream through a circular
// buffer one period at a time. Each completion interrupt advances the buffer
// position, re-arms the next chunk and wakes the consumer, so streaming runs
// continuously without process-context help. A frame variant (Display) does the
// same for scan-out engines and adds a generation counter for vsync waits.
//
// The package never allocates DMA memory or parses device trees: callers hand
// it resolved bus addresses, sizes and a register block.
package dmax

import (
	"context"
	"errors"
)

var (
	// ErrInvalidConfig reports bad period/buffer sizing, a zero-length
	// transfer, or an attempt to reopen/restart a session that was not stopped.
	ErrInvalidConfig = errors.New("dmax: invalid configuration")
	// ErrNotResponding reports a register poll that ran out of attempts.
	ErrNotResponding = errors.New("dmax: hardware not responding")
	// ErrClosed is returned by waits on a session that has been closed.
	ErrClosed = errors.New("dmax: closed")
)

// Registers is a mapped register block. Offsets are in bytes from the block base.
type Registers interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
	Write64(off uint32, v uint64)
}

// PeriodObserver is notified once per completed period (or frame).
// It runs on the interrupt path: it must not block and must not call Close.
type PeriodObserver interface {
	PeriodElapsed()
}

// ObserverFunc adapts a function to PeriodObserver.
type ObserverFunc func()

// PeriodElapsed calls f.
func (f ObserverFunc) PeriodElapsed() { f() }

// State is the run state of a transfer engine.
type State uint8

const (
	// Idle means no transfer is armed; completions are acknowledged and dropped.
	Idle State = iota
	// Running means a chunk is in flight and every completion re-arms the next.
	Running
)

// String returns "idle" or "running".
func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

// IRQ is an interrupt line as seen from user space.
type IRQ interface {
	// Enable unmasks the line. It is called before every wait.
	Enable() error
	// Wait blocks until the line fires or ctx is done.
	Wait(ctx context.Context) error
}

// Handler is anything with a completion handler: Device, Display, tccap.Counter.
type Handler interface {
	HandleInterrupt()
}

// Serve pumps irq into h until ctx is done or the line fails. A single Serve
// per line keeps the handler from being re-entered.
func Serve(ctx context.Context, irq IRQ, h Handler) error {
	for {
		if err := irq.Enable(); err != nil {
			return err
		}
		if err := irq.Wait(ctx); err != nil {
			return err
		}
		h.HandleInterrupt()
	}
}

// tccap/tccap.go

// Package tccap measures the frequency and duty cycle of a square wave with
// one channel of a Microchip timer/counter block in capture mode. RA latches
// on the rising edge, RB on the falling edge and each falling edge of TIOA
// retriggers the counter, so one (RA, RB) pair describes one period.
package tccap

import (
	"context"
	"fmt"
	"sync"

	"github.com/jangala-dev/socdma/dmax"
)

// Per-channel registers; channel n sits at n*chanStride.
const (
	chanStride = 0x40

	regCCR = 0x00
	regCMR = 0x04
	regRA  = 0x14
	regRB  = 0x18
	regSR  = 0x20 // read to clear
	regIER = 0x24
	regIDR = 0x28

	ccrClkEn  = 1 << 0
	ccrClkDis = 1 << 1
	ccrSwTrg  = 1 << 2

	srLDRBS = 1 << 6 // RB loaded

	idrAll = 0x4FF
)

// Capture mode: MCK/8, RA on rising, RB on falling, TIOA falling edge as
// external trigger.
const (
	cmrTimerClock2 = 1 << 0
	cmrEtrgFalling = 2 << 8
	cmrABETRG      = 1 << 10
	cmrLdraRising  = 1 << 16
	cmrLdrbFalling = 2 << 18

	CaptureMode = cmrTimerClock2 | cmrLdraRising | cmrLdrbFalling | cmrABETRG | cmrEtrgFalling

	prescale = 8
)

// DefaultSamples is five periods, of which the first is discarded.
const DefaultSamples = 5

const minSamples = 2

// Sample is one captured period: RA at the rising edge, RB at the falling
// edge that ended it, both in prescaled clock ticks.
type Sample struct {
	RA, RB uint32
}

// Measurement is the result of a capture.
type Measurement struct {
	Frequency uint64 // Hz
	Duty      uint32 // per mille
}

// String formats m as "1000 Hz, duty 75.0%".
func (m Measurement) String() string {
	return fmt.Sprintf("%d Hz, duty %d.%d%%", m.Frequency, m.Duty/10, m.Duty%10)
}

// Measure turns samples into a Measurement. The first sample starts on an
// arbitrary edge and is discarded; the rest are averaged.
func Measure(samples []Sample, clockHz uint64) (Measurement, error) {
	if len(samples) < minSamples {
		return Measurement{}, fmt.Errorf("%w: need %d samples, have %d", dmax.ErrInvalidConfig, minSamples, len(samples))
	}
	var ra, rb uint64
	for _, s := range samples[1:] {
		ra += uint64(s.RA)
		rb += uint64(s.RB)
	}
	n := uint64(len(samples) - 1)
	ra /= n
	rb /= n
	if rb == 0 {
		return Measurement{}, fmt.Errorf("%w: no signal on the capture input", dmax.ErrNotResponding)
	}
	if ra > rb {
		ra = rb
	}
	return Measurement{
		Frequency: clockHz / prescale / rb,
		Duty:      uint32((rb - ra) * 1000 / rb),
	}, nil
}

type capture struct {
	want    int
	samples []Sample
	res     Measurement
	err     error
	done    chan struct{}
}

// Counter is one timer/counter channel.
type Counter struct {
	regs    dmax.Registers
	base    uint32
	clockHz uint64

	mu   sync.Mutex
	cur  *capture // interrupt-mode capture in progress
	last Measurement
	poll bool // a Poll owns the channel
}

// New returns a counter on channel of the block at regs, clocked at clockHz
// (the peripheral clock before the /8 prescaler).
func New(regs dmax.Registers, channel int, clockHz uint64) *Counter {
	return &Counter{regs: regs, base: uint32(channel) * chanStride, clockHz: clockHz}
}

func (c *Counter) write(off, v uint32) { c.regs.Write32(c.base+off, v) }
func (c *Counter) read(off uint32) uint32 { return c.regs.Read32(c.base + off) }

// Configure stops the channel, masks its interrupts and selects capture mode.
func (c *Counter) Configure() {
	c.write(regCCR, ccrClkDis)
	c.write(regIDR, idrAll)
	c.read(regSR)
	c.write(regCMR, CaptureMode)
}

func (c *Counter) start() {
	c.read(regSR)
	c.write(regCCR, ccrClkEn|ccrSwTrg)
}

func (c *Counter) stop() { c.write(regCCR, ccrClkDis) }

func (c *Counter) disableIRQ() {
	c.write(regIDR, idrAll)
	c.read(regSR)
}

func (c *Counter) enableIRQ() {
	c.disableIRQ()
	c.write(regIER, srLDRBS)
}

// Busy reports whether an interrupt-mode capture is in progress.
func (c *Counter) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur != nil
}

// Last returns the most recent successful measurement.
func (c *Counter) Last() Measurement {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Capture measures over n periods in interrupt mode; HandleInterrupt (or
// Serve) must be running. If ctx ends first the capture keeps going and a
// later Capture call with the same n collects its result instead of starting
// a new one. A different n fails with ErrInvalidConfig until it finishes.
func (c *Counter) Capture(ctx context.Context, n int) (Measurement, error) {
	if n < minSamples {
		return Measurement{}, fmt.Errorf("%w: need at least %d samples", dmax.ErrInvalidConfig, minSamples)
	}
	c.mu.Lock()
	if c.poll {
		c.mu.Unlock()
		return Measurement{}, fmt.Errorf("%w: channel busy polling", dmax.ErrInvalidConfig)
	}
	cp := c.cur
	if cp != nil && cp.want != n {
		c.mu.Unlock()
		return Measurement{}, fmt.Errorf("%w: capture of %d samples already in progress", dmax.ErrInvalidConfig, cp.want)
	}
	if cp == nil {
		cp = &capture{want: n, samples: make([]Sample, 0, n), done: make(chan struct{})}
		c.cur = cp
		c.stop()
		c.enableIRQ()
		c.start()
	}
	c.mu.Unlock()

	select {
	case <-cp.done:
		return cp.res, cp.err
	case <-ctx.Done():
		return Measurement{}, ctx.Err()
	}
}

// Abort stops an interrupt-mode capture in progress. Its waiters get
// dmax.ErrClosed.
func (c *Counter) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return
	}
	c.stop()
	c.disableIRQ()
	c.cur.err = dmax.ErrClosed
	close(c.cur.done)
	c.cur = nil
}

// HandleInterrupt collects one (RA, RB) pair per RB load and finishes the
// capture once enough are in.
func (c *Counter) HandleInterrupt() {
	st := c.read(regSR)
	if st&srLDRBS == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := c.cur
	if cp == nil {
		return
	}
	cp.samples = append(cp.samples, Sample{RA: c.read(regRA), RB: c.read(regRB)})
	if len(cp.samples) < cp.want {
		return
	}
	c.stop()
	c.disableIRQ()
	cp.res, cp.err = Measure(cp.samples, c.clockHz)
	if cp.err == nil {
		c.last = cp.res
	}
	close(cp.done)
	c.cur = nil
}

// Serve pumps irq into c.HandleInterrupt until ctx is done.
func (c *Counter) Serve(ctx context.Context, irq dmax.IRQ) error {
	return dmax.Serve(ctx, irq, c)
}

// Poll measures over n periods without interrupts, polling the status
// register for each RB load. Each wait is bounded by r.
func (c *Counter) Poll(ctx context.Context, n int, r dmax.Retry) (Measurement, error) {
	if n < minSamples {
		return Measurement{}, fmt.Errorf("%w: need at least %d samples", dmax.ErrInvalidConfig, minSamples)
	}
	c.mu.Lock()
	if c.cur != nil || c.poll {
		c.mu.Unlock()
		return Measurement{}, fmt.Errorf("%w: capture already in progress", dmax.ErrInvalidConfig)
	}
	c.poll = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.poll = false
		c.mu.Unlock()
	}()

	c.disableIRQ()
	c.start()
	defer c.stop()

	samples := make([]Sample, 0, n)
	for i := 0; i < n; i++ {
		if _, err := dmax.PollMask(ctx, c.regs, c.base+regSR, srLDRBS, r); err != nil {
			return Measurement{}, fmt.Errorf("tccap: sample %d: %w", i, err)
		}
		samples = append(samples, Sample{RA: c.read(regRA), RB: c.read(regRB)})
	}
	m, err := Measure(samples, c.clockHz)
	if err != nil {
		return Measurement{}, err
	}
	c.mu.Lock()
	c.last = m
	c.mu.Unlock()
	return m, nil
}

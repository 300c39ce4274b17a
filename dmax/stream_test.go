package dmax_test

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jangala-dev/socdma/dmax"
	"github.com/jangala-dev/socdma/dmax/dmaxtest"
)

func openStream(t *testing.T, counter bool, cfg dmax.Config) (*dmax.Device, *dmax.Stream, *dmaxtest.Channel) {
	t.Helper()
	ch := dmaxtest.NewChannel(counter)
	dev := dmax.NewDevice(ch)
	s, err := dev.Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return dev, s, ch
}

// fire completes the transfer in flight and runs the handler.
func fire(t *testing.T, dev *dmax.Device, ch *dmaxtest.Channel) {
	t.Helper()
	if !ch.Complete() {
		t.Fatal("no transfer in flight")
	}
	dev.HandleInterrupt()
}

func TestStream_WrapsAfterFourPeriods(t *testing.T) {
	dev, s, ch := openStream(t, false, dmax.Config{Start: 0x1000, Length: 4096, Period: 1024})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got, ok := ch.InFlight(); !ok || got.Buf != 0x1000 || got.Len != 1024 {
		t.Fatalf("first arm %+v (in flight %v), want 0x1000/1024", got, ok)
	}

	fire(t, dev, ch)
	if w := s.Window(); w.Pos != 0x1400 {
		t.Fatalf("after one completion pos=%#x want 0x1400", w.Pos)
	}
	if got, _ := ch.InFlight(); got.Buf != 0x1400 || got.Len != 1024 {
		t.Fatalf("second arm %+v, want 0x1400/1024", got)
	}

	for i := 0; i < 3; i++ {
		fire(t, dev, ch)
	}
	if w := s.Window(); w.Pos != 0x1000 {
		t.Fatalf("after four completions pos=%#x want 0x1000", w.Pos)
	}
	if got, _ := ch.InFlight(); got.Buf != 0x1000 {
		t.Fatalf("fifth arm at %#x, want 0x1000", got.Buf)
	}
}

func TestStream_ShortTailArmedExactly(t *testing.T) {
	dev, s, ch := openStream(t, false, dmax.Config{Start: 0x2000, Length: 3000, Period: 1024})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 3; i++ {
		fire(t, dev, ch)
	}
	want := []dmax.Transfer{
		{Buf: 0x2000, Len: 1024},
		{Buf: 0x2400, Len: 1024},
		{Buf: 0x2800, Len: 952},
		{Buf: 0x2000, Len: 1024},
	}
	got := ch.Arms()
	if len(got) != len(want) {
		t.Fatalf("armed %d transfers, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("arm %d: got %+v want %+v", i, got[i], want[i])
		}
	}
}

func TestStream_StopIgnoresStrayInterrupts(t *testing.T) {
	dev, s, ch := openStream(t, false, dmax.Config{Start: 0x1000, Length: 4096, Period: 1024})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	fire(t, dev, ch)
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	arms := len(ch.Arms())
	pos := s.Window().Pos

	for i := 0; i < 5; i++ {
		ch.Raise()
		dev.HandleInterrupt()
	}
	if n := len(ch.Arms()); n != arms {
		t.Fatalf("stray interrupts re-armed: %d arms, want %d", n, arms)
	}
	if got := s.Window().Pos; got != pos {
		t.Fatalf("stray interrupts moved pos %#x -> %#x", pos, got)
	}
	if _, ok := ch.InFlight(); ok {
		t.Fatal("channel still armed after Stop")
	}
	if s.State() != dmax.Idle {
		t.Fatalf("state %v want idle", s.State())
	}
}

func TestStream_StartWhileRunningRejected(t *testing.T) {
	dev, s, ch := openStream(t, false, dmax.Config{Start: 0x1000, Length: 4096, Period: 1024})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	fire(t, dev, ch)
	before := s.Window()
	arms := len(ch.Arms())

	if err := s.Start(); !errors.Is(err, dmax.ErrInvalidConfig) {
		t.Fatalf("Start while running: got %v want ErrInvalidConfig", err)
	}
	if after := s.Window(); after != before {
		t.Fatalf("rejected Start changed window %+v -> %+v", before, after)
	}
	if n := len(ch.Arms()); n != arms {
		t.Fatalf("rejected Start armed hardware")
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start after Stop: %v", err)
	}
	if w := s.Window(); w.Pos != 0x1000 {
		t.Fatalf("Start did not rewind: pos=%#x", w.Pos)
	}
}

func TestStream_ResumeContinuesFromPosition(t *testing.T) {
	dev, s, ch := openStream(t, false, dmax.Config{Start: 0x1000, Length: 4096, Period: 1024})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	fire(t, dev, ch)
	fire(t, dev, ch)
	s.Stop()
	if err := s.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got, _ := ch.InFlight(); got.Buf != 0x1800 || got.Len != 1024 {
		t.Fatalf("Resume armed %+v, want 0x1800/1024", got)
	}
}

func TestDevice_OpenValidation(t *testing.T) {
	dev := dmax.NewDevice(dmaxtest.NewChannel(false))
	for _, cfg := range []dmax.Config{
		{Start: 0x1000, Length: 4096, Period: 0},
		{Start: 0x1000, Length: 512, Period: 1024},
		{Start: 0x1000, Length: 4096, Period: 1024, FrameBytes: -1},
		{Start: 0xFFFF_FFFF_FFFF_F000, Length: 0x2000, Period: 1024},
	} {
		if _, err := dev.Open(cfg); !errors.Is(err, dmax.ErrInvalidConfig) {
			t.Fatalf("Open(%+v): got %v want ErrInvalidConfig", cfg, err)
		}
	}

	good := dmax.Config{Start: 0x1000, Length: 4096, Period: 1024}
	s, err := dev.Open(good)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := dev.Open(good); !errors.Is(err, dmax.ErrInvalidConfig) {
		t.Fatalf("second Open without Close: got %v want ErrInvalidConfig", err)
	}
	s.Close()
	if err := s.Start(); !errors.Is(err, dmax.ErrClosed) {
		t.Fatalf("Start after Close: got %v want ErrClosed", err)
	}
	s2, err := dev.Open(good)
	if err != nil {
		t.Fatalf("Open after Close: %v", err)
	}
	s2.Close()
}

func TestStream_CurrentOffsetWithLiveCounter(t *testing.T) {
	dev, s, ch := openStream(t, true, dmax.Config{Start: 0x1000, Length: 4096, Period: 1024, FrameBytes: 4})
	if got := s.CurrentOffset(); got != 0 {
		t.Fatalf("offset before start %d", got)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ch.SetRemaining(1024 - 200)
	if got := s.CurrentOffset(); got != 200 {
		t.Fatalf("offset %d want 200", got)
	}
	ch.SetRemaining(1024 - 202)
	if got, frames := s.CurrentOffset(), s.Pointer(); got != 200 || frames != 50 {
		t.Fatalf("offset %d (frames %d), want 200 (50): partial frames must round down", got, frames)
	}

	for i := 0; i < 3; i++ {
		fire(t, dev, ch)
	}
	ch.SetRemaining(1024)
	if got := s.CurrentOffset(); got != 3072 {
		t.Fatalf("offset %d want 3072", got)
	}
	ch.SetRemaining(5000)
	if got := s.CurrentOffset(); got != 3072 {
		t.Fatalf("stale counter: offset %d want 3072", got)
	}
	// Last chunk fully moved but the handler has not run yet.
	ch.SetRemaining(0)
	if got := s.CurrentOffset(); got != 0 {
		t.Fatalf("offset at buffer end %d, want wrap to 0", got)
	}
}

func TestStream_CurrentOffsetWithoutCounter(t *testing.T) {
	dev, s, ch := openStream(t, false, dmax.Config{Start: 0x8000, Length: 8192, Period: 2048, FrameBytes: 8})
	s.Start()
	ch.SetRemaining(10)
	if got := s.CurrentOffset(); got != 0 {
		t.Fatalf("offset %d want 0", got)
	}
	fire(t, dev, ch)
	if got := s.CurrentOffset(); got != 2048 {
		t.Fatalf("offset %d want 2048", got)
	}
}

func TestStream_OffsetInRangeUnderInterrupts(t *testing.T) {
	const length = 3000
	dev, s, ch := openStream(t, true, dmax.Config{Start: 0x4000, Length: length, Period: 1024, FrameBytes: 4})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	var bad atomic.Uint64
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if off := s.CurrentOffset(); off >= length {
					bad.Store(off)
				}
			}
		}()
	}

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 5000; i++ {
		if w := s.Window(); rng.Intn(3) == 0 {
			ch.SetRemaining(uint32(rng.Intn(int(w.Chunk) + 1)))
			continue
		}
		if !ch.Complete() {
			t.Fatal("no transfer in flight")
		}
		dev.HandleInterrupt()
	}
	close(stop)
	wg.Wait()
	if off := bad.Load(); off != 0 {
		t.Fatalf("CurrentOffset returned %d, outside [0,%d)", off, length)
	}
}

func TestStream_ObserverAndCoalescedNotify(t *testing.T) {
	var periods atomic.Int32
	dev, s, ch := openStream(t, false, dmax.Config{
		Start: 0x1000, Length: 4096, Period: 1024,
		Observer: dmax.ObserverFunc(func() { periods.Add(1) }),
	})
	s.Start()
	for i := 0; i < 3; i++ {
		fire(t, dev, ch)
	}
	if n := periods.Load(); n != 3 {
		t.Fatalf("observer saw %d periods want 3", n)
	}
	if err := s.WaitPeriodTimeout(10 * time.Millisecond); err != nil {
		t.Fatalf("pending notify: %v", err)
	}
	if err := s.WaitPeriodTimeout(20 * time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("drained notify: got %v want deadline", err)
	}
}

func TestStream_WaitPeriodUnblocksOnCompletion(t *testing.T) {
	dev, s, ch := openStream(t, false, dmax.Config{Start: 0x1000, Length: 4096, Period: 1024})
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.WaitPeriod(ctx) }()

	time.Sleep(20 * time.Millisecond)
	fire(t, dev, ch)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitPeriod: %v", err)
		}
	case <-time.After(300 * time.Millisecond):
		t.Fatal("timeout waiting for WaitPeriod")
	}
}

func TestStream_CloseUnblocksWaiters(t *testing.T) {
	_, s, _ := openStream(t, false, dmax.Config{Start: 0x1000, Length: 4096, Period: 1024})
	s.Start()

	done := make(chan error, 1)
	go func() { done <- s.WaitPeriodTimeout(time.Second) }()
	time.Sleep(10 * time.Millisecond)
	s.Close()

	select {
	case err := <-done:
		if !errors.Is(err, dmax.ErrClosed) {
			t.Fatalf("got %v want ErrClosed", err)
		}
	case <-time.After(300 * time.Millisecond):
		t.Fatal("timeout waiting for WaitPeriod to return after Close")
	}
}

func TestStream_ObserverMayStop(t *testing.T) {
	ch := dmaxtest.NewChannel(false)
	dev := dmax.NewDevice(ch)
	var s *dmax.Stream
	s, err := dev.Open(dmax.Config{
		Start: 0x1000, Length: 4096, Period: 1024,
		Observer: dmax.ObserverFunc(func() { s.Stop() }),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	s.Start()
	fire(t, dev, ch)
	if s.State() != dmax.Idle {
		t.Fatal("Stop from observer did not stop the stream")
	}
	arms := len(ch.Arms())
	ch.Raise()
	dev.HandleInterrupt()
	if len(ch.Arms()) != arms {
		t.Fatal("re-armed after Stop from observer")
	}
}

func TestDevice_SpuriousInterrupts(t *testing.T) {
	ch := dmaxtest.NewChannel(false)
	dev := dmax.NewDevice(ch)

	// No session at all.
	ch.Raise()
	dev.HandleInterrupt()

	s, err := dev.Open(dmax.Config{Start: 0x1000, Length: 4096, Period: 1024})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	s.Start()

	// Line fired but nothing pending on this channel.
	dev.HandleInterrupt()
	if n := len(ch.Arms()); n != 1 {
		t.Fatalf("spurious interrupt re-armed: %d arms", n)
	}
	if w := s.Window(); w.Pos != 0x1000 {
		t.Fatalf("spurious interrupt moved pos to %#x", w.Pos)
	}
}

func TestDevice_I2SLayoutEndToEnd(t *testing.T) {
	r := dmaxtest.NewRegs()
	dev := dmax.NewDevice(&dmax.I2STx{Regs: r})
	s, err := dev.Open(dmax.Config{Start: 0x9000_0000, Length: 8192, Period: 4096, Sink: 0xF800_0040, FrameBytes: 4})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := r.Peek(0x18); got != 0x9000_0000 {
		t.Fatalf("SRC=%#x want 0x90000000", got)
	}

	r.Set(0x108, 1000)
	if got := s.CurrentOffset(); got != 3096 {
		t.Fatalf("offset %d want 3096", got)
	}

	r.Set(0x0, r.Peek(0x0)|1<<30)
	dev.HandleInterrupt()
	if got := r.Peek(0x18); got != 0x9000_1000 {
		t.Fatalf("SRC after completion=%#x want 0x90001000", got)
	}
	if got := r.Peek(0x10); got != 0xF800_0040 {
		t.Fatalf("DEST=%#x want FIFO 0xf8000040", got)
	}
}

func TestDevice_ServeStreamsPeriods(t *testing.T) {
	ch := dmaxtest.NewChannel(false)
	dev := dmax.NewDevice(ch)
	s, err := dev.Open(dmax.Config{Start: 0x1000, Length: 4096, Period: 1024})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	irq := dmaxtest.NewIRQ()
	served := make(chan error, 1)
	go func() { served <- dev.Serve(ctx, irq) }()
	go dmaxtest.Drive(ctx, ch, irq, time.Millisecond)

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := s.WaitPeriodTimeout(time.Second); err != nil {
			t.Fatalf("period %d: %v", i, err)
		}
	}
	if n := len(ch.Arms()); n < 6 {
		t.Fatalf("only %d arms after 5 periods", n)
	}

	cancel()
	select {
	case err := <-served:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Serve returned %v want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestStream_RearmFailureStopsAndReports(t *testing.T) {
	dev, s, ch := openStream(t, false, dmax.Config{Start: 0x1000, Length: 4096, Period: 1024})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	wedged := errors.New("channel wedged")
	ch.FailArm(wedged)
	fire(t, dev, ch)

	if s.State() != dmax.Idle {
		t.Fatalf("state %v after failed re-arm", s.State())
	}
	if err := s.WaitPeriodTimeout(time.Second); !errors.Is(err, wedged) {
		t.Fatalf("WaitPeriod: got %v want %v", err, wedged)
	}

	ch.FailArm(nil)
	if err := s.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := s.Err(); err != nil {
		t.Fatalf("Err after resume: %v", err)
	}
}

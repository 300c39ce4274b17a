// cmd/spdifmon/main.go

//go:build linux

// Command spdifmon captures the S/PDIF receiver through its ring buffer and
// plays it on the host audio device, reporting ring overruns and playback
// underruns as it goes. Build with -tags headless for boards without audio.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/jangala-dev/socdma/dmax"
)

func must[T any](v T, err error) T {
	if err != nil {
		log.Fatal(err)
	}
	return v
}

func main() {
	log.SetFlags(0)
	log.SetPrefix("spdifmon: ")

	var (
		dev      string
		regMap   int
		bufMap   int
		period   uint
		rate     int
		channels int
		duration time.Duration
	)
	fs := flag.NewFlagSet("spdifmon", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&dev, "dev", "/dev/uio0", "UIO device node")
	fs.IntVar(&regMap, "regs", 0, "UIO map index of the AXI DMA registers")
	fs.IntVar(&bufMap, "buf", 1, "UIO map index of the capture ring")
	fs.UintVar(&period, "period", 4096, "bytes per period")
	fs.IntVar(&rate, "rate", 48000, "sample rate in Hz")
	fs.IntVar(&channels, "channels", 2, "subframes per frame")
	fs.DurationVar(&duration, "t", 0, "stop after this long (0: run until interrupted)")
	fs.Usage = func() {
		fs.SetOutput(os.Stderr)
		fmt.Fprintln(os.Stderr, "Usage: spdifmon [-dev /dev/uio0] [-period 4096] [-rate 48000]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Fatal(err)
	}
	if period == 0 || period%uint(4*channels) != 0 {
		log.Fatalf("period %d is not a whole number of %d-channel frames", period, channels)
	}

	u := must(dmax.OpenUIO(dev))
	defer u.Close()
	regs := must(u.Map(regMap))
	defer regs.Close()
	ring := must(u.Map(bufMap))
	defer ring.Close()

	var periods atomic.Uint64
	d := dmax.NewDevice(&dmax.SPDIFRx{Regs: regs})
	s, err := d.Open(dmax.Config{
		Start:      ring.Addr,
		Length:     uint64(ring.Len()),
		Period:     uint32(period),
		FrameBytes: 4 * channels,
		Observer:   dmax.ObserverFunc(func() { periods.Add(1) }),
	})
	if err != nil {
		log.Fatal(err)
	}
	defer s.Close()

	q := newSampleRing(rate * channels / 2)
	pl := must(newPlayer(rate, channels, q))
	defer pl.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.Serve(ctx, u) })
	g.Go(func() error {
		return monitor(ctx, s, newFollower(ring.Bytes(), uint64(period)), &periods, q)
	})
	if err := s.Start(); err != nil {
		log.Fatal(err)
	}

	err = g.Wait()
	s.Stop()
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		log.Fatal(err)
	}
}

// monitor moves every elapsed period from the ring into the playback queue.
func monitor(ctx context.Context, s *dmax.Stream, f *follower, periods *atomic.Uint64, q *sampleRing) error {
	live := term.IsTerminal(int(os.Stdout.Fd()))
	var (
		overruns uint64
		samples  []float32
		shown    time.Time
	)
	for {
		if err := s.WaitPeriod(ctx); err != nil {
			if live {
				fmt.Println()
			}
			if errors.Is(err, dmax.ErrClosed) {
				return nil
			}
			return err
		}
		a, b, lost := f.catchUp(s.CurrentOffset(), periods.Load())
		if lost > 0 {
			overruns += lost
			if !live {
				log.Printf("overrun: %d periods lost", lost)
			}
		}
		for _, part := range [][]byte{a, b} {
			if n := len(part) / 4; cap(samples) < n {
				samples = make([]float32, n)
			}
			n := decode(samples[:cap(samples)], part)
			q.put(samples[:n])
		}

		if time.Since(shown) < 250*time.Millisecond {
			continue
		}
		shown = time.Now()
		dropped, underruns := q.counters()
		line := fmt.Sprintf("periods=%-10d overruns=%-6d dropped=%-8d underruns=%d", periods.Load(), overruns, dropped, underruns)
		if live {
			fmt.Printf("\r%s", line)
		} else {
			log.Print(line)
		}
	}
}

// cmd/dmactl/main.go

//go:build linux

// Command dmactl runs one capture or playback stream against a UIO device and
// shows where the hardware is in the ring buffer.
//
//	dmactl -dev /dev/uio0 -kind i2s -fifo 0xf8024020 -period 4096
//
// With -keys, s starts, p pauses, r resumes and q quits.
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
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mattn/go-tty"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/jangala-dev/socdma/dmax"
)

type options struct {
	dev      string
	kind     string
	regMap   int
	bufMap   int
	period   uint
	length   uint64
	fifo     string
	frame    int
	keys     bool
	duration time.Duration
}

func must[T any](v T, err error) T {
	if err != nil {
		log.Fatal(err)
	}
	return v
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("dmactl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&o.dev, "dev", "/dev/uio0", "UIO device node")
	fs.StringVar(&o.kind, "kind", "spdif", "channel layout: spdif or i2s")
	fs.IntVar(&o.regMap, "regs", 0, "UIO map index of the DMA registers")
	fs.IntVar(&o.bufMap, "buf", 1, "UIO map index of the ring buffer")
	fs.UintVar(&o.period, "period", 4096, "bytes per period")
	fs.Uint64Var(&o.length, "length", 0, "ring length in bytes (0: whole buffer map)")
	fs.StringVar(&o.fifo, "fifo", "0", "device FIFO bus address (i2s)")
	fs.IntVar(&o.frame, "frame", 8, "bytes per audio frame")
	fs.BoolVar(&o.keys, "keys", false, "interactive start/stop from the terminal")
	fs.DurationVar(&o.duration, "t", 0, "stop after this long (0: run until interrupted)")
	fs.Usage = func() {
		fs.SetOutput(os.Stderr)
		fmt.Fprintln(os.Stderr, "Usage: dmactl [-dev /dev/uio0] [-kind spdif|i2s] [-period 4096] [-fifo 0x...] [-keys]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.period == 0 || o.period > 1<<32-1 {
		return o, fmt.Errorf("period %d out of range", o.period)
	}
	return o, nil
}

func main() {
	log.SetFlags(0)
	log.SetPrefix("dmactl: ")

	o, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Fatal(err)
	}
	fifo := must(strconv.ParseUint(o.fifo, 0, 64))

	u := must(dmax.OpenUIO(o.dev))
	defer u.Close()
	regs := must(u.Map(o.regMap))
	defer regs.Close()
	bufAddr, bufSize := must2(u.MapInfo(o.bufMap))
	if o.length == 0 {
		o.length = bufSize
	}
	if o.length > bufSize {
		log.Fatalf("ring of %d bytes does not fit buffer map of %d", o.length, bufSize)
	}

	var ch dmax.Channel
	switch o.kind {
	case "spdif":
		ch = &dmax.SPDIFRx{Regs: regs}
	case "i2s":
		ch = &dmax.I2STx{Regs: regs}
	default:
		log.Fatalf("unknown channel kind %q", o.kind)
	}

	var periods atomic.Uint64
	dev := dmax.NewDevice(ch)
	s, err := dev.Open(dmax.Config{
		Start:      bufAddr,
		Length:     o.length,
		Period:     uint32(o.period),
		Sink:       fifo,
		FrameBytes: o.frame,
		Observer:   dmax.ObserverFunc(func() { periods.Add(1) }),
	})
	if err != nil {
		log.Fatal(err)
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if o.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.duration)
		defer cancel()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dev.Serve(ctx, u) })
	g.Go(func() error { return status(ctx, s, &periods, o.length) })

	if o.keys {
		go keys(ctx, s, stop)
	} else if err := s.Start(); err != nil {
		log.Fatal(err)
	}

	err = g.Wait()
	s.Stop()
	printStats(dev)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		log.Fatal(err)
	}
}

func must2[A, B any](a A, b B, err error) (A, B) {
	if err != nil {
		log.Fatal(err)
	}
	return a, b
}

// status reports progress every period, as one rewritten line on a terminal
// and as a log line per second otherwise.
func status(ctx context.Context, s *dmax.Stream, periods *atomic.Uint64, length uint64) error {
	live := term.IsTerminal(int(os.Stdout.Fd()))
	var last time.Time
	var fault error
	for {
		err := s.WaitPeriod(ctx)
		switch {
		case err == nil:
			fault = nil
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			if live {
				fmt.Println()
			}
			return err
		case errors.Is(err, dmax.ErrClosed):
			return nil
		default:
			// The handler stopped the stream; report once and wait for a restart.
			if fault == nil {
				log.Printf("stream fault: %v", err)
				fault = err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		off := s.CurrentOffset()
		line := fmt.Sprintf("%-7s periods=%-10d offset=%8d/%d", s.State(), periods.Load(), off, length)
		if live {
			fmt.Printf("\r%s", line)
			continue
		}
		if time.Since(last) >= time.Second {
			log.Print(line)
			last = time.Now()
		}
	}
}

func keys(ctx context.Context, s *dmax.Stream, quit context.CancelFunc) {
	t, err := tty.Open()
	if err != nil {
		log.Printf("no terminal for -keys: %v", err)
		quit()
		return
	}
	go func() {
		<-ctx.Done()
		t.Close()
	}()
	for {
		r, err := t.ReadRune()
		if err != nil {
			return
		}
		switch r {
		case 's':
			err = s.Start()
		case 'p':
			err = s.Stop()
		case 'r':
			err = s.Resume()
		case 'q', 3: // ^C arrives as a rune in raw mode
			quit()
			return
		}
		if err != nil {
			log.Printf("%c: %v", r, err)
		}
	}
}

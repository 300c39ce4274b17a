//go:build linux

// Command tccap measures the frequency and duty cycle on a timer/counter
// capture input.
//
//	tccap -dev /dev/uio2 -clock 200000000
//	tccap -poll -n 5
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
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jangala-dev/socdma/dmax"
	"github.com/jangala-dev/socdma/tccap"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("tccap: ")

	var (
		dev     string
		regMap  int
		channel int
		clock   uint64
		samples int
		poll    bool
		timeout time.Duration
		repeat  int
	)
	fs := flag.NewFlagSet("tccap", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&dev, "dev", "/dev/uio0", "UIO device node")
	fs.IntVar(&regMap, "regs", 0, "UIO map index of the TC block")
	fs.IntVar(&channel, "ch", 0, "counter channel")
	fs.Uint64Var(&clock, "clock", 0, "peripheral clock in Hz")
	fs.IntVar(&samples, "n", tccap.DefaultSamples, "periods per measurement (first discarded)")
	fs.BoolVar(&poll, "poll", false, "poll the status register instead of waiting for interrupts")
	fs.DurationVar(&timeout, "timeout", 5*time.Second, "give up on a measurement after this long")
	fs.IntVar(&repeat, "repeat", 1, "measurements to take (0: until interrupted)")
	fs.Usage = func() {
		fs.SetOutput(os.Stderr)
		fmt.Fprintln(os.Stderr, "Usage: tccap -clock HZ [-dev /dev/uio0] [-ch 0] [-n 5] [-poll] [-timeout 5s]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Fatal(err)
	}
	if clock == 0 {
		log.Fatal("-clock is required")
	}

	u, err := dmax.OpenUIO(dev)
	if err != nil {
		log.Fatal(err)
	}
	defer u.Close()
	regs, err := u.Map(regMap)
	if err != nil {
		log.Fatal(err)
	}
	defer regs.Close()

	c := tccap.New(regs, channel, clock)
	c.Configure()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	if !poll {
		g.Go(func() error { return c.Serve(ctx, u) })
	}
	g.Go(func() error {
		defer stop()
		for i := 0; repeat == 0 || i < repeat; i++ {
			m, err := measure(ctx, c, samples, poll, timeout)
			switch {
			case err == nil:
				fmt.Println(m)
			case errors.Is(err, context.DeadlineExceeded):
				log.Printf("no capture within %v", timeout)
			case errors.Is(err, dmax.ErrNotResponding):
				log.Print(err)
			case errors.Is(err, context.Canceled):
				return nil
			default:
				return err
			}
		}
		return nil
	})

	err = g.Wait()
	c.Abort()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}

func measure(ctx context.Context, c *tccap.Counter, n int, poll bool, timeout time.Duration) (tccap.Measurement, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if !poll {
		return c.Capture(ctx, n)
	}
	// Spread the budget over the samples: each RB load gets an equal share.
	interval := 100 * time.Microsecond
	attempts := int(timeout / time.Duration(n) / interval)
	if attempts < 1 {
		attempts = 1
	}
	return c.Poll(ctx, n, dmax.Retry{Attempts: attempts, Interval: interval})
}

//go:build linux

// Command fbswap double-buffers the LCD scan-out: it draws each frame into
// the buffer that is not being scanned, pans to it and waits for the swap to
// land before touching the old one again.
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
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/jangala-dev/socdma/dmax"
)

// panTimeout bounds one swap; a little over a frame at 15 Hz.
const panTimeout = time.Second / 15

func must[T any](v T, err error) T {
	if err != nil {
		log.Fatal(err)
	}
	return v
}

func main() {
	log.SetFlags(0)
	log.SetPrefix("fbswap: ")

	var (
		dev      string
		regMap   int
		fbMap    int
		width    int
		height   int
		sink     string
		frames   int
		interval time.Duration
	)
	fs := flag.NewFlagSet("fbswap", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&dev, "dev", "/dev/uio0", "UIO device node")
	fs.IntVar(&regMap, "regs", 0, "UIO map index of the LCD DMA registers")
	fs.IntVar(&fbMap, "fb", 1, "UIO map index of the frame buffer (two frames)")
	fs.IntVar(&width, "w", 800, "width in pixels")
	fs.IntVar(&height, "h", 480, "height in pixels")
	fs.StringVar(&sink, "sink", "0", "LCD controller FIFO bus address")
	fs.IntVar(&frames, "n", 0, "frames to draw (0: until interrupted)")
	fs.DurationVar(&interval, "interval", 0, "pause between frames")
	fs.Usage = func() {
		fs.SetOutput(os.Stderr)
		fmt.Fprintln(os.Stderr, "Usage: fbswap [-dev /dev/uio0] [-w 800] [-h 480] [-sink 0x...] [-n frames]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Fatal(err)
	}
	sinkAddr := must(strconv.ParseUint(sink, 0, 64))

	u := must(dmax.OpenUIO(dev))
	defer u.Close()
	regs := must(u.Map(regMap))
	defer regs.Close()
	fb := must(u.Map(fbMap))
	defer fb.Close()

	frameLen := width * height * 4
	if frameLen <= 0 || 2*frameLen > fb.Len() {
		log.Fatalf("two %dx%d frames need %d bytes, frame buffer map has %d", width, height, 2*frameLen, fb.Len())
	}
	bufs := [2]uint64{fb.Addr, fb.Addr + uint64(frameLen)}
	pix := fb.Bytes()

	d := dmax.NewDisplay(&dmax.LCD{Regs: regs})
	s, err := d.Open(dmax.FrameConfig{Addr: bufs[0], FrameBytes: uint32(frameLen), Sink: sinkAddr})
	if err != nil {
		log.Fatal(err)
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.Serve(ctx, u) })

	lbl := newLabel(4)
	clear(pix[:frameLen])
	if err := s.Start(); err != nil {
		log.Fatal(err)
	}

	g.Go(func() error {
		live := term.IsTerminal(int(os.Stdout.Fd()))
		back, missed := 1, 0
		for n := 0; frames == 0 || n < frames; n++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			off := back * frameLen
			lbl.render(frameImage(pix[off:off+frameLen], width, height), palette[back], n, s.Generation())
			if !s.Pan(bufs[back], panTimeout) {
				if err := s.Err(); err != nil {
					return err
				}
				missed++
				log.Printf("frame %d: no vsync within %v", n, panTimeout)
			}
			back ^= 1
			if live {
				fmt.Printf("\rframe %-8d gen %-8d missed %d", n, s.Generation(), missed)
			}
			if interval > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(interval):
				}
			}
		}
		if live {
			fmt.Println()
		}
		stop()
		return nil
	})

	err = g.Wait()
	s.Stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}

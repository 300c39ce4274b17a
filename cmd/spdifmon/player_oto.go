//go:build linux && !headless

package main

import (
	"encoding/binary"
	"math"

	"github.com/ebitengine/oto/v3"
)

// player plays queued samples on the host audio device.
type player struct {
	ctx *oto.Context
	p   *oto.Player
	q   *sampleRing
	tmp []float32
}

func newPlayer(rate, channels int, q *sampleRing) (*player, error) {
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   rate,
		ChannelCount: channels,
		Format:       oto.FormatFloat32LE,
	})
	if err != nil {
		return nil, err
	}
	<-ready
	pl := &player{ctx: ctx, q: q}
	pl.p = ctx.NewPlayer(pl)
	pl.p.Play()
	return pl, nil
}

// Read is the oto pull callback.
func (pl *player) Read(b []byte) (int, error) {
	n := len(b) / 4
	if cap(pl.tmp) < n {
		pl.tmp = make([]float32, n)
	}
	s := pl.tmp[:n]
	pl.q.get(s)
	for i, v := range s {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return n * 4, nil
}

func (pl *player) Close() error { return pl.p.Close() }

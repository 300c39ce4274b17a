//go:build linux && headless

package main

import "time"

// player drains the queue at the nominal rate without an audio device, so
// boards without sound output still report drops and underruns.
type player struct {
	q    *sampleRing
	stop chan struct{}
}

func newPlayer(rate, channels int, q *sampleRing) (*player, error) {
	pl := &player{q: q, stop: make(chan struct{})}
	go pl.run(rate * channels)
	return pl, nil
}

func (pl *player) run(perSecond int) {
	const ticksPerSecond = 50
	t := time.NewTicker(time.Second / ticksPerSecond)
	defer t.Stop()
	buf := make([]float32, perSecond/ticksPerSecond)
	for {
		select {
		case <-pl.stop:
			return
		case <-t.C:
			pl.q.get(buf)
		}
	}
}

func (pl *player) Close() error {
	close(pl.stop)
	return nil
}

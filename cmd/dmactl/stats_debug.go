//go:build linux && dmaxdebug

package main

import (
	"log"

	"github.com/jangala-dev/socdma/dmax"
)

func printStats(d *dmax.Device) {
	s := d.DebugStats()
	log.Printf("irq:    count=%d spurious=%d rearms=%d skipped=%d", s.IRQs, s.Spurious, s.Rearms, s.Skipped)
	log.Printf("notify: sent=%d dropped=%d", s.NotifySent, s.NotifyDropped)
	log.Printf("waits:  waits=%d timeouts=%d", s.Waits, s.Timeouts)
}

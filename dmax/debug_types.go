//go:build dmaxdebug

package dmax

import "sync/atomic"

// Stats holds counters since the last reset.
type Stats struct {
	// Interrupt path
	IRQs     uint32 // handler entries
	Spurious uint32 // entries with nothing pending for us
	Rearms   uint32 // chunks (or frames) re-armed from the handler
	Skipped  uint32 // completions that found the engine stopped

	// Consumer notification
	NotifySent    uint32 // coalesced notify sends that succeeded
	NotifyDropped uint32 // sends dropped because one was already pending

	// Blocking API behaviour
	Waits    uint32 // times a consumer blocked
	Timeouts uint32 // waits that ended on the deadline
}

type debug struct {
	stats Stats
}

// DebugReset zeroes the counters.
func (d *debug) DebugReset() {
	d.stats = Stats{}
}

// DebugStats returns a snapshot of the counters.
func (d *debug) DebugStats() Stats {
	return Stats{
		IRQs:     atomic.LoadUint32(&d.stats.IRQs),
		Spurious: atomic.LoadUint32(&d.stats.Spurious),
		Rearms:   atomic.LoadUint32(&d.stats.Rearms),
		Skipped:  atomic.LoadUint32(&d.stats.Skipped),

		NotifySent:    atomic.LoadUint32(&d.stats.NotifySent),
		NotifyDropped: atomic.LoadUint32(&d.stats.NotifyDropped),

		Waits:    atomic.LoadUint32(&d.stats.Waits),
		Timeouts: atomic.LoadUint32(&d.stats.Timeouts),
	}
}

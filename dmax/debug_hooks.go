//go:build dmaxdebug

package dmax

import "sync/atomic"

func (d *debug) dbgIRQ()      { atomic.AddUint32(&d.stats.IRQs, 1) }
func (d *debug) dbgSpurious() { atomic.AddUint32(&d.stats.Spurious, 1) }
func (d *debug) dbgRearm()    { atomic.AddUint32(&d.stats.Rearms, 1) }
func (d *debug) dbgSkipped()  { atomic.AddUint32(&d.stats.Skipped, 1) }

func (d *debug) dbgNotify(sent bool) {
	if sent {
		atomic.AddUint32(&d.stats.NotifySent, 1)
	} else {
		atomic.AddUint32(&d.stats.NotifyDropped, 1)
	}
}

func (d *debug) dbgWait()    { atomic.AddUint32(&d.stats.Waits, 1) }
func (d *debug) dbgTimeout() { atomic.AddUint32(&d.stats.Timeouts, 1) }

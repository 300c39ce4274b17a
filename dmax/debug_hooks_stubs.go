//go:build !dmaxdebug

package dmax

func (d *debug) dbgIRQ()        {}
func (d *debug) dbgSpurious()   {}
func (d *debug) dbgRearm()      {}
func (d *debug) dbgSkipped()    {}
func (d *debug) dbgNotify(bool) {}
func (d *debug) dbgWait()       {}
func (d *debug) dbgTimeout()    {}

//go:build !dmaxdebug

package dmax

type Stats struct{}

type debug struct{}

func (d *debug) DebugReset()       {}
func (d *debug) DebugStats() Stats { return Stats{} }

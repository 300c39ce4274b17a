// dmax/chain.go

package dmax

import (
	"fmt"
	"math"
)

// Scatter/gather descriptor layout, one descriptor per 0x40 bytes.
const (
	descStride = 0x40
	descNext   = 0x00 // bus address of the next descriptor
	descSrc    = 0x08
	descDst    = 0x10
	descLen    = 0x18
	descStatus = 0x1c
)

// Scatter/gather control block.
const (
	sgCtl      = 0x00
	sgCurDesc  = 0x08
	sgTailDesc = 0x10

	sgReset  = 1 << 2
	sgCyclic = 0x48 // SG enable | cyclic BD
	sgKick   = 0x55555555
)

// Segment is one leg of a cyclic chain.
type Segment struct {
	Src uint32
	Dst uint32
	Len uint32
}

// Chain runs a fixed ring of descriptors forever with no per-completion
// help, the way the PCIe frame bridge pushes the same frame to the HDMI
// output. Re-pointing a frame means Stop, then Start with new segments.
type Chain struct {
	// Desc is the descriptor memory, as mapped by the caller.
	Desc Registers
	// Ctl is the DMA control block.
	Ctl Registers
	// Base is the bus address of Desc as the DMA engine sees it.
	Base uint32
}

// Start writes segs as a closed ring and kicks the engine in cyclic mode.
func (c *Chain) Start(segs []Segment) error {
	if len(segs) == 0 {
		return fmt.Errorf("%w: empty descriptor chain", ErrInvalidConfig)
	}
	if uint64(c.Base)+uint64(len(segs))*descStride > math.MaxUint32 {
		return fmt.Errorf("%w: %d descriptors overflow the bus at %#x", ErrInvalidConfig, len(segs), c.Base)
	}
	for i, sg := range segs {
		if sg.Len == 0 {
			return fmt.Errorf("%w: descriptor %d has zero length", ErrInvalidConfig, i)
		}
	}
	for i, sg := range segs {
		at := uint32(i) * descStride
		next := c.Base + uint32((i+1)%len(segs))*descStride
		c.Desc.Write32(at+descNext, next)
		c.Desc.Write32(at+descSrc, sg.Src)
		c.Desc.Write32(at+descDst, sg.Dst)
		c.Desc.Write32(at+descLen, sg.Len)
		c.Desc.Write32(at+descStatus, 0)
	}
	c.Ctl.Write32(sgCtl, sgReset)
	c.Ctl.Write32(sgCtl, sgCyclic)
	c.Ctl.Write32(sgCurDesc, c.Base)
	c.Ctl.Write32(sgTailDesc, sgKick)
	return nil
}

// Stop resets the engine.
func (c *Chain) Stop() {
	c.Ctl.Write32(sgCtl, sgReset)
}

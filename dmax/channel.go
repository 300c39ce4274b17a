// dmax/channel.go

package dmax

import (
	"fmt"
	"math"
)

// Transfer is one programmed DMA window: Len bytes between the ring buffer at
// Buf and the device-side address Sink (a FIFO or scan-out port).
type Transfer struct {
	Buf  uint64
	Sink uint64
	Len  uint32
}

// Channel is the per-device register layout behind a transfer engine.
type Channel interface {
	// Arm resets the channel and starts t with its completion interrupt
	// enabled. A zero-length transfer is rejected without touching hardware.
	Arm(t Transfer) error
	// Disarm stops the channel. Redundant calls only repeat register writes.
	Disarm()
	// Ack clears a pending completion and reports whether there was one.
	Ack() bool
	// Remaining returns the live count of bytes still to move in the
	// transfer in flight, when the hardware exposes one.
	Remaining() (uint32, bool)
}

func checkTransfer(t Transfer, addrBits uint) error {
	if t.Len == 0 {
		return fmt.Errorf("%w: zero-length transfer", ErrInvalidConfig)
	}
	end := t.Buf + uint64(t.Len)
	if end < t.Buf {
		return fmt.Errorf("%w: transfer %#x+%d wraps the address space", ErrInvalidConfig, t.Buf, t.Len)
	}
	if addrBits < 64 {
		limit := uint64(1) << addrBits
		if end > limit || t.Sink >= limit {
			return fmt.Errorf("%w: transfer %#x+%d beyond %d-bit bus", ErrInvalidConfig, t.Buf, t.Len, addrBits)
		}
	}
	return nil
}

// Xilinx AXI DMA, S2MM (stream to memory) half.
const (
	s2mmCtrl = 0x30 // DMACR
	s2mmStat = 0x34 // DMASR
	s2mmDest = 0x48 // destination address
	s2mmLen  = 0x58 // transfer length; writing it starts the transfer

	s2mmRun   = 1 << 0
	s2mmReset = 1 << 2
	s2mmIOC   = 1 << 12 // interrupt on complete (enable in DMACR, W1C in DMASR)
)

// SPDIFRx is the capture DMA of the S/PDIF receiver: an AXI DMA S2MM channel
// writing the receiver stream into the ring. It has no live byte counter, so
// positions advance one period at a time.
type SPDIFRx struct {
	Regs Registers
}

// Arm resets the S2MM channel, enables the completion interrupt and starts a
// t.Len byte write to t.Buf. Writing the length register starts the transfer.
func (c *SPDIFRx) Arm(t Transfer) error {
	if err := checkTransfer(t, 32); err != nil {
		return err
	}
	c.Regs.Write32(s2mmCtrl, s2mmReset)
	c.Regs.Write32(s2mmCtrl, s2mmRun|s2mmIOC)
	c.Regs.Write32(s2mmDest, uint32(t.Buf))
	c.Regs.Write32(s2mmLen, t.Len)
	return nil
}

// Disarm clears the run bit.
func (c *SPDIFRx) Disarm() { c.Regs.Write32(s2mmCtrl, 0) }

// Ack clears IOC in the status register and reports whether it was set.
func (c *SPDIFRx) Ack() bool {
	st := c.Regs.Read32(s2mmStat)
	c.Regs.Write32(s2mmStat, s2mmIOC)
	return st&s2mmIOC != 0
}

// Remaining always reports false: S2MM has no live counter.
func (c *SPDIFRx) Remaining() (uint32, bool) { return 0, false }

// Microchip DMA channel used by the I2S transmitter.
const (
	i2sCtr  = 0x0   // channel control
	i2sCfg  = 0x4   // channel configuration
	i2sLen  = 0x8   // transfer length
	i2sDest = 0x10  // destination (the I2S FIFO)
	i2sSrc  = 0x18  // 64-bit source
	i2sLeft = 0x108 // bytes still to execute

	i2sClaim   = 1 << 0
	i2sRun     = 1<<0 | 1<<1
	i2sDoneIRQ = 1 << 14
	i2sDone    = 1 << 30 // done status, write 1 to clear

	i2sBurst16 = 0x44000008 // 16-byte bursts
)

// I2STx is the playback DMA of the I2S transmitter: memory to the I2S FIFO
// given as the transfer Sink. It exposes a live remaining-bytes counter.
type I2STx struct {
	Regs Registers
}

// Arm claims the channel, programs length, 64-bit source and FIFO
// destination, then starts it with the done interrupt enabled. The FIFO must
// be on the 32-bit bus.
func (c *I2STx) Arm(t Transfer) error {
	if err := checkTransfer(t, 64); err != nil {
		return err
	}
	if t.Sink > math.MaxUint32 {
		return fmt.Errorf("%w: I2S FIFO %#x beyond 32-bit bus", ErrInvalidConfig, t.Sink)
	}
	c.Regs.Write32(i2sCfg, 0)
	c.Regs.Write32(i2sCtr, 0)
	c.Regs.Write32(i2sCtr, i2sClaim)
	c.Regs.Write32(i2sLen, t.Len)
	c.Regs.Write64(i2sSrc, t.Buf)
	c.Regs.Write32(i2sDest, uint32(t.Sink))
	c.Regs.Write32(i2sCfg, i2sBurst16)
	c.Regs.Write32(i2sCtr, i2sRun|i2sDoneIRQ)
	return nil
}

// Disarm clears configuration and control, releasing the channel.
func (c *I2STx) Disarm() {
	c.Regs.Write32(i2sCfg, 0)
	c.Regs.Write32(i2sCtr, 0)
}

// Ack clears the done bit in the control register if it is set.
func (c *I2STx) Ack() bool {
	ctr := c.Regs.Read32(i2sCtr)
	if ctr&i2sDone == 0 {
		return false
	}
	c.Regs.Write32(i2sCtr, ctr|i2sDone)
	return true
}

// Remaining reads the bytes-still-to-execute register.
func (c *I2STx) Remaining() (uint32, bool) { return c.Regs.Read32(i2sLeft), true }

// LCD frame DMA.
const (
	lcdStart   = 0x4
	lcdIRQStat = 0x10
	lcdIRQMask = 0x14
	lcdIRQClr  = 0x18
	lcdCfg     = 0x60
	lcdLen     = 0x64
	lcdSrc     = 0x68
	lcdDest    = 0x6c

	lcdDone      = 1 << 0
	lcdIRQOn     = 0x1
	lcdClearAll  = 0xF
	lcdCfgStream = 0x0000F005
)

// LCD is the scan-out DMA of the LCD timing controller: one whole frame per
// transfer from the frame buffer to the controller FIFO given as Sink.
type LCD struct {
	Regs Registers
}

// Arm programs one frame from t.Buf to the controller FIFO and starts it
// with the frame-done interrupt unmasked.
func (c *LCD) Arm(t Transfer) error {
	if err := checkTransfer(t, 32); err != nil {
		return err
	}
	c.Regs.Write32(lcdIRQMask, lcdIRQOn)
	c.Regs.Write32(lcdIRQClr, lcdClearAll)
	c.Regs.Write32(lcdSrc, uint32(t.Buf))
	c.Regs.Write32(lcdDest, uint32(t.Sink))
	c.Regs.Write32(lcdLen, t.Len)
	c.Regs.Write32(lcdCfg, lcdCfgStream)
	c.Regs.Write32(lcdIRQMask, lcdIRQOn)
	c.Regs.Write32(lcdStart, 1)
	return nil
}

// Disarm masks and clears the frame interrupts.
func (c *LCD) Disarm() {
	c.Regs.Write32(lcdIRQMask, 0)
	c.Regs.Write32(lcdIRQClr, lcdClearAll)
}

// Ack clears the interrupts if the frame-done bit is set.
func (c *LCD) Ack() bool {
	if c.Regs.Read32(lcdIRQStat)&lcdDone == 0 {
		return false
	}
	c.Regs.Write32(lcdIRQClr, lcdClearAll)
	return true
}

// Remaining always reports false: the LCD DMA has no live counter.
func (c *LCD) Remaining() (uint32, bool) { return 0, false }

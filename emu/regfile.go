// Package emu provides the guest machine state: the x86-64 register file and
// the guest memory system (RAM with a relocated high region, paging, MMIO open
// bus and code-page version tracking).
package emu

import (
	"encoding/binary"

	"github.com/sarchlab/tierjit/abi"
	"github.com/sarchlab/tierjit/ir"
)

// CPUState represents the guest register file.
type CPUState struct {
	// GPR holds RAX..R15 in encoding order.
	GPR [abi.GPRCount]uint64

	// RIP is the instruction pointer.
	RIP uint64

	// RFLAGS holds the status flags at their architectural bit positions.
	RFLAGS uint64
}

// ReadGPR reads general register idx at width w. A high-8 read returns bits
// 8..15 of registers 0..3.
func (c *CPUState) ReadGPR(idx int, w ir.Width, high8 bool) uint64 {
	v := c.GPR[idx]
	if high8 {
		v >>= 8
	}
	return v & w.Mask()
}

// WriteGPR writes general register idx at width w. 32-bit writes zero-extend;
// 8- and 16-bit writes (and high-8 writes) preserve the remaining bits.
func (c *CPUState) WriteGPR(idx int, w ir.Width, high8 bool, v uint64) {
	switch {
	case high8:
		c.GPR[idx] = c.GPR[idx]&^0xFF00 | (v&0xFF)<<8
	case w == ir.W64:
		c.GPR[idx] = v
	case w == ir.W32:
		c.GPR[idx] = v & 0xFFFFFFFF
	default:
		c.GPR[idx] = c.GPR[idx]&^w.Mask() | v&w.Mask()
	}
}

// Flag returns a status flag.
func (c *CPUState) Flag(f ir.Flag) bool {
	return c.RFLAGS&f.Mask() != 0
}

// SetFlag sets or clears a status flag.
func (c *CPUState) SetFlag(f ir.Flag, set bool) {
	if set {
		c.RFLAGS |= f.Mask()
	} else {
		c.RFLAGS &^= f.Mask()
	}
}

// Read reads any guest register reference.
func (c *CPUState) Read(r ir.GuestReg) uint64 {
	switch r.Kind() {
	case ir.KindFlag:
		if c.Flag(r.Flag()) {
			return 1
		}
		return 0
	case ir.KindRIP:
		return c.RIP
	default:
		return c.ReadGPR(r.Index(), r.Width(), r.IsHigh8())
	}
}

// Write writes any guest register reference. Flags are set when v is nonzero.
func (c *CPUState) Write(r ir.GuestReg, v uint64) {
	switch r.Kind() {
	case ir.KindFlag:
		c.SetFlag(r.Flag(), v != 0)
	case ir.KindRIP:
		c.RIP = v
	default:
		c.WriteGPR(r.Index(), r.Width(), r.IsHigh8(), v)
	}
}

// Encode writes the state into buf using the ABI layout.
func (c *CPUState) Encode(buf []byte) {
	for i, v := range c.GPR {
		binary.LittleEndian.PutUint64(buf[abi.GPRSlot(i):], v)
	}
	binary.LittleEndian.PutUint64(buf[abi.RIPOffset:], c.RIP)
	binary.LittleEndian.PutUint64(buf[abi.RFLAGSOffset:], c.RFLAGS)
}

// Decode reads the state from buf using the ABI layout.
func (c *CPUState) Decode(buf []byte) {
	for i := range c.GPR {
		c.GPR[i] = binary.LittleEndian.Uint64(buf[abi.GPRSlot(i):])
	}
	c.RIP = binary.LittleEndian.Uint64(buf[abi.RIPOffset:])
	c.RFLAGS = binary.LittleEndian.Uint64(buf[abi.RFLAGSOffset:])
}

// Equal reports whether two states hold identical registers.
func (c *CPUState) Equal(o *CPUState) bool {
	return c.GPR == o.GPR && c.RIP == o.RIP && c.RFLAGS == o.RFLAGS
}

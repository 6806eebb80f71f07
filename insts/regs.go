package insts

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/sarchlab/tierjit/ir"
)

// GuestReg maps an x86asm register to a guest register reference. It
// reports false for registers outside the general-purpose file and RIP.
func GuestReg(r x86asm.Reg) (ir.GuestReg, bool) {
	switch {
	case r >= x86asm.AL && r <= x86asm.R15B:
		off := int(r - x86asm.AL)
		switch {
		case off < 4:
			return ir.GPR(off, ir.W8), true
		case off < 8:
			return ir.High8(off - 4), true
		default:
			return ir.GPR(off-4, ir.W8), true
		}
	case r >= x86asm.AX && r <= x86asm.R15W:
		return ir.GPR(int(r-x86asm.AX), ir.W16), true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return ir.GPR(int(r-x86asm.EAX), ir.W32), true
	case r >= x86asm.RAX && r <= x86asm.R15:
		return ir.GPR(int(r-x86asm.RAX), ir.W64), true
	case r == x86asm.RIP:
		return ir.RIPReg(), true
	}
	return ir.GuestReg{}, false
}

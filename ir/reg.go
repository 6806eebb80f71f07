package ir

import "fmt"

// RegKind discriminates a GuestReg.
type RegKind uint8

// Register kinds.
const (
	KindGPR RegKind = iota
	KindFlag
	KindRIP
)

// GuestReg names a piece of guest-visible CPU state. It is a value type and is
// never mutated after construction.
type GuestReg struct {
	kind  RegKind
	index uint8
	width Width
	high8 bool
	flag  Flag
}

// GPR references general register index (RAX=0 .. R15=15) at width w.
func GPR(index int, w Width) GuestReg {
	return GuestReg{kind: KindGPR, index: uint8(index), width: w}
}

// High8 references AH, CH, DH or BH (index 0..3), bits 8..15 of the register.
func High8(index int) GuestReg {
	return GuestReg{kind: KindGPR, index: uint8(index), width: W8, high8: true}
}

// FlagReg references a single status flag.
func FlagReg(f Flag) GuestReg {
	return GuestReg{kind: KindFlag, width: W8, flag: f}
}

// RIPReg references the instruction pointer.
func RIPReg() GuestReg {
	return GuestReg{kind: KindRIP, width: W64}
}

// Kind returns the register kind.
func (r GuestReg) Kind() RegKind { return r.kind }

// Index returns the general register index.
func (r GuestReg) Index() int { return int(r.index) }

// Width returns the access width. Flags read as 8-bit 0/1 values.
func (r GuestReg) Width() Width { return r.width }

// IsHigh8 reports whether this is a legacy high-byte alias.
func (r GuestReg) IsHigh8() bool { return r.high8 }

// Flag returns the referenced flag for KindFlag registers.
func (r GuestReg) Flag() Flag { return r.flag }

var (
	gpr64Names = [...]string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi"}
	gpr32Names = [...]string{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi"}
	gpr16Names = [...]string{"ax", "cx", "dx", "bx", "sp", "bp", "si", "di"}
	gpr8Names  = [...]string{"al", "cl", "dl", "bl", "spl", "bpl", "sil", "dil"}
	high8Names = [...]string{"ah", "ch", "dh", "bh"}
)

func (r GuestReg) String() string {
	switch r.kind {
	case KindFlag:
		return r.flag.String()
	case KindRIP:
		return "rip"
	}
	if r.high8 && r.index < 4 {
		return high8Names[r.index]
	}
	if r.index < 8 {
		switch r.width {
		case W64:
			return gpr64Names[r.index]
		case W32:
			return gpr32Names[r.index]
		case W16:
			return gpr16Names[r.index]
		default:
			return gpr8Names[r.index]
		}
	}
	switch r.width {
	case W64:
		return fmt.Sprintf("r%d", r.index)
	case W32:
		return fmt.Sprintf("r%dd", r.index)
	case W16:
		return fmt.Sprintf("r%dw", r.index)
	default:
		return fmt.Sprintf("r%db", r.index)
	}
}

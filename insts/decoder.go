package insts

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// MaxInstLen is the longest legal x86 instruction encoding.
const MaxInstLen = 15

// Inst is one decoded guest instruction.
type Inst struct {
	Addr uint64
	Len  int
	Raw  []byte

	// Op is the decoded form. It is zero when Invalid is set.
	Op x86asm.Inst

	// Invalid marks a byte that does not start a decodable instruction.
	Invalid bool
}

// Next returns the address of the following instruction.
func (i Inst) Next() uint64 {
	return i.Addr + uint64(i.Len)
}

// String formats the instruction in Intel syntax.
func (i Inst) String() string {
	if i.Invalid {
		return fmt.Sprintf("%#x: (bad) %02x", i.Addr, i.Raw)
	}
	return fmt.Sprintf("%#x: %s", i.Addr, x86asm.IntelSyntax(i.Op, i.Addr, nil))
}

// Decoder decodes x86-64 instructions from a Bus.
type Decoder struct {
	buf [MaxInstLen]byte
}

// NewDecoder creates a new decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode decodes the instruction at addr. Undecodable input yields a
// one-byte Invalid instruction.
func (d *Decoder) Decode(bus Bus, addr uint64) Inst {
	for i := range d.buf {
		d.buf[i] = bus.Read8(addr + uint64(i))
	}

	op, err := x86asm.Decode(d.buf[:], 64)
	if err != nil || op.Len == 0 {
		return Inst{
			Addr:    addr,
			Len:     1,
			Raw:     []byte{d.buf[0]},
			Invalid: true,
		}
	}

	return Inst{
		Addr: addr,
		Len:  op.Len,
		Raw:  append([]byte(nil), d.buf[:op.Len]...),
		Op:   op,
	}
}

// IsControlFlow reports whether an op ends a basic block.
func IsControlFlow(op x86asm.Op) bool {
	switch op {
	case x86asm.JMP, x86asm.LJMP,
		x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE,
		x86asm.JE, x86asm.JNE, x86asm.JG, x86asm.JGE,
		x86asm.JL, x86asm.JLE, x86asm.JO, x86asm.JNO,
		x86asm.JP, x86asm.JNP, x86asm.JS, x86asm.JNS,
		x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE,
		x86asm.CALL, x86asm.LCALL, x86asm.RET, x86asm.LRET,
		x86asm.HLT, x86asm.INT, x86asm.INTO,
		x86asm.SYSCALL, x86asm.SYSRET, x86asm.SYSENTER, x86asm.SYSEXIT,
		x86asm.IRET, x86asm.IRETD, x86asm.IRETQ,
		x86asm.UD1, x86asm.UD2:
		return true
	}
	return false
}

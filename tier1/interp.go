package tier1

import (
	"github.com/sarchlab/tierjit/emu"
	"github.com/sarchlab/tierjit/ir"
)

// Memory is guest memory as seen by executed code.
type Memory interface {
	Read(vaddr uint64, size int) uint64
	Write(vaddr uint64, size int, v uint64)
}

// Interpret executes a block against cpu and mem. It stores the next guest
// address in cpu.RIP and returns it. The block must pass Validate.
func Interpret(b *Block, cpu *emu.CPUState, mem Memory) uint64 {
	it := interpreter{b: b, cpu: cpu, mem: mem, vals: make([]uint64, b.NumValues)}
	for _, in := range b.Instrs {
		it.exec(in)
	}

	next := it.next(b.Term)
	cpu.RIP = next
	return next
}

type interpreter struct {
	b    *Block
	cpu  *emu.CPUState
	mem  Memory
	vals []uint64
}

func (it *interpreter) get(o Operand) uint64 {
	if o.IsImm {
		return o.Imm
	}
	return it.vals[o.Value]
}

func (it *interpreter) exec(in Instr) {
	switch in := in.(type) {
	case *Const:
		it.vals[in.Dst] = in.Value & in.Width.Mask()
	case *ReadReg:
		if in.Reg.Kind() == ir.KindRIP {
			it.vals[in.Dst] = it.b.EntryRIP
			return
		}
		it.vals[in.Dst] = it.cpu.Read(in.Reg)
	case *WriteReg:
		it.cpu.Write(in.Reg, it.get(in.Src))
	case *Trunc:
		it.vals[in.Dst] = it.get(in.Src) & in.Width.Mask()
	case *Load:
		it.vals[in.Dst] = it.mem.Read(it.get(in.Addr), in.Width.Bytes())
	case *Store:
		it.mem.Write(it.get(in.Addr), in.Width.Bytes(), it.get(in.Src)&in.Width.Mask())
	case *BinOp:
		it.vals[in.Dst] = it.binOp(in)
	case *CmpFlags:
		w := in.Width
		f := ir.ArithFlags(true, it.get(in.LHS), it.get(in.RHS), w)
		it.cpu.RFLAGS = ir.ApplyFlags(it.cpu.RFLAGS, f, in.Flags)
	case *TestFlags:
		w := in.Width
		f := ir.LogicFlags(it.get(in.LHS)&it.get(in.RHS), w)
		it.cpu.RFLAGS = ir.ApplyFlags(it.cpu.RFLAGS, f, in.Flags)
	case *EvalCond:
		it.vals[in.Dst] = 0
		if in.Cond.Eval(it.cpu.RFLAGS) {
			it.vals[in.Dst] = 1
		}
	case *Select:
		v := it.get(in.Else)
		if it.get(in.Cond) != 0 {
			v = it.get(in.Then)
		}
		it.vals[in.Dst] = v & in.Width.Mask()
	case *CallHelper:
		// The terminator performs the hand-off.
	}
}

func (it *interpreter) binOp(in *BinOp) uint64 {
	w := in.Width
	mask := w.Mask()
	a := it.get(in.LHS) & mask
	b := it.get(in.RHS)

	if in.Op.IsShift() {
		count := ir.ShiftCount(b, w)
		r := ir.Shift(in.Op, a, count, w)
		if count != 0 {
			f := ir.ShiftFlags(in.Op, a, count, w)
			it.cpu.RFLAGS = ir.ApplyFlags(it.cpu.RFLAGS, f, in.Flags)
		}
		return r
	}

	b &= mask
	var r, f uint64
	switch in.Op {
	case ir.OpAdd:
		r = a + b
		f = ir.ArithFlags(false, a, b, w)
	case ir.OpSub:
		r = a - b
		f = ir.ArithFlags(true, a, b, w)
	case ir.OpMul:
		r = a * b
		f = ir.MulFlags(a, b, w)
	case ir.OpAnd:
		r = a & b
		f = ir.LogicFlags(r, w)
	case ir.OpOr:
		r = a | b
		f = ir.LogicFlags(r, w)
	case ir.OpXor:
		r = a ^ b
		f = ir.LogicFlags(r, w)
	}
	it.cpu.RFLAGS = ir.ApplyFlags(it.cpu.RFLAGS, f, in.Flags)
	return r & mask
}

func (it *interpreter) next(t Terminator) uint64 {
	switch t := t.(type) {
	case *Jump:
		return t.Target
	case *CondJump:
		if it.get(t.Cond) != 0 {
			return t.Target
		}
		return t.Fallthrough
	case *IndirectJump:
		return it.get(t.Target)
	case *ExitToInterpreter:
		return t.NextRIP
	}
	return it.b.EntryRIP
}

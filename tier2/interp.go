package tier2

import (
	"math/bits"

	"github.com/sarchlab/tierjit/emu"
	"github.com/sarchlab/tierjit/ir"
)

// Memory is guest memory as seen by executed code.
type Memory interface {
	Read(vaddr uint64, size int) uint64
	Write(vaddr uint64, size int, v uint64)
}

// ExitReason tells why a trace stopped.
type ExitReason uint8

// Exit reasons.
const (
	// ExitSideExit means a SideExit terminator was reached.
	ExitSideExit ExitReason = iota
	// ExitBudget means the block-transition budget ran out.
	ExitBudget
)

func (r ExitReason) String() string {
	if r == ExitBudget {
		return "budget"
	}
	return "side-exit"
}

// Exit describes how a trace invocation ended.
type Exit struct {
	Reason  ExitReason
	NextRIP uint64

	// Blocks counts the blocks entered.
	Blocks int
}

// Interpret runs f from its entry block. Every Jump or Branch consumes one
// unit of budget; when it runs out the trace exits at the start of the
// block it was about to enter. A budget of zero or less is unlimited. The
// next guest address is stored in cpu.RIP.
func Interpret(f *Function, cpu *emu.CPUState, mem Memory, budget int) Exit {
	it := interpreter{cpu: cpu, mem: mem, vals: make([]uint64, f.NumValues)}

	cur := f.Blocks[f.Entry]
	exit := Exit{}
	for {
		exit.Blocks++
		for _, in := range cur.Instrs {
			it.exec(in)
		}

		var next BlockID
		switch t := cur.Term.(type) {
		case *SideExit:
			exit.Reason = ExitSideExit
			exit.NextRIP = t.RIP
			cpu.RIP = t.RIP
			return exit
		case *Jump:
			next = t.Target
		case *Branch:
			next = t.Else
			if it.get(t.Cond) != 0 {
				next = t.Then
			}
		}

		cur = f.Blocks[next]
		if budget > 0 {
			budget--
			if budget == 0 {
				exit.Reason = ExitBudget
				exit.NextRIP = cur.StartRIP
				cpu.RIP = cur.StartRIP
				return exit
			}
		}
	}
}

type interpreter struct {
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

func (it *interpreter) setFlags(computed uint64, s ir.FlagSet) {
	it.cpu.RFLAGS = ir.ApplyFlags(it.cpu.RFLAGS, computed, s)
}

func (it *interpreter) exec(in Instr) {
	switch in := in.(type) {
	case *Const:
		it.vals[in.Dst] = in.Value
	case *LoadReg:
		it.vals[in.Dst] = it.cpu.GPR[in.Index]
	case *StoreReg:
		it.cpu.GPR[in.Index] = it.get(in.Src)
	case *LoadFlag:
		it.vals[in.Dst] = 0
		if it.cpu.Flag(in.Flag) {
			it.vals[in.Dst] = 1
		}
	case *Load:
		it.vals[in.Dst] = it.mem.Read(it.get(in.Addr), in.Width.Bytes())
	case *Store:
		it.mem.Write(it.get(in.Addr), in.Width.Bytes(), it.get(in.Src)&in.Width.Mask())
	case *BinOp:
		it.vals[in.Dst] = it.binOp(in)
	case *CmpFlags:
		it.setFlags(ir.ArithFlags(true, it.get(in.LHS), it.get(in.RHS), in.Width), in.Flags)
	case *TestFlags:
		it.setFlags(ir.LogicFlags(it.get(in.LHS)&it.get(in.RHS), in.Width), in.Flags)
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
		it.vals[in.Dst] = v
	case *Addr:
		v := it.vals[in.Base] + uint64(in.Disp)
		if in.HasIndex {
			v += it.vals[in.Index] * uint64(in.Scale)
		}
		it.vals[in.Dst] = v
	}
}

func (it *interpreter) binOp(in *BinOp) uint64 {
	a, b := it.get(in.LHS), it.get(in.RHS)

	r := EvalBinOp(in.Op, a, b)

	if !in.Flags.Empty() {
		switch in.Op {
		case ir.OpAdd, ir.OpSub:
			it.setFlags(AlignedArithFlags(in.Op == ir.OpSub, a, b, in.FlagWidth), in.Flags)
		default:
			it.setFlags(ir.LogicFlags(r, in.FlagWidth), in.Flags)
		}
	}
	return r
}

// EvalBinOp computes the 64-bit result of op. Shift counts are taken
// modulo 64.
func EvalBinOp(op ir.BinOp, a, b uint64) uint64 {
	switch op {
	case ir.OpAdd:
		return a + b
	case ir.OpSub:
		return a - b
	case ir.OpMul:
		return a * b
	case ir.OpAnd:
		return a & b
	case ir.OpOr:
		return a | b
	case ir.OpXor:
		return a ^ b
	case ir.OpShl:
		return a << (b & 63)
	case ir.OpShr:
		return a >> (b & 63)
	case ir.OpSar:
		return uint64(int64(a) >> (b & 63))
	}
	return 0
}

// AlignedArithFlags computes the flags of an addition or subtraction of w-bit
// operands that have been shifted into the top w bits of a 64-bit word.
// Carry, overflow, zero and sign come out of the 64-bit result directly;
// parity and auxiliary carry are read at the shifted position.
func AlignedArithFlags(sub bool, a, b uint64, w ir.Width) uint64 {
	s := 64 - uint(w)
	var r uint64
	var cf, of bool
	if sub {
		var borrow uint64
		r, borrow = bits.Sub64(a, b, 0)
		cf = borrow != 0
		of = (a^b)&(a^r)>>63 != 0
	} else {
		var carry uint64
		r, carry = bits.Add64(a, b, 0)
		cf = carry != 0
		of = ^(a^b)&(a^r)>>63 != 0
	}

	var f uint64
	set := func(fl ir.Flag, v bool) {
		if v {
			f |= fl.Mask()
		}
	}
	set(ir.FlagCF, cf)
	set(ir.FlagOF, of)
	set(ir.FlagZF, r == 0)
	set(ir.FlagSF, r>>63 != 0)
	set(ir.FlagPF, bits.OnesCount8(uint8(r>>s))%2 == 0)
	set(ir.FlagAF, (a^b^r)>>(s+4)&1 != 0)
	return f
}

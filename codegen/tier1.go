package codegen

import (
	"fmt"

	"github.com/sarchlab/tierjit/abi"
	"github.com/sarchlab/tierjit/ir"
	"github.com/sarchlab/tierjit/tier1"
	"github.com/sarchlab/tierjit/wasm"
)

// Tier1 compiles a single block. Every memory access calls the slow
// imports. Only opts.Guards applies; the block checks its code pages on
// entry.
func Tier1(b *tier1.Block, opts Options) ([]byte, error) {
	if err := tier1.Validate(b); err != nil {
		return nil, err
	}

	e := newEmitter(b.NumValues)
	g := &tier1Gen{e: e, b: b}

	e.guard(opts.Guards, b.EntryRIP, b.Len)
	for _, in := range b.Instrs {
		e.release()
		g.instr(in)
	}
	e.release()
	g.term(b.Term)

	if e.err != nil {
		return nil, fmt.Errorf("tier1 block %#x: %w", b.EntryRIP, e.err)
	}
	return finishTraceModule(newTraceModule(), e.locals(), e.c.Bytes()), nil
}

type tier1Gen struct {
	e *emitter
	b *tier1.Block
}

func (g *tier1Gen) opnd(o tier1.Operand) operand {
	if o.IsImm {
		return immOperand(o.Imm)
	}
	return localOperand(g.e.valueLocal(uint32(o.Value)))
}

func (g *tier1Gen) dst(v tier1.ValueID) uint32 {
	return g.e.valueLocal(uint32(v))
}

// local returns a local holding o, spilling immediates to scratch.
func (g *tier1Gen) local(o tier1.Operand) uint32 {
	op := g.opnd(o)
	if !op.imm {
		return op.local
	}
	g.e.push(op)
	return g.e.save()
}

func (g *tier1Gen) instr(in tier1.Instr) {
	e := g.e
	switch in := in.(type) {
	case *tier1.Const:
		e.c.I64Const(in.Value & in.Width.Mask())
		e.c.LocalSet(g.dst(in.Dst))
	case *tier1.ReadReg:
		g.readReg(in)
	case *tier1.WriteReg:
		g.writeReg(in.Reg, g.opnd(in.Src))
	case *tier1.Trunc:
		e.pushMasked(g.opnd(in.Src), in.Width)
		e.c.LocalSet(g.dst(in.Dst))
	case *tier1.Load:
		e.load(g.local(in.Addr), in.Width, g.dst(in.Dst), false)
	case *tier1.Store:
		e.store(g.local(in.Addr), g.opnd(in.Src), in.Width, false)
	case *tier1.BinOp:
		g.binOp(in)
	case *tier1.CmpFlags:
		e.cmpFlags(g.opnd(in.LHS), g.opnd(in.RHS), in.Width, in.Flags)
	case *tier1.TestFlags:
		e.testFlags(g.opnd(in.LHS), g.opnd(in.RHS), in.Width, in.Flags)
	case *tier1.EvalCond:
		e.evalCond(in.Cond)
		e.c.LocalSet(g.dst(in.Dst))
	case *tier1.Select:
		e.selectValue(g.opnd(in.Cond), g.opnd(in.Then), g.opnd(in.Else))
		e.mask(in.Width)
		e.c.LocalSet(g.dst(in.Dst))
	case *tier1.CallHelper:
		// The terminator performs the hand-off.
	default:
		e.fail(fmt.Errorf("codegen: unknown instruction %T", in))
	}
}

func (g *tier1Gen) readReg(in *tier1.ReadReg) {
	e := g.e
	r := in.Reg
	switch r.Kind() {
	case ir.KindRIP:
		e.c.I64Const(g.b.EntryRIP)
	case ir.KindFlag:
		e.loadFlag(r.Flag())
	default:
		e.loadCPU(abi.GPRSlot(r.Index()))
		if r.IsHigh8() {
			e.c.I64Const(8)
			e.op(wasm.OpI64ShrU)
		}
		e.mask(r.Width())
	}
	e.c.LocalSet(g.dst(in.Dst))
}

func (g *tier1Gen) writeReg(r ir.GuestReg, v operand) {
	e := g.e
	switch r.Kind() {
	case ir.KindRIP:
		e.storeCPU(abi.RIPOffset, func() { e.push(v) })
	case ir.KindFlag:
		f := r.Flag()
		e.storeCPU(abi.RFLAGSOffset, func() {
			e.loadCPU(abi.RFLAGSOffset)
			e.c.I64Const(^f.Mask())
			e.op(wasm.OpI64And)
			e.push(v)
			e.op(wasm.OpI64Eqz, wasm.OpI32Eqz, wasm.OpI64ExtendU)
			if f.Bit() != 0 {
				e.c.I64Const(uint64(f.Bit()))
				e.op(wasm.OpI64Shl)
			}
			e.op(wasm.OpI64Or)
		})
	default:
		slot := abi.GPRSlot(r.Index())
		e.storeCPU(slot, func() {
			switch {
			case r.IsHigh8():
				e.loadCPU(slot)
				e.c.I64Const(^uint64(0xFF00))
				e.op(wasm.OpI64And)
				e.pushMasked(v, ir.W8)
				e.c.I64Const(8)
				e.op(wasm.OpI64Shl, wasm.OpI64Or)
			case r.Width() == ir.W64:
				e.push(v)
			case r.Width() == ir.W32:
				e.pushMasked(v, ir.W32)
			default:
				w := r.Width()
				e.loadCPU(slot)
				e.c.I64Const(^w.Mask())
				e.op(wasm.OpI64And)
				e.pushMasked(v, w)
				e.op(wasm.OpI64Or)
			}
		})
	}
}

func (g *tier1Gen) binOp(in *tier1.BinOp) {
	e := g.e
	w := in.Width
	lhs, rhs := g.opnd(in.LHS), g.opnd(in.RHS)
	dst := g.dst(in.Dst)

	switch in.Op {
	case ir.OpAdd, ir.OpSub:
		e.align(lhs, w)
		a := e.save()
		e.align(rhs, w)
		b := e.save()
		r := e.alignedArith(in.Op == ir.OpSub, a, b, w, in.Flags)
		e.c.LocalGet(r)
		if w != ir.W64 {
			e.c.I64Const(uint64(64 - w))
			e.op(wasm.OpI64ShrU)
		}
		e.c.LocalSet(dst)
	case ir.OpMul:
		g.mul(lhs, rhs, w, in.Flags, dst)
	case ir.OpAnd, ir.OpOr, ir.OpXor:
		e.pushMasked(lhs, w)
		e.pushMasked(rhs, w)
		e.op(logicOp(in.Op))
		e.c.LocalSet(dst)
		e.logicFlags(dst, w, in.Flags)
	case ir.OpShl, ir.OpShr, ir.OpSar:
		g.shift(in.Op, lhs, rhs, w, in.Flags, dst)
	default:
		e.fail(fmt.Errorf("codegen: unknown operation %s", in.Op))
	}
}

func logicOp(op ir.BinOp) byte {
	switch op {
	case ir.OpAnd:
		return wasm.OpI64And
	case ir.OpOr:
		return wasm.OpI64Or
	}
	return wasm.OpI64Xor
}

// signExtend sign-extends the low w bits of the i64 on the stack.
func (g *tier1Gen) signExtend(w ir.Width) {
	if w == ir.W64 {
		return
	}
	s := uint64(64 - w)
	g.e.c.I64Const(s)
	g.e.op(wasm.OpI64Shl)
	g.e.c.I64Const(s)
	g.e.op(wasm.OpI64ShrS)
}

func (g *tier1Gen) mul(lhs, rhs operand, w ir.Width, flags ir.FlagSet, dst uint32) {
	e := g.e
	e.pushMasked(lhs, w)
	a := e.save()
	e.pushMasked(rhs, w)
	b := e.save()

	e.c.LocalGet(a)
	e.c.LocalGet(b)
	e.op(wasm.OpI64Mul)
	full := e.save()
	e.c.LocalGet(full)
	e.mask(w)
	e.c.LocalSet(dst)

	if flags.Empty() {
		return
	}

	// Signed overflow as an i32.
	if w == ir.W64 {
		e.c.LocalGet(a)
		e.op(wasm.OpI64Eqz)
		e.c.If(wasm.BlockI32)
		e.c.I32Const(0)
		e.c.Else()
		e.c.LocalGet(a)
		e.c.I64Const(^uint64(0))
		e.op(wasm.OpI64Eq)
		e.c.If(wasm.BlockI32)
		e.c.LocalGet(b)
		e.c.I64Const(1 << 63)
		e.op(wasm.OpI64Eq)
		e.c.Else()
		e.c.LocalGet(full)
		e.c.LocalGet(a)
		e.op(wasm.OpI64DivS)
		e.c.LocalGet(b)
		e.op(wasm.OpI64Ne)
		e.c.End()
		e.c.End()
	} else {
		e.c.LocalGet(a)
		g.signExtend(w)
		e.c.LocalGet(b)
		g.signExtend(w)
		e.op(wasm.OpI64Mul)
		p := e.save()
		e.c.LocalGet(p)
		e.c.LocalGet(p)
		g.signExtend(w)
		e.op(wasm.OpI64Ne)
	}
	e.op(wasm.OpI64ExtendU)
	overflow := e.save()

	acc := e.newAcc()
	if flags.Has(ir.FlagCF) {
		e.c.LocalGet(overflow)
		e.orFlag(acc, ir.FlagCF)
	}
	if flags.Has(ir.FlagOF) {
		e.c.LocalGet(overflow)
		e.orFlag(acc, ir.FlagOF)
	}
	e.align(localOperand(dst), w)
	top := e.save()
	e.resultFlags(top, w, flags, acc)
	e.applyFlags(acc, flags)
}

func (g *tier1Gen) shift(op ir.BinOp, lhs, rhs operand, w ir.Width, flags ir.FlagSet, dst uint32) {
	e := g.e
	e.pushMasked(lhs, w)
	a := e.save()
	e.push(rhs)
	e.c.I64Const(ir.ShiftCount(^uint64(0), w))
	e.op(wasm.OpI64And)
	count := e.save()

	switch op {
	case ir.OpShl:
		e.c.LocalGet(a)
		e.c.LocalGet(count)
		e.op(wasm.OpI64Shl)
		e.mask(w)
	case ir.OpShr:
		e.c.LocalGet(a)
		e.c.LocalGet(count)
		e.op(wasm.OpI64ShrU)
	default:
		e.c.LocalGet(a)
		g.signExtend(w)
		e.c.LocalGet(count)
		e.op(wasm.OpI64ShrS)
		e.mask(w)
	}
	e.c.LocalSet(dst)

	if flags.Empty() {
		return
	}

	// A zero count leaves the flags alone.
	e.c.LocalGet(count)
	e.op(wasm.OpI64Eqz, wasm.OpI32Eqz)
	e.c.If(wasm.BlockVoid)

	acc := e.newAcc()
	switch op {
	case ir.OpShl:
		e.c.LocalGet(a)
		e.c.I64Const(uint64(w))
		e.c.LocalGet(count)
		e.op(wasm.OpI64Sub, wasm.OpI64ShrU)
		e.c.I64Const(1)
		e.op(wasm.OpI64And)
		e.c.I64Const(0)
		e.c.LocalGet(count)
		e.c.I64Const(uint64(w))
		e.op(wasm.OpI64LeU, wasm.OpSelect)
	case ir.OpShr:
		e.c.LocalGet(a)
		e.c.LocalGet(count)
		e.c.I64Const(1)
		e.op(wasm.OpI64Sub, wasm.OpI64ShrU)
		e.c.I64Const(1)
		e.op(wasm.OpI64And)
	default:
		e.c.LocalGet(a)
		g.signExtend(w)
		e.c.LocalGet(count)
		e.c.I64Const(1)
		e.op(wasm.OpI64Sub, wasm.OpI64ShrS)
		e.c.I64Const(1)
		e.op(wasm.OpI64And)
	}
	cf := e.save()

	if flags.Has(ir.FlagCF) {
		e.c.LocalGet(cf)
		e.orFlag(acc, ir.FlagCF)
	}
	if flags.Has(ir.FlagOF) && op != ir.OpSar {
		if op == ir.OpShl {
			e.c.LocalGet(dst)
			e.c.I64Const(uint64(w - 1))
			e.op(wasm.OpI64ShrU)
			e.c.LocalGet(cf)
			e.op(wasm.OpI64Xor)
		} else {
			e.c.LocalGet(a)
			e.c.I64Const(uint64(w - 1))
			e.op(wasm.OpI64ShrU)
		}
		e.c.I64Const(1)
		e.op(wasm.OpI64And)
		e.orFlag(acc, ir.FlagOF)
	}
	e.align(localOperand(dst), w)
	top := e.save()
	e.resultFlags(top, w, flags, acc)
	e.applyFlags(acc, flags)

	e.c.End()
}

func (g *tier1Gen) term(t tier1.Terminator) {
	e := g.e
	switch t := t.(type) {
	case *tier1.Jump:
		e.exitConst(t.Target)
	case *tier1.CondJump:
		e.push(g.opnd(t.Cond))
		e.op(wasm.OpI64Eqz)
		e.c.If(wasm.BlockVoid)
		e.exitConst(t.Fallthrough)
		e.c.End()
		e.exitConst(t.Target)
	case *tier1.IndirectJump:
		e.exitLocal(g.local(t.Target))
	case *tier1.ExitToInterpreter:
		e.exitConst(t.NextRIP)
	default:
		e.fail(fmt.Errorf("codegen: unknown terminator %T", t))
	}
}

package codegen

import (
	"fmt"

	"github.com/sarchlab/tierjit/abi"
	"github.com/sarchlab/tierjit/ir"
	"github.com/sarchlab/tierjit/tier2"
	"github.com/sarchlab/tierjit/wasm"
)

// Tier2 compiles a function into a dispatch loop over its blocks:
//
//	loop
//	  block ... block            ;; one per Tier-2 block
//	    br_table pc
//	  end  <code of block 0>
//	  ...
//	  end  <code of block n-1>
//	end
//
// Jumps set the block index and branch back to the loop. With a positive
// budget every transition counts down and the trace returns at the start of
// the target block when it reaches zero.
func Tier2(f *tier2.Function, opts Options) ([]byte, error) {
	if err := tier2.Validate(f); err != nil {
		return nil, err
	}

	e := newEmitter(f.NumValues)
	g := &tier2Gen{
		e:      e,
		f:      f,
		opts:   opts,
		pc:     e.nextLocal(),
		budget: e.nextLocal() + 1,
	}
	locals := e.locals(i32, i64)

	if opts.Budget > 0 {
		e.c.I64Const(uint64(opts.Budget))
		e.c.LocalSet(g.budget)
	}
	e.c.I32Const(int32(f.Entry))
	e.c.LocalSet(g.pc)

	n := len(f.Blocks)
	e.c.Loop(wasm.BlockVoid)
	for range f.Blocks {
		e.c.Block(wasm.BlockVoid)
	}
	targets := make([]uint32, n)
	for k := range targets {
		targets[k] = uint32(k)
	}
	e.c.LocalGet(g.pc)
	e.c.BrTable(targets, uint32(n-1))

	for k, b := range f.Blocks {
		e.c.End()
		g.block(k, b)
	}
	e.c.End()
	e.c.Unreachable()

	if e.err != nil {
		return nil, fmt.Errorf("tier2 function %#x: %w", f.EntryBlock().StartRIP, e.err)
	}
	return finishTraceModule(newTraceModule(), locals, e.c.Bytes()), nil
}

type tier2Gen struct {
	e    *emitter
	f    *tier2.Function
	opts Options

	pc     uint32
	budget uint32

	// loopDepth is the label depth of the dispatch loop from the current
	// block's top level.
	loopDepth uint32
}

func (g *tier2Gen) opnd(o tier2.Operand) operand {
	if o.IsImm {
		return immOperand(o.Imm)
	}
	return localOperand(g.e.valueLocal(uint32(o.Value)))
}

func (g *tier2Gen) dst(v tier2.ValueID) uint32 {
	return g.e.valueLocal(uint32(v))
}

func (g *tier2Gen) local(o tier2.Operand) uint32 {
	op := g.opnd(o)
	if !op.imm {
		return op.local
	}
	g.e.push(op)
	return g.e.save()
}

func (g *tier2Gen) block(k int, b *tier2.Block) {
	e := g.e
	g.loopDepth = uint32(len(g.f.Blocks) - 1 - k)

	e.release()
	e.guard(g.opts.Guards, b.StartRIP, b.Len)
	for _, in := range b.Instrs {
		e.release()
		g.instr(in)
	}
	e.release()

	switch t := b.Term.(type) {
	case *tier2.SideExit:
		e.exitConst(t.RIP)
	case *tier2.Jump:
		g.transition(t.Target, 0)
	case *tier2.Branch:
		e.push(g.opnd(t.Cond))
		e.op(wasm.OpI64Eqz, wasm.OpI32Eqz)
		e.c.If(wasm.BlockVoid)
		g.transition(t.Then, 1)
		e.c.Else()
		g.transition(t.Else, 1)
		e.c.End()
		e.c.Unreachable()
	default:
		e.fail(fmt.Errorf("codegen: unknown terminator %T", t))
	}
}

// transition moves to block target from nesting depth extra below the
// block's top level.
func (g *tier2Gen) transition(target tier2.BlockID, extra uint32) {
	e := g.e
	if g.opts.Budget > 0 {
		e.c.LocalGet(g.budget)
		e.c.I64Const(1)
		e.op(wasm.OpI64Sub)
		e.c.LocalTee(g.budget)
		e.op(wasm.OpI64Eqz)
		e.c.If(wasm.BlockVoid)
		e.exitConst(g.f.Blocks[target].StartRIP)
		e.c.End()
	}
	e.c.I32Const(int32(target))
	e.c.LocalSet(g.pc)
	e.c.Br(g.loopDepth + extra)
}

func (g *tier2Gen) instr(in tier2.Instr) {
	e := g.e
	switch in := in.(type) {
	case *tier2.Const:
		e.c.I64Const(in.Value)
		e.c.LocalSet(g.dst(in.Dst))
	case *tier2.LoadReg:
		e.loadCPU(abi.GPRSlot(in.Index))
		e.c.LocalSet(g.dst(in.Dst))
	case *tier2.StoreReg:
		src := g.opnd(in.Src)
		e.storeCPU(abi.GPRSlot(in.Index), func() { e.push(src) })
	case *tier2.LoadFlag:
		e.loadFlag(in.Flag)
		e.c.LocalSet(g.dst(in.Dst))
	case *tier2.Load:
		e.load(g.local(in.Addr), in.Width, g.dst(in.Dst), g.opts.InlineTLB)
	case *tier2.Store:
		e.store(g.local(in.Addr), g.opnd(in.Src), in.Width, g.opts.InlineTLB)
	case *tier2.BinOp:
		g.binOp(in)
	case *tier2.CmpFlags:
		e.cmpFlags(g.opnd(in.LHS), g.opnd(in.RHS), in.Width, in.Flags)
	case *tier2.TestFlags:
		e.testFlags(g.opnd(in.LHS), g.opnd(in.RHS), in.Width, in.Flags)
	case *tier2.EvalCond:
		e.evalCond(in.Cond)
		e.c.LocalSet(g.dst(in.Dst))
	case *tier2.Select:
		e.selectValue(g.opnd(in.Cond), g.opnd(in.Then), g.opnd(in.Else))
		e.c.LocalSet(g.dst(in.Dst))
	case *tier2.Addr:
		e.c.LocalGet(g.dst(in.Base))
		if in.HasIndex {
			e.c.LocalGet(g.dst(in.Index))
			e.c.I64Const(uint64(in.Scale))
			e.op(wasm.OpI64Mul, wasm.OpI64Add)
		}
		if in.Disp != 0 {
			e.c.I64Const(uint64(in.Disp))
			e.op(wasm.OpI64Add)
		}
		e.c.LocalSet(g.dst(in.Dst))
	default:
		e.fail(fmt.Errorf("codegen: unknown instruction %T", in))
	}
}

var binOpcodes = map[ir.BinOp]byte{
	ir.OpAdd: wasm.OpI64Add,
	ir.OpSub: wasm.OpI64Sub,
	ir.OpMul: wasm.OpI64Mul,
	ir.OpAnd: wasm.OpI64And,
	ir.OpOr:  wasm.OpI64Or,
	ir.OpXor: wasm.OpI64Xor,
	ir.OpShl: wasm.OpI64Shl,
	ir.OpShr: wasm.OpI64ShrU,
	ir.OpSar: wasm.OpI64ShrS,
}

func (g *tier2Gen) binOp(in *tier2.BinOp) {
	e := g.e
	opcode, ok := binOpcodes[in.Op]
	if !ok {
		e.fail(fmt.Errorf("codegen: unknown operation %s", in.Op))
		return
	}
	dst := g.dst(in.Dst)
	lhs, rhs := g.opnd(in.LHS), g.opnd(in.RHS)

	if in.Flags.Empty() {
		e.push(lhs)
		e.push(rhs)
		e.op(opcode)
		e.c.LocalSet(dst)
		return
	}

	switch in.Op {
	case ir.OpAdd, ir.OpSub:
		r := e.alignedArith(in.Op == ir.OpSub, g.local(in.LHS), g.local(in.RHS), in.FlagWidth, in.Flags)
		e.c.LocalGet(r)
		e.c.LocalSet(dst)
	case ir.OpAnd, ir.OpOr, ir.OpXor:
		e.push(lhs)
		e.push(rhs)
		e.op(opcode)
		e.c.LocalSet(dst)
		e.logicFlags(dst, in.FlagWidth, in.Flags)
	default:
		e.fail(fmt.Errorf("codegen: %s cannot update flags", in.Op))
	}
}

package tier2

import (
	"github.com/sarchlab/tierjit/ir"
	"github.com/sarchlab/tierjit/tier1"
)

// lowerer translates one Tier-1 block. Tier-1 value v becomes base+v; any
// temporaries are allocated after the block's reserved range.
type lowerer struct {
	b           *Builder
	base        ValueID
	out         []Instr
	start       uint64
	unsupported bool
}

// lower fills blk from t1. A block containing anything Tier-2 does not model
// keeps no instructions and exits to the interpreter at its own start.
func (b *Builder) lower(blk *Block, t1 *tier1.Block) {
	if t1 == nil || tier1.Validate(t1) != nil {
		blk.Term = &SideExit{RIP: blk.StartRIP}
		return
	}
	blk.Len = t1.Len

	l := &lowerer{
		b:     b,
		base:  ValueID(b.fn.NumValues),
		start: blk.StartRIP,
	}
	b.fn.NumValues += t1.NumValues

	for _, in := range t1.Instrs {
		l.instr(in)
		if l.unsupported {
			break
		}
	}

	// Indirect jumps are not predicted; the block is handed back whole so
	// its effects are not applied twice.
	if _, ok := t1.Term.(*tier1.IndirectJump); ok {
		l.unsupported = true
	}

	if l.unsupported {
		blk.Instrs = nil
		blk.Term = &SideExit{RIP: blk.StartRIP}
		return
	}

	blk.Instrs = l.out
	blk.Term = l.term(t1.Term)
}

func (l *lowerer) emit(in Instr) {
	l.out = append(l.out, in)
}

func (l *lowerer) dst(v tier1.ValueID) ValueID {
	return l.base + ValueID(v)
}

// op maps an operand, masking immediates to w.
func (l *lowerer) op(o tier1.Operand, w ir.Width) Operand {
	if o.IsImm {
		return Imm(o.Imm & w.Mask())
	}
	return Val(l.dst(o.Value))
}

func (l *lowerer) temp() ValueID {
	return l.b.newValue()
}

// binop emits a flagless operation into a fresh value, folding immediates.
func (l *lowerer) binop(op ir.BinOp, lhs, rhs Operand) Operand {
	if lhs.IsImm && rhs.IsImm {
		switch op {
		case ir.OpAnd:
			return Imm(lhs.Imm & rhs.Imm)
		case ir.OpOr:
			return Imm(lhs.Imm | rhs.Imm)
		case ir.OpShl:
			return Imm(lhs.Imm << (rhs.Imm & 63))
		case ir.OpShr:
			return Imm(lhs.Imm >> (rhs.Imm & 63))
		}
	}
	t := l.temp()
	l.emit(&BinOp{Dst: t, Op: op, LHS: lhs, RHS: rhs})
	return Val(t)
}

func (l *lowerer) instr(in tier1.Instr) {
	switch in := in.(type) {
	case *tier1.Const:
		l.emit(&Const{Dst: l.dst(in.Dst), Value: in.Value & in.Width.Mask()})
	case *tier1.ReadReg:
		l.readReg(in)
	case *tier1.WriteReg:
		l.writeReg(in)
	case *tier1.Trunc:
		src := l.op(in.Src, ir.W64)
		if src.IsImm {
			l.emit(&Const{Dst: l.dst(in.Dst), Value: src.Imm & in.Width.Mask()})
			return
		}
		l.emit(&BinOp{Dst: l.dst(in.Dst), Op: ir.OpAnd, LHS: src, RHS: Imm(in.Width.Mask())})
	case *tier1.Load:
		l.emit(&Load{Dst: l.dst(in.Dst), Addr: l.op(in.Addr, ir.W64), Width: in.Width})
	case *tier1.Store:
		l.emit(&Store{Addr: l.op(in.Addr, ir.W64), Src: l.op(in.Src, in.Width), Width: in.Width})
	case *tier1.BinOp:
		l.binOp(in)
	case *tier1.CmpFlags:
		if in.Flags.Empty() {
			return
		}
		l.emit(&CmpFlags{
			LHS: l.op(in.LHS, in.Width), RHS: l.op(in.RHS, in.Width),
			Width: in.Width, Flags: in.Flags,
		})
	case *tier1.TestFlags:
		if in.Flags.Empty() {
			return
		}
		l.emit(&TestFlags{
			LHS: l.op(in.LHS, in.Width), RHS: l.op(in.RHS, in.Width),
			Width: in.Width, Flags: in.Flags,
		})
	case *tier1.EvalCond:
		l.emit(&EvalCond{Dst: l.dst(in.Dst), Cond: in.Cond})
	case *tier1.Select:
		l.emit(&Select{
			Dst:  l.dst(in.Dst),
			Cond: l.op(in.Cond, ir.W64),
			Then: l.op(in.Then, in.Width),
			Else: l.op(in.Else, in.Width),
		})
	default:
		// CallHelper and anything unknown.
		l.unsupported = true
	}
}

func (l *lowerer) readReg(in *tier1.ReadReg) {
	r := in.Reg
	switch r.Kind() {
	case ir.KindFlag:
		l.emit(&LoadFlag{Dst: l.dst(in.Dst), Flag: r.Flag()})
		return
	case ir.KindRIP:
		l.emit(&Const{Dst: l.dst(in.Dst), Value: l.start})
		return
	}

	if r.Width() == ir.W64 {
		l.emit(&LoadReg{Dst: l.dst(in.Dst), Index: r.Index()})
		return
	}

	full := l.temp()
	l.emit(&LoadReg{Dst: full, Index: r.Index()})
	v := Val(full)
	if r.IsHigh8() {
		v = l.binop(ir.OpShr, v, Imm(8))
	}
	l.emit(&BinOp{Dst: l.dst(in.Dst), Op: ir.OpAnd, LHS: v, RHS: Imm(r.Width().Mask())})
}

// fieldMask is the bit field a sub-register write replaces.
func fieldMask(r ir.GuestReg) uint64 {
	if r.IsHigh8() {
		return 0xFF00
	}
	return r.Width().Mask()
}

func (l *lowerer) writeReg(in *tier1.WriteReg) {
	r := in.Reg
	if r.Kind() != ir.KindGPR {
		// Flags are written only through compares and flagged operations.
		l.unsupported = true
		return
	}

	w := r.Width()
	src := l.op(in.Src, w)
	if w == ir.W64 || w == ir.W32 {
		// A 32-bit write zero-extends; src already fits in 32 bits.
		l.emit(&StoreReg{Index: r.Index(), Src: src})
		return
	}

	old := l.temp()
	l.emit(&LoadReg{Dst: old, Index: r.Index()})
	cleared := l.binop(ir.OpAnd, Val(old), Imm(^fieldMask(r)))
	nv := l.binop(ir.OpAnd, src, Imm(w.Mask()))
	if r.IsHigh8() {
		nv = l.binop(ir.OpShl, nv, Imm(8))
	}
	merged := l.binop(ir.OpOr, cleared, nv)
	l.emit(&StoreReg{Index: r.Index(), Src: merged})
}

func (l *lowerer) binOp(in *tier1.BinOp) {
	w := in.Width
	dst := l.dst(in.Dst)
	lhs := l.op(in.LHS, w)

	switch in.Op {
	case ir.OpAdd, ir.OpSub:
		rhs := l.op(in.RHS, w)
		if w == ir.W64 {
			l.emit(&BinOp{Dst: dst, Op: in.Op, LHS: lhs, RHS: rhs, Flags: in.Flags, FlagWidth: w})
			return
		}
		// Operate in the top bits so carry and overflow land on bit 63.
		s := Imm(uint64(64 - w))
		la := l.binop(ir.OpShl, lhs, s)
		lb := l.binop(ir.OpShl, rhs, s)
		r := l.temp()
		l.emit(&BinOp{Dst: r, Op: in.Op, LHS: la, RHS: lb, Flags: in.Flags, FlagWidth: w})
		l.emit(&BinOp{Dst: dst, Op: ir.OpShr, LHS: Val(r), RHS: s})

	case ir.OpMul:
		if !in.Flags.Empty() {
			l.unsupported = true
			return
		}
		rhs := l.op(in.RHS, w)
		if w == ir.W64 {
			l.emit(&BinOp{Dst: dst, Op: ir.OpMul, LHS: lhs, RHS: rhs})
			return
		}
		r := l.binop(ir.OpMul, lhs, rhs)
		l.emit(&BinOp{Dst: dst, Op: ir.OpAnd, LHS: r, RHS: Imm(w.Mask())})

	case ir.OpAnd, ir.OpOr, ir.OpXor:
		rhs := l.op(in.RHS, w)
		if w == ir.W64 {
			l.emit(&BinOp{Dst: dst, Op: in.Op, LHS: lhs, RHS: rhs, Flags: in.Flags, FlagWidth: w})
			return
		}
		r := l.temp()
		l.emit(&BinOp{Dst: r, Op: in.Op, LHS: lhs, RHS: rhs, Flags: in.Flags, FlagWidth: w})
		l.emit(&BinOp{Dst: dst, Op: ir.OpAnd, LHS: Val(r), RHS: Imm(w.Mask())})

	case ir.OpShl, ir.OpShr:
		if !in.Flags.Empty() {
			l.unsupported = true
			return
		}
		countMask := uint64(31)
		if w == ir.W64 {
			countMask = 63
		}
		count := l.binop(ir.OpAnd, l.op(in.RHS, ir.W64), Imm(countMask))
		if w == ir.W64 {
			l.emit(&BinOp{Dst: dst, Op: in.Op, LHS: lhs, RHS: count})
			return
		}
		a := l.binop(ir.OpAnd, lhs, Imm(w.Mask()))
		r := l.binop(in.Op, a, count)
		l.emit(&BinOp{Dst: dst, Op: ir.OpAnd, LHS: r, RHS: Imm(w.Mask())})

	default:
		// Sar has no width-shifted lowering.
		l.unsupported = true
	}
}

func (l *lowerer) term(t tier1.Terminator) Terminator {
	switch t := t.(type) {
	case *tier1.Jump:
		return &Jump{Target: l.b.getOrCreate(t.Target)}
	case *tier1.CondJump:
		cond := l.op(t.Cond, ir.W64)
		if cond.IsImm {
			target := t.Fallthrough
			if cond.Imm != 0 {
				target = t.Target
			}
			return &Jump{Target: l.b.getOrCreate(target)}
		}
		then := l.b.getOrCreate(t.Target)
		els := l.b.getOrCreate(t.Fallthrough)
		return &Branch{Cond: cond, Then: then, Else: els}
	case *tier1.ExitToInterpreter:
		return &SideExit{RIP: t.NextRIP}
	}
	return &SideExit{RIP: l.start}
}

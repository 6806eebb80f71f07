package tier2

import (
	"math/bits"

	"github.com/sarchlab/tierjit/ir"
)

// Stats counts the rewrites Optimize performed.
type Stats struct {
	Passes       int
	ConstFolded  int
	MulToShift   int
	MulToAnd     int
	AddrFolded   int
	AddrChained  int
	ScaledIndex  int
	AndCollapsed int
	DeadRemoved  int
}

// Rewrites is the total number of rewrites, not counting removed code.
func (s Stats) Rewrites() int {
	return s.ConstFolded + s.MulToShift + s.MulToAnd + s.AddrFolded +
		s.AddrChained + s.ScaledIndex + s.AndCollapsed
}

// Optimize rewrites f in place until no rule applies. Only instructions
// that update no flags are rewritten. Instructions whose value ends up
// unused are removed when they have no other effect.
func Optimize(f *Function) Stats {
	o := optimizer{f: f}
	for {
		o.stats.Passes++
		changed := o.rewrite()
		if o.eliminate() {
			changed = true
		}
		if !changed {
			return o.stats
		}
	}
}

type optimizer struct {
	f     *Function
	defs  []Instr
	stats Stats
}

func (o *optimizer) indexDefs() {
	o.defs = make([]Instr, o.f.NumValues)
	for _, b := range o.f.Blocks {
		for _, in := range b.Instrs {
			if d, ok := Dst(in); ok {
				o.defs[d] = in
			}
		}
	}
}

// constOf reports the constant an operand always carries.
func (o *optimizer) constOf(op Operand) (uint64, bool) {
	if op.IsImm {
		return op.Imm, true
	}
	if c, ok := o.defs[op.Value].(*Const); ok {
		return c.Value, true
	}
	return 0, false
}

// isBool reports whether op is always 0 or 1.
func (o *optimizer) isBool(op Operand) bool {
	if op.IsImm {
		return false
	}
	switch o.defs[op.Value].(type) {
	case *EvalCond, *LoadFlag:
		return true
	}
	return false
}

// shiftOf returns x and k when op is x << k for a flagless shift.
func (o *optimizer) shiftOf(op Operand) (ValueID, uint64, bool) {
	if op.IsImm {
		return 0, 0, false
	}
	sh, ok := o.defs[op.Value].(*BinOp)
	if !ok || sh.Op != ir.OpShl || !sh.Flags.Empty() || sh.LHS.IsImm {
		return 0, 0, false
	}
	k, ok := o.constOf(sh.RHS)
	if !ok {
		return 0, 0, false
	}
	return sh.LHS.Value, k, true
}

func (o *optimizer) rewrite() bool {
	o.indexDefs()
	changed := false
	for _, b := range o.f.Blocks {
		for i, in := range b.Instrs {
			bin, ok := in.(*BinOp)
			if !ok || !bin.Flags.Empty() {
				continue
			}
			if repl := o.rewriteBinOp(bin); repl != nil {
				b.Instrs[i] = repl
				if d, ok := Dst(repl); ok {
					o.defs[d] = repl
				}
				changed = true
			}
		}
	}
	return changed
}

func (o *optimizer) rewriteBinOp(in *BinOp) Instr {
	lc, lconst := o.constOf(in.LHS)
	rc, rconst := o.constOf(in.RHS)
	if lconst && rconst {
		o.stats.ConstFolded++
		return &Const{Dst: in.Dst, Value: EvalBinOp(in.Op, lc, rc)}
	}

	switch in.Op {
	case ir.OpMul:
		return o.rewriteMul(in, lc, lconst, rc, rconst)
	case ir.OpAdd:
		if rconst {
			return o.foldDisp(in.Dst, in.LHS.Value, int64(rc))
		}
		if lconst {
			return o.foldDisp(in.Dst, in.RHS.Value, int64(lc))
		}
		return o.foldScaled(in)
	case ir.OpSub:
		if rconst {
			return o.foldDisp(in.Dst, in.LHS.Value, -int64(rc))
		}
	case ir.OpAnd:
		if rconst {
			return o.collapseAnd(in, in.LHS, rc)
		}
		if lconst {
			return o.collapseAnd(in, in.RHS, lc)
		}
	}
	return nil
}

func (o *optimizer) rewriteMul(in *BinOp, lc uint64, lconst bool, rc uint64, rconst bool) Instr {
	x, c := in.LHS, rc
	if lconst {
		x, c = in.RHS, lc
	} else if !rconst {
		if o.isBool(in.LHS) && o.isBool(in.RHS) {
			o.stats.MulToAnd++
			return &BinOp{Dst: in.Dst, Op: ir.OpAnd, LHS: in.LHS, RHS: in.RHS}
		}
		return nil
	}

	if c == 0 || c&(c-1) != 0 {
		return nil
	}
	o.stats.MulToShift++
	return &BinOp{Dst: in.Dst, Op: ir.OpShl, LHS: x, RHS: Imm(uint64(bits.TrailingZeros64(c)))}
}

// foldDisp turns base+disp into an Addr, merging into base's own Addr.
// The merged Addr is a copy under dst with the displacements summed, so
// other uses of base keep their value; DCE drops base once it is unused.
func (o *optimizer) foldDisp(dst, base ValueID, disp int64) Instr {
	if a, ok := o.defs[base].(*Addr); ok {
		o.stats.AddrChained++
		n := *a
		n.Dst = dst
		n.Disp += disp
		return &n
	}
	o.stats.AddrFolded++
	return &Addr{Dst: dst, Base: base, Scale: 1, Disp: disp}
}

// foldScaled turns base + (index << k), k <= 3, into a scaled Addr.
func (o *optimizer) foldScaled(in *BinOp) Instr {
	base, sh := in.LHS, in.RHS
	idx, k, ok := o.shiftOf(sh)
	if !ok || k > 3 {
		base, sh = in.RHS, in.LHS
		idx, k, ok = o.shiftOf(sh)
		if !ok || k > 3 {
			return nil
		}
	}

	addr := &Addr{Dst: in.Dst, Base: base.Value, Index: idx, HasIndex: true, Scale: 1 << k}
	if a, ok := o.defs[base.Value].(*Addr); ok && !a.HasIndex {
		addr.Base = a.Base
		addr.Disp = a.Disp
	}
	o.stats.ScaledIndex++
	return addr
}

func (o *optimizer) collapseAnd(in *BinOp, x Operand, mask uint64) Instr {
	if x.IsImm {
		return nil
	}
	inner, ok := o.defs[x.Value].(*BinOp)
	if !ok || inner.Op != ir.OpAnd {
		return nil
	}

	var y Operand
	var m uint64
	if c, ok := o.constOf(inner.RHS); ok {
		y, m = inner.LHS, c
	} else if c, ok := o.constOf(inner.LHS); ok {
		y, m = inner.RHS, c
	} else {
		return nil
	}
	o.stats.AndCollapsed++
	return &BinOp{Dst: in.Dst, Op: ir.OpAnd, LHS: y, RHS: Imm(m & mask)}
}

// eliminate drops pure instructions with no users until none remain.
func (o *optimizer) eliminate() bool {
	removed := false
	for {
		used := make([]bool, o.f.NumValues)
		for _, b := range o.f.Blocks {
			for _, in := range b.Instrs {
				for _, v := range Uses(in) {
					used[v] = true
				}
			}
			if br, ok := b.Term.(*Branch); ok && !br.Cond.IsImm {
				used[br.Cond.Value] = true
			}
		}

		n := 0
		for _, b := range o.f.Blocks {
			kept := b.Instrs[:0]
			for _, in := range b.Instrs {
				if d, ok := Dst(in); ok && Pure(in) && !used[d] {
					n++
					continue
				}
				kept = append(kept, in)
			}
			b.Instrs = kept
		}

		if n == 0 {
			return removed
		}
		o.stats.DeadRemoved += n
		removed = true
	}
}

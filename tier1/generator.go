package tier1

import (
	"math/rand"

	"github.com/sarchlab/tierjit/ir"
)

// GeneratorConfig bounds the blocks a Generator produces.
type GeneratorConfig struct {
	// Entry is the block's entry address.
	Entry uint64

	// MaxInstrs bounds the instruction count.
	MaxInstrs int

	// MemBase and MemSize bound generated memory addresses.
	MemBase uint64
	MemSize uint64

	// Tier2Safe restricts generation to constructs Tier-2 lowering supports:
	// no flag or RIP writes, no arithmetic shifts, no flags on shifts or
	// multiplies, no helpers and no indirect jumps.
	Tier2Safe bool
}

// Generator produces random blocks that pass Validate.
type Generator struct {
	cfg GeneratorConfig
	rnd *rand.Rand

	bd     *Builder
	widths []ir.Width
	conds  []ValueID
}

// NewGenerator creates a generator seeded with seed.
func NewGenerator(cfg GeneratorConfig, seed int64) *Generator {
	if cfg.MaxInstrs <= 0 {
		cfg.MaxInstrs = 32
	}
	if cfg.MemSize == 0 {
		cfg.MemSize = 0x1000
	}
	return &Generator{cfg: cfg, rnd: rand.New(rand.NewSource(seed))}
}

var widths = []ir.Width{ir.W8, ir.W16, ir.W32, ir.W64}

func (g *Generator) width() ir.Width {
	return widths[g.rnd.Intn(len(widths))]
}

func (g *Generator) value64() uint64 {
	switch g.rnd.Intn(4) {
	case 0:
		return uint64(g.rnd.Intn(16))
	case 1:
		return ^uint64(0) - uint64(g.rnd.Intn(16))
	case 2:
		return 1 << uint(g.rnd.Intn(64))
	}
	return g.rnd.Uint64()
}

func (g *Generator) define(v ValueID, w ir.Width) ValueID {
	g.widths = append(g.widths, w)
	return v
}

// operand picks an existing value no wider than w, or an immediate.
func (g *Generator) operand(w ir.Width) Operand {
	if g.rnd.Intn(4) != 0 {
		start := g.rnd.Intn(len(g.widths) + 1)
		for i := 0; i < len(g.widths); i++ {
			v := (start + i) % len(g.widths)
			if g.widths[v] <= w {
				return Val(ValueID(v))
			}
		}
	}
	return Imm(g.value64() & w.Mask())
}

func (g *Generator) address() Operand {
	off := uint64(g.rnd.Int63n(int64(g.cfg.MemSize)))
	if g.rnd.Intn(2) == 0 {
		return Imm(g.cfg.MemBase + off)
	}
	return Val(g.define(g.bd.Const(ir.W64, g.cfg.MemBase+off), ir.W64))
}

func (g *Generator) reg() ir.GuestReg {
	idx := g.rnd.Intn(16)
	if idx < 4 && g.rnd.Intn(5) == 0 {
		return ir.High8(idx)
	}
	return ir.GPR(idx, g.width())
}

var binOps = []ir.BinOp{
	ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpAnd, ir.OpOr, ir.OpXor, ir.OpShl, ir.OpShr, ir.OpSar,
}

func (g *Generator) flags() ir.FlagSet {
	switch g.rnd.Intn(3) {
	case 0:
		return ir.NoFlags
	case 1:
		return ir.AllFlags
	}
	return ir.FlagSet(g.rnd.Intn(int(ir.AllFlags) + 1))
}

func (g *Generator) binOp() {
	op := binOps[g.rnd.Intn(len(binOps))]
	if g.cfg.Tier2Safe && op == ir.OpSar {
		op = ir.OpShr
	}
	w := g.width()
	flags := g.flags()
	if g.cfg.Tier2Safe && (op == ir.OpMul || op.IsShift()) {
		flags = ir.NoFlags
	}

	lhs := g.operand(w)
	var rhs Operand
	if op.IsShift() && g.rnd.Intn(2) == 0 {
		rhs = Imm(uint64(g.rnd.Intn(70)))
	} else {
		rhs = g.operand(w)
	}
	g.define(g.bd.BinOp(op, lhs, rhs, w, flags), w)
}

func (g *Generator) instr() {
	switch g.rnd.Intn(13) {
	case 0:
		w := g.width()
		g.define(g.bd.Const(w, g.value64()), w)
	case 1:
		r := g.reg()
		if g.rnd.Intn(4) == 0 {
			r = ir.FlagReg(ir.Flags()[g.rnd.Intn(6)])
		}
		g.define(g.bd.ReadReg(r), r.Width())
	case 2:
		if !g.cfg.Tier2Safe && g.rnd.Intn(4) == 0 {
			g.bd.WriteReg(ir.FlagReg(ir.Flags()[g.rnd.Intn(6)]), g.operand(ir.W64))
			return
		}
		r := g.reg()
		g.bd.WriteReg(r, g.operand(r.Width()))
	case 3:
		w := g.width()
		g.define(g.bd.Trunc(g.operand(ir.W64), w), w)
	case 4:
		w := g.width()
		g.define(g.bd.Load(g.address(), w), w)
	case 5:
		w := g.width()
		addr := g.address()
		g.bd.Store(addr, g.operand(w), w)
	case 6, 7, 8:
		g.binOp()
	case 9:
		w := g.width()
		g.bd.Cmp(g.operand(w), g.operand(w), w, g.flags())
	case 10:
		w := g.width()
		g.bd.Test(g.operand(w), g.operand(w), w, g.flags())
	case 11:
		v := g.define(g.bd.EvalCond(ir.Cond(g.rnd.Intn(int(ir.NumConds)))), ir.W8)
		g.conds = append(g.conds, v)
	case 12:
		w := g.width()
		cond := g.operand(ir.W64)
		if len(g.conds) > 0 && g.rnd.Intn(2) == 0 {
			cond = Val(g.conds[g.rnd.Intn(len(g.conds))])
		}
		g.define(g.bd.Select(cond, g.operand(w), g.operand(w), w), w)
	}
}

// Target returns the i-th jump target the generator may use. Targets never
// equal the entry address.
func (g *Generator) Target(i int) uint64 {
	return g.cfg.Entry + 0x100*uint64(i+1)
}

func (g *Generator) term() Terminator {
	n := 4
	if g.cfg.Tier2Safe {
		n = 3
	}
	switch g.rnd.Intn(n) {
	case 0:
		return &Jump{Target: g.Target(0)}
	case 1:
		var cond Operand
		if len(g.conds) > 0 {
			cond = Val(g.conds[g.rnd.Intn(len(g.conds))])
		} else {
			cond = Val(g.define(g.bd.EvalCond(ir.Cond(g.rnd.Intn(int(ir.NumConds)))), ir.W8))
		}
		return &CondJump{Cond: cond, Target: g.Target(1), Fallthrough: g.Target(2)}
	case 2:
		return &ExitToInterpreter{NextRIP: g.Target(3)}
	}
	return &IndirectJump{Target: g.operand(ir.W64)}
}

// Block generates one block.
func (g *Generator) Block() *Block {
	g.bd = NewBuilder(g.cfg.Entry)
	g.widths = g.widths[:0]
	g.conds = g.conds[:0]

	n := 1 + g.rnd.Intn(g.cfg.MaxInstrs)
	for i := 0; i < n; i++ {
		g.instr()
	}
	return g.bd.Finish(g.term(), 16)
}

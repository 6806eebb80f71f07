package tier1

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/sarchlab/tierjit/insts"
	"github.com/sarchlab/tierjit/ir"
)

const rsp = 4

// Translate lowers a discovered basic block to a Tier-1 block. Guest
// instructions it does not model end the block with a CallHelper marker and
// an exit to the interpreter at that instruction, so everything before it
// still runs compiled.
func Translate(bb *insts.BasicBlock) *Block {
	t := translator{bd: NewBuilder(bb.Start)}

	for _, in := range bb.Insts {
		m := t.bd.Mark()
		t.in = in
		term, ok := t.inst(in)
		if !ok {
			t.bd.Rewind(m)
			t.bd.CallHelper(in.Addr)
			return t.finish(&ExitToInterpreter{NextRIP: in.Addr}, in.Addr-bb.Start)
		}
		if term != nil {
			return t.finish(term, in.Next()-bb.Start)
		}
	}

	return t.finish(&Jump{Target: bb.Next}, bb.Next-bb.Start)
}

func (t *translator) finish(term Terminator, length uint64) *Block {
	b := t.bd.Finish(term, int(length))
	PruneFlags(b)
	return b
}

type translator struct {
	bd *Builder
	in insts.Inst
}

// inst translates one instruction. It returns a terminator for control
// transfers and ok=false for anything unsupported.
func (t *translator) inst(in insts.Inst) (Terminator, bool) {
	if in.Invalid || locked(in.Op) {
		return nil, false
	}
	op := in.Op.Op
	args := in.Op.Args

	if c, ok := jccCond(op); ok {
		rel, ok := args[0].(x86asm.Rel)
		if !ok {
			return nil, false
		}
		cv := t.bd.EvalCond(c)
		return &CondJump{Cond: Val(cv), Target: t.relTarget(rel), Fallthrough: in.Next()}, true
	}
	if c, ok := cmovCond(op); ok {
		return nil, t.cmov(c)
	}
	if c, ok := setCond(op); ok {
		return nil, t.setcc(c)
	}

	switch op {
	case x86asm.NOP:
		return nil, true
	case x86asm.MOV:
		return nil, t.mov()
	case x86asm.MOVZX:
		return nil, t.movzx()
	case x86asm.MOVSX, x86asm.MOVSXD:
		return nil, t.movsx()
	case x86asm.LEA:
		return nil, t.lea()
	case x86asm.ADD:
		return nil, t.arith(ir.OpAdd, ir.AllFlags)
	case x86asm.SUB:
		return nil, t.arith(ir.OpSub, ir.AllFlags)
	case x86asm.AND:
		return nil, t.arith(ir.OpAnd, ir.AllFlags)
	case x86asm.OR:
		return nil, t.arith(ir.OpOr, ir.AllFlags)
	case x86asm.XOR:
		return nil, t.arith(ir.OpXor, ir.AllFlags)
	case x86asm.CMP:
		return nil, t.compare(false)
	case x86asm.TEST:
		return nil, t.compare(true)
	case x86asm.INC:
		return nil, t.incDec(ir.OpAdd)
	case x86asm.DEC:
		return nil, t.incDec(ir.OpSub)
	case x86asm.NOT:
		return nil, t.not()
	case x86asm.NEG:
		return nil, t.neg()
	case x86asm.IMUL:
		return nil, t.imul()
	case x86asm.SHL:
		return nil, t.shift(ir.OpShl)
	case x86asm.SHR:
		return nil, t.shift(ir.OpShr)
	case x86asm.SAR:
		return nil, t.shift(ir.OpSar)
	case x86asm.PUSH:
		return nil, t.push()
	case x86asm.POP:
		return nil, t.pop()
	case x86asm.JMP:
		return t.jmp()
	case x86asm.CALL:
		return t.call()
	case x86asm.RET:
		return t.ret()
	}
	return nil, false
}

func locked(op x86asm.Inst) bool {
	for _, p := range op.Prefix {
		if p == 0 {
			break
		}
		if p&0xFF == x86asm.PrefixLOCK {
			return true
		}
	}
	return false
}

func (t *translator) relTarget(rel x86asm.Rel) uint64 {
	return t.in.Next() + uint64(int64(rel))
}

// width returns the operand width of a register or memory argument.
func (t *translator) width(arg x86asm.Arg) (ir.Width, bool) {
	switch a := arg.(type) {
	case x86asm.Reg:
		r, ok := insts.GuestReg(a)
		if !ok || r.Kind() != ir.KindGPR {
			return 0, false
		}
		return r.Width(), true
	case x86asm.Mem:
		w := ir.Width(t.in.Op.MemBytes * 8)
		return w, w.Valid()
	}
	return 0, false
}

func (t *translator) ea(m x86asm.Mem) (Operand, bool) {
	switch m.Segment {
	case 0, x86asm.CS, x86asm.DS, x86asm.ES, x86asm.SS:
	default:
		return Operand{}, false
	}

	if m.Base == x86asm.RIP {
		if m.Index != 0 {
			return Operand{}, false
		}
		return Imm(t.in.Next() + uint64(m.Disp)), true
	}

	var addr Operand
	have := false
	if m.Base != 0 {
		r, ok := insts.GuestReg(m.Base)
		if !ok || r.Kind() != ir.KindGPR || r.Width() != ir.W64 {
			return Operand{}, false
		}
		addr = Val(t.bd.ReadReg(r))
		have = true
	}
	if m.Index != 0 {
		r, ok := insts.GuestReg(m.Index)
		if !ok || r.Kind() != ir.KindGPR || r.Width() != ir.W64 {
			return Operand{}, false
		}
		idx := Val(t.bd.ReadReg(r))
		if m.Scale > 1 {
			shift := uint64(0)
			for s := m.Scale; s > 1; s >>= 1 {
				shift++
			}
			idx = Val(t.bd.BinOp(ir.OpShl, idx, Imm(shift), ir.W64, ir.NoFlags))
		}
		if have {
			addr = Val(t.bd.BinOp(ir.OpAdd, addr, idx, ir.W64, ir.NoFlags))
		} else {
			addr = idx
		}
		have = true
	}
	if !have {
		return Imm(uint64(m.Disp)), true
	}
	if m.Disp != 0 {
		addr = Val(t.bd.BinOp(ir.OpAdd, addr, Imm(uint64(m.Disp)), ir.W64, ir.NoFlags))
	}
	return addr, true
}

// read produces an operand of width w from a register, memory or immediate
// argument.
func (t *translator) read(arg x86asm.Arg, w ir.Width) (Operand, bool) {
	switch a := arg.(type) {
	case x86asm.Reg:
		r, ok := insts.GuestReg(a)
		if !ok || r.Kind() != ir.KindGPR {
			return Operand{}, false
		}
		return Val(t.bd.ReadReg(r)), true
	case x86asm.Mem:
		addr, ok := t.ea(a)
		if !ok {
			return Operand{}, false
		}
		mw, ok := t.width(a)
		if !ok {
			return Operand{}, false
		}
		return Val(t.bd.Load(addr, mw)), true
	case x86asm.Imm:
		return Imm(uint64(int64(a)) & w.Mask()), true
	}
	return Operand{}, false
}

func (t *translator) write(arg x86asm.Arg, w ir.Width, v Operand) bool {
	switch a := arg.(type) {
	case x86asm.Reg:
		r, ok := insts.GuestReg(a)
		if !ok || r.Kind() != ir.KindGPR {
			return false
		}
		t.bd.WriteReg(r, v)
		return true
	case x86asm.Mem:
		addr, ok := t.ea(a)
		if !ok {
			return false
		}
		t.bd.Store(addr, v, w)
		return true
	}
	return false
}

// rmw reads the destination once so that a memory destination computes its
// address a single time.
type rmw struct {
	t    *translator
	arg  x86asm.Arg
	w    ir.Width
	addr Operand
	mem  bool
}

func (t *translator) openRMW(arg x86asm.Arg) (*rmw, Operand, bool) {
	w, ok := t.width(arg)
	if !ok {
		return nil, Operand{}, false
	}
	d := &rmw{t: t, arg: arg, w: w}
	if m, isMem := arg.(x86asm.Mem); isMem {
		addr, ok := t.ea(m)
		if !ok {
			return nil, Operand{}, false
		}
		d.addr = addr
		d.mem = true
		return d, Val(t.bd.Load(addr, w)), true
	}
	v, ok := t.read(arg, w)
	return d, v, ok
}

func (d *rmw) store(v Operand) bool {
	if d.mem {
		d.t.bd.Store(d.addr, v, d.w)
		return true
	}
	return d.t.write(d.arg, d.w, v)
}

func (t *translator) mov() bool {
	args := t.in.Op.Args
	w, ok := t.width(args[0])
	if !ok {
		return false
	}
	v, ok := t.read(args[1], w)
	if !ok {
		return false
	}
	return t.write(args[0], w, v)
}

func (t *translator) movzx() bool {
	args := t.in.Op.Args
	wd, ok := t.width(args[0])
	if !ok {
		return false
	}
	ws, ok := t.width(args[1])
	if !ok {
		return false
	}
	v, ok := t.read(args[1], ws)
	if !ok {
		return false
	}
	return t.write(args[0], wd, v)
}

func (t *translator) movsx() bool {
	args := t.in.Op.Args
	wd, ok := t.width(args[0])
	if !ok {
		return false
	}
	ws, ok := t.width(args[1])
	if !ok || ws >= wd {
		return false
	}
	v, ok := t.read(args[1], ws)
	if !ok {
		return false
	}
	sh := Imm(uint64(64 - ws))
	up := t.bd.BinOp(ir.OpShl, v, sh, ir.W64, ir.NoFlags)
	ext := Val(t.bd.BinOp(ir.OpSar, Val(up), sh, ir.W64, ir.NoFlags))
	if wd < ir.W64 {
		ext = Val(t.bd.Trunc(ext, wd))
	}
	return t.write(args[0], wd, ext)
}

func (t *translator) lea() bool {
	args := t.in.Op.Args
	wd, ok := t.width(args[0])
	if !ok || wd == ir.W8 {
		return false
	}
	m, ok := args[1].(x86asm.Mem)
	if !ok {
		return false
	}
	addr, ok := t.ea(m)
	if !ok {
		return false
	}
	if wd < ir.W64 {
		if addr.IsImm {
			addr = Imm(addr.Imm & wd.Mask())
		} else {
			addr = Val(t.bd.Trunc(addr, wd))
		}
	}
	return t.write(args[0], wd, addr)
}

func (t *translator) arith(op ir.BinOp, flags ir.FlagSet) bool {
	args := t.in.Op.Args
	d, a, ok := t.openRMW(args[0])
	if !ok {
		return false
	}
	b, ok := t.read(args[1], d.w)
	if !ok {
		return false
	}
	r := t.bd.BinOp(op, a, b, d.w, flags)
	return d.store(Val(r))
}

func (t *translator) compare(test bool) bool {
	args := t.in.Op.Args
	w, ok := t.width(args[0])
	if !ok {
		return false
	}
	a, ok := t.read(args[0], w)
	if !ok {
		return false
	}
	b, ok := t.read(args[1], w)
	if !ok {
		return false
	}
	if test {
		t.bd.Test(a, b, w, ir.AllFlags)
	} else {
		t.bd.Cmp(a, b, w, ir.AllFlags)
	}
	return true
}

func (t *translator) incDec(op ir.BinOp) bool {
	d, a, ok := t.openRMW(t.in.Op.Args[0])
	if !ok {
		return false
	}
	r := t.bd.BinOp(op, a, Imm(1), d.w, ir.IncDecFlags)
	return d.store(Val(r))
}

func (t *translator) not() bool {
	d, a, ok := t.openRMW(t.in.Op.Args[0])
	if !ok {
		return false
	}
	r := t.bd.BinOp(ir.OpXor, a, Imm(d.w.Mask()), d.w, ir.NoFlags)
	return d.store(Val(r))
}

func (t *translator) neg() bool {
	d, a, ok := t.openRMW(t.in.Op.Args[0])
	if !ok {
		return false
	}
	r := t.bd.BinOp(ir.OpSub, Imm(0), a, d.w, ir.AllFlags)
	return d.store(Val(r))
}

var mulFlags = ir.FlagSetOf(ir.FlagCF, ir.FlagOF)

func (t *translator) imul() bool {
	args := t.in.Op.Args
	if args[1] == nil {
		// One-operand form writes rdx:rax.
		return false
	}
	w, ok := t.width(args[0])
	if !ok || w == ir.W8 {
		return false
	}

	var a, b Operand
	if args[2] != nil {
		a, ok = t.read(args[1], w)
		if !ok {
			return false
		}
		b, ok = t.read(args[2], w)
	} else {
		a, ok = t.read(args[0], w)
		if !ok {
			return false
		}
		b, ok = t.read(args[1], w)
	}
	if !ok {
		return false
	}

	r := t.bd.BinOp(ir.OpMul, a, b, w, mulFlags)
	return t.write(args[0], w, Val(r))
}

var shiftFlags = ir.AllFlags &^ ir.FlagSetOf(ir.FlagAF)

func (t *translator) shift(op ir.BinOp) bool {
	args := t.in.Op.Args
	d, a, ok := t.openRMW(args[0])
	if !ok {
		return false
	}

	var count Operand
	flags := shiftFlags
	switch c := args[1].(type) {
	case x86asm.Imm:
		n := ir.ShiftCount(uint64(c), d.w)
		count = Imm(n)
		if n == 0 {
			flags = ir.NoFlags
		}
	case x86asm.Reg:
		if c != x86asm.CL {
			return false
		}
		count = Val(t.bd.ReadReg(ir.GPR(1, ir.W8)))
	default:
		return false
	}

	r := t.bd.BinOp(op, a, count, d.w, flags)
	return d.store(Val(r))
}

func (t *translator) cmov(c ir.Cond) bool {
	args := t.in.Op.Args
	w, ok := t.width(args[0])
	if !ok {
		return false
	}
	cv := t.bd.EvalCond(c)
	old, ok := t.read(args[0], w)
	if !ok {
		return false
	}
	src, ok := t.read(args[1], w)
	if !ok {
		return false
	}
	v := t.bd.Select(Val(cv), src, old, w)
	return t.write(args[0], w, Val(v))
}

func (t *translator) setcc(c ir.Cond) bool {
	args := t.in.Op.Args
	w, ok := t.width(args[0])
	if !ok || w != ir.W8 {
		return false
	}
	cv := t.bd.EvalCond(c)
	return t.write(args[0], w, Val(cv))
}

func (t *translator) pushValue(v Operand) {
	sp := t.bd.ReadReg(ir.GPR(rsp, ir.W64))
	nsp := t.bd.BinOp(ir.OpSub, Val(sp), Imm(8), ir.W64, ir.NoFlags)
	t.bd.Store(Val(nsp), v, ir.W64)
	t.bd.WriteReg(ir.GPR(rsp, ir.W64), Val(nsp))
}

func (t *translator) push() bool {
	arg := t.in.Op.Args[0]
	if _, isImm := arg.(x86asm.Imm); !isImm {
		if w, ok := t.width(arg); !ok || w != ir.W64 {
			return false
		}
	} else if t.in.Op.DataSize == 16 {
		return false
	}
	v, ok := t.read(arg, ir.W64)
	if !ok {
		return false
	}
	t.pushValue(v)
	return true
}

func (t *translator) pop() bool {
	reg, ok := t.in.Op.Args[0].(x86asm.Reg)
	if !ok {
		return false
	}
	r, ok := insts.GuestReg(reg)
	if !ok || r.Kind() != ir.KindGPR || r.Width() != ir.W64 {
		return false
	}
	sp := t.bd.ReadReg(ir.GPR(rsp, ir.W64))
	v := t.bd.Load(Val(sp), ir.W64)
	nsp := t.bd.BinOp(ir.OpAdd, Val(sp), Imm(8), ir.W64, ir.NoFlags)
	t.bd.WriteReg(ir.GPR(rsp, ir.W64), Val(nsp))
	t.bd.WriteReg(r, Val(v))
	return true
}

func (t *translator) jmp() (Terminator, bool) {
	arg := t.in.Op.Args[0]
	if rel, ok := arg.(x86asm.Rel); ok {
		return &Jump{Target: t.relTarget(rel)}, true
	}
	if w, ok := t.width(arg); !ok || w != ir.W64 {
		return nil, false
	}
	target, ok := t.read(arg, ir.W64)
	if !ok {
		return nil, false
	}
	return &IndirectJump{Target: target}, true
}

func (t *translator) call() (Terminator, bool) {
	arg := t.in.Op.Args[0]
	if rel, ok := arg.(x86asm.Rel); ok {
		t.pushValue(Imm(t.in.Next()))
		return &Jump{Target: t.relTarget(rel)}, true
	}
	if w, ok := t.width(arg); !ok || w != ir.W64 {
		return nil, false
	}
	target, ok := t.read(arg, ir.W64)
	if !ok {
		return nil, false
	}
	t.pushValue(Imm(t.in.Next()))
	return &IndirectJump{Target: target}, true
}

func (t *translator) ret() (Terminator, bool) {
	if t.in.Op.Args[0] != nil {
		return nil, false
	}
	sp := t.bd.ReadReg(ir.GPR(rsp, ir.W64))
	target := t.bd.Load(Val(sp), ir.W64)
	nsp := t.bd.BinOp(ir.OpAdd, Val(sp), Imm(8), ir.W64, ir.NoFlags)
	t.bd.WriteReg(ir.GPR(rsp, ir.W64), Val(nsp))
	return &IndirectJump{Target: Val(target)}, true
}

func jccCond(op x86asm.Op) (ir.Cond, bool) {
	switch op {
	case x86asm.JO:
		return ir.CondO, true
	case x86asm.JNO:
		return ir.CondNO, true
	case x86asm.JB:
		return ir.CondB, true
	case x86asm.JAE:
		return ir.CondAE, true
	case x86asm.JE:
		return ir.CondE, true
	case x86asm.JNE:
		return ir.CondNE, true
	case x86asm.JBE:
		return ir.CondBE, true
	case x86asm.JA:
		return ir.CondA, true
	case x86asm.JS:
		return ir.CondS, true
	case x86asm.JNS:
		return ir.CondNS, true
	case x86asm.JP:
		return ir.CondP, true
	case x86asm.JNP:
		return ir.CondNP, true
	case x86asm.JL:
		return ir.CondL, true
	case x86asm.JGE:
		return ir.CondGE, true
	case x86asm.JLE:
		return ir.CondLE, true
	case x86asm.JG:
		return ir.CondG, true
	}
	return 0, false
}

func cmovCond(op x86asm.Op) (ir.Cond, bool) {
	switch op {
	case x86asm.CMOVO:
		return ir.CondO, true
	case x86asm.CMOVNO:
		return ir.CondNO, true
	case x86asm.CMOVB:
		return ir.CondB, true
	case x86asm.CMOVAE:
		return ir.CondAE, true
	case x86asm.CMOVE:
		return ir.CondE, true
	case x86asm.CMOVNE:
		return ir.CondNE, true
	case x86asm.CMOVBE:
		return ir.CondBE, true
	case x86asm.CMOVA:
		return ir.CondA, true
	case x86asm.CMOVS:
		return ir.CondS, true
	case x86asm.CMOVNS:
		return ir.CondNS, true
	case x86asm.CMOVP:
		return ir.CondP, true
	case x86asm.CMOVNP:
		return ir.CondNP, true
	case x86asm.CMOVL:
		return ir.CondL, true
	case x86asm.CMOVGE:
		return ir.CondGE, true
	case x86asm.CMOVLE:
		return ir.CondLE, true
	case x86asm.CMOVG:
		return ir.CondG, true
	}
	return 0, false
}

func setCond(op x86asm.Op) (ir.Cond, bool) {
	switch op {
	case x86asm.SETO:
		return ir.CondO, true
	case x86asm.SETNO:
		return ir.CondNO, true
	case x86asm.SETB:
		return ir.CondB, true
	case x86asm.SETAE:
		return ir.CondAE, true
	case x86asm.SETE:
		return ir.CondE, true
	case x86asm.SETNE:
		return ir.CondNE, true
	case x86asm.SETBE:
		return ir.CondBE, true
	case x86asm.SETA:
		return ir.CondA, true
	case x86asm.SETS:
		return ir.CondS, true
	case x86asm.SETNS:
		return ir.CondNS, true
	case x86asm.SETP:
		return ir.CondP, true
	case x86asm.SETNP:
		return ir.CondNP, true
	case x86asm.SETL:
		return ir.CondL, true
	case x86asm.SETGE:
		return ir.CondGE, true
	case x86asm.SETLE:
		return ir.CondLE, true
	case x86asm.SETG:
		return ir.CondG, true
	}
	return 0, false
}

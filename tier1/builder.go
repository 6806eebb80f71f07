package tier1

import (
	"fmt"
	"strings"

	"github.com/sarchlab/tierjit/ir"
)

// Builder appends instructions to a block and allocates dense ValueIDs.
type Builder struct {
	b *Block
}

// NewBuilder starts a block at entry.
func NewBuilder(entry uint64) *Builder {
	return &Builder{b: &Block{EntryRIP: entry}}
}

func (bd *Builder) newValue() ValueID {
	v := ValueID(bd.b.NumValues)
	bd.b.NumValues++
	return v
}

func (bd *Builder) emit(in Instr) {
	bd.b.Instrs = append(bd.b.Instrs, in)
}

// Mark records the current position for Rewind.
type Mark struct {
	instrs int
	values int
}

// Mark returns the current position.
func (bd *Builder) Mark() Mark {
	return Mark{instrs: len(bd.b.Instrs), values: bd.b.NumValues}
}

// Rewind drops everything emitted since m.
func (bd *Builder) Rewind(m Mark) {
	bd.b.Instrs = bd.b.Instrs[:m.instrs]
	bd.b.NumValues = m.values
}

// Const emits a constant masked to w.
func (bd *Builder) Const(w ir.Width, v uint64) ValueID {
	dst := bd.newValue()
	bd.emit(&Const{Dst: dst, Width: w, Value: v & w.Mask()})
	return dst
}

// ReadReg emits a register read.
func (bd *Builder) ReadReg(r ir.GuestReg) ValueID {
	dst := bd.newValue()
	bd.emit(&ReadReg{Dst: dst, Reg: r})
	return dst
}

// WriteReg emits a register write.
func (bd *Builder) WriteReg(r ir.GuestReg, src Operand) {
	bd.emit(&WriteReg{Reg: r, Src: src})
}

// Trunc emits a width mask.
func (bd *Builder) Trunc(src Operand, w ir.Width) ValueID {
	dst := bd.newValue()
	bd.emit(&Trunc{Dst: dst, Src: src, Width: w})
	return dst
}

// Load emits a memory read.
func (bd *Builder) Load(addr Operand, w ir.Width) ValueID {
	dst := bd.newValue()
	bd.emit(&Load{Dst: dst, Addr: addr, Width: w})
	return dst
}

// Store emits a memory write.
func (bd *Builder) Store(addr, src Operand, w ir.Width) {
	bd.emit(&Store{Addr: addr, Src: src, Width: w})
}

// BinOp emits a binary operation.
func (bd *Builder) BinOp(op ir.BinOp, lhs, rhs Operand, w ir.Width, flags ir.FlagSet) ValueID {
	dst := bd.newValue()
	bd.emit(&BinOp{Dst: dst, Op: op, LHS: lhs, RHS: rhs, Width: w, Flags: flags})
	return dst
}

// Cmp emits a compare.
func (bd *Builder) Cmp(lhs, rhs Operand, w ir.Width, flags ir.FlagSet) {
	bd.emit(&CmpFlags{LHS: lhs, RHS: rhs, Width: w, Flags: flags})
}

// Test emits a bitwise test.
func (bd *Builder) Test(lhs, rhs Operand, w ir.Width, flags ir.FlagSet) {
	bd.emit(&TestFlags{LHS: lhs, RHS: rhs, Width: w, Flags: flags})
}

// EvalCond emits a condition evaluation.
func (bd *Builder) EvalCond(c ir.Cond) ValueID {
	dst := bd.newValue()
	bd.emit(&EvalCond{Dst: dst, Cond: c})
	return dst
}

// Select emits a conditional select.
func (bd *Builder) Select(cond, then, els Operand, w ir.Width) ValueID {
	dst := bd.newValue()
	bd.emit(&Select{Dst: dst, Cond: cond, Then: then, Else: els, Width: w})
	return dst
}

// CallHelper emits an interpreter hand-off marker.
func (bd *Builder) CallHelper(rip uint64) {
	bd.emit(&CallHelper{RIP: rip})
}

// Finish sets the terminator and guest length and returns the block.
func (bd *Builder) Finish(term Terminator, length int) *Block {
	bd.b.Term = term
	bd.b.Len = length
	return bd.b
}

// Format renders a block in a readable listing.
func Format(b *Block) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "tier1 %#x (len %d, %d values)\n", b.EntryRIP, b.Len, b.NumValues)
	for _, in := range b.Instrs {
		sb.WriteString("  ")
		sb.WriteString(formatInstr(in))
		sb.WriteByte('\n')
	}
	sb.WriteString("  ")
	sb.WriteString(formatTerm(b.Term))
	sb.WriteByte('\n')
	return sb.String()
}

func formatInstr(in Instr) string {
	switch in := in.(type) {
	case *Const:
		return fmt.Sprintf("%s = const.%d %#x", in.Dst, in.Width, in.Value)
	case *ReadReg:
		return fmt.Sprintf("%s = read %s", in.Dst, in.Reg)
	case *WriteReg:
		return fmt.Sprintf("write %s, %s", in.Reg, in.Src)
	case *Trunc:
		return fmt.Sprintf("%s = trunc.%d %s", in.Dst, in.Width, in.Src)
	case *Load:
		return fmt.Sprintf("%s = load.%d [%s]", in.Dst, in.Width, in.Addr)
	case *Store:
		return fmt.Sprintf("store.%d [%s], %s", in.Width, in.Addr, in.Src)
	case *BinOp:
		return fmt.Sprintf("%s = %s.%d %s, %s {%s}", in.Dst, in.Op, in.Width, in.LHS, in.RHS, in.Flags)
	case *CmpFlags:
		return fmt.Sprintf("cmp.%d %s, %s {%s}", in.Width, in.LHS, in.RHS, in.Flags)
	case *TestFlags:
		return fmt.Sprintf("test.%d %s, %s {%s}", in.Width, in.LHS, in.RHS, in.Flags)
	case *EvalCond:
		return fmt.Sprintf("%s = cond %s", in.Dst, in.Cond)
	case *Select:
		return fmt.Sprintf("%s = select.%d %s ? %s : %s", in.Dst, in.Width, in.Cond, in.Then, in.Else)
	case *CallHelper:
		return fmt.Sprintf("helper %#x", in.RIP)
	}
	return fmt.Sprintf("%T", in)
}

func formatTerm(t Terminator) string {
	switch t := t.(type) {
	case *Jump:
		return fmt.Sprintf("jump %#x", t.Target)
	case *CondJump:
		return fmt.Sprintf("jcc %s ? %#x : %#x", t.Cond, t.Target, t.Fallthrough)
	case *IndirectJump:
		return fmt.Sprintf("jump [%s]", t.Target)
	case *ExitToInterpreter:
		return fmt.Sprintf("exit %#x", t.NextRIP)
	}
	return "<no terminator>"
}

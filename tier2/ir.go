// Package tier2 implements the function-level intermediate representation:
// a worklist-driven CFG builder that lowers Tier-1 blocks into 64-bit
// operations over a function-wide value space, a fixed-point optimizer, a
// validator and a reference interpreter.
package tier2

import (
	"fmt"

	"github.com/sarchlab/tierjit/ir"
)

// ValueID names a value. IDs are unique across a Function.
type ValueID uint32

func (v ValueID) String() string {
	return fmt.Sprintf("v%d", uint32(v))
}

// BlockID indexes Function.Blocks.
type BlockID int

func (b BlockID) String() string {
	return fmt.Sprintf("b%d", int(b))
}

// Operand is either an immediate or a value reference.
type Operand struct {
	IsImm bool
	Imm   uint64
	Value ValueID
}

// Imm builds an immediate operand.
func Imm(v uint64) Operand {
	return Operand{IsImm: true, Imm: v}
}

// Val builds a value operand.
func Val(v ValueID) Operand {
	return Operand{Value: v}
}

func (o Operand) String() string {
	if o.IsImm {
		return fmt.Sprintf("%#x", o.Imm)
	}
	return o.Value.String()
}

// Instr is one Tier-2 instruction. All values are 64 bits wide.
type Instr interface {
	isInstr()
}

// Const materializes a constant.
type Const struct {
	Dst   ValueID
	Value uint64
}

// LoadReg reads a full 64-bit general register.
type LoadReg struct {
	Dst   ValueID
	Index int
}

// StoreReg writes a full 64-bit general register.
type StoreReg struct {
	Index int
	Src   Operand
}

// LoadFlag reads a status flag as 0 or 1.
type LoadFlag struct {
	Dst  ValueID
	Flag ir.Flag
}

// Load reads Width bits of guest memory, zero-extended.
type Load struct {
	Dst   ValueID
	Addr  Operand
	Width ir.Width
}

// Store writes the low Width bits of Src to guest memory.
type Store struct {
	Addr  Operand
	Src   Operand
	Width ir.Width
}

// BinOp computes a 64-bit LHS op RHS. When Flags is not empty it also
// updates those flags as an operation of FlagWidth bits would. Add and Sub
// receive operands shifted into the top FlagWidth bits; And, Or and Xor
// receive operands at their native width.
type BinOp struct {
	Dst       ValueID
	Op        ir.BinOp
	LHS       Operand
	RHS       Operand
	Flags     ir.FlagSet
	FlagWidth ir.Width
}

// CmpFlags sets Flags as for LHS - RHS at Width.
type CmpFlags struct {
	LHS   Operand
	RHS   Operand
	Width ir.Width
	Flags ir.FlagSet
}

// TestFlags sets Flags as for LHS & RHS at Width.
type TestFlags struct {
	LHS   Operand
	RHS   Operand
	Width ir.Width
	Flags ir.FlagSet
}

// EvalCond yields 1 when Cond holds for the current flags, else 0.
type EvalCond struct {
	Dst  ValueID
	Cond ir.Cond
}

// Select yields Then when Cond is nonzero, else Else.
type Select struct {
	Dst  ValueID
	Cond Operand
	Then Operand
	Else Operand
}

// Addr computes Base + Index*Scale + Disp. Only the optimizer creates it.
type Addr struct {
	Dst      ValueID
	Base     ValueID
	Index    ValueID
	HasIndex bool
	Scale    uint8
	Disp     int64
}

func (*Const) isInstr()     {}
func (*LoadReg) isInstr()   {}
func (*StoreReg) isInstr()  {}
func (*LoadFlag) isInstr()  {}
func (*Load) isInstr()      {}
func (*Store) isInstr()     {}
func (*BinOp) isInstr()     {}
func (*CmpFlags) isInstr()  {}
func (*TestFlags) isInstr() {}
func (*EvalCond) isInstr()  {}
func (*Select) isInstr()    {}
func (*Addr) isInstr()      {}

// Terminator ends a block.
type Terminator interface {
	isTerminator()
}

// Jump continues at Target.
type Jump struct {
	Target BlockID
}

// Branch continues at Then when Cond is nonzero, else at Else.
type Branch struct {
	Cond Operand
	Then BlockID
	Else BlockID
}

// SideExit returns to the interpreter at RIP.
type SideExit struct {
	RIP uint64
}

func (*Jump) isTerminator()     {}
func (*Branch) isTerminator()   {}
func (*SideExit) isTerminator() {}

// Block is a node of the control-flow graph.
type Block struct {
	ID       BlockID
	StartRIP uint64

	// Len is the guest byte length the block was lowered from.
	Len int

	Instrs []Instr
	Term   Terminator
}

// Function is a control-flow graph of blocks.
type Function struct {
	Blocks []*Block
	Entry  BlockID

	// NumValues bounds every ValueID in the function.
	NumValues int
}

// EntryBlock returns the entry block.
func (f *Function) EntryBlock() *Block {
	return f.Blocks[f.Entry]
}

// NumInstrs counts instructions across all blocks.
func (f *Function) NumInstrs() int {
	n := 0
	for _, b := range f.Blocks {
		n += len(b.Instrs)
	}
	return n
}

// Dst returns the value an instruction defines.
func Dst(in Instr) (ValueID, bool) {
	switch in := in.(type) {
	case *Const:
		return in.Dst, true
	case *LoadReg:
		return in.Dst, true
	case *LoadFlag:
		return in.Dst, true
	case *Load:
		return in.Dst, true
	case *BinOp:
		return in.Dst, true
	case *EvalCond:
		return in.Dst, true
	case *Select:
		return in.Dst, true
	case *Addr:
		return in.Dst, true
	}
	return 0, false
}

// Uses returns the values an instruction reads.
func Uses(in Instr) []ValueID {
	var ops []Operand
	switch in := in.(type) {
	case *StoreReg:
		ops = []Operand{in.Src}
	case *Load:
		ops = []Operand{in.Addr}
	case *Store:
		ops = []Operand{in.Addr, in.Src}
	case *BinOp:
		ops = []Operand{in.LHS, in.RHS}
	case *CmpFlags:
		ops = []Operand{in.LHS, in.RHS}
	case *TestFlags:
		ops = []Operand{in.LHS, in.RHS}
	case *Select:
		ops = []Operand{in.Cond, in.Then, in.Else}
	case *Addr:
		if in.HasIndex {
			return []ValueID{in.Base, in.Index}
		}
		return []ValueID{in.Base}
	}

	var vs []ValueID
	for _, o := range ops {
		if !o.IsImm {
			vs = append(vs, o.Value)
		}
	}
	return vs
}

// Pure reports whether an instruction can be removed when its value is
// unused.
func Pure(in Instr) bool {
	switch in := in.(type) {
	case *Const, *LoadReg, *LoadFlag, *EvalCond, *Select, *Addr:
		return true
	case *BinOp:
		return in.Flags.Empty()
	}
	return false
}

// Package tier1 implements the per-basic-block intermediate representation:
// the translator from decoded guest instructions, a validator, a reference
// interpreter and a random block generator used for equivalence testing.
//
// A Block is a linear list of instructions over block-local ValueIDs followed
// by exactly one terminator. Terminators name guest addresses; linking blocks
// together is the job of the Tier-2 CFG builder.
package tier1

import (
	"fmt"

	"github.com/sarchlab/tierjit/ir"
)

// ValueID names a value defined by exactly one instruction of a block.
type ValueID uint32

func (v ValueID) String() string {
	return fmt.Sprintf("v%d", uint32(v))
}

// Operand is either an immediate or a reference to a defined value.
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

// Instr is one Tier-1 instruction. The set of implementations is closed.
type Instr interface {
	isInstr()
}

// Const materializes a constant.
type Const struct {
	Dst   ValueID
	Width ir.Width
	Value uint64
}

// ReadReg reads guest state. Flags read as 0 or 1; RIP reads as the block's
// entry address.
type ReadReg struct {
	Dst ValueID
	Reg ir.GuestReg
}

// WriteReg writes guest state with x86 sub-register semantics.
type WriteReg struct {
	Reg ir.GuestReg
	Src Operand
}

// Trunc masks a value to Width.
type Trunc struct {
	Dst   ValueID
	Src   Operand
	Width ir.Width
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

// BinOp computes LHS op RHS at Width and updates the flags in Flags.
type BinOp struct {
	Dst   ValueID
	Op    ir.BinOp
	LHS   Operand
	RHS   Operand
	Width ir.Width
	Flags ir.FlagSet
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
	Dst   ValueID
	Cond  Operand
	Then  Operand
	Else  Operand
	Width ir.Width
}

// CallHelper marks a guest instruction the translator does not model. The
// block's terminator exits to the interpreter at RIP.
type CallHelper struct {
	RIP uint64
}

func (*Const) isInstr()      {}
func (*ReadReg) isInstr()    {}
func (*WriteReg) isInstr()   {}
func (*Trunc) isInstr()      {}
func (*Load) isInstr()       {}
func (*Store) isInstr()      {}
func (*BinOp) isInstr()      {}
func (*CmpFlags) isInstr()   {}
func (*TestFlags) isInstr()  {}
func (*EvalCond) isInstr()   {}
func (*Select) isInstr()     {}
func (*CallHelper) isInstr() {}

// Terminator ends a block. Targets are guest addresses.
type Terminator interface {
	isTerminator()
}

// Jump continues at Target.
type Jump struct {
	Target uint64
}

// CondJump continues at Target when Cond is nonzero, else at Fallthrough.
type CondJump struct {
	Cond        Operand
	Target      uint64
	Fallthrough uint64
}

// IndirectJump continues at a computed address.
type IndirectJump struct {
	Target Operand
}

// ExitToInterpreter hands control back to the interpreter at NextRIP.
type ExitToInterpreter struct {
	NextRIP uint64
}

func (*Jump) isTerminator()              {}
func (*CondJump) isTerminator()          {}
func (*IndirectJump) isTerminator()      {}
func (*ExitToInterpreter) isTerminator() {}

// Block is a translated basic block.
type Block struct {
	EntryRIP uint64

	// Len is the guest byte length covered by the block.
	Len int

	Instrs []Instr
	Term   Terminator

	// NumValues is the number of ValueIDs defined by the block.
	NumValues int
}

// Unsupported reports whether the block hands an instruction it could not
// translate to the interpreter.
func (b *Block) Unsupported() bool {
	for _, in := range b.Instrs {
		if _, ok := in.(*CallHelper); ok {
			return true
		}
	}
	return false
}

// Dst returns the value an instruction defines.
func Dst(in Instr) (ValueID, bool) {
	switch in := in.(type) {
	case *Const:
		return in.Dst, true
	case *ReadReg:
		return in.Dst, true
	case *Trunc:
		return in.Dst, true
	case *Load:
		return in.Dst, true
	case *BinOp:
		return in.Dst, true
	case *EvalCond:
		return in.Dst, true
	case *Select:
		return in.Dst, true
	}
	return 0, false
}

// Operands returns the operands an instruction reads.
func Operands(in Instr) []Operand {
	switch in := in.(type) {
	case *WriteReg:
		return []Operand{in.Src}
	case *Trunc:
		return []Operand{in.Src}
	case *Load:
		return []Operand{in.Addr}
	case *Store:
		return []Operand{in.Addr, in.Src}
	case *BinOp:
		return []Operand{in.LHS, in.RHS}
	case *CmpFlags:
		return []Operand{in.LHS, in.RHS}
	case *TestFlags:
		return []Operand{in.LHS, in.RHS}
	case *Select:
		return []Operand{in.Cond, in.Then, in.Else}
	}
	return nil
}

package tier1

import "github.com/sarchlab/tierjit/ir"

// PruneFlags drops flag updates that a later instruction of the same block
// overwrites before any read. All flags are live at the block exit.
func PruneFlags(b *Block) {
	live := ir.AllFlags
	for i := len(b.Instrs) - 1; i >= 0; i-- {
		switch in := b.Instrs[i].(type) {
		case *BinOp:
			in.Flags &= live
			if definitelyWrites(in) {
				live &^= in.Flags
			}
		case *CmpFlags:
			in.Flags &= live
			live &^= in.Flags
		case *TestFlags:
			in.Flags &= live
			live &^= in.Flags
		case *EvalCond:
			live |= in.Cond.ReadFlags()
		case *ReadReg:
			if in.Reg.Kind() == ir.KindFlag {
				live |= ir.FlagSetOf(in.Reg.Flag())
			}
		case *WriteReg:
			if in.Reg.Kind() == ir.KindFlag {
				live &^= ir.FlagSetOf(in.Reg.Flag())
			}
		}
	}
}

// definitelyWrites reports whether a BinOp updates its flags on every
// execution. Shifts by a zero count leave the flags alone.
func definitelyWrites(in *BinOp) bool {
	if !in.Op.IsShift() {
		return true
	}
	return in.RHS.IsImm && ir.ShiftCount(in.RHS.Imm, in.Width) != 0
}

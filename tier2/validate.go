package tier2

import (
	"errors"
	"fmt"

	"github.com/sarchlab/tierjit/ir"
)

// ErrInvalidFunction is returned by Validate for malformed functions.
var ErrInvalidFunction = errors.New("tier2: invalid function")

// Validate checks the structural invariants code generation relies on: each
// value is defined once, every operand is defined earlier in the same block,
// every block has a terminator with in-range targets, and flag updates
// appear only on operations that can produce them.
func Validate(f *Function) error {
	if len(f.Blocks) == 0 {
		return fmt.Errorf("%w: no blocks", ErrInvalidFunction)
	}
	if int(f.Entry) < 0 || int(f.Entry) >= len(f.Blocks) {
		return fmt.Errorf("%w: entry %s out of range", ErrInvalidFunction, f.Entry)
	}

	defined := make([]bool, f.NumValues)
	for i, b := range f.Blocks {
		if b == nil {
			return fmt.Errorf("%w: block %d is empty", ErrInvalidFunction, i)
		}
		if b.ID != BlockID(i) {
			return fmt.Errorf("%w: block %d has id %s", ErrInvalidFunction, i, b.ID)
		}

		local := make(map[ValueID]bool)
		for j, in := range b.Instrs {
			if err := validateInstr(in, local); err != nil {
				return fmt.Errorf("%w: %s instr %d: %v", ErrInvalidFunction, b.ID, j, err)
			}
			if dst, ok := Dst(in); ok {
				if int(dst) >= len(defined) {
					return fmt.Errorf("%w: %s: %s out of range", ErrInvalidFunction, b.ID, dst)
				}
				if defined[dst] {
					return fmt.Errorf("%w: %s: %s defined twice", ErrInvalidFunction, b.ID, dst)
				}
				defined[dst] = true
				local[dst] = true
			}
		}

		if err := validateTerm(f, b.Term, local); err != nil {
			return fmt.Errorf("%w: %s terminator: %v", ErrInvalidFunction, b.ID, err)
		}
	}
	return nil
}

func validateInstr(in Instr, local map[ValueID]bool) error {
	for _, v := range Uses(in) {
		if !local[v] {
			return fmt.Errorf("%s used before definition", v)
		}
	}

	switch in := in.(type) {
	case *LoadReg:
		if in.Index < 0 || in.Index >= 16 {
			return fmt.Errorf("bad register %d", in.Index)
		}
	case *StoreReg:
		if in.Index < 0 || in.Index >= 16 {
			return fmt.Errorf("bad register %d", in.Index)
		}
	case *Load:
		if !in.Width.Valid() {
			return fmt.Errorf("bad width %d", in.Width)
		}
	case *Store:
		if !in.Width.Valid() {
			return fmt.Errorf("bad width %d", in.Width)
		}
	case *CmpFlags:
		if !in.Width.Valid() {
			return fmt.Errorf("bad width %d", in.Width)
		}
	case *TestFlags:
		if !in.Width.Valid() {
			return fmt.Errorf("bad width %d", in.Width)
		}
	case *LoadFlag:
		if !in.Flag.Valid() {
			return fmt.Errorf("bad flag %d", in.Flag)
		}
	case *BinOp:
		if !in.Op.Valid() {
			return fmt.Errorf("unknown operation %s", in.Op)
		}
		if in.Flags.Empty() {
			return nil
		}
		switch in.Op {
		case ir.OpAdd, ir.OpSub, ir.OpAnd, ir.OpOr, ir.OpXor:
		default:
			return fmt.Errorf("%s cannot update flags", in.Op)
		}
		if !in.FlagWidth.Valid() {
			return fmt.Errorf("bad flag width %d", in.FlagWidth)
		}
	case *EvalCond:
		if in.Cond >= ir.NumConds {
			return fmt.Errorf("bad condition %d", in.Cond)
		}
	case *Addr:
		switch in.Scale {
		case 1, 2, 4, 8:
		default:
			return fmt.Errorf("bad scale %d", in.Scale)
		}
	case *Const, *Select:
	case nil:
		return errors.New("nil instruction")
	default:
		return fmt.Errorf("unknown instruction %T", in)
	}
	return nil
}

func validateTerm(f *Function, t Terminator, local map[ValueID]bool) error {
	inRange := func(id BlockID) error {
		if int(id) < 0 || int(id) >= len(f.Blocks) {
			return fmt.Errorf("target %s out of range", id)
		}
		return nil
	}

	switch t := t.(type) {
	case *Jump:
		return inRange(t.Target)
	case *Branch:
		if !t.Cond.IsImm && !local[t.Cond.Value] {
			return fmt.Errorf("%s used before definition", t.Cond.Value)
		}
		if err := inRange(t.Then); err != nil {
			return err
		}
		return inRange(t.Else)
	case *SideExit:
		return nil
	case nil:
		return errors.New("missing terminator")
	}
	return fmt.Errorf("unknown terminator %T", t)
}

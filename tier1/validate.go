package tier1

import (
	"errors"
	"fmt"

	"github.com/sarchlab/tierjit/ir"
)

// ErrInvalidBlock is returned by Validate for malformed blocks.
var ErrInvalidBlock = errors.New("tier1: invalid block")

// Validate checks that every value is defined once before use, that operand
// widths fit the consuming instruction and that a terminator is present.
func Validate(b *Block) error {
	v := validator{
		b:      b,
		widths: make([]ir.Width, b.NumValues),
	}
	for i, in := range b.Instrs {
		if err := v.instr(in); err != nil {
			return fmt.Errorf("%w: instr %d (%s): %v", ErrInvalidBlock, i, formatInstr(in), err)
		}
	}
	if err := v.term(b.Term); err != nil {
		return fmt.Errorf("%w: terminator: %v", ErrInvalidBlock, err)
	}
	return nil
}

type validator struct {
	b      *Block
	widths []ir.Width
}

func (v *validator) define(dst ValueID, w ir.Width) error {
	if !w.Valid() {
		return fmt.Errorf("bad width %d", w)
	}
	if int(dst) >= len(v.widths) {
		return fmt.Errorf("%s out of range", dst)
	}
	if v.widths[dst] != 0 {
		return fmt.Errorf("%s defined twice", dst)
	}
	v.widths[dst] = w
	return nil
}

// use checks an operand. A max of zero accepts any width.
func (v *validator) use(o Operand, max ir.Width) error {
	if o.IsImm {
		return nil
	}
	if int(o.Value) >= len(v.widths) || v.widths[o.Value] == 0 {
		return fmt.Errorf("%s used before definition", o.Value)
	}
	if max != 0 && v.widths[o.Value] > max {
		return fmt.Errorf("%s is %d bits, wider than %d", o.Value, v.widths[o.Value], max)
	}
	return nil
}

func (v *validator) uses(max ir.Width, ops ...Operand) error {
	for _, o := range ops {
		if err := v.use(o, max); err != nil {
			return err
		}
	}
	return nil
}

func (v *validator) instr(in Instr) error {
	switch in := in.(type) {
	case *Const:
		return v.define(in.Dst, in.Width)
	case *ReadReg:
		return v.define(in.Dst, in.Reg.Width())
	case *WriteReg:
		max := in.Reg.Width()
		if in.Reg.Kind() != ir.KindGPR {
			max = 0
		}
		return v.use(in.Src, max)
	case *Trunc:
		if err := v.use(in.Src, 0); err != nil {
			return err
		}
		return v.define(in.Dst, in.Width)
	case *Load:
		if err := v.use(in.Addr, 0); err != nil {
			return err
		}
		return v.define(in.Dst, in.Width)
	case *Store:
		if !in.Width.Valid() {
			return fmt.Errorf("bad width %d", in.Width)
		}
		if err := v.use(in.Addr, 0); err != nil {
			return err
		}
		return v.use(in.Src, in.Width)
	case *BinOp:
		if err := v.use(in.LHS, in.Width); err != nil {
			return err
		}
		// Shift counts may come from a wider register.
		max := in.Width
		if in.Op.IsShift() {
			max = 0
		}
		if err := v.use(in.RHS, max); err != nil {
			return err
		}
		return v.define(in.Dst, in.Width)
	case *CmpFlags:
		if !in.Width.Valid() {
			return fmt.Errorf("bad width %d", in.Width)
		}
		return v.uses(in.Width, in.LHS, in.RHS)
	case *TestFlags:
		if !in.Width.Valid() {
			return fmt.Errorf("bad width %d", in.Width)
		}
		return v.uses(in.Width, in.LHS, in.RHS)
	case *EvalCond:
		if in.Cond >= ir.NumConds {
			return fmt.Errorf("bad condition %d", in.Cond)
		}
		return v.define(in.Dst, ir.W8)
	case *Select:
		if err := v.use(in.Cond, 0); err != nil {
			return err
		}
		if err := v.uses(in.Width, in.Then, in.Else); err != nil {
			return err
		}
		return v.define(in.Dst, in.Width)
	case *CallHelper:
		return nil
	case nil:
		return errors.New("nil instruction")
	}
	return fmt.Errorf("unknown instruction %T", in)
}

func (v *validator) term(t Terminator) error {
	switch t := t.(type) {
	case *Jump, *ExitToInterpreter:
		return nil
	case *CondJump:
		return v.use(t.Cond, 0)
	case *IndirectJump:
		return v.use(t.Target, 0)
	case nil:
		return errors.New("missing terminator")
	}
	return fmt.Errorf("unknown terminator %T", t)
}

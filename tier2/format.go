package tier2

import (
	"fmt"
	"strings"

	"github.com/sarchlab/tierjit/ir"
)

// Format renders f one instruction per line.
func Format(f *Function) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "function entry=%s values=%d\n", f.Entry, f.NumValues)
	for _, b := range f.Blocks {
		fmt.Fprintf(&sb, "%s @%#x len=%d:\n", b.ID, b.StartRIP, b.Len)
		for _, in := range b.Instrs {
			sb.WriteString("  ")
			sb.WriteString(formatInstr(in))
			sb.WriteByte('\n')
		}
		sb.WriteString("  ")
		sb.WriteString(formatTerm(b.Term))
		sb.WriteByte('\n')
	}
	return sb.String()
}

func flagSuffix(s ir.FlagSet, w ir.Width) string {
	if s.Empty() {
		return ""
	}
	return fmt.Sprintf(" flags=%s/%d", s, w)
}

func formatInstr(in Instr) string {
	switch in := in.(type) {
	case *Const:
		return fmt.Sprintf("%s = const %#x", in.Dst, in.Value)
	case *LoadReg:
		return fmt.Sprintf("%s = loadreg r%d", in.Dst, in.Index)
	case *StoreReg:
		return fmt.Sprintf("storereg r%d, %s", in.Index, in.Src)
	case *LoadFlag:
		return fmt.Sprintf("%s = loadflag %s", in.Dst, in.Flag)
	case *Load:
		return fmt.Sprintf("%s = load.%d [%s]", in.Dst, in.Width, in.Addr)
	case *Store:
		return fmt.Sprintf("store.%d [%s], %s", in.Width, in.Addr, in.Src)
	case *BinOp:
		return fmt.Sprintf("%s = %s %s, %s%s", in.Dst, in.Op, in.LHS, in.RHS,
			flagSuffix(in.Flags, in.FlagWidth))
	case *CmpFlags:
		return fmt.Sprintf("cmp.%d %s, %s%s", in.Width, in.LHS, in.RHS, flagSuffix(in.Flags, in.Width))
	case *TestFlags:
		return fmt.Sprintf("test.%d %s, %s%s", in.Width, in.LHS, in.RHS, flagSuffix(in.Flags, in.Width))
	case *EvalCond:
		return fmt.Sprintf("%s = cond %s", in.Dst, in.Cond)
	case *Select:
		return fmt.Sprintf("%s = select %s ? %s : %s", in.Dst, in.Cond, in.Then, in.Else)
	case *Addr:
		if in.HasIndex {
			return fmt.Sprintf("%s = addr %s + %s*%d%+d", in.Dst, in.Base, in.Index, in.Scale, in.Disp)
		}
		return fmt.Sprintf("%s = addr %s%+d", in.Dst, in.Base, in.Disp)
	}
	return fmt.Sprintf("<%T>", in)
}

func formatTerm(t Terminator) string {
	switch t := t.(type) {
	case *Jump:
		return fmt.Sprintf("jump %s", t.Target)
	case *Branch:
		return fmt.Sprintf("branch %s ? %s : %s", t.Cond, t.Then, t.Else)
	case *SideExit:
		return fmt.Sprintf("sideexit %#x", t.RIP)
	}
	return "<no terminator>"
}

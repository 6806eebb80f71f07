package ir

import "github.com/sarchlab/tierjit/abi"

// Cond is an x86 condition code in its encoding order.
type Cond uint8

// Condition codes.
const (
	CondO Cond = iota
	CondNO
	CondB
	CondAE
	CondE
	CondNE
	CondBE
	CondA
	CondS
	CondNS
	CondP
	CondNP
	CondL
	CondGE
	CondLE
	CondG
	NumConds
)

var condNames = [...]string{
	"o", "no", "b", "ae", "e", "ne", "be", "a",
	"s", "ns", "p", "np", "l", "ge", "le", "g",
}

func (c Cond) String() string {
	if c < NumConds {
		return condNames[c]
	}
	return "cond?"
}

// ReadFlags returns the set of flags the condition depends on.
func (c Cond) ReadFlags() FlagSet {
	switch c &^ 1 {
	case CondO:
		return FlagSetOf(FlagOF)
	case CondB:
		return FlagSetOf(FlagCF)
	case CondE:
		return FlagSetOf(FlagZF)
	case CondBE:
		return FlagSetOf(FlagCF, FlagZF)
	case CondS:
		return FlagSetOf(FlagSF)
	case CondP:
		return FlagSetOf(FlagPF)
	case CondL:
		return FlagSetOf(FlagSF, FlagOF)
	default:
		return FlagSetOf(FlagZF, FlagSF, FlagOF)
	}
}

// Eval evaluates the condition against an RFLAGS value.
func (c Cond) Eval(rflags uint64) bool {
	cf := rflags>>abi.CFBit&1 != 0
	pf := rflags>>abi.PFBit&1 != 0
	zf := rflags>>abi.ZFBit&1 != 0
	sf := rflags>>abi.SFBit&1 != 0
	of := rflags>>abi.OFBit&1 != 0

	var r bool
	switch c &^ 1 {
	case CondO:
		r = of
	case CondB:
		r = cf
	case CondE:
		r = zf
	case CondBE:
		r = cf || zf
	case CondS:
		r = sf
	case CondP:
		r = pf
	case CondL:
		r = sf != of
	default:
		r = zf || sf != of
	}
	// Odd encodings negate their even counterpart.
	if c&1 != 0 {
		return !r
	}
	return r
}

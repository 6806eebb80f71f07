package ir

import (
	"math/bits"
	"strings"

	"github.com/sarchlab/tierjit/abi"
)

// Flag is one of the six x86 status flags.
type Flag uint8

// Status flags.
const (
	FlagCF Flag = iota
	FlagPF
	FlagAF
	FlagZF
	FlagSF
	FlagOF
	numFlags
)

var flagNames = [...]string{"cf", "pf", "af", "zf", "sf", "of"}

var flagBits = [...]uint{abi.CFBit, abi.PFBit, abi.AFBit, abi.ZFBit, abi.SFBit, abi.OFBit}

func (f Flag) String() string {
	if f < numFlags {
		return flagNames[f]
	}
	return "flag?"
}

// Valid reports whether f names a status flag.
func (f Flag) Valid() bool {
	return f < numFlags
}

// Bit returns the flag's bit position in RFLAGS.
func (f Flag) Bit() uint {
	return flagBits[f]
}

// Mask returns the flag's RFLAGS mask.
func (f Flag) Mask() uint64 {
	return uint64(1) << flagBits[f]
}

// Flags lists all status flags in a fixed order.
func Flags() []Flag {
	return []Flag{FlagCF, FlagPF, FlagAF, FlagZF, FlagSF, FlagOF}
}

// FlagSet is a set of status flags. The empty set means an instruction does
// not write any flag.
type FlagSet uint8

// Common flag sets.
const (
	NoFlags  FlagSet = 0
	AllFlags FlagSet = 1<<numFlags - 1
	// IncDecFlags are written by INC and DEC, which preserve CF.
	IncDecFlags = AllFlags &^ (1 << FlagCF)
)

// FlagSetOf builds a set from individual flags.
func FlagSetOf(flags ...Flag) FlagSet {
	var s FlagSet
	for _, f := range flags {
		s |= 1 << f
	}
	return s
}

// Empty reports whether no flag is in the set.
func (s FlagSet) Empty() bool { return s == 0 }

// Has reports whether f is in the set.
func (s FlagSet) Has(f Flag) bool { return s&(1<<f) != 0 }

// RFLAGSMask returns the RFLAGS bits covered by the set.
func (s FlagSet) RFLAGSMask() uint64 {
	var m uint64
	for _, f := range Flags() {
		if s.Has(f) {
			m |= f.Mask()
		}
	}
	return m
}

func (s FlagSet) String() string {
	if s.Empty() {
		return "-"
	}
	var parts []string
	for _, f := range Flags() {
		if s.Has(f) {
			parts = append(parts, f.String())
		}
	}
	return strings.Join(parts, ",")
}

// ApplyFlags merges computed flag bits into rflags for the flags in s.
func ApplyFlags(rflags, computed uint64, s FlagSet) uint64 {
	m := s.RFLAGSMask()
	return rflags&^m | computed&m
}

func parity(v byte) bool {
	v ^= v >> 4
	v ^= v >> 2
	v ^= v >> 1
	return v&1 == 0
}

func bit(f Flag, set bool) uint64 {
	if set {
		return f.Mask()
	}
	return 0
}

func resultFlags(r uint64, w Width) uint64 {
	return bit(FlagZF, r == 0) |
		bit(FlagSF, r&w.SignBit() != 0) |
		bit(FlagPF, parity(byte(r)))
}

// ArithFlags computes the flags of an addition (sub=false) or subtraction at
// width w. Operands are taken modulo the width.
func ArithFlags(sub bool, a, b uint64, w Width) uint64 {
	mask := w.Mask()
	a &= mask
	b &= mask
	msb := w.SignBit()
	var r, f uint64
	if sub {
		r = (a - b) & mask
		f = bit(FlagCF, a < b) |
			bit(FlagOF, (a^b)&(a^r)&msb != 0) |
			bit(FlagAF, a&0x0F < b&0x0F)
	} else {
		r = (a + b) & mask
		f = bit(FlagCF, r < a) |
			bit(FlagOF, ^(a^b)&(a^r)&msb != 0) |
			bit(FlagAF, a&0x0F+b&0x0F > 0x0F)
	}
	return f | resultFlags(r, w)
}

// LogicFlags computes the flags of a bitwise operation yielding r.
func LogicFlags(r uint64, w Width) uint64 {
	return resultFlags(r&w.Mask(), w)
}

// MulFlags computes the flags of a signed multiply at width w. CF and OF are
// set when the product does not fit the width.
func MulFlags(a, b uint64, w Width) uint64 {
	mask := w.Mask()
	r := (a * b) & mask
	var overflow bool
	if w == W64 {
		hi, lo := bits.Mul64(a, b)
		if int64(a) < 0 {
			hi -= b
		}
		if int64(b) < 0 {
			hi -= a
		}
		overflow = hi != uint64(int64(lo)>>63)
	} else {
		p := int64(w.SignExtend(a)) * int64(w.SignExtend(b))
		overflow = uint64(p) != w.SignExtend(uint64(p)&mask)
	}
	return bit(FlagCF, overflow) | bit(FlagOF, overflow) | resultFlags(r, w)
}

// ShiftCount masks a shift count the way x86 does.
func ShiftCount(count uint64, w Width) uint64 {
	if w == W64 {
		return count & 63
	}
	return count & 31
}

// Shift performs op at width w with an already masked count.
func Shift(op BinOp, a, count uint64, w Width) uint64 {
	mask := w.Mask()
	a &= mask
	switch op {
	case OpShl:
		return (a << count) & mask
	case OpShr:
		return a >> count
	default:
		return uint64(int64(w.SignExtend(a))>>count) & mask
	}
}

// ShiftFlags computes the flags of a shift with a nonzero masked count.
func ShiftFlags(op BinOp, a, count uint64, w Width) uint64 {
	a &= w.Mask()
	r := Shift(op, a, count, w)
	var cf, of bool
	switch op {
	case OpShl:
		if count <= uint64(w) {
			cf = (a>>(uint64(w)-count))&1 != 0
		}
		of = (r&w.SignBit() != 0) != cf
	case OpShr:
		cf = (a>>(count-1))&1 != 0
		of = a&w.SignBit() != 0
	default:
		cf = (int64(w.SignExtend(a))>>(count-1))&1 != 0
	}
	return bit(FlagCF, cf) | bit(FlagOF, of) | resultFlags(r, w)
}

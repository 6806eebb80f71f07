// Package ir holds the vocabulary shared by the Tier-1 and Tier-2 IRs: widths,
// guest register references, x86 status flags and condition codes, and the
// binary operation kinds.
package ir

import "fmt"

// Width is an operand width in bits.
type Width uint8

// Operand widths.
const (
	W8  Width = 8
	W16 Width = 16
	W32 Width = 32
	W64 Width = 64
)

// Valid reports whether w is one of the four x86 integer widths.
func (w Width) Valid() bool {
	return w == W8 || w == W16 || w == W32 || w == W64
}

// Mask returns the bit pattern covering the width.
func (w Width) Mask() uint64 {
	if w >= W64 {
		return ^uint64(0)
	}
	return (uint64(1) << w) - 1
}

// Bytes returns the width in bytes.
func (w Width) Bytes() int {
	return int(w) / 8
}

// SignBit returns the most significant bit of the width.
func (w Width) SignBit() uint64 {
	return uint64(1) << (w - 1)
}

// SignExtend sign-extends the low w bits of v to 64 bits.
func (w Width) SignExtend(v uint64) uint64 {
	shift := 64 - uint(w)
	return uint64(int64(v<<shift) >> shift)
}

// WidthForBytes maps an access size in bytes to a width.
func WidthForBytes(n int) Width {
	switch n {
	case 1:
		return W8
	case 2:
		return W16
	case 4:
		return W32
	default:
		return W64
	}
}

// BinOp is a binary arithmetic or logical operation.
type BinOp uint8

// Binary operations.
const (
	OpAdd BinOp = iota
	OpSub
	OpMul
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr
	OpSar
)

var binOpNames = [...]string{"add", "sub", "mul", "and", "or", "xor", "shl", "shr", "sar"}

func (op BinOp) String() string {
	if int(op) < len(binOpNames) {
		return binOpNames[op]
	}
	return fmt.Sprintf("binop(%d)", uint8(op))
}

// Valid reports whether op is a known operation.
func (op BinOp) Valid() bool {
	return op <= OpSar
}

// IsLogical reports whether op is a bitwise and/or/xor.
func (op BinOp) IsLogical() bool {
	return op == OpAnd || op == OpOr || op == OpXor
}

// IsShift reports whether op is a shift.
func (op BinOp) IsShift() bool {
	return op == OpShl || op == OpShr || op == OpSar
}

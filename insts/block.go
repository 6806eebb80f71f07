package insts

import (
	"fmt"
	"strings"
)

// EndReason records why discovery stopped.
type EndReason uint8

// Block end reasons.
const (
	// EndControl means the last instruction transfers control.
	EndControl EndReason = iota
	// EndLimit means a size limit was reached before any control transfer.
	EndLimit
	// EndInvalid means the last instruction did not decode.
	EndInvalid
)

func (r EndReason) String() string {
	switch r {
	case EndControl:
		return "control"
	case EndLimit:
		return "limit"
	case EndInvalid:
		return "invalid"
	}
	return "unknown"
}

// BasicBlock is a straight-line run of guest instructions.
type BasicBlock struct {
	Start uint64
	Insts []Inst
	End   EndReason

	// Next is the address following the last instruction. For EndLimit
	// blocks it is where execution continues.
	Next uint64
}

// Len returns the guest byte length of the block.
func (b *BasicBlock) Len() int {
	return int(b.Next - b.Start)
}

// Last returns the final instruction.
func (b *BasicBlock) Last() Inst {
	return b.Insts[len(b.Insts)-1]
}

func (b *BasicBlock) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "block %#x (%d insts, %s):\n", b.Start, len(b.Insts), b.End)
	for _, in := range b.Insts {
		sb.WriteString("  ")
		sb.WriteString(in.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Discover decodes guest code from entry until a control transfer, an
// undecodable byte, or a limit. It always returns a block with at least one
// instruction.
func Discover(bus Bus, entry uint64, limits Limits) *BasicBlock {
	limits = limits.normalized()
	d := NewDecoder()

	b := &BasicBlock{Start: entry, End: EndLimit}
	addr := entry
	for {
		in := d.Decode(bus, addr)

		// An instruction that would overflow the byte budget starts the
		// next block instead, unless the block would be empty.
		if len(b.Insts) > 0 && int(in.Next()-entry) > limits.MaxBytes {
			break
		}

		b.Insts = append(b.Insts, in)
		addr = in.Next()

		if in.Invalid {
			b.End = EndInvalid
			break
		}
		if IsControlFlow(in.Op.Op) {
			b.End = EndControl
			break
		}
		if len(b.Insts) >= limits.MaxInstructions {
			break
		}
	}

	b.Next = addr
	return b
}

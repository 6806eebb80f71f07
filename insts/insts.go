// Package insts provides x86-64 instruction decoding and basic-block
// discovery.
//
// Decoding is delegated to golang.org/x/arch/x86/x86asm in 64-bit mode.
// Discover walks guest code through a Bus from an entry address and stops at
// the first control transfer, at a configured size limit, or at the first
// byte sequence that does not decode.
//
// Usage:
//
//	block := insts.Discover(bus, 0x401000, insts.DefaultLimits())
//	for _, in := range block.Insts {
//		fmt.Println(in)
//	}
package insts

// Bus fetches guest code bytes.
type Bus interface {
	Read8(vaddr uint64) byte
}

// Limits bounds the size of a discovered block.
type Limits struct {
	MaxInstructions int
	MaxBytes        int
}

// DefaultLimits returns the default discovery limits.
func DefaultLimits() Limits {
	return Limits{MaxInstructions: 64, MaxBytes: 1024}
}

func (l Limits) normalized() Limits {
	d := DefaultLimits()
	if l.MaxInstructions <= 0 {
		l.MaxInstructions = d.MaxInstructions
	}
	if l.MaxBytes < MaxInstLen {
		l.MaxBytes = MaxInstLen
	}
	return l
}

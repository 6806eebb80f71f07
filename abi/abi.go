// Package abi defines the memory layout shared by generated code and the host.
//
// A compiled trace is a WASM function `trace(cpu i32, jit i32) i64`. The cpu
// pointer addresses a CPUStateSize block holding the guest register file; the
// jit pointer addresses the JIT context that immediately follows it and holds
// the guest RAM relocation base, the per-context TLB salt and the inline TLB.
//
//	cpu+0    GPR[0..15]   (RAX, RCX, RDX, RBX, RSP, RBP, RSI, RDI, R8..R15)
//	cpu+128  RIP
//	cpu+136  RFLAGS
//	jit+0    RAMBase      (linear address of guest RAM offset 0)
//	jit+8    TLBSalt
//	jit+16   TLB[TLBEntries] of {tag u64, data u64}
package abi

// CPU state offsets.
const (
	GPRCount     = 16
	GPROffset    = 0
	RIPOffset    = 128
	RFLAGSOffset = 136
	CPUStateSize = 144
)

// JIT context offsets, relative to the JIT context pointer.
const (
	RAMBaseOffset  = 0
	TLBSaltOffset  = 8
	TLBOffset      = 16
	TLBEntries     = 256
	TLBEntrySize   = 16
	TLBDataOffset  = 8
	JITContextSize = TLBOffset + TLBEntries*TLBEntrySize
)

// Paging.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PageMask  = PageSize - 1
)

// TLB data word flags. The page base occupies the bits above PageMask.
const (
	TLBRead  uint64 = 1 << 0
	TLBWrite uint64 = 1 << 1
	TLBExec  uint64 = 1 << 2
	TLBIsRAM uint64 = 1 << 3
)

// RFLAGS bit positions.
const (
	CFBit = 0
	PFBit = 2
	AFBit = 4
	ZFBit = 6
	SFBit = 7
	OFBit = 11
)

// Host import names.
const (
	ImportModule    = "env"
	MemoryModule    = "memory"
	MemoryExport    = "memory"
	TraceExport     = "trace"
	MMUTranslate    = "mmu_translate"
	CodePageVersion = "code_page_version"
)

// AccessKind is passed to mmu_translate.
type AccessKind uint32

// Access kinds.
const (
	AccessRead AccessKind = iota
	AccessWrite
	AccessExec
)

// MemRead returns the slow-path read import for an access size in bytes.
func MemRead(size int) string {
	switch size {
	case 1:
		return "mem_read_u8"
	case 2:
		return "mem_read_u16"
	case 4:
		return "mem_read_u32"
	default:
		return "mem_read_u64"
	}
}

// MemWrite returns the slow-path write import for an access size in bytes.
func MemWrite(size int) string {
	switch size {
	case 1:
		return "mem_write_u8"
	case 2:
		return "mem_write_u16"
	case 4:
		return "mem_write_u32"
	default:
		return "mem_write_u64"
	}
}

// GPRSlot returns the CPU state offset of general register idx.
func GPRSlot(idx int) uint32 {
	return uint32(GPROffset + 8*idx)
}

// TLBIndex selects the direct-mapped line for a virtual address.
func TLBIndex(vaddr uint64) uint64 {
	return (vaddr >> PageShift) & (TLBEntries - 1)
}

// TLBLineOffset is the offset of line idx from the JIT context pointer.
func TLBLineOffset(idx uint64) uint32 {
	return uint32(TLBOffset + idx*TLBEntrySize)
}

// TLBTag computes the salted tag of a virtual address. The low bit is forced
// so that a zeroed line never matches.
func TLBTag(vaddr, salt uint64) uint64 {
	return ((vaddr >> PageShift) ^ salt) | 1
}

// PackTLBData combines a page-aligned RAM offset with permission flags.
func PackTLBData(base, flags uint64) uint64 {
	return (base &^ PageMask) | (flags & PageMask)
}

// LinearAddress resolves a TLB hit to a linear memory address. All arithmetic
// wraps; remapped regions rely on it.
func LinearAddress(ramBase, data, vaddr uint64) uint32 {
	return uint32(ramBase + (data &^ PageMask) + (vaddr & PageMask))
}

// CrossesPage reports whether an access of size bytes at vaddr spans two pages.
func CrossesPage(vaddr uint64, size int) bool {
	return vaddr&PageMask > PageSize-uint64(size)
}

package wasm

// Block types.
const (
	BlockVoid byte = 0x40
	BlockI32  byte = byte(I32)
	BlockI64  byte = byte(I64)
)

// Control and variable opcodes.
const (
	OpUnreachable = 0x00
	OpBlock       = 0x02
	OpLoop        = 0x03
	OpIf          = 0x04
	OpElse        = 0x05
	OpEnd         = 0x0b
	OpBr          = 0x0c
	OpBrIf        = 0x0d
	OpBrTable     = 0x0e
	OpReturn      = 0x0f
	OpCall        = 0x10
	OpDrop        = 0x1a
	OpSelect      = 0x1b
	OpLocalGet    = 0x20
	OpLocalSet    = 0x21
	OpLocalTee    = 0x22
)

// Memory opcodes.
const (
	OpI32Load    = 0x28
	OpI64Load    = 0x29
	OpI64Load8U  = 0x31
	OpI64Load16U = 0x33
	OpI64Load32U = 0x35
	OpI32Store   = 0x36
	OpI64Store   = 0x37
	OpI64Store8  = 0x3c
	OpI64Store16 = 0x3d
	OpI64Store32 = 0x3e
)

// Numeric opcodes.
const (
	OpI32Const   = 0x41
	OpI64Const   = 0x42
	OpI32Eqz     = 0x45
	OpI32Eq      = 0x46
	OpI32Ne      = 0x47
	OpI64Eqz     = 0x50
	OpI64Eq      = 0x51
	OpI64Ne      = 0x52
	OpI64LtU     = 0x54
	OpI64GtU     = 0x56
	OpI64LeU     = 0x58
	OpI32Add     = 0x6a
	OpI32Sub     = 0x6b
	OpI32And     = 0x71
	OpI32Or      = 0x72
	OpI32Xor     = 0x73
	OpI64Popcnt  = 0x7b
	OpI64Add     = 0x7c
	OpI64Sub     = 0x7d
	OpI64Mul     = 0x7e
	OpI64DivS    = 0x7f
	OpI64And     = 0x83
	OpI64Or      = 0x84
	OpI64Xor     = 0x85
	OpI64Shl     = 0x86
	OpI64ShrS    = 0x87
	OpI64ShrU    = 0x88
	OpI32WrapI64 = 0xa7
	OpI64ExtendU = 0xad
)

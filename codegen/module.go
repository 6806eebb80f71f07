// Package codegen compiles Tier-1 blocks and Tier-2 functions into WASM
// modules exporting `trace(cpu i32, jit i32) i64`. Traces import guest memory
// access and translation helpers from the "env" module and share a single
// linear memory imported as "memory"."memory".
package codegen

import (
	"github.com/sarchlab/tierjit/abi"
	"github.com/sarchlab/tierjit/wasm"
)

// Import function indices, in declaration order.
const (
	fnRead8 uint32 = iota
	fnRead16
	fnRead32
	fnRead64
	fnWrite8
	fnWrite16
	fnWrite32
	fnWrite64
	fnTranslate
	fnPageVersion
	numImports
)

// Fixed locals.
const (
	localCPU   uint32 = 0
	localJIT   uint32 = 1
	firstValue uint32 = 2
)

// scratchSlots bounds the i64 temporaries one instruction may hold at once.
const scratchSlots = 12

var (
	i32 = wasm.I32
	i64 = wasm.I64
)

// newTraceModule declares the shared imports. The next defined function
// gets index numImports.
func newTraceModule() *wasm.ModuleBuilder {
	m := &wasm.ModuleBuilder{}
	for _, size := range []int{1, 2, 4, 8} {
		m.ImportFunc(abi.ImportModule, abi.MemRead(size),
			[]wasm.ValType{i32, i64}, []wasm.ValType{i64})
	}
	for _, size := range []int{1, 2, 4, 8} {
		m.ImportFunc(abi.ImportModule, abi.MemWrite(size),
			[]wasm.ValType{i32, i64, i64}, nil)
	}
	m.ImportFunc(abi.ImportModule, abi.MMUTranslate,
		[]wasm.ValType{i32, i32, i64, i32}, []wasm.ValType{i64})
	m.ImportFunc(abi.ImportModule, abi.CodePageVersion,
		[]wasm.ValType{i32, i64}, []wasm.ValType{i64})
	m.ImportMemory(abi.MemoryModule, abi.MemoryExport, 1)
	return m
}

// finishTraceModule adds the trace function and exports it.
func finishTraceModule(m *wasm.ModuleBuilder, locals []wasm.ValType, body []byte) []byte {
	typ := m.AddType([]wasm.ValType{i32, i32}, []wasm.ValType{i64})
	fn := m.AddFunction(typ, locals, body)
	m.Export(abi.TraceExport, wasm.KindFunc, fn)
	return m.Bytes()
}

// MemoryModule returns a module that owns and exports the linear memory the
// traces import. It must be instantiated under the name "memory".
func MemoryModule(pages uint32) []byte {
	m := &wasm.ModuleBuilder{}
	m.DefineMemory(pages)
	m.Export(abi.MemoryExport, wasm.KindMemory, 0)
	return m.Bytes()
}

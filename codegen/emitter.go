package codegen

import (
	"errors"

	"github.com/sarchlab/tierjit/abi"
	"github.com/sarchlab/tierjit/ir"
	"github.com/sarchlab/tierjit/wasm"
)

var errScratch = errors.New("codegen: out of scratch locals")

// Options controls code generation.
type Options struct {
	// InlineTLB enables the inline translation fast path for Tier-2 memory
	// accesses. Tier-1 traces always use the slow imports.
	InlineTLB bool

	// Budget is the number of block transitions a Tier-2 trace may take
	// before returning. Zero or less is unlimited.
	Budget int

	// Guards maps virtual code page numbers to the version they had when
	// the code was translated. A block checks the pages it spans on entry
	// and exits at its own start when any of them changed.
	Guards map[uint64]uint64
}

// operand is an immediate or a local holding an i64.
type operand struct {
	imm   bool
	value uint64
	local uint32
}

func immOperand(v uint64) operand { return operand{imm: true, value: v} }

func localOperand(l uint32) operand { return operand{local: l} }

// emitter holds the body being built and the local layout shared by both
// tiers: parameters, one i64 per IR value, a scratch pool and an i32 used
// for TLB line pointers.
type emitter struct {
	c         wasm.Code
	numValues int

	scratchBase uint32
	used        uint32
	lineLocal   uint32

	err error
}

func newEmitter(numValues int) *emitter {
	e := &emitter{numValues: numValues}
	e.scratchBase = firstValue + uint32(numValues)
	e.lineLocal = e.scratchBase + scratchSlots
	return e
}

// nextLocal is the first index past the emitter's locals.
func (e *emitter) nextLocal() uint32 {
	return e.lineLocal + 1
}

func (e *emitter) locals(extra ...wasm.ValType) []wasm.ValType {
	out := make([]wasm.ValType, 0, e.numValues+scratchSlots+1+len(extra))
	for i := 0; i < e.numValues+scratchSlots; i++ {
		out = append(out, i64)
	}
	out = append(out, i32)
	return append(out, extra...)
}

func (e *emitter) valueLocal(v uint32) uint32 {
	return firstValue + v
}

func (e *emitter) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

// release returns all scratch locals to the pool.
func (e *emitter) release() {
	e.used = 0
}

func (e *emitter) tmp() uint32 {
	if e.used >= scratchSlots {
		e.fail(errScratch)
		return e.scratchBase
	}
	l := e.scratchBase + e.used
	e.used++
	return l
}

func (e *emitter) op(ops ...byte) {
	e.c.Op(ops...)
}

func (e *emitter) push(o operand) {
	if o.imm {
		e.c.I64Const(o.value)
		return
	}
	e.c.LocalGet(o.local)
}

// pushMasked pushes o truncated to w.
func (e *emitter) pushMasked(o operand, w ir.Width) {
	if o.imm {
		e.c.I64Const(o.value & w.Mask())
		return
	}
	e.c.LocalGet(o.local)
	e.mask(w)
}

func (e *emitter) mask(w ir.Width) {
	if w == ir.W64 {
		return
	}
	e.c.I64Const(w.Mask())
	e.op(wasm.OpI64And)
}

// save pops the i64 on top of the stack into a fresh scratch local.
func (e *emitter) save() uint32 {
	l := e.tmp()
	e.c.LocalSet(l)
	return l
}

func (e *emitter) loadCPU(off uint32) {
	e.c.LocalGet(localCPU)
	e.c.Mem(wasm.OpI64Load, 3, off)
}

func (e *emitter) storeCPU(off uint32, value func()) {
	e.c.LocalGet(localCPU)
	value()
	e.c.Mem(wasm.OpI64Store, 3, off)
}

// exitConst stores rip as the next instruction pointer and returns it.
func (e *emitter) exitConst(rip uint64) {
	e.storeCPU(abi.RIPOffset, func() { e.c.I64Const(rip) })
	e.c.I64Const(rip)
	e.c.Return()
}

// exitLocal is exitConst for a computed address.
func (e *emitter) exitLocal(l uint32) {
	e.storeCPU(abi.RIPOffset, func() { e.c.LocalGet(l) })
	e.c.LocalGet(l)
	e.c.Return()
}

// guard exits at rip when a page in [rip, rip+length) has a version other
// than the one recorded in guards.
func (e *emitter) guard(guards map[uint64]uint64, rip uint64, length int) {
	if guards == nil || length <= 0 {
		return
	}
	first := rip >> abi.PageShift
	last := (rip + uint64(length) - 1) >> abi.PageShift

	var pages []uint64
	for p := first; ; p++ {
		if _, ok := guards[p]; ok {
			pages = append(pages, p)
		}
		if p == last {
			break
		}
	}
	for _, p := range pages {
		e.c.LocalGet(localCPU)
		e.c.I64Const(p)
		e.c.Call(fnPageVersion)
		e.c.I64Const(guards[p])
		e.op(wasm.OpI64Ne)
		e.c.If(wasm.BlockVoid)
		e.exitConst(rip)
		e.c.End()
	}
}

// Flags.

// orFlag ORs the i64 0/1 on the stack into acc at the flag's position.
func (e *emitter) orFlag(acc uint32, f ir.Flag) {
	if f.Bit() != 0 {
		e.c.I64Const(uint64(f.Bit()))
		e.op(wasm.OpI64Shl)
	}
	e.c.LocalGet(acc)
	e.op(wasm.OpI64Or)
	e.c.LocalSet(acc)
}

// orFlag32 is orFlag for an i32 0/1.
func (e *emitter) orFlag32(acc uint32, f ir.Flag) {
	e.op(wasm.OpI64ExtendU)
	e.orFlag(acc, f)
}

func (e *emitter) newAcc() uint32 {
	acc := e.tmp()
	e.c.I64Const(0)
	e.c.LocalSet(acc)
	return acc
}

// applyFlags replaces the flags in set with the bits held in acc.
func (e *emitter) applyFlags(acc uint32, set ir.FlagSet) {
	e.storeCPU(abi.RFLAGSOffset, func() {
		e.loadCPU(abi.RFLAGSOffset)
		e.c.I64Const(^set.RFLAGSMask())
		e.op(wasm.OpI64And)
		e.c.LocalGet(acc)
		e.op(wasm.OpI64Or)
	})
}

// resultFlags computes ZF, SF and PF of a w-bit result held in the top w
// bits of r.
func (e *emitter) resultFlags(r uint32, w ir.Width, set ir.FlagSet, acc uint32) {
	s := uint64(64 - w)
	if set.Has(ir.FlagZF) {
		e.c.LocalGet(r)
		e.op(wasm.OpI64Eqz)
		e.orFlag32(acc, ir.FlagZF)
	}
	if set.Has(ir.FlagSF) {
		e.c.LocalGet(r)
		e.c.I64Const(63)
		e.op(wasm.OpI64ShrU)
		e.orFlag(acc, ir.FlagSF)
	}
	if set.Has(ir.FlagPF) {
		e.c.LocalGet(r)
		if s != 0 {
			e.c.I64Const(s)
			e.op(wasm.OpI64ShrU)
		}
		e.c.I64Const(0xFF)
		e.op(wasm.OpI64And, wasm.OpI64Popcnt)
		e.c.I64Const(1)
		e.op(wasm.OpI64And)
		e.c.I64Const(1)
		e.op(wasm.OpI64Xor)
		e.orFlag(acc, ir.FlagPF)
	}
}

// alignedArith computes a ± b on top-aligned w-bit operands held in locals,
// applies the flags in set and returns the local holding the 64-bit result.
func (e *emitter) alignedArith(sub bool, a, b uint32, w ir.Width, set ir.FlagSet) uint32 {
	e.c.LocalGet(a)
	e.c.LocalGet(b)
	if sub {
		e.op(wasm.OpI64Sub)
	} else {
		e.op(wasm.OpI64Add)
	}
	r := e.save()
	if set.Empty() {
		return r
	}

	acc := e.newAcc()
	if set.Has(ir.FlagCF) {
		if sub {
			e.c.LocalGet(a)
			e.c.LocalGet(b)
		} else {
			e.c.LocalGet(r)
			e.c.LocalGet(a)
		}
		e.op(wasm.OpI64LtU)
		e.orFlag32(acc, ir.FlagCF)
	}
	if set.Has(ir.FlagOF) {
		e.c.LocalGet(a)
		e.c.LocalGet(b)
		e.op(wasm.OpI64Xor)
		if !sub {
			e.c.I64Const(^uint64(0))
			e.op(wasm.OpI64Xor)
		}
		e.c.LocalGet(a)
		e.c.LocalGet(r)
		e.op(wasm.OpI64Xor, wasm.OpI64And)
		e.c.I64Const(63)
		e.op(wasm.OpI64ShrU)
		e.orFlag(acc, ir.FlagOF)
	}
	if set.Has(ir.FlagAF) {
		e.c.LocalGet(a)
		e.c.LocalGet(b)
		e.op(wasm.OpI64Xor)
		e.c.LocalGet(r)
		e.op(wasm.OpI64Xor)
		e.c.I64Const(uint64(64-w) + 4)
		e.op(wasm.OpI64ShrU)
		e.c.I64Const(1)
		e.op(wasm.OpI64And)
		e.orFlag(acc, ir.FlagAF)
	}
	e.resultFlags(r, w, set, acc)
	e.applyFlags(acc, set)
	return r
}

// align pushes o shifted into the top w bits.
func (e *emitter) align(o operand, w ir.Width) {
	e.push(o)
	if w != ir.W64 {
		e.c.I64Const(uint64(64 - w))
		e.op(wasm.OpI64Shl)
	}
}

// cmpFlags sets the flags of lhs - rhs at width w.
func (e *emitter) cmpFlags(lhs, rhs operand, w ir.Width, set ir.FlagSet) {
	if set.Empty() {
		return
	}
	e.align(lhs, w)
	a := e.save()
	e.align(rhs, w)
	b := e.save()
	e.alignedArith(true, a, b, w, set)
}

// logicFlags sets the flags of a bitwise result held in local r. Only the
// low w bits of r are considered; CF, OF and AF are cleared.
func (e *emitter) logicFlags(r uint32, w ir.Width, set ir.FlagSet) {
	if set.Empty() {
		return
	}
	e.align(localOperand(r), w)
	top := e.save()
	acc := e.newAcc()
	e.resultFlags(top, w, set, acc)
	e.applyFlags(acc, set)
}

// testFlags sets the flags of lhs & rhs at width w.
func (e *emitter) testFlags(lhs, rhs operand, w ir.Width, set ir.FlagSet) {
	if set.Empty() {
		return
	}
	e.push(lhs)
	e.push(rhs)
	e.op(wasm.OpI64And)
	e.logicFlags(e.save(), w, set)
}

// flagBit pushes bit 0 of RFLAGS >> b (unmasked).
func (e *emitter) flagBit(f ir.Flag) {
	e.loadCPU(abi.RFLAGSOffset)
	if f.Bit() != 0 {
		e.c.I64Const(uint64(f.Bit()))
		e.op(wasm.OpI64ShrU)
	}
}

// loadFlag pushes a flag as 0 or 1.
func (e *emitter) loadFlag(f ir.Flag) {
	e.flagBit(f)
	e.c.I64Const(1)
	e.op(wasm.OpI64And)
}

// evalCond pushes 1 when c holds for the current flags, else 0.
func (e *emitter) evalCond(c ir.Cond) {
	switch c &^ 1 {
	case ir.CondO:
		e.flagBit(ir.FlagOF)
	case ir.CondB:
		e.flagBit(ir.FlagCF)
	case ir.CondE:
		e.flagBit(ir.FlagZF)
	case ir.CondBE:
		e.flagBit(ir.FlagCF)
		e.flagBit(ir.FlagZF)
		e.op(wasm.OpI64Or)
	case ir.CondS:
		e.flagBit(ir.FlagSF)
	case ir.CondP:
		e.flagBit(ir.FlagPF)
	case ir.CondL:
		e.flagBit(ir.FlagSF)
		e.flagBit(ir.FlagOF)
		e.op(wasm.OpI64Xor)
	default:
		e.flagBit(ir.FlagZF)
		e.flagBit(ir.FlagSF)
		e.flagBit(ir.FlagOF)
		e.op(wasm.OpI64Xor, wasm.OpI64Or)
	}
	e.c.I64Const(1)
	e.op(wasm.OpI64And)
	if c&1 != 0 {
		e.c.I64Const(1)
		e.op(wasm.OpI64Xor)
	}
}

// selectValue pushes then when cond is nonzero, else els.
func (e *emitter) selectValue(cond, then, els operand) {
	e.push(then)
	e.push(els)
	e.push(cond)
	e.op(wasm.OpI64Eqz, wasm.OpI32Eqz, wasm.OpSelect)
}

// Memory.

func readImport(w ir.Width) uint32 {
	switch w {
	case ir.W8:
		return fnRead8
	case ir.W16:
		return fnRead16
	case ir.W32:
		return fnRead32
	}
	return fnRead64
}

func writeImport(w ir.Width) uint32 {
	switch w {
	case ir.W8:
		return fnWrite8
	case ir.W16:
		return fnWrite16
	case ir.W32:
		return fnWrite32
	}
	return fnWrite64
}

func loadOp(w ir.Width) byte {
	switch w {
	case ir.W8:
		return wasm.OpI64Load8U
	case ir.W16:
		return wasm.OpI64Load16U
	case ir.W32:
		return wasm.OpI64Load32U
	}
	return wasm.OpI64Load
}

func storeOp(w ir.Width) byte {
	switch w {
	case ir.W8:
		return wasm.OpI64Store8
	case ir.W16:
		return wasm.OpI64Store16
	case ir.W32:
		return wasm.OpI64Store32
	}
	return wasm.OpI64Store
}

// slowLoad pushes the w-bit value at the guest address in local addr.
func (e *emitter) slowLoad(addr uint32, w ir.Width) {
	e.c.LocalGet(localCPU)
	e.c.LocalGet(addr)
	e.c.Call(readImport(w))
}

// slowStore writes the low w bits of val to the guest address in addr.
func (e *emitter) slowStore(addr uint32, val operand, w ir.Width) {
	e.c.LocalGet(localCPU)
	e.c.LocalGet(addr)
	e.pushMasked(val, w)
	e.c.Call(writeImport(w))
}

// tlbAccess emits the inline translation path for an access of w bits at
// the guest address in local addr. On a usable hit fast runs with the i32
// linear address on the stack; otherwise slow runs.
func (e *emitter) tlbAccess(addr uint32, w ir.Width, kind abi.AccessKind, fast, slow func()) {
	need := abi.TLBIsRAM | abi.TLBRead
	if kind == abi.AccessWrite {
		need = abi.TLBIsRAM | abi.TLBWrite
	}
	data := e.tmp()

	e.c.Block(wasm.BlockVoid)
	e.c.Block(wasm.BlockVoid)

	e.c.LocalGet(addr)
	e.c.I64Const(abi.PageMask)
	e.op(wasm.OpI64And)
	e.c.I64Const(uint64(abi.PageSize - w.Bytes()))
	e.op(wasm.OpI64GtU)
	e.c.BrIf(0)

	e.c.LocalGet(localJIT)
	e.c.LocalGet(addr)
	e.c.I64Const(abi.PageShift)
	e.op(wasm.OpI64ShrU)
	e.c.I64Const(abi.TLBEntries - 1)
	e.op(wasm.OpI64And)
	e.c.I64Const(abi.TLBEntrySize)
	e.op(wasm.OpI64Mul, wasm.OpI32WrapI64, wasm.OpI32Add)
	e.c.LocalSet(e.lineLocal)

	e.c.LocalGet(e.lineLocal)
	e.c.Mem(wasm.OpI64Load, 3, abi.TLBOffset)
	e.c.LocalGet(addr)
	e.c.I64Const(abi.PageShift)
	e.op(wasm.OpI64ShrU)
	e.c.LocalGet(localJIT)
	e.c.Mem(wasm.OpI64Load, 3, abi.TLBSaltOffset)
	e.op(wasm.OpI64Xor)
	e.c.I64Const(1)
	e.op(wasm.OpI64Or, wasm.OpI64Eq)
	e.c.If(wasm.BlockI64)
	e.c.LocalGet(e.lineLocal)
	e.c.Mem(wasm.OpI64Load, 3, abi.TLBOffset+abi.TLBDataOffset)
	e.c.Else()
	e.c.LocalGet(localCPU)
	e.c.LocalGet(localJIT)
	e.c.LocalGet(addr)
	e.c.I32Const(int32(kind))
	e.c.Call(fnTranslate)
	e.c.End()
	e.c.LocalTee(data)
	e.c.I64Const(need)
	e.op(wasm.OpI64And)
	e.c.I64Const(need)
	e.op(wasm.OpI64Ne)
	e.c.BrIf(0)

	e.c.LocalGet(localJIT)
	e.c.Mem(wasm.OpI64Load, 3, abi.RAMBaseOffset)
	e.c.LocalGet(data)
	e.c.I64Const(^uint64(abi.PageMask))
	e.op(wasm.OpI64And, wasm.OpI64Add)
	e.c.LocalGet(addr)
	e.c.I64Const(abi.PageMask)
	e.op(wasm.OpI64And, wasm.OpI64Add, wasm.OpI32WrapI64)
	fast()
	e.c.Br(1)
	e.c.End()

	slow()
	e.c.End()
}

// load reads w bits at the guest address in addr into local dst.
func (e *emitter) load(addr uint32, w ir.Width, dst uint32, inline bool) {
	if !inline {
		e.slowLoad(addr, w)
		e.c.LocalSet(dst)
		return
	}
	e.tlbAccess(addr, w, abi.AccessRead,
		func() {
			e.c.Mem(loadOp(w), 0, 0)
			e.c.LocalSet(dst)
		},
		func() {
			e.slowLoad(addr, w)
			e.c.LocalSet(dst)
		})
}

// store writes the low w bits of val to the guest address in addr.
func (e *emitter) store(addr uint32, val operand, w ir.Width, inline bool) {
	if !inline {
		e.slowStore(addr, val, w)
		return
	}
	e.tlbAccess(addr, w, abi.AccessWrite,
		func() {
			e.push(val)
			e.c.Mem(storeOp(w), 0, 0)
		},
		func() {
			e.slowStore(addr, val, w)
		})
}

package engine

import (
	"context"
	"fmt"

	"github.com/sarchlab/tierjit/abi"
	"github.com/sarchlab/tierjit/emu"
)

// instantiateHost registers the "env" imports every trace links against.
func (e *Engine) instantiateHost(ctx context.Context) error {
	b := e.rt.NewHostModuleBuilder(abi.ImportModule)

	for _, size := range []int{1, 2, 4, 8} {
		b = b.NewFunctionBuilder().
			WithFunc(e.slowRead(size)).
			Export(abi.MemRead(size))
	}
	for _, size := range []int{1, 2, 4, 8} {
		b = b.NewFunctionBuilder().
			WithFunc(e.slowWrite(size)).
			Export(abi.MemWrite(size))
	}
	b = b.NewFunctionBuilder().WithFunc(e.mmuTranslate).Export(abi.MMUTranslate)
	b = b.NewFunctionBuilder().WithFunc(e.codePageVersion).Export(abi.CodePageVersion)

	if _, err := b.Instantiate(ctx); err != nil {
		return fmt.Errorf("failed to instantiate host module: %w", err)
	}
	return nil
}

func (e *Engine) slowRead(size int) func(context.Context, uint32, uint64) uint64 {
	return func(_ context.Context, _ uint32, vaddr uint64) uint64 {
		e.stats.SlowReads++
		return e.mem.Read(vaddr, size)
	}
}

func (e *Engine) slowWrite(size int) func(context.Context, uint32, uint64, uint64) {
	return func(_ context.Context, _ uint32, vaddr, v uint64) {
		e.stats.SlowWrites++
		e.mem.Write(vaddr, size, v)
	}
}

// mmuTranslate resolves the page of vaddr and fills its inline TLB line.
// Pages that can not be served from RAM yield zero data and leave the line
// untouched, so every access to them takes the slow path.
func (e *Engine) mmuTranslate(_ context.Context, _, jit uint32, vaddr uint64, _ uint32) uint64 {
	e.stats.Translates++

	data := e.tlbData(vaddr)
	if data == 0 {
		return 0
	}
	line := jit + abi.TLBLineOffset(abi.TLBIndex(vaddr))
	e.linear.WriteUint64Le(line, abi.TLBTag(vaddr, e.salt))
	e.linear.WriteUint64Le(line+abi.TLBDataOffset, data)
	return data
}

// tlbData builds the TLB data word for the page holding vaddr. Code pages
// never get the write permission, so stores to them take the slow path
// and bump the page version.
func (e *Engine) tlbData(vaddr uint64) uint64 {
	t, ok := e.mem.Translate(vaddr &^ abi.PageMask)
	if !ok || !t.IsRAM || t.RAMOffset&abi.PageMask != 0 {
		return 0
	}
	last, ok := e.mem.PhysToRAM(t.Phys + abi.PageMask)
	if !ok || last != t.RAMOffset+abi.PageMask {
		return 0
	}

	flags := abi.TLBIsRAM | abi.TLBExec
	if t.Perm&emu.PermRead != 0 {
		flags |= abi.TLBRead
	}
	if t.Perm&emu.PermWrite != 0 && !e.mem.IsCode(t.Phys) {
		flags |= abi.TLBWrite
	}
	return abi.PackTLBData(t.RAMOffset, flags)
}

func (e *Engine) codePageVersion(_ context.Context, _ uint32, vpage uint64) uint64 {
	return e.pageVersion(vpage)
}

// pageVersion returns the version of the physical page behind vpage, or
// all ones when vpage does not reach RAM.
func (e *Engine) pageVersion(vpage uint64) uint64 {
	t, ok := e.mem.Translate(vpage << abi.PageShift)
	if !ok || !t.IsRAM {
		return ^uint64(0)
	}
	return uint64(e.mem.PageVersion(t.Phys >> abi.PageShift))
}

// trackCodePage starts version tracking for the page behind vpage. Inline
// TLB lines may still grant writes to a newly tracked page, so they are
// dropped. Compilations call it from several goroutines.
func (e *Engine) trackCodePage(vpage uint64) (uint64, bool) {
	t, ok := e.mem.Translate(vpage << abi.PageShift)
	if !ok || !t.IsRAM {
		return 0, false
	}
	e.trackMu.Lock()
	defer e.trackMu.Unlock()
	if e.mem.MarkCode(t.Phys) {
		e.FlushTLB()
	}
	return uint64(e.mem.PageVersion(t.Phys >> abi.PageShift)), true
}

package engine

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/sarchlab/tierjit/abi"
	"github.com/sarchlab/tierjit/pipeline"
)

// Trace is an instantiated trace module.
type Trace struct {
	Entry     uint64
	Tier      pipeline.Tier
	CodePages map[uint64]uint64

	compiled wazero.CompiledModule
	mod      api.Module
	fn       api.Function
}

// Call runs the trace against the engine's CPU state and returns the next
// guest RIP.
func (t *Trace) Call(ctx context.Context) (uint64, error) {
	res, err := t.fn.Call(ctx, cpuPtr, jitPtr)
	if err != nil {
		return 0, fmt.Errorf("trace %#x: %w", t.Entry, err)
	}
	return res[0], nil
}

// Close releases the trace module.
func (t *Trace) Close(ctx context.Context) {
	_ = t.mod.Close(ctx)
	_ = t.compiled.Close(ctx)
}

// Instantiate links a compiled artifact into the engine.
func (e *Engine) Instantiate(ctx context.Context, art *pipeline.Artifact) (*Trace, error) {
	t, err := e.InstantiateModule(ctx, art.Wasm)
	if err != nil {
		return nil, fmt.Errorf("%s trace %#x: %w", art.Tier, art.Entry, err)
	}
	t.Entry = art.Entry
	t.Tier = art.Tier
	t.CodePages = art.CodePages
	return t, nil
}

// InstantiateModule links a raw trace module that imports the engine's
// memory and host functions and exports the trace function.
func (e *Engine) InstantiateModule(ctx context.Context, bin []byte) (*Trace, error) {
	compiled, err := e.rt.CompileModule(ctx, bin)
	if err != nil {
		return nil, fmt.Errorf("failed to compile module: %w", err)
	}

	e.nextID++
	name := fmt.Sprintf("trace-%d", e.nextID)
	mod, err := e.rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(name))
	if err != nil {
		_ = compiled.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate module: %w", err)
	}

	fn := mod.ExportedFunction(abi.TraceExport)
	if fn == nil {
		_ = mod.Close(ctx)
		_ = compiled.Close(ctx)
		return nil, fmt.Errorf("module does not export %q", abi.TraceExport)
	}

	return &Trace{compiled: compiled, mod: mod, fn: fn}, nil
}

// Package engine runs compiled traces in a wazero runtime.
//
// An Engine is one execution context. Its linear memory holds the guest
// register file, the JIT context with the inline TLB, and guest RAM:
//
//	64               CPU state
//	64+CPUStateSize  JIT context
//	page aligned     guest RAM
//
// The emu.Memory returned by Memory views the same RAM, so the host
// imports, the inline TLB fast path and Go callers all see one copy. An
// Engine is not safe for concurrent use, but the Compiler it hands out may
// compile several entries at once.
package engine

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/sarchlab/tierjit/abi"
	"github.com/sarchlab/tierjit/cache"
	"github.com/sarchlab/tierjit/codegen"
	"github.com/sarchlab/tierjit/config"
	"github.com/sarchlab/tierjit/emu"
	"github.com/sarchlab/tierjit/pipeline"
)

// Linear memory placement.
const (
	cpuPtr = 64
	jitPtr = cpuPtr + abi.CPUStateSize

	wasmPageSize = 1 << 16
)

// ErrNoProgress is returned by Step when the instruction at RIP can not be
// compiled and no Interpreter is configured.
var ErrNoProgress = errors.New("engine: no progress at entry")

// Interpreter executes single guest instructions the compiler does not
// model.
type Interpreter interface {
	Step(cpu *emu.CPUState, mem *emu.Memory) error
}

// Stats counts engine events.
type Stats struct {
	Steps         uint64
	Translates    uint64
	SlowReads     uint64
	SlowWrites    uint64
	Tier1Compiles uint64
	Tier2Compiles uint64
	Promotions    uint64
	CacheHits     uint64
	CacheMisses   uint64
	Invalidations uint64
	Evictions     uint64
	Interpreted   uint64
}

// StepResult describes one dispatch.
type StepResult struct {
	Entry uint64
	Next  uint64

	// Tier is the tier of the trace that ran, or zero when the
	// Interpreter handled the step.
	Tier pipeline.Tier
}

// Engine is a single guest execution context.
type Engine struct {
	cfg *config.Config
	log io.Writer

	rt     wazero.Runtime
	linear api.Memory
	mem    *emu.Memory
	salt   uint64

	ramLinear uint32
	nextID    int

	compiler *pipeline.Compiler
	interp   Interpreter

	// trackMu serializes code-page tracking and the TLB flush that goes
	// with it.
	trackMu sync.Mutex

	t1, t2  *cache.TraceCache[*Trace]
	runs    map[uint64]int
	noTier2 map[uint64]bool

	stats Stats
}

// Option configures an Engine.
type Option func(*Engine)

// WithLog sets the writer for diagnostics.
func WithLog(w io.Writer) Option {
	return func(e *Engine) {
		e.log = w
	}
}

// WithInterpreter sets the fallback for instructions no tier compiles.
func WithInterpreter(i Interpreter) Option {
	return func(e *Engine) {
		e.interp = i
	}
}

// New creates an execution context. A nil cfg means config.Default().
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	e := &Engine{
		cfg:     cfg,
		log:     io.Discard,
		salt:    cfg.TLBSalt,
		t1:      cache.New[*Trace](cfg.TraceCacheSets, cfg.TraceCacheWays),
		t2:      cache.New[*Trace](cfg.TraceCacheSets, cfg.TraceCacheWays),
		runs:    make(map[uint64]int),
		noTier2: make(map[uint64]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.salt == 0 {
		var b [8]byte
		if _, err := rand.Read(b[:]); err != nil {
			return nil, fmt.Errorf("failed to draw TLB salt: %w", err)
		}
		e.salt = binary.LittleEndian.Uint64(b[:])
	}

	rc := wazero.NewRuntimeConfig()
	if cfg.ForceInterpreterRuntime {
		rc = wazero.NewRuntimeConfigInterpreter()
	}
	e.rt = wazero.NewRuntimeWithConfig(ctx, rc.WithCloseOnContextDone(true))

	if err := e.setup(ctx); err != nil {
		_ = e.rt.Close(ctx)
		return nil, err
	}

	e.compiler = pipeline.New(e.mem, cfg,
		pipeline.WithVersions(pipeline.VersionsFunc(e.trackCodePage)),
		pipeline.WithLog(e.log))
	return e, nil
}

func (e *Engine) setup(ctx context.Context) error {
	ram := uint64(jitPtr+abi.JITContextSize+abi.PageMask) &^ abi.PageMask
	total := ram + e.cfg.GuestRAMSize
	pages := (total + wasmPageSize - 1) / wasmPageSize

	memMod, err := e.rt.InstantiateWithConfig(ctx, codegen.MemoryModule(uint32(pages)),
		wazero.NewModuleConfig().WithName(abi.MemoryModule))
	if err != nil {
		return fmt.Errorf("failed to instantiate memory: %w", err)
	}
	e.linear = memMod.Memory()
	e.ramLinear = uint32(ram)

	view, ok := e.linear.Read(e.ramLinear, uint32(e.cfg.GuestRAMSize))
	if !ok {
		return fmt.Errorf("guest RAM of %d bytes does not fit linear memory", e.cfg.GuestRAMSize)
	}
	low, high := e.cfg.RAMLayout()
	e.mem = emu.NewMemoryWithRAM(view, emu.WithLayout(emu.Layout{LowRAMEnd: low, HighRAMBase: high}))

	e.linear.WriteUint64Le(jitPtr+abi.RAMBaseOffset, uint64(e.ramLinear))
	e.linear.WriteUint64Le(jitPtr+abi.TLBSaltOffset, e.salt)

	return e.instantiateHost(ctx)
}

// Close releases the runtime and every trace.
func (e *Engine) Close(ctx context.Context) error {
	e.t1.Reset()
	e.t2.Reset()
	return e.rt.Close(ctx)
}

// Memory returns the guest memory. Callers that change page mappings must
// call FlushTLB afterwards.
func (e *Engine) Memory() *emu.Memory {
	return e.mem
}

// Compiler returns the compiler the engine uses. It reads guest code
// through the engine's memory and records code pages for invalidation.
func (e *Engine) Compiler() *pipeline.Compiler {
	return e.compiler
}

// Stats returns a snapshot of the event counters.
func (e *Engine) Stats() Stats {
	return e.stats
}

// Salt returns the inline TLB tag salt.
func (e *Engine) Salt() uint64 {
	return e.salt
}

// CPU returns a copy of the guest register file.
func (e *Engine) CPU() emu.CPUState {
	var cpu emu.CPUState
	buf, _ := e.linear.Read(cpuPtr, abi.CPUStateSize)
	cpu.Decode(buf)
	return cpu
}

// SetCPU replaces the guest register file.
func (e *Engine) SetCPU(cpu emu.CPUState) {
	buf, _ := e.linear.Read(cpuPtr, abi.CPUStateSize)
	cpu.Encode(buf)
}

func (e *Engine) rip() uint64 {
	v, _ := e.linear.ReadUint64Le(cpuPtr + abi.RIPOffset)
	return v
}

// Load copies data into guest memory at vaddr.
func (e *Engine) Load(vaddr uint64, data []byte) {
	e.mem.LoadBytes(vaddr, data)
}

// FlushTLB clears every inline TLB line.
func (e *Engine) FlushTLB() {
	lines, _ := e.linear.Read(jitPtr+abi.TLBOffset, abi.TLBEntries*abi.TLBEntrySize)
	clear(lines)
}

func (e *Engine) logf(format string, args ...any) {
	fmt.Fprintf(e.log, "engine: "+format+"\n", args...)
}

// Step runs one trace from the current RIP. A cached Tier-2 trace is
// preferred; otherwise the Tier-1 trace runs, and once it has run
// Tier2Threshold times the entry is promoted. Entries no tier can compile
// go to the Interpreter.
func (e *Engine) Step(ctx context.Context) (StepResult, error) {
	entry := e.rip()
	e.stats.Steps++

	if tr, ok := e.lookup(ctx, e.t2, entry); ok {
		return e.call(ctx, tr)
	}

	tr, ok := e.lookup(ctx, e.t1, entry)
	if e.runs[entry] >= e.cfg.Tier2Threshold && !e.noTier2[entry] {
		promoted, err := e.promote(ctx, entry)
		if err != nil {
			return StepResult{}, err
		}
		if promoted != nil {
			return e.call(ctx, promoted)
		}
	}

	if !ok {
		art, err := e.compiler.Compile(entry, pipeline.Tier1)
		if err != nil {
			return StepResult{}, err
		}
		e.stats.Tier1Compiles++
		if !art.Progresses() {
			return e.interpret(entry)
		}
		tr, err = e.Instantiate(ctx, art)
		if err != nil {
			return StepResult{}, err
		}
		e.insert(ctx, e.t1, tr)
	}

	e.runs[entry]++
	return e.call(ctx, tr)
}

// Warm compiles Tier-1 traces for entries in parallel and caches them, so
// the first Step at each entry skips compilation. Entries already cached or
// that make no progress are skipped.
func (e *Engine) Warm(ctx context.Context, entries []uint64) (int, error) {
	var todo []uint64
	for _, entry := range entries {
		if _, ok := e.t1.Lookup(entry); !ok {
			todo = append(todo, entry)
		}
	}

	arts, err := e.compiler.CompileAll(ctx, todo, pipeline.Tier1)
	if err != nil {
		return 0, fmt.Errorf("warm: %w", err)
	}

	n := 0
	for _, art := range arts {
		e.stats.Tier1Compiles++
		if !art.Progresses() {
			continue
		}
		tr, err := e.Instantiate(ctx, art)
		if err != nil {
			return n, err
		}
		e.insert(ctx, e.t1, tr)
		n++
	}
	e.logf("warmed %d of %d entries", n, len(entries))
	return n, nil
}

// Run steps until maxSteps traces have run or a step fails. It returns the
// number of completed steps.
func (e *Engine) Run(ctx context.Context, maxSteps int) (int, error) {
	for n := 0; n < maxSteps; n++ {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if _, err := e.Step(ctx); err != nil {
			return n, err
		}
	}
	return maxSteps, nil
}

func (e *Engine) lookup(ctx context.Context, c *cache.TraceCache[*Trace], entry uint64) (*Trace, bool) {
	tr, ok := c.Lookup(entry)
	if !ok {
		e.stats.CacheMisses++
		return nil, false
	}
	if e.stale(tr) {
		c.Invalidate(entry)
		tr.Close(ctx)
		e.stats.Invalidations++
		if tr.Tier == pipeline.Tier1 {
			delete(e.runs, entry)
		}
		delete(e.noTier2, entry)
		e.logf("invalidated %s trace at %#x", tr.Tier, entry)
		return nil, false
	}
	e.stats.CacheHits++
	return tr, true
}

func (e *Engine) insert(ctx context.Context, c *cache.TraceCache[*Trace], tr *Trace) {
	if old, evicted := c.Insert(tr.Entry, tr); evicted {
		old.Close(ctx)
		e.stats.Evictions++
		if old.Tier == pipeline.Tier1 {
			delete(e.runs, old.Entry)
		}
	}
}

// promote compiles entry at Tier-2. It returns nil when the function would
// exit before executing anything.
func (e *Engine) promote(ctx context.Context, entry uint64) (*Trace, error) {
	art, err := e.compiler.Compile(entry, pipeline.Tier2)
	if err != nil {
		return nil, err
	}
	e.stats.Tier2Compiles++
	if !art.Progresses() {
		e.noTier2[entry] = true
		return nil, nil
	}

	tr, err := e.Instantiate(ctx, art)
	if err != nil {
		return nil, err
	}
	e.insert(ctx, e.t2, tr)
	delete(e.runs, entry)
	e.stats.Promotions++
	e.logf("promoted %#x: %d blocks", entry, len(art.Function.Blocks))
	return tr, nil
}

func (e *Engine) call(ctx context.Context, tr *Trace) (StepResult, error) {
	next, err := tr.Call(ctx)
	if err != nil {
		return StepResult{}, err
	}
	return StepResult{Entry: tr.Entry, Next: next, Tier: tr.Tier}, nil
}

func (e *Engine) interpret(entry uint64) (StepResult, error) {
	if e.interp == nil {
		return StepResult{}, fmt.Errorf("%w %#x", ErrNoProgress, entry)
	}

	cpu := e.CPU()
	if err := e.interp.Step(&cpu, e.mem); err != nil {
		return StepResult{}, fmt.Errorf("interpreter at %#x: %w", entry, err)
	}
	e.SetCPU(cpu)
	e.FlushTLB()
	e.stats.Interpreted++
	return StepResult{Entry: entry, Next: cpu.RIP}, nil
}

// stale reports whether a code page the trace was compiled from has been
// written since.
func (e *Engine) stale(tr *Trace) bool {
	for vpage, want := range tr.CodePages {
		if e.pageVersion(vpage) != want {
			return true
		}
	}
	return false
}

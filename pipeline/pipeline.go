// Package pipeline drives compilation from a guest entry address to a WASM
// trace: block discovery, Tier-1 translation, and for Tier-2 the CFG build,
// validation and optimization, followed by code generation.
//
// A Compiler holds no per-request state, so independent entries may be
// compiled concurrently.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sarchlab/tierjit/abi"
	"github.com/sarchlab/tierjit/codegen"
	"github.com/sarchlab/tierjit/config"
	"github.com/sarchlab/tierjit/insts"
	"github.com/sarchlab/tierjit/tier1"
	"github.com/sarchlab/tierjit/tier2"
)

// Tier selects a compilation tier.
type Tier uint8

// Tiers.
const (
	Tier1 Tier = 1
	Tier2 Tier = 2
)

func (t Tier) String() string {
	switch t {
	case Tier1:
		return "tier1"
	case Tier2:
		return "tier2"
	}
	return fmt.Sprintf("tier(%d)", uint8(t))
}

// Versions reports the current version of a virtual code page, or false if
// the page is not backed by trackable memory.
type Versions interface {
	CodePageVersion(vpage uint64) (uint64, bool)
}

// VersionsFunc adapts a function to Versions.
type VersionsFunc func(vpage uint64) (uint64, bool)

// CodePageVersion calls f.
func (f VersionsFunc) CodePageVersion(vpage uint64) (uint64, bool) {
	return f(vpage)
}

// Artifact is the result of one compilation.
type Artifact struct {
	Entry uint64
	Tier  Tier
	Wasm  []byte

	// Tier1 is set for Tier-1 artifacts.
	Tier1 *tier1.Block

	// Function and OptStats are set for Tier-2 artifacts.
	Function *tier2.Function
	OptStats tier2.Stats

	// CodePages maps the virtual pages the code was read from to their
	// versions at compile time. It is empty without a Versions source.
	CodePages map[uint64]uint64
}

// Progresses reports whether running the artifact executes at least one
// guest instruction before handing control back.
func (a *Artifact) Progresses() bool {
	if a.Tier == Tier1 {
		return a.Tier1.Len > 0
	}
	entry := a.Function.EntryBlock()
	if len(entry.Instrs) > 0 {
		return true
	}
	exit, ok := entry.Term.(*tier2.SideExit)
	return !ok || exit.RIP != entry.StartRIP
}

// Compiler compiles guest code read through a bus.
type Compiler struct {
	bus      insts.Bus
	cfg      *config.Config
	versions Versions

	logMu sync.Mutex
	log   io.Writer
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithVersions records code page versions in artifacts and compiles guards
// against them. The source must be safe for concurrent use if CompileAll is
// used.
func WithVersions(v Versions) Option {
	return func(c *Compiler) {
		c.versions = v
	}
}

// WithLog sets the writer for diagnostics.
func WithLog(w io.Writer) Option {
	return func(c *Compiler) {
		c.log = w
	}
}

// New creates a compiler. A nil cfg means config.Default().
func New(bus insts.Bus, cfg *config.Config, opts ...Option) *Compiler {
	if cfg == nil {
		cfg = config.Default()
	}
	c := &Compiler{bus: bus, cfg: cfg, log: io.Discard}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Compiler) logf(format string, args ...any) {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	fmt.Fprintf(c.log, "pipeline: "+format+"\n", args...)
}

func (c *Compiler) limits() insts.Limits {
	return insts.Limits{
		MaxInstructions: c.cfg.MaxBlockInstructions,
		MaxBytes:        c.cfg.MaxBlockBytes,
	}
}

// Tier1 discovers and translates the block at entry.
func (c *Compiler) Tier1(entry uint64) (*tier1.Block, error) {
	b := tier1.Translate(insts.Discover(c.bus, entry, c.limits()))
	if err := tier1.Validate(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Tier2 builds, validates and optionally optimizes the function at entry.
func (c *Compiler) Tier2(entry uint64) (*tier2.Function, tier2.Stats, error) {
	src := tier2.BusSource{Bus: c.bus, Limits: c.limits()}
	f := tier2.NewBuilder(src, tier2.WithMaxBlocks(c.cfg.MaxFunctionBlocks)).Build(entry)
	if err := tier2.Validate(f); err != nil {
		return nil, tier2.Stats{}, err
	}

	var stats tier2.Stats
	if c.cfg.Optimize {
		stats = tier2.Optimize(f)
		if err := tier2.Validate(f); err != nil {
			return nil, stats, fmt.Errorf("after optimization: %w", err)
		}
	}
	return f, stats, nil
}

// Compile produces an artifact for entry at the requested tier.
func (c *Compiler) Compile(entry uint64, tier Tier) (*Artifact, error) {
	a := &Artifact{Entry: entry, Tier: tier}

	switch tier {
	case Tier1:
		b, err := c.Tier1(entry)
		if err != nil {
			return nil, err
		}
		a.Tier1 = b
		a.CodePages = c.codePages([]span{{b.EntryRIP, b.Len}})
		a.Wasm, err = codegen.Tier1(b, codegen.Options{Guards: a.CodePages})
		if err != nil {
			return nil, err
		}
		c.logf("%s %#x: %d instrs, %d bytes of wasm", tier, entry, len(b.Instrs), len(a.Wasm))
	case Tier2:
		f, stats, err := c.Tier2(entry)
		if err != nil {
			return nil, err
		}
		a.Function, a.OptStats = f, stats

		spans := make([]span, 0, len(f.Blocks))
		for _, b := range f.Blocks {
			spans = append(spans, span{b.StartRIP, b.Len})
		}
		a.CodePages = c.codePages(spans)
		a.Wasm, err = codegen.Tier2(f, codegen.Options{
			InlineTLB: c.cfg.InlineTLB,
			Budget:    c.cfg.BlockBudget,
			Guards:    a.CodePages,
		})
		if err != nil {
			return nil, err
		}
		c.logf("%s %#x: %d blocks, %d instrs, %d rewrites, %d bytes of wasm",
			tier, entry, len(f.Blocks), f.NumInstrs(), stats.Rewrites(), len(a.Wasm))
	default:
		return nil, fmt.Errorf("pipeline: unknown %s", tier)
	}

	return a, nil
}

// CompileAll compiles independent entries concurrently. It stops at the
// first failure and returns the artifacts in entry order.
func (c *Compiler) CompileAll(ctx context.Context, entries []uint64, tier Tier) ([]*Artifact, error) {
	out := make([]*Artifact, len(entries))
	g, ctx := errgroup.WithContext(ctx)
	for i, entry := range entries {
		i, entry := i, entry
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			a, err := c.Compile(entry, tier)
			if err != nil {
				return fmt.Errorf("compile %#x: %w", entry, err)
			}
			out[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

type span struct {
	start  uint64
	length int
}

func (c *Compiler) codePages(spans []span) map[uint64]uint64 {
	if c.versions == nil {
		return nil
	}
	pages := make(map[uint64]uint64)
	for _, s := range spans {
		if s.length <= 0 {
			continue
		}
		first := s.start >> abi.PageShift
		last := (s.start + uint64(s.length) - 1) >> abi.PageShift
		for p := first; ; p++ {
			if _, seen := pages[p]; !seen {
				if v, ok := c.versions.CodePageVersion(p); ok {
					pages[p] = v
				}
			}
			if p == last {
				break
			}
		}
	}
	return pages
}

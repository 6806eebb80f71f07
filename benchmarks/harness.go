// Package benchmarks runs small x86-64 workloads through the engine and
// reports how the tiers handled them.
package benchmarks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sarchlab/tierjit/config"
	"github.com/sarchlab/tierjit/emu"
	"github.com/sarchlab/tierjit/engine"
	"github.com/sarchlab/tierjit/insts"
)

// ProgramBase is where every workload is loaded and entered.
const ProgramBase = 0x1000

// StackTop is the initial RSP of every workload.
const StackTop = 0xf000

// Result holds the outcome of one benchmark run.
type Result struct {
	Name        string `json:"name"`
	Description string `json:"description"`

	// Steps is the number of traces and interpreter steps run.
	Steps int `json:"steps"`

	// Halted is set when the workload reached its final HLT.
	Halted bool `json:"halted"`

	// RAX is the final value of RAX; Valid reports whether it matched the
	// expected value.
	RAX   uint64 `json:"rax"`
	Valid bool   `json:"valid"`

	// Warmed is the number of Tier-1 traces compiled before the run.
	Warmed int `json:"warmed"`

	Tier1Compiles uint64 `json:"tier1_compiles"`
	Tier2Compiles uint64 `json:"tier2_compiles"`
	Promotions    uint64 `json:"promotions"`
	CacheHits     uint64 `json:"cache_hits"`
	Translates    uint64 `json:"translates"`
	SlowReads     uint64 `json:"slow_reads"`
	SlowWrites    uint64 `json:"slow_writes"`

	// Err holds any failure other than the final halt.
	Err string `json:"error,omitempty"`

	WallTime time.Duration `json:"wall_time_ns"`
}

// Benchmark is one workload.
type Benchmark struct {
	Name        string
	Description string

	// Setup prepares registers and memory after the program is loaded.
	Setup func(cpu *emu.CPUState, mem *emu.Memory)

	// Program is x86-64 machine code loaded at ProgramBase. It ends in HLT.
	Program []byte

	// ExpectedRAX is the value RAX holds at the final HLT.
	ExpectedRAX uint64
}

// HarnessConfig configures the benchmark harness.
type HarnessConfig struct {
	// Config is the engine configuration. Nil means config.Default().
	Config *config.Config

	// MaxSteps bounds every run.
	MaxSteps int

	// Output is where to write results (default: os.Stdout).
	Output io.Writer
}

// DefaultConfig returns a default harness configuration.
func DefaultConfig() HarnessConfig {
	return HarnessConfig{
		Config:   config.Default(),
		MaxSteps: 1_000_000,
		Output:   os.Stdout,
	}
}

// Harness runs benchmarks and reports results.
type Harness struct {
	config     HarnessConfig
	benchmarks []Benchmark
}

// NewHarness creates a benchmark harness.
func NewHarness(cfg HarnessConfig) *Harness {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	if cfg.Config == nil {
		cfg.Config = config.Default()
	}
	return &Harness{config: cfg}
}

// AddBenchmarks adds benchmarks to the harness.
func (h *Harness) AddBenchmarks(benchmarks []Benchmark) {
	h.benchmarks = append(h.benchmarks, benchmarks...)
}

// RunAll runs every benchmark in order.
func (h *Harness) RunAll(ctx context.Context) []Result {
	results := make([]Result, 0, len(h.benchmarks))
	for _, bench := range h.benchmarks {
		results = append(results, h.run(ctx, bench))
	}
	return results
}

func (h *Harness) run(ctx context.Context, bench Benchmark) Result {
	r := Result{Name: bench.Name, Description: bench.Description}

	e, err := engine.New(ctx, h.config.Config)
	if err != nil {
		r.Err = err.Error()
		return r
	}
	defer func() { _ = e.Close(ctx) }()

	e.Load(ProgramBase, bench.Program)
	cpu := emu.CPUState{RIP: ProgramBase}
	cpu.GPR[4] = StackTop
	if bench.Setup != nil {
		bench.Setup(&cpu, e.Memory())
	}
	e.SetCPU(cpu)

	start := time.Now()
	entries := insts.Entries(e.Memory(), ProgramBase, ProgramBase+uint64(len(bench.Program)),
		insts.Limits{
			MaxInstructions: h.config.Config.MaxBlockInstructions,
			MaxBytes:        h.config.Config.MaxBlockBytes,
		})
	r.Warmed, err = e.Warm(ctx, entries)
	if err != nil {
		r.Err = err.Error()
		return r
	}
	r.Steps, err = e.Run(ctx, h.config.MaxSteps)
	r.WallTime = time.Since(start)

	switch {
	case errors.Is(err, engine.ErrNoProgress):
		r.Halted = true
	case err != nil:
		r.Err = err.Error()
	}

	r.RAX = e.CPU().GPR[0]
	r.Valid = r.Halted && r.RAX == bench.ExpectedRAX

	stats := e.Stats()
	r.Tier1Compiles = stats.Tier1Compiles
	r.Tier2Compiles = stats.Tier2Compiles
	r.Promotions = stats.Promotions
	r.CacheHits = stats.CacheHits
	r.Translates = stats.Translates
	r.SlowReads = stats.SlowReads
	r.SlowWrites = stats.SlowWrites
	return r
}

// PrintResults writes results in human-readable form.
func (h *Harness) PrintResults(results []Result) {
	w := h.config.Output
	for _, r := range results {
		status := "ok"
		switch {
		case r.Err != "":
			status = "error: " + r.Err
		case !r.Halted:
			status = "did not halt"
		case !r.Valid:
			status = fmt.Sprintf("wrong result 0x%X", r.RAX)
		}

		fmt.Fprintf(w, "=== %s ===\n", r.Name)
		fmt.Fprintf(w, "  %s\n", r.Description)
		fmt.Fprintf(w, "  Status:          %s\n", status)
		fmt.Fprintf(w, "  Steps:           %d\n", r.Steps)
		fmt.Fprintf(w, "  Tier-1 compiles: %d (%d warmed)\n", r.Tier1Compiles, r.Warmed)
		fmt.Fprintf(w, "  Tier-2 compiles: %d (%d promoted)\n", r.Tier2Compiles, r.Promotions)
		fmt.Fprintf(w, "  Cache hits:      %d\n", r.CacheHits)
		fmt.Fprintf(w, "  TLB translates:  %d\n", r.Translates)
		fmt.Fprintf(w, "  Slow accesses:   %d reads, %d writes\n", r.SlowReads, r.SlowWrites)
		fmt.Fprintf(w, "  Wall time:       %v\n", r.WallTime)
		fmt.Fprintf(w, "\n")
	}
}

// PrintCSV writes results as CSV.
func (h *Harness) PrintCSV(results []Result) {
	w := h.config.Output
	fmt.Fprintln(w, "name,steps,halted,valid,tier1_compiles,tier2_compiles,promotions,cache_hits,translates,slow_reads,slow_writes,wall_time_ns")
	for _, r := range results {
		fmt.Fprintf(w, "%s,%d,%t,%t,%d,%d,%d,%d,%d,%d,%d,%d\n",
			r.Name, r.Steps, r.Halted, r.Valid, r.Tier1Compiles, r.Tier2Compiles,
			r.Promotions, r.CacheHits, r.Translates, r.SlowReads, r.SlowWrites,
			r.WallTime.Nanoseconds())
	}
}

// PrintJSON writes results as a JSON array.
func (h *Harness) PrintJSON(results []Result) error {
	enc := json.NewEncoder(h.config.Output)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

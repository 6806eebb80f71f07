// Package main provides the entry point for tierjit, a tiered x86-64 JIT
// that compiles guest code to WebAssembly and runs it under wazero.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime/pprof"
	"time"

	"golang.org/x/term"

	"github.com/sarchlab/tierjit/config"
	"github.com/sarchlab/tierjit/emu"
	"github.com/sarchlab/tierjit/engine"
	"github.com/sarchlab/tierjit/insts"
	"github.com/sarchlab/tierjit/loader"
	"github.com/sarchlab/tierjit/pipeline"
	"github.com/sarchlab/tierjit/tier1"
	"github.com/sarchlab/tierjit/tier2"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type options struct {
	raw        bool
	base       uint64
	entry      uint64
	dump       string
	steps      int
	configPath string
	verbose    bool
	cpuProfile string
	timeout    time.Duration
	warm       bool
}

func parseFlags(args []string, stderr io.Writer) (*options, string, error) {
	o := &options{}
	fs := flag.NewFlagSet("tierjit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&o.raw, "raw", false, "Treat the program as a flat binary")
	fs.Uint64Var(&o.base, "base", 0x1000, "Load address of a raw binary")
	fs.Uint64Var(&o.entry, "entry", 0, "Entry address (default: program entry)")
	fs.StringVar(&o.dump, "dump", "", "Dump the entry's compilation: tier1, tier2, opt or wasm")
	fs.IntVar(&o.steps, "run", 0, "Run up to N traces")
	fs.StringVar(&o.configPath, "config", "", "Path to JSON configuration file")
	fs.BoolVar(&o.verbose, "v", false, "Verbose output")
	fs.StringVar(&o.cpuProfile, "cpuprofile", "", "Write a CPU profile to file")
	fs.DurationVar(&o.timeout, "timeout", 0, "Stop running after this long (0 = no limit)")
	fs.BoolVar(&o.warm, "warm", false, "Compile every block of executable segments before running")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: tierjit [options] <program>\n")
		fmt.Fprintf(stderr, "\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, "", err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return nil, "", errors.New("missing program")
	}
	switch o.dump {
	case "", "tier1", "tier2", "opt", "wasm":
	default:
		return nil, "", fmt.Errorf("unknown dump kind %q", o.dump)
	}
	return o, fs.Arg(0), nil
}

func run(args []string, stdout, stderr io.Writer) int {
	o, programPath, err := parseFlags(args, stderr)
	if err != nil {
		return 2
	}

	if o.cpuProfile != "" {
		f, err := os.Create(o.cpuProfile)
		if err != nil {
			fmt.Fprintf(stderr, "Error creating CPU profile: %v\n", err)
			return 1
		}
		defer func() { _ = f.Close() }()

		if err := pprof.StartCPUProfile(f); err != nil {
			fmt.Fprintf(stderr, "Error starting CPU profile: %v\n", err)
			return 1
		}
		defer pprof.StopCPUProfile()
	}

	cfg := config.Default()
	if o.configPath != "" {
		cfg, err = config.Load(o.configPath)
		if err != nil {
			fmt.Fprintf(stderr, "Error loading config: %v\n", err)
			return 1
		}
	}

	var prog *loader.Program
	if o.raw {
		prog, err = loader.LoadRaw(programPath, o.base)
	} else {
		prog, err = loader.Load(programPath)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error loading program: %v\n", err)
		return 1
	}
	entry := prog.EntryPoint
	if o.entry != 0 {
		entry = o.entry
	}

	ctx := context.Background()
	var engineOpts []engine.Option
	if o.verbose {
		engineOpts = append(engineOpts, engine.WithLog(stderr))
	}
	e, err := engine.New(ctx, cfg, engineOpts...)
	if err != nil {
		fmt.Fprintf(stderr, "Error creating engine: %v\n", err)
		return 1
	}
	defer func() { _ = e.Close(ctx) }()

	if err := prog.CopyTo(e.Memory()); err != nil {
		fmt.Fprintf(stderr, "Error loading program: %v\n", err)
		return 1
	}

	lowEnd, _ := cfg.RAMLayout()
	cpu := e.CPU()
	cpu.RIP = entry
	cpu.GPR[4] = lowEnd
	e.SetCPU(cpu)

	if o.verbose {
		fmt.Fprintf(stdout, "Loaded: %s\n", programPath)
		fmt.Fprintf(stdout, "Entry point: 0x%X\n", entry)
		fmt.Fprintf(stdout, "Segments: %d\n", len(prog.Segments))
	}

	if o.warm {
		if err := warm(ctx, stdout, cfg, e, prog); err != nil {
			fmt.Fprintf(stderr, "Error warming: %v\n", err)
			return 1
		}
	}

	if o.dump != "" {
		if err := dump(stdout, cfg, e, entry, o.dump); err != nil {
			fmt.Fprintf(stderr, "Error compiling 0x%X: %v\n", entry, err)
			return 1
		}
	}

	if o.steps > 0 {
		runCtx := ctx
		if o.timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, o.timeout)
			defer cancel()
		}
		return report(runCtx, stdout, stderr, e, o.steps)
	}
	return 0
}

// warm compiles the blocks of every executable segment in parallel.
func warm(ctx context.Context, w io.Writer, cfg *config.Config, e *engine.Engine, prog *loader.Program) error {
	limits := insts.Limits{
		MaxInstructions: cfg.MaxBlockInstructions,
		MaxBytes:        cfg.MaxBlockBytes,
	}
	var entries []uint64
	for _, seg := range prog.Segments {
		if seg.Perm&emu.PermExec == 0 || len(seg.Data) == 0 {
			continue
		}
		end := seg.VirtAddr + uint64(len(seg.Data))
		entries = append(entries, insts.Entries(e.Memory(), seg.VirtAddr, end, limits)...)
	}

	n, err := e.Warm(ctx, entries)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Warmed: %d of %d entries\n", n, len(entries))
	return nil
}

func dump(w io.Writer, cfg *config.Config, e *engine.Engine, entry uint64, kind string) error {
	c := e.Compiler()
	switch kind {
	case "tier1":
		b, err := c.Tier1(entry)
		if err != nil {
			return err
		}
		fmt.Fprint(w, tier1.Format(b))
	case "tier2", "opt":
		raw := cfg.Clone()
		raw.Optimize = kind == "opt"
		f, stats, err := pipeline.New(e.Memory(), raw).Tier2(entry)
		if err != nil {
			return err
		}
		fmt.Fprint(w, tier2.Format(f))
		if kind == "opt" {
			fmt.Fprintf(w, "\nOptimizer: %d passes, %d rewrites, %d removed\n",
				stats.Passes, stats.Rewrites(), stats.DeadRemoved)
		}
	case "wasm":
		art, err := c.Compile(entry, pipeline.Tier2)
		if err != nil {
			return err
		}
		fmt.Fprint(w, hex.Dump(art.Wasm))
	}
	return nil
}

func report(ctx context.Context, stdout, stderr io.Writer, e *engine.Engine, steps int) int {
	start := time.Now()
	n, err := e.Run(ctx, steps)
	elapsed := time.Since(start)

	code := 0
	status := "step limit reached"
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrNoProgress):
		status = "halted"
	case ctx.Err() != nil:
		status = "timed out"
	default:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		status = "failed"
		code = 1
	}

	heading := func(s string) string {
		if f, ok := stdout.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			return "\x1b[1m" + s + "\x1b[0m"
		}
		return s
	}

	cpu := e.CPU()
	stats := e.Stats()
	fmt.Fprintf(stdout, "\n")
	fmt.Fprintf(stdout, "%s\n", heading("Run:"))
	fmt.Fprintf(stdout, "  Status:  %s at RIP 0x%X\n", status, cpu.RIP)
	fmt.Fprintf(stdout, "  Steps:   %d\n", n)
	fmt.Fprintf(stdout, "  Time:    %v\n", elapsed.Round(time.Microsecond))
	fmt.Fprintf(stdout, "\n")
	fmt.Fprintf(stdout, "%s\n", heading("Registers:"))
	for i, name := range regNames {
		fmt.Fprintf(stdout, "  %-3s 0x%016X", name, cpu.GPR[i])
		if i%4 == 3 {
			fmt.Fprintf(stdout, "\n")
		}
	}
	fmt.Fprintf(stdout, "  RFLAGS 0x%X\n", cpu.RFLAGS)
	fmt.Fprintf(stdout, "\n")
	fmt.Fprintf(stdout, "%s\n", heading("Engine Events:"))
	fmt.Fprintf(stdout, "  Tier-1 compiles: %d\n", stats.Tier1Compiles)
	fmt.Fprintf(stdout, "  Tier-2 compiles: %d (%d promoted)\n", stats.Tier2Compiles, stats.Promotions)
	fmt.Fprintf(stdout, "  Cache hits:      %d\n", stats.CacheHits)
	fmt.Fprintf(stdout, "  Invalidations:   %d\n", stats.Invalidations)
	fmt.Fprintf(stdout, "  Evictions:       %d\n", stats.Evictions)
	fmt.Fprintf(stdout, "  TLB translates:  %d\n", stats.Translates)
	fmt.Fprintf(stdout, "  Slow reads:      %d\n", stats.SlowReads)
	fmt.Fprintf(stdout, "  Slow writes:     %d\n", stats.SlowWrites)

	return code
}

var regNames = []string{
	"RAX", "RCX", "RDX", "RBX", "RSP", "RBP", "RSI", "RDI",
	"R8", "R9", "R10", "R11", "R12", "R13", "R14", "R15",
}

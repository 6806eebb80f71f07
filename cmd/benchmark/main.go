// Command benchmark runs the tierjit workload harness.
//
// Usage:
//
//	go run ./cmd/benchmark [flags]
//
// Flags:
//
//	-csv            Output results in CSV format (default: human-readable)
//	-json           Output results as JSON
//	-no-inline-tlb  Route every Tier-2 memory access through the host
//	-no-opt         Disable the Tier-2 optimizer
//	-threshold N    Tier-1 runs before promotion to Tier-2
//
// Example:
//
//	# Compare tiering against Tier-1 only
//	go run ./cmd/benchmark -csv > tiered.csv
//	go run ./cmd/benchmark -csv -threshold 1000000000 > tier1.csv
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/sarchlab/tierjit/benchmarks"
)

func main() {
	csvOutput := flag.Bool("csv", false, "Output results in CSV format")
	jsonOutput := flag.Bool("json", false, "Output results as JSON")
	noInlineTLB := flag.Bool("no-inline-tlb", false, "Disable the inline TLB fast path")
	noOpt := flag.Bool("no-opt", false, "Disable the Tier-2 optimizer")
	threshold := flag.Int("threshold", -1, "Tier-1 runs before promotion (default: config default)")
	maxSteps := flag.Int("steps", 1_000_000, "Step limit per workload")
	flag.Parse()

	hc := benchmarks.DefaultConfig()
	hc.Config.InlineTLB = !*noInlineTLB
	hc.Config.Optimize = !*noOpt
	if *threshold >= 0 {
		hc.Config.Tier2Threshold = *threshold
	}
	hc.MaxSteps = *maxSteps

	harness := benchmarks.NewHarness(hc)
	harness.AddBenchmarks(benchmarks.Workloads())

	if !*csvOutput && !*jsonOutput {
		fmt.Println("tierjit benchmark harness")
		fmt.Println("=========================")
		fmt.Printf("Inline TLB:      %v\n", hc.Config.InlineTLB)
		fmt.Printf("Optimizer:       %v\n", hc.Config.Optimize)
		fmt.Printf("Tier-2 after:    %d runs\n", hc.Config.Tier2Threshold)
		fmt.Println("")
	}

	results := harness.RunAll(context.Background())

	switch {
	case *jsonOutput:
		if err := harness.PrintJSON(results); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case *csvOutput:
		harness.PrintCSV(results)
	default:
		harness.PrintResults(results)
	}

	for _, r := range results {
		if !r.Valid {
			os.Exit(1)
		}
	}
}

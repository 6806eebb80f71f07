// Package main provides the entry point for tierjit.
// tierjit is a tiered x86-64 JIT that compiles guest code to WebAssembly and
// runs it under wazero.
//
// For the full CLI, use: go run ./cmd/tierjit
package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Println("tierjit - tiered x86-64 to WebAssembly JIT")
	fmt.Println("")
	fmt.Println("Usage: tierjit [options] <program>")
	fmt.Println("")
	fmt.Println("Options:")
	fmt.Println("  -raw       Treat the program as a flat binary")
	fmt.Println("  -dump      Dump the entry's compilation: tier1, tier2, opt or wasm")
	fmt.Println("  -run       Run up to N traces")
	fmt.Println("  -config    Path to JSON configuration file")
	fmt.Println("  -v         Verbose output")
	fmt.Println("")
	fmt.Println("Run 'go run ./cmd/tierjit' for the full CLI.")
	fmt.Println("Run 'go run ./cmd/benchmark' for the workload harness.")

	if len(os.Args) > 1 {
		fmt.Println("\nNote: You provided arguments. Use 'go run ./cmd/tierjit' instead.")
	}
}

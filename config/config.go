// Package config holds the tunables of the JIT pipeline and execution engine.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config holds compilation and execution settings.
type Config struct {
	// MaxBlockInstructions bounds the guest instructions discovered per
	// basic block. Default: 64.
	MaxBlockInstructions int `json:"max_block_instructions"`

	// MaxBlockBytes bounds the guest bytes discovered per basic block.
	// Default: 1024.
	MaxBlockBytes int `json:"max_block_bytes"`

	// MaxFunctionBlocks caps CFG growth during Tier-2 function building.
	// Targets beyond the cap become side exits. Default: 64.
	MaxFunctionBlocks int `json:"max_function_blocks"`

	// Optimize runs the Tier-2 optimizer. Default: true.
	Optimize bool `json:"optimize"`

	// InlineTLB emits the inline translation fast path in Tier-2 traces.
	// Default: true.
	InlineTLB bool `json:"inline_tlb"`

	// TLBSalt is XORed into inline TLB tags. Zero picks a random salt per
	// execution context.
	TLBSalt uint64 `json:"tlb_salt"`

	// BlockBudget is the number of block transitions a Tier-2 trace may
	// take per invocation. Default: 4096.
	BlockBudget int `json:"block_budget"`

	// Tier2Threshold is the number of Tier-1 executions of an entry before
	// it is recompiled at Tier-2. Default: 8.
	Tier2Threshold int `json:"tier2_threshold"`

	// TraceCacheSets and TraceCacheWays shape each compiled-trace cache.
	// Defaults: 64 sets of 4 ways.
	TraceCacheSets int `json:"trace_cache_sets"`
	TraceCacheWays int `json:"trace_cache_ways"`

	// GuestRAMSize is the guest RAM size in bytes. Default: 16 MiB.
	GuestRAMSize uint64 `json:"guest_ram_size"`

	// LowRAMEnd is where the low RAM window ends; the rest of RAM appears
	// at HighRAMBase. Zero means no hole.
	LowRAMEnd uint64 `json:"low_ram_end"`

	// HighRAMBase is the physical base of relocated RAM. Default: 4 GiB.
	HighRAMBase uint64 `json:"high_ram_base"`

	// ForceInterpreterRuntime runs generated code in the wazero interpreter
	// instead of the compiler. Default: false.
	ForceInterpreterRuntime bool `json:"force_interpreter_runtime"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		MaxBlockInstructions: 64,
		MaxBlockBytes:        1024,
		MaxFunctionBlocks:    64,
		Optimize:             true,
		InlineTLB:            true,
		BlockBudget:          4096,
		Tier2Threshold:       8,
		TraceCacheSets:       64,
		TraceCacheWays:       4,
		GuestRAMSize:         16 << 20,
		HighRAMBase:          4 << 30,
	}
}

// Load reads a configuration from a JSON file. Fields missing from the file
// keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	c := Default()
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return c, nil
}

// Save writes the configuration to a JSON file.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks that the settings are usable.
func (c *Config) Validate() error {
	if c.MaxBlockInstructions <= 0 {
		return fmt.Errorf("max_block_instructions must be > 0")
	}
	if c.MaxBlockBytes <= 0 {
		return fmt.Errorf("max_block_bytes must be > 0")
	}
	if c.MaxFunctionBlocks <= 0 {
		return fmt.Errorf("max_function_blocks must be > 0")
	}
	if c.Tier2Threshold < 0 {
		return fmt.Errorf("tier2_threshold must be >= 0")
	}
	if c.TraceCacheSets <= 0 || c.TraceCacheWays <= 0 {
		return fmt.Errorf("trace cache needs at least one set and one way")
	}
	if c.GuestRAMSize == 0 || c.GuestRAMSize%4096 != 0 {
		return fmt.Errorf("guest_ram_size must be a nonzero multiple of 4096")
	}
	if c.GuestRAMSize > 1<<31 {
		return fmt.Errorf("guest_ram_size must be <= 2 GiB")
	}
	if c.LowRAMEnd%4096 != 0 || c.LowRAMEnd > c.GuestRAMSize {
		return fmt.Errorf("low_ram_end must be page aligned and <= guest_ram_size")
	}
	if c.HighRAMBase%4096 != 0 {
		return fmt.Errorf("high_ram_base must be page aligned")
	}
	return nil
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// RAMLayout returns the low RAM end with the no-hole default applied.
func (c *Config) RAMLayout() (lowEnd, highBase uint64) {
	lowEnd = c.LowRAMEnd
	if lowEnd == 0 {
		lowEnd = c.GuestRAMSize
	}
	return lowEnd, c.HighRAMBase
}

package insts

import (
	"slices"

	"golang.org/x/arch/x86/x86asm"
)

// Entries sweeps [start, end) block by block and returns the sorted block
// starts together with the in-range targets of direct jumps, branches and
// calls. These are the addresses a run is likely to enter.
func Entries(bus Bus, start, end uint64, limits Limits) []uint64 {
	seen := make(map[uint64]bool)
	for addr := start; addr < end; {
		b := Discover(bus, addr, limits)
		seen[addr] = true

		last := b.Last()
		if !last.Invalid && IsControlFlow(last.Op.Op) {
			if rel, ok := last.Op.Args[0].(x86asm.Rel); ok {
				target := last.Next() + uint64(int64(rel))
				if target >= start && target < end {
					seen[target] = true
				}
			}
		}
		addr = b.Next
	}

	out := make([]uint64, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	slices.Sort(out)
	return out
}

package tier2

import (
	"github.com/sarchlab/tierjit/insts"
	"github.com/sarchlab/tierjit/tier1"
)

// Source produces the Tier-1 block for a guest address.
type Source interface {
	Block(addr uint64) *tier1.Block
}

// BusSource discovers and translates guest code read through a Bus.
type BusSource struct {
	Bus    insts.Bus
	Limits insts.Limits
}

// Block discovers and translates the block at addr.
func (s BusSource) Block(addr uint64) *tier1.Block {
	return tier1.Translate(insts.Discover(s.Bus, addr, s.Limits))
}

// SourceFunc adapts a function to a Source.
type SourceFunc func(addr uint64) *tier1.Block

// Block calls f.
func (f SourceFunc) Block(addr uint64) *tier1.Block {
	return f(addr)
}

// DefaultMaxBlocks bounds the number of translated blocks per function.
const DefaultMaxBlocks = 64

// Builder builds a Function from an entry address. The address map, block
// arena, worklist and value counter are private to one Build call, so
// separate Builders may run concurrently.
type Builder struct {
	src       Source
	maxBlocks int

	fn         *Function
	ids        map[uint64]BlockID
	filled     []bool
	worklist   []uint64
	translated int
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithMaxBlocks caps the number of translated blocks. Targets beyond the
// cap become side exits.
func WithMaxBlocks(n int) BuilderOption {
	return func(b *Builder) {
		b.maxBlocks = n
	}
}

// NewBuilder creates a builder over src.
func NewBuilder(src Source, opts ...BuilderOption) *Builder {
	b := &Builder{src: src, maxBlocks: DefaultMaxBlocks}
	for _, opt := range opts {
		opt(b)
	}
	if b.maxBlocks < 1 {
		b.maxBlocks = 1
	}
	return b
}

// Build discovers every block reachable from entry by direct control flow
// and lowers it. Each address is translated at most once.
func (b *Builder) Build(entry uint64) *Function {
	b.fn = &Function{}
	b.ids = make(map[uint64]BlockID)
	b.filled = b.filled[:0]
	b.worklist = b.worklist[:0]
	b.translated = 0

	b.fn.Entry = b.getOrCreate(entry)

	for len(b.worklist) > 0 {
		addr := b.worklist[0]
		b.worklist = b.worklist[1:]

		id := b.ids[addr]
		if b.filled[id] {
			continue
		}

		t1 := b.src.Block(addr)
		b.lower(b.fn.Blocks[id], t1)
		b.filled[id] = true
	}

	return b.fn
}

// getOrCreate returns the block for addr, allocating and enqueueing a new
// slot if the address has not been seen.
func (b *Builder) getOrCreate(addr uint64) BlockID {
	if id, ok := b.ids[addr]; ok {
		return id
	}

	id := BlockID(len(b.fn.Blocks))
	blk := &Block{ID: id, StartRIP: addr}
	b.fn.Blocks = append(b.fn.Blocks, blk)
	b.ids[addr] = id

	if b.translated >= b.maxBlocks {
		blk.Term = &SideExit{RIP: addr}
		b.filled = append(b.filled, true)
		return id
	}

	b.translated++
	b.filled = append(b.filled, false)
	b.worklist = append(b.worklist, addr)
	return id
}

func (b *Builder) newValue() ValueID {
	v := ValueID(b.fn.NumValues)
	b.fn.NumValues++
	return v
}

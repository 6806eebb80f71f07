package emu

import (
	"encoding/binary"
	"sync"

	"github.com/sarchlab/tierjit/abi"
)

// Perm is a set of page access permissions.
type Perm uint8

// Page permissions.
const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec

	PermAll = PermRead | PermWrite | PermExec
)

// Layout describes where guest RAM appears in the physical address space.
// RAM offsets [0, LowRAMEnd) appear at physical [0, LowRAMEnd); the remaining
// RAM appears at physical HighRAMBase and up.
type Layout struct {
	LowRAMEnd   uint64
	HighRAMBase uint64
}

// DefaultHighRAMBase is the physical base of relocated high RAM.
const DefaultHighRAMBase = 1 << 32

// Translation is the result of a virtual address lookup.
type Translation struct {
	// Phys is the physical address.
	Phys uint64

	// Perm holds the page permissions.
	Perm Perm

	// IsRAM is set when Phys is backed by guest RAM.
	IsRAM bool

	// RAMOffset is the offset into the RAM slice when IsRAM is set.
	RAMOffset uint64
}

type pageEntry struct {
	phys uint64
	perm Perm
}

// Memory is the guest memory system.
type Memory struct {
	ram    []byte
	layout Layout
	pages  map[uint64]pageEntry

	// codeMu guards code. Compilations running in parallel mark pages while
	// the owner reads versions.
	codeMu sync.RWMutex
	code   map[uint64]uint32
}

// MemoryOption configures a Memory.
type MemoryOption func(*Memory)

// WithLayout sets the physical placement of RAM.
func WithLayout(l Layout) MemoryOption {
	return func(m *Memory) {
		m.layout = l
	}
}

// NewMemory creates a memory system with size bytes of zeroed RAM.
func NewMemory(size int, opts ...MemoryOption) *Memory {
	return NewMemoryWithRAM(make([]byte, size), opts...)
}

// NewMemoryWithRAM creates a memory system over an existing RAM slice.
func NewMemoryWithRAM(ram []byte, opts ...MemoryOption) *Memory {
	m := &Memory{
		ram: ram,
		layout: Layout{
			LowRAMEnd:   uint64(len(ram)),
			HighRAMBase: DefaultHighRAMBase,
		},
		code: make(map[uint64]uint32),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.layout.LowRAMEnd > uint64(len(ram)) {
		m.layout.LowRAMEnd = uint64(len(ram))
	}
	return m
}

// RAM returns the backing RAM slice.
func (m *Memory) RAM() []byte {
	return m.ram
}

// Layout returns the physical RAM layout.
func (m *Memory) Layout() Layout {
	return m.layout
}

// Map installs a page mapping. The first call switches the memory from
// identity translation to paged translation.
func (m *Memory) Map(vaddr, paddr uint64, perm Perm) {
	if m.pages == nil {
		m.pages = make(map[uint64]pageEntry)
	}
	m.pages[vaddr>>abi.PageShift] = pageEntry{phys: paddr &^ abi.PageMask, perm: perm}
}

// Unmap removes a page mapping.
func (m *Memory) Unmap(vaddr uint64) {
	delete(m.pages, vaddr>>abi.PageShift)
}

// Paged reports whether a page table is installed.
func (m *Memory) Paged() bool {
	return m.pages != nil
}

// PhysToRAM maps a physical address to a RAM offset.
func (m *Memory) PhysToRAM(phys uint64) (uint64, bool) {
	size := uint64(len(m.ram))
	low := m.layout.LowRAMEnd
	if phys < low {
		return phys, true
	}

	high := size - low
	if phys >= m.layout.HighRAMBase && phys-m.layout.HighRAMBase < high {
		return phys + (low - m.layout.HighRAMBase), true
	}

	return 0, false
}

// Translate looks up a virtual address. It fails only for unmapped pages of a
// paged memory.
func (m *Memory) Translate(vaddr uint64) (Translation, bool) {
	t := Translation{Phys: vaddr, Perm: PermAll}
	if m.pages != nil {
		e, ok := m.pages[vaddr>>abi.PageShift]
		if !ok {
			return Translation{}, false
		}
		t.Phys = e.phys | vaddr&abi.PageMask
		t.Perm = e.perm
	}
	t.RAMOffset, t.IsRAM = m.PhysToRAM(t.Phys)
	return t, true
}

// MarkCode starts version tracking for the physical page holding phys. It
// reports whether the page was not tracked before.
func (m *Memory) MarkCode(phys uint64) bool {
	page := phys >> abi.PageShift
	m.codeMu.Lock()
	defer m.codeMu.Unlock()
	if _, ok := m.code[page]; ok {
		return false
	}
	m.code[page] = 0
	return true
}

// IsCode reports whether the physical page holding phys is tracked.
func (m *Memory) IsCode(phys uint64) bool {
	m.codeMu.RLock()
	defer m.codeMu.RUnlock()
	_, ok := m.code[phys>>abi.PageShift]
	return ok
}

// PageVersion returns the write version of a physical page number.
func (m *Memory) PageVersion(page uint64) uint32 {
	m.codeMu.RLock()
	defer m.codeMu.RUnlock()
	return m.code[page]
}

// Read8 reads one byte. Unbacked addresses read as open bus.
func (m *Memory) Read8(vaddr uint64) byte {
	t, ok := m.Translate(vaddr)
	if !ok || !t.IsRAM || t.Perm&PermRead == 0 {
		return 0xFF
	}
	return m.ram[t.RAMOffset]
}

// Write8 writes one byte. Writes to unbacked addresses are dropped.
func (m *Memory) Write8(vaddr uint64, v byte) {
	t, ok := m.Translate(vaddr)
	if !ok || !t.IsRAM || t.Perm&PermWrite == 0 {
		return
	}
	m.ram[t.RAMOffset] = v
	m.touch(t.Phys)
}

func (m *Memory) touch(phys uint64) {
	page := phys >> abi.PageShift
	m.codeMu.Lock()
	defer m.codeMu.Unlock()
	if v, ok := m.code[page]; ok {
		m.code[page] = v + 1
	}
}

// Read reads size bytes (1, 2, 4 or 8) little-endian.
func (m *Memory) Read(vaddr uint64, size int) uint64 {
	if !abi.CrossesPage(vaddr, size) {
		t, ok := m.Translate(vaddr)
		if !ok || !t.IsRAM || t.Perm&PermRead == 0 {
			if size == 8 {
				return ^uint64(0)
			}
			return 1<<(8*size) - 1
		}
		if m.contiguous(t.RAMOffset, size) {
			return readLE(m.ram[t.RAMOffset:], size)
		}
	}

	var v uint64
	for i := 0; i < size; i++ {
		v |= uint64(m.Read8(vaddr+uint64(i))) << (8 * i)
	}
	return v
}

// Write writes the low size bytes of v little-endian.
func (m *Memory) Write(vaddr uint64, size int, v uint64) {
	if !abi.CrossesPage(vaddr, size) {
		t, ok := m.Translate(vaddr)
		if !ok || !t.IsRAM || t.Perm&PermWrite == 0 {
			return
		}
		if m.contiguous(t.RAMOffset, size) {
			writeLE(m.ram[t.RAMOffset:], size, v)
			m.touch(t.Phys)
			return
		}
	}

	for i := 0; i < size; i++ {
		m.Write8(vaddr+uint64(i), byte(v>>(8*i)))
	}
}

// contiguous reports whether size bytes from RAM offset off are backed and
// sit on one side of the low RAM end. Sizes and layouts that are not page
// aligned break this even for accesses within one page.
func (m *Memory) contiguous(off uint64, size int) bool {
	end := off + uint64(size)
	if end > uint64(len(m.ram)) {
		return false
	}
	low := m.layout.LowRAMEnd
	return off >= low || end <= low
}

// Read16 reads a 16-bit value.
func (m *Memory) Read16(vaddr uint64) uint16 { return uint16(m.Read(vaddr, 2)) }

// Read32 reads a 32-bit value.
func (m *Memory) Read32(vaddr uint64) uint32 { return uint32(m.Read(vaddr, 4)) }

// Read64 reads a 64-bit value.
func (m *Memory) Read64(vaddr uint64) uint64 { return m.Read(vaddr, 8) }

// Write16 writes a 16-bit value.
func (m *Memory) Write16(vaddr uint64, v uint16) { m.Write(vaddr, 2, uint64(v)) }

// Write32 writes a 32-bit value.
func (m *Memory) Write32(vaddr uint64, v uint32) { m.Write(vaddr, 4, uint64(v)) }

// Write64 writes a 64-bit value.
func (m *Memory) Write64(vaddr uint64, v uint64) { m.Write(vaddr, 8, v) }

// LoadBytes copies data into memory at vaddr, ignoring write permissions.
// Code-page versions are bumped as for ordinary writes.
func (m *Memory) LoadBytes(vaddr uint64, data []byte) {
	for i, b := range data {
		t, ok := m.Translate(vaddr + uint64(i))
		if !ok || !t.IsRAM {
			continue
		}
		m.ram[t.RAMOffset] = b
		m.touch(t.Phys)
	}
}

// Clone returns a deep copy with its own RAM.
func (m *Memory) Clone() *Memory {
	m.codeMu.RLock()
	defer m.codeMu.RUnlock()
	c := &Memory{
		ram:    append([]byte(nil), m.ram...),
		layout: m.layout,
		code:   make(map[uint64]uint32, len(m.code)),
	}
	if m.pages != nil {
		c.pages = make(map[uint64]pageEntry, len(m.pages))
		for k, v := range m.pages {
			c.pages[k] = v
		}
	}
	for k, v := range m.code {
		c.code[k] = v
	}
	return c
}

func readLE(b []byte, size int) uint64 {
	switch size {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	default:
		return binary.LittleEndian.Uint64(b)
	}
}

func writeLE(b []byte, size int, v uint64) {
	switch size {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b, v)
	}
}

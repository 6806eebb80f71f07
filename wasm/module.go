// Package wasm encodes WebAssembly binary modules: a ModuleBuilder for the
// module sections and a Code buffer for function bodies.
package wasm

import "bytes"

// ValType is a WASM value type.
type ValType byte

// Value types.
const (
	I32 ValType = 0x7f
	I64 ValType = 0x7e
)

const (
	sectionType   = 1
	sectionImport = 2
	sectionFunc   = 3
	sectionMemory = 5
	sectionExport = 7
	sectionCode   = 10
)

// Import and export kinds.
const (
	KindFunc   byte = 0x00
	KindMemory byte = 0x02
)

type funcType struct {
	params  []ValType
	results []ValType
}

type importFunc struct {
	module    string
	name      string
	typeIndex uint32
}

type memoryImport struct {
	module string
	name   string
	min    uint32
}

type functionDef struct {
	typeIndex uint32
	locals    []ValType
	body      []byte
}

type exportDef struct {
	name  string
	kind  byte
	index uint32
}

// ModuleBuilder accumulates module sections. Function imports must be added
// before any function is defined so that indices stay stable.
type ModuleBuilder struct {
	types       []funcType
	importFuncs []importFunc
	memImport   *memoryImport
	functions   []functionDef
	exports     []exportDef

	memoryMin uint32
}

// AddType interns a function signature and returns its index.
func (m *ModuleBuilder) AddType(params, results []ValType) uint32 {
	for i, t := range m.types {
		if sameTypes(t.params, params) && sameTypes(t.results, results) {
			return uint32(i)
		}
	}
	m.types = append(m.types, funcType{params: params, results: results})
	return uint32(len(m.types) - 1)
}

// ImportFunc declares an imported function and returns its function index.
func (m *ModuleBuilder) ImportFunc(module, name string, params, results []ValType) uint32 {
	m.importFuncs = append(m.importFuncs, importFunc{
		module:    module,
		name:      name,
		typeIndex: m.AddType(params, results),
	})
	return uint32(len(m.importFuncs) - 1)
}

// ImportMemory declares memory 0 as imported with at least min pages.
func (m *ModuleBuilder) ImportMemory(module, name string, min uint32) {
	m.memImport = &memoryImport{module: module, name: name, min: min}
}

// DefineMemory declares memory 0 as owned by the module.
func (m *ModuleBuilder) DefineMemory(min uint32) {
	m.memoryMin = min
}

// AddFunction defines a function. Locals exclude the parameters. The body
// must not include the final end opcode.
func (m *ModuleBuilder) AddFunction(typeIndex uint32, locals []ValType, body []byte) uint32 {
	m.functions = append(m.functions, functionDef{
		typeIndex: typeIndex,
		locals:    locals,
		body:      body,
	})
	return uint32(len(m.importFuncs) + len(m.functions) - 1)
}

// Export exports a function or memory by index.
func (m *ModuleBuilder) Export(name string, kind byte, index uint32) {
	m.exports = append(m.exports, exportDef{name: name, kind: kind, index: index})
}

// Bytes encodes the module.
func (m *ModuleBuilder) Bytes() []byte {
	var out bytes.Buffer
	out.Write([]byte{0x00, 0x61, 0x73, 0x6d})
	out.Write([]byte{0x01, 0x00, 0x00, 0x00})

	if len(m.types) > 0 {
		section := bytes.Buffer{}
		section.Write(encodeU32(uint32(len(m.types))))
		for _, t := range m.types {
			section.WriteByte(0x60)
			section.Write(encodeU32(uint32(len(t.params))))
			for _, p := range t.params {
				section.WriteByte(byte(p))
			}
			section.Write(encodeU32(uint32(len(t.results))))
			for _, r := range t.results {
				section.WriteByte(byte(r))
			}
		}
		out.Write(emitSection(sectionType, section.Bytes()))
	}

	if n := len(m.importFuncs); n > 0 || m.memImport != nil {
		if m.memImport != nil {
			n++
		}
		section := bytes.Buffer{}
		section.Write(encodeU32(uint32(n)))
		for _, imp := range m.importFuncs {
			section.Write(encodeString(imp.module))
			section.Write(encodeString(imp.name))
			section.WriteByte(KindFunc)
			section.Write(encodeU32(imp.typeIndex))
		}
		if mi := m.memImport; mi != nil {
			section.Write(encodeString(mi.module))
			section.Write(encodeString(mi.name))
			section.WriteByte(KindMemory)
			section.Write(encodeLimits(mi.min))
		}
		out.Write(emitSection(sectionImport, section.Bytes()))
	}

	if len(m.functions) > 0 {
		section := bytes.Buffer{}
		section.Write(encodeU32(uint32(len(m.functions))))
		for _, fn := range m.functions {
			section.Write(encodeU32(fn.typeIndex))
		}
		out.Write(emitSection(sectionFunc, section.Bytes()))
	}

	if m.memoryMin > 0 {
		section := bytes.Buffer{}
		section.Write(encodeU32(1))
		section.Write(encodeLimits(m.memoryMin))
		out.Write(emitSection(sectionMemory, section.Bytes()))
	}

	if len(m.exports) > 0 {
		section := bytes.Buffer{}
		section.Write(encodeU32(uint32(len(m.exports))))
		for _, exp := range m.exports {
			section.Write(encodeString(exp.name))
			section.WriteByte(exp.kind)
			section.Write(encodeU32(exp.index))
		}
		out.Write(emitSection(sectionExport, section.Bytes()))
	}

	if len(m.functions) > 0 {
		section := bytes.Buffer{}
		section.Write(encodeU32(uint32(len(m.functions))))
		for _, fn := range m.functions {
			body := bytes.Buffer{}
			body.Write(encodeLocals(fn.locals))
			body.Write(fn.body)
			body.WriteByte(OpEnd)
			section.Write(encodeU32(uint32(body.Len())))
			section.Write(body.Bytes())
		}
		out.Write(emitSection(sectionCode, section.Bytes()))
	}

	return out.Bytes()
}

func encodeString(s string) []byte {
	b := []byte(s)
	out := make([]byte, 0, len(b)+5)
	out = append(out, encodeU32(uint32(len(b)))...)
	out = append(out, b...)
	return out
}

func encodeU32(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			break
		}
	}
	return out
}

func encodeS64(v int64) []byte {
	var out []byte
	more := true
	for more {
		b := byte(v & 0x7f)
		v >>= 7
		signBit := (b & 0x40) != 0
		more = !((v == 0 && !signBit) || (v == -1 && signBit))
		if more {
			b |= 0x80
		}
		out = append(out, b)
	}
	return out
}

func emitSection(id byte, content []byte) []byte {
	out := make([]byte, 0, len(content)+8)
	out = append(out, id)
	out = append(out, encodeU32(uint32(len(content)))...)
	out = append(out, content...)
	return out
}

func encodeLimits(min uint32) []byte {
	out := []byte{0x00}
	out = append(out, encodeU32(min)...)
	return out
}

func encodeLocals(locals []ValType) []byte {
	if len(locals) == 0 {
		return []byte{0x00}
	}
	type group struct {
		count uint32
		typ   ValType
	}
	var groups []group
	for _, typ := range locals {
		if len(groups) == 0 || groups[len(groups)-1].typ != typ {
			groups = append(groups, group{count: 1, typ: typ})
		} else {
			groups[len(groups)-1].count++
		}
	}
	out := make([]byte, 0, 1+len(groups)*3)
	out = append(out, encodeU32(uint32(len(groups)))...)
	for _, g := range groups {
		out = append(out, encodeU32(g.count)...)
		out = append(out, byte(g.typ))
	}
	return out
}

func sameTypes(a, b []ValType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

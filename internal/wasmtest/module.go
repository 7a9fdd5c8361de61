// Package wasmtest assembles small core WebAssembly binaries for tests.
// Modules are encoded directly from section data so tests do not depend
// on an external toolchain.
package wasmtest

import (
	"encoding/binary"
)

// Value types.
const (
	I32 byte = 0x7f
	I64 byte = 0x7e
)

const (
	sectionType     byte = 1
	sectionImport   byte = 2
	sectionFunction byte = 3
	sectionMemory   byte = 5
	sectionGlobal   byte = 6
	sectionExport   byte = 7
	sectionCode     byte = 10
	sectionData     byte = 11
)

const (
	exportFunc   byte = 0
	exportMemory byte = 2
	exportGlobal byte = 3
)

// FuncType is a function signature.
type FuncType struct {
	Params  []byte
	Results []byte
}

func (f FuncType) key() string {
	return string(f.Params) + "|" + string(f.Results)
}

// Import is an imported function. Imports occupy the lowest function indices.
type Import struct {
	Module string
	Name   string
	Type   FuncType
}

// Func is a defined function. Body holds the instructions including the
// final end opcode.
type Func struct {
	Export string
	Type   FuncType
	Locals []byte
	Body   []byte
}

// Global is a mutable i32 global.
type Global struct {
	Init   int32
	Export string
}

// Data is an active data segment in memory 0.
type Data struct {
	Offset int32
	Bytes  []byte
}

// Module describes a module to encode.
type Module struct {
	Imports []Import
	Funcs   []Func
	// MemoryPages declares memory 0 when non-zero.
	MemoryPages  uint32
	ExportMemory bool
	Globals      []Global
	Data         []Data
}

// Encode returns the binary encoding of m.
func (m Module) Encode() []byte {
	var types []FuncType
	typeIndex := map[string]uint32{}
	indexOf := func(ft FuncType) uint32 {
		if idx, ok := typeIndex[ft.key()]; ok {
			return idx
		}
		idx := uint32(len(types))
		types = append(types, ft)
		typeIndex[ft.key()] = idx
		return idx
	}
	importTypes := make([]uint32, len(m.Imports))
	for i, imp := range m.Imports {
		importTypes[i] = indexOf(imp.Type)
	}
	funcTypes := make([]uint32, len(m.Funcs))
	for i, fn := range m.Funcs {
		funcTypes[i] = indexOf(fn.Type)
	}

	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	if len(types) > 0 {
		body := uleb(uint64(len(types)))
		for _, ft := range types {
			body = append(body, 0x60)
			body = append(body, vec(ft.Params)...)
			body = append(body, vec(ft.Results)...)
		}
		out = appendSection(out, sectionType, body)
	}

	if len(m.Imports) > 0 {
		body := uleb(uint64(len(m.Imports)))
		for i, imp := range m.Imports {
			body = append(body, name(imp.Module)...)
			body = append(body, name(imp.Name)...)
			body = append(body, 0x00)
			body = append(body, uleb(uint64(importTypes[i]))...)
		}
		out = appendSection(out, sectionImport, body)
	}

	if len(m.Funcs) > 0 {
		body := uleb(uint64(len(m.Funcs)))
		for _, idx := range funcTypes {
			body = append(body, uleb(uint64(idx))...)
		}
		out = appendSection(out, sectionFunction, body)
	}

	if m.MemoryPages > 0 {
		body := []byte{0x01, 0x00}
		body = append(body, uleb(uint64(m.MemoryPages))...)
		out = appendSection(out, sectionMemory, body)
	}

	if len(m.Globals) > 0 {
		body := uleb(uint64(len(m.Globals)))
		for _, g := range m.Globals {
			body = append(body, I32, 0x01)
			body = append(body, I32Const(g.Init)...)
			body = append(body, 0x0b)
		}
		out = appendSection(out, sectionGlobal, body)
	}

	var exports []byte
	exportCount := 0
	if m.MemoryPages > 0 && m.ExportMemory {
		exports = append(exports, name("memory")...)
		exports = append(exports, exportMemory, 0x00)
		exportCount++
	}
	for i, fn := range m.Funcs {
		if fn.Export == "" {
			continue
		}
		exports = append(exports, name(fn.Export)...)
		exports = append(exports, exportFunc)
		exports = append(exports, uleb(uint64(len(m.Imports)+i))...)
		exportCount++
	}
	for i, g := range m.Globals {
		if g.Export == "" {
			continue
		}
		exports = append(exports, name(g.Export)...)
		exports = append(exports, exportGlobal)
		exports = append(exports, uleb(uint64(i))...)
		exportCount++
	}
	if exportCount > 0 {
		out = appendSection(out, sectionExport, append(uleb(uint64(exportCount)), exports...))
	}

	if len(m.Funcs) > 0 {
		body := uleb(uint64(len(m.Funcs)))
		for _, fn := range m.Funcs {
			code := uleb(uint64(len(fn.Locals)))
			for _, local := range fn.Locals {
				code = append(code, 0x01, local)
			}
			code = append(code, fn.Body...)
			body = append(body, uleb(uint64(len(code)))...)
			body = append(body, code...)
		}
		out = appendSection(out, sectionCode, body)
	}

	if len(m.Data) > 0 {
		body := uleb(uint64(len(m.Data)))
		for _, d := range m.Data {
			body = append(body, 0x00)
			body = append(body, I32Const(d.Offset)...)
			body = append(body, 0x0b)
			body = append(body, uleb(uint64(len(d.Bytes)))...)
			body = append(body, d.Bytes...)
		}
		out = appendSection(out, sectionData, body)
	}

	return out
}

func appendSection(out []byte, id byte, body []byte) []byte {
	out = append(out, id)
	out = append(out, uleb(uint64(len(body)))...)
	return append(out, body...)
}

func vec(b []byte) []byte {
	return append(uleb(uint64(len(b))), b...)
}

func name(s string) []byte {
	return append(uleb(uint64(len(s))), s...)
}

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if !done {
			b |= 0x80
		}
		out = append(out, b)
		if done {
			return out
		}
	}
}

// Instruction helpers.

func I32Const(v int32) []byte { return append([]byte{0x41}, sleb(int64(v))...) }
func LocalGet(i uint32) []byte { return append([]byte{0x20}, uleb(uint64(i))...) }
func GlobalGet(i uint32) []byte { return append([]byte{0x23}, uleb(uint64(i))...) }
func GlobalSet(i uint32) []byte { return append([]byte{0x24}, uleb(uint64(i))...) }
func Call(i uint32) []byte { return append([]byte{0x10}, uleb(uint64(i))...) }

// I32Store stores with natural alignment and zero offset.
func I32Store() []byte { return []byte{0x36, 0x02, 0x00} }

var (
	I32Add      = []byte{0x6a}
	Drop        = []byte{0x1a}
	Unreachable = []byte{0x00}
	End         = []byte{0x0b}
	// InfiniteLoop is `loop br 0 end`.
	InfiniteLoop = []byte{0x03, 0x40, 0x0c, 0x00, 0x0b}
)

// Code concatenates instruction fragments.
func Code(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// LE32 encodes little-endian u32 words, for data segments.
func LE32(words ...uint32) []byte {
	out := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[4*i:], w)
	}
	return out
}

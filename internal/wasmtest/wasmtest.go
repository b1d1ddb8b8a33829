// Package wasmtest assembles small WebAssembly modules for tests.
package wasmtest

import (
	"fmt"

	"github.com/wippyai/wasm-runtime/wasm"
)

// Value types.
const (
	I32 byte = 0x7f
	I64 byte = 0x7e
	F32 byte = 0x7d
	F64 byte = 0x7c
)

// Builder accumulates module contents. Imports must be added before
// functions so that function indices stay stable.
type Builder struct {
	m wasm.Module
}

// New returns an empty builder.
func New() *Builder {
	return &Builder{}
}

// Type returns the index of the given signature, adding it when new.
func (b *Builder) Type(params, results []byte) uint32 {
	ps, rs := valTypes(params), valTypes(results)
	for i, t := range b.m.Types {
		if equal(t.Params, ps) && equal(t.Results, rs) {
			return uint32(i)
		}
	}
	b.m.Types = append(b.m.Types, wasm.FuncType{Params: ps, Results: rs})
	return uint32(len(b.m.Types) - 1)
}

// ImportFunc adds a function import and returns its function index.
func (b *Builder) ImportFunc(module, name string, params, results []byte) uint32 {
	if len(b.m.Funcs) > 0 {
		panic("wasmtest: imports must precede functions")
	}
	b.m.Imports = append(b.m.Imports, wasm.Import{
		Module: module,
		Name:   name,
		Desc:   wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: b.Type(params, results)},
	})
	return uint32(len(b.m.Imports) - 1)
}

// Func adds a function whose body is the given instructions followed by end.
func (b *Builder) Func(params, results []byte, locals []byte, body ...[]byte) uint32 {
	var code []byte
	for _, c := range body {
		code = append(code, c...)
	}
	code = append(code, wasm.OpEnd)

	fb := wasm.FuncBody{Code: code}
	for _, l := range locals {
		fb.Locals = append(fb.Locals, wasm.LocalEntry{Count: 1, ValType: wasm.ValType(l)})
	}
	b.m.Funcs = append(b.m.Funcs, b.Type(params, results))
	b.m.Code = append(b.m.Code, fb)
	return uint32(len(b.m.Imports) + len(b.m.Funcs) - 1)
}

// Memory declares a memory of min pages.
func (b *Builder) Memory(min uint32) *Builder {
	b.m.Memories = []wasm.MemoryType{{Limits: wasm.Limits{Min: uint64(min)}}}
	return b
}

// SharedMemory declares a shared memory with the given limits.
func (b *Builder) SharedMemory(min, max uint32) *Builder {
	hi := uint64(max)
	b.m.Memories = []wasm.MemoryType{{Limits: wasm.Limits{Min: uint64(min), Max: &hi, Shared: true}}}
	return b
}

// Global adds a global initialized to init and returns its index.
func (b *Builder) Global(typ byte, mutable bool, init int64) uint32 {
	var expr []byte
	switch typ {
	case I32:
		expr = I32Const(int32(init))
	case I64:
		expr = I64Const(init)
	default:
		panic(fmt.Sprintf("wasmtest: unsupported global type 0x%02x", typ))
	}
	b.m.Globals = append(b.m.Globals, wasm.Global{
		Type: wasm.GlobalType{ValType: wasm.ValType(typ), Mutable: mutable},
		Init: append(expr, wasm.OpEnd),
	})
	return uint32(len(b.m.Globals) - 1)
}

// ExportFunc exports function idx as name.
func (b *Builder) ExportFunc(name string, idx uint32) *Builder {
	return b.export(name, wasm.KindFunc, idx)
}

// ExportMemory exports memory 0 as name.
func (b *Builder) ExportMemory(name string) *Builder {
	return b.export(name, wasm.KindMemory, 0)
}

// ExportGlobal exports global idx as name.
func (b *Builder) ExportGlobal(name string, idx uint32) *Builder {
	return b.export(name, wasm.KindGlobal, idx)
}

func (b *Builder) export(name string, kind byte, idx uint32) *Builder {
	b.m.Exports = append(b.m.Exports, wasm.Export{Name: name, Kind: kind, Idx: idx})
	return b
}

// Data places bytes at offset in memory 0.
func (b *Builder) Data(offset int32, bytes []byte) *Builder {
	b.m.Data = append(b.m.Data, wasm.DataSegment{
		Offset: append(I32Const(offset), wasm.OpEnd),
		Init:   bytes,
	})
	return b
}

// Custom appends a custom section.
func (b *Builder) Custom(name string, payload []byte) *Builder {
	b.m.CustomSections = append(b.m.CustomSections, wasm.CustomSection{Name: name, Data: payload})
	return b
}

// Start sets the start function.
func (b *Builder) Start(idx uint32) *Builder {
	b.m.Start = &idx
	return b
}

// Build encodes the module.
func (b *Builder) Build() []byte {
	return b.m.Encode()
}

func valTypes(bs []byte) []wasm.ValType {
	out := make([]wasm.ValType, len(bs))
	for i, v := range bs {
		out[i] = wasm.ValType(v)
	}
	return out
}

func equal(a, b []wasm.ValType) bool {
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

// Section wraps payload as a section with the given id, for hand-built binaries.
func Section(id byte, payload []byte) []byte {
	out := append([]byte{id}, wasm.EncodeLEB128u(uint32(len(payload)))...)
	return append(out, payload...)
}

// Header is the core module preamble.
func Header() []byte {
	return []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
}

package wasmtest

import "github.com/wippyai/wasm-runtime/wasm"

// Instruction encoders. Each returns the encoded bytes of one instruction.

func Call(idx uint32) []byte       { return op(wasm.OpCall, wasm.CallImm{FuncIdx: idx}) }
func ReturnCall(idx uint32) []byte { return op(wasm.OpReturnCall, wasm.CallImm{FuncIdx: idx}) }
func RefFunc(idx uint32) []byte    { return op(wasm.OpRefFunc, wasm.RefFuncImm{FuncIdx: idx}) }
func LocalGet(idx uint32) []byte   { return op(wasm.OpLocalGet, wasm.LocalImm{LocalIdx: idx}) }
func LocalSet(idx uint32) []byte   { return op(wasm.OpLocalSet, wasm.LocalImm{LocalIdx: idx}) }
func GlobalGet(idx uint32) []byte  { return op(wasm.OpGlobalGet, wasm.GlobalImm{GlobalIdx: idx}) }
func GlobalSet(idx uint32) []byte  { return op(wasm.OpGlobalSet, wasm.GlobalImm{GlobalIdx: idx}) }
func I32Const(v int32) []byte      { return op(wasm.OpI32Const, wasm.I32Imm{Value: v}) }
func I64Const(v int64) []byte      { return op(wasm.OpI64Const, wasm.I64Imm{Value: v}) }

// I32Load and I32Store use natural alignment and the given offset.
func I32Load(offset uint32) []byte {
	return op(wasm.OpI32Load, wasm.MemoryImm{Align: 2, Offset: uint64(offset)})
}

func I32Store(offset uint32) []byte {
	return op(wasm.OpI32Store, wasm.MemoryImm{Align: 2, Offset: uint64(offset)})
}

// Block opens a block with no result.
func Block() []byte { return []byte{0x02, 0x40} }

// Br branches to the given label depth.
func Br(depth uint32) []byte { return op(wasm.OpBr, wasm.BranchImm{LabelIdx: depth}) }

func op(code byte, imm interface{}) []byte {
	return wasm.EncodeInstructions([]wasm.Instruction{{Opcode: code, Imm: imm}})
}

var (
	Unreachable = []byte{0x00}
	Nop         = []byte{0x01}
	End         = []byte{0x0b}
	Return      = []byte{0x0f}
	Drop        = []byte{0x1a}
	I32Add      = []byte{0x6a}
	I32Sub      = []byte{0x6b}
	MemorySize  = []byte{0x3f, 0x00}
	// MemoryFill is memory.fill on memory 0.
	MemoryFill = []byte{0xfc, 0x0b, 0x00}
	// AtomicFence is atomic.fence.
	AtomicFence = []byte{0xfe, 0x03, 0x00}
)

// V128Const pushes a zero v128.
func V128Const() []byte {
	return append([]byte{0xfd, 0x0c}, make([]byte, 16)...)
}

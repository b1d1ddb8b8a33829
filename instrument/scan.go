package instrument

import (
	"errors"
	"fmt"

	"github.com/wippyai/wasm-runtime/wasm"
)

// Site is one reference to a redirected import in a function body.
type Site struct {
	// Func is the index of the function containing the reference.
	Func uint32
	// Index is the position of the instruction in the function body,
	// counting from zero.
	Index int
	// Opcode is call, return_call or ref.func.
	Opcode byte
	// Target is the redirected import's function index.
	Target uint32
	Kind   Kind
}

// OpcodeName returns the text-format mnemonic of s.Opcode.
func (s Site) OpcodeName() string {
	switch s.Opcode {
	case wasm.OpCall:
		return "call"
	case wasm.OpReturnCall:
		return "return_call"
	case wasm.OpRefFunc:
		return "ref.func"
	}
	return fmt.Sprintf("0x%02x", s.Opcode)
}

// Block types 0x63 and 0x64 are followed by a heap type, which the decoder
// reads as the next instruction. They sign-extend to these values.
const (
	blockRefNull = int32(wasm.ValRefNull) - 0x80
	blockRef     = int32(wasm.ValRef) - 0x80
)

var errTypedBlock = errors.New("typed reference block type")

// scanCode decodes every function body and reports references to the imports
// in watch.
func (m *module) scanCode(watch map[uint32]Kind) ([]Site, error) {
	base := uint32(m.NumImportedFuncs())
	var sites []Site
	for i, body := range m.Code {
		fn := base + uint32(i)
		instrs, err := wasm.DecodeInstructions(body.Code)
		if err != nil {
			return nil, fmt.Errorf("%w: function %d: %v", ErrMalformed, fn, err)
		}
		if len(instrs) == 0 || instrs[len(instrs)-1].Opcode != wasm.OpEnd {
			return nil, fmt.Errorf("%w: function %d: body does not end with end", ErrMalformed, fn)
		}

		for at, ins := range instrs {
			target, ok, err := funcRef(ins)
			if err != nil {
				return nil, fmt.Errorf("%w: function %d: instruction %d: %v", ErrUnsupported, fn, at, err)
			}
			if !ok {
				continue
			}
			if kind, watched := watch[target]; watched {
				sites = append(sites, Site{Func: fn, Index: at, Opcode: ins.Opcode, Target: target, Kind: kind})
			}
		}
	}
	return sites, nil
}

// funcRef returns the function index ins refers to by call, return_call or
// ref.func.
func funcRef(ins wasm.Instruction) (uint32, bool, error) {
	if idx, ok := ins.GetCallTarget(); ok {
		return idx, true, nil
	}
	switch imm := ins.Imm.(type) {
	case wasm.CallImm:
		return imm.FuncIdx, ins.Opcode == wasm.OpReturnCall, nil
	case wasm.RefFuncImm:
		return imm.FuncIdx, true, nil
	case wasm.BlockImm:
		return 0, false, checkBlockType(imm.Type)
	case wasm.TryTableImm:
		return 0, false, checkBlockType(imm.BlockType)
	}
	return 0, false, nil
}

func checkBlockType(bt int32) error {
	if bt == blockRefNull || bt == blockRef {
		return errTypedBlock
	}
	return nil
}

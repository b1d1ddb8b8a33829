package instrument

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/wippyai/wasm-runtime/wasm"
)

// section is the byte range of one section in the input binary.
type section struct {
	id      byte
	start   int
	payload int
	end     int
}

// module is a decoded core module together with the framing needed to splice
// a re-encoded import section back into the original bytes.
type module struct {
	*wasm.Module
	bin           []byte
	sections      []section
	importSection int
}

func parse(bin []byte) (*module, error) {
	sections, err := frame(bin)
	if err != nil {
		return nil, err
	}
	wm, err := wasm.ParseModule(bin)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(wm.Code) != len(wm.Funcs) {
		return nil, fmt.Errorf("%w: %d bodies for %d functions", ErrMalformed, len(wm.Code), len(wm.Funcs))
	}

	m := &module{Module: wm, bin: bin, sections: sections, importSection: -1}
	for i, s := range sections {
		if s.id == wasm.SectionImport {
			m.importSection = i
		}
	}
	return m, nil
}

// frame checks the header and splits bin into sections without decoding
// their contents.
func frame(bin []byte) ([]section, error) {
	if len(bin) < 8 {
		return nil, fmt.Errorf("%w: %d byte header", ErrTruncated, len(bin))
	}
	if binary.LittleEndian.Uint32(bin) != wasm.Magic {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformed)
	}
	version := binary.LittleEndian.Uint16(bin[4:])
	layer := binary.LittleEndian.Uint16(bin[6:])
	if layer == 1 {
		return nil, fmt.Errorf("%w: component binary", ErrUnsupported)
	}
	if uint32(version) != wasm.Version || layer != 0 {
		return nil, fmt.Errorf("%w: version %d layer %d", ErrUnsupported, version, layer)
	}

	var out []section
	r := bytes.NewReader(bin[8:])
	for r.Len() > 0 {
		start := len(bin) - r.Len()
		id, _ := r.ReadByte()
		size, err := wasm.ReadLEB128u(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: section %d size at offset %d", ErrTruncated, id, start)
			}
			return nil, fmt.Errorf("%w: section %d size at offset %d: %v", ErrMalformed, id, start, err)
		}
		payload := len(bin) - r.Len()
		if int64(size) > int64(r.Len()) {
			return nil, fmt.Errorf("%w: section %d wants %d bytes, %d left", ErrTruncated, id, size, r.Len())
		}
		if _, err := r.Seek(int64(size), io.SeekCurrent); err != nil {
			return nil, err
		}
		out = append(out, section{id: id, start: start, payload: payload, end: payload + int(size)})
	}
	return out, nil
}

// rewriteImports returns a copy of the binary whose import section renames
// the imports at the given positions. Every other section is copied verbatim.
func (m *module) rewriteImports(renamed map[int]Target) []byte {
	imports := make([]wasm.Import, len(m.Imports))
	copy(imports, m.Imports)
	for i, t := range renamed {
		imports[i].Module = t.Module
		imports[i].Name = t.Name
	}
	// Encoding a module that holds only imports yields the header followed
	// by the import section.
	sec := (&wasm.Module{Imports: imports}).Encode()[8:]

	s := m.sections[m.importSection]
	out := make([]byte, 0, len(m.bin)-(s.end-s.start)+len(sec))
	out = append(out, m.bin[:s.start]...)
	out = append(out, sec...)
	return append(out, m.bin[s.end:]...)
}

package instrument

import (
	"bytes"
	"errors"
	"testing"

	"github.com/caffeineduck/manifold/internal/wasmtest"
	"github.com/wippyai/wasm-runtime/wasm"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var i32 = []byte{wasmtest.I32}

// guestModule imports every default target plus one unrelated function and
// references the redirected ones through call, return_call and ref.func.
func guestModule() []byte {
	b := wasmtest.New()
	exit := b.ImportFunc("wasi_snapshot_preview1", "proc_exit", i32, nil)
	b.ImportFunc("wasi_snapshot_preview1", "fd_write", []byte{wasmtest.I32, wasmtest.I32, wasmtest.I32, wasmtest.I32}, i32)
	home := b.ImportFunc("env", "init_home_path", []byte{wasmtest.I32, wasmtest.I32}, i32)
	sock := b.ImportFunc("env", "socket_open", []byte{wasmtest.I32, wasmtest.I32, wasmtest.I32}, i32)
	spawn := b.ImportFunc("wasi", "thread-spawn", i32, i32)
	b.Memory(1).ExportMemory("memory")

	start := b.Func(nil, nil, nil,
		wasmtest.I32Const(0), wasmtest.I32Const(64), wasmtest.Call(home), wasmtest.Drop,
		wasmtest.I32Const(0), wasmtest.I32Const(5), wasmtest.I32Const(80), wasmtest.Call(sock), wasmtest.Drop,
		wasmtest.I32Const(7), wasmtest.Call(spawn), wasmtest.Drop,
		wasmtest.RefFunc(exit), wasmtest.Drop,
	)
	b.Func(i32, nil, nil, wasmtest.LocalGet(0), wasmtest.ReturnCall(exit))
	b.ExportFunc("_start", start)
	b.Custom("name", []byte{0x00, 0x01, 0x02})
	return b.Build()
}

func TestInstrumentRedirectsDefaultImports(t *testing.T) {
	in := New()
	bin := guestModule()

	res, err := in.Instrument("guest", bin)
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}
	if !res.Modified {
		t.Fatal("expected module to be modified")
	}

	want := []Redirect{
		{Func: 0, From: Import{"wasi_snapshot_preview1", "proc_exit"}, To: Target{DispatchModule, FuncHandleExit}, Kind: KindExit},
		{Func: 2, From: Import{"env", "init_home_path"}, To: Target{DispatchModule, FuncInitHomePath}, Kind: KindHomePath},
		{Func: 3, From: Import{"env", "socket_open"}, To: Target{DispatchModule, FuncCreateSocket}, Kind: KindSocket},
		{Func: 4, From: Import{"wasi", "thread-spawn"}, To: Target{DispatchModule, FuncThreadSpawn}, Kind: KindThread},
	}
	if len(res.Redirects) != len(want) {
		t.Fatalf("expected %d redirects, got %d: %+v", len(want), len(res.Redirects), res.Redirects)
	}
	for i := range want {
		if res.Redirects[i] != want[i] {
			t.Errorf("redirect %d: expected %+v, got %+v", i, want[i], res.Redirects[i])
		}
	}

	wantImports := []string{DispatchModule, "wasi_snapshot_preview1"}
	if len(res.Imports) != 2 || res.Imports[0] != wantImports[0] || res.Imports[1] != wantImports[1] {
		t.Errorf("expected imports %v, got %v", wantImports, res.Imports)
	}

	m, err := parse(res.Image)
	if err != nil {
		t.Fatalf("rewritten image does not parse: %v", err)
	}
	if m.Imports[0].Module != DispatchModule || m.Imports[0].Name != FuncHandleExit {
		t.Errorf("import 0 is %s.%s", m.Imports[0].Module, m.Imports[0].Name)
	}
	if m.Imports[1].Module != "wasi_snapshot_preview1" || m.Imports[1].Name != "fd_write" {
		t.Errorf("unrelated import changed to %s.%s", m.Imports[1].Module, m.Imports[1].Name)
	}
	src := mustParse(t, bin)
	for i, imp := range m.Imports {
		if imp.Desc.Kind != src.Imports[i].Desc.Kind || imp.Desc.TypeIdx != src.Imports[i].Desc.TypeIdx {
			t.Errorf("import %d type index changed", i)
		}
	}
}

func mustParse(t *testing.T, bin []byte) *module {
	t.Helper()
	m, err := parse(bin)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return m
}

func TestInstrumentReportsSites(t *testing.T) {
	res, err := New().Instrument("guest", guestModule())
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}

	type site struct {
		fn   uint32
		op   string
		kind Kind
	}
	want := []site{
		{5, "call", KindHomePath},
		{5, "call", KindSocket},
		{5, "call", KindThread},
		{5, "ref.func", KindExit},
		{6, "return_call", KindExit},
	}
	if len(res.Sites) != len(want) {
		t.Fatalf("expected %d sites, got %d: %+v", len(want), len(res.Sites), res.Sites)
	}
	for i, w := range want {
		got := res.Sites[i]
		if got.Func != w.fn || got.OpcodeName() != w.op || got.Kind != w.kind {
			t.Errorf("site %d: expected %+v, got func=%d op=%s kind=%s", i, w, got.Func, got.OpcodeName(), got.Kind)
		}
	}

	// Sites index instructions, not bytes: the home-path call is the third
	// instruction of function 5 and the return_call the second of function 6.
	if res.Sites[0].Index != 2 {
		t.Errorf("expected first site at instruction 2, got %d", res.Sites[0].Index)
	}
	if res.Sites[4].Index != 1 {
		t.Errorf("expected return_call at instruction 1, got %d", res.Sites[4].Index)
	}
}

func TestInstrumentUnmatchedReturnsInput(t *testing.T) {
	b := wasmtest.New()
	b.ImportFunc("env", "log", i32, nil)
	f := b.Func(nil, nil, nil, wasmtest.I32Const(1), wasmtest.Call(0))
	b.ExportFunc("run", f)
	bin := b.Build()

	res, err := New().Instrument("plain", bin)
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}
	if res.Modified {
		t.Error("expected unmodified result")
	}
	if &res.Image[0] != &bin[0] {
		t.Error("expected the input slice to be returned")
	}
	if len(res.Sites) != 0 || len(res.Redirects) != 0 {
		t.Errorf("expected no redirects or sites, got %+v", res)
	}
}

func TestInstrumentDeterministic(t *testing.T) {
	in := New()
	a, err := in.Instrument("guest", guestModule())
	if err != nil {
		t.Fatal(err)
	}
	b, err := in.Instrument("guest", guestModule())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a.Image, b.Image) {
		t.Error("two runs produced different images")
	}
}

func TestInstrumentPreservesOtherSections(t *testing.T) {
	bin := guestModule()
	res, err := New().Instrument("guest", bin)
	if err != nil {
		t.Fatal(err)
	}

	src := mustParse(t, bin)
	dst := mustParse(t, res.Image)
	if len(src.sections) != len(dst.sections) {
		t.Fatalf("section count changed from %d to %d", len(src.sections), len(dst.sections))
	}
	for i := range src.sections {
		s, d := src.sections[i], dst.sections[i]
		if s.id != d.id {
			t.Fatalf("section %d id changed", i)
		}
		if s.id == wasm.SectionImport {
			continue
		}
		if !bytes.Equal(bin[s.payload:s.end], res.Image[d.payload:d.end]) {
			t.Errorf("section %d (id %d) payload changed", i, s.id)
		}
	}
}

func TestInstrumentSignatureMismatch(t *testing.T) {
	b := wasmtest.New()
	b.ImportFunc("wasi_snapshot_preview1", "proc_exit", []byte{wasmtest.I64}, nil)
	bin := b.Build()

	_, err := New().Instrument("bad", bin)
	if !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}
}

func TestInstrumentTruncated(t *testing.T) {
	bin := guestModule()

	for _, n := range []int{0, 3, 7} {
		if _, err := New().Instrument("short", bin[:n]); !errors.Is(err, ErrTruncated) {
			t.Errorf("len %d: expected ErrTruncated, got %v", n, err)
		}
	}

	// Cut inside the first section's payload.
	if _, err := New().Instrument("short", bin[:12]); !errors.Is(err, ErrTruncated) {
		t.Errorf("expected ErrTruncated, got %v", err)
	}
}

func TestInstrumentRejectsBadHeader(t *testing.T) {
	if _, err := New().Instrument("x", []byte("not a wasm file")); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed for bad magic, got %v", err)
	}

	component := []byte{0x00, 0x61, 0x73, 0x6d, 0x0d, 0x00, 0x01, 0x00}
	if _, err := New().Instrument("c", component); !errors.Is(err, ErrUnsupported) {
		t.Errorf("expected ErrUnsupported for component, got %v", err)
	}
}

func TestInstrumentUnknownOpcode(t *testing.T) {
	b := wasmtest.New()
	b.Func(nil, nil, nil, []byte{0xff})
	if _, err := New().Instrument("x", b.Build()); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

func TestInstrumentTruncatedBody(t *testing.T) {
	// One function whose body ends inside an i32.const immediate.
	bin := wasmtest.Header()
	bin = append(bin, wasmtest.Section(1, []byte{0x01, 0x60, 0x00, 0x00})...)
	bin = append(bin, wasmtest.Section(3, []byte{0x01, 0x00})...)
	bin = append(bin, wasmtest.Section(10, []byte{0x01, 0x03, 0x00, 0x41, 0x80})...)

	if _, err := New().Instrument("x", bin); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

func TestInstrumentScansExtendedOpcodes(t *testing.T) {
	b := wasmtest.New()
	exit := b.ImportFunc("wasi_snapshot_preview1", "proc_exit", i32, nil)
	b.Memory(1)
	b.Func(nil, nil, []byte{wasmtest.I32},
		wasmtest.I32Const(0), wasmtest.I32Const(0), wasmtest.I32Const(16), wasmtest.MemoryFill,
		wasmtest.AtomicFence,
		wasmtest.V128Const(), wasmtest.Drop,
		wasmtest.Block(), wasmtest.Br(0), wasmtest.End,
		wasmtest.I32Const(3), wasmtest.Call(exit),
	)

	res, err := New().Instrument("ext", b.Build())
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}
	if len(res.Sites) != 1 || res.Sites[0].Kind != KindExit {
		t.Errorf("expected one exit site, got %+v", res.Sites)
	}
}

func TestInstrumentRejectsTypedBlockTypes(t *testing.T) {
	// block (ref null func) and try_table (ref 0). The heap type byte
	// after 0x63/0x64 must not be scanned as an instruction.
	bodies := map[string][]byte{
		"block":     {0x02, 0x63, 0x70, 0xd0, 0x70, 0x0b, 0x1a},
		"try_table": {0x1f, 0x64, 0x00, 0x00, 0x00, 0x0b},
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			b := wasmtest.New()
			exit := b.ImportFunc("wasi_snapshot_preview1", "proc_exit", i32, nil)
			b.Func(nil, nil, nil, body, wasmtest.I32Const(0), wasmtest.Call(exit))

			_, err := New().Instrument("typed", b.Build())
			if !errors.Is(err, ErrUnsupported) {
				t.Errorf("expected ErrUnsupported, got %v", err)
			}
		})
	}
}

func TestCustomRules(t *testing.T) {
	rule := Rule{
		Module:  "env",
		Name:    "clock",
		Target:  Target{Module: "host", Name: "now"},
		Results: []ValueType{I64},
		Kind:    KindExit,
	}
	in := New(WithRules(rule))

	b := wasmtest.New()
	b.ImportFunc("env", "clock", nil, []byte{wasmtest.I64})
	b.ImportFunc("wasi_snapshot_preview1", "proc_exit", i32, nil)
	res, err := in.Instrument("custom", b.Build())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Redirects) != 1 || res.Redirects[0].To != rule.Target {
		t.Errorf("expected only the custom redirect, got %+v", res.Redirects)
	}
	if got := in.Rules(); len(got) != 1 {
		t.Errorf("expected 1 rule, got %d", len(got))
	}
}

func TestInstrumentLogsRewrite(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	in := New(WithLogger(zap.New(core)))

	if _, err := in.Instrument("guest", guestModule()); err != nil {
		t.Fatal(err)
	}
	entries := logs.FilterMessage("module instrumented").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["module"]; got != "guest" {
		t.Errorf("expected module field guest, got %v", got)
	}
}

func TestRuleString(t *testing.T) {
	got := DefaultRules()[1].String()
	want := "env.init_home_path(i32, i32) -> i32 -> isolation.init_home_path"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

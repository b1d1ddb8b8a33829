package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/caffeineduck/manifold/instrument"
	"github.com/caffeineduck/manifold/internal/wasmtest"
	"github.com/caffeineduck/manifold/loader"
	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var i32 = []byte{wasmtest.I32}

// exiter has a _start that calls proc_exit(code).
func exiter(code int32) []byte {
	b := wasmtest.New()
	exit := b.ImportFunc("wasi_snapshot_preview1", "proc_exit", i32, nil)
	b.ExportFunc("_start", b.Func(nil, nil, nil, wasmtest.I32Const(code), wasmtest.Call(exit)))
	return b.Build()
}

// returner has a _start that returns without exiting.
func returner() []byte {
	b := wasmtest.New()
	b.ExportFunc("_start", b.Func(nil, nil, nil))
	return b.Build()
}

func writeModule(t *testing.T, name string, bin []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name+".wasm")
	if err := os.WriteFile(path, bin, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// resetFlags restores every flag to its default; rootCmd is shared across
// tests and cobra keeps parsed values.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			sv.Replace(nil)
		} else {
			f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func executeCommand(root *cobra.Command, args ...string) (string, error) {
	resetFlags(root)
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

// runArgs prepends flags that keep a test run out of the user's data and
// cache directories.
func runArgs(t *testing.T, args ...string) []string {
	return append([]string{"run", "--no-cache", "--data-root", t.TempDir()}, args...)
}

func TestCLIHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedPhrases := []string{
		"manifold",
		"WebAssembly",
		"run",
		"serve",
		"console",
		"inspect",
		"--modules",
		"--allow-host",
	}

	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("help output should contain %q", phrase)
		}
	}
}

func TestCLIRunHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "run", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedPhrases := []string{
		"--env",
		"--mount",
		"--count",
		"--timeout",
		"--entry",
		"--memory",
	}

	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("run help should contain %q", phrase)
		}
	}
}

func TestCLIRunExitCode(t *testing.T) {
	path := writeModule(t, "app", exiter(7))

	_, err := executeCommand(rootCmd, runArgs(t, path)...)
	var code exitCode
	if !errors.As(err, &code) || code != 7 {
		t.Fatalf("expected exit status 7, got %v", err)
	}
}

func TestCLIRunReturn(t *testing.T) {
	path := writeModule(t, "app", returner())

	if _, err := executeCommand(rootCmd, runArgs(t, path)...); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCLIRunCount(t *testing.T) {
	path := writeModule(t, "app", exiter(0))

	if _, err := executeCommand(rootCmd, runArgs(t, "--count", "3", path)...); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCLIRunModulesDir(t *testing.T) {
	path := writeModule(t, "app", exiter(2))

	_, err := executeCommand(rootCmd, runArgs(t, "--modules", filepath.Dir(path), "app")...)
	var code exitCode
	if !errors.As(err, &code) || code != 2 {
		t.Fatalf("expected exit status 2, got %v", err)
	}
}

func TestCLIRunMissingModule(t *testing.T) {
	_, err := executeCommand(rootCmd, runArgs(t, "--modules", t.TempDir(), "absent")...)
	if !errors.Is(err, loader.ErrModuleNotFound) {
		t.Fatalf("expected ErrModuleNotFound, got %v", err)
	}
}

func TestCLIRunInvalidFlags(t *testing.T) {
	path := writeModule(t, "app", returner())

	cases := [][]string{
		{"--mount", "nocolon", path},
		{"--env", "NOVALUE", path},
		{"--count", "0", path},
		{"--memory", "lots", path},
	}
	for _, args := range cases {
		if _, err := executeCommand(rootCmd, runArgs(t, args...)...); err == nil {
			t.Errorf("expected error for %v", args)
		}
	}
}

func TestCLIInspect(t *testing.T) {
	path := writeModule(t, "app", exiter(0))

	output, err := executeCommand(rootCmd, "inspect", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, phrase := range []string{"app", "modified: true", "wasi_snapshot_preview1.proc_exit", "isolation.handle_exit", "sha256:"} {
		if !strings.Contains(output, phrase) {
			t.Errorf("inspect output should contain %q, got:\n%s", phrase, output)
		}
	}
}

func TestCLIInspectJSON(t *testing.T) {
	path := writeModule(t, "app", exiter(0))

	output, err := executeCommand(rootCmd, "inspect", "--json", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var report inspectReport
	if err := json.Unmarshal([]byte(output), &report); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, output)
	}
	if !report.Modified {
		t.Error("expected modified image")
	}
	wantRedirects := []redirectEntry{{
		Func: 0,
		From: "wasi_snapshot_preview1.proc_exit",
		To:   "isolation.handle_exit",
		Kind: instrument.KindExit.String(),
	}}
	if diff := cmp.Diff(wantRedirects, report.Redirects); diff != "" {
		t.Errorf("redirects mismatch (-want +got):\n%s", diff)
	}
	if len(report.Sites) != 1 || report.Sites[0].Opcode != "call" || report.Sites[0].Func != 1 {
		t.Errorf("expected one call site in func 1, got %+v", report.Sites)
	}
}

func TestCLIInspectUnmodified(t *testing.T) {
	path := writeModule(t, "plain", returner())

	output, err := executeCommand(rootCmd, "inspect", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "no redirected imports") {
		t.Errorf("expected no redirects, got:\n%s", output)
	}
}

func TestParseMemoryLimit(t *testing.T) {
	tests := []struct {
		in      string
		want    uint32
		wantErr bool
	}{
		{"", 0, false},
		{"64KiB", 1, false},
		{"1MiB", 16, false},
		{"64MiB", 1024, false},
		{"1GiB", 16384, false},
		{"100k", 2, false},
		{"8GiB", 0, true},
		{"lots", 0, true},
	}
	for _, tt := range tests {
		got, err := parseMemoryLimit(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseMemoryLimit(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseMemoryLimit(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseMount(t *testing.T) {
	m, err := parseMount("/data:/srv/data:ro")
	if err != nil {
		t.Fatal(err)
	}
	if m.GuestPath != "/data" || m.HostPath != "/srv/data" || !m.ReadOnly {
		t.Errorf("unexpected mount: %+v", m)
	}

	m, err = parseMount("/data:/srv/data")
	if err != nil {
		t.Fatal(err)
	}
	if m.ReadOnly {
		t.Error("mount should default to read-write")
	}

	for _, bad := range []string{"/data", "/a:/b:xx", "/a:/b:ro:x"} {
		if _, err := parseMount(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestModuleRef(t *testing.T) {
	name, dir := moduleRef("build/out/app.wasm")
	if name != "app" || dir != "build/out" {
		t.Errorf("got %q %q", name, dir)
	}
	name, dir = moduleRef("app")
	if name != "app" || dir != "" {
		t.Errorf("got %q %q", name, dir)
	}
}

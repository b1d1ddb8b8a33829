package instrument

import (
	"fmt"
	"strings"
)

// ValueType is a core wasm number type, encoded as in the binary format.
type ValueType byte

const (
	I32 ValueType = 0x7f
	I64 ValueType = 0x7e
	F32 ValueType = 0x7d
	F64 ValueType = 0x7c
)

func (v ValueType) String() string {
	switch v {
	case I32:
		return "i32"
	case I64:
		return "i64"
	case F32:
		return "f32"
	case F64:
		return "f64"
	case 0x7b:
		return "v128"
	case 0x70:
		return "funcref"
	case 0x6f:
		return "externref"
	}
	return fmt.Sprintf("0x%02x", byte(v))
}

// Kind identifies which process-level primitive a redirect replaces.
type Kind int

const (
	KindExit Kind = iota + 1
	KindHomePath
	KindSocket
	KindThread
)

func (k Kind) String() string {
	switch k {
	case KindExit:
		return "exit"
	case KindHomePath:
		return "home-path"
	case KindSocket:
		return "socket"
	case KindThread:
		return "thread"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// DispatchModule is the host module that implements every default target.
const DispatchModule = "isolation"

// Target names the function a redirected import is bound to instead.
type Target struct {
	Module string
	Name   string
}

func (t Target) String() string {
	return t.Module + "." + t.Name
}

// Rule matches an imported function by module and name and rebinds it to
// Target. Params and Results declare the signature the import must have.
type Rule struct {
	Module  string
	Name    string
	Target  Target
	Params  []ValueType
	Results []ValueType
	Kind    Kind
}

func (r Rule) String() string {
	return fmt.Sprintf("%s.%s%s -> %s", r.Module, r.Name, signature(r.Params, r.Results), r.Target)
}

func signature(params, results []ValueType) string {
	var sb strings.Builder
	sb.WriteByte('(')
	for i, p := range params {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(p.String())
	}
	sb.WriteByte(')')
	if len(results) > 0 {
		sb.WriteString(" -> ")
		for i, r := range results {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(r.String())
		}
	}
	return sb.String()
}

// Names of the dispatch functions in [DispatchModule].
const (
	FuncHandleExit   = "handle_exit"
	FuncInitHomePath = "init_home_path"
	FuncCreateSocket = "create_socket"
	FuncThreadSpawn  = "thread_spawn"
)

// DefaultRules returns the redirects for process exit, home directory setup,
// raw socket creation and thread spawning.
func DefaultRules() []Rule {
	return []Rule{
		{
			Module: "wasi_snapshot_preview1",
			Name:   "proc_exit",
			Target: Target{Module: DispatchModule, Name: FuncHandleExit},
			Params: []ValueType{I32},
			Kind:   KindExit,
		},
		{
			Module:  "env",
			Name:    "init_home_path",
			Target:  Target{Module: DispatchModule, Name: FuncInitHomePath},
			Params:  []ValueType{I32, I32},
			Results: []ValueType{I32},
			Kind:    KindHomePath,
		},
		{
			Module:  "env",
			Name:    "socket_open",
			Target:  Target{Module: DispatchModule, Name: FuncCreateSocket},
			Params:  []ValueType{I32, I32, I32},
			Results: []ValueType{I32},
			Kind:    KindSocket,
		},
		{
			Module:  "wasi",
			Name:    "thread-spawn",
			Target:  Target{Module: DispatchModule, Name: FuncThreadSpawn},
			Params:  []ValueType{I32},
			Results: []ValueType{I32},
			Kind:    KindThread,
		},
	}
}

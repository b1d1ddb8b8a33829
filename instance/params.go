package instance

import (
	"context"
	"io"

	"github.com/caffeineduck/manifold/loader"
)

const (
	DefaultEntry    = "_start"
	DefaultExitHook = "on_exit"
)

// Mount exposes a host directory to the guest in addition to its home
// directory.
type Mount struct {
	GuestPath string
	HostPath  string
	ReadOnly  bool
}

// Params describes what an instance boots.
type Params struct {
	// Module is the name of the main module, resolved through the loader.
	Module string
	// Label is a display name; it defaults to Module.
	Label string
	Args  []string
	Env   map[string]string
	// Entry is the export run on the instance's main thread, if present.
	Entry string
	// ExitHook is the export called when the instance shuts down, if present.
	ExitHook string
	Mounts   []Mount

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

func (p Params) withDefaults() Params {
	if p.Label == "" {
		p.Label = p.Module
	}
	if p.Entry == "" {
		p.Entry = DefaultEntry
	}
	if p.ExitHook == "" {
		p.ExitHook = DefaultExitHook
	}
	return p
}

// Surface is what a booted instance exposes to its embedder, typically the
// main api.Module.
type Surface interface {
	Name() string
}

// ExitHook is the guest's own shutdown routine, captured at boot.
type ExitHook func(ctx context.Context) error

// Booter brings up the guest inside a freshly created loader.
type Booter interface {
	Boot(ctx context.Context, inst *Instance, ld *loader.Loader) (Surface, ExitHook, error)
}

// BootFunc adapts a function to Booter.
type BootFunc func(ctx context.Context, inst *Instance, ld *loader.Loader) (Surface, ExitHook, error)

func (f BootFunc) Boot(ctx context.Context, inst *Instance, ld *loader.Loader) (Surface, ExitHook, error) {
	return f(ctx, inst, ld)
}

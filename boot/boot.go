// Package boot provides the default instance.Booter for WebAssembly guests.
//
// The main module is loaded with the instance's module configuration plus
// its arguments. Its exit hook export, if present, becomes the instance's
// exit hook, and its entry export, if present, runs on a tracked "main"
// thread once the instance is running. The guest returning from its entry
// is treated as exit code 0.
package boot

import (
	"context"
	"errors"
	"fmt"

	"github.com/caffeineduck/manifold/instance"
	"github.com/caffeineduck/manifold/loader"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"
)

// MainThread is the name of the thread running the entry export.
const MainThread = "main"

var ErrNoModule = errors.New("no main module")

// Wasm boots a guest module into an instance's loader.
type Wasm struct {
	log *zap.Logger
}

// Option configures a Wasm booter.
type Option func(*Wasm)

// WithLogger sets the booter's logger.
func WithLogger(log *zap.Logger) Option {
	return func(w *Wasm) {
		if log != nil {
			w.log = log
		}
	}
}

// New returns a Wasm booter.
func New(opts ...Option) *Wasm {
	w := &Wasm{log: zap.NewNop()}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Wasm) Boot(ctx context.Context, inst *instance.Instance, ld *loader.Loader) (instance.Surface, instance.ExitHook, error) {
	p := inst.Params()
	if p.Module == "" {
		return nil, nil, ErrNoModule
	}

	cfg := inst.ModuleConfig(p.Module).WithArgs(append([]string{p.Module}, p.Args...)...)
	mod, err := ld.LoadWithConfig(ctx, p.Module, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", p.Module, err)
	}

	var hook instance.ExitHook
	if fn := mod.ExportedFunction(p.ExitHook); fn != nil {
		hook = func(ctx context.Context) error {
			_, err := fn.Call(ctx)
			if isExit(err) {
				return nil
			}
			return err
		}
	}

	if entry := mod.ExportedFunction(p.Entry); entry != nil {
		w.runMain(inst, entry)
	}
	return mod, hook, nil
}

func (w *Wasm) runMain(inst *instance.Instance, entry api.Function) {
	log := w.log.With(zap.Int("instance", inst.ID()))
	running := inst.Running()

	inst.Tracker().Go(inst.Context(), MainThread, func(ctx context.Context) error {
		select {
		case <-running:
		case <-ctx.Done():
			return ctx.Err()
		}

		_, err := entry.Call(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var exitErr *sys.ExitError
		switch {
		case err == nil:
			inst.RequestExit(0)
		case errors.As(err, &exitErr):
			if _, exited := inst.ExitCode(); !exited {
				inst.RequestExit(exitErr.ExitCode())
			}
		default:
			log.Warn("main thread failed", zap.Error(err))
			inst.Shutdown(context.Background())
		}
		return err
	})
}

func isExit(err error) bool {
	var exitErr *sys.ExitError
	return errors.As(err, &exitErr)
}

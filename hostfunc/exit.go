package hostfunc

import (
	"context"

	"github.com/caffeineduck/manifold/instrument"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"
)

// handleExit replaces proc_exit. It stops the calling instance instead of
// the process, then unwinds the guest call the way proc_exit does.
func (d *Dispatcher) handleExit(ctx context.Context, mod api.Module, stack []uint64) {
	code := api.DecodeU32(stack[0])

	if o, ok := d.owner(ctx); ok {
		d.logger(o, instrument.FuncHandleExit).Debug("guest exit", zap.Uint32("code", code))
		o.RequestExit(code)
	} else {
		d.log.Warn("exit outside any instance", zap.String("module", mod.Name()), zap.Uint32("code", code))
	}

	_ = mod.CloseWithExitCode(ctx, code)
	panic(sys.NewExitError(code))
}

// initHomePath writes the instance's home directory into guest memory at
// buf. It returns the path length, the negated length when cap is too
// small, or a negative errno.
func (d *Dispatcher) initHomePath(ctx context.Context, mod api.Module, stack []uint64) {
	buf, capacity := api.DecodeU32(stack[0]), api.DecodeU32(stack[1])

	o, ok := d.owner(ctx)
	if !ok {
		result(stack, ErrnoNoInstance)
		return
	}
	log := d.logger(o, instrument.FuncInitHomePath)

	dir, err := o.HomeDir()
	if err != nil {
		log.Warn("home directory unavailable", zap.Error(err))
		result(stack, ErrnoIO)
		return
	}
	if uint32(len(dir)) > capacity {
		result(stack, -int32(len(dir)))
		return
	}
	mem := mod.Memory()
	if mem == nil || !mem.Write(buf, []byte(dir)) {
		result(stack, ErrnoFault)
		return
	}
	result(stack, int32(len(dir)))
}


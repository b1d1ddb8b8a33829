package hostfunc

import (
	"context"
	"fmt"

	"github.com/caffeineduck/manifold/instrument"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// ThreadStart is the export a spawned copy runs, as in wasi-threads.
const ThreadStart = "wasi_thread_start"

// wasi-threads reserves the top bits of a thread id.
const maxTID = 0x1fffffff

// threadSpawn replaces wasi thread-spawn. The new copy of the calling module
// runs on a goroutine registered with the calling instance before it starts,
// so the instance stops it on shutdown.
func (d *Dispatcher) threadSpawn(ctx context.Context, mod api.Module, stack []uint64) {
	arg := api.DecodeI32(stack[0])

	o, ok := d.owner(ctx)
	if !ok {
		result(stack, ErrnoNoInstance)
		return
	}
	log := d.logger(o, instrument.FuncThreadSpawn)

	child, err := o.Spawn(ctx, mod.Name())
	if err != nil {
		log.Warn("spawn failed", zap.String("module", mod.Name()), zap.Error(err))
		result(stack, ErrnoSpawn)
		return
	}
	start := child.ExportedFunction(ThreadStart)
	if start == nil {
		child.Close(context.Background())
		log.Warn("module has no thread entry", zap.String("module", mod.Name()))
		result(stack, ErrnoSpawn)
		return
	}

	tid := d.nextTID()
	th := o.Tracker().Go(o.Context(), fmt.Sprintf("thread-%d", tid), func(ctx context.Context) error {
		defer child.Close(context.Background())
		_, err := start.Call(ctx, uint64(tid), api.EncodeI32(arg))
		return err
	})
	th.OnInterrupt(func() error {
		return child.CloseWithExitCode(context.Background(), 0)
	})
	result(stack, int32(tid))
}

func (d *Dispatcher) nextTID() uint32 {
	for {
		tid := d.tid.Add(1) & maxTID
		if tid != 0 {
			return tid
		}
	}
}

package hostfunc

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/caffeineduck/manifold/instctx"
	"github.com/caffeineduck/manifold/instrument"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// Negative results returned to the guest.
const (
	ErrnoNoInstance = -1
	ErrnoDenied     = -2
	ErrnoFault      = -3
	ErrnoConnect    = -4
	ErrnoBadHandle  = -5
	ErrnoIO         = -6
	ErrnoSpawn      = -7
	ErrnoInvalid    = -8
)

// Extra socket functions exported next to create_socket.
const (
	FuncSockSend  = "sock_send"
	FuncSockRecv  = "sock_recv"
	FuncSockClose = "sock_close"
)

// Defaults for SocketConfig.
const (
	DefaultDialTimeout = 10 * time.Second
	DefaultMaxIOSize   = 64 << 10
	DefaultMaxHostLen  = 253
)

// SocketConfig limits what create_socket may reach.
type SocketConfig struct {
	// AllowedHosts lists host names guests may connect to. A name also
	// allows its subdomains; "*" allows any host. Empty disables sockets.
	AllowedHosts []string
	DialTimeout  time.Duration
	MaxIOSize    int
}

// Dispatcher serves the redirected imports. Every function reads the calling
// instance from the context and acts on that instance only.
type Dispatcher struct {
	resolver Resolver
	sockets  SocketConfig
	registry *Registry
	log      *zap.Logger
	tid      atomic.Uint32
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSocketConfig sets socket limits and the host allow-list.
func WithSocketConfig(cfg SocketConfig) Option {
	return func(d *Dispatcher) {
		d.sockets = cfg
	}
}

// WithAllowedHosts sets the hosts guests may open sockets to.
func WithAllowedHosts(hosts []string) Option {
	return func(d *Dispatcher) {
		d.sockets.AllowedHosts = hosts
	}
}

// WithLogger sets the dispatcher's logger.
func WithLogger(log *zap.Logger) Option {
	return func(d *Dispatcher) {
		if log != nil {
			d.log = log
		}
	}
}

// WithFunc exports an additional function from the dispatch module.
func WithFunc(fn Func) Option {
	return func(d *Dispatcher) {
		d.registry.Register(fn)
	}
}

// NewDispatcher returns a dispatcher resolving owners through r.
func NewDispatcher(r Resolver, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		resolver: r,
		registry: NewRegistry(),
		log:      zap.NewNop(),
	}
	d.registerDefaults()
	for _, opt := range opts {
		opt(d)
	}
	if d.sockets.DialTimeout <= 0 {
		d.sockets.DialTimeout = DefaultDialTimeout
	}
	if d.sockets.MaxIOSize <= 0 {
		d.sockets.MaxIOSize = DefaultMaxIOSize
	}
	return d
}

func (d *Dispatcher) registerDefaults() {
	i32 := api.ValueTypeI32
	d.registry.Register(Func{Name: instrument.FuncHandleExit, Params: []api.ValueType{i32}, Fn: d.handleExit})
	d.registry.Register(Func{Name: instrument.FuncInitHomePath, Params: []api.ValueType{i32, i32}, Results: []api.ValueType{i32}, Fn: d.initHomePath})
	d.registry.Register(Func{Name: instrument.FuncCreateSocket, Params: []api.ValueType{i32, i32, i32}, Results: []api.ValueType{i32}, Fn: d.createSocket})
	d.registry.Register(Func{Name: FuncSockSend, Params: []api.ValueType{i32, i32, i32}, Results: []api.ValueType{i32}, Fn: d.sockSend})
	d.registry.Register(Func{Name: FuncSockRecv, Params: []api.ValueType{i32, i32, i32}, Results: []api.ValueType{i32}, Fn: d.sockRecv})
	d.registry.Register(Func{Name: FuncSockClose, Params: []api.ValueType{i32}, Results: []api.ValueType{i32}, Fn: d.sockClose})
	d.registry.Register(Func{Name: instrument.FuncThreadSpawn, Params: []api.ValueType{i32}, Results: []api.ValueType{i32}, Fn: d.threadSpawn})
}

// Registry returns the functions the dispatch module exports.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Instantiate builds the dispatch module into rt. Its signature matches
// loader.HostModule.
func (d *Dispatcher) Instantiate(ctx context.Context, rt wazero.Runtime) error {
	b := rt.NewHostModuleBuilder(instrument.DispatchModule)
	for _, name := range d.registry.List() {
		fn, _ := d.registry.Get(name)
		b.NewFunctionBuilder().
			WithGoModuleFunction(fn.Fn, fn.Params, fn.Results).
			WithName(name).
			Export(name)
	}
	if _, err := b.Instantiate(ctx); err != nil {
		return fmt.Errorf("instantiate %s: %w", instrument.DispatchModule, err)
	}
	return nil
}

// owner resolves the instance bound to ctx.
func (d *Dispatcher) owner(ctx context.Context) (Owner, bool) {
	id := instctx.Get(ctx)
	if id == instctx.None || d.resolver == nil {
		return nil, false
	}
	return d.resolver.Lookup(id)
}

func (d *Dispatcher) logger(o Owner, fn string) *zap.Logger {
	if o == nil {
		return d.log.With(zap.String("func", fn))
	}
	return d.log.With(zap.Int("instance", o.ID()), zap.String("func", fn))
}

func result(stack []uint64, v int32) {
	stack[0] = api.EncodeI32(v)
}

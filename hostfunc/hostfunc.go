package hostfunc

import (
	"context"
	"net"
	"sort"
	"sync"

	"github.com/caffeineduck/manifold/tracker"
	"github.com/tetratelabs/wazero/api"
)

// Owner is the instance a dispatch call acts on.
type Owner interface {
	ID() int
	// Context is cancelled when the instance shuts down.
	Context() context.Context
	// HomeDir returns the instance's home directory, creating it if needed.
	HomeDir() (string, error)
	Tracker() *tracker.Tracker
	Sockets() *Table[net.Conn]
	// Spawn instantiates another copy of the module named caller.
	Spawn(ctx context.Context, caller string) (api.Module, error)
	// RequestExit records code and stops the instance asynchronously.
	RequestExit(code uint32)
}

// Resolver finds the live instance with the given id.
type Resolver interface {
	Lookup(id int) (Owner, bool)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(id int) (Owner, bool)

func (f ResolverFunc) Lookup(id int) (Owner, bool) {
	return f(id)
}

// Func is a host function exported by the dispatch module.
type Func struct {
	Name    string
	Params  []api.ValueType
	Results []api.ValueType
	Fn      api.GoModuleFunc
}

// Registry holds the functions exported by the dispatch module.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

func (r *Registry) Register(fn Func) {
	r.mu.Lock()
	r.funcs[fn.Name] = fn
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Func, bool) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	return fn, ok
}

// List returns registered names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Package manifold runs many copies of a WebAssembly module in one process,
// each isolated from the others.
//
// # Overview
//
// A module written to own the whole process keeps its state in globals and
// calls process-wide facilities directly. manifold loads every instance
// through its own loader, so each copy gets its own globals, home directory,
// sockets and threads. Imports that would reach the process (exit, home
// directory setup, raw sockets, thread spawn) are rewritten at load time to
// call the "isolation" host module, which dispatches to the instance that
// owns the call.
//
// # Basic Usage
//
//	l, _ := launcher.New(launcher.WithLocations(os.DirFS("./modules")))
//	defer l.Close(ctx)
//
//	a, _ := l.LaunchSync(ctx, instance.Params{Module: "app"})
//	b, _ := l.LaunchSync(ctx, instance.Params{Module: "app"})
//
//	// a and b share the compiled image but nothing else.
//	l.Shutdown(ctx, a.ID())
//	<-a.Done()
//
// # Enabling Capabilities
//
//	// Guest sockets
//	l, _ := launcher.New(
//	    launcher.WithLocations(os.DirFS("./modules")),
//	    launcher.WithAllowedHosts([]string{"api.example.com"}))
//
//	// Extra directories
//	l.LaunchSync(ctx, instance.Params{
//	    Module: "app",
//	    Mounts: []instance.Mount{{GuestPath: "/data", HostPath: "./data", ReadOnly: true}},
//	})
//
// See the [launcher], [instance], [loader], [instrument] and [hostfunc]
// packages for detailed API documentation.
package manifold

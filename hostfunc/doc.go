// Package hostfunc implements the "isolation" host module, which serves the
// imports the instrumentor redirects.
//
// # Overview
//
// Guest code compiled for a single process calls proc_exit, opens sockets
// and spawns threads as if it owned the process. After instrumentation those
// calls land here. Each function reads the calling instance id from the
// context (see package instctx), resolves the instance through a [Resolver]
// and acts on that instance alone.
//
// # Functions
//
//	handle_exit(code)                       stop the instance, unwind the guest call
//	init_home_path(buf, cap) -> len         write the instance home directory
//	create_socket(host, host_len, port) -> fd
//	sock_send(fd, ptr, len) -> n
//	sock_recv(fd, ptr, len) -> n
//	sock_close(fd) -> 0
//	thread_spawn(arg) -> tid                run wasi_thread_start on a tracked goroutine
//
// Negative results are the Errno constants.
//
// # Usage
//
//	d := hostfunc.NewDispatcher(resolver,
//	    hostfunc.WithAllowedHosts([]string{"api.example.com"}),
//	    hostfunc.WithLogger(log),
//	)
//	ld, err := loader.New(id, loader.WithHostModule(d.Instantiate))
//
// # Security Model
//
// Sockets are limited to the allowed hosts; a name also allows its
// subdomains and "*" allows everything. With no allowed hosts every
// create_socket call is denied. Isolation between instances is cooperative:
// it relies on the module being instrumented, not on a sandbox boundary.
package hostfunc

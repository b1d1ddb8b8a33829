// Package instrument rewrites WebAssembly module binaries so that imports of
// process-wide primitives are served by instance-aware dispatch functions.
//
// # Redirects
//
// A [Rule] matches an imported function by module and name. A matched import
// is renamed in place: its function index and type are kept, so every
// reference to it inside the module reaches the new target without touching
// function bodies. With [DefaultRules]:
//
//	wasi_snapshot_preview1.proc_exit  -> isolation.handle_exit
//	env.init_home_path                -> isolation.init_home_path
//	env.socket_open                   -> isolation.create_socket
//	wasi.thread-spawn                 -> isolation.thread_spawn
//
// The rewritten image carries no instance identity, so one image serves every
// instance.
//
// # Usage
//
//	in := instrument.New(instrument.WithLogger(log))
//	res, err := in.Instrument("app", bin)
//	if err != nil {
//	    return err
//	}
//	for _, s := range res.Sites {
//	    fmt.Printf("func %d: %s %s\n", s.Func, s.OpcodeName(), s.Kind)
//	}
//
// Function bodies are decoded in full to report [Site]s, so a binary that
// fails to decode is rejected here rather than at compile time.
package instrument

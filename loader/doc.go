// Package loader gives each instance its own WebAssembly namespace.
//
// A [Loader] owns one wazero runtime, so every module it loads has private
// globals, memories and tables. Compiled code is shared through a wazero
// compilation cache and instrumented binaries through an [ImageCache].
//
// Modules are looked up by name as "<name>.wasm": first in the loader's own
// locations, then in its parent, typically a [System] holding the
// application library. Resources (non-code files) come only from the
// loader's own locations.
//
//	sys := loader.NewSystem(os.DirFS("/usr/lib/app"))
//	ld, err := loader.New(id,
//	    loader.WithParent(sys),
//	    loader.WithLocations(os.DirFS(instanceDir)),
//	    loader.WithImageCache(cache),
//	)
//	if err != nil {
//	    return err
//	}
//	defer ld.Close(ctx)
//
//	mod, err := ld.Load(ctx, "app")
package loader

// Package instance runs isolated copies of a guest module side by side.
//
// A [Registry] hands out instances under small recycled ids. Each
// [Instance] moves through Created, Starting, Running and Stopped:
//
//	reg := instance.NewRegistry(
//	    instance.WithBooter(boot.New()),
//	    instance.WithLoaderOptions(loader.WithImageCache(cache), loader.WithHostModule(d.Instantiate)),
//	)
//	inst, _ := reg.Create(instance.Params{Module: "app"})
//	inst.Start(ctx, func(inst *instance.Instance, err error) { ... })
//	...
//	inst.Shutdown(ctx)
//
// Boot creates the home directory <dataRoot>/<ramsDir>/<id>, a loader bound
// to the id and hands both to the [Booter]. A failed boot leaves the
// instance Stopped but registered, with a [BootError]; it may be booted
// again or removed with [Registry.Remove].
//
// Shutdown runs once: it unregisters the instance, releases every tracked
// thread and socket, calls the guest's exit hook, detaches the surface,
// closes the loader and clears the caller's instance context if it holds
// this instance. Failures along the way are logged and never returned.
package instance

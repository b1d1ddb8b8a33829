package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/caffeineduck/manifold/instance"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run [flags] <module | file.wasm> [args...]",
	Short: "Run one or more isolated copies of a module",
	Long: `Run a module until it exits.

The module is either a name searched in --modules and --system, or a path to
a .wasm file. With --count, that many copies run side by side, each with its
own globals, home directory, sockets and threads.

The command exits with the guest's exit status. With several copies, the
first non-zero status wins.`,
	Example: `  manifold run ./app.wasm
  manifold run --modules ./modules app -- --port 8080
  manifold run --count 4 --env MODE=test ./worker.wasm
  manifold run --mount /data:./data:ro ./app.wasm`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	addRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringSliceP("env", "e", nil, "Guest environment variable KEY=VALUE (repeatable)")
	cmd.Flags().StringSlice("mount", nil, "Mount host directory: guest:host[:ro|rw] (repeatable)")
	cmd.Flags().IntP("count", "n", 1, "Number of copies to run")
	cmd.Flags().Duration("timeout", 0, "Stop every copy after this long (0 = no limit)")
	cmd.Flags().String("entry", instance.DefaultEntry, "Exported function run as the entry point")
}

func runRun(cmd *cobra.Command, args []string) error {
	name, dir := moduleRef(args[0])

	envPairs, _ := cmd.Flags().GetStringSlice("env")
	mountSpecs, _ := cmd.Flags().GetStringSlice("mount")
	count, _ := cmd.Flags().GetInt("count")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	entry, _ := cmd.Flags().GetString("entry")

	if count < 1 {
		return fmt.Errorf("invalid count %d", count)
	}
	env, err := parseEnv(envPairs)
	if err != nil {
		return err
	}
	var mounts []instance.Mount
	for _, spec := range mountSpecs {
		m, err := parseMount(spec)
		if err != nil {
			return err
		}
		mounts = append(mounts, m)
	}

	l, log, err := newLauncher(cmd, nil, dir)
	if err != nil {
		return err
	}
	defer log.Sync()
	defer l.Close(context.Background())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	p := instance.Params{
		Module: name,
		Args:   args[1:],
		Env:    env,
		Entry:  entry,
		Mounts: mounts,
		Stdin:  cmd.InOrStdin(),
	}

	insts := make([]*instance.Instance, count)
	errs := make([]error, count)
	var wg sync.WaitGroup
	for n := range insts {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			insts[n], errs[n] = l.LaunchSync(ctx, p)
		}(n)
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		return err
	}
	log.Debug("instances running", zap.String("module", name), zap.Int("count", count))

	return waitAll(ctx, insts, log)
}

// waitAll blocks until every instance stops or ctx ends, then reports the
// first non-zero exit status.
func waitAll(ctx context.Context, insts []*instance.Instance, log *zap.Logger) error {
	var code uint32
	for _, inst := range insts {
		select {
		case <-inst.Done():
		case <-ctx.Done():
			for _, other := range insts {
				other.Shutdown(context.Background())
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("timed out: %w", ctx.Err())
			}
			return exitCode(130)
		}
		if c, ok := inst.ExitCode(); ok && c != 0 && code == 0 {
			code = c
			log.Debug("instance exited", zap.Int("instance", inst.ID()), zap.Uint32("code", c))
		}
	}
	if code != 0 {
		return exitCode(code)
	}
	return nil
}

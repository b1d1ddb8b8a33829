package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caffeineduck/manifold/instance"
	"github.com/caffeineduck/manifold/launcher"
	"github.com/docker/go-units"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "manifold",
	Short: "Run many isolated copies of a WebAssembly module in one process",
	Long: `manifold - Run many copies of a single-instance WebAssembly module side by side.

Each instance gets its own module namespace, home directory, sockets and
threads. Calls the module makes to process-wide facilities (exit, home
directory, sockets, thread spawn) are redirected to the owning instance.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitCode carries a guest's exit status out of a command.
type exitCode uint32

func (c exitCode) Error() string {
	return fmt.Sprintf("exit status %d", uint32(c))
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		var code exitCode
		if errors.As(err, &code) {
			os.Exit(int(code))
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.PersistentFlags()
	f.String("log-level", "warn", "Log level: debug, info, warn, error")
	f.String("log-format", "console", "Log format: console, json")
	f.String("data-root", "", "Directory for per-instance storage (default: $MANIFOLD_DATA_ROOT or XDG data dir)")
	f.StringSlice("modules", nil, "Directory searched for modules and resources (repeatable)")
	f.StringSlice("system", nil, "System module directory, searched after --modules (repeatable)")
	f.Bool("no-cache", false, "Disable compilation cache")
	f.String("memory", "", "Memory limit per module, e.g. 64MiB, 1GiB")
	f.String("max-image", "256MiB", "Largest module file accepted")
	f.StringSlice("allow-host", nil, "Allow guest sockets to host (repeatable, * allows any)")
	f.Duration("dial-timeout", 10*time.Second, "Guest socket connect timeout")
}

func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch format {
	case "json":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("invalid log format %q (expected console or json)", format)
	}
	cfg.Level = lvl
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

// parseMemoryLimit converts a human size to 64KiB wasm pages. An empty
// string means no limit.
func parseMemoryLimit(s string) (uint32, error) {
	if s == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid memory limit %q: %w", s, err)
	}
	const page = 64 * units.KiB
	pages := (n + page - 1) / page
	if pages <= 0 || pages > 65536 {
		return 0, fmt.Errorf("memory limit %q out of range (64KiB to 4GiB)", s)
	}
	return uint32(pages), nil
}

// parseMount parses guest:host[:ro].
func parseMount(spec string) (instance.Mount, error) {
	parts := strings.Split(spec, ":")
	switch {
	case len(parts) == 2:
		return instance.Mount{GuestPath: parts[0], HostPath: parts[1]}, nil
	case len(parts) == 3 && (parts[2] == "ro" || parts[2] == "rw"):
		return instance.Mount{GuestPath: parts[0], HostPath: parts[1], ReadOnly: parts[2] == "ro"}, nil
	default:
		return instance.Mount{}, fmt.Errorf("invalid mount spec %q (expected guest:host[:ro|rw])", spec)
	}
}

func parseEnv(pairs []string) (map[string]string, error) {
	env := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid env %q (expected KEY=VALUE)", kv)
		}
		env[k] = v
	}
	return env, nil
}

// moduleRef splits a module argument. A path to a .wasm file becomes its
// base name plus its directory as an extra location.
func moduleRef(arg string) (name, dir string) {
	if strings.HasSuffix(arg, ".wasm") {
		return strings.TrimSuffix(filepath.Base(arg), ".wasm"), filepath.Dir(arg)
	}
	return arg, ""
}

// launcherOptions builds launcher options from the persistent flags.
func launcherOptions(cmd *cobra.Command, log *zap.Logger, extraDirs ...string) ([]launcher.Option, error) {
	f := cmd.Flags()
	dataRoot, _ := f.GetString("data-root")
	modules, _ := f.GetStringSlice("modules")
	system, _ := f.GetStringSlice("system")
	noCache, _ := f.GetBool("no-cache")
	memory, _ := f.GetString("memory")
	maxImage, _ := f.GetString("max-image")
	allowedHosts, _ := f.GetStringSlice("allow-host")
	dialTimeout, _ := f.GetDuration("dial-timeout")

	opts := []launcher.Option{
		launcher.WithLogger(log),
		launcher.WithAllowedHosts(allowedHosts),
		launcher.WithDialTimeout(dialTimeout),
		launcher.WithStdout(cmd.OutOrStdout()),
		launcher.WithStderr(cmd.ErrOrStderr()),
	}
	if dataRoot != "" {
		opts = append(opts, launcher.WithDataRoot(dataRoot))
	}
	for _, dir := range append(extraDirs, modules...) {
		if dir != "" {
			opts = append(opts, launcher.WithLocations(os.DirFS(dir)))
		}
	}
	for _, dir := range system {
		opts = append(opts, launcher.WithSystemLocations(os.DirFS(dir)))
	}
	if !noCache {
		opts = append(opts, launcher.WithDiskCache())
	}

	pages, err := parseMemoryLimit(memory)
	if err != nil {
		return nil, err
	}
	if pages > 0 {
		opts = append(opts, launcher.WithMemoryLimit(pages))
	}

	if maxImage != "" {
		n, err := units.RAMInBytes(maxImage)
		if err != nil {
			return nil, fmt.Errorf("invalid max image size %q: %w", maxImage, err)
		}
		opts = append(opts, launcher.WithMaxImageSize(n))
	}
	return opts, nil
}

// newLauncher creates a launcher and logger from the persistent flags.
// reg, when set, receives runtime metrics.
func newLauncher(cmd *cobra.Command, reg prometheus.Registerer, extraDirs ...string) (*launcher.Launcher, *zap.Logger, error) {
	level, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")
	log, err := newLogger(level, format)
	if err != nil {
		return nil, nil, err
	}

	opts, err := launcherOptions(cmd, log, extraDirs...)
	if err != nil {
		return nil, nil, err
	}
	if reg != nil {
		opts = append(opts, launcher.WithMetrics(reg))
	}

	l, err := launcher.New(opts...)
	if err != nil {
		return nil, nil, err
	}
	return l, log, nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/caffeineduck/manifold/instance"
	"github.com/caffeineduck/manifold/launcher"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive console for managing instances",
	Long: `Start an interactive console that launches and stops instances.

Commands:
  start <module> [args...]  Launch an instance
  list                      List instances
  stop <id>                 Shut an instance down
  stopall                   Shut every instance down
  help                      Show commands
  quit                      Stop every instance and exit

Instances keep running between commands.`,
	Example: `  manifold console --modules ./modules`,
	Args:    cobra.NoArgs,
	RunE:    runConsole,
}

func init() {
	rootCmd.AddCommand(consoleCmd)
}

func runConsole(cmd *cobra.Command, _ []string) error {
	l, log, err := newLauncher(cmd, nil)
	if err != nil {
		return err
	}
	defer log.Sync()
	defer l.Close(context.Background())

	historyFile := ""
	if home, err := os.UserHomeDir(); err == nil {
		historyFile = filepath.Join(home, ".manifold_history")
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "manifold> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "quit",
		HistorySearchFold: true,
		Stdout:            cmd.OutOrStdout(),
		Stderr:            cmd.ErrOrStderr(),
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	out := rl.Stdout()
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		quit, err := runConsoleCommand(cmd.Context(), l, line, out)
		if err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
}

// runConsoleCommand executes one console line against l. It reports
// whether the console should exit.
func runConsoleCommand(ctx context.Context, l *launcher.Launcher, line string, w io.Writer) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}

	switch fields[0] {
	case "start":
		if len(fields) < 2 {
			return false, errors.New("usage: start <module> [args...]")
		}
		inst, err := l.LaunchSync(ctx, instance.Params{Module: fields[1], Args: fields[2:]})
		if err != nil {
			return false, err
		}
		fmt.Fprintf(w, "started instance %d\n", inst.ID())

	case "list", "ls":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tMODULE\tSTATE\tERROR")
		for _, inst := range l.Registry().List() {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", inst.ID(), inst.Params().Module, inst.State(), inst.ErrorMessage())
		}
		tw.Flush()

	case "stop":
		if len(fields) != 2 {
			return false, errors.New("usage: stop <id>")
		}
		id, err := strconv.Atoi(fields[1])
		if err != nil {
			return false, fmt.Errorf("invalid instance id %q", fields[1])
		}
		if err := l.Shutdown(ctx, id); err != nil {
			return false, err
		}
		fmt.Fprintf(w, "stopped instance %d\n", id)

	case "stopall":
		n := l.Registry().Len()
		l.Registry().ShutdownAll(ctx)
		fmt.Fprintf(w, "stopped %d instances\n", n)

	case "help", "?":
		fmt.Fprint(w, consoleCmd.Long+"\n")

	case "quit", "exit":
		return true, nil

	default:
		return false, fmt.Errorf("unknown command %q (try help)", fields[0])
	}
	return false, nil
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"text/tabwriter"

	"github.com/caffeineduck/manifold/instrument"
	"github.com/caffeineduck/manifold/loader"
	"github.com/docker/go-units"
	"github.com/opencontainers/go-digest"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <module | file.wasm>",
	Short: "Show how a module would be instrumented",
	Long: `Instrument a module without running it and report the imports that
would be redirected to the owning instance, with every call site.`,
	Example: `  manifold inspect ./app.wasm
  manifold inspect --modules ./modules app --json`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().Bool("json", false, "Print the report as JSON")
	rootCmd.AddCommand(inspectCmd)
}

type inspectReport struct {
	Module    string          `json:"module"`
	Digest    digest.Digest   `json:"digest"`
	Size      int             `json:"size"`
	Modified  bool            `json:"modified"`
	Imports   []string        `json:"imports"`
	Redirects []redirectEntry `json:"redirects"`
	Sites     []siteEntry     `json:"sites"`
}

type redirectEntry struct {
	Func uint32 `json:"func"`
	From string `json:"from"`
	To   string `json:"to"`
	Kind string `json:"kind"`
}

type siteEntry struct {
	Func   uint32 `json:"func"`
	Index  int    `json:"index"`
	Opcode string `json:"opcode"`
	Target uint32 `json:"target"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	modules, _ := cmd.Flags().GetStringSlice("modules")
	system, _ := cmd.Flags().GetStringSlice("system")

	name, dir := moduleRef(args[0])
	var locations []fs.FS
	if dir != "" {
		locations = append(locations, os.DirFS(dir))
	}
	for _, d := range append(modules, system...) {
		locations = append(locations, os.DirFS(d))
	}

	limit := int64(loader.DefaultMaxImageSize)
	if v, _ := cmd.Flags().GetString("max-image"); v != "" {
		n, err := units.RAMInBytes(v)
		if err != nil {
			return fmt.Errorf("invalid max image size %q: %w", v, err)
		}
		limit = n
	}
	bin, err := loader.NewSystem(locations...).Find(name, limit)
	if err != nil {
		return err
	}
	report, err := inspect(name, bin)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printReport(cmd.OutOrStdout(), report)
	return nil
}

func inspect(name string, bin []byte) (*inspectReport, error) {
	res, err := instrument.New().Instrument(name, bin)
	if err != nil {
		return nil, err
	}

	r := &inspectReport{
		Module:    name,
		Digest:    digest.FromBytes(bin),
		Size:      len(bin),
		Modified:  res.Modified,
		Imports:   res.Imports,
		Redirects: make([]redirectEntry, 0, len(res.Redirects)),
		Sites:     make([]siteEntry, 0, len(res.Sites)),
	}
	for _, rd := range res.Redirects {
		r.Redirects = append(r.Redirects, redirectEntry{
			Func: rd.Func,
			From: rd.From.String(),
			To:   rd.To.String(),
			Kind: rd.Kind.String(),
		})
	}
	for _, s := range res.Sites {
		r.Sites = append(r.Sites, siteEntry{
			Func:   s.Func,
			Index:  s.Index,
			Opcode: s.OpcodeName(),
			Target: s.Target,
		})
	}
	return r, nil
}

func printReport(w io.Writer, r *inspectReport) {
	fmt.Fprintf(w, "module:   %s\n", r.Module)
	fmt.Fprintf(w, "digest:   %s\n", r.Digest)
	fmt.Fprintf(w, "size:     %s\n", units.BytesSize(float64(r.Size)))
	fmt.Fprintf(w, "modified: %t\n", r.Modified)
	fmt.Fprintf(w, "imports:  %v\n", r.Imports)

	if len(r.Redirects) == 0 {
		fmt.Fprintln(w, "\nno redirected imports")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nFUNC\tIMPORT\tTARGET\tKIND")
	for _, rd := range r.Redirects {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", rd.Func, rd.From, rd.To, rd.Kind)
	}
	fmt.Fprintln(tw, "\nIN FUNC\tINSTR\tOPCODE\tCALLS")
	for _, s := range r.Sites {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%d\n", s.Func, s.Index, s.Opcode, s.Target)
	}
	tw.Flush()
}

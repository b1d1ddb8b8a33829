package instrument

import (
	"errors"
	"fmt"

	"github.com/wippyai/wasm-runtime/wasm"
	"go.uber.org/zap"
)

var (
	// ErrMalformed reports a binary that does not decode as a core module.
	ErrMalformed = errors.New("malformed module")
	// ErrTruncated reports a binary that ends inside its header or a section.
	ErrTruncated = errors.New("truncated module")
	// ErrUnsupported reports a binary of a version or layer other than core 1,
	// or one whose code uses typed reference block types.
	ErrUnsupported = errors.New("unsupported module")
	// ErrSignatureMismatch reports an import whose type differs from the
	// signature declared by the rule that matched it.
	ErrSignatureMismatch = errors.New("import signature mismatch")
)

// Import identifies an imported function.
type Import struct {
	Module string
	Name   string
}

func (i Import) String() string {
	return i.Module + "." + i.Name
}

// Redirect records one import rebound by a rule.
type Redirect struct {
	// Func is the function index of the import, unchanged by the rewrite.
	Func uint32
	From Import
	To   Target
	Kind Kind
}

// Result is the outcome of instrumenting one module.
type Result struct {
	// Image is the binary to compile. It is the input slice itself when
	// Modified is false.
	Image     []byte
	Modified  bool
	Redirects []Redirect
	Sites     []Site
	// Imports lists the distinct module names the image imports from, in
	// order of first appearance.
	Imports []string
}

// Instrumentor rewrites module binaries so that selected imports resolve to
// instance-aware dispatch functions. It holds no per-module state and is
// safe for concurrent use.
type Instrumentor struct {
	rules []Rule
	index map[Import]int
	log   *zap.Logger
}

// Option configures an Instrumentor.
type Option func(*Instrumentor)

// WithRules replaces the default rules. A later rule for the same import
// overrides an earlier one.
func WithRules(rules ...Rule) Option {
	return func(in *Instrumentor) {
		in.rules = append([]Rule(nil), rules...)
	}
}

// WithLogger sets the logger used to report rewritten modules.
func WithLogger(log *zap.Logger) Option {
	return func(in *Instrumentor) {
		if log != nil {
			in.log = log
		}
	}
}

// New returns an Instrumentor using [DefaultRules] unless overridden.
func New(opts ...Option) *Instrumentor {
	in := &Instrumentor{
		rules: DefaultRules(),
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(in)
	}
	in.index = make(map[Import]int, len(in.rules))
	for i, r := range in.rules {
		in.index[Import{Module: r.Module, Name: r.Name}] = i
	}
	return in
}

// Rules returns the active rules.
func (in *Instrumentor) Rules() []Rule {
	out := make([]Rule, 0, len(in.index))
	for i, r := range in.rules {
		if in.index[Import{Module: r.Module, Name: r.Name}] == i {
			out = append(out, r)
		}
	}
	return out
}

// Instrument redirects every import matched by a rule in place, keeping its
// function index and type, so direct calls, table entries and re-exports all
// reach the target. The instance is never encoded in the image; targets
// resolve it from the calling context.
func (in *Instrumentor) Instrument(name string, bin []byte) (*Result, error) {
	m, err := parse(bin)
	if err != nil {
		return nil, fmt.Errorf("instrument %s: %w", name, err)
	}

	var redirects []Redirect
	renamed := make(map[int]Target)
	watch := make(map[uint32]Kind)

	var funcIdx uint32
	for i, imp := range m.Imports {
		if imp.Desc.Kind != wasm.KindFunc {
			continue
		}
		idx := funcIdx
		funcIdx++

		from := Import{Module: imp.Module, Name: imp.Name}
		ri, ok := in.index[from]
		if !ok {
			continue
		}
		rule := in.rules[ri]
		if err := m.checkSignature(idx, from, rule); err != nil {
			return nil, fmt.Errorf("instrument %s: %w", name, err)
		}
		renamed[i] = rule.Target
		watch[idx] = rule.Kind
		redirects = append(redirects, Redirect{
			Func: idx,
			From: from,
			To:   rule.Target,
			Kind: rule.Kind,
		})
	}

	sites, err := m.scanCode(watch)
	if err != nil {
		return nil, fmt.Errorf("instrument %s: %w", name, err)
	}

	res := &Result{
		Image:     bin,
		Redirects: redirects,
		Sites:     sites,
		Imports:   importModules(m.Imports, renamed),
	}
	if len(renamed) > 0 {
		res.Image = m.rewriteImports(renamed)
		res.Modified = true
		in.log.Debug("module instrumented",
			zap.String("module", name),
			zap.Int("redirects", len(redirects)),
			zap.Int("sites", len(sites)))
	}
	return res, nil
}

func (m *module) checkSignature(idx uint32, imp Import, rule Rule) error {
	ft := m.GetFuncType(idx)
	if ft == nil {
		return fmt.Errorf("%w: import %s has no function type", ErrMalformed, imp)
	}
	params, results := valueTypes(ft.Params), valueTypes(ft.Results)
	if !equalTypes(params, rule.Params) || !equalTypes(results, rule.Results) {
		return fmt.Errorf("%w: %s has %s, rule expects %s", ErrSignatureMismatch,
			imp, signature(params, results), signature(rule.Params, rule.Results))
	}
	return nil
}

func valueTypes(ts []wasm.ValType) []ValueType {
	out := make([]ValueType, len(ts))
	for i, t := range ts {
		out[i] = ValueType(t)
	}
	return out
}

func equalTypes(a, b []ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func importModules(imports []wasm.Import, renamed map[int]Target) []string {
	seen := make(map[string]bool)
	var out []string
	for i, imp := range imports {
		mod := imp.Module
		if t, ok := renamed[i]; ok {
			mod = t.Module
		}
		if !seen[mod] {
			seen[mod] = true
			out = append(out, mod)
		}
	}
	return out
}

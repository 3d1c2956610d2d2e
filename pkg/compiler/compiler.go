package compiler

import (
	"log/slog"

	"github.com/polisai/clearurls-dnr/pkg/domain"
	"github.com/polisai/clearurls-dnr/pkg/pattern"
)

// Options controls one compilation pass.
type Options struct {
	// FirstID is the id given to the first emitted rule. Values below
	// domain.DynamicRuleIDBase are raised to it.
	FirstID int
	// Budget caps the number of emitted rules. Zero, negative or larger
	// values use domain.DefaultRuleBudget.
	Budget int
	// Logger receives diagnostics. Nil discards them.
	Logger *slog.Logger
}

// DiagnosticKind names the provider attribute a dropped entry came from.
type DiagnosticKind string

// Diagnostic kinds.
const (
	KindException   DiagnosticKind = "exception"
	KindRedirection DiagnosticKind = "redirection"
	KindParameter   DiagnosticKind = "parameter"
	KindURLPattern  DiagnosticKind = "url_pattern"
)

// Reason reported for parameter entries that are regular expressions rather
// than literal names.
const ReasonNotLiteral = "not_literal"

// Diagnostic records one entry the compiler dropped or replaced.
type Diagnostic struct {
	Provider string
	Kind     DiagnosticKind
	Pattern  string
	Reason   string
}

// Result is the output of one compilation pass.
type Result struct {
	Rules []domain.Rule
	// NextID is the id the next emitted rule would have received.
	NextID int
	// Truncated is set when the budget cut off rules or providers.
	Truncated bool
	// SkippedProviders counts providers never visited because of the budget.
	SkippedProviders int
	Diagnostics      []Diagnostic
}

// Compile converts db into filter-engine rules.
func Compile(db *domain.ProviderDatabase, opts Options) Result {
	b := newBuilder(opts)

	providers := db.Providers()
	for i, p := range providers {
		if b.full() {
			b.result.Truncated = true
			b.result.SkippedProviders = len(providers) - i
			b.logger.Warn("Rule budget reached, skipping remaining providers",
				"budget", b.budget,
				"skipped_providers", len(providers)-i,
				"next_provider", p.Name)
			break
		}
		b.compileProvider(p)
	}

	b.result.NextID = b.nextID
	return b.result
}

type builder struct {
	nextID int
	budget int
	logger *slog.Logger
	result Result
}

func newBuilder(opts Options) *builder {
	firstID := max(opts.FirstID, domain.DynamicRuleIDBase)
	budget := opts.Budget
	if budget <= 0 || budget > domain.DefaultRuleBudget {
		budget = domain.DefaultRuleBudget
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &builder{
		nextID: firstID,
		budget: budget,
		logger: logger,
		result: Result{Rules: make([]domain.Rule, 0)},
	}
}

func (b *builder) full() bool {
	return len(b.result.Rules) >= b.budget
}

// emit appends a rule and advances the id counter.
func (b *builder) emit(priority domain.Priority, action domain.Action, cond domain.Condition) {
	b.result.Rules = append(b.result.Rules, domain.Rule{
		ID:        b.nextID,
		Priority:  priority,
		Action:    action,
		Condition: cond,
	})
	b.nextID++
}

func (b *builder) drop(provider string, kind DiagnosticKind, value, reason string) {
	b.result.Diagnostics = append(b.result.Diagnostics, Diagnostic{
		Provider: provider,
		Kind:     kind,
		Pattern:  value,
		Reason:   reason,
	})
	b.logger.Debug("Dropped provider entry",
		"provider", provider,
		"kind", string(kind),
		"pattern", value,
		"reason", reason)
}

func (b *builder) compileProvider(p domain.Provider) {
	b.compilePatterns(p.Name, KindException, p.Exceptions, func(expr string) {
		b.emit(domain.PriorityException, domain.AllowAction(), domain.Condition{
			RegexFilter:   expr,
			ResourceTypes: domain.AllowResourceTypes(),
		})
	})

	b.compilePatterns(p.Name, KindRedirection, p.Redirections, func(expr string) {
		b.emit(domain.PriorityRedirect, domain.RedirectToCaptureAction(), domain.Condition{
			RegexFilter:   expr,
			ResourceTypes: domain.RedirectResourceTypes(),
		})
	})

	b.compileParameters(p)
}

// compilePatterns emits one rule per safe pattern until the budget is spent.
func (b *builder) compilePatterns(provider string, kind DiagnosticKind, patterns []string, emit func(string)) {
	for _, expr := range patterns {
		if b.full() {
			b.result.Truncated = true
			return
		}
		if v := pattern.Check(expr); !v.Safe {
			b.drop(provider, kind, expr, string(v.Reason))
			continue
		}
		emit(expr)
	}
}

func (b *builder) compileParameters(p domain.Provider) {
	params := make([]string, 0, len(p.Rules))
	for _, entry := range p.Rules {
		name, ok := LiteralParam(entry)
		if !ok {
			b.drop(p.Name, KindParameter, entry, ReasonNotLiteral)
			continue
		}
		params = append(params, name)
	}
	if len(params) == 0 {
		return
	}
	if b.full() {
		b.result.Truncated = true
		return
	}

	cond := domain.Condition{ResourceTypes: domain.AllowResourceTypes()}
	if v := pattern.Check(p.URLPattern); v.Safe {
		cond.RegexFilter = p.URLPattern
	} else {
		// Fall back to every URL rather than losing the parameters.
		if p.URLPattern != "" {
			b.drop(p.Name, KindURLPattern, p.URLPattern, string(v.Reason))
		}
		cond.URLFilter = domain.MatchAllURLFilter
	}

	b.emit(domain.PriorityStrip, domain.StripParamsAction(params), cond)
}

// LiteralParam strips a leading ^ and a trailing $ from a parameter rule and
// reports whether what remains is a literal parameter name made of ASCII
// letters, digits, underscore or hyphen.
func LiteralParam(entry string) (string, bool) {
	name := entry
	if len(name) > 0 && name[0] == '^' {
		name = name[1:]
	}
	if len(name) > 0 && name[len(name)-1] == '$' {
		name = name[:len(name)-1]
	}
	if name == "" {
		return "", false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return "", false
		}
	}
	return name, true
}

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/polisai/clearurls-dnr/pkg/domain"
)

// Default limits, matching the browser engine's dynamic namespace.
const (
	DefaultMaxRules       = 30000
	DefaultMaxRegexRules  = 1000
	DefaultMaxProgramSize = 2048
)

// Options bounds what an engine accepts. A zero limit disables the check.
type Options struct {
	// MaxRules caps the dynamic namespace (ids >= 1000).
	MaxRules int
	// MaxRegexRules caps dynamic rules that carry a regexFilter.
	MaxRegexRules int
	// MaxProgramSize caps the compiled size of one regexFilter, in
	// instructions.
	MaxProgramSize int
	Logger         *slog.Logger
}

// DefaultOptions returns the limits of a stock browser engine.
func DefaultOptions() Options {
	return Options{
		MaxRules:       DefaultMaxRules,
		MaxRegexRules:  DefaultMaxRegexRules,
		MaxProgramSize: DefaultMaxProgramSize,
	}
}

// MemoryEngine is an in-process filter engine. Static and dynamic rules share
// one id namespace; every update is applied to the whole batch or not at all.
type MemoryEngine struct {
	mu         sync.RWMutex
	rules      map[int]installedRule
	generation int64
	closed     bool
	opts       Options
	logger     *slog.Logger
}

// NewMemoryEngine creates an empty engine.
func NewMemoryEngine(opts Options) *MemoryEngine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryEngine{
		rules:  make(map[int]installedRule),
		opts:   opts,
		logger: logger,
	}
}

// UpdateDynamicRules removes RemoveRuleIDs and adds AddRules atomically.
// Removing an id that is not installed is not an error.
func (m *MemoryEngine) UpdateDynamicRules(ctx context.Context, update domain.RuleUpdate) error {
	return m.apply(ctx, func(map[int]installedRule) domain.RuleUpdate { return update }, nil)
}

// DynamicRules returns every installed rule ordered by id.
func (m *MemoryEngine) DynamicRules(ctx context.Context) ([]domain.Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, domain.ErrEngineClosed
	}
	return sortedRules(m.rules), nil
}

// StaticRules returns the rules in the static band ordered by id.
func (m *MemoryEngine) StaticRules(ctx context.Context) ([]domain.Rule, error) {
	all, err := m.DynamicRules(ctx)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(r domain.Rule) bool { return !domain.IsStatic(r.ID) }), nil
}

// ReplaceStaticRules swaps the whole static band for rules. Every rule must
// carry an id in the static band.
func (m *MemoryEngine) ReplaceStaticRules(ctx context.Context, rules []domain.Rule) error {
	return m.replaceStatic(ctx, rules, nil)
}

func (m *MemoryEngine) replaceStatic(ctx context.Context, rules []domain.Rule, persist func([]domain.Rule) error) error {
	for _, r := range rules {
		if !domain.IsStatic(r.ID) {
			return fmt.Errorf("static rule %d: %w", r.ID, domain.ErrRuleIDOutOfBand)
		}
	}
	return m.apply(ctx, func(current map[int]installedRule) domain.RuleUpdate {
		var remove []int
		for id := range current {
			if domain.IsStatic(id) {
				remove = append(remove, id)
			}
		}
		return domain.RuleUpdate{RemoveRuleIDs: remove, AddRules: rules}
	}, persist)
}

// Generation counts successful updates.
func (m *MemoryEngine) Generation() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// Close rejects every later call.
func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// apply builds an update from the current namespace, validates it, hands the
// resulting rule set to persist and commits it only if persist succeeds.
func (m *MemoryEngine) apply(ctx context.Context, build func(map[int]installedRule) domain.RuleUpdate, persist func([]domain.Rule) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return domain.ErrEngineClosed
	}

	update := build(m.rules)
	next, err := m.plan(update)
	if err != nil {
		m.logger.Debug("rule update rejected",
			slog.Int("remove", len(update.RemoveRuleIDs)),
			slog.Int("add", len(update.AddRules)),
			slog.Any("error", err))
		return err
	}

	if persist != nil {
		if err := persist(sortedRules(next)); err != nil {
			return fmt.Errorf("persist rules: %w", err)
		}
	}

	m.rules = next
	m.generation++
	m.logger.Debug("rule update applied",
		slog.Int64("generation", m.generation),
		slog.Int("removed", len(update.RemoveRuleIDs)),
		slog.Int("added", len(update.AddRules)),
		slog.Int("installed", len(next)))
	return nil
}

// plan builds the namespace that would result from update without touching
// the installed one.
func (m *MemoryEngine) plan(update domain.RuleUpdate) (map[int]installedRule, error) {
	next := make(map[int]installedRule, len(m.rules)+len(update.AddRules))
	for id, r := range m.rules {
		next[id] = r
	}
	for _, id := range update.RemoveRuleIDs {
		delete(next, id)
	}

	for _, r := range update.AddRules {
		ir, err := validateRule(r, m.opts.MaxProgramSize)
		if err != nil {
			return nil, err
		}
		if _, dup := next[r.ID]; dup {
			return nil, &RuleError{RuleID: r.ID, Reason: "the rule does not have a unique id"}
		}
		next[r.ID] = ir
	}

	var dynamic, regex int
	for id, r := range next {
		if !domain.IsDynamic(id) {
			continue
		}
		dynamic++
		if r.expr != nil {
			regex++
		}
	}
	if m.opts.MaxRules > 0 && dynamic > m.opts.MaxRules {
		return nil, fmt.Errorf("%w (%d > %d)", ErrRuleCountExceeded, dynamic, m.opts.MaxRules)
	}
	if m.opts.MaxRegexRules > 0 && regex > m.opts.MaxRegexRules {
		return nil, fmt.Errorf("%w (%d > %d)", ErrRegexRuleCountExceeded, regex, m.opts.MaxRegexRules)
	}
	return next, nil
}

func sortedRules(rules map[int]installedRule) []domain.Rule {
	out := make([]domain.Rule, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.rule)
	}
	slices.SortFunc(out, func(a, b domain.Rule) int { return a.ID - b.ID })
	return out
}

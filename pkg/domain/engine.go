package domain

import "context"

// RuleUpdate is one atomic replace request against the dynamic namespace.
// The engine removes every id in RemoveRuleIDs and adds every rule in AddRules,
// or does neither.
type RuleUpdate struct {
	RemoveRuleIDs []int  `json:"removeRuleIds"`
	AddRules      []Rule `json:"addRules"`
}

// FilterEngine is the host-provided, priority-ordered request filter.
type FilterEngine interface {
	// UpdateDynamicRules applies the update atomically. A rejection may name a
	// single offending rule in its error text.
	UpdateDynamicRules(ctx context.Context, update RuleUpdate) error

	// DynamicRules returns the rules currently installed.
	DynamicRules(ctx context.Context) ([]Rule, error)
}

// StaticRuleLoader replaces the reserved static band wholesale.
type StaticRuleLoader interface {
	ReplaceStaticRules(ctx context.Context, rules []Rule) error
}

// Package compiler translates a provider database into an ordered, budgeted
// list of filter-engine rules.
//
// Each provider contributes, in order, allow rules for its exceptions,
// capture redirects for its redirections and at most one query parameter
// removal rule. Patterns the engine dialect cannot represent are dropped with
// a diagnostic; compilation itself never fails. Once the rule budget is spent
// the remaining providers are skipped and the rules built so far are returned.
//
// Compile is a pure function of its inputs: the rule id counter is passed in
// through Options.FirstID and handed back as Result.NextID.
package compiler

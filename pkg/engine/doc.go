// Package engine implements in-process declarative filter engines.
//
// Architecture:
//
// memory.go   - MemoryEngine: atomic batch replace over an id-keyed rule namespace
// validate.go - per-rule validation against the RE2 dialect and engine limits
// evaluate.go - request evaluation (highest priority match, redirect, query transform)
// file.go     - FileEngine: MemoryEngine persisted to a JSON state file
//
// Go's regexp package implements the RE2 syntax, so a pattern the engine
// accepts here is one a RE2-backed browser engine can compile. Rejections
// name one offending rule at a time, in the form
// "Rule with id <N> was skipped due to errors: <reason>".
package engine

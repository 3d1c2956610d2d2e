package installer

import (
	"errors"
	"fmt"
)

// Sentinel errors for installation sessions
var (
	// ErrAbandoned indicates the session ended without installing anything.
	ErrAbandoned = errors.New("installation abandoned")

	// ErrAttemptsExhausted indicates every allowed attempt was rejected.
	ErrAttemptsExhausted = errors.New("installation attempts exhausted")

	// ErrUnidentifiedRejection indicates the engine rejected the batch
	// without naming an offending rule.
	ErrUnidentifiedRejection = errors.New("engine rejected rules without naming one")

	// ErrRuleRejected indicates the engine rejected one specific rule.
	ErrRuleRejected = errors.New("engine rejected rule")
)

// RuleRejectedError carries the id of the rule the engine refused.
type RuleRejectedError struct {
	RuleID int
	Cause  error
}

func (e *RuleRejectedError) Error() string {
	return fmt.Sprintf("rule %d rejected: %v", e.RuleID, e.Cause)
}

func (e *RuleRejectedError) Unwrap() error {
	return e.Cause
}

func (e *RuleRejectedError) Is(target error) bool {
	return target == ErrRuleRejected
}

// IsAbandoned checks if the error reports an abandoned session
func IsAbandoned(err error) bool {
	return errors.Is(err, ErrAbandoned)
}

// ErrSuperseded indicates a newer installation replaced this one before it
// could finish.
var ErrSuperseded = errors.New("installation superseded")

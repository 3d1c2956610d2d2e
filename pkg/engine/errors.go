package engine

import (
	"errors"
	"fmt"
)

// Batch-level errors. They name no rule, so a caller cannot repair the batch
// by dropping one entry.
var (
	ErrRuleCountExceeded      = errors.New("dynamic rule count exceeds the rule count limit")
	ErrRegexRuleCountExceeded = errors.New("dynamic rule count for regex rules exceeds the regex rule count limit")
)

// RuleError reports the first invalid rule of a batch.
type RuleError struct {
	RuleID int
	Reason string
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("Rule with id %d was skipped due to errors: %s", e.RuleID, e.Reason)
}

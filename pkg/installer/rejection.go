package installer

import (
	"context"
	"errors"
	"regexp"
	"strconv"
)

// RejectionKind classifies an engine error.
type RejectionKind int

const (
	// Unidentifiable rejections give no way to shrink the batch.
	Unidentifiable RejectionKind = iota
	// SpecificRuleRejected names exactly one offending rule.
	SpecificRuleRejected
)

func (k RejectionKind) String() string {
	switch k {
	case SpecificRuleRejected:
		return "specific_rule"
	default:
		return "unidentifiable"
	}
}

// Rejection is the classified form of an engine error.
type Rejection struct {
	Kind   RejectionKind
	RuleID int
}

// The engine reports a bad rule as "Rule with id 1042 was skipped due to errors".
var ruleIDPattern = regexp.MustCompile(`(?i)\brule with id (\d+)`)

// ClassifyRejection maps an engine error onto a Rejection. It is the only
// place that inspects engine error text.
func ClassifyRejection(err error) Rejection {
	if err == nil {
		return Rejection{Kind: Unidentifiable}
	}
	var rre *RuleRejectedError
	if errors.As(err, &rre) {
		return Rejection{Kind: SpecificRuleRejected, RuleID: rre.RuleID}
	}
	// A cancelled or timed out call never identifies a rule, whatever its text.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Rejection{Kind: Unidentifiable}
	}

	m := ruleIDPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return Rejection{Kind: Unidentifiable}
	}
	id, convErr := strconv.Atoi(m[1])
	if convErr != nil {
		return Rejection{Kind: Unidentifiable}
	}
	return Rejection{Kind: SpecificRuleRejected, RuleID: id}
}

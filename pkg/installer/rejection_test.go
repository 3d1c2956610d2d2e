package installer

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyRejection(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Rejection
	}{
		{name: "nil", err: nil, want: Rejection{Kind: Unidentifiable}},
		{
			name: "skipped rule",
			err:  errors.New("Rule with id 1042 was skipped due to errors"),
			want: Rejection{Kind: SpecificRuleRejected, RuleID: 1042},
		},
		{
			name: "lowercase and wrapped",
			err:  fmt.Errorf("update dynamic rules: %w", errors.New("rule with id 7 does not have a unique ID")),
			want: Rejection{Kind: SpecificRuleRejected, RuleID: 7},
		},
		{
			name: "typed error",
			err:  fmt.Errorf("engine: %w", &RuleRejectedError{RuleID: 1200, Cause: errors.New("bad regex")}),
			want: Rejection{Kind: SpecificRuleRejected, RuleID: 1200},
		},
		{
			name: "no id",
			err:  errors.New("Dynamic rule count exceeds the rule count limit"),
			want: Rejection{Kind: Unidentifiable},
		},
		{
			name: "id not a number",
			err:  errors.New("Rule with id abc was skipped"),
			want: Rejection{Kind: Unidentifiable},
		},
		{
			name: "id overflow",
			err:  errors.New("Rule with id 99999999999999999999999 was skipped"),
			want: Rejection{Kind: Unidentifiable},
		},
		{
			name: "deadline",
			err:  fmt.Errorf("Rule with id 5: %w", context.DeadlineExceeded),
			want: Rejection{Kind: Unidentifiable},
		},
		{
			name: "substring of another word",
			err:  errors.New("Subrule with id 12 failed"),
			want: Rejection{Kind: Unidentifiable},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyRejection(tt.err))
		})
	}
}

func TestRejectionKindString(t *testing.T) {
	assert.Equal(t, "specific_rule", SpecificRuleRejected.String())
	assert.Equal(t, "unidentifiable", Unidentifiable.String())
}

package installer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"pgregory.net/rapid"

	"github.com/polisai/clearurls-dnr/pkg/domain"
)

var quietLogger = slog.New(slog.DiscardHandler)

func TestInstallSucceedsFirstAttempt(t *testing.T) {
	eng := &fakeEngine{installed: rulesWithIDs(5, 1000, 1001)}

	report := Install(context.Background(), rulesWithIDs(1000, 1001, 1002), []int{5, 1000, 1001}, eng, DefaultPolicy(), quietLogger)

	require.True(t, report.Succeeded())
	assert.NoError(t, report.Err)
	assert.Equal(t, 1, report.Attempts)
	assert.Equal(t, []int{1000, 1001}, report.RemovedIDs)
	assert.Equal(t, []int{1000, 1001, 1002}, domain.RuleIDs(report.Installed))
	assert.Equal(t, []int{1000, 1001}, eng.update(0).RemoveRuleIDs, "static ids are never removed")
}

func TestInstallRepairsSingleRejectedRule(t *testing.T) {
	eng := &fakeEngine{
		respond: func(_ context.Context, call int, _ domain.RuleUpdate) error {
			if call == 1 {
				return errors.New("Rule with id 1042 was skipped due to errors")
			}
			return nil
		},
	}
	candidate := rulesWithIDs(idRange(1000, 50)...)

	report := Install(context.Background(), candidate, []int{1000, 1001}, eng, DefaultPolicy(), quietLogger)

	require.True(t, report.Succeeded())
	assert.Equal(t, 2, report.Attempts)
	assert.Equal(t, []int{1042}, report.Excluded)
	assert.NotContains(t, domain.RuleIDs(report.Installed), 1042)
	assert.Len(t, report.Installed, 49)

	require.Equal(t, 2, eng.calls())
	assert.Equal(t, eng.update(0).RemoveRuleIDs, eng.update(1).RemoveRuleIDs, "removal set is resent unchanged")
	assert.Len(t, eng.update(0).AddRules, 50)
	assert.Len(t, eng.update(1).AddRules, 49)

	installed, err := eng.DynamicRules(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, domain.RuleIDs(installed), 1042)
}

func TestInstallAbandonsUnidentifiableRejection(t *testing.T) {
	eng := &fakeEngine{
		installed: rulesWithIDs(1000),
		respond: func(context.Context, int, domain.RuleUpdate) error {
			return errors.New("internal error")
		},
	}

	report := Install(context.Background(), rulesWithIDs(1000, 1001), []int{1000}, eng, DefaultPolicy(), quietLogger)

	assert.Equal(t, OutcomeAbandoned, report.Outcome)
	assert.Equal(t, 1, report.Attempts)
	assert.Equal(t, 1, eng.calls())
	assert.True(t, IsAbandoned(report.Err))
	assert.ErrorIs(t, report.Err, ErrUnidentifiedRejection)
	assert.Empty(t, report.Installed)

	installed, _ := eng.DynamicRules(context.Background())
	assert.Equal(t, []int{1000}, domain.RuleIDs(installed), "previous rules stay in place")
}

func TestInstallAbandonsAfterMaxAttempts(t *testing.T) {
	eng := &fakeEngine{
		respond: func(_ context.Context, call int, _ domain.RuleUpdate) error {
			return fmt.Errorf("Rule with id %d was skipped due to errors", 1000+call)
		},
	}

	report := Install(context.Background(), rulesWithIDs(idRange(1000, 10)...), nil, eng, DefaultPolicy(), quietLogger)

	assert.Equal(t, OutcomeAbandoned, report.Outcome)
	assert.Equal(t, DefaultMaxAttempts, report.Attempts)
	assert.Equal(t, DefaultMaxAttempts, eng.calls(), "engine must not be called a sixth time")
	assert.Equal(t, []int{1001, 1002, 1003, 1004, 1005}, report.Excluded)
	assert.ErrorIs(t, report.Err, ErrAttemptsExhausted)
	assert.ErrorIs(t, report.Err, ErrRuleRejected)
}

func TestInstallAbandonsWhenNamedRuleIsNotInBatch(t *testing.T) {
	eng := &fakeEngine{
		respond: func(context.Context, int, domain.RuleUpdate) error {
			return errors.New("Rule with id 7 does not have a unique ID")
		},
	}

	report := Install(context.Background(), rulesWithIDs(1000), nil, eng, DefaultPolicy(), quietLogger)

	assert.Equal(t, OutcomeAbandoned, report.Outcome)
	assert.Equal(t, 1, eng.calls())
	assert.ErrorIs(t, report.Err, ErrUnidentifiedRejection)
}

func TestInstallEmptyCandidateStillSucceeds(t *testing.T) {
	eng := &fakeEngine{installed: rulesWithIDs(1000, 1001)}

	report := Install(context.Background(), nil, []int{1000, 1001}, eng, DefaultPolicy(), quietLogger)

	require.True(t, report.Succeeded())
	assert.Equal(t, []int{1000, 1001}, eng.update(0).RemoveRuleIDs)
	assert.Empty(t, eng.update(0).AddRules)
	installed, _ := eng.DynamicRules(context.Background())
	assert.Empty(t, installed)
}

func TestInstallAttemptTimeoutAbandons(t *testing.T) {
	eng := &fakeEngine{
		respond: func(ctx context.Context, _ int, _ domain.RuleUpdate) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	policy := Policy{MaxAttempts: 5, AttemptTimeout: 20 * time.Millisecond}

	report := Install(context.Background(), rulesWithIDs(1000), nil, eng, policy, quietLogger)

	assert.Equal(t, OutcomeAbandoned, report.Outcome)
	assert.Equal(t, 1, eng.calls())
	assert.ErrorIs(t, report.Err, context.DeadlineExceeded)
}

func TestInstallCancelledBeforeFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	eng := &fakeEngine{}

	report := Install(ctx, rulesWithIDs(1000), nil, eng, DefaultPolicy(), quietLogger)

	assert.Equal(t, OutcomeAbandoned, report.Outcome)
	assert.Zero(t, eng.calls())
	assert.ErrorIs(t, report.Err, context.Canceled)
}

func TestSessionStateTransitions(t *testing.T) {
	eng := &fakeEngine{}
	s := NewSession(rulesWithIDs(1000), nil, eng, DefaultPolicy(), quietLogger)
	assert.Equal(t, StatePending, s.State())

	report := s.Run(context.Background())
	assert.Equal(t, StateSuccess, s.State())
	assert.True(t, report.Succeeded())

	again := s.Run(context.Background())
	assert.Equal(t, report.Outcome, again.Outcome)
	assert.Equal(t, 1, eng.calls(), "finished sessions do not contact the engine")
	assert.Equal(t, "abandoned", StateAbandoned.String())
}

func TestSessionDoesNotAliasCandidate(t *testing.T) {
	candidate := rulesWithIDs(1000, 1001)
	eng := &fakeEngine{
		respond: func(_ context.Context, call int, _ domain.RuleUpdate) error {
			if call == 1 {
				return errors.New("Rule with id 1000 was skipped due to errors")
			}
			return nil
		},
	}

	Install(context.Background(), candidate, nil, eng, DefaultPolicy(), quietLogger)

	assert.Equal(t, []int{1000, 1001}, domain.RuleIDs(candidate))
}

func TestRemovalSet(t *testing.T) {
	assert.Equal(t, []int{1000, 1003}, RemovalSet([]int{1003, 1, 999, 1000, 1003}))
	assert.Empty(t, RemovalSet(nil))
}

func TestInstallRecordsAttemptSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
	})

	eng := &fakeEngine{
		respond: func(_ context.Context, call int, _ domain.RuleUpdate) error {
			if call == 1 {
				return errors.New("Rule with id 1001 was skipped due to errors")
			}
			return nil
		},
	}
	Install(context.Background(), rulesWithIDs(1000, 1001), nil, eng, DefaultPolicy(), quietLogger)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "install.attempt", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, codes.Unset, spans[1].Status().Code)

	var rejection []string
	for _, ev := range spans[0].Events() {
		rejection = append(rejection, ev.Name)
	}
	assert.Contains(t, rejection, "engine.rejection")
}

// The engine rejects the first still-present bad rule on every attempt. A
// session converges when there are fewer bad rules than attempts and never
// calls the engine more than MaxAttempts times.
func TestInstallRepairConvergesProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 40).Draw(rt, "rules")
		ids := idRange(1000, n)
		var bad []int
		if n > 0 {
			bad = rapid.SliceOfNDistinct(rapid.SampledFrom(ids), 0, min(n, 8), rapid.ID[int]).Draw(rt, "bad")
		}
		badSet := make(map[int]bool, len(bad))
		for _, id := range bad {
			badSet[id] = true
		}

		eng := &fakeEngine{
			respond: func(_ context.Context, _ int, u domain.RuleUpdate) error {
				for _, r := range u.AddRules {
					if badSet[r.ID] {
						return fmt.Errorf("Rule with id %d was skipped due to errors", r.ID)
					}
				}
				return nil
			},
		}

		report := Install(context.Background(), rulesWithIDs(ids...), nil, eng, DefaultPolicy(), quietLogger)

		if eng.calls() > DefaultMaxAttempts {
			rt.Fatalf("engine called %d times", eng.calls())
		}
		if len(bad) < DefaultMaxAttempts {
			if !report.Succeeded() {
				rt.Fatalf("expected success with %d bad rules: %v", len(bad), report.Err)
			}
			if len(report.Installed) != n-len(bad) {
				rt.Fatalf("installed %d rules, want %d", len(report.Installed), n-len(bad))
			}
			for _, r := range report.Installed {
				if badSet[r.ID] {
					rt.Fatalf("bad rule %d installed", r.ID)
				}
			}
		} else if report.Succeeded() {
			rt.Fatalf("expected abandonment with %d bad rules", len(bad))
		}
	})
}

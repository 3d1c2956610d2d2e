package installer

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/clearurls-dnr/pkg/domain"
	"github.com/polisai/clearurls-dnr/pkg/telemetry"
)

const tracerName = "github.com/polisai/clearurls-dnr/pkg/installer"

// State is the position of a session in its state machine.
type State int

// Session states.
const (
	StatePending State = iota
	StateAttempting
	StateSuccess
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAttempting:
		return "attempting"
	case StateSuccess:
		return "success"
	case StateAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Outcome is the terminal result of a session.
type Outcome string

// Session outcomes.
const (
	OutcomeSuccess   Outcome = "success"
	OutcomeAbandoned Outcome = "abandoned"
)

// Report describes how a session ended.
type Report struct {
	Outcome Outcome
	// Attempts is the number of replace requests issued.
	Attempts int
	// Installed holds the accepted batch on success.
	Installed []domain.Rule
	// Excluded lists rule ids dropped after the engine rejected them.
	Excluded []int
	// RemovedIDs is the removal set sent with every attempt.
	RemovedIDs []int
	Duration   time.Duration
	// Err is set when the session was abandoned and wraps ErrAbandoned.
	Err error
}

// Succeeded reports whether the batch was installed.
func (r Report) Succeeded() bool {
	return r.Outcome == OutcomeSuccess
}

// Session is one installation attempt sequence. It is not safe for
// concurrent use; run sessions through a Coordinator to serialize them.
type Session struct {
	engine domain.FilterEngine
	policy Policy
	logger *slog.Logger
	tracer trace.Tracer

	candidate []domain.Rule
	removeIDs []int
	excluded  []int
	attempts  int
	state     State
	err       error
}

// NewSession prepares a session in the pending state. The removal set is
// every previously installed dynamic id; static ids are never touched.
func NewSession(candidate []domain.Rule, previousIDs []int, engine domain.FilterEngine, policy Policy, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		engine:    engine,
		policy:    policy.withDefaults(),
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
		candidate: slices.Clone(candidate),
		removeIDs: RemovalSet(previousIDs),
		state:     StatePending,
	}
}

// Install runs a fresh session to completion.
func Install(ctx context.Context, candidate []domain.Rule, previousIDs []int, engine domain.FilterEngine, policy Policy, logger *slog.Logger) Report {
	return NewSession(candidate, previousIDs, engine, policy, logger).Run(ctx)
}

// RemovalSet returns the sorted, deduplicated dynamic ids among ids.
func RemovalSet(ids []int) []int {
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if domain.IsDynamic(id) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// State returns the current state.
func (s *Session) State() State {
	return s.state
}

// Candidate returns the rules the next attempt would submit.
func (s *Session) Candidate() []domain.Rule {
	return slices.Clone(s.candidate)
}

// Run drives the session to a terminal state. Calling Run on a finished
// session returns its report again without contacting the engine.
func (s *Session) Run(ctx context.Context) Report {
	start := time.Now()
	if s.state == StateSuccess || s.state == StateAbandoned {
		return s.report(start)
	}
	s.state = StateAttempting

	for {
		if err := ctx.Err(); err != nil {
			return s.abandon(start, err)
		}

		s.attempts++
		err := s.attempt(ctx)
		if err == nil {
			s.state = StateSuccess
			s.logger.Info("Dynamic rules installed",
				"rules", len(s.candidate),
				"removed", len(s.removeIDs),
				"attempts", s.attempts,
				"excluded", len(s.excluded))
			return s.report(start)
		}

		rej := ClassifyRejection(err)
		if rej.Kind == Unidentifiable {
			return s.abandon(start, fmt.Errorf("%w: %w", ErrUnidentifiedRejection, err))
		}
		if !s.exclude(rej.RuleID) {
			// Naming a rule we never sent leaves nothing to remove.
			return s.abandon(start, fmt.Errorf("%w: rule %d not in batch: %w", ErrUnidentifiedRejection, rej.RuleID, err))
		}
		s.logger.Warn("Engine rejected rule, retrying without it",
			"rule_id", rej.RuleID,
			"attempt", s.attempts,
			"error", err)

		if s.attempts >= s.policy.MaxAttempts {
			return s.abandon(start, fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, s.attempts,
				&RuleRejectedError{RuleID: rej.RuleID, Cause: err}))
		}
	}
}

// attempt issues one replace request bounded by the attempt timeout.
func (s *Session) attempt(ctx context.Context) error {
	attemptCtx, cancel := s.policy.attemptContext(ctx)
	defer cancel()

	attemptCtx, span := s.tracer.Start(attemptCtx, "install.attempt",
		trace.WithAttributes(
			attribute.Int("install.attempt", s.attempts),
			attribute.Int("install.add_rules", len(s.candidate)),
			attribute.Int("install.remove_rules", len(s.removeIDs)),
		))
	defer span.End()

	err := s.engine.UpdateDynamicRules(attemptCtx, domain.RuleUpdate{
		RemoveRuleIDs: slices.Clone(s.removeIDs),
		AddRules:      slices.Clone(s.candidate),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		rej := ClassifyRejection(err)
		telemetry.RecordRejectionEvent(span, rej.RuleID, rej.Kind == SpecificRuleRejected)
		return err
	}
	return nil
}

// exclude drops id from the candidate list and reports whether it was present.
func (s *Session) exclude(id int) bool {
	i := slices.IndexFunc(s.candidate, func(r domain.Rule) bool { return r.ID == id })
	if i < 0 {
		return false
	}
	s.candidate = slices.Delete(s.candidate, i, i+1)
	s.excluded = append(s.excluded, id)
	return true
}

func (s *Session) abandon(start time.Time, cause error) Report {
	s.state = StateAbandoned
	s.err = fmt.Errorf("%w: %w", ErrAbandoned, cause)
	s.logger.Error("Dynamic rule installation abandoned",
		"attempts", s.attempts,
		"excluded", s.excluded,
		"error", cause)
	return s.report(start)
}

func (s *Session) report(start time.Time) Report {
	r := Report{
		Attempts:   s.attempts,
		Excluded:   slices.Clone(s.excluded),
		RemovedIDs: slices.Clone(s.removeIDs),
		Duration:   time.Since(start),
		Err:        s.err,
	}
	if s.state == StateSuccess {
		r.Outcome = OutcomeSuccess
		r.Installed = slices.Clone(s.candidate)
	} else {
		r.Outcome = OutcomeAbandoned
	}
	return r
}

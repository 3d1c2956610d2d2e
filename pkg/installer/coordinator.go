package installer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/polisai/clearurls-dnr/pkg/domain"
)

// Mode decides what a new installation does while another is in flight.
type Mode string

// Coordinator modes.
const (
	// ModeSupersede cancels the in-flight session and any queued ones; the
	// newest request wins.
	ModeSupersede Mode = "supersede"
	// ModeWait queues behind the in-flight session.
	ModeWait Mode = "wait"
)

// ParseMode validates a mode string. Empty selects ModeSupersede.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeSupersede:
		return ModeSupersede, nil
	case ModeWait:
		return ModeWait, nil
	default:
		return "", fmt.Errorf("invalid installer mode %q, supported modes: supersede, wait", s)
	}
}

// Coordinator serializes installation sessions against one engine so that
// two sessions never interleave removals and additions in the dynamic
// namespace.
type Coordinator struct {
	engine domain.FilterEngine
	policy Policy
	mode   Mode
	logger *slog.Logger

	// running is held for the whole lifetime of a session.
	running sync.Mutex

	mu     sync.Mutex
	latest uint64
	cancel context.CancelFunc
}

// NewCoordinator creates a coordinator for engine.
func NewCoordinator(engine domain.FilterEngine, policy Policy, mode Mode, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if mode == "" {
		mode = ModeSupersede
	}
	return &Coordinator{
		engine: engine,
		policy: policy.withDefaults(),
		mode:   mode,
		logger: logger,
	}
}

// Install replaces the engine's dynamic rules with candidate. The removal set
// is read from the engine once the session holds the namespace, so it always
// reflects what the previous session left behind.
func (c *Coordinator) Install(ctx context.Context, candidate []domain.Rule) Report {
	c.mu.Lock()
	c.latest++
	ticket := c.latest
	if c.mode == ModeSupersede && c.cancel != nil {
		c.logger.Info("Superseding in-flight rule installation")
		c.cancel()
	}
	c.mu.Unlock()

	c.running.Lock()
	defer c.running.Unlock()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.mode == ModeSupersede && ticket != c.latest {
		c.mu.Unlock()
		return abandonedReport(fmt.Errorf("%w: %w", ErrAbandoned, ErrSuperseded))
	}
	c.cancel = cancel
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.latest == ticket {
			c.cancel = nil
		}
		c.mu.Unlock()
	}()

	installed, err := c.engine.DynamicRules(sessionCtx)
	if err != nil {
		return abandonedReport(fmt.Errorf("%w: read installed rules: %w", ErrAbandoned, err))
	}

	report := NewSession(candidate, domain.RuleIDs(installed), c.engine, c.policy, c.logger).Run(sessionCtx)
	if !report.Succeeded() && sessionCtx.Err() != nil && ctx.Err() == nil {
		report.Err = fmt.Errorf("%w: %w", ErrAbandoned, ErrSuperseded)
	}
	return report
}

func abandonedReport(err error) Report {
	return Report{Outcome: OutcomeAbandoned, Err: err}
}

package installer

import (
	"context"
	"fmt"
	"time"
)

// Installation defaults.
const (
	DefaultMaxAttempts    = 5
	DefaultAttemptTimeout = 10 * time.Second
)

// Policy bounds one installation session.
type Policy struct {
	// MaxAttempts is the number of replace requests a session may issue.
	MaxAttempts int
	// AttemptTimeout bounds each replace request. A timeout abandons the
	// session.
	AttemptTimeout time.Duration
}

// DefaultPolicy returns the installation defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    DefaultMaxAttempts,
		AttemptTimeout: DefaultAttemptTimeout,
	}
}

// Validate reports configuration errors.
func (p Policy) Validate() error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive")
	}
	if p.AttemptTimeout <= 0 {
		return fmt.Errorf("attempt timeout must be positive")
	}
	return nil
}

// withDefaults fills zero fields from DefaultPolicy.
func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = DefaultAttemptTimeout
	}
	return p
}

// attemptContext creates a context bounded by the attempt timeout.
func (p Policy) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.AttemptTimeout)
}

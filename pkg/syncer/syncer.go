package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/polisai/clearurls-dnr/pkg/compiler"
	"github.com/polisai/clearurls-dnr/pkg/domain"
	"github.com/polisai/clearurls-dnr/pkg/installer"
	"github.com/polisai/clearurls-dnr/pkg/storage"
	"github.com/polisai/clearurls-dnr/pkg/telemetry"
)

const tracerName = "github.com/polisai/clearurls-dnr/pkg/syncer"

// Trigger names the event that started a pass.
type Trigger string

// Pass triggers.
const (
	TriggerStartup         Trigger = "startup"
	TriggerDatabaseChanged Trigger = "database_changed"
	// TriggerInstalled also reloads the static rule band.
	TriggerInstalled Trigger = "installed"
)

// ParseTrigger validates a trigger name. Empty selects TriggerStartup.
func ParseTrigger(s string) (Trigger, error) {
	switch Trigger(s) {
	case "", TriggerStartup:
		return TriggerStartup, nil
	case TriggerDatabaseChanged, TriggerInstalled:
		return Trigger(s), nil
	default:
		return "", fmt.Errorf("invalid trigger %q, supported triggers: startup, database_changed, installed", s)
	}
}

// Outcome is how a pass ended.
type Outcome string

// Pass outcomes.
const (
	OutcomeSuccess         Outcome = "success"
	OutcomeAbandoned       Outcome = "abandoned"
	OutcomeInvalidDatabase Outcome = "invalid_database"
	OutcomeNoDatabase      Outcome = "no_database"
	OutcomeLoadFailed      Outcome = "load_failed"
)

// Installer installs a compiled batch. *installer.Coordinator satisfies it.
type Installer interface {
	Install(ctx context.Context, candidate []domain.Rule) installer.Report
}

// PassResult describes one pass.
type PassResult struct {
	PassID  string
	Trigger Trigger
	Outcome Outcome
	// Compiled is nil when the pass stopped before compiling.
	Compiled *compiler.Result
	// Install is nil when the pass stopped before installing.
	Install *installer.Report
	// StaticRules is the size of the static band after a TriggerInstalled
	// pass, or -1 when the band was not touched.
	StaticRules int
	Duration    time.Duration
}

// Options configures a Syncer.
type Options struct {
	Store     storage.DatabaseStore
	Installer Installer
	// StaticLoader and StaticRulesPath are used by TriggerInstalled passes.
	// Either may be empty, in which case the static band is left alone.
	StaticLoader    domain.StaticRuleLoader
	StaticRulesPath string
	Compiler        compiler.Options
	Metrics         *Metrics
	// Limiter throttles TriggerDatabaseChanged passes. Nil disables it.
	Limiter *rate.Limiter
	Logger  *slog.Logger
}

// Syncer runs sync passes.
type Syncer struct {
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates a Syncer.
func New(opts Options) (*Syncer, error) {
	if opts.Store == nil {
		return nil, errors.New("syncer: database store is required")
	}
	if opts.Installer == nil {
		return nil, errors.New("syncer: installer is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		opts:   opts,
		logger: logger,
		tracer: otel.Tracer(tracerName),
	}, nil
}

// Run executes one pass. A database that cannot be loaded or parsed ends
// the pass before the engine is touched. The returned error is nil only for
// OutcomeSuccess.
func (s *Syncer) Run(ctx context.Context, trigger Trigger) (PassResult, error) {
	start := time.Now()
	res := PassResult{
		PassID:      uuid.NewString(),
		Trigger:     trigger,
		StaticRules: -1,
	}
	logger := s.logger.With(
		slog.String("pass_id", res.PassID),
		slog.String("trigger", string(trigger)))

	ctx, span := s.tracer.Start(ctx, "sync.pass",
		trace.WithAttributes(
			attribute.String("sync.pass_id", res.PassID),
			attribute.String("sync.trigger", string(trigger))))
	defer span.End()

	err := s.run(ctx, logger, &res)
	res.Duration = time.Since(start)

	span.SetAttributes(attribute.String("sync.outcome", string(res.Outcome)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	s.record(ctx, res)

	if err != nil {
		logger.Warn("Sync pass failed",
			slog.String("outcome", string(res.Outcome)),
			slog.Duration("duration", res.Duration),
			slog.Any("error", err))
		return res, err
	}
	logger.Info("Sync pass completed",
		slog.Int("compiled", len(res.Compiled.Rules)),
		slog.Int("installed", len(res.Install.Installed)),
		slog.Int("excluded", len(res.Install.Excluded)),
		slog.Int("attempts", res.Install.Attempts),
		slog.Duration("duration", res.Duration))
	return res, nil
}

func (s *Syncer) run(ctx context.Context, logger *slog.Logger, res *PassResult) error {
	if res.Trigger == TriggerDatabaseChanged && s.opts.Limiter != nil {
		if err := s.opts.Limiter.Wait(ctx); err != nil {
			res.Outcome = OutcomeAbandoned
			return fmt.Errorf("wait for sync slot: %w", err)
		}
	}

	if res.Trigger == TriggerInstalled {
		// The dynamic pass runs whatever happens to the static band.
		if n, err := s.reloadStatic(ctx); err != nil {
			logger.Error("Failed to load static rules", slog.Any("error", err))
		} else if n >= 0 {
			res.StaticRules = n
			logger.Info("Static rules replaced", slog.Int("count", n))
		}
	}

	raw, err := s.opts.Store.Load(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		res.Outcome = OutcomeNoDatabase
		return err
	case err != nil:
		res.Outcome = OutcomeLoadFailed
		return fmt.Errorf("load provider database: %w", err)
	}

	db, err := storage.ParseDatabase(raw)
	if err != nil {
		res.Outcome = OutcomeInvalidDatabase
		return err
	}

	copts := s.opts.Compiler
	copts.Logger = logger
	compiled := compiler.Compile(db, copts)
	res.Compiled = &compiled

	report := s.opts.Installer.Install(ctx, compiled.Rules)
	res.Install = &report
	if !report.Succeeded() {
		res.Outcome = OutcomeAbandoned
		return report.Err
	}
	res.Outcome = OutcomeSuccess
	return nil
}

// reloadStatic returns -1 when no static source is configured.
func (s *Syncer) reloadStatic(ctx context.Context) (int, error) {
	if s.opts.StaticLoader == nil || s.opts.StaticRulesPath == "" {
		return -1, nil
	}
	rules, err := storage.LoadStaticRules(s.opts.StaticRulesPath)
	if err != nil {
		return 0, err
	}
	if err := s.opts.StaticLoader.ReplaceStaticRules(ctx, rules); err != nil {
		return 0, fmt.Errorf("replace static rules: %w", err)
	}
	return len(rules), nil
}

func (s *Syncer) record(ctx context.Context, res PassResult) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordPass(res)
	}

	pm := telemetry.PassMetrics{
		Trigger:  string(res.Trigger),
		Outcome:  string(res.Outcome),
		Duration: res.Duration,
	}
	if res.Compiled != nil {
		pm.CompiledRules = len(res.Compiled.Rules)
		pm.DroppedPatterns = len(res.Compiled.Diagnostics)
		pm.Truncated = res.Compiled.Truncated
	}
	if res.Install != nil {
		pm.Attempts = res.Install.Attempts
		pm.ExcludedRules = len(res.Install.Excluded)
		pm.InstalledRules = len(res.Install.Installed)
	}
	telemetry.RecordPassMetrics(ctx, pm)
}

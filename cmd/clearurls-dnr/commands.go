package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/aymanbagabas/go-udiff"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/polisai/clearurls-dnr/pkg/compiler"
	"github.com/polisai/clearurls-dnr/pkg/domain"
	"github.com/polisai/clearurls-dnr/pkg/installer"
	"github.com/polisai/clearurls-dnr/pkg/pattern"
	"github.com/polisai/clearurls-dnr/pkg/storage"
	"github.com/polisai/clearurls-dnr/pkg/syncer"
)

var (
	verdictSafe   = color.New(color.FgGreen)
	verdictUnsafe = color.New(color.FgRed)
	diffAdded     = color.New(color.FgGreen)
	diffRemoved   = color.New(color.FgRed)
	diffHunk      = color.New(color.FgCyan)
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check [pattern...]",
		Short: "Classify regular expressions as safe or unsafe for the rule engine",
		Long: `Classify patterns given as arguments. Without arguments every exception,
redirection and URL pattern of the provider database is classified.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				unsafe := printVerdicts(cmd.OutOrStdout(), "", args)
				if unsafe > 0 {
					return fmt.Errorf("%d unsafe pattern(s)", unsafe)
				}
				return nil
			}

			a, err := setup(cmd)
			if err != nil {
				return err
			}
			db, err := a.loadDatabase(cmd.Context())
			if err != nil {
				return err
			}
			unsafe := 0
			for _, p := range db.Providers() {
				patterns := append(append([]string{}, p.Exceptions...), p.Redirections...)
				if p.URLPattern != "" {
					patterns = append(patterns, p.URLPattern)
				}
				unsafe += printVerdicts(cmd.OutOrStdout(), p.Name, patterns)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d unsafe pattern(s)\n", unsafe)
			return nil
		},
	}
}

func printVerdicts(out io.Writer, provider string, patterns []string) int {
	prefix := ""
	if provider != "" {
		prefix = provider + ": "
	}
	unsafe := 0
	for _, expr := range patterns {
		v := pattern.Check(expr)
		if v.Safe {
			_, _ = verdictSafe.Fprintf(out, "safe    %s%s\n", prefix, expr)
			continue
		}
		unsafe++
		_, _ = verdictUnsafe.Fprintf(out, "unsafe  %s%s (%s)\n", prefix, expr, v.Reason)
	}
	return unsafe
}

func newCompileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Compile the provider database and print the rules as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			db, err := a.loadDatabase(ctx)
			if err != nil {
				return err
			}
			res := compiler.Compile(db, a.compilerOptions())
			a.logger.Info("Compiled provider database",
				"providers", db.Len(),
				"rules", len(res.Rules),
				"dropped", len(res.Diagnostics),
				"truncated", res.Truncated)

			out, err := json.MarshalIndent(res.Rules, "", "  ")
			if err != nil {
				return err
			}

			if showDiff, _ := cmd.Flags().GetBool("diff"); showDiff {
				return a.printDiff(ctx, cmd.OutOrStdout(), string(out)+"\n")
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}
	cmd.Flags().Bool("diff", false, "Show a unified diff against the rules installed in the engine state")
	return cmd
}

func (a *app) compilerOptions() compiler.Options {
	return compiler.Options{
		FirstID: a.cfg.Compiler.FirstID,
		Budget:  a.cfg.Compiler.Budget,
		Logger:  a.logger,
	}
}

// printDiff compares the dynamic rules held in the engine state with compiled.
func (a *app) printDiff(ctx context.Context, out io.Writer, compiled string) error {
	eng, err := a.openEngine(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	all, err := eng.DynamicRules(ctx)
	if err != nil {
		return err
	}
	installed := make([]domain.Rule, 0, len(all))
	for _, r := range all {
		if domain.IsDynamic(r.ID) {
			installed = append(installed, r)
		}
	}
	current, err := json.MarshalIndent(installed, "", "  ")
	if err != nil {
		return err
	}

	diff := udiff.Unified("installed", "compiled", string(current)+"\n", compiled)
	if diff == "" {
		_, err := fmt.Fprintln(out, "no changes")
		return err
	}
	for _, line := range strings.SplitAfter(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			_, _ = fmt.Fprint(out, line)
		case strings.HasPrefix(line, "+"):
			_, _ = diffAdded.Fprint(out, line)
		case strings.HasPrefix(line, "-"):
			_, _ = diffRemoved.Fprint(out, line)
		case strings.HasPrefix(line, "@@"):
			_, _ = diffHunk.Fprint(out, line)
		default:
			_, _ = fmt.Fprint(out, line)
		}
	}
	return nil
}

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass against the configured engine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			name, _ := cmd.Flags().GetString("trigger")
			trigger, err := syncer.ParseTrigger(name)
			if err != nil {
				return err
			}
			if first, _ := cmd.Flags().GetBool("first-install"); first {
				trigger = syncer.TriggerInstalled
			}

			ctx := cmd.Context()
			eng, err := a.openEngine(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = eng.Close() }()

			s, err := a.newSyncer(eng, nil)
			if err != nil {
				return err
			}
			res, runErr := s.Run(ctx, trigger)
			if err := writeJSON(cmd.OutOrStdout(), passSummary(res)); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().String("trigger", "startup", "Pass trigger (startup, database_changed, installed)")
	cmd.Flags().Bool("first-install", false, "Reload the static rule band before the pass")
	return cmd
}

func newCleanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clean <url>",
		Short: "Show what the compiled rules do to a URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			typ, _ := cmd.Flags().GetString("type")

			ctx := cmd.Context()
			db, err := a.loadDatabase(ctx)
			if err != nil {
				return err
			}
			eng := a.scratchEngine()
			defer func() { _ = eng.Close() }()

			res := compiler.Compile(db, a.compilerOptions())
			report := installer.Install(ctx, res.Rules, nil, eng, a.installerPolicy(), a.logger)
			if !report.Succeeded() {
				return report.Err
			}
			return writeJSON(cmd.OutOrStdout(), eng.Evaluate(args[0], domain.ResourceType(typ)))
		},
	}
	cmd.Flags().String("type", string(domain.ResourceMainFrame), "Resource type of the request")
	return cmd
}

func (a *app) installerPolicy() installer.Policy {
	return installer.Policy{
		MaxAttempts:    a.cfg.Installer.MaxAttempts,
		AttemptTimeout: a.cfg.Installer.AttemptTimeout.Std(),
	}
}

// passView is the JSON summary of a pass printed by sync and POST /sync.
type passView struct {
	PassID      string `json:"pass_id"`
	Trigger     string `json:"trigger"`
	Outcome     string `json:"outcome"`
	Compiled    int    `json:"compiled"`
	Dropped     int    `json:"dropped"`
	Truncated   bool   `json:"truncated"`
	Installed   int    `json:"installed"`
	Excluded    []int  `json:"excluded,omitempty"`
	Attempts    int    `json:"attempts"`
	StaticRules int    `json:"static_rules,omitempty"`
	Error       string `json:"error,omitempty"`
	DurationMS  int64  `json:"duration_ms"`
}

func passSummary(res syncer.PassResult) passView {
	v := passView{
		PassID:     res.PassID,
		Trigger:    string(res.Trigger),
		Outcome:    string(res.Outcome),
		DurationMS: res.Duration.Milliseconds(),
	}
	if res.StaticRules > 0 {
		v.StaticRules = res.StaticRules
	}
	if res.Compiled != nil {
		v.Compiled = len(res.Compiled.Rules)
		v.Dropped = len(res.Compiled.Diagnostics)
		v.Truncated = res.Compiled.Truncated
	}
	if res.Install != nil {
		v.Installed = len(res.Install.Installed)
		v.Excluded = res.Install.Excluded
		v.Attempts = res.Install.Attempts
		if res.Install.Err != nil {
			v.Error = res.Install.Err.Error()
		}
	}
	return v
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newSyncer wires a syncer to eng.
func (a *app) newSyncer(eng ruleEngine, metrics *syncer.Metrics) (*syncer.Syncer, error) {
	store, err := storage.NewFileStore(a.cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	mode, err := installer.ParseMode(a.cfg.Installer.Mode)
	if err != nil {
		return nil, err
	}
	return syncer.New(syncer.Options{
		Store:           store,
		Installer:       installer.NewCoordinator(eng, a.installerPolicy(), mode, a.logger),
		StaticLoader:    eng,
		StaticRulesPath: a.cfg.Engine.StaticRulesFile,
		Compiler:        a.compilerOptions(),
		Metrics:         metrics,
		Limiter:         a.limiter(),
		Logger:          a.logger,
	})
}

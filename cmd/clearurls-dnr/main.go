// Package main is the entry point for the clearurls-dnr binary.
// It compiles a ClearURLs provider database into filter-engine rules and
// keeps an engine in sync with the database.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/polisai/clearurls-dnr/pkg/config"
	"github.com/polisai/clearurls-dnr/pkg/domain"
	"github.com/polisai/clearurls-dnr/pkg/engine"
	"github.com/polisai/clearurls-dnr/pkg/logging"
	"github.com/polisai/clearurls-dnr/pkg/storage"
)

func main() {
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "clearurls-dnr",
		Short: "Compile ClearURLs provider rules into declarative filter rules",
		Long: `clearurls-dnr turns a ClearURLs provider database into declarative
request-filter rules and installs them into a rule engine, repairing the
batch when the engine rejects individual rules.

Example:
  clearurls-dnr compile --database data.json
  clearurls-dnr serve --config clearurls.yaml`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML or TOML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("pretty", false, "Enable pretty console logging")
	rootCmd.PersistentFlags().StringP("database", "d", "", "Path to the provider database (overrides config)")

	rootCmd.AddCommand(
		newCheckCmd(),
		newCompileCmd(),
		newSyncCmd(),
		newCleanCmd(),
		newServeCmd(),
	)
	return rootCmd
}

// app holds what every subcommand needs.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
}

// setup loads configuration and applies the persistent flags on top of it.
func setup(cmd *cobra.Command) (*app, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if pretty, _ := cmd.Flags().GetBool("pretty"); pretty {
		cfg.Logging.Pretty = true
	}
	if db, _ := cmd.Flags().GetString("database"); db != "" {
		cfg.Database.Path = db
	}

	logger := logging.NewLoggerTo(cmd.ErrOrStderr(), logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
	})
	slog.SetDefault(logger)

	return &app{cfg: cfg, logger: logger}, nil
}

// ruleEngine is what the commands need from an engine implementation.
type ruleEngine interface {
	domain.FilterEngine
	domain.StaticRuleLoader
	Evaluate(rawURL string, resourceType domain.ResourceType) engine.Decision
	Close() error
}

func (a *app) engineOptions() engine.Options {
	return engine.Options{
		MaxRules:       a.cfg.Engine.MaxRules,
		MaxRegexRules:  a.cfg.Engine.MaxRegexRules,
		MaxProgramSize: a.cfg.Engine.MaxProgramSize,
		Logger:         a.logger,
	}
}

// openEngine opens the persistent engine when a state file is configured and
// an in-memory one otherwise.
func (a *app) openEngine(ctx context.Context) (ruleEngine, error) {
	if a.cfg.Engine.StateFile == "" {
		return engine.NewMemoryEngine(a.engineOptions()), nil
	}
	fe, err := engine.OpenFileEngine(ctx, a.cfg.Engine.StateFile, a.engineOptions())
	if err != nil {
		return nil, err
	}
	a.logger.Info("Engine state opened", "path", fe.Path())
	return fe, nil
}

func (a *app) loadDatabase(ctx context.Context) (*domain.ProviderDatabase, error) {
	store, err := storage.NewFileStore(a.cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	raw, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return storage.ParseDatabase(raw)
}

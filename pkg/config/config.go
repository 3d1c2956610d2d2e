// Package config provides configuration structures and loading logic for the
// rule compiler daemon and CLI.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CLEARURLS_"

// Config holds the global configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Engine    EngineConfig    `yaml:"engine" toml:"engine"`
	Compiler  CompilerConfig  `yaml:"compiler" toml:"compiler"`
	Installer InstallerConfig `yaml:"installer" toml:"installer"`
	Sync      SyncConfig      `yaml:"sync" toml:"sync"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	Server    ServerConfig    `yaml:"server" toml:"server"`
}

// DatabaseConfig locates the provider database.
type DatabaseConfig struct {
	Path     string   `yaml:"path" toml:"path"`
	Watch    bool     `yaml:"watch" toml:"watch"`
	Debounce Duration `yaml:"debounce" toml:"debounce"`
}

// EngineConfig configures the filter engine the daemon installs into.
type EngineConfig struct {
	// StateFile persists installed rules. Empty keeps them in memory.
	StateFile       string `yaml:"state_file" toml:"state_file"`
	StaticRulesFile string `yaml:"static_rules_file" toml:"static_rules_file"`
	MaxRules        int    `yaml:"max_rules" toml:"max_rules"`
	MaxRegexRules   int    `yaml:"max_regex_rules" toml:"max_regex_rules"`
	MaxProgramSize  int    `yaml:"max_program_size" toml:"max_program_size"`
}

// CompilerConfig bounds compilation.
type CompilerConfig struct {
	Budget  int `yaml:"budget" toml:"budget"`
	FirstID int `yaml:"first_id" toml:"first_id"`
}

// InstallerConfig controls installation sessions.
type InstallerConfig struct {
	MaxAttempts    int      `yaml:"max_attempts" toml:"max_attempts"`
	AttemptTimeout Duration `yaml:"attempt_timeout" toml:"attempt_timeout"`
	// Mode is "supersede" or "wait".
	Mode string `yaml:"mode" toml:"mode"`
}

// SyncConfig throttles sync passes.
type SyncConfig struct {
	// PassesPerMinute limits how often change events start a pass. Zero
	// disables the limit.
	PassesPerMinute float64 `yaml:"passes_per_minute" toml:"passes_per_minute"`
	Burst           int     `yaml:"burst" toml:"burst"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Pretty bool   `yaml:"pretty" toml:"pretty"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure" toml:"insecure"`
	ServiceName  string `yaml:"service_name" toml:"service_name"`
	// SampleRatio is the fraction of sync passes traced; 0 traces all.
	SampleRatio float64           `yaml:"sample_ratio" toml:"sample_ratio"`
	Headers     map[string]string `yaml:"headers,omitempty" toml:"headers,omitempty"`
}

// ServerConfig holds configuration for the metrics server.
type ServerConfig struct {
	MetricsAddress string     `yaml:"metrics_address" toml:"metrics_address"`
	TLS            *TLSConfig `yaml:"tls,omitempty" toml:"tls,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:     "data.json",
			Debounce: Duration(500 * time.Millisecond),
		},
		Engine: EngineConfig{
			MaxRules:       30000,
			MaxProgramSize: 2048,
		},
		Compiler: CompilerConfig{
			Budget:  5000,
			FirstID: 1000,
		},
		Installer: InstallerConfig{
			MaxAttempts:    5,
			AttemptTimeout: Duration(10 * time.Second),
			Mode:           "supersede",
		},
		Sync: SyncConfig{
			PassesPerMinute: 30,
			Burst:           3,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "clearurls-dnr",
		},
		Server: ServerConfig{
			MetricsAddress: ":9464",
		},
	}
}

// Load reads configuration from a YAML or TOML file and applies environment
// variable overrides. An empty path uses the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return toml.Unmarshal(data, cfg)
	default:
		return yaml.Unmarshal(data, cfg)
	}
}

func applyEnvOverrides(cfg *Config) error {
	str := func(name string, dst *string) {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			*dst = val
		}
	}
	flag := func(name string, dst *bool) {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			*dst = val == "true" || val == "1"
		}
	}
	var errs []error
	num := func(name string, dst *int) {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				errs = append(errs, NewConfigValidationError(EnvPrefix+name, val, "not an integer"))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *Duration) {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			if err := dst.UnmarshalText([]byte(val)); err != nil {
				errs = append(errs, NewConfigValidationError(EnvPrefix+name, val, err.Error()))
			}
		}
	}

	str("DATABASE_PATH", &cfg.Database.Path)
	flag("DATABASE_WATCH", &cfg.Database.Watch)
	dur("DATABASE_DEBOUNCE", &cfg.Database.Debounce)

	str("ENGINE_STATE_FILE", &cfg.Engine.StateFile)
	str("ENGINE_STATIC_RULES_FILE", &cfg.Engine.StaticRulesFile)
	num("ENGINE_MAX_RULES", &cfg.Engine.MaxRules)
	num("ENGINE_MAX_REGEX_RULES", &cfg.Engine.MaxRegexRules)

	num("COMPILER_BUDGET", &cfg.Compiler.Budget)

	num("INSTALLER_MAX_ATTEMPTS", &cfg.Installer.MaxAttempts)
	dur("INSTALLER_ATTEMPT_TIMEOUT", &cfg.Installer.AttemptTimeout)
	str("INSTALLER_MODE", &cfg.Installer.Mode)

	str("LOG_LEVEL", &cfg.Logging.Level)
	flag("LOG_PRETTY", &cfg.Logging.Pretty)

	str("OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	flag("OTLP_INSECURE", &cfg.Telemetry.Insecure)

	str("METRICS_ADDR", &cfg.Server.MetricsAddress)
	if val := os.Getenv(EnvPrefix + "TLS_CERT_FILE"); val != "" {
		if cfg.Server.TLS == nil {
			cfg.Server.TLS = &TLSConfig{}
		}
		cfg.Server.TLS.Enabled = true
		cfg.Server.TLS.CertFile = val
	}
	if val := os.Getenv(EnvPrefix + "TLS_KEY_FILE"); val != "" {
		if cfg.Server.TLS == nil {
			cfg.Server.TLS = &TLSConfig{}
		}
		cfg.Server.TLS.KeyFile = val
	}

	if len(errs) > 0 {
		return fmt.Errorf("environment overrides: %w", errs[0])
	}
	return nil
}

// Validate performs validation of the entire configuration, filling in
// defaults for blank fields.
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database configuration: %w", err)
	}
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine configuration: %w", err)
	}
	if err := c.Compiler.Validate(); err != nil {
		return fmt.Errorf("compiler configuration: %w", err)
	}
	if err := c.Installer.Validate(); err != nil {
		return fmt.Errorf("installer configuration: %w", err)
	}
	if err := c.Sync.Validate(); err != nil {
		return fmt.Errorf("sync configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry configuration: %w", err)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	return nil
}

// Validate performs validation of database configuration.
func (c *DatabaseConfig) Validate() error {
	if strings.TrimSpace(c.Path) == "" {
		return NewConfigMissingError("path").
			WithSuggestion("Point database.path at the provider database file")
	}
	if c.Debounce < 0 {
		return NewConfigValidationError("debounce", c.Debounce, "must not be negative")
	}
	return nil
}

// Validate performs validation of engine configuration.
func (c *EngineConfig) Validate() error {
	if c.MaxRules < 0 || c.MaxRegexRules < 0 || c.MaxProgramSize < 0 {
		return NewConfigValidationError("limits", c, "engine limits must not be negative").
			WithSuggestion("Use 0 to disable a limit")
	}
	return nil
}

// Validate performs validation of compiler configuration.
func (c *CompilerConfig) Validate() error {
	if c.Budget <= 0 || c.Budget > 5000 {
		return NewConfigValidationError("budget", c.Budget, "must be between 1 and 5000")
	}
	if c.FirstID == 0 {
		c.FirstID = 1000
	}
	if c.FirstID < 1000 {
		return NewConfigValidationError("first_id", c.FirstID, "ids below 1000 are reserved for static rules")
	}
	return nil
}

// Validate performs validation of installer configuration.
func (c *InstallerConfig) Validate() error {
	if c.MaxAttempts <= 0 {
		return NewConfigValidationError("max_attempts", c.MaxAttempts, "must be positive")
	}
	if c.AttemptTimeout <= 0 {
		return NewConfigValidationError("attempt_timeout", c.AttemptTimeout, "must be positive")
	}
	mode := strings.TrimSpace(strings.ToLower(c.Mode))
	switch mode {
	case "":
		c.Mode = "supersede"
	case "supersede", "wait":
		c.Mode = mode
	default:
		return NewConfigValidationError("mode", c.Mode, "supported modes: supersede, wait")
	}
	return nil
}

// Validate performs validation of sync configuration.
func (c *SyncConfig) Validate() error {
	if c.PassesPerMinute < 0 {
		return NewConfigValidationError("passes_per_minute", c.PassesPerMinute, "must not be negative")
	}
	if c.PassesPerMinute > 0 && c.Burst <= 0 {
		c.Burst = 1
	}
	return nil
}

// Validate performs validation of telemetry configuration.
func (c *TelemetryConfig) Validate() error {
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return NewConfigValidationError("sample_ratio", c.SampleRatio, "must be between 0 and 1")
	}
	return nil
}

// Validate performs validation of logging configuration.
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}

// Validate performs validation of server configuration.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.MetricsAddress) == "" {
		c.MetricsAddress = ":9464"
	}
	if c.TLS != nil {
		if err := c.TLS.Validate(); err != nil {
			return fmt.Errorf("tls: %w", err)
		}
	}
	return nil
}

// Duration is a time.Duration written as a Go duration string ("750ms").
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

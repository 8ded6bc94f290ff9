package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/Iron-Ham/loopguard/internal/delusion"
	"github.com/Iron-Ham/loopguard/internal/triage"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// LOOPGUARD_CAPS_MAX_LOOPS_PER_TASK.
const EnvPrefix = "LOOPGUARD"

// Config represents the complete loopguard configuration
type Config struct {
	Caps        CapsConfig        `mapstructure:"caps" yaml:"caps"`
	Delusion    DelusionConfig    `mapstructure:"delusion" yaml:"delusion"`
	Triage      TriageConfig      `mapstructure:"triage" yaml:"triage"`
	Checkpoints CheckpointsConfig `mapstructure:"checkpoints" yaml:"checkpoints"`
	Ledger      LedgerConfig      `mapstructure:"ledger" yaml:"ledger"`
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Tracing     TracingConfig     `mapstructure:"tracing" yaml:"tracing"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// CapsConfig bounds recursion per task
type CapsConfig struct {
	// MaxLoopsPerTask is the number of loop attempts a task may record (default: 3)
	MaxLoopsPerTask int `mapstructure:"max_loops_per_task" yaml:"max_loops_per_task"`
	// MaxDelegationDepth is the deepest delegation edge allowed (default: 2)
	MaxDelegationDepth int `mapstructure:"max_delegation_depth" yaml:"max_delegation_depth"`
}

// DelusionConfig controls the guard that compares new plans with rejected ones
type DelusionConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// SimilarityThreshold trips the guard at or above this score (default: 0.85)
	SimilarityThreshold float64 `mapstructure:"similarity_threshold" yaml:"similarity_threshold"`
	// BlockExecution turns a trip into a block instead of a warning
	BlockExecution bool `mapstructure:"block_execution" yaml:"block_execution"`
	// Window compares against the most recent N rejections (0 = all)
	Window int `mapstructure:"window" yaml:"window"`
	// Pivot and Steepness shape the similarity curve
	Pivot     float64 `mapstructure:"pivot" yaml:"pivot"`
	Steepness float64 `mapstructure:"steepness" yaml:"steepness"`
	// CacheSize bounds the fingerprint cache (default: 1024)
	CacheSize int `mapstructure:"cache_size" yaml:"cache_size"`
}

// Guard converts the section to the guard's own config type.
func (c DelusionConfig) Guard() delusion.Config {
	return delusion.Config{
		Enabled:             c.Enabled,
		SimilarityThreshold: c.SimilarityThreshold,
		BlockExecution:      c.BlockExecution,
		Window:              c.Window,
		Pivot:               c.Pivot,
		Steepness:           c.Steepness,
	}
}

// TriageRule is an extra classification rule.
type TriageRule struct {
	ID       string   `mapstructure:"id" yaml:"id"`
	Type     string   `mapstructure:"type" yaml:"type"`
	Patterns []string `mapstructure:"patterns" yaml:"patterns"`
}

// TriageConfig controls failure classification and routing
type TriageConfig struct {
	// AutoReroute sends retries to the routed agent instead of the failed one (default: true)
	AutoReroute bool `mapstructure:"auto_reroute" yaml:"auto_reroute"`
	// Routes overrides the failure type to agent table
	Routes map[string]string `mapstructure:"routes" yaml:"routes"`
	// Agents is the roster of agents a retry may go to (glob patterns; empty = any)
	Agents []string `mapstructure:"agents" yaml:"agents"`
	// Rules are evaluated before the built-in rules
	Rules []TriageRule `mapstructure:"rules" yaml:"rules"`
	// RulesFile is a YAML file of extra rules
	RulesFile string `mapstructure:"rules_file" yaml:"rules_file"`
}

// Classifier converts the section to the classifier's own config type.
func (c TriageConfig) Classifier() triage.Config {
	out := triage.Config{
		AutoReroute: c.AutoReroute,
		Routes:      c.Routes,
		Agents:      c.Agents,
		RulesFile:   c.RulesFile,
	}
	for _, r := range c.Rules {
		out.Rules = append(out.Rules, triage.Rule{ID: r.ID, Type: triage.FailureType(r.Type), Patterns: r.Patterns})
	}
	return out
}

// CheckpointsConfig controls the checkpoint gate
type CheckpointsConfig struct {
	// SoftManualReview leaves soft checkpoints pending for a human instead of
	// approving them on creation (default: false)
	SoftManualReview bool `mapstructure:"soft_manual_review" yaml:"soft_manual_review"`
}

// LedgerConfig selects the history store
type LedgerConfig struct {
	// Backend is "memory" or "sqlite" (default: "memory")
	Backend string `mapstructure:"backend" yaml:"backend"`
	// Path is the SQLite database file. Empty uses <config dir>/ledger.db
	Path string `mapstructure:"path" yaml:"path"`
}

// ResolvePath returns the SQLite path, defaulting into the config directory.
func (c *LedgerConfig) ResolvePath() string {
	if c.Path == "" {
		return filepath.Join(ConfigDir(), "ledger.db")
	}
	if c.Path == ":memory:" {
		return c.Path
	}
	if strings.HasPrefix(c.Path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, c.Path[2:])
		}
	}
	return c.Path
}

// ServerConfig controls the HTTP adapter
type ServerConfig struct {
	// Addr is the listen address (default: ":8088")
	Addr string `mapstructure:"addr" yaml:"addr"`
	// Debug runs gin in debug mode
	Debug bool `mapstructure:"debug" yaml:"debug"`
	// ShutdownTimeoutSeconds bounds graceful shutdown (default: 10)
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
}

// TracingConfig controls OpenTelemetry span export
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Exporter is "otlp" or "zipkin" (default: "otlp")
	Exporter string `mapstructure:"exporter" yaml:"exporter"`
	// Endpoint is the collector address; empty uses the exporter's default
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	// SampleRate is the fraction of traces kept, 0 to 1 (default: 1)
	SampleRate float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether file logging is enabled (default: true)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level" yaml:"level"`
	// Dir is the log directory. Empty uses the config directory
	Dir string `mapstructure:"dir" yaml:"dir"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	// MaxBackups is the number of backup log files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups" yaml:"max_backups"`
}

// ResolveDir returns the log directory.
func (c *LoggingConfig) ResolveDir() string {
	if c.Dir == "" {
		return ConfigDir()
	}
	return c.Dir
}

// Default returns a Config with sensible default values
func Default() *Config {
	guard := delusion.DefaultConfig()
	return &Config{
		Caps: CapsConfig{
			MaxLoopsPerTask:    3,
			MaxDelegationDepth: 2,
		},
		Delusion: DelusionConfig{
			Enabled:             guard.Enabled,
			SimilarityThreshold: guard.SimilarityThreshold,
			BlockExecution:      guard.BlockExecution,
			Window:              guard.Window,
			Pivot:               guard.Pivot,
			Steepness:           guard.Steepness,
			CacheSize:           delusion.DefaultCacheSize,
		},
		Triage: TriageConfig{
			AutoReroute: true,
			Routes:      map[string]string{},
			Agents:      []string{},
			Rules:       []TriageRule{},
		},
		Checkpoints: CheckpointsConfig{
			SoftManualReview: false,
		},
		Ledger: LedgerConfig{
			Backend: "memory",
			Path:    "", // Empty means <config dir>/ledger.db
		},
		Server: ServerConfig{
			Addr:                   ":8088",
			Debug:                  false,
			ShutdownTimeoutSeconds: 10,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "otlp",
			SampleRate: 1.0,
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	setDefaults(viper.GetViper())
}

func setDefaults(v *viper.Viper) {
	defaults := Default()

	// Caps defaults
	v.SetDefault("caps.max_loops_per_task", defaults.Caps.MaxLoopsPerTask)
	v.SetDefault("caps.max_delegation_depth", defaults.Caps.MaxDelegationDepth)

	// Delusion guard defaults
	v.SetDefault("delusion.enabled", defaults.Delusion.Enabled)
	v.SetDefault("delusion.similarity_threshold", defaults.Delusion.SimilarityThreshold)
	v.SetDefault("delusion.block_execution", defaults.Delusion.BlockExecution)
	v.SetDefault("delusion.window", defaults.Delusion.Window)
	v.SetDefault("delusion.pivot", defaults.Delusion.Pivot)
	v.SetDefault("delusion.steepness", defaults.Delusion.Steepness)
	v.SetDefault("delusion.cache_size", defaults.Delusion.CacheSize)

	// Triage defaults
	v.SetDefault("triage.auto_reroute", defaults.Triage.AutoReroute)
	v.SetDefault("triage.routes", defaults.Triage.Routes)
	v.SetDefault("triage.agents", defaults.Triage.Agents)
	v.SetDefault("triage.rules", defaults.Triage.Rules)
	v.SetDefault("triage.rules_file", defaults.Triage.RulesFile)

	// Checkpoint defaults
	v.SetDefault("checkpoints.soft_manual_review", defaults.Checkpoints.SoftManualReview)

	// Ledger defaults
	v.SetDefault("ledger.backend", defaults.Ledger.Backend)
	v.SetDefault("ledger.path", defaults.Ledger.Path)

	// Server defaults
	v.SetDefault("server.addr", defaults.Server.Addr)
	v.SetDefault("server.debug", defaults.Server.Debug)
	v.SetDefault("server.shutdown_timeout_seconds", defaults.Server.ShutdownTimeoutSeconds)

	// Tracing defaults
	v.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	v.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", defaults.Tracing.Endpoint)
	v.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)

	// Logging defaults
	v.SetDefault("logging.enabled", defaults.Logging.Enabled)
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.dir", defaults.Logging.Dir)
	v.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
}

// BindEnv enables LOOPGUARD_* environment overrides on the global viper.
func BindEnv() {
	bindEnv(viper.GetViper())
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads and validates the configuration held by v.
func LoadFrom(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Validate the configuration
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "loopguard")
	}
	// Fall back to ~/.config/loopguard
	home, err := os.UserHomeDir()
	if err != nil {
		return ".loopguard"
	}
	return filepath.Join(home, ".config", "loopguard")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// ValidLedgerBackends returns the supported ledger backends
func ValidLedgerBackends() []string {
	return []string{"memory", "sqlite"}
}

// ValidTracingExporters returns the supported span exporters
func ValidTracingExporters() []string {
	return []string{"otlp", "zipkin"}
}

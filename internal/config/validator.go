package config

import (
	"fmt"
	"net"
	"slices"
	"strings"

	"github.com/Iron-Ham/loopguard/internal/triage"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "caps.max_loops_per_task")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateCaps()...)
	errors = append(errors, c.validateDelusion()...)
	errors = append(errors, c.validateTriage()...)
	errors = append(errors, c.validateLedger()...)
	errors = append(errors, c.validateServer()...)
	errors = append(errors, c.validateTracing()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

// validateCaps validates the CapsConfig
func (c *Config) validateCaps() []ValidationError {
	var errors []ValidationError

	// A zero loop cap is allowed: it denies every loop.
	if c.Caps.MaxLoopsPerTask < 0 {
		errors = append(errors, ValidationError{
			Field:   "caps.max_loops_per_task",
			Value:   c.Caps.MaxLoopsPerTask,
			Message: "must be non-negative",
		})
	}

	if c.Caps.MaxDelegationDepth < 0 {
		errors = append(errors, ValidationError{
			Field:   "caps.max_delegation_depth",
			Value:   c.Caps.MaxDelegationDepth,
			Message: "must be non-negative",
		})
	}

	return errors
}

// validateDelusion validates the DelusionConfig
func (c *Config) validateDelusion() []ValidationError {
	var errors []ValidationError
	d := c.Delusion

	if d.SimilarityThreshold < 0 || d.SimilarityThreshold > 1 {
		errors = append(errors, ValidationError{
			Field:   "delusion.similarity_threshold",
			Value:   d.SimilarityThreshold,
			Message: "must be between 0 and 1",
		})
	}

	if d.Window < 0 {
		errors = append(errors, ValidationError{
			Field:   "delusion.window",
			Value:   d.Window,
			Message: "must be non-negative",
		})
	}

	if d.Pivot < 0 || d.Pivot >= 1 {
		errors = append(errors, ValidationError{
			Field:   "delusion.pivot",
			Value:   d.Pivot,
			Message: "must be in [0, 1)",
		})
	}

	if d.Steepness < 1 {
		errors = append(errors, ValidationError{
			Field:   "delusion.steepness",
			Value:   d.Steepness,
			Message: "must be at least 1",
		})
	}

	if d.CacheSize < 0 {
		errors = append(errors, ValidationError{
			Field:   "delusion.cache_size",
			Value:   d.CacheSize,
			Message: "must be non-negative",
		})
	}

	return errors
}

// validateTriage validates the TriageConfig
func (c *Config) validateTriage() []ValidationError {
	var errors []ValidationError

	for failureType := range c.Triage.Routes {
		if _, ok := triage.ParseType(failureType); !ok {
			errors = append(errors, ValidationError{
				Field:   "triage.routes",
				Value:   failureType,
				Message: fmt.Sprintf("unknown failure type, must be one of: %s", failureTypeList()),
			})
		}
	}

	for i, r := range c.Triage.Rules {
		field := fmt.Sprintf("triage.rules[%d]", i)
		if strings.TrimSpace(r.ID) == "" {
			errors = append(errors, ValidationError{
				Field:   field + ".id",
				Value:   r.ID,
				Message: "cannot be empty",
			})
		}
		if _, ok := triage.ParseType(r.Type); !ok {
			errors = append(errors, ValidationError{
				Field:   field + ".type",
				Value:   r.Type,
				Message: fmt.Sprintf("must be one of: %s", failureTypeList()),
			})
		}
		if len(r.Patterns) == 0 {
			errors = append(errors, ValidationError{
				Field:   field + ".patterns",
				Value:   r.Patterns,
				Message: "at least one pattern is required",
			})
		}
	}

	// Catches the remaining cases (blank route agents, bad glob patterns).
	if len(errors) == 0 {
		if err := c.Triage.Classifier().Validate(); err != nil {
			errors = append(errors, ValidationError{
				Field:   "triage",
				Value:   nil,
				Message: err.Error(),
			})
		}
	}

	return errors
}

func failureTypeList() string {
	var names []string
	for _, t := range triage.Types() {
		names = append(names, string(t))
	}
	return strings.Join(names, ", ")
}

// validateLedger validates the LedgerConfig
func (c *Config) validateLedger() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidLedgerBackends(), c.Ledger.Backend) {
		errors = append(errors, ValidationError{
			Field:   "ledger.backend",
			Value:   c.Ledger.Backend,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLedgerBackends(), ", ")),
		})
	}

	return errors
}

// validateServer validates the ServerConfig
func (c *Config) validateServer() []ValidationError {
	var errors []ValidationError

	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		errors = append(errors, ValidationError{
			Field:   "server.addr",
			Value:   c.Server.Addr,
			Message: "must be host:port",
		})
	}

	if c.Server.ShutdownTimeoutSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "server.shutdown_timeout_seconds",
			Value:   c.Server.ShutdownTimeoutSeconds,
			Message: "must be non-negative",
		})
	}

	return errors
}

// validateTracing validates the TracingConfig
func (c *Config) validateTracing() []ValidationError {
	var errors []ValidationError

	if c.Tracing.Enabled && !slices.Contains(ValidTracingExporters(), c.Tracing.Exporter) {
		errors = append(errors, ValidationError{
			Field:   "tracing.exporter",
			Value:   c.Tracing.Exporter,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidTracingExporters(), ", ")),
		})
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errors = append(errors, ValidationError{
			Field:   "tracing.sample_rate",
			Value:   c.Tracing.SampleRate,
			Message: "must be between 0 and 1",
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	// Validate log level
	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	// Max size must be positive
	if c.Logging.MaxSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	}

	// Reasonable upper bound for log file size
	const maxLogSizeMB = 1000 // 1GB
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	// Max backups must be non-negative
	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}

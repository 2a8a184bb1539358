package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/Iron-Ham/phaseflow/internal/logging"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "pipeline.max_parallel_phases")
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
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Upper bounds for numeric settings.
const (
	maxParallelPhases = 64
	maxRetries        = 10
	maxRetryBaseDelay = time.Minute
	maxLogSizeMB      = 1000
)

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	errs = append(errs, c.validatePipeline()...)
	errs = append(errs, c.validateFeedback()...)
	errs = append(errs, c.validateQuality()...)
	errs = append(errs, c.validateLogging()...)
	errs = append(errs, c.validateMetrics()...)
	return errs
}

func (c *Config) validatePipeline() []ValidationError {
	var errs []ValidationError
	p := c.Pipeline

	if p.MaxParallelPhases < 1 || p.MaxParallelPhases > maxParallelPhases {
		errs = append(errs, ValidationError{
			Field:   "pipeline.max_parallel_phases",
			Value:   p.MaxParallelPhases,
			Message: fmt.Sprintf("must be between 1 and %d", maxParallelPhases),
		})
	}
	if p.RetryBaseDelay < 0 || p.RetryBaseDelay > maxRetryBaseDelay {
		errs = append(errs, ValidationError{
			Field:   "pipeline.retry_base_delay",
			Value:   p.RetryBaseDelay,
			Message: fmt.Sprintf("must be between 0 and %s", maxRetryBaseDelay),
		})
	}
	if p.RetryMaxDelay < 0 {
		errs = append(errs, ValidationError{
			Field:   "pipeline.retry_max_delay",
			Value:   p.RetryMaxDelay,
			Message: "must be non-negative",
		})
	} else if p.RetryMaxDelay > 0 && p.RetryMaxDelay < p.RetryBaseDelay {
		errs = append(errs, ValidationError{
			Field:   "pipeline.retry_max_delay",
			Value:   p.RetryMaxDelay,
			Message: "must not be below pipeline.retry_base_delay",
		})
	}
	if p.MaxRetries < 0 || p.MaxRetries > maxRetries {
		errs = append(errs, ValidationError{
			Field:   "pipeline.max_retries",
			Value:   p.MaxRetries,
			Message: fmt.Sprintf("must be between 0 and %d", maxRetries),
		})
	}
	if p.RunTimeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "pipeline.run_timeout",
			Value:   p.RunTimeout,
			Message: "must be non-negative",
		})
	}
	return errs
}

func (c *Config) validateFeedback() []ValidationError {
	var errs []ValidationError
	f := c.Feedback

	if f.Enabled && f.Timeout <= 0 {
		errs = append(errs, ValidationError{
			Field:   "feedback.timeout",
			Value:   f.Timeout,
			Message: "must be positive when feedback is enabled",
		})
	}
	errs = append(errs, validatePhaseIDs("feedback.checkpoints", f.Checkpoints)...)
	return errs
}

func (c *Config) validateQuality() []ValidationError {
	var errs []ValidationError

	if c.Quality.MinScore < 0 || c.Quality.MinScore > 1 {
		errs = append(errs, ValidationError{
			Field:   "quality.min_score",
			Value:   c.Quality.MinScore,
			Message: "must be between 0 and 1",
		})
	}
	errs = append(errs, validatePhaseIDs("quality.critical_phases", c.Quality.CriticalPhases)...)
	return errs
}

func (c *Config) validateLogging() []ValidationError {
	var errs []ValidationError
	l := c.Logging

	if l.Level != "" && !logging.IsValidLevel(l.Level) {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Value:   l.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.ToLower(strings.Join(logging.ValidLevels(), ", "))),
		})
	}
	if l.MaxSizeMB < 0 || l.MaxSizeMB > maxLogSizeMB {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   l.MaxSizeMB,
			Message: fmt.Sprintf("must be between 0 and %d", maxLogSizeMB),
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Value:   l.MaxBackups,
			Message: "must be non-negative",
		})
	}
	return errs
}

func (c *Config) validateMetrics() []ValidationError {
	if !c.Metrics.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(c.Metrics.ListenAddr); err != nil {
		return []ValidationError{{
			Field:   "metrics.listen_addr",
			Value:   c.Metrics.ListenAddr,
			Message: "must be a host:port address",
		}}
	}
	return nil
}

func validatePhaseIDs(field string, ids []int) []ValidationError {
	var errs []ValidationError
	seen := make(map[int]bool, len(ids))
	for i, id := range ids {
		name := fmt.Sprintf("%s[%d]", field, i)
		if id <= 0 {
			errs = append(errs, ValidationError{Field: name, Value: id, Message: "phase id must be positive"})
			continue
		}
		if seen[id] {
			errs = append(errs, ValidationError{Field: name, Value: id, Message: "duplicate phase id"})
		}
		seen[id] = true
	}
	return errs
}

package config

import (
	"strings"
	"testing"
	"time"
)

func TestValidationError_Error(t *testing.T) {
	err := ValidationError{Field: "test.field", Value: 123, Message: "must be greater than zero"}

	want := "test.field: must be greater than zero (got: 123)"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestValidationErrors_Error(t *testing.T) {
	t.Run("empty errors", func(t *testing.T) {
		var errs ValidationErrors
		if errs.Error() != "" {
			t.Errorf("Error() for empty = %q", errs.Error())
		}
	})

	t.Run("single error", func(t *testing.T) {
		errs := ValidationErrors{{Field: "a", Value: 1, Message: "is invalid"}}
		if errs.Error() != "a: is invalid (got: 1)" {
			t.Errorf("Error() = %q", errs.Error())
		}
	})

	t.Run("multiple errors", func(t *testing.T) {
		errs := ValidationErrors{
			{Field: "field1", Value: "bad", Message: "is invalid"},
			{Field: "field2", Value: -1, Message: "must be positive"},
		}
		result := errs.Error()
		if !strings.Contains(result, "2 validation errors") {
			t.Errorf("Error() should mention 2 errors: %s", result)
		}
		if !strings.Contains(result, "field1") || !strings.Contains(result, "field2") {
			t.Errorf("Error() should mention both fields: %s", result)
		}
	})
}

func TestConfig_Validate_DefaultConfig(t *testing.T) {
	if errs := Default().Validate(); len(errs) != 0 {
		t.Errorf("default config should be valid, got: %v", errs)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(*Config)
		wantField string
	}{
		{"zero parallelism", func(c *Config) { c.Pipeline.MaxParallelPhases = 0 }, "pipeline.max_parallel_phases"},
		{"too much parallelism", func(c *Config) { c.Pipeline.MaxParallelPhases = 65 }, "pipeline.max_parallel_phases"},
		{"negative base delay", func(c *Config) { c.Pipeline.RetryBaseDelay = -time.Second }, "pipeline.retry_base_delay"},
		{"huge base delay", func(c *Config) { c.Pipeline.RetryBaseDelay = time.Hour }, "pipeline.retry_base_delay"},
		{"negative max delay", func(c *Config) { c.Pipeline.RetryMaxDelay = -time.Second }, "pipeline.retry_max_delay"},
		{"max delay below base", func(c *Config) { c.Pipeline.RetryMaxDelay = time.Millisecond }, "pipeline.retry_max_delay"},
		{"negative retries", func(c *Config) { c.Pipeline.MaxRetries = -1 }, "pipeline.max_retries"},
		{"too many retries", func(c *Config) { c.Pipeline.MaxRetries = 11 }, "pipeline.max_retries"},
		{"negative run timeout", func(c *Config) { c.Pipeline.RunTimeout = -1 }, "pipeline.run_timeout"},
		{"enabled feedback without timeout", func(c *Config) {
			c.Feedback.Enabled = true
			c.Feedback.Timeout = 0
		}, "feedback.timeout"},
		{"non-positive checkpoint", func(c *Config) { c.Feedback.Checkpoints = []int{0} }, "feedback.checkpoints[0]"},
		{"duplicate checkpoint", func(c *Config) { c.Feedback.Checkpoints = []int{2, 2} }, "feedback.checkpoints[1]"},
		{"score above one", func(c *Config) { c.Quality.MinScore = 1.5 }, "quality.min_score"},
		{"negative score", func(c *Config) { c.Quality.MinScore = -0.1 }, "quality.min_score"},
		{"bad critical phase", func(c *Config) { c.Quality.CriticalPhases = []int{-3} }, "quality.critical_phases[0]"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"huge log size", func(c *Config) { c.Logging.MaxSizeMB = 5000 }, "logging.max_size_mb"},
		{"negative backups", func(c *Config) { c.Logging.MaxBackups = -1 }, "logging.max_backups"},
		{"bad metrics address", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.ListenAddr = "nope"
		}, "metrics.listen_addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			errs := cfg.Validate()
			if len(errs) != 1 {
				t.Fatalf("Validate() returned %d errors, want 1: %v", len(errs), errs)
			}
			if errs[0].Field != tt.wantField {
				t.Errorf("Field = %q, want %q", errs[0].Field, tt.wantField)
			}
		})
	}
}

func TestConfig_Validate_AcceptsUppercaseLevel(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "DEBUG"
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("uppercase level rejected: %v", errs)
	}
}

func TestConfig_Validate_MetricsDisabledIgnoresAddress(t *testing.T) {
	cfg := Default()
	cfg.Metrics.ListenAddr = ""
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("disabled metrics should not validate address: %v", errs)
	}
}

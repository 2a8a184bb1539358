package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables overriding config keys,
// e.g. PHASEFLOW_PIPELINE_MAX_PARALLEL_PHASES for pipeline.max_parallel_phases.
const EnvPrefix = "PHASEFLOW"

// Config represents the complete phaseflow configuration
type Config struct {
	Pipeline PipelineConfig `mapstructure:"pipeline" yaml:"pipeline"`
	Feedback FeedbackConfig `mapstructure:"feedback" yaml:"feedback"`
	Quality  QualityConfig  `mapstructure:"quality" yaml:"quality"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

// PipelineConfig controls scheduling and retries
type PipelineConfig struct {
	// MaxParallelPhases bounds how many agent calls run at once (default: 3)
	MaxParallelPhases int `mapstructure:"max_parallel_phases" yaml:"max_parallel_phases"`
	// RetryBaseDelay is the base of the exponential backoff; attempt n waits base*2^n (default: 1s)
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay" yaml:"retry_base_delay"`
	// RetryMaxDelay caps a single backoff delay; 0 leaves it uncapped (default: 30s)
	RetryMaxDelay time.Duration `mapstructure:"retry_max_delay" yaml:"retry_max_delay"`
	// MaxRetries applies to phases whose definition does not set max_retries (default: 2)
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`
	// PlanFile is a YAML plan to run instead of the built-in plan
	PlanFile string `mapstructure:"plan_file" yaml:"plan_file"`
	// RunTimeout caps the whole run; 0 disables the cap
	RunTimeout time.Duration `mapstructure:"run_timeout" yaml:"run_timeout"`
}

// FeedbackConfig controls human-in-the-loop checkpoints
type FeedbackConfig struct {
	// Enabled turns checkpoints on (default: false)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Timeout is how long a checkpoint waits for a reviewer (default: 5m)
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// Checkpoints are phase ids that pause for review, in addition to
	// phases flagged as checkpoints in the plan (default: [2, 5])
	Checkpoints []int `mapstructure:"checkpoints" yaml:"checkpoints"`
	// Dir is watched for phase-<id>.yaml review files; empty disables file reviews
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// QualityConfig controls the quality gate
type QualityConfig struct {
	// MinScore is the passing score in [0, 1] (default: 0.7)
	MinScore float64 `mapstructure:"min_score" yaml:"min_score"`
	// CriticalPhases overrides the plan's critical flags when non-empty
	CriticalPhases []int `mapstructure:"critical_phases" yaml:"critical_phases"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Level is the minimum level written: debug, info, warn, error (default: info)
	Level string `mapstructure:"level" yaml:"level"`
	// Dir is the log directory; empty logs to stderr
	Dir string `mapstructure:"dir" yaml:"dir"`
	// MaxSizeMB is the size at which the log file rotates (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	// MaxBackups is the number of rotated files kept (default: 3)
	MaxBackups int `mapstructure:"max_backups" yaml:"max_backups"`
	// Compress gzips rotated files (default: false)
	Compress bool `mapstructure:"compress" yaml:"compress"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	// Enabled serves /metrics during runs (default: false)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// ListenAddr is the metrics listen address (default: ":9464")
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			MaxParallelPhases: 3,
			RetryBaseDelay:    time.Second,
			RetryMaxDelay:     30 * time.Second,
			MaxRetries:        2,
		},
		Feedback: FeedbackConfig{
			Timeout:     5 * time.Minute,
			Checkpoints: []int{2, 5},
		},
		Quality: QualityConfig{
			MinScore:       0.7,
			CriticalPhases: []int{},
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Metrics: MetricsConfig{
			ListenAddr: ":9464",
		},
	}
}

// SetDefaults registers every default with viper so that keys resolve even
// without a config file
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("pipeline.max_parallel_phases", defaults.Pipeline.MaxParallelPhases)
	viper.SetDefault("pipeline.retry_base_delay", defaults.Pipeline.RetryBaseDelay)
	viper.SetDefault("pipeline.retry_max_delay", defaults.Pipeline.RetryMaxDelay)
	viper.SetDefault("pipeline.max_retries", defaults.Pipeline.MaxRetries)
	viper.SetDefault("pipeline.plan_file", defaults.Pipeline.PlanFile)
	viper.SetDefault("pipeline.run_timeout", defaults.Pipeline.RunTimeout)

	viper.SetDefault("feedback.enabled", defaults.Feedback.Enabled)
	viper.SetDefault("feedback.timeout", defaults.Feedback.Timeout)
	viper.SetDefault("feedback.checkpoints", defaults.Feedback.Checkpoints)
	viper.SetDefault("feedback.dir", defaults.Feedback.Dir)

	viper.SetDefault("quality.min_score", defaults.Quality.MinScore)
	viper.SetDefault("quality.critical_phases", defaults.Quality.CriticalPhases)

	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.dir", defaults.Logging.Dir)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	viper.SetDefault("logging.compress", defaults.Logging.Compress)

	viper.SetDefault("metrics.enabled", defaults.Metrics.Enabled)
	viper.SetDefault("metrics.listen_addr", defaults.Metrics.ListenAddr)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration, falling back to defaults when it
// cannot be loaded
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "phaseflow")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".phaseflow"
	}
	return filepath.Join(home, ".config", "phaseflow")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// IsCheckpoint reports whether id is listed in feedback.checkpoints.
func (c *FeedbackConfig) IsCheckpoint(id int) bool {
	for _, cp := range c.Checkpoints {
		if cp == id {
			return true
		}
	}
	return false
}

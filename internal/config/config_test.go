package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Pipeline.MaxParallelPhases != 3 {
		t.Errorf("Pipeline.MaxParallelPhases = %d, want 3", cfg.Pipeline.MaxParallelPhases)
	}
	if cfg.Pipeline.RetryBaseDelay != time.Second {
		t.Errorf("Pipeline.RetryBaseDelay = %v, want 1s", cfg.Pipeline.RetryBaseDelay)
	}
	if cfg.Pipeline.RetryMaxDelay != 30*time.Second {
		t.Errorf("Pipeline.RetryMaxDelay = %v, want 30s", cfg.Pipeline.RetryMaxDelay)
	}
	if cfg.Pipeline.MaxRetries != 2 {
		t.Errorf("Pipeline.MaxRetries = %d, want 2", cfg.Pipeline.MaxRetries)
	}
	if cfg.Feedback.Enabled {
		t.Error("Feedback.Enabled should be false by default")
	}
	if cfg.Feedback.Timeout != 5*time.Minute {
		t.Errorf("Feedback.Timeout = %v, want 5m", cfg.Feedback.Timeout)
	}
	if len(cfg.Feedback.Checkpoints) != 2 || cfg.Feedback.Checkpoints[0] != 2 || cfg.Feedback.Checkpoints[1] != 5 {
		t.Errorf("Feedback.Checkpoints = %v, want [2 5]", cfg.Feedback.Checkpoints)
	}
	if cfg.Quality.MinScore != 0.7 {
		t.Errorf("Quality.MinScore = %v, want 0.7", cfg.Quality.MinScore)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
	if cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled should be false by default")
	}
}

func TestFeedbackConfig_IsCheckpoint(t *testing.T) {
	f := FeedbackConfig{Checkpoints: []int{2, 5}}
	for id, want := range map[int]bool{1: false, 2: true, 5: true, 7: false} {
		if got := f.IsCheckpoint(id); got != want {
			t.Errorf("IsCheckpoint(%d) = %v, want %v", id, got, want)
		}
	}
}

func TestConfigDir(t *testing.T) {
	t.Run("uses XDG_CONFIG_HOME", func(t *testing.T) {
		xdg := t.TempDir()
		t.Setenv("XDG_CONFIG_HOME", xdg)

		if got, want := ConfigDir(), filepath.Join(xdg, "phaseflow"); got != want {
			t.Errorf("ConfigDir() = %q, want %q", got, want)
		}
		if got, want := ConfigFile(), filepath.Join(xdg, "phaseflow", "config.yaml"); got != want {
			t.Errorf("ConfigFile() = %q, want %q", got, want)
		}
	})

	t.Run("falls back to home", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "")
		home, err := os.UserHomeDir()
		if err != nil {
			t.Skip("no home directory")
		}
		if got, want := ConfigDir(), filepath.Join(home, ".config", "phaseflow"); got != want {
			t.Errorf("ConfigDir() = %q, want %q", got, want)
		}
	})
}

func TestLoad(t *testing.T) {
	t.Cleanup(viper.Reset)

	t.Run("defaults only", func(t *testing.T) {
		viper.Reset()
		SetDefaults()

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Pipeline.RetryBaseDelay != time.Second {
			t.Errorf("RetryBaseDelay = %v, want 1s", cfg.Pipeline.RetryBaseDelay)
		}
		if cfg.Feedback.Timeout != 5*time.Minute {
			t.Errorf("Feedback.Timeout = %v, want 5m", cfg.Feedback.Timeout)
		}
	})

	t.Run("reads yaml file", func(t *testing.T) {
		viper.Reset()
		SetDefaults()

		path := filepath.Join(t.TempDir(), "config.yaml")
		content := `pipeline:
  max_parallel_phases: 5
  retry_base_delay: 250ms
feedback:
  enabled: true
  timeout: 30s
  checkpoints: [3]
quality:
  min_score: 0.9
`
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			t.Fatalf("ReadInConfig: %v", err)
		}

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Pipeline.MaxParallelPhases != 5 {
			t.Errorf("MaxParallelPhases = %d, want 5", cfg.Pipeline.MaxParallelPhases)
		}
		if cfg.Pipeline.RetryBaseDelay != 250*time.Millisecond {
			t.Errorf("RetryBaseDelay = %v, want 250ms", cfg.Pipeline.RetryBaseDelay)
		}
		if !cfg.Feedback.Enabled || cfg.Feedback.Timeout != 30*time.Second {
			t.Errorf("Feedback = %+v", cfg.Feedback)
		}
		if len(cfg.Feedback.Checkpoints) != 1 || cfg.Feedback.Checkpoints[0] != 3 {
			t.Errorf("Checkpoints = %v, want [3]", cfg.Feedback.Checkpoints)
		}
		if cfg.Quality.MinScore != 0.9 {
			t.Errorf("MinScore = %v, want 0.9", cfg.Quality.MinScore)
		}
		if cfg.Pipeline.MaxRetries != 2 {
			t.Errorf("MaxRetries = %d, want default 2", cfg.Pipeline.MaxRetries)
		}
	})

	t.Run("invalid values fail validation", func(t *testing.T) {
		viper.Reset()
		SetDefaults()
		viper.Set("pipeline.max_parallel_phases", 0)

		_, err := Load()
		if err == nil {
			t.Fatal("Load() should fail for max_parallel_phases = 0")
		}
		verrs, ok := err.(ValidationErrors)
		if !ok {
			t.Fatalf("error type = %T, want ValidationErrors", err)
		}
		if verrs[0].Field != "pipeline.max_parallel_phases" {
			t.Errorf("Field = %q", verrs[0].Field)
		}
	})
}

func TestGet_FallsBackToDefaults(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Reset()
	SetDefaults()
	viper.Set("quality.min_score", 3.0)

	cfg := Get()
	if cfg.Quality.MinScore != 0.7 {
		t.Errorf("Get() should fall back to defaults, MinScore = %v", cfg.Quality.MinScore)
	}
}

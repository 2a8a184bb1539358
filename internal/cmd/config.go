package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/phaseflow/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View phaseflow configuration",
	Long: `View phaseflow configuration.

Without arguments, displays the effective configuration: defaults, then
the config file, then PHASEFLOW_* environment variables.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/phaseflow/config.yaml with all available options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	out := cmd.OutOrStdout()

	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "# Config file: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintln(out, "# Config file: (none - using defaults)")
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	_, err = out.Write(data)
	return err
}

const defaultConfigContent = `# Phaseflow Configuration

pipeline:
  # Maximum number of agent calls running at once
  max_parallel_phases: 3
  # Base of the exponential retry backoff; retry n waits base * 2^n
  retry_base_delay: 1s
  # Longest single backoff delay; 0 leaves it uncapped
  retry_max_delay: 30s
  # Retries for phases whose plan entry does not set max_retries
  max_retries: 2
  # YAML plan to run instead of the built-in plan
  plan_file: ""
  # Cap on the whole run; 0 disables it
  run_timeout: 0s

# Human-in-the-loop checkpoints
feedback:
  enabled: false
  # How long a checkpoint waits for a reviewer before keeping the result
  timeout: 5m
  # Phases that pause for review, in addition to plan checkpoint flags
  checkpoints: [2, 5]
  # Directory watched for phase-<id>.yaml review files
  dir: ""

quality:
  # Passing score in [0, 1] for critical phases
  min_score: 0.7
  # Overrides the plan's critical flags when non-empty
  critical_phases: []

logging:
  # debug, info, warn or error
  level: info
  # Log directory; empty logs to stderr
  dir: ""
  max_size_mb: 10
  max_backups: 3
  compress: false

metrics:
  # Serve Prometheus metrics during runs
  enabled: false
  listen_addr: ":9464"
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	configDir := config.ConfigDir()
	configFile := config.ConfigFile()

	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s", configFile)
	}

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(configFile, []byte(defaultConfigContent), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", configFile)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "Active config: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", config.ConfigFile())
	}

	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", config.ConfigFile())
	fmt.Fprintln(out, "  2. ./config.yaml (current directory)")
	fmt.Fprintf(out, "\nEnvironment variables: %s_* (e.g., %s_PIPELINE_MAX_PARALLEL_PHASES)\n", config.EnvPrefix, config.EnvPrefix)
	return nil
}

package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/phaseflow/internal/config"
	"github.com/Iron-Ham/phaseflow/internal/display"
	"github.com/Iron-Ham/phaseflow/internal/plan"
	"github.com/Iron-Ham/phaseflow/internal/run"
)

var validateCmd = &cobra.Command{
	Use:   "validate [plan-file]",
	Short: "Check that a plan builds",
	Long: `Build a plan without running it. Reports every problem found:
duplicate or non-positive ids, unknown dependencies, self-dependencies
and dependency cycles.

Without an argument the configured plan file, or the built-in plan, is
checked.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	p, err := planFromArgs(args)
	if err != nil {
		return err
	}

	order := make([]string, 0, p.Len())
	for _, id := range p.TopologicalOrder() {
		order = append(order, fmt.Sprint(id))
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s plan is valid: %d phases\n", display.PhaseIcon(run.PhaseCompleted), p.Len())
	fmt.Fprintf(out, "Execution order: %s\n", strings.Join(order, " -> "))
	return nil
}

// planFromArgs loads the plan named by args[0] if present, otherwise the
// configured or built-in plan.
func planFromArgs(args []string) (*plan.ExecutionPlan, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if len(args) == 1 {
		cfg.Pipeline.PlanFile = args[0]
	}
	return loadPlan(cfg)
}

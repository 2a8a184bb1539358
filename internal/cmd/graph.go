package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/phaseflow/internal/display"
	"github.com/Iron-Ham/phaseflow/internal/run"
)

var (
	graphMermaid bool
	graphJSON    bool
)

var graphCmd = &cobra.Command{
	Use:   "graph [plan-file]",
	Short: "Show a plan's dependency graph",
	Long: `Show the phases of a plan with their dependencies, parallel groups
and critical/checkpoint flags. Use --mermaid for a flowchart that renders
in Markdown viewers, or --json for nodes and edges.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runGraph,
}

func init() {
	rootCmd.AddCommand(graphCmd)

	graphCmd.Flags().BoolVar(&graphMermaid, "mermaid", false, "print a mermaid flowchart")
	graphCmd.Flags().BoolVar(&graphJSON, "json", false, "print nodes and edges as JSON")
}

func runGraph(cmd *cobra.Command, args []string) error {
	p, err := planFromArgs(args)
	if err != nil {
		return err
	}
	g := p.Graph()
	out := cmd.OutOrStdout()

	switch {
	case graphMermaid:
		_, err = io.WriteString(out, g.Mermaid())
	case graphJSON:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		err = enc.Encode(g)
	default:
		_, err = io.WriteString(out, display.Graph(g, run.Snapshot{}))
	}
	if err != nil {
		return fmt.Errorf("failed to write graph: %w", err)
	}
	return nil
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/x/term"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/phaseflow/internal/agent"
	"github.com/Iron-Ham/phaseflow/internal/config"
	"github.com/Iron-Ham/phaseflow/internal/display"
	"github.com/Iron-Ham/phaseflow/internal/event"
	"github.com/Iron-Ham/phaseflow/internal/feedback"
	"github.com/Iron-Ham/phaseflow/internal/logging"
	"github.com/Iron-Ham/phaseflow/internal/metrics"
	"github.com/Iron-Ham/phaseflow/internal/orchestrator"
	"github.com/Iron-Ham/phaseflow/internal/plan"
	"github.com/Iron-Ham/phaseflow/internal/progress"
	"github.com/Iron-Ham/phaseflow/internal/report"
)

var (
	runPlanFile    string
	runJSON        bool
	runYAML        bool
	runQuiet       bool
	runMetricsAddr string
	runFeedbackDir string
	runInput       map[string]string
	runLatency     time.Duration
	runJitter      time.Duration
	runFailFirst   []int
	runQuality     float64
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a plan with the built-in demo agents",
	Long: `Run a plan with the built-in simulated agents and print the final report.

The plan comes from --plan, then pipeline.plan_file, then the built-in
seven-phase plan. Progress lines go to stderr so that --json output on
stdout stays machine readable. Interrupting the process cancels the run;
the report of the cancelled run is still printed.`,
	Example: `  phaseflow run
  phaseflow run --plan storybook.yaml --input topic=owls --json
  phaseflow run --fail-first 3 --latency 50ms
  phaseflow run --feedback-dir ./reviews --metrics-addr :9464`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runPlanFile, "plan", "p", "", "YAML plan file (overrides pipeline.plan_file)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the final report as JSON")
	runCmd.Flags().BoolVar(&runYAML, "yaml", false, "print the final report as YAML (ignored with --json)")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "do not print progress lines")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the run")
	runCmd.Flags().StringVar(&runFeedbackDir, "feedback-dir", "", "enable checkpoints and read reviews from this directory")
	runCmd.Flags().StringToStringVarP(&runInput, "input", "i", nil, "run input as key=value pairs")
	runCmd.Flags().DurationVar(&runLatency, "latency", 200*time.Millisecond, "simulated agent latency")
	runCmd.Flags().DurationVar(&runJitter, "jitter", 100*time.Millisecond, "random extra agent latency")
	runCmd.Flags().IntSliceVar(&runFailFirst, "fail-first", nil, "phase ids whose first call fails")
	runCmd.Flags().Float64Var(&runQuality, "quality", 0.85, "quality score reported by the demo agents")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if runFeedbackDir != "" {
		cfg.Feedback.Enabled = true
		cfg.Feedback.Dir = runFeedbackDir
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Close() }()

	p, err := loadPlan(cfg)
	if err != nil {
		return err
	}

	agents := agent.DemoRegistry(p, agent.DemoOptions{
		Latency: runLatency,
		Jitter:  runJitter,
		Quality: runQuality,
	})
	for _, id := range runFailFirst {
		a, err := agents.Get(plan.PhaseID(id))
		if err != nil {
			return fmt.Errorf("--fail-first: %w", err)
		}
		if sim, ok := a.(*agent.Simulated); ok {
			sim.FailFirst = 1
		}
	}

	bus := event.NewBus(event.WithLogger(logger))
	opts := []orchestrator.Option{
		orchestrator.WithConfig(orchestrator.ConfigFrom(cfg)),
		orchestrator.WithBus(bus),
		orchestrator.WithLogger(logger),
	}

	if cfg.Feedback.Enabled && cfg.Feedback.Dir != "" {
		provider, err := feedback.NewFileProvider(cfg.Feedback.Dir, logger)
		if err != nil {
			return err
		}
		opts = append(opts, orchestrator.WithFeedbackProvider(provider))
	}

	addr := runMetricsAddr
	if addr == "" && cfg.Metrics.Enabled {
		addr = cfg.Metrics.ListenAddr
	}
	if addr != "" {
		reg := prometheus.NewRegistry()
		m, err := metrics.New(reg)
		if err != nil {
			return err
		}
		stop, err := serveMetrics(addr, reg, logger)
		if err != nil {
			return err
		}
		defer stop()
		opts = append(opts, orchestrator.WithMetrics(m))
	}

	o := orchestrator.New(agents, opts...)

	structured := runJSON || runYAML
	if !runQuiet {
		errOut := cmd.ErrOrStderr()
		o.RegisterObserver(progress.ObserverFunc(func(s progress.Snapshot) error {
			_, err := fmt.Fprintln(errOut, display.Progress(s, 24))
			return err
		}))
		bus.Subscribe(event.TypePhaseAttemptFailed, func(e event.Event) {
			if pe, ok := e.(event.PhaseEvent); ok {
				fmt.Fprintf(errOut, "phase %d %s: attempt %d failed, retrying: %v\n",
					pe.PhaseID, pe.PhaseName, pe.Attempt+1, pe.Err)
			}
		})
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	input := make(agent.Input, len(runInput))
	for k, v := range runInput {
		input[k] = v
	}

	rep, runErr := o.Run(ctx, p, input)
	if rep == nil {
		return runErr
	}
	if err := printReport(cmd.OutOrStdout(), rep, structured); err != nil {
		return err
	}
	return runErr
}

// loadPlan picks the plan file from the flag, then the config, then falls
// back to the built-in plan.
func loadPlan(cfg *config.Config) (*plan.ExecutionPlan, error) {
	path := runPlanFile
	if path == "" {
		path = cfg.Pipeline.PlanFile
	}
	opts := []plan.BuildOption{plan.WithDefaultMaxRetries(cfg.Pipeline.MaxRetries)}
	if path == "" {
		return plan.Default(opts...)
	}
	return plan.Load(path, opts...)
}

func printReport(w io.Writer, rep *report.FinalReport, structured bool) error {
	var (
		data []byte
		err  error
	)
	switch {
	case runJSON:
		data, err = rep.JSON()
	case runYAML:
		data, err = rep.YAML()
	}
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if structured {
		_, err = w.Write(data)
		return err
	}
	_, err = io.WriteString(w, display.Report(rep, terminalWidth()))
	return err
}

func terminalWidth() int {
	fd := os.Stdout.Fd()
	if !term.IsTerminal(fd) {
		return display.DefaultWidth
	}
	w, _, err := term.GetSize(fd)
	if err != nil || w <= 0 {
		return display.DefaultWidth
	}
	return w
}

// serveMetrics exposes reg on addr/metrics until the returned stop func is
// called.
func serveMetrics(addr string, reg *prometheus.Registry, logger *logging.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for metrics on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err.Error())
		}
	}()
	logger.Info("serving metrics", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/planmesh"
	"github.com/hupe1980/planmesh/core"
	"github.com/hupe1980/planmesh/strategy"
)

var (
	runStrategy  string
	runPlanFile  string
	runOverrides []string
	runPinned    bool
	runTimeout   time.Duration
	runJSON      bool
	runVars      []string
)

// runCmd runs one task to completion
var runCmd = &cobra.Command{
	Use:   "run <task>",
	Short: "Run a task and stream its events",
	Long: `Run a task with the selected strategy and print every event until the
execution finishes. Ctrl-C requests cancellation.

Strategies: sequential_replanning, parallel_task_graph, plan_then_solve.

Examples:
  # Plan with the configured model, run steps in parallel
  planmesh run --strategy parallel_task_graph "compare the populations of Paris and Rome"

  # Skip planning with a prepared plan
  planmesh run --plan plan.json "add two numbers"

  # Use a specific solve template version
  planmesh run --strategy plan_then_solve --override solve=solve.default@1.0.0 "..."`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runStrategy, "strategy", "s", string(core.KindSequentialReplanning), "strategy kind")
	runCmd.Flags().StringVar(&runPlanFile, "plan", "", "JSON plan file; skips the planning phase")
	runCmd.Flags().StringArrayVar(&runOverrides, "override", nil, "prompt override phase=template[@version] (repeatable)")
	runCmd.Flags().BoolVar(&runPinned, "pinned", false, "enforce template version pins")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "cancel the execution after this duration")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print events as JSON lines")
	runCmd.Flags().StringArrayVar(&runVars, "var", nil, "template variable key=value (repeatable)")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	opts, err := dispatchOptions()
	if err != nil {
		return err
	}

	pm, err := planmesh.NewFromConfig(cfg, func(o *planmesh.BuildOptions) {
		o.LogOutput = os.Stderr
	})
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Manager.CancellationTimeout)
		defer cancel()
		_ = pm.Close(ctx)
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runTimeout)
		defer cancel()
	}

	out := cmd.OutOrStdout()
	res, err := pm.RunSync(ctx, args[0], core.StrategyKind(runStrategy), opts, func(ev core.Event) {
		printEvent(out, ev)
	})
	if err != nil {
		return err
	}

	return res.Err()
}

func dispatchOptions() (core.Options, error) {
	opts := core.Options{PinnedVersions: runPinned}

	if len(runOverrides) > 0 {
		opts.PromptOverrides = make(map[core.Phase]string, len(runOverrides))
		for _, o := range runOverrides {
			phase, id, ok := cutOverride(o)
			if !ok {
				return opts, fmt.Errorf("invalid override %q, want phase=template", o)
			}
			opts.PromptOverrides[phase] = id
		}
	}

	if len(runVars) > 0 {
		opts.Variables = make(map[string]any, len(runVars))
		for _, v := range runVars {
			key, value, ok := strings.Cut(v, "=")
			if !ok {
				return opts, fmt.Errorf("invalid variable %q, want key=value", v)
			}
			opts.Variables[key] = value
		}
	}

	if runPlanFile != "" {
		b, err := os.ReadFile(runPlanFile)
		if err != nil {
			return opts, fmt.Errorf("read plan: %w", err)
		}
		plan, err := strategy.ParsePlan("", string(b))
		if err != nil {
			return opts, fmt.Errorf("plan %s: %w", runPlanFile, err)
		}
		opts.Plan = plan
	}

	return opts, nil
}

func printEvent(w io.Writer, ev core.Event) {
	if runJSON {
		b, err := json.Marshal(ev)
		if err != nil {
			fmt.Fprintf(w, "{\"error\":%q}\n", err.Error())
			return
		}
		fmt.Fprintln(w, string(b))
		return
	}

	switch ev.Type {
	case core.EventPlanUpdate:
		fmt.Fprintf(w, "plan r%d: %s\n", ev.Plan.Revision, ev.Plan.Summary)
		for _, s := range ev.Plan.Steps {
			tool := s.ToolRef
			if tool == "" {
				tool = "llm"
			}
			deps := ""
			if len(s.DependsOn) > 0 {
				deps = " <- " + strings.Join(s.DependsOn, ", ")
			}
			fmt.Fprintf(w, "  [%s] %s (%s)%s\n", s.ID, s.Description, tool, deps)
		}
	case core.EventToolUpdate:
		line := fmt.Sprintf("step %s: %s", ev.StepID, ev.StepStatus)
		if ev.PartialOutput != nil {
			line += fmt.Sprintf(" %v", ev.PartialOutput)
		}
		fmt.Fprintln(w, line)
	case core.EventContent:
		fmt.Fprint(w, ev.TextDelta)
	case core.EventFinalResult:
		fmt.Fprintf(w, "\nresult: %s\n", ev.ResultText)
	case core.EventError:
		fmt.Fprintf(w, "\nerror: %s\n", ev.Error)
	}
}

func cutOverride(s string) (core.Phase, string, bool) {
	phase, id, ok := strings.Cut(s, "=")
	if !ok || phase == "" || id == "" {
		return "", "", false
	}
	return core.Phase(phase), id, true
}

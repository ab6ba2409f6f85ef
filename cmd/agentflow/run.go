package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dshills/agentflow-go/flow"
	"github.com/dshills/agentflow-go/flow/model"
	"github.com/dshills/agentflow-go/flow/stages"
)

func newRunCmd() *cobra.Command {
	var (
		kind        string
		graphName   string
		contextKVs  []string
		constraints []string
		jsonOut     bool
	)

	cmd := &cobra.Command{
		Use:   "run <requirements>",
		Short: "Execute a pipeline synchronously and report the outcome",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return configErr(err)
			}
			taskKind := flow.TaskKind(kind)
			if !flow.ValidTaskKind(taskKind) {
				return configErr(fmt.Errorf("unknown task kind %q", kind))
			}
			runCtx, err := parseKVs(contextKVs)
			if err != nil {
				return configErr(err)
			}

			log := newLogger()
			client, err := cfg.newModelClient(model.NewMeter(nil))
			if err != nil {
				return configErr(err)
			}
			orch, err := cfg.newOrchestrator(log, flow.EngineConfig{Models: client})
			if err != nil {
				return configErr(err)
			}

			if graphName == "" {
				graphName = stages.PipelineFor(taskKind)
			}

			id, err := orch.CreateRun(graphName, flow.RunInputs{
				Requirements: strings.Join(args, " "),
				TaskKind:     taskKind,
				Context:      runCtx,
				Constraints:  constraints,
			})
			if err != nil {
				return configErr(err)
			}
			if err := orch.StartRun(id); err != nil {
				return internalErr(err)
			}

			// An interrupt cancels the run; the wait then ends normally
			// once the engine checkpoints and settles, so the report and
			// exit code reflect the cancelled run.
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				if cmd.Context().Err() == nil {
					_ = orch.CancelRun(id)
				}
			}()

			if err := orch.Wait(cmd.Context(), id); err != nil {
				return internalErr(err)
			}
			run, err := orch.GetRun(id)
			if err != nil {
				return internalErr(err)
			}
			return reportRun(cmd, orch, run, jsonOut)
		},
	}

	cmd.Flags().StringVar(&kind, "kind", string(flow.TaskFeature), "task kind: feature, bugfix, hotfix, refactor, documentation")
	cmd.Flags().StringVar(&graphName, "graph", "", "pipeline graph (defaults to the graph for --kind)")
	cmd.Flags().StringArrayVar(&contextKVs, "context", nil, "extra context as key=value (repeatable)")
	cmd.Flags().StringArrayVar(&constraints, "constraint", nil, "constraint on the work (repeatable)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the final run record as JSON")
	return cmd
}

func parseKVs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("--context: %q is not key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

func reportRun(cmd *cobra.Command, orch *flow.Orchestrator, run *flow.Run, jsonOut bool) error {
	if jsonOut {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(run); err != nil {
			return internalErr(err)
		}
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "run %s: %s\n", run.RunID, run.Status)
		for _, ex := range run.Executions {
			fmt.Fprintf(cmd.OutOrStdout(), "  %-14s %-12s attempt=%d %s\n", ex.Stage, ex.Outcome, ex.Attempt, ex.Duration)
		}
		if state, err := orch.GetState(cmd.Context(), run.RunID, ""); err == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "tokens: input=%d output=%d total=%d\n",
				state.TokenUsage.Input, state.TokenUsage.Output, state.TokenUsage.Total)
			for _, art := range state.Artifacts {
				fmt.Fprintf(cmd.OutOrStdout(), "artifact: %s (%s, %d bytes)\n", art.Name, art.Kind, art.Size)
			}
		}
		if primary := run.PrimaryError(); primary != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "error at %s: %s (%s)\n", primary.Stage, primary.Message, primary.Kind)
		}
	}

	switch run.Status {
	case flow.StatusCompleted:
		return nil
	case flow.StatusCancelled:
		return statusExit(exitCancelled)
	case flow.StatusFailed:
		return statusExit(exitFailed)
	default:
		return statusExit(exitInternal)
	}
}

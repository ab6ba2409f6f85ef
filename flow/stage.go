package flow

import (
	"context"
	"log/slog"

	"github.com/dshills/agentflow-go/flow/model"
)

// Outcome is the tagged result of one stage execution. Retry is a loop in
// the stage runtime that inspects the tag; stages never raise to signal
// control flow.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeRetry   Outcome = "needs_retry"
	OutcomeSuspend Outcome = "suspend"
	OutcomeFatal   Outcome = "fatal"
)

// StageResult is what a stage returns from Execute.
type StageResult struct {
	Outcome Outcome

	// Delta is the partial state to merge. Required when Outcome is ok,
	// ignored on fatal.
	Delta *Delta

	// Err carries the failure on needs_retry and fatal outcomes.
	Err error
}

// CapabilityCaller is the stage-facing slice of the capability registry.
type CapabilityCaller interface {
	Call(ctx context.Context, capability, operation string, params map[string]any) (map[string]any, error)
}

// StageContext carries everything a stage may reach during Execute. Stages
// must not resolve models or capabilities by any other route.
type StageContext struct {
	RunID string
	Stage string

	// Models is the model-call adapter handle.
	Models model.Client

	// Capabilities is the registry handle, nil when the deployment carries
	// no capabilities.
	Capabilities CapabilityCaller

	// Log is keyed to the run.
	Log *slog.Logger

	// TokenBudget is the remaining allowance for this run; zero means
	// unlimited.
	TokenBudget int
}

// Logger returns the context's logger, never nil.
func (c *StageContext) Logger() *slog.Logger {
	if c == nil || c.Log == nil {
		return slog.Default()
	}
	return c.Log
}

// Stage is the uniform contract every pipeline stage implements. There is
// no base implementation to inherit from; stages compose helpers instead.
type Stage interface {
	// Name identifies the stage; it must match its StageSpec.
	Name() string

	// Validate checks the stage's declared inputs before any execution.
	// A non-nil error fails the run without executing.
	Validate(s *RunState) error

	// Execute runs the stage against a read-only snapshot of the state.
	// Cancellation and the per-stage timeout arrive through ctx.
	Execute(ctx context.Context, s *RunState, sc *StageContext) StageResult
}

// StageFactory builds a stage instance at engine-build time.
type StageFactory func() Stage

// Ok wraps a delta in a successful result.
func Ok(d *Delta) StageResult { return StageResult{Outcome: OutcomeOK, Delta: d} }

// Retry signals a transient failure the runtime may re-attempt.
func Retry(err error) StageResult { return StageResult{Outcome: OutcomeRetry, Err: err} }

// Suspend pauses the run without failure, persisting the given delta first.
func Suspend(d *Delta) StageResult { return StageResult{Outcome: OutcomeSuspend, Delta: d} }

// Fatal fails the run.
func Fatal(err error) StageResult { return StageResult{Outcome: OutcomeFatal, Err: err} }

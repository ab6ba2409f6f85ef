package flow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// stageRun is what the runtime hands back to the engine after driving one
// stage to a final outcome.
type stageRun struct {
	Delta      *Delta
	Outcome    Outcome
	Err        *FlowError
	Executions []AgentExecution
}

// runtime executes one stage under the uniform contract: input validation,
// per-attempt timeout, panic recovery, bounded retry with full-jitter
// backoff, and output contract checking.
type runtime struct {
	metrics *Metrics
	tracer  trace.Tracer
	sleepFn func(ctx context.Context, d time.Duration) error

	mu  sync.Mutex
	rng *rand.Rand
}

func newRuntime(metrics *Metrics, tracer trace.Tracer) *runtime {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("agentflow")
	}
	return &runtime{
		metrics: metrics,
		tracer:  tracer,
		sleepFn: sleepCtx,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- jitter timing only
	}
}

// runStage drives stage through validation and up to spec.MaxAttempts
// executions against the given snapshot. The snapshot is never mutated; the
// merged delta is returned for the engine's single-threaded reducer pass.
func (rt *runtime) runStage(ctx context.Context, spec StageSpec, stage Stage, snapshot *RunState, sc *StageContext) stageRun {
	log := sc.Logger().With("run_id", sc.RunID, "stage", spec.Name)

	if err := stage.Validate(snapshot); err != nil {
		log.Error("stage input validation failed", "error", err)
		return stageRun{
			Outcome: OutcomeFatal,
			Err:     WrapErr(KindValidation, spec.Name, err),
		}
	}

	var (
		executions []AgentExecution
		lastErr    *FlowError
	)
	for attempt := 0; attempt < spec.MaxAttempts; attempt++ {
		if attempt > 0 {
			rt.mu.Lock()
			delay := backoffDelay(rt.rng, attempt-1)
			rt.mu.Unlock()
			if err := rt.sleepFn(ctx, delay); err != nil {
				lastErr = WrapErr(KindCancelled, spec.Name, err)
				break
			}
			if rt.metrics != nil {
				rt.metrics.StageRetries.WithLabelValues(spec.Name).Inc()
			}
		}

		exec, result := rt.attempt(ctx, spec, stage, snapshot, sc, attempt)
		executions = append(executions, exec)

		switch result.Outcome {
		case OutcomeOK:
			if ferr := checkContract(spec, result.Delta); ferr != nil {
				log.Error("stage output contract breach", "error", ferr)
				executions[len(executions)-1].Outcome = OutcomeFatal
				executions[len(executions)-1].Error = ferr.Error()
				return stageRun{Outcome: OutcomeFatal, Err: ferr, Executions: executions}
			}
			return stageRun{Delta: result.Delta, Outcome: OutcomeOK, Executions: executions}

		case OutcomeSuspend:
			if !spec.MaySuspend {
				ferr := Errf(KindContractBreach, spec.Name, "stage %q suspended but is not declared suspendable", spec.Name)
				return stageRun{Outcome: OutcomeFatal, Err: ferr, Executions: executions}
			}
			return stageRun{Delta: result.Delta, Outcome: OutcomeSuspend, Executions: executions}

		case OutcomeRetry:
			kind := KindOf(result.Err)
			lastErr = WrapErr(kind, spec.Name, result.Err)
			if !kind.Retryable() {
				log.Error("stage failed with non-retryable kind", "kind", kind.String(), "error", result.Err)
				return stageRun{Outcome: OutcomeFatal, Err: lastErr, Executions: executions}
			}
			log.Warn("stage attempt failed, will retry", "attempt", attempt+1, "kind", kind.String(), "error", result.Err)

		default: // OutcomeFatal
			lastErr = WrapErr(KindOf(result.Err), spec.Name, result.Err)
			return stageRun{Outcome: OutcomeFatal, Err: lastErr, Executions: executions}
		}

		if ctx.Err() != nil {
			lastErr = WrapErr(KindCancelled, spec.Name, ctx.Err())
			break
		}
	}

	if lastErr == nil {
		lastErr = Errf(KindInternal, spec.Name, "stage %q exhausted attempts without a recorded error", spec.Name)
	}
	return stageRun{Outcome: OutcomeFatal, Err: lastErr, Executions: executions}
}

// attempt runs a single execution with timeout enforcement and panic
// recovery, producing its execution record.
func (rt *runtime) attempt(ctx context.Context, spec StageSpec, stage Stage, snapshot *RunState, sc *StageContext, n int) (AgentExecution, StageResult) {
	started := time.Now().UTC()
	exec := AgentExecution{
		RunID:     sc.RunID,
		Stage:     spec.Name,
		Attempt:   n,
		InputHash: stateHash(snapshot),
		StartedAt: started,
	}

	attemptCtx, span := rt.tracer.Start(ctx, "stage."+spec.Name,
		trace.WithAttributes(
			attribute.String("run_id", sc.RunID),
			attribute.Int("attempt", n),
		))
	defer span.End()

	// The timeout is enforced literally. A zero or negative timeout yields
	// an already-expired context and the attempt never reaches Execute.
	attemptCtx, cancel := context.WithTimeout(attemptCtx, spec.Timeout)
	defer cancel()

	result := rt.invoke(attemptCtx, stage, snapshot, sc)

	// Classify deadline expiry ahead of caller cancellation so a run-level
	// cancel is never mistaken for a stage timeout.
	if ctx.Err() == context.Canceled {
		result = Fatal(WrapErr(KindCancelled, spec.Name, ctx.Err()))
	} else if attemptCtx.Err() == context.DeadlineExceeded && result.Outcome != OutcomeOK {
		result = Retry(Errf(KindTransportTimeout, spec.Name, "stage %q exceeded its %s timeout", spec.Name, spec.Timeout))
	}

	exec.Duration = time.Since(started)
	exec.Outcome = result.Outcome
	if result.Err != nil {
		exec.Error = result.Err.Error()
	}
	if result.Delta != nil {
		exec.Tokens = result.Delta.TokenUsage
	}

	if rt.metrics != nil {
		rt.metrics.StageDuration.WithLabelValues(spec.Name, string(result.Outcome)).Observe(exec.Duration.Seconds())
	}
	return exec, result
}

// invoke calls Execute with panic recovery. An expired context short-circuits
// before the stage runs at all.
func (rt *runtime) invoke(ctx context.Context, stage Stage, snapshot *RunState, sc *StageContext) (result StageResult) {
	if err := ctx.Err(); err != nil {
		return Retry(err)
	}
	defer func() {
		if r := recover(); r != nil {
			result = Fatal(Errf(KindInternal, stage.Name(), "stage panicked: %v", r))
		}
	}()
	return stage.Execute(ctx, snapshot, sc)
}

// checkContract validates that a successful delta writes only the declared
// output slot plus accumulators.
func checkContract(spec StageSpec, d *Delta) *FlowError {
	if d == nil {
		return Errf(KindContractBreach, spec.Name, "stage %q returned ok with no delta", spec.Name)
	}
	if d.Slot != "" && d.Slot != spec.OutputSlot {
		return Errf(KindContractBreach, spec.Name, "stage %q wrote slot %q, declared %q", spec.Name, d.Slot, spec.OutputSlot)
	}
	if d.Slot != "" && d.Output == nil {
		return Errf(KindContractBreach, spec.Name, "stage %q named slot %q without an output", spec.Name, d.Slot)
	}
	return nil
}

// stateHash fingerprints an input snapshot for the execution record.
func stateHash(s *RunState) string {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Sprintf("unhashable:%v", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

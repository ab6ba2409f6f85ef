package flow

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/agentflow-go/flow/checkpoint"
)

// DefaultMaxRuns bounds concurrently executing runs per process.
const DefaultMaxRuns = 64

// RunInputs are the immutable inputs of a new run.
type RunInputs struct {
	Requirements string
	TaskKind     TaskKind
	Context      map[string]string
	Constraints  []string
}

// RunFilter selects runs for ListRuns. Zero values match everything.
type RunFilter struct {
	Status    RunStatus
	GraphName string
}

// Page is offset/limit paging for ListRuns.
type Page struct {
	Offset int
	Limit  int
}

// runHandle owns one run's records and execution lifecycle. The mutex
// guards run, state, and cursor; the engine holds it except while stages
// execute.
type runHandle struct {
	mu     sync.Mutex
	run    *Run
	state  *RunState
	cursor []string

	cancel context.CancelFunc
	done   chan struct{}
}

// Orchestrator is the run-control surface consumed by front-ends: create,
// start, cancel, resume, retry, and inspect runs. One process owns each of
// its runs; horizontal scale shards runs across processes.
type Orchestrator struct {
	engine  *Engine
	log     *slog.Logger
	maxRuns int

	mu   sync.Mutex
	runs map[string]*runHandle
}

// OrchestratorConfig configures an Orchestrator.
type OrchestratorConfig struct {
	// Engine executes the graphs. Required.
	Engine *Engine

	// Log defaults to slog.Default.
	Log *slog.Logger

	// MaxRuns bounds concurrently executing runs. Defaults to
	// DefaultMaxRuns.
	MaxRuns int
}

// NewOrchestrator builds the run-control layer over an engine.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.MaxRuns <= 0 {
		cfg.MaxRuns = DefaultMaxRuns
	}
	return &Orchestrator{
		engine:  cfg.Engine,
		log:     cfg.Log,
		maxRuns: cfg.MaxRuns,
		runs:    make(map[string]*runHandle),
	}
}

// CreateRun registers a new pending run and returns its id.
func (o *Orchestrator) CreateRun(graphName string, inputs RunInputs) (string, error) {
	if _, ok := o.engine.Graph(graphName); !ok {
		return "", Errf(KindValidation, "", "unknown graph %q", graphName)
	}
	if !ValidTaskKind(inputs.TaskKind) {
		return "", Errf(KindValidation, "", "invalid task kind %q", inputs.TaskKind)
	}
	if inputs.Requirements == "" {
		return "", Errf(KindValidation, "", "requirements must not be empty")
	}

	runID := uuid.NewString()
	now := time.Now().UTC()
	h := &runHandle{
		run: &Run{
			RunID:     runID,
			GraphName: graphName,
			ThreadID:  runID,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		},
		state: NewRunState(inputs.Requirements, inputs.TaskKind, inputs.Context, inputs.Constraints),
	}

	o.mu.Lock()
	o.runs[runID] = h
	o.mu.Unlock()
	o.log.Info("run created", "run_id", runID, "graph", graphName, "task_kind", inputs.TaskKind)
	return runID, nil
}

// StartRun launches a pending run in the background.
func (o *Orchestrator) StartRun(runID string) error {
	h, err := o.handle(runID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if h.run.Status != StatusPending {
		status := h.run.Status
		h.mu.Unlock()
		return Errf(KindValidation, "", "run %s is %s, not pending", runID, status)
	}
	h.mu.Unlock()

	return o.launch(h, nil)
}

// ExecuteRun creates a run and drives it synchronously to a terminal or
// suspended status, returning the final record.
func (o *Orchestrator) ExecuteRun(ctx context.Context, graphName string, inputs RunInputs) (*Run, error) {
	runID, err := o.CreateRun(graphName, inputs)
	if err != nil {
		return nil, err
	}
	if err := o.StartRun(runID); err != nil {
		return nil, err
	}
	if err := o.Wait(ctx, runID); err != nil {
		return nil, err
	}
	return o.GetRun(runID)
}

// Wait blocks until the run's current execution finishes or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, runID string) error {
	h, err := o.handle(runID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	done := h.done
	h.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetRun returns a copy of the run record.
func (o *Orchestrator) GetRun(runID string) (*Run, error) {
	h, err := o.handle(runID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return copyRun(h.run)
}

// ListRuns returns matching runs sorted by creation time, newest first.
func (o *Orchestrator) ListRuns(filter RunFilter, page Page) ([]Run, error) {
	o.mu.Lock()
	handles := make([]*runHandle, 0, len(o.runs))
	for _, h := range o.runs {
		handles = append(handles, h)
	}
	o.mu.Unlock()

	var out []Run
	for _, h := range handles {
		h.mu.Lock()
		if (filter.Status == "" || h.run.Status == filter.Status) &&
			(filter.GraphName == "" || h.run.GraphName == filter.GraphName) {
			if r, err := copyRun(h.run); err == nil {
				out = append(out, *r)
			}
		}
		h.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if page.Offset > 0 {
		if page.Offset >= len(out) {
			return nil, nil
		}
		out = out[page.Offset:]
	}
	if page.Limit > 0 && len(out) > page.Limit {
		out = out[:page.Limit]
	}
	return out, nil
}

// CancelRun signals cooperative cancellation. Cancelling a terminal run is
// a no-op.
func (o *Orchestrator) CancelRun(runID string) error {
	h, err := o.handle(runID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	if h.run.Status.Terminal() {
		h.mu.Unlock()
		return nil
	}
	if h.run.Status == StatusPending || h.run.Status == StatusSuspended {
		// Nothing is executing; transition directly.
		_ = h.run.setStatus(StatusCancelled)
		h.mu.Unlock()
		return nil
	}
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// ResumeRun restarts a suspended, cancelled, or failed run from its cursor,
// optionally merging a state patch first. Resuming a completed run is a
// no-op.
func (o *Orchestrator) ResumeRun(runID string, patch *Delta) error {
	h, err := o.handle(runID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	switch h.run.Status {
	case StatusCompleted:
		h.mu.Unlock()
		return nil
	case StatusSuspended, StatusCancelled, StatusFailed:
	default:
		status := h.run.Status
		h.mu.Unlock()
		return Errf(KindValidation, "", "run %s is %s, cannot resume", runID, status)
	}
	if patch != nil {
		if err := h.state.ApplyDelta(patch); err != nil {
			h.mu.Unlock()
			return err
		}
	}
	cursor := append([]string(nil), h.cursor...)
	h.mu.Unlock()

	o.log.Info("run resuming", "run_id", runID, "cursor", cursor)
	return o.launch(h, cursor)
}

// RetryRun re-executes a failed run, from fromStage when given, else from
// the stage that failed.
func (o *Orchestrator) RetryRun(runID, fromStage string) error {
	h, err := o.handle(runID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if h.run.Status != StatusFailed {
		status := h.run.Status
		h.mu.Unlock()
		return Errf(KindValidation, "", "run %s is %s, only failed runs retry", runID, status)
	}
	start := fromStage
	if start == "" {
		if primary := h.run.PrimaryError(); primary != nil {
			start = primary.Stage
		}
	}
	if start == "" {
		h.mu.Unlock()
		return Errf(KindValidation, "", "run %s has no failing stage to retry from", runID)
	}
	g, _ := o.engine.Graph(h.run.GraphName)
	spec, declared := g.Spec(start)
	if !declared {
		h.mu.Unlock()
		return Errf(KindValidation, "", "stage %q is not part of graph %q", start, h.run.GraphName)
	}
	// The retried stage rewrites its slot, so free it first.
	delete(h.state.Outputs, spec.OutputSlot)
	h.mu.Unlock()

	o.log.Info("run retrying", "run_id", runID, "from", start)
	return o.launch(h, []string{start})
}

// Artifacts returns the run's artifacts, optionally filtered by kind.
func (o *Orchestrator) Artifacts(runID string, kind ArtifactKind) ([]Artifact, error) {
	h, err := o.handle(runID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.ArtifactsByKind(kind), nil
}

// History returns the run's checkpoints, newest first.
func (o *Orchestrator) History(ctx context.Context, runID string, limit int) ([]checkpoint.Checkpoint, error) {
	h, err := o.handle(runID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	threadID := h.run.ThreadID
	h.mu.Unlock()
	return o.engine.Store().List(ctx, threadID, limit)
}

// GetState returns the run state at a checkpoint, or the live state when
// checkpointID is empty.
func (o *Orchestrator) GetState(ctx context.Context, runID, checkpointID string) (*RunState, error) {
	h, err := o.handle(runID)
	if err != nil {
		return nil, err
	}
	if checkpointID == "" {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.state.Clone()
	}
	h.mu.Lock()
	threadID := h.run.ThreadID
	h.mu.Unlock()
	cp, err := o.engine.Store().Get(ctx, threadID, checkpointID)
	if err != nil {
		return nil, err
	}
	state, _, _, err := DecodeSnapshot(cp.State)
	return state, err
}

// launch starts or restarts the engine loop for a handle.
func (o *Orchestrator) launch(h *runHandle, cursor []string) error {
	if active := o.activeRuns(); active >= o.maxRuns {
		return Errf(KindInternal, "", "run limit reached (%d active)", active)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	h.mu.Lock()
	h.cancel = cancel
	h.done = done
	run, state := h.run, h.state
	graphName := run.GraphName
	h.mu.Unlock()

	g, ok := o.engine.Graph(graphName)
	if !ok {
		cancel()
		close(done)
		return Errf(KindInternal, "", "graph %q disappeared", graphName)
	}

	go func() {
		defer close(done)
		defer cancel()
		if err := o.engine.ExecuteGraph(ctx, g, run, state, cursor, &h.mu); err != nil {
			o.log.Error("engine loop error", "run_id", run.RunID, "error", err)
		}
		h.mu.Lock()
		h.cursor = run.NextStages
		h.mu.Unlock()
	}()
	return nil
}

func (o *Orchestrator) activeRuns() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, h := range o.runs {
		h.mu.Lock()
		if h.run.Status == StatusRunning {
			n++
		}
		h.mu.Unlock()
	}
	return n
}

func (o *Orchestrator) handle(runID string) (*runHandle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.runs[runID]
	if !ok {
		return nil, Errf(KindValidation, "", "unknown run %s", runID)
	}
	return h, nil
}

func copyRun(r *Run) (*Run, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	out := &Run{}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

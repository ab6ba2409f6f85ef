package flow

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/agentflow-go/flow/checkpoint"
	"github.com/dshills/agentflow-go/flow/hub"
	"github.com/dshills/agentflow-go/flow/model"
)

// DefaultFanOutLimit bounds concurrent branches inside one fan-out block.
const DefaultFanOutLimit = 8

// EngineConfig wires the engine's collaborators. Everything is injected;
// the engine owns no process-wide singletons.
type EngineConfig struct {
	// Store persists checkpoints. Defaults to an in-memory store.
	Store checkpoint.Store

	// Hub receives an event after every checkpoint. Optional.
	Hub *hub.Hub

	// Models is the model-call adapter handed to stages.
	Models model.Client

	// Capabilities is the registry handle handed to stages. Optional.
	Capabilities CapabilityCaller

	// Metrics receives engine counters. Optional.
	Metrics *Metrics

	// Log is the engine's structured logger. Defaults to slog.Default.
	Log *slog.Logger

	// Tracer creates one span per stage attempt. Optional.
	Tracer trace.Tracer

	// FanOutLimit bounds concurrent fan-out branches per run.
	FanOutLimit int

	// TokenBudget caps the tokens one run may consume across all stages.
	// Zero means unlimited. A stage scheduled after the budget is spent
	// fails the run with KindTokenLimit.
	TokenBudget int
}

// Engine executes registered graphs. Graphs and stage factories are frozen
// at registration; per-run mutable state lives in the Run and RunState the
// caller owns, so one engine serves many concurrent runs.
type Engine struct {
	store   checkpoint.Store
	hub     *hub.Hub
	models  model.Client
	caps    CapabilityCaller
	metrics *Metrics
	log     *slog.Logger
	rt      *runtime

	fanOutLimit int
	tokenBudget int

	mu        sync.RWMutex
	graphs    map[string]*Graph
	factories map[string]StageFactory
}

// NewEngine builds an engine from its configuration.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Store == nil {
		cfg.Store = checkpoint.NewMemStore()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.FanOutLimit <= 0 {
		cfg.FanOutLimit = DefaultFanOutLimit
	}
	return &Engine{
		store:       cfg.Store,
		hub:         cfg.Hub,
		models:      cfg.Models,
		caps:        cfg.Capabilities,
		metrics:     cfg.Metrics,
		log:         cfg.Log,
		rt:          newRuntime(cfg.Metrics, cfg.Tracer),
		fanOutLimit: cfg.FanOutLimit,
		tokenBudget: cfg.TokenBudget,
		graphs:      make(map[string]*Graph),
		factories:   make(map[string]StageFactory),
	}
}

// RegisterStage installs a stage implementation under its spec's name.
// Graphs reference stages by name only.
func (e *Engine) RegisterStage(spec StageSpec, factory StageFactory) error {
	if spec.Name == "" || factory == nil {
		return Errf(KindValidation, "", "stage registration needs a name and a factory")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.factories[spec.Name]; exists {
		return Errf(KindValidation, spec.Name, "stage %q already registered", spec.Name)
	}
	e.factories[spec.Name] = factory
	return nil
}

// RegisterGraph validates the graph, checks that every stage has a
// registered factory, and freezes it.
func (e *Engine) RegisterGraph(g *Graph) error {
	if err := g.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.graphs[g.Name()]; exists {
		return Errf(KindValidation, "", "graph %q already registered", g.Name())
	}
	for _, name := range g.StageNames() {
		if _, ok := e.factories[name]; !ok {
			return Errf(KindValidation, name, "graph %q references unregistered stage %q", g.Name(), name)
		}
	}
	g.freeze()
	e.graphs[g.Name()] = g
	return nil
}

// Graph returns a registered graph.
func (e *Engine) Graph(name string) (*Graph, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	g, ok := e.graphs[name]
	return g, ok
}

// Store exposes the checkpoint store for history queries.
func (e *Engine) Store() checkpoint.Store { return e.store }

// snapshot is the serialized form of a checkpoint's state payload. The
// cursor names the stages to execute next, empty for terminal checkpoints.
type snapshot struct {
	State      *RunState `json:"state"`
	Cursor     []string  `json:"cursor,omitempty"`
	Status     RunStatus `json:"status"`
	RetryCount int       `json:"retry_count"`
}

// DecodeSnapshot unpacks a checkpoint's state payload.
func DecodeSnapshot(data []byte) (*RunState, []string, RunStatus, error) {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, nil, "", fmt.Errorf("failed to decode checkpoint state: %w", err)
	}
	return snap.State, snap.Cursor, snap.Status, nil
}

// runSession is the per-run execution bookkeeping.
type runSession struct {
	graph  *Graph
	run    *Run
	state  *RunState
	cursor []string
	lock   sync.Locker

	lastCheckpointID string
	cpFailures       int
}

type nopLocker struct{}

func (nopLocker) Lock()   {}
func (nopLocker) Unlock() {}

// ExecuteGraph drives one run to a terminal or suspended status, starting
// from cursor. It mutates run and state in place under lock, releasing it
// only while stages execute against snapshots, so concurrent readers see
// consistent records. A nil lock disables the locking.
func (e *Engine) ExecuteGraph(ctx context.Context, g *Graph, run *Run, state *RunState, cursor []string, lock sync.Locker) error {
	if lock == nil {
		lock = nopLocker{}
	}
	if len(cursor) == 0 {
		cursor = []string{g.Entry()}
	}
	sess := &runSession{graph: g, run: run, state: state, cursor: cursor, lock: lock}
	if cp, err := e.store.Get(ctx, run.ThreadID, ""); err == nil {
		sess.lastCheckpointID = cp.CheckpointID
	}

	lock.Lock()
	defer lock.Unlock()

	if err := run.setStatus(StatusRunning); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.ActiveRuns.Inc()
		defer e.metrics.ActiveRuns.Dec()
	}

	log := e.log.With("run_id", run.RunID, "graph", g.Name())
	log.Info("run started", "entry", sess.cursor)

	for {
		if ctx.Err() != nil {
			return e.finishCancelled(run, sess, log)
		}
		if len(sess.cursor) == 0 || sess.cursor[0] == End {
			return e.finishCompleted(ctx, run, sess, log)
		}

		var err error
		if len(sess.cursor) == 1 {
			err = e.stepOne(ctx, sess, log)
		} else {
			err = e.stepFanOut(ctx, sess, log)
		}
		if err != nil {
			ferr, ok := err.(*FlowError)
			if !ok {
				ferr = WrapErr(KindInternal, run.CurrentStage, err)
			}
			if ferr.Kind == KindCancelled {
				return e.finishCancelled(run, sess, log)
			}
			return e.finishFailed(ctx, run, sess, ferr, log)
		}
		if run.Status == StatusSuspended {
			log.Info("run suspended", "stage", sess.cursor)
			return nil
		}
	}
}

// stepOne executes a single stage and routes to its successors.
func (e *Engine) stepOne(ctx context.Context, sess *runSession, log *slog.Logger) error {
	name := sess.cursor[0]
	spec, stage, err := e.resolve(sess.graph, name)
	if err != nil {
		return err
	}
	sess.run.CurrentStage = name
	sess.run.NextStages = nil

	remaining, err := e.remainingTokens(sess.state, name)
	if err != nil {
		return err
	}
	snapshotState, err := sess.state.Clone()
	if err != nil {
		return WrapErr(KindInternal, name, err)
	}

	sctx := e.stageContext(sess.run, name, remaining)
	sess.lock.Unlock()
	sr := e.rt.runStage(ctx, spec, stage, snapshotState, sctx)
	sess.lock.Lock()

	sess.run.Executions = append(sess.run.Executions, sr.Executions...)
	if n := len(sr.Executions); n > 1 {
		sess.run.RetryCount += n - 1
	}

	switch sr.Outcome {
	case OutcomeOK:
		if err := sess.state.ApplyDelta(sr.Delta); err != nil {
			if e.metrics != nil {
				e.metrics.MergeConflicts.Inc()
			}
			return err
		}
		next, err := e.route(sess.graph, name, sess.state)
		if err != nil {
			return err
		}
		sess.cursor = next
		sess.run.NextStages = next
		if err := e.commit(ctx, sess, hub.KindStageComplete, changedChannels(sr.Delta)); err != nil {
			return err
		}
		log.Info("stage completed", "stage", name, "next", next, "attempts", len(sr.Executions))
		return nil

	case OutcomeSuspend:
		if sr.Delta != nil {
			if err := sess.state.ApplyDelta(sr.Delta); err != nil {
				return err
			}
		}
		// The cursor stays on this stage so resume re-invokes it.
		sess.cursor = []string{name}
		sess.run.NextStages = append([]string(nil), sess.cursor...)
		if err := sess.run.setStatus(StatusSuspended); err != nil {
			return err
		}
		return e.commit(ctx, sess, hub.KindStateUpdate, changedChannels(sr.Delta))

	default:
		return sr.Err
	}
}

// stepFanOut runs the cursor's stages concurrently against snapshots of the
// state at fan-out time, then merges their deltas in a single deterministic
// pass ordered by branch order key. Any branch failure poisons the join and
// no branch delta reaches the state.
func (e *Engine) stepFanOut(ctx context.Context, sess *runSession, log *slog.Logger) error {
	parent := sess.run.CurrentStage
	branches := append([]string(nil), sess.cursor...)
	sess.run.NextStages = branches

	type branchResult struct {
		name     string
		orderKey uint64
		sr       stageRun
	}
	results := make([]branchResult, len(branches))

	remaining, err := e.remainingTokens(sess.state, parent)
	if err != nil {
		return err
	}
	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(e.fanOutLimit)
	for i, name := range branches {
		spec, stage, err := e.resolve(sess.graph, name)
		if err != nil {
			return err
		}
		snapshotState, err := sess.state.Clone()
		if err != nil {
			return WrapErr(KindInternal, name, err)
		}
		sctx := e.stageContext(sess.run, name, remaining)
		i, name := i, name
		grp.Go(func() error {
			sr := e.rt.runStage(grpCtx, spec, stage, snapshotState, sctx)
			results[i] = branchResult{name: name, orderKey: branchOrderKey(parent, i), sr: sr}
			if sr.Outcome != OutcomeOK {
				return sr.Err
			}
			return nil
		})
	}
	sess.lock.Unlock()
	groupErr := grp.Wait()
	sess.lock.Lock()

	for _, res := range results {
		sess.run.Executions = append(sess.run.Executions, res.sr.Executions...)
		if n := len(res.sr.Executions); n > 1 {
			sess.run.RetryCount += n - 1
		}
	}

	if groupErr != nil {
		// Partial failure poisons the join: no branch delta is merged.
		ferr, ok := groupErr.(*FlowError)
		if !ok {
			ferr = WrapErr(KindOf(groupErr), parent, groupErr)
		}
		// A failing branch cancels its siblings through the group context.
		// Report the branch's own failure, not the induced cancellation.
		if ferr.Kind == KindCancelled && ctx.Err() == nil {
			for _, res := range results {
				if res.sr.Err != nil && res.sr.Err.Kind != KindCancelled {
					ferr = res.sr.Err
					break
				}
			}
		}
		log.Error("fan-out branch failed", "parent", parent, "error", ferr)
		return ferr
	}

	sort.Slice(results, func(i, j int) bool { return results[i].orderKey < results[j].orderKey })
	deltas := make([]*Delta, 0, len(results))
	for _, res := range results {
		deltas = append(deltas, res.sr.Delta)
	}
	if err := sess.state.MergeFanIn(deltas); err != nil {
		if e.metrics != nil {
			e.metrics.MergeConflicts.Inc()
		}
		return err
	}

	join := e.joinOf(sess.graph, parent)
	if join != "" {
		sess.cursor = []string{join}
	} else {
		sess.cursor = nil
	}
	sess.run.NextStages = sess.cursor

	changed := make([]string, 0, len(deltas))
	for _, d := range deltas {
		changed = append(changed, changedChannels(d)...)
	}
	if err := e.commit(ctx, sess, hub.KindStageComplete, changed); err != nil {
		return err
	}
	log.Info("fan-out merged", "parent", parent, "branches", branches, "join", join)
	return nil
}

// route evaluates the outgoing edge of a completed stage.
func (e *Engine) route(g *Graph, from string, state *RunState) ([]string, error) {
	edge, ok := g.edge(from)
	if !ok {
		// No outgoing edge terminates the run.
		return nil, nil
	}
	if edge.Router == nil {
		if edge.To == End {
			return nil, nil
		}
		return []string{edge.To}, nil
	}
	next := edge.Router(state)
	filtered := make([]string, 0, len(next))
	for _, n := range next {
		if n == End {
			continue
		}
		if _, declared := g.Spec(n); !declared {
			return nil, Errf(KindInternal, from, "router of %q returned undeclared stage %q", from, n)
		}
		filtered = append(filtered, n)
	}
	if len(filtered) > 1 && edge.Join == "" {
		return nil, Errf(KindInternal, from, "router of %q fanned out without a declared join", from)
	}
	return filtered, nil
}

func (e *Engine) joinOf(g *Graph, from string) string {
	if edge, ok := g.edge(from); ok {
		return edge.Join
	}
	return ""
}

func (e *Engine) resolve(g *Graph, name string) (StageSpec, Stage, error) {
	spec, ok := g.Spec(name)
	if !ok {
		return StageSpec{}, nil, Errf(KindInternal, name, "stage %q is not declared in graph %q", name, g.Name())
	}
	e.mu.RLock()
	factory, ok := e.factories[name]
	e.mu.RUnlock()
	if !ok {
		return StageSpec{}, nil, Errf(KindInternal, name, "no factory registered for stage %q", name)
	}
	return spec, factory(), nil
}

func (e *Engine) stageContext(run *Run, stage string, tokenBudget int) *StageContext {
	return &StageContext{
		RunID:        run.RunID,
		Stage:        stage,
		Models:       e.models,
		Capabilities: e.caps,
		Log:          e.log.With("run_id", run.RunID, "stage", stage),
		TokenBudget:  tokenBudget,
	}
}

// remainingTokens returns the run's unspent token allowance, or a
// KindTokenLimit failure once the configured budget is gone. Zero with a
// nil error means unlimited.
func (e *Engine) remainingTokens(state *RunState, stage string) (int, error) {
	if e.tokenBudget <= 0 {
		return 0, nil
	}
	remaining := e.tokenBudget - state.TokenUsage.Total
	if remaining <= 0 {
		return 0, Errf(KindTokenLimit, stage, "token budget exhausted: %d of %d used", state.TokenUsage.Total, e.tokenBudget)
	}
	return remaining, nil
}

// commit persists a checkpoint and publishes the update event. Checkpoint
// write failure is non-fatal for the step, but two consecutive failures
// escalate and fail the run.
func (e *Engine) commit(ctx context.Context, sess *runSession, kind hub.EventKind, changed []string) error {
	snap := snapshot{
		State:      sess.state,
		Cursor:     sess.cursor,
		Status:     sess.run.Status,
		RetryCount: sess.run.RetryCount,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return WrapErr(KindInternal, sess.run.CurrentStage, err)
	}
	cp := checkpoint.Checkpoint{
		ThreadID:        sess.run.ThreadID,
		CheckpointID:    uuid.NewString(),
		ParentID:        sess.lastCheckpointID,
		CreatedAt:       time.Now().UTC(),
		State:           data,
		ChannelVersions: copyVersions(sess.state.Versions),
	}

	putCtx := ctx
	if putCtx.Err() != nil {
		// Cancellation still checkpoints the most recent successful stage.
		var cancel context.CancelFunc
		putCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := e.store.Put(putCtx, cp); err != nil {
		sess.cpFailures++
		if e.metrics != nil {
			e.metrics.CheckpointFailures.Inc()
		}
		e.log.Warn("checkpoint write failed", "run_id", sess.run.RunID, "failures", sess.cpFailures, "error", err)
		e.appendError(sess, Errf(KindCheckpointUnavailable, sess.run.CurrentStage, "checkpoint lag: %v", err))
		if sess.cpFailures >= 2 {
			return Errf(KindCheckpointUnavailable, sess.run.CurrentStage, "two consecutive checkpoint failures: %v", err)
		}
	} else {
		sess.cpFailures = 0
		sess.lastCheckpointID = cp.CheckpointID
	}

	e.publish(sess, kind, changed, nil)
	return nil
}

func (e *Engine) publish(sess *runSession, kind hub.EventKind, changed []string, payload map[string]any) {
	if e.hub == nil {
		return
	}
	e.hub.Publish(sess.run.RunID, hub.Event{
		Kind:          kind,
		Progress:      sess.state.Progress(sess.graph.SlotCount()),
		ChangedFields: changed,
		Payload:       payload,
	})
}

func (e *Engine) finishCompleted(ctx context.Context, run *Run, sess *runSession, log *slog.Logger) error {
	sess.cursor = nil
	if err := run.setStatus(StatusCompleted); err != nil {
		return err
	}
	if err := e.commit(ctx, sess, hub.KindStateUpdate, nil); err != nil {
		return err
	}
	e.publish(sess, hub.KindRunComplete, nil, map[string]any{"status": string(StatusCompleted)})
	if e.metrics != nil {
		e.metrics.RunsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	}
	log.Info("run completed", "progress", sess.state.Progress(sess.graph.SlotCount()))
	return nil
}

func (e *Engine) finishFailed(ctx context.Context, run *Run, sess *runSession, ferr *FlowError, log *slog.Logger) error {
	e.appendError(sess, ferr)
	if err := run.setStatus(StatusFailed); err != nil {
		return err
	}
	if err := e.commit(ctx, sess, hub.KindError, []string{ChannelErrors}); err != nil {
		log.Warn("terminal checkpoint failed", "error", err)
	}
	e.publish(sess, hub.KindRunComplete, nil, map[string]any{
		"status": string(StatusFailed),
		"stage":  ferr.Stage,
		"kind":   ferr.Kind.String(),
	})
	if e.metrics != nil {
		e.metrics.RunsTotal.WithLabelValues(string(StatusFailed)).Inc()
	}
	log.Error("run failed", "stage", ferr.Stage, "kind", ferr.Kind.String(), "error", ferr)
	return nil
}

func (e *Engine) finishCancelled(run *Run, sess *runSession, log *slog.Logger) error {
	if run.Status.Terminal() {
		return nil
	}
	if err := run.setStatus(StatusCancelled); err != nil {
		return err
	}
	// Resume restarts at the interrupted stage.
	run.NextStages = append([]string(nil), sess.cursor...)
	// The last successful checkpoint is preserved as-is; restart requires
	// an explicit resume.
	e.publish(sess, hub.KindRunComplete, nil, map[string]any{"status": string(StatusCancelled)})
	if e.metrics != nil {
		e.metrics.RunsTotal.WithLabelValues(string(StatusCancelled)).Inc()
	}
	log.Info("run cancelled", "stage", sess.cursor)
	return nil
}

// appendError records an error in both the state's accumulator and the
// run's error chain. The first entry is the run's primary error.
func (e *Engine) appendError(sess *runSession, ferr *FlowError) {
	entry := StageError{
		Stage:   ferr.Stage,
		Kind:    ferr.Kind,
		Message: ferr.Message,
		At:      time.Now().UTC(),
	}
	sess.state.Errors = append(sess.state.Errors, entry)
	sess.state.bump(ChannelErrors)
	sess.run.ErrorChain = append(sess.run.ErrorChain, entry)
}

// branchOrderKey derives a deterministic sort key for a fan-out branch from
// its parent stage and edge index, so merges order identically on replay
// regardless of completion order.
func branchOrderKey(parent string, edgeIndex int) uint64 {
	h := sha256.New()
	h.Write([]byte(parent))
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], uint32(edgeIndex))
	h.Write(idx[:])
	return binary.BigEndian.Uint64(h.Sum(nil)[:8])
}

// changedChannels lists the state channels a delta touched, for the update
// event's changed_fields.
func changedChannels(d *Delta) []string {
	if d == nil {
		return nil
	}
	var out []string
	if d.Slot != "" {
		out = append(out, ChannelForSlot(d.Slot))
	}
	if len(d.Messages) > 0 {
		out = append(out, ChannelMessages)
	}
	if len(d.Artifacts) > 0 {
		out = append(out, ChannelArtifacts)
	}
	if d.TokenUsage.Input != 0 || d.TokenUsage.Output != 0 {
		out = append(out, ChannelTokenUsage)
	}
	if len(d.Errors) > 0 {
		out = append(out, ChannelErrors)
	}
	return out
}

func copyVersions(v map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

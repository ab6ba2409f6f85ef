package flow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dshills/agentflow-go/flow/checkpoint"
	"github.com/dshills/agentflow-go/flow/hub"
	"github.com/dshills/agentflow-go/flow/model"
)

func quietEngine(cfg EngineConfig) *Engine {
	e := NewEngine(cfg)
	e.rt.sleepFn = func(context.Context, time.Duration) error { return nil }
	return e
}

func registerStages(t *testing.T, e *Engine, stages map[string]Stage) {
	t.Helper()
	for name, st := range stages {
		st := st
		if err := e.RegisterStage(StageSpec{Name: name}, func() Stage { return st }); err != nil {
			t.Fatalf("RegisterStage(%s) error = %v", name, err)
		}
	}
}

func newRun(id, graph string) *Run {
	now := time.Now().UTC()
	return &Run{RunID: id, GraphName: graph, ThreadID: id, Status: StatusPending, CreatedAt: now, UpdatedAt: now}
}

func linearGraph(t *testing.T, e *Engine, stages map[string]Stage, order ...string) *Graph {
	t.Helper()
	registerStages(t, e, stages)
	g := NewGraph("test")
	for _, name := range order {
		if err := g.AddStage(StageSpec{Name: name, OutputSlot: name, MaxAttempts: 3, Timeout: time.Minute}); err != nil {
			t.Fatalf("AddStage(%s) error = %v", name, err)
		}
	}
	for i := 0; i < len(order)-1; i++ {
		if err := g.Connect(order[i], order[i+1]); err != nil {
			t.Fatalf("Connect error = %v", err)
		}
	}
	if err := g.Connect(order[len(order)-1], End); err != nil {
		t.Fatalf("Connect END error = %v", err)
	}
	if err := g.SetEntry(order[0]); err != nil {
		t.Fatalf("SetEntry error = %v", err)
	}
	if err := e.RegisterGraph(g); err != nil {
		t.Fatalf("RegisterGraph error = %v", err)
	}
	return g
}

func okStage(name string) *testStage {
	return &testStage{name: name, script: []StageResult{
		Ok(&Delta{Slot: name, Output: output(name, name + " done"), TokenUsage: model.Usage{Input: 10, Output: 5}}),
	}}
}

func TestExecuteGraphStraightThrough(t *testing.T) {
	store := checkpoint.NewMemStore()
	e := quietEngine(EngineConfig{Store: store})
	g := linearGraph(t, e, map[string]Stage{
		"analysis": okStage("analysis"),
		"planning": okStage("planning"),
	}, "analysis", "planning")

	run := newRun("r1", "test")
	state := NewRunState("build it", TaskFeature, nil, nil)
	if err := e.ExecuteGraph(context.Background(), g, run, state, nil, nil); err != nil {
		t.Fatalf("ExecuteGraph() error = %v", err)
	}

	if run.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", run.Status)
	}
	if state.Outputs["analysis"] == nil || state.Outputs["planning"] == nil {
		t.Errorf("outputs = %v, want both slots filled", state.Outputs)
	}
	if state.TokenUsage.Total != 30 {
		t.Errorf("token total = %d, want 30", state.TokenUsage.Total)
	}
	if len(run.Executions) != 2 {
		t.Errorf("executions = %d, want 2", len(run.Executions))
	}

	// One checkpoint per stage plus the terminal one, parent-chained.
	cps, err := store.List(context.Background(), "r1", 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(cps) != 3 {
		t.Fatalf("checkpoints = %d, want 3", len(cps))
	}
	for i := 0; i < len(cps)-1; i++ {
		if cps[i].ParentID != cps[i+1].CheckpointID {
			t.Errorf("checkpoint %d parent = %q, want %q", i, cps[i].ParentID, cps[i+1].CheckpointID)
		}
	}
	_, cursor, status, err := DecodeSnapshot(cps[0].State)
	if err != nil {
		t.Fatalf("DecodeSnapshot() error = %v", err)
	}
	if len(cursor) != 0 || status != StatusCompleted {
		t.Errorf("terminal snapshot cursor = %v status = %s", cursor, status)
	}
}

func TestExecuteGraphRetriesTransientFailures(t *testing.T) {
	e := quietEngine(EngineConfig{})
	dev := &testStage{name: "development", script: []StageResult{
		Retry(model.ErrRateLimited),
		Retry(model.ErrRateLimited),
		Ok(&Delta{Slot: "development", Output: output("development", "done")}),
	}}
	g := linearGraph(t, e, map[string]Stage{"development": dev}, "development")

	run := newRun("r2", "test")
	state := NewRunState("fix it", TaskBugfix, nil, nil)
	if err := e.ExecuteGraph(context.Background(), g, run, state, nil, nil); err != nil {
		t.Fatalf("ExecuteGraph() error = %v", err)
	}

	if run.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", run.Status)
	}
	if run.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", run.RetryCount)
	}
	if len(run.Executions) != 3 {
		t.Fatalf("executions = %d, want 3", len(run.Executions))
	}
	if run.Executions[0].Outcome != OutcomeRetry || run.Executions[2].Outcome != OutcomeOK {
		t.Errorf("execution outcomes = %v, %v", run.Executions[0].Outcome, run.Executions[2].Outcome)
	}
}

func TestExecuteGraphFailsOnFatalStage(t *testing.T) {
	e := quietEngine(EngineConfig{})
	bad := &testStage{name: "development", script: []StageResult{Fatal(model.ErrContent)}}
	g := linearGraph(t, e, map[string]Stage{"development": bad}, "development")

	run := newRun("r3", "test")
	state := NewRunState("req", TaskFeature, nil, nil)
	if err := e.ExecuteGraph(context.Background(), g, run, state, nil, nil); err != nil {
		t.Fatalf("ExecuteGraph() error = %v", err)
	}

	if run.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", run.Status)
	}
	primary := run.PrimaryError()
	if primary == nil || primary.Kind != KindContent || primary.Stage != "development" {
		t.Errorf("primary error = %+v", primary)
	}
	if len(state.Errors) == 0 {
		t.Error("state error accumulator is empty")
	}
}

func routerGraph(t *testing.T, e *Engine, stages map[string]Stage, router Router, join string) *Graph {
	t.Helper()
	registerStages(t, e, stages)
	g := NewGraph("test")
	for name := range stages {
		if err := g.AddStage(StageSpec{Name: name, OutputSlot: name, MaxAttempts: 1, Timeout: time.Minute}); err != nil {
			t.Fatalf("AddStage(%s) error = %v", name, err)
		}
	}
	if err := g.SetEntry("root"); err != nil {
		t.Fatalf("SetEntry error = %v", err)
	}
	if err := g.ConnectRouter("root", router, join); err != nil {
		t.Fatalf("ConnectRouter error = %v", err)
	}
	if err := e.RegisterGraph(g); err != nil {
		t.Fatalf("RegisterGraph error = %v", err)
	}
	return g
}

func TestExecuteGraphFanOutMergesAndJoins(t *testing.T) {
	e := quietEngine(EngineConfig{})
	stages := map[string]Stage{
		"root":   okStage("root"),
		"left":   okStage("left"),
		"right":  okStage("right"),
		"joiner": okStage("joiner"),
	}
	router := func(*RunState) []string { return []string{"left", "right"} }
	g := routerGraph(t, e, stages, router, "joiner")
	if err := g.Connect("joiner", End); err == nil {
		t.Fatal("Connect on frozen graph accepted")
	}

	run := newRun("r4", "test")
	state := NewRunState("req", TaskFeature, nil, nil)
	if err := e.ExecuteGraph(context.Background(), g, run, state, nil, nil); err != nil {
		t.Fatalf("ExecuteGraph() error = %v", err)
	}

	if run.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", run.Status)
	}
	for _, slot := range []string{"root", "left", "right", "joiner"} {
		if state.Outputs[slot] == nil {
			t.Errorf("slot %q empty", slot)
		}
	}
}

func TestExecuteGraphFanOutPartialFailurePoisonsJoin(t *testing.T) {
	e := quietEngine(EngineConfig{})
	stages := map[string]Stage{
		"root":   okStage("root"),
		"left":   okStage("left"),
		"right":  &testStage{name: "right", script: []StageResult{Fatal(model.ErrContent)}},
		"joiner": okStage("joiner"),
	}
	router := func(*RunState) []string { return []string{"left", "right"} }
	g := routerGraph(t, e, stages, router, "joiner")

	run := newRun("r5", "test")
	state := NewRunState("req", TaskFeature, nil, nil)
	if err := e.ExecuteGraph(context.Background(), g, run, state, nil, nil); err != nil {
		t.Fatalf("ExecuteGraph() error = %v", err)
	}

	if run.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", run.Status)
	}
	// No branch delta reaches the state, the succeeding one included.
	if state.Outputs["left"] != nil || state.Outputs["right"] != nil {
		t.Errorf("branch outputs leaked into state: %v", state.Outputs)
	}
	if state.Outputs["joiner"] != nil {
		t.Error("join ran after a poisoned fan-out")
	}
}

func TestExecuteGraphEmptyRouterCompletes(t *testing.T) {
	e := quietEngine(EngineConfig{})
	stages := map[string]Stage{"root": okStage("root")}
	router := func(*RunState) []string { return nil }
	g := routerGraph(t, e, stages, router, "")

	run := newRun("r6", "test")
	state := NewRunState("req", TaskFeature, nil, nil)
	if err := e.ExecuteGraph(context.Background(), g, run, state, nil, nil); err != nil {
		t.Fatalf("ExecuteGraph() error = %v", err)
	}
	if run.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", run.Status)
	}
}

func TestExecuteGraphRouterUndeclaredStageFails(t *testing.T) {
	e := quietEngine(EngineConfig{})
	stages := map[string]Stage{"root": okStage("root")}
	router := func(*RunState) []string { return []string{"ghost"} }
	g := routerGraph(t, e, stages, router, "")

	run := newRun("r7", "test")
	state := NewRunState("req", TaskFeature, nil, nil)
	if err := e.ExecuteGraph(context.Background(), g, run, state, nil, nil); err != nil {
		t.Fatalf("ExecuteGraph() error = %v", err)
	}
	if run.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", run.Status)
	}
	if primary := run.PrimaryError(); primary == nil || primary.Kind != KindInternal {
		t.Errorf("primary error = %+v, want internal", run.PrimaryError())
	}
}

func TestExecuteGraphSuspendAndResume(t *testing.T) {
	store := checkpoint.NewMemStore()
	e := quietEngine(EngineConfig{Store: store})
	deploy := &testStage{name: "deployment", script: []StageResult{
		Suspend(&Delta{Messages: []Message{{Stage: "deployment", Text: "awaiting approval"}}}),
		Ok(&Delta{Slot: "deployment", Output: output("deployment", "released")}),
	}}
	registerStages(t, e, map[string]Stage{"deployment": deploy})
	g := NewGraph("test")
	if err := g.AddStage(StageSpec{Name: "deployment", OutputSlot: "deployment", MaySuspend: true, MaxAttempts: 1, Timeout: time.Minute}); err != nil {
		t.Fatalf("AddStage error = %v", err)
	}
	if err := g.SetEntry("deployment"); err != nil {
		t.Fatalf("SetEntry error = %v", err)
	}
	if err := g.Connect("deployment", End); err != nil {
		t.Fatalf("Connect error = %v", err)
	}
	if err := e.RegisterGraph(g); err != nil {
		t.Fatalf("RegisterGraph error = %v", err)
	}

	run := newRun("r8", "test")
	state := NewRunState("ship it", TaskFeature, nil, nil)
	if err := e.ExecuteGraph(context.Background(), g, run, state, nil, nil); err != nil {
		t.Fatalf("first ExecuteGraph() error = %v", err)
	}
	if run.Status != StatusSuspended {
		t.Fatalf("status = %s, want suspended", run.Status)
	}
	if len(state.Messages) != 1 {
		t.Errorf("suspend delta not merged: %v", state.Messages)
	}
	// The run record itself carries the resume point; callers that persist
	// NextStages as their cursor must land back on the suspended stage.
	if len(run.NextStages) != 1 || run.NextStages[0] != "deployment" {
		t.Fatalf("NextStages = %v, want [deployment]", run.NextStages)
	}

	// The persisted cursor points back at the suspended stage.
	cp, err := store.Get(context.Background(), "r8", "")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	_, cursor, status, err := DecodeSnapshot(cp.State)
	if err != nil {
		t.Fatalf("DecodeSnapshot() error = %v", err)
	}
	if status != StatusSuspended || len(cursor) != 1 || cursor[0] != "deployment" {
		t.Fatalf("snapshot cursor = %v status = %s", cursor, status)
	}

	if err := e.ExecuteGraph(context.Background(), g, run, state, cursor, nil); err != nil {
		t.Fatalf("resume ExecuteGraph() error = %v", err)
	}
	if run.Status != StatusCompleted {
		t.Fatalf("status after resume = %s, want completed", run.Status)
	}
	if state.Outputs["deployment"] == nil {
		t.Error("deployment slot empty after resume")
	}
}

func TestExecuteGraphTokenBudget(t *testing.T) {
	// Each stage spends 15 tokens. With a budget of 25 the first stage
	// runs with the full allowance, the second with what is left, and the
	// third is never scheduled.
	e := quietEngine(EngineConfig{TokenBudget: 25})
	stages := map[string]Stage{
		"analysis":    okStage("analysis"),
		"planning":    okStage("planning"),
		"development": okStage("development"),
	}
	g := linearGraph(t, e, stages, "analysis", "planning", "development")

	run := newRun("r12", "test")
	state := NewRunState("req", TaskFeature, nil, nil)
	if err := e.ExecuteGraph(context.Background(), g, run, state, nil, nil); err != nil {
		t.Fatalf("ExecuteGraph() error = %v", err)
	}

	if run.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", run.Status)
	}
	primary := run.PrimaryError()
	if primary == nil || primary.Kind != KindTokenLimit || primary.Stage != "development" {
		t.Fatalf("primary error = %+v, want token limit at development", primary)
	}
	if state.Outputs["development"] != nil {
		t.Error("development ran past the exhausted budget")
	}

	// Stages observe the remaining allowance through their context.
	if got := stages["analysis"].(*testStage).budgets; len(got) != 1 || got[0] != 25 {
		t.Errorf("analysis budgets = %v, want [25]", got)
	}
	if got := stages["planning"].(*testStage).budgets; len(got) != 1 || got[0] != 10 {
		t.Errorf("planning budgets = %v, want [10]", got)
	}
	if got := stages["development"].(*testStage).callCount(); got != 0 {
		t.Errorf("development calls = %d, want 0", got)
	}
}

func TestExecuteGraphCancellation(t *testing.T) {
	e := quietEngine(EngineConfig{})
	slow := &testStage{name: "development", block: time.Second}
	g := linearGraph(t, e, map[string]Stage{"development": slow}, "development")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	run := newRun("r9", "test")
	state := NewRunState("req", TaskFeature, nil, nil)
	if err := e.ExecuteGraph(ctx, g, run, state, nil, nil); err != nil {
		t.Fatalf("ExecuteGraph() error = %v", err)
	}
	if run.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", run.Status)
	}
}

func TestExecuteGraphPublishesEvents(t *testing.T) {
	h := hub.New()
	e := quietEngine(EngineConfig{Hub: h})
	g := linearGraph(t, e, map[string]Stage{"analysis": okStage("analysis")}, "analysis")

	sub := h.Connect("viewer")
	if err := h.Subscribe("viewer", "r10"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	run := newRun("r10", "test")
	state := NewRunState("req", TaskFeature, nil, nil)
	if err := e.ExecuteGraph(context.Background(), g, run, state, nil, nil); err != nil {
		t.Fatalf("ExecuteGraph() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var kinds []hub.EventKind
	for i := 0; i < 3; i++ {
		ev, err := sub.Recv(ctx)
		if err != nil {
			t.Fatalf("Recv() %d error = %v", i, err)
		}
		kinds = append(kinds, ev.Kind)
		if ev.RunID != "r10" {
			t.Errorf("event run id = %q", ev.RunID)
		}
	}
	want := []hub.EventKind{hub.KindStageComplete, hub.KindStateUpdate, hub.KindRunComplete}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event kinds = %v, want %v", kinds, want)
		}
	}
}

// failPutStore wraps a store and fails every Put, for checkpoint-lag tests.
type failPutStore struct {
	checkpoint.Store
}

func (f *failPutStore) Put(context.Context, checkpoint.Checkpoint) error {
	return errors.New("disk full")
}

func TestExecuteGraphTwoCheckpointFailuresFailTheRun(t *testing.T) {
	e := quietEngine(EngineConfig{Store: &failPutStore{Store: checkpoint.NewMemStore()}})
	g := linearGraph(t, e, map[string]Stage{
		"analysis": okStage("analysis"),
		"planning": okStage("planning"),
	}, "analysis", "planning")

	run := newRun("r11", "test")
	state := NewRunState("req", TaskFeature, nil, nil)
	if err := e.ExecuteGraph(context.Background(), g, run, state, nil, nil); err != nil {
		t.Fatalf("ExecuteGraph() error = %v", err)
	}
	if run.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", run.Status)
	}
	found := false
	for _, se := range run.ErrorChain {
		if se.Kind == KindCheckpointUnavailable {
			found = true
		}
	}
	if !found {
		t.Errorf("error chain = %+v, want a checkpoint failure entry", run.ErrorChain)
	}
}

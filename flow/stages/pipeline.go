package stages

import (
	"time"

	"github.com/dshills/agentflow-go/flow"
)

// parallelComponents are the branches of the parallel build graph.
var parallelComponents = []string{"api", "ui"}

// PipelineOption adjusts every stage spec of a built graph.
type PipelineOption func(*flow.StageSpec)

// WithStageTimeout overrides the per-attempt timeout of every stage.
func WithStageTimeout(d time.Duration) PipelineOption {
	return func(s *flow.StageSpec) {
		if d > 0 {
			s.Timeout = d
		}
	}
}

// WithMaxAttempts overrides the retry bound of every stage.
func WithMaxAttempts(n int) PipelineOption {
	return func(s *flow.StageSpec) {
		if n > 0 {
			s.MaxAttempts = n
		}
	}
}

func applyOpts(specs []flow.StageSpec, opts []PipelineOption) []flow.StageSpec {
	for i := range specs {
		for _, opt := range opts {
			opt(&specs[i])
		}
	}
	return specs
}

// stageSpec builds the static description shared by every graph a stage
// appears in.
func stageSpec(name, slot string, inputs ...string) flow.StageSpec {
	return flow.StageSpec{Name: name, OutputSlot: slot, InputFields: inputs}
}

func analysisSpec() flow.StageSpec {
	return stageSpec("analysis", flow.SlotAnalysis, "requirements", "task_kind", "constraints", "context")
}

func planningSpec() flow.StageSpec {
	return stageSpec("planning", flow.SlotPlanning, "requirements", "analysis")
}

func developmentSpec() flow.StageSpec {
	return stageSpec("development", flow.SlotDevelopment, "requirements", "analysis", "planning", "review")
}

func testingSpec() flow.StageSpec {
	return stageSpec("testing", flow.SlotTesting, "development", "analysis")
}

func reviewSpec() flow.StageSpec {
	return stageSpec("review", flow.SlotReview, "development", "testing", "analysis")
}

func deploymentSpec() flow.StageSpec {
	s := stageSpec("deployment", flow.SlotDeployment, "development", "testing", "review")
	s.MaySuspend = true
	return s
}

func monitoringSpec() flow.StageSpec {
	return stageSpec("monitoring", flow.SlotMonitoring, "deployment")
}

// RegisterAll installs every stage factory on the engine. Graphs built by
// the pipeline constructors reference these names.
func RegisterAll(e *flow.Engine) error {
	regs := []struct {
		spec    flow.StageSpec
		factory flow.StageFactory
	}{
		{analysisSpec(), NewAnalysis},
		{planningSpec(), NewPlanning},
		{developmentSpec(), NewDevelopment},
		{testingSpec(), NewTesting},
		{reviewSpec(), NewReview},
		{deploymentSpec(), NewDeployment},
		{monitoringSpec(), NewMonitoring},
	}
	for _, c := range parallelComponents {
		c := c
		dev := NewComponentDevelopment(c)
		regs = append(regs, struct {
			spec    flow.StageSpec
			factory flow.StageFactory
		}{
			stageSpec(dev.Name(), dev.Slot(), "planning"),
			func() flow.Stage { return NewComponentDevelopment(c) },
		})
	}
	regs = append(regs, struct {
		spec    flow.StageSpec
		factory flow.StageFactory
	}{
		stageSpec("integration", flow.SlotDevelopment, "development:api", "development:ui"),
		func() flow.Stage { return NewIntegration(parallelComponents...) },
	})

	for _, r := range regs {
		if err := e.RegisterStage(r.spec, r.factory); err != nil {
			return err
		}
	}
	return nil
}

// MainPipeline is the full seven-stage delivery graph with the review
// rework loop.
func MainPipeline(opts ...PipelineOption) (*flow.Graph, error) {
	g := flow.NewGraph("main")
	specs := applyOpts([]flow.StageSpec{
		analysisSpec(), planningSpec(), developmentSpec(),
		testingSpec(), reviewSpec(), deploymentSpec(), monitoringSpec(),
	}, opts)
	for _, s := range specs {
		if err := g.AddStage(s); err != nil {
			return nil, err
		}
	}
	if err := g.SetEntry("analysis"); err != nil {
		return nil, err
	}
	chain := [][2]string{
		{"analysis", "planning"},
		{"planning", "development"},
		{"development", "testing"},
		{"testing", "review"},
		{"deployment", "monitoring"},
		{"monitoring", flow.End},
	}
	for _, e := range chain {
		if err := g.Connect(e[0], e[1]); err != nil {
			return nil, err
		}
	}
	if err := g.ConnectRouter("review", ReviewRouter, ""); err != nil {
		return nil, err
	}
	return g, g.Validate()
}

// HotfixPipeline is the abbreviated emergency path: no planning, no
// review gate.
func HotfixPipeline(opts ...PipelineOption) (*flow.Graph, error) {
	g := flow.NewGraph("hotfix")
	specs := applyOpts([]flow.StageSpec{analysisSpec(), developmentSpec(), testingSpec(), deploymentSpec()}, opts)
	for _, s := range specs {
		if err := g.AddStage(s); err != nil {
			return nil, err
		}
	}
	if err := g.SetEntry("analysis"); err != nil {
		return nil, err
	}
	chain := [][2]string{
		{"analysis", "development"},
		{"development", "testing"},
		{"testing", "deployment"},
		{"deployment", flow.End},
	}
	for _, e := range chain {
		if err := g.Connect(e[0], e[1]); err != nil {
			return nil, err
		}
	}
	return g, g.Validate()
}

// DocsPipeline writes documentation: analyze, draft, review.
func DocsPipeline(opts ...PipelineOption) (*flow.Graph, error) {
	g := flow.NewGraph("docs")
	specs := applyOpts([]flow.StageSpec{analysisSpec(), developmentSpec(), reviewSpec()}, opts)
	for _, s := range specs {
		if err := g.AddStage(s); err != nil {
			return nil, err
		}
	}
	if err := g.SetEntry("analysis"); err != nil {
		return nil, err
	}
	chain := [][2]string{
		{"analysis", "development"},
		{"development", "review"},
	}
	for _, e := range chain {
		if err := g.Connect(e[0], e[1]); err != nil {
			return nil, err
		}
	}
	// Approval ends the run; needs_changes loops back to the draft.
	router := func(s *flow.RunState) []string {
		if Verdict(s) == ReviewNeedsChanges {
			return []string{"development"}
		}
		return nil
	}
	if err := g.ConnectRouter("review", router, ""); err != nil {
		return nil, err
	}
	return g, g.Validate()
}

// ParallelDevelopment builds components concurrently and joins them at an
// integration node before testing.
func ParallelDevelopment(opts ...PipelineOption) (*flow.Graph, error) {
	g := flow.NewGraph("parallel")
	specs := []flow.StageSpec{
		analysisSpec(), planningSpec(), developmentSpec(),
		testingSpec(), reviewSpec(), deploymentSpec(), monitoringSpec(),
		stageSpec("integration", flow.SlotDevelopment, "development:api", "development:ui"),
	}
	for _, c := range parallelComponents {
		dev := NewComponentDevelopment(c)
		specs = append(specs, stageSpec(dev.Name(), dev.Slot(), "planning"))
	}
	specs = applyOpts(specs, opts)
	for _, s := range specs {
		if err := g.AddStage(s); err != nil {
			return nil, err
		}
	}
	if err := g.SetEntry("analysis"); err != nil {
		return nil, err
	}
	if err := g.Connect("analysis", "planning"); err != nil {
		return nil, err
	}
	branches := make([]string, len(parallelComponents))
	for i, c := range parallelComponents {
		branches[i] = "dev_" + c
	}
	if err := g.ConnectRouter("planning", func(*flow.RunState) []string { return branches }, "integration"); err != nil {
		return nil, err
	}
	// Rework after review goes through the single development stage, which
	// overwrites the integrated slot.
	chain := [][2]string{
		{"integration", "testing"},
		{"testing", "review"},
		{"development", "testing"},
		{"deployment", "monitoring"},
		{"monitoring", flow.End},
	}
	for _, e := range chain {
		if err := g.Connect(e[0], e[1]); err != nil {
			return nil, err
		}
	}
	if err := g.ConnectRouter("review", ReviewRouter, ""); err != nil {
		return nil, err
	}
	return g, g.Validate()
}

// PipelineFor maps a task kind onto the graph that serves it.
func PipelineFor(kind flow.TaskKind) string {
	switch kind {
	case flow.TaskHotfix:
		return "hotfix"
	case flow.TaskDocumentation:
		return "docs"
	default:
		return "main"
	}
}

// RegisterPipelines installs all stages and graphs on an engine.
func RegisterPipelines(e *flow.Engine, opts ...PipelineOption) error {
	if err := RegisterAll(e); err != nil {
		return err
	}
	builders := []func(...PipelineOption) (*flow.Graph, error){
		MainPipeline, HotfixPipeline, DocsPipeline, ParallelDevelopment,
	}
	for _, build := range builders {
		g, err := build(opts...)
		if err != nil {
			return err
		}
		if err := e.RegisterGraph(g); err != nil {
			return err
		}
	}
	return nil
}

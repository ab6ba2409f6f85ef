package stages

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dshills/agentflow-go/flow"
)

const developmentSystem = `You are the development stage of a software delivery pipeline.
Implement the planned change. Respond with a single JSON object:
{"summary": "...", "files": [{"path": "...", "content": "..."}], "notes": ["..."]}
For documentation tasks the files are markdown documents.
No prose outside the JSON object.`

// Development writes the change as a set of file artifacts. On a rework
// cycle it reads the review feedback and overwrites its slot.
type Development struct{}

// NewDevelopment is the stage factory.
func NewDevelopment() flow.Stage { return &Development{} }

func (*Development) Name() string { return "development" }

func (*Development) Validate(s *flow.RunState) error {
	if s.Outputs[flow.SlotAnalysis] == nil {
		return errors.New("analysis output is missing")
	}
	return nil
}

func (d *Development) Execute(ctx context.Context, s *flow.RunState, sc *flow.StageContext) flow.StageResult {
	fields, usage, err := callModel(ctx, sc, developmentSystem, d.prompt(s), 8192)
	if err != nil {
		return failure(err)
	}

	summary := str(fields, "summary")
	if summary == "" {
		summary = "implementation"
	}
	arts, err := fileArtifacts(fields, "development", artifactKindFor(s.TaskKind))
	if err != nil {
		return flow.Fatal(err)
	}

	delta := &flow.Delta{
		Slot:       flow.SlotDevelopment,
		Output:     newOutput("development", summary, fields),
		Messages:   []flow.Message{note("development", "implemented: "+summary+" ("+strconv.Itoa(len(arts))+" files)")},
		Artifacts:  arts,
		TokenUsage: usage,
	}
	markRework(s, delta, reworkCause(s))
	return flow.Ok(delta)
}

func (*Development) prompt(s *flow.RunState) string {
	var b strings.Builder
	b.WriteString(promptSection("Request", s.Requirements))
	b.WriteString(promptSection("Analysis", slotSummary(s, flow.SlotAnalysis)))
	b.WriteString(promptSection("Plan", slotSummary(s, flow.SlotPlanning)))
	if review := s.Outputs[flow.SlotReview]; review != nil {
		b.WriteString(promptSection("Review feedback to address", slotSummary(s, flow.SlotReview)))
	}
	if len(s.Constraints) > 0 {
		b.WriteString(promptSection("Constraints", "- "+strings.Join(s.Constraints, "\n- ")))
	}
	return b.String()
}

// fileArtifacts converts the model's files list into artifacts. Rework
// cycles re-emit the same paths, so development artifacts are overwritable.
func fileArtifacts(fields map[string]any, producer string, kind flow.ArtifactKind) ([]flow.Artifact, error) {
	files := objList(fields, "files")
	arts := make([]flow.Artifact, 0, len(files))
	for _, f := range files {
		path := str(f, "path")
		if path == "" {
			return nil, fmt.Errorf("model emitted a file without a path")
		}
		art := flow.NewArtifact(path, kind, []byte(str(f, "content")), producer)
		art.Metadata = map[string]string{"overwritable": "true"}
		arts = append(arts, art)
	}
	return arts, nil
}

func artifactKindFor(kind flow.TaskKind) flow.ArtifactKind {
	if kind == flow.TaskDocumentation {
		return flow.ArtifactDocument
	}
	return flow.ArtifactCode
}

// reworkCause names why the development slot is being rewritten.
func reworkCause(s *flow.RunState) string {
	if review := s.Outputs[flow.SlotReview]; review != nil {
		return "review verdict: " + str(review.Fields, "outcome")
	}
	return "revised implementation"
}

// ComponentDevelopment is the fan-out variant of the development stage:
// one instance per component, each owning a distinct slot.
type ComponentDevelopment struct {
	component string
}

// NewComponentDevelopment builds a development stage for one component of
// a parallel build. Its stage name is "dev_<component>" and its slot is
// "development:<component>".
func NewComponentDevelopment(component string) *ComponentDevelopment {
	return &ComponentDevelopment{component: component}
}

func (c *ComponentDevelopment) Name() string { return "dev_" + c.component }

// Slot returns the component's output slot name.
func (c *ComponentDevelopment) Slot() string { return "development:" + c.component }

func (c *ComponentDevelopment) Validate(s *flow.RunState) error {
	if s.Outputs[flow.SlotPlanning] == nil {
		return errors.New("planning output is missing")
	}
	return nil
}

func (c *ComponentDevelopment) Execute(ctx context.Context, s *flow.RunState, sc *flow.StageContext) flow.StageResult {
	system := developmentSystem + "\nYou are responsible only for the " + c.component + " component."
	fields, usage, err := callModel(ctx, sc, system, (&Development{}).prompt(s), 8192)
	if err != nil {
		return failure(err)
	}

	summary := str(fields, "summary")
	if summary == "" {
		summary = c.component + " implementation"
	}
	arts, err := fileArtifacts(fields, c.Name(), flow.ArtifactCode)
	if err != nil {
		return flow.Fatal(err)
	}
	return flow.Ok(&flow.Delta{
		Slot:       c.Slot(),
		Output:     newOutput(c.Name(), summary, fields),
		Messages:   []flow.Message{note(c.Name(), c.component+" component implemented")},
		Artifacts:  arts,
		TokenUsage: usage,
	})
}

// Integration folds the component slots of a parallel build into the main
// development slot. It is pure assembly; no model call.
type Integration struct {
	components []string
}

// NewIntegration builds the join stage for the named components.
func NewIntegration(components ...string) *Integration {
	return &Integration{components: components}
}

func (*Integration) Name() string { return "integration" }

func (i *Integration) Validate(s *flow.RunState) error {
	for _, c := range i.components {
		if s.Outputs["development:"+c] == nil {
			return fmt.Errorf("component %q output is missing", c)
		}
	}
	return nil
}

func (i *Integration) Execute(_ context.Context, s *flow.RunState, _ *flow.StageContext) flow.StageResult {
	summaries := make([]string, 0, len(i.components))
	fields := make(map[string]any, len(i.components))
	for _, c := range i.components {
		out := s.Outputs["development:"+c]
		summaries = append(summaries, c+": "+out.Summary)
		fields[c] = out.Summary
	}
	summary := "integrated components: " + strings.Join(i.components, ", ")
	return flow.Ok(&flow.Delta{
		Slot:     flow.SlotDevelopment,
		Output:   newOutput("integration", summary, map[string]any{"components": fields, "summaries": summaries}),
		Messages: []flow.Message{note("integration", summary)},
	})
}

package stages

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/dshills/agentflow-go/flow"
)

const planningSystem = `You are the planning stage of a software delivery pipeline.
Turn the analysis into an ordered implementation plan. Respond with a single JSON object:
{"summary": "...", "steps": ["..."], "components": ["..."], "estimated_effort": "..."}
No prose outside the JSON object.`

// Planning derives an ordered implementation plan from the analysis.
type Planning struct{}

// NewPlanning is the stage factory.
func NewPlanning() flow.Stage { return &Planning{} }

func (*Planning) Name() string { return "planning" }

func (*Planning) Validate(s *flow.RunState) error {
	if s.Outputs[flow.SlotAnalysis] == nil {
		return errors.New("analysis output is missing")
	}
	return nil
}

func (p *Planning) Execute(ctx context.Context, s *flow.RunState, sc *flow.StageContext) flow.StageResult {
	fields, usage, err := callModel(ctx, sc, planningSystem, p.prompt(s), 2048)
	if err != nil {
		return failure(err)
	}

	summary := str(fields, "summary")
	if summary == "" {
		summary = "implementation plan"
	}
	steps := strList(fields, "steps")

	d := &flow.Delta{
		Slot:       flow.SlotPlanning,
		Output:     newOutput("planning", summary, fields),
		Messages:   []flow.Message{note("planning", "plan ready with "+strconv.Itoa(len(steps))+" steps")},
		TokenUsage: usage,
	}
	if len(steps) > 0 {
		d.Artifacts = []flow.Artifact{planDocument(summary, steps)}
	}
	return flow.Ok(d)
}

func (*Planning) prompt(s *flow.RunState) string {
	var b strings.Builder
	b.WriteString(promptSection("Request", s.Requirements))
	b.WriteString(promptSection("Analysis", slotSummary(s, flow.SlotAnalysis)))
	if len(s.Constraints) > 0 {
		b.WriteString(promptSection("Constraints", "- "+strings.Join(s.Constraints, "\n- ")))
	}
	return b.String()
}

// planDocument renders the plan as a markdown artifact.
func planDocument(summary string, steps []string) flow.Artifact {
	var b strings.Builder
	b.WriteString("# Implementation Plan\n\n")
	b.WriteString(summary + "\n\n")
	for i, step := range steps {
		b.WriteString(strconv.Itoa(i+1) + ". " + step + "\n")
	}
	return flow.NewArtifact("plan.md", flow.ArtifactDocument, []byte(b.String()), "planning")
}

package stages

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dshills/agentflow-go/flow"
)

const deploymentSystem = `You are the deployment stage of a software delivery pipeline.
Produce the rollout for the approved change. Respond with a single JSON object:
{"summary": "...", "steps": ["..."], "manifest": "...", "rollback": "..."}
The manifest is the deployment configuration as text.
No prose outside the JSON object.`

// Deployment produces the rollout plan and manifest for an approved
// change. In graphs that carry a review stage the verdict must be an
// approval; hotfix graphs deploy straight from testing.
type Deployment struct{}

// NewDeployment is the stage factory.
func NewDeployment() flow.Stage { return &Deployment{} }

func (*Deployment) Name() string { return "deployment" }

func (*Deployment) Validate(s *flow.RunState) error {
	if s.Outputs[flow.SlotDevelopment] == nil {
		return errors.New("development output is missing")
	}
	if v := Verdict(s); v != "" && !v.Approved() {
		return fmt.Errorf("review verdict %q does not permit deployment", v)
	}
	return nil
}

func (d *Deployment) Execute(ctx context.Context, s *flow.RunState, sc *flow.StageContext) flow.StageResult {
	fields, usage, err := callModel(ctx, sc, deploymentSystem, d.prompt(s), 4096)
	if err != nil {
		return failure(err)
	}

	summary := str(fields, "summary")
	if summary == "" {
		summary = "rollout plan"
	}
	delta := &flow.Delta{
		Slot:       flow.SlotDeployment,
		Output:     newOutput("deployment", summary, fields),
		Messages:   []flow.Message{note("deployment", "deployed: "+summary)},
		TokenUsage: usage,
	}
	if manifest := str(fields, "manifest"); manifest != "" {
		art := flow.NewArtifact("deploy.yaml", flow.ArtifactConfig, []byte(manifest), "deployment")
		art.Metadata = map[string]string{"overwritable": "true"}
		delta.Artifacts = []flow.Artifact{art}
	}
	return flow.Ok(delta)
}

func (*Deployment) prompt(s *flow.RunState) string {
	var b strings.Builder
	b.WriteString(promptSection("Request", s.Requirements))
	b.WriteString(promptSection("Implementation", slotSummary(s, flow.SlotDevelopment)))
	b.WriteString(promptSection("Tests", slotSummary(s, flow.SlotTesting)))
	b.WriteString(promptSection("Review", slotSummary(s, flow.SlotReview)))
	return b.String()
}

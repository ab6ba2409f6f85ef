package stages

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/dshills/agentflow-go/flow"
)

const testingSystem = `You are the testing stage of a software delivery pipeline.
Write tests for the implementation and report the expected results. Respond with a single JSON object:
{"summary": "...", "passed": true, "files": [{"path": "...", "content": "..."}], "failures": ["..."]}
No prose outside the JSON object.`

// Testing derives test artifacts for the implementation and records the
// verdict for the review stage.
type Testing struct{}

// NewTesting is the stage factory.
func NewTesting() flow.Stage { return &Testing{} }

func (*Testing) Name() string { return "testing" }

func (*Testing) Validate(s *flow.RunState) error {
	if s.Outputs[flow.SlotDevelopment] == nil {
		return errors.New("development output is missing")
	}
	return nil
}

func (t *Testing) Execute(ctx context.Context, s *flow.RunState, sc *flow.StageContext) flow.StageResult {
	fields, usage, err := callModel(ctx, sc, testingSystem, t.prompt(s), 8192)
	if err != nil {
		return failure(err)
	}

	summary := str(fields, "summary")
	if summary == "" {
		summary = "test suite"
	}
	arts, err := fileArtifacts(fields, "testing", flow.ArtifactTest)
	if err != nil {
		return flow.Fatal(err)
	}

	text := "tests ready: " + summary
	if failures := strList(fields, "failures"); len(failures) > 0 {
		text += " (" + strconv.Itoa(len(failures)) + " expected failures)"
	}
	delta := &flow.Delta{
		Slot:       flow.SlotTesting,
		Output:     newOutput("testing", summary, fields),
		Messages:   []flow.Message{note("testing", text)},
		Artifacts:  arts,
		TokenUsage: usage,
	}
	markRework(s, delta, "re-tested after development rework")
	return flow.Ok(delta)
}

func (*Testing) prompt(s *flow.RunState) string {
	var b strings.Builder
	b.WriteString(promptSection("Request", s.Requirements))
	b.WriteString(promptSection("Implementation", slotSummary(s, flow.SlotDevelopment)))
	b.WriteString(promptSection("Acceptance criteria", slotSummary(s, flow.SlotAnalysis)))
	return b.String()
}

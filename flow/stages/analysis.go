package stages

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dshills/agentflow-go/flow"
)

const analysisSystem = `You are the analysis stage of a software delivery pipeline.
Study the request and respond with a single JSON object:
{"summary": "...", "scope": ["..."], "risks": ["..."], "acceptance_criteria": ["..."]}
No prose outside the JSON object.`

// Analysis turns the raw request into scoped, reviewable requirements.
type Analysis struct{}

// NewAnalysis is the stage factory.
func NewAnalysis() flow.Stage { return &Analysis{} }

func (*Analysis) Name() string { return "analysis" }

func (*Analysis) Validate(s *flow.RunState) error {
	if strings.TrimSpace(s.Requirements) == "" {
		return errors.New("requirements are empty")
	}
	if !flow.ValidTaskKind(s.TaskKind) {
		return fmt.Errorf("unknown task kind %q", s.TaskKind)
	}
	return nil
}

func (a *Analysis) Execute(ctx context.Context, s *flow.RunState, sc *flow.StageContext) flow.StageResult {
	fields, usage, err := callModel(ctx, sc, analysisSystem, a.prompt(s), 2048)
	if err != nil {
		return failure(err)
	}

	summary := str(fields, "summary")
	if summary == "" {
		summary = "analysis of: " + truncate(s.Requirements, 120)
	}
	return flow.Ok(&flow.Delta{
		Slot:       flow.SlotAnalysis,
		Output:     newOutput("analysis", summary, fields),
		Messages:   []flow.Message{note("analysis", "analysis complete: "+summary)},
		TokenUsage: usage,
	})
}

func (*Analysis) prompt(s *flow.RunState) string {
	var b strings.Builder
	b.WriteString(promptSection("Request", s.Requirements))
	b.WriteString(promptSection("Task kind", string(s.TaskKind)))
	if len(s.Constraints) > 0 {
		b.WriteString(promptSection("Constraints", "- "+strings.Join(s.Constraints, "\n- ")))
	}
	for k, v := range s.Context {
		b.WriteString(promptSection("Context: "+k, v))
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

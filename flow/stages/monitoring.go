package stages

import (
	"context"
	"errors"
	"strings"

	"github.com/dshills/agentflow-go/flow"
)

const monitoringSystem = `You are the monitoring stage of a software delivery pipeline.
Define the post-deployment watch for the change. Respond with a single JSON object:
{"summary": "...", "healthy": true, "signals": ["..."], "alerts": ["..."]}
No prose outside the JSON object.`

// Monitoring closes the pipeline: it defines the signals and alerts that
// watch the deployed change.
type Monitoring struct{}

// NewMonitoring is the stage factory.
func NewMonitoring() flow.Stage { return &Monitoring{} }

func (*Monitoring) Name() string { return "monitoring" }

func (*Monitoring) Validate(s *flow.RunState) error {
	if s.Outputs[flow.SlotDeployment] == nil {
		return errors.New("deployment output is missing")
	}
	return nil
}

func (m *Monitoring) Execute(ctx context.Context, s *flow.RunState, sc *flow.StageContext) flow.StageResult {
	fields, usage, err := callModel(ctx, sc, monitoringSystem, m.prompt(s), 2048)
	if err != nil {
		return failure(err)
	}

	summary := str(fields, "summary")
	if summary == "" {
		summary = "monitoring in place"
	}
	return flow.Ok(&flow.Delta{
		Slot:       flow.SlotMonitoring,
		Output:     newOutput("monitoring", summary, fields),
		Messages:   []flow.Message{note("monitoring", summary)},
		TokenUsage: usage,
	})
}

func (*Monitoring) prompt(s *flow.RunState) string {
	var b strings.Builder
	b.WriteString(promptSection("Request", s.Requirements))
	b.WriteString(promptSection("Deployment", slotSummary(s, flow.SlotDeployment)))
	return b.String()
}

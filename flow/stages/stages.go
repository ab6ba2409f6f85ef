// Package stages implements the seven pipeline stages and the graph
// builders that compose them. Each stage builds its prompt from the run
// state, calls the model client through its stage context, parses the
// model's JSON output into its declared slot, and emits artifacts. The
// stages never talk to providers directly; everything external arrives
// through the StageContext.
package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dshills/agentflow-go/flow"
	"github.com/dshills/agentflow-go/flow/model"
)

// maxReworks bounds the review → development loop. A review that still
// demands changes after this many rewrites fails the run.
const maxReworks = 2

// ReviewOutcome is the review stage's verdict.
type ReviewOutcome string

const (
	ReviewApproved             ReviewOutcome = "approved"
	ReviewApprovedWithComments ReviewOutcome = "approved_with_comments"
	ReviewNeedsChanges         ReviewOutcome = "needs_changes"
	ReviewRejected             ReviewOutcome = "rejected"
)

// Approved reports whether the verdict lets the change proceed.
func (o ReviewOutcome) Approved() bool {
	return o == ReviewApproved || o == ReviewApprovedWithComments
}

// parseReviewOutcome maps a model-emitted string onto the enum.
func parseReviewOutcome(s string) (ReviewOutcome, bool) {
	switch ReviewOutcome(strings.ToLower(strings.TrimSpace(s))) {
	case ReviewApproved:
		return ReviewApproved, true
	case ReviewApprovedWithComments:
		return ReviewApprovedWithComments, true
	case ReviewNeedsChanges:
		return ReviewNeedsChanges, true
	case ReviewRejected:
		return ReviewRejected, true
	}
	return "", false
}

// callModel performs one structured completion and decodes the JSON object
// the stage prompted for. Decode failures wrap model.ErrContent. The
// completion cap shrinks to the run's remaining token budget when one is
// set.
func callModel(ctx context.Context, sc *flow.StageContext, system, prompt string, maxTokens int) (map[string]any, model.Usage, error) {
	if sc.TokenBudget > 0 && sc.TokenBudget < maxTokens {
		maxTokens = sc.TokenBudget
	}
	resp, err := sc.Models.Generate(ctx, model.Request{
		System:    system,
		Messages:  []model.ChatMessage{{Role: model.RoleUser, Content: prompt}},
		MaxTokens: maxTokens,
		Metadata:  map[string]string{"run_id": sc.RunID, "stage": sc.Stage},
	})
	if err != nil {
		return nil, model.Usage{}, err
	}
	fields, err := decodeObject(resp.Text)
	if err != nil {
		return nil, resp.Usage, err
	}
	return fields, resp.Usage, nil
}

// decodeObject extracts the first JSON object from model output, tolerating
// surrounding prose or fencing.
func decodeObject(text string) (map[string]any, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object in model output", model.ErrContent)
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrContent, err)
	}
	return fields, nil
}

// result classifies a model-call failure: content problems are fatal,
// everything else goes back to the runtime for retry classification.
func failure(err error) flow.StageResult {
	if errors.Is(err, model.ErrContent) || errors.Is(err, model.ErrBadRequest) {
		return flow.Fatal(err)
	}
	return flow.Retry(err)
}

// str reads a string field, empty when absent or mistyped.
func str(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}

// strList reads a list-of-strings field, tolerating mixed content.
func strList(fields map[string]any, key string) []string {
	raw, _ := fields[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// objList reads a list-of-objects field.
func objList(fields map[string]any, key string) []map[string]any {
	raw, _ := fields[key].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, v := range raw {
		if m, ok := v.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// newOutput builds a slot record for a stage.
func newOutput(stage, summary string, fields map[string]any) *flow.StageOutput {
	return &flow.StageOutput{Stage: stage, Summary: summary, Fields: fields, CreatedAt: time.Now().UTC()}
}

// note builds the stage's entry for the run's message log.
func note(stage, text string) flow.Message {
	return flow.Message{Stage: stage, Text: text, CompletedAt: time.Now().UTC()}
}

// markRework flags the delta as an overwrite when its slot is already
// filled, so the reducer records the rewrite instead of rejecting it.
func markRework(s *flow.RunState, d *flow.Delta, cause string) {
	if d.Slot != "" && s.Outputs[d.Slot] != nil {
		d.Rework = true
		d.ReworkCause = cause
	}
}

// reworkCount reports how many times the development slot has been
// rewritten.
func reworkCount(s *flow.RunState) int {
	v := s.Versions[flow.ChannelForSlot(flow.SlotDevelopment)]
	if v <= 1 {
		return 0
	}
	return int(v - 1)
}

// promptSection renders a titled block for prompt assembly, empty when the
// body is empty.
func promptSection(title, body string) string {
	if body == "" {
		return ""
	}
	return "## " + title + "\n" + body + "\n\n"
}

// slotSummary renders a filled slot for inclusion in a downstream prompt.
func slotSummary(s *flow.RunState, slot string) string {
	out := s.Outputs[slot]
	if out == nil {
		return ""
	}
	if len(out.Fields) == 0 {
		return out.Summary
	}
	data, err := json.MarshalIndent(out.Fields, "", "  ")
	if err != nil {
		return out.Summary
	}
	return out.Summary + "\n" + string(data)
}

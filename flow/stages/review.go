package stages

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dshills/agentflow-go/flow"
	"github.com/dshills/agentflow-go/flow/model"
)

const reviewSystem = `You are the review stage of a software delivery pipeline.
Judge the implementation against the request and the tests. Respond with a single JSON object:
{"outcome": "approved" | "approved_with_comments" | "needs_changes" | "rejected",
 "summary": "...", "comments": ["..."]}
No prose outside the JSON object.`

// Review judges the implementation and routes the run: approval moves it
// toward deployment, needs_changes sends it back to development for a
// bounded number of rework cycles, rejection fails it.
type Review struct{}

// NewReview is the stage factory.
func NewReview() flow.Stage { return &Review{} }

func (*Review) Name() string { return "review" }

func (*Review) Validate(s *flow.RunState) error {
	if s.Outputs[flow.SlotDevelopment] == nil {
		return errors.New("development output is missing")
	}
	return nil
}

func (r *Review) Execute(ctx context.Context, s *flow.RunState, sc *flow.StageContext) flow.StageResult {
	fields, usage, err := callModel(ctx, sc, reviewSystem, r.prompt(s), 4096)
	if err != nil {
		return failure(err)
	}

	outcome, ok := parseReviewOutcome(str(fields, "outcome"))
	if !ok {
		return flow.Fatal(fmt.Errorf("%w: review outcome %q is not in the verdict enum", model.ErrContent, str(fields, "outcome")))
	}
	if outcome == ReviewRejected {
		return flow.Fatal(fmt.Errorf("review rejected the change: %s", str(fields, "summary")))
	}
	if outcome == ReviewNeedsChanges && reworkCount(s) >= maxReworks {
		return flow.Fatal(fmt.Errorf("review still demands changes after %d rework cycles", maxReworks))
	}

	fields["outcome"] = string(outcome)
	summary := str(fields, "summary")
	if summary == "" {
		summary = "review " + string(outcome)
	}
	delta := &flow.Delta{
		Slot:       flow.SlotReview,
		Output:     newOutput("review", summary, fields),
		Messages:   []flow.Message{note("review", "verdict: "+string(outcome))},
		TokenUsage: usage,
	}
	markRework(s, delta, "re-reviewed after development rework")
	return flow.Ok(delta)
}

func (*Review) prompt(s *flow.RunState) string {
	var b strings.Builder
	b.WriteString(promptSection("Request", s.Requirements))
	b.WriteString(promptSection("Analysis", slotSummary(s, flow.SlotAnalysis)))
	b.WriteString(promptSection("Implementation", slotSummary(s, flow.SlotDevelopment)))
	b.WriteString(promptSection("Tests", slotSummary(s, flow.SlotTesting)))
	if n := reworkCount(s); n > 0 {
		b.WriteString(promptSection("Rework cycles so far", fmt.Sprintf("%d of %d allowed", n, maxReworks)))
	}
	return b.String()
}

// Verdict reads the recorded review outcome from the state, empty when the
// review has not run.
func Verdict(s *flow.RunState) ReviewOutcome {
	out := s.Outputs[flow.SlotReview]
	if out == nil {
		return ""
	}
	return ReviewOutcome(str(out.Fields, "outcome"))
}

// ReviewRouter routes the run after review: approval goes to deployment,
// needs_changes loops back to development. The review stage itself fails
// the run on rejection or an exhausted rework budget, so the router only
// sees routable verdicts.
func ReviewRouter(s *flow.RunState) []string {
	switch Verdict(s) {
	case ReviewApproved, ReviewApprovedWithComments:
		return []string{"deployment"}
	case ReviewNeedsChanges:
		return []string{"development"}
	}
	return nil
}

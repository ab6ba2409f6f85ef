package flow

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dshills/agentflow-go/flow/model"
)

// TaskKind classifies the incoming request and selects the pipeline.
type TaskKind string

const (
	TaskFeature       TaskKind = "feature"
	TaskBugfix        TaskKind = "bugfix"
	TaskHotfix        TaskKind = "hotfix"
	TaskRefactor      TaskKind = "refactor"
	TaskDocumentation TaskKind = "documentation"
)

// ValidTaskKind reports whether k is one of the known kinds.
func ValidTaskKind(k TaskKind) bool {
	switch k {
	case TaskFeature, TaskBugfix, TaskHotfix, TaskRefactor, TaskDocumentation:
		return true
	}
	return false
}

// Canonical stage-output slot names. A stage owns exactly one slot.
const (
	SlotAnalysis    = "analysis"
	SlotPlanning    = "planning"
	SlotDevelopment = "development"
	SlotTesting     = "testing"
	SlotReview      = "review"
	SlotDeployment  = "deployment"
	SlotMonitoring  = "monitoring"
)

// Channel names for the accumulator version counters. Output slots use the
// "output:" prefix.
const (
	ChannelMessages   = "messages"
	ChannelArtifacts  = "artifacts"
	ChannelTokenUsage = "token_usage"
	ChannelErrors     = "errors"
)

// ChannelForSlot names the version channel tracking a stage-output slot.
func ChannelForSlot(slot string) string { return "output:" + slot }

// Message is one entry of the run's human-readable event log. Ordering is by
// (CompletedAt, Seq) so concurrent branches interleave deterministically.
type Message struct {
	Stage       string    `json:"stage"`
	Text        string    `json:"text"`
	CompletedAt time.Time `json:"completed_at"`
	Seq         int       `json:"seq"`
}

// TokenUsage holds the run's cumulative token counters. Total always equals
// Input + Output.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// Add folds a call's usage into the counters.
func (t *TokenUsage) Add(u model.Usage) {
	t.Input += u.Input
	t.Output += u.Output
	t.Total = t.Input + t.Output
}

// StageError is one entry of the run's error chain.
type StageError struct {
	Stage   string    `json:"stage"`
	Kind    Kind      `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// StageOutput is the structured record a stage writes into its slot.
type StageOutput struct {
	Stage     string         `json:"stage"`
	Summary   string         `json:"summary"`
	Fields    map[string]any `json:"fields,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// RunState is the shared state threaded through a run's stages.
//
// Its fields split into three groups: immutable inputs set at run creation,
// one output slot per stage, and monotonic accumulators. Only the engine's
// merge step mutates a live RunState; stages receive read-only snapshots and
// return deltas.
type RunState struct {
	// Immutable inputs.
	Requirements string            `json:"requirements"`
	TaskKind     TaskKind          `json:"task_kind"`
	Context      map[string]string `json:"context,omitempty"`
	Constraints  []string          `json:"constraints,omitempty"`

	// Outputs holds one slot per stage, keyed by slot name. A nil or
	// missing entry means the stage has not completed.
	Outputs map[string]*StageOutput `json:"outputs,omitempty"`

	// Monotonic accumulators.
	Messages   []Message    `json:"messages,omitempty"`
	Artifacts  []Artifact   `json:"artifacts,omitempty"`
	TokenUsage TokenUsage   `json:"token_usage"`
	Errors     []StageError `json:"errors,omitempty"`

	// Versions carries one monotonic counter per channel, bumped on every
	// merge that touches the channel. Checkpoints persist these for
	// replay-conflict detection.
	Versions map[string]uint64 `json:"versions,omitempty"`
}

// NewRunState builds the initial state for a run.
func NewRunState(requirements string, kind TaskKind, context map[string]string, constraints []string) *RunState {
	return &RunState{
		Requirements: requirements,
		TaskKind:     kind,
		Context:      context,
		Constraints:  constraints,
		Outputs:      make(map[string]*StageOutput),
		Versions:     make(map[string]uint64),
	}
}

// Clone deep-copies the state via a JSON round trip.
func (s *RunState) Clone() (*RunState, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	copied := &RunState{}
	if err := json.Unmarshal(data, copied); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	if copied.Outputs == nil {
		copied.Outputs = make(map[string]*StageOutput)
	}
	if copied.Versions == nil {
		copied.Versions = make(map[string]uint64)
	}
	return copied, nil
}

// Progress reports filled slots over the graph's total slots, in percent.
func (s *RunState) Progress(totalSlots int) float64 {
	if totalSlots <= 0 {
		return 0
	}
	filled := 0
	for _, out := range s.Outputs {
		if out != nil {
			filled++
		}
	}
	return float64(filled) / float64(totalSlots) * 100
}

// Delta is the partial state a stage returns. The reducers merge it into the
// live state under the rules enforced by ApplyDelta.
type Delta struct {
	// Slot names the single output slot this delta writes, empty when the
	// stage only touched accumulators.
	Slot   string       `json:"slot,omitempty"`
	Output *StageOutput `json:"output,omitempty"`

	Messages   []Message    `json:"messages,omitempty"`
	Artifacts  []Artifact   `json:"artifacts,omitempty"`
	TokenUsage model.Usage  `json:"token_usage"`
	Errors     []StageError `json:"errors,omitempty"`

	// Rework permits overwriting an already-filled slot. The overwrite is
	// recorded in the error chain; accumulators are never rolled back.
	Rework bool `json:"rework,omitempty"`

	// ReworkCause names why an overwrite happened, recorded alongside it.
	ReworkCause string `json:"rework_cause,omitempty"`
}

// immutableChannels are field names a delta may never target as a slot.
var immutableChannels = map[string]bool{
	"requirements": true,
	"task_kind":    true,
	"context":      true,
	"constraints":  true,
}

// ApplyDelta merges one delta into the state.
//
// Rules: immutable inputs are untouchable; a filled slot is overwritten only
// under Rework, which appends an error-chain entry naming the cause;
// messages concatenate in (completion time, subordering) order; artifact
// names are unique unless the existing artifact is overwritable; token usage
// adds; errors append. Every touched channel's version counter is bumped.
func (s *RunState) ApplyDelta(d *Delta) error {
	if d == nil {
		return nil
	}
	if immutableChannels[d.Slot] {
		return Errf(KindContractBreach, "", "delta writes immutable input %q", d.Slot)
	}

	if d.Slot != "" && d.Output != nil {
		if existing := s.Outputs[d.Slot]; existing != nil && !d.Rework {
			return Errf(KindContractBreach, d.Output.Stage, "slot %q already written by %s", d.Slot, existing.Stage)
		}
		if s.Outputs[d.Slot] != nil && d.Rework {
			cause := d.ReworkCause
			if cause == "" {
				cause = "rework overwrite"
			}
			s.Errors = append(s.Errors, StageError{
				Stage:   d.Output.Stage,
				Kind:    KindInternal,
				Message: fmt.Sprintf("slot %q overwritten: %s", d.Slot, cause),
				At:      time.Now().UTC(),
			})
			s.bump(ChannelErrors)
		}
		s.Outputs[d.Slot] = d.Output
		s.bump(ChannelForSlot(d.Slot))
	}

	if len(d.Messages) > 0 {
		s.Messages = append(s.Messages, d.Messages...)
		sort.SliceStable(s.Messages, func(i, j int) bool {
			a, b := s.Messages[i], s.Messages[j]
			if !a.CompletedAt.Equal(b.CompletedAt) {
				return a.CompletedAt.Before(b.CompletedAt)
			}
			return a.Seq < b.Seq
		})
		s.bump(ChannelMessages)
	}

	for _, art := range d.Artifacts {
		if err := s.addArtifact(art); err != nil {
			return err
		}
	}

	if d.TokenUsage.Input != 0 || d.TokenUsage.Output != 0 {
		s.TokenUsage.Add(d.TokenUsage)
		s.bump(ChannelTokenUsage)
	}

	if len(d.Errors) > 0 {
		s.Errors = append(s.Errors, d.Errors...)
		s.bump(ChannelErrors)
	}
	return nil
}

// MergeFanIn applies the deltas of a fan-out block in one reducer pass,
// ordered by the caller. Two branches writing the same slot is a programming
// error surfaced as a contract breach; nothing is applied in that case.
func (s *RunState) MergeFanIn(deltas []*Delta) error {
	seen := make(map[string]string, len(deltas))
	for _, d := range deltas {
		if d == nil || d.Slot == "" || d.Output == nil {
			continue
		}
		if prev, ok := seen[d.Slot]; ok {
			return Errf(KindContractBreach, d.Output.Stage, "reducer conflict: slot %q written by both %s and %s", d.Slot, prev, d.Output.Stage)
		}
		seen[d.Slot] = d.Output.Stage
	}
	for _, d := range deltas {
		if err := s.ApplyDelta(d); err != nil {
			return err
		}
	}
	return nil
}

func (s *RunState) addArtifact(art Artifact) error {
	for i, existing := range s.Artifacts {
		if existing.Name != art.Name {
			continue
		}
		if !existing.Overwritable() {
			return Errf(KindContractBreach, art.ProducerStage, "artifact name collision: %q already produced by %s", art.Name, existing.ProducerStage)
		}
		s.Artifacts[i] = art
		s.bump(ChannelArtifacts)
		return nil
	}
	s.Artifacts = append(s.Artifacts, art)
	s.bump(ChannelArtifacts)
	return nil
}

func (s *RunState) bump(channel string) {
	if s.Versions == nil {
		s.Versions = make(map[string]uint64)
	}
	s.Versions[channel]++
}

// ArtifactsByKind filters the run's artifacts, returning all when kind is
// empty.
func (s *RunState) ArtifactsByKind(kind ArtifactKind) []Artifact {
	if kind == "" {
		out := make([]Artifact, len(s.Artifacts))
		copy(out, s.Artifacts)
		return out
	}
	var out []Artifact
	for _, a := range s.Artifacts {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

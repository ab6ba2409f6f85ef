package flow

import (
	"time"

	"github.com/dshills/agentflow-go/flow/model"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusSuspended RunStatus = "suspended"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status permits no further mutation short of
// an explicit resume.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// validTransitions is the run status state machine. Terminal statuses allow
// only the explicit resume edge back to running.
var validTransitions = map[RunStatus][]RunStatus{
	StatusPending:   {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusSuspended, StatusCompleted, StatusFailed, StatusCancelled},
	StatusSuspended: {StatusRunning, StatusCancelled},
	StatusCancelled: {StatusRunning},
	StatusFailed:    {StatusRunning},
	StatusCompleted: {},
}

// CanTransition reports whether from → to is a legal status change.
func CanTransition(from, to RunStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Run is the identity and control record of one workflow execution. The run
// owns its artifacts (in the state) and execution records; children carry
// only the run id.
type Run struct {
	RunID     string    `json:"run_id"`
	GraphName string    `json:"graph_name"`
	ThreadID  string    `json:"thread_id"`
	Status    RunStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	RetryCount int          `json:"retry_count"`
	ErrorChain []StageError `json:"error_chain,omitempty"`

	// CurrentStage is non-empty iff Status is running.
	CurrentStage string   `json:"current_stage,omitempty"`
	NextStages   []string `json:"next_stages,omitempty"`

	Executions []AgentExecution `json:"executions,omitempty"`
}

// setStatus applies a transition, keeping the current-stage invariant.
func (r *Run) setStatus(to RunStatus) error {
	if r.Status == to {
		return nil
	}
	if !CanTransition(r.Status, to) {
		return Errf(KindInternal, r.CurrentStage, "illegal status transition %s -> %s", r.Status, to)
	}
	r.Status = to
	if to != StatusRunning {
		r.CurrentStage = ""
	}
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// PrimaryError returns the run's first recorded error, or nil.
func (r *Run) PrimaryError() *StageError {
	if len(r.ErrorChain) == 0 {
		return nil
	}
	return &r.ErrorChain[0]
}

// AgentExecution records one attempt of one stage.
type AgentExecution struct {
	RunID     string        `json:"run_id"`
	Stage     string        `json:"stage"`
	Attempt   int           `json:"attempt"`
	InputHash string        `json:"input_hash"`
	Outcome   Outcome       `json:"outcome"`
	Error     string        `json:"error,omitempty"`
	Tokens    model.Usage   `json:"tokens"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

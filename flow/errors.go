// Package flow implements the agent pipeline orchestrator: a directed-graph
// workflow engine that drives a development request through specialized
// model-backed stages, merges stage deltas into a shared run state through
// deterministic reducers, checkpoints every step, and publishes run events
// to subscribers.
package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/agentflow-go/flow/capability"
	"github.com/dshills/agentflow-go/flow/checkpoint"
	"github.com/dshills/agentflow-go/flow/model"
)

// Kind classifies an error for retry and escalation decisions.
//
// The taxonomy is fixed: every error crossing a component boundary is mapped
// onto one of these kinds. Retryable kinds are handled inside the stage
// runtime up to StageSpec.MaxAttempts; non-retryable kinds propagate to the
// engine immediately and fail the owning run.
type Kind int

const (
	// KindInternal is an uncategorised failure. Logged with full context,
	// never retried.
	KindInternal Kind = iota

	// KindContractBreach indicates a stage wrote outside its declared output
	// slot, or two concurrent writers hit the same slot.
	KindContractBreach

	// KindValidation indicates stage input validation failed.
	KindValidation

	// KindTokenLimit indicates the model response exceeded the token budget.
	KindTokenLimit

	// KindRateLimited indicates the external model service throttled us.
	KindRateLimited

	// KindTransportTimeout indicates a network call did not complete in time.
	KindTransportTimeout

	// KindTransportUnavailable indicates a network call could not connect.
	KindTransportUnavailable

	// KindCheckpointUnavailable indicates a checkpoint store write failed.
	KindCheckpointUnavailable

	// KindCapabilityUnavailable indicates a registry capability is down.
	KindCapabilityUnavailable

	// KindContent indicates the model returned output that cannot be parsed.
	KindContent

	// KindCancelled indicates an external cancel was observed.
	KindCancelled
)

var kindNames = map[Kind]string{
	KindInternal:              "InternalError",
	KindContractBreach:        "ContractBreach",
	KindValidation:            "ValidationError",
	KindTokenLimit:            "TokenLimitExceeded",
	KindRateLimited:           "RateLimited",
	KindTransportTimeout:      "TransportTimeout",
	KindTransportUnavailable:  "TransportUnavailable",
	KindCheckpointUnavailable: "CheckpointUnavailable",
	KindCapabilityUnavailable: "CapabilityUnavailable",
	KindContent:               "ContentError",
	KindCancelled:             "Cancelled",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "InternalError"
}

// Retryable reports whether errors of this kind may be retried by the stage
// runtime. CheckpointUnavailable and CapabilityUnavailable are retryable but
// bounded separately by their owning components.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindTransportTimeout, KindTransportUnavailable,
		KindCheckpointUnavailable, KindCapabilityUnavailable:
		return true
	default:
		return false
	}
}

// FlowError is the structured error type used throughout the orchestrator.
//
// It carries the taxonomy kind, the stage it originated from (empty for
// engine-level failures), and an optional cause for errors.Is/As chains.
type FlowError struct {
	Kind    Kind
	Stage   string
	Message string
	Cause   error
}

func (e *FlowError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s: stage %s: %s", e.Kind, e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *FlowError) Unwrap() error { return e.Cause }

// Retryable reports whether this error's kind permits a retry.
func (e *FlowError) Retryable() bool { return e.Kind.Retryable() }

// Errf builds a FlowError with a formatted message.
func Errf(kind Kind, stage, format string, args ...any) *FlowError {
	return &FlowError{Kind: kind, Stage: stage, Message: fmt.Sprintf(format, args...)}
}

// WrapErr builds a FlowError around a cause, preserving it for errors.Is.
func WrapErr(kind Kind, stage string, cause error) *FlowError {
	if cause == nil {
		return nil
	}
	return &FlowError{Kind: kind, Stage: stage, Message: cause.Error(), Cause: cause}
}

// KindOf maps an arbitrary error onto the taxonomy.
//
// FlowError kinds pass through. Model adapter sentinels and context errors
// are translated; everything else is KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	switch {
	case errors.Is(err, model.ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, model.ErrTokenLimit):
		return KindTokenLimit
	case errors.Is(err, model.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTransportTimeout
	case errors.Is(err, model.ErrUnavailable):
		return KindTransportUnavailable
	case errors.Is(err, model.ErrContent):
		return KindContent
	case errors.Is(err, capability.ErrUnavailable):
		return KindCapabilityUnavailable
	case errors.Is(err, checkpoint.ErrConflict), errors.Is(err, checkpoint.ErrClosed):
		return KindCheckpointUnavailable
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, model.ErrBadRequest):
		return KindInternal
	}
	return KindInternal
}

// IsRetryable reports whether the error maps to a retryable kind.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

// Package model is the single place where stages talk to external language
// model services. It defines the provider-neutral request/response types and
// the Client interface; provider backends (Anthropic, OpenAI) translate to
// their wire protocols, and the Adapter wrapper layers rate limiting, retry
// classification, and token metering on top. No other package in the module
// knows any model wire format.
package model

import (
	"context"
	"errors"
)

// Classification sentinels. Backends translate provider errors into wrapped
// versions of these so callers can use errors.Is without knowing providers.
var (
	// ErrRateLimited indicates the service throttled the request (HTTP 429).
	ErrRateLimited = errors.New("model: rate limited")

	// ErrTokenLimit indicates the request or response exceeded the model's
	// token budget. Never retried.
	ErrTokenLimit = errors.New("model: token limit exceeded")

	// ErrTimeout indicates the call did not complete within its deadline.
	ErrTimeout = errors.New("model: transport timeout")

	// ErrUnavailable indicates the service could not be reached.
	ErrUnavailable = errors.New("model: transport unavailable")

	// ErrBadRequest indicates a semantic error in the request. Never retried.
	ErrBadRequest = errors.New("model: bad request")

	// ErrContent indicates the response was malformed beyond use.
	ErrContent = errors.New("model: malformed content")
)

// Role identifies a chat message sender.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one turn of a model conversation.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request describes one model call.
type Request struct {
	// Messages is the conversation, oldest first. System content may be
	// carried here with RoleSystem or in the System field; backends merge.
	Messages []ChatMessage

	// System is an optional system prompt kept separate because some
	// providers take it out of band.
	System string

	// Model optionally overrides the backend's default model identifier.
	Model string

	// MaxTokens caps the completion length. Required by some providers; the
	// backend applies its configured default when zero.
	MaxTokens int

	// Temperature controls sampling. Zero means provider default.
	Temperature float64

	// Metadata is free-form call annotation (run id, stage name) passed
	// through to RawMeta and metrics labels.
	Metadata map[string]string
}

// Usage counts tokens consumed by one call.
type Usage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Add returns the component-wise sum.
func (u Usage) Add(o Usage) Usage {
	return Usage{Input: u.Input + o.Input, Output: u.Output + o.Output}
}

// Response is the provider-neutral result of a non-streaming call.
type Response struct {
	Text         string
	FinishReason string
	Usage        Usage
	RawMeta      map[string]any
}

// Chunk is one increment of a streaming response. The final chunk carries
// Done=true and, when the provider reports it, the call's Usage.
type Chunk struct {
	Text  string
	Done  bool
	Usage *Usage
}

// Stream is a finite, non-restartable sequence of chunks. Recv returns
// io.EOF after the terminal chunk. Chunks are delivered at most once;
// Close releases the underlying connection and is safe to call twice.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Client is the stage-facing model interface.
//
// Implementations must respect context cancellation at every blocking point
// and translate provider failures into the classification sentinels above.
type Client interface {
	// Generate performs a non-streaming completion.
	Generate(ctx context.Context, req Request) (*Response, error)

	// GenerateStream starts a streaming completion. The returned stream is
	// closed by the adapter when the context is cancelled.
	GenerateStream(ctx context.Context, req Request) (Stream, error)
}

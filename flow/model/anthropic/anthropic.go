// Package anthropic implements model.Client on top of the Anthropic Claude
// Messages API using github.com/anthropics/anthropic-sdk-go. It translates
// requests into Messages calls, maps streaming events onto model.Chunks, and
// classifies provider failures into the model package sentinels.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/dshills/agentflow-go/flow/model"
)

// MessagesClient captures the subset of the SDK client the backend uses.
// *sdk.MessageService satisfies it; tests pass a fake.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Options configures the backend.
type Options struct {
	// DefaultModel is used when Request.Model is empty. Required.
	DefaultModel string

	// MaxTokens is the default completion cap when a request does not set
	// one. Anthropic requires a positive cap on every call.
	MaxTokens int
}

// Client implements model.Client via Anthropic Messages.
type Client struct {
	msg          MessagesClient
	defaultModel string
	maxTokens    int
}

// New builds a backend from an SDK messages client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("anthropic: default model is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{msg: msg, defaultModel: opts.DefaultModel, maxTokens: maxTokens}, nil
}

// NewFromAPIKey constructs a backend using the default SDK HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Generate implements model.Client.
func (c *Client) Generate(ctx context.Context, req model.Request) (*model.Response, error) {
	params, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return nil, classify(err)
	}
	return decodeResponse(msg)
}

// GenerateStream implements model.Client.
func (c *Client) GenerateStream(ctx context.Context, req model.Request) (model.Stream, error) {
	params, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, classify(err)
	}
	return &messageStream{stream: stream}, nil
}

func (c *Client) encodeRequest(req model.Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 && req.System == "" {
		return nil, fmt.Errorf("%w: messages are required", model.ErrBadRequest)
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	system := make([]sdk.TextBlockParam, 0, 1)
	if req.System != "" {
		system = append(system, sdk.TextBlockParam{Text: req.System})
	}
	conversation := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case model.RoleSystem:
			// Anthropic takes system content out of band.
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case model.RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case model.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			return nil, fmt.Errorf("%w: unsupported role %q", model.ErrBadRequest, m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, fmt.Errorf("%w: at least one user or assistant message is required", model.ErrBadRequest)
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	return &params, nil
}

func decodeResponse(msg *sdk.Message) (*model.Response, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil response message", model.ErrContent)
	}
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	resp := &model.Response{
		Text:         text.String(),
		FinishReason: string(msg.StopReason),
		Usage: model.Usage{
			Input:  int(msg.Usage.InputTokens),
			Output: int(msg.Usage.OutputTokens),
		},
		RawMeta: map[string]any{
			"provider": "anthropic",
			"model":    string(msg.Model),
			"id":       msg.ID,
		},
	}
	return resp, nil
}

// messageStream adapts the SDK's SSE stream to model.Stream. Recv pulls
// events synchronously so each chunk is delivered at most once.
type messageStream struct {
	stream   *ssestream.Stream[sdk.MessageStreamEventUnion]
	usage    model.Usage
	finished bool
}

func (s *messageStream) Recv() (model.Chunk, error) {
	if s.finished {
		return model.Chunk{}, io.EOF
	}
	for {
		if !s.stream.Next() {
			s.finished = true
			if err := s.stream.Err(); err != nil {
				return model.Chunk{}, classify(err)
			}
			return model.Chunk{}, io.EOF
		}
		switch ev := s.stream.Current().AsAny().(type) {
		case sdk.MessageStartEvent:
			s.usage.Input = int(ev.Message.Usage.InputTokens)
		case sdk.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
				return model.Chunk{Text: delta.Text}, nil
			}
		case sdk.MessageDeltaEvent:
			if ev.Usage.InputTokens > 0 {
				s.usage.Input = int(ev.Usage.InputTokens)
			}
			s.usage.Output = int(ev.Usage.OutputTokens)
		case sdk.MessageStopEvent:
			s.finished = true
			usage := s.usage
			return model.Chunk{Done: true, Usage: &usage}, nil
		}
	}
}

func (s *messageStream) Close() error {
	s.finished = true
	return s.stream.Close()
}

// classify maps SDK and transport errors onto the model sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", model.ErrTimeout, err)
	}

	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 429:
			return &model.RateLimitError{RetryAfter: retryAfterHint(apierr), Cause: err}
		case apierr.StatusCode == 400 && mentionsTokens(apierr.Error()):
			return fmt.Errorf("%w: %w", model.ErrTokenLimit, err)
		case apierr.StatusCode >= 500 || apierr.StatusCode == 529:
			return fmt.Errorf("%w: %w", model.ErrUnavailable, err)
		default:
			return fmt.Errorf("%w: %w", model.ErrBadRequest, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %w", model.ErrTimeout, err)
		}
		return fmt.Errorf("%w: %w", model.ErrUnavailable, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Errorf("%w: %w", model.ErrUnavailable, err)
	}
	return err
}

func retryAfterHint(apierr *sdk.Error) time.Duration {
	if apierr.Response == nil {
		return 0
	}
	raw := apierr.Response.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func mentionsTokens(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "token") || strings.Contains(lower, "context length")
}

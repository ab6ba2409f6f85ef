// Package openai implements model.Client on top of the OpenAI chat
// completions API using github.com/openai/openai-go. Failure classification
// mirrors the anthropic backend so the adapter treats providers uniformly.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/dshills/agentflow-go/flow/model"
)

// CompletionsClient captures the subset of the SDK client the backend uses.
type CompletionsClient interface {
	New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
	NewStreaming(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk]
}

// Options configures the backend.
type Options struct {
	// DefaultModel is used when Request.Model is empty. Required.
	DefaultModel string

	// MaxTokens is the default completion cap. Zero leaves the cap to the
	// provider.
	MaxTokens int
}

// Client implements model.Client via OpenAI chat completions.
type Client struct {
	chat         CompletionsClient
	defaultModel string
	maxTokens    int
}

// New builds a backend from an SDK completions client.
func New(chat CompletionsClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: completions client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("openai: default model is required")
	}
	return &Client{chat: chat, defaultModel: opts.DefaultModel, maxTokens: opts.MaxTokens}, nil
}

// NewFromAPIKey constructs a backend using the default SDK HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	oc := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions, Options{DefaultModel: defaultModel})
}

// Generate implements model.Client.
func (c *Client) Generate(ctx context.Context, req model.Request) (*model.Response, error) {
	params, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.chat.New(ctx, *params)
	if err != nil {
		return nil, classify(err)
	}
	return decodeResponse(resp)
}

// GenerateStream implements model.Client.
func (c *Client) GenerateStream(ctx context.Context, req model.Request) (model.Stream, error) {
	params, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = sdk.ChatCompletionStreamOptionsParam{IncludeUsage: sdk.Bool(true)}
	stream := c.chat.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, classify(err)
	}
	return &completionStream{stream: stream}, nil
}

func (c *Client) encodeRequest(req model.Request) (*sdk.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 && req.System == "" {
		return nil, fmt.Errorf("%w: messages are required", model.ErrBadRequest)
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}

	messages := make([]sdk.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, sdk.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case model.RoleSystem:
			messages = append(messages, sdk.SystemMessage(m.Content))
		case model.RoleUser:
			messages = append(messages, sdk.UserMessage(m.Content))
		case model.RoleAssistant:
			messages = append(messages, sdk.AssistantMessage(m.Content))
		default:
			return nil, fmt.Errorf("%w: unsupported role %q", model.ErrBadRequest, m.Role)
		}
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("%w: at least one message is required", model.ErrBadRequest)
	}

	params := &sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(modelID),
		Messages: messages,
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	if maxTokens > 0 {
		params.MaxTokens = sdk.Int(int64(maxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	return params, nil
}

func decodeResponse(resp *sdk.ChatCompletion) (*model.Response, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty completion", model.ErrContent)
	}
	choice := resp.Choices[0]
	return &model.Response{
		Text:         choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: model.Usage{
			Input:  int(resp.Usage.PromptTokens),
			Output: int(resp.Usage.CompletionTokens),
		},
		RawMeta: map[string]any{
			"provider": "openai",
			"model":    resp.Model,
			"id":       resp.ID,
		},
	}, nil
}

// completionStream adapts the SDK's SSE stream to model.Stream.
type completionStream struct {
	stream   *ssestream.Stream[sdk.ChatCompletionChunk]
	usage    model.Usage
	finished bool
}

func (s *completionStream) Recv() (model.Chunk, error) {
	if s.finished {
		return model.Chunk{}, io.EOF
	}
	for {
		if !s.stream.Next() {
			s.finished = true
			if err := s.stream.Err(); err != nil {
				return model.Chunk{}, classify(err)
			}
			// OpenAI sends usage on the final chunk after the last choice.
			usage := s.usage
			return model.Chunk{Done: true, Usage: &usage}, nil
		}
		chunk := s.stream.Current()
		if chunk.Usage.TotalTokens > 0 {
			s.usage.Input = int(chunk.Usage.PromptTokens)
			s.usage.Output = int(chunk.Usage.CompletionTokens)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			return model.Chunk{Text: delta}, nil
		}
	}
}

func (s *completionStream) Close() error {
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
		case apierr.StatusCode >= 500:
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

// Package google implements model.Client on top of the Google Gemini API
// using github.com/google/generative-ai-go. The Gemini SDK hangs generation
// config off the model object rather than the request, so the backend builds
// a configured generator per call through a factory. Failure classification
// mirrors the anthropic and openai backends.
package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/dshills/agentflow-go/flow/model"
)

// ContentGenerator captures the subset of *genai.GenerativeModel the backend
// uses. Tests pass a fake.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
	GenerateContentStream(ctx context.Context, parts ...genai.Part) *genai.GenerateContentResponseIterator
}

// Settings carries the per-call configuration the factory applies to the
// generator it returns.
type Settings struct {
	Model       string
	System      string
	MaxTokens   int
	Temperature float64
}

// Factory builds a configured generator for one call.
type Factory func(s Settings) ContentGenerator

// Options configures the backend.
type Options struct {
	// DefaultModel is used when Request.Model is empty. Required.
	DefaultModel string

	// MaxTokens is the default completion cap. Zero leaves the cap to the
	// provider.
	MaxTokens int
}

// Client implements model.Client via Gemini generateContent.
type Client struct {
	models       Factory
	defaultModel string
	maxTokens    int
	closeFn      func() error
}

// New builds a backend from a generator factory.
func New(models Factory, opts Options) (*Client, error) {
	if models == nil {
		return nil, errors.New("google: generator factory is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("google: default model is required")
	}
	return &Client{models: models, defaultModel: opts.DefaultModel, maxTokens: opts.MaxTokens}, nil
}

// NewFromAPIKey constructs a backend over the official SDK client. Close
// releases the underlying connection.
func NewFromAPIKey(ctx context.Context, apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("google: api key is required")
	}
	gc, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("google: create client: %w", err)
	}
	factory := func(s Settings) ContentGenerator {
		gm := gc.GenerativeModel(s.Model)
		if s.MaxTokens > 0 {
			gm.SetMaxOutputTokens(int32(s.MaxTokens))
		}
		if s.Temperature > 0 {
			gm.SetTemperature(float32(s.Temperature))
		}
		if s.System != "" {
			gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(s.System)}}
		}
		return gm
	}
	c, err := New(factory, Options{DefaultModel: defaultModel})
	if err != nil {
		return nil, err
	}
	c.closeFn = gc.Close
	return c, nil
}

// Close releases the SDK connection when the backend owns one.
func (c *Client) Close() error {
	if c.closeFn == nil {
		return nil
	}
	return c.closeFn()
}

// Generate implements model.Client.
func (c *Client) Generate(ctx context.Context, req model.Request) (*model.Response, error) {
	settings, parts, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.models(settings).GenerateContent(ctx, parts...)
	if err != nil {
		return nil, classify(err)
	}
	return decodeResponse(resp)
}

// GenerateStream implements model.Client. Gemini surfaces stream errors on
// the first Next, so the wrapper is returned immediately.
func (c *Client) GenerateStream(ctx context.Context, req model.Request) (model.Stream, error) {
	settings, parts, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	return &contentStream{it: c.models(settings).GenerateContentStream(ctx, parts...)}, nil
}

func (c *Client) encodeRequest(req model.Request) (Settings, []genai.Part, error) {
	if len(req.Messages) == 0 && req.System == "" {
		return Settings{}, nil, fmt.Errorf("%w: messages are required", model.ErrBadRequest)
	}
	settings := Settings{
		Model:       req.Model,
		System:      req.System,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if settings.Model == "" {
		settings.Model = c.defaultModel
	}
	if settings.MaxTokens <= 0 {
		settings.MaxTokens = c.maxTokens
	}

	parts := make([]genai.Part, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case model.RoleSystem:
			// Gemini takes system content as a model-level instruction.
			if settings.System != "" {
				settings.System += "\n"
			}
			settings.System += m.Content
		case model.RoleUser, model.RoleAssistant:
			parts = append(parts, genai.Text(m.Content))
		default:
			return Settings{}, nil, fmt.Errorf("%w: unsupported role %q", model.ErrBadRequest, m.Role)
		}
	}
	if len(parts) == 0 {
		return Settings{}, nil, fmt.Errorf("%w: at least one user or assistant message is required", model.ErrBadRequest)
	}
	return settings, parts, nil
}

func decodeResponse(resp *genai.GenerateContentResponse) (*model.Response, error) {
	if resp == nil {
		return nil, fmt.Errorf("%w: nil response", model.ErrContent)
	}
	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
			return nil, fmt.Errorf("%w: prompt blocked (%v)", model.ErrContent, resp.PromptFeedback.BlockReason)
		}
		return nil, fmt.Errorf("%w: no candidates", model.ErrContent)
	}

	candidate := resp.Candidates[0]
	var text strings.Builder
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				text.WriteString(string(t))
			}
		}
	}
	out := &model.Response{
		Text:         text.String(),
		FinishReason: finishReason(candidate.FinishReason),
		RawMeta:      map[string]any{"provider": "google"},
	}
	if resp.UsageMetadata != nil {
		out.Usage = model.Usage{
			Input:  int(resp.UsageMetadata.PromptTokenCount),
			Output: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return out, nil
}

func finishReason(r genai.FinishReason) string {
	switch r {
	case genai.FinishReasonStop:
		return "stop"
	case genai.FinishReasonMaxTokens:
		return "max_tokens"
	case genai.FinishReasonSafety:
		return "safety"
	case genai.FinishReasonRecitation:
		return "recitation"
	default:
		return fmt.Sprintf("%v", r)
	}
}

// contentStream adapts the SDK's response iterator to model.Stream.
type contentStream struct {
	it       *genai.GenerateContentResponseIterator
	usage    model.Usage
	finished bool
}

func (s *contentStream) Recv() (model.Chunk, error) {
	if s.finished {
		return model.Chunk{}, io.EOF
	}
	for {
		resp, err := s.it.Next()
		if errors.Is(err, iterator.Done) {
			s.finished = true
			usage := s.usage
			return model.Chunk{Done: true, Usage: &usage}, nil
		}
		if err != nil {
			s.finished = true
			return model.Chunk{}, classify(err)
		}
		if resp.UsageMetadata != nil {
			s.usage.Input = int(resp.UsageMetadata.PromptTokenCount)
			s.usage.Output = int(resp.UsageMetadata.CandidatesTokenCount)
		}
		if text := chunkText(resp); text != "" {
			return model.Chunk{Text: text}, nil
		}
	}
}

func (s *contentStream) Close() error {
	s.finished = true
	return nil
}

func chunkText(resp *genai.GenerateContentResponse) string {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}
	return text.String()
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

	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return fmt.Errorf("%w: %w", model.ErrContent, err)
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == 429:
			return &model.RateLimitError{RetryAfter: retryAfterHint(gerr), Cause: err}
		case gerr.Code == 400 && mentionsTokens(gerr.Message):
			return fmt.Errorf("%w: %w", model.ErrTokenLimit, err)
		case gerr.Code >= 500:
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

func retryAfterHint(gerr *googleapi.Error) time.Duration {
	raw := gerr.Header.Get("Retry-After")
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

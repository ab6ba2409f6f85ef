package google

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"

	"github.com/dshills/agentflow-go/flow/model"
)

// fakeGenerator implements ContentGenerator with a scripted response and
// records what the factory configured it with.
type fakeGenerator struct {
	resp     *genai.GenerateContentResponse
	err      error
	calls    int
	settings Settings
	parts    []genai.Part
}

func (f *fakeGenerator) GenerateContent(_ context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
	f.calls++
	f.parts = parts
	return f.resp, f.err
}

func (f *fakeGenerator) GenerateContentStream(context.Context, ...genai.Part) *genai.GenerateContentResponseIterator {
	return nil
}

func (f *fakeGenerator) factory() Factory {
	return func(s Settings) ContentGenerator {
		f.settings = s
		return f
	}
}

func contentResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content:      &genai.Content{Parts: []genai.Part{genai.Text(text)}},
			FinishReason: genai.FinishReasonStop,
		}},
		UsageMetadata: &genai.UsageMetadata{PromptTokenCount: 11, CandidatesTokenCount: 6},
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil, Options{DefaultModel: "gemini-2.5-flash"}); err == nil {
		t.Error("nil factory accepted")
	}
	if _, err := New((&fakeGenerator{}).factory(), Options{}); err == nil {
		t.Error("empty default model accepted")
	}
	if _, err := NewFromAPIKey(context.Background(), "", "gemini-2.5-flash"); err == nil {
		t.Error("empty api key accepted")
	}
}

func TestGenerate(t *testing.T) {
	fake := &fakeGenerator{resp: contentResponse("hello")}
	c, err := New(fake.factory(), Options{DefaultModel: "gemini-2.5-flash", MaxTokens: 2048})
	if err != nil {
		t.Fatal(err)
	}

	resp, err := c.Generate(context.Background(), model.Request{
		System:   "be terse",
		Messages: []model.ChatMessage{{Role: model.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != "hello" {
		t.Errorf("text = %q, want hello", resp.Text)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("finish reason = %q, want stop", resp.FinishReason)
	}
	if resp.Usage.Input != 11 || resp.Usage.Output != 6 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if fake.calls != 1 {
		t.Errorf("calls = %d, want 1", fake.calls)
	}
	if fake.settings.Model != "gemini-2.5-flash" {
		t.Errorf("model = %q, want the default", fake.settings.Model)
	}
	if fake.settings.MaxTokens != 2048 {
		t.Errorf("max tokens = %d, want the configured default", fake.settings.MaxTokens)
	}
	if fake.settings.System != "be terse" {
		t.Errorf("system = %q", fake.settings.System)
	}
	if len(fake.parts) != 1 {
		t.Errorf("parts = %d, want 1", len(fake.parts))
	}
}

func TestEncodeRequest(t *testing.T) {
	c, err := New((&fakeGenerator{}).factory(), Options{DefaultModel: "gemini-2.5-flash"})
	if err != nil {
		t.Fatal(err)
	}

	t.Run("system content folds into the instruction", func(t *testing.T) {
		settings, parts, err := c.encodeRequest(model.Request{
			System: "prompt",
			Messages: []model.ChatMessage{
				{Role: model.RoleSystem, Content: "more system"},
				{Role: model.RoleUser, Content: "hi"},
				{Role: model.RoleAssistant, Content: "hello"},
			},
		})
		if err != nil {
			t.Fatal(err)
		}
		if settings.System != "prompt\nmore system" {
			t.Errorf("system = %q", settings.System)
		}
		if len(parts) != 2 {
			t.Errorf("parts = %d, want 2", len(parts))
		}
	})

	t.Run("request overrides win", func(t *testing.T) {
		settings, _, err := c.encodeRequest(model.Request{
			Model:     "gemini-2.5-pro",
			MaxTokens: 256,
			Messages:  []model.ChatMessage{{Role: model.RoleUser, Content: "hi"}},
		})
		if err != nil {
			t.Fatal(err)
		}
		if settings.Model != "gemini-2.5-pro" {
			t.Errorf("model = %q", settings.Model)
		}
		if settings.MaxTokens != 256 {
			t.Errorf("max tokens = %d, want 256", settings.MaxTokens)
		}
	})

	t.Run("empty request is rejected", func(t *testing.T) {
		fake := &fakeGenerator{}
		c2, _ := New(fake.factory(), Options{DefaultModel: "gemini-2.5-flash"})
		_, err := c2.Generate(context.Background(), model.Request{})
		if !errors.Is(err, model.ErrBadRequest) {
			t.Errorf("err = %v, want ErrBadRequest", err)
		}
		if fake.calls != 0 {
			t.Errorf("calls = %d, want 0 when encoding fails", fake.calls)
		}
	})

	t.Run("system-only conversation is rejected", func(t *testing.T) {
		_, _, err := c.encodeRequest(model.Request{System: "prompt"})
		if !errors.Is(err, model.ErrBadRequest) {
			t.Errorf("err = %v, want ErrBadRequest", err)
		}
	})

	t.Run("unsupported role is rejected", func(t *testing.T) {
		_, _, err := c.encodeRequest(model.Request{
			Messages: []model.ChatMessage{{Role: "tool", Content: "x"}},
		})
		if !errors.Is(err, model.ErrBadRequest) {
			t.Errorf("err = %v, want ErrBadRequest", err)
		}
	})
}

func TestDecodeResponse(t *testing.T) {
	t.Run("text parts concatenate", func(t *testing.T) {
		resp := contentResponse("part one")
		resp.Candidates[0].Content.Parts = append(resp.Candidates[0].Content.Parts, genai.Text(" part two"))
		out, err := decodeResponse(resp)
		if err != nil {
			t.Fatal(err)
		}
		if out.Text != "part one part two" {
			t.Errorf("text = %q", out.Text)
		}
		if out.RawMeta["provider"] != "google" {
			t.Errorf("meta = %+v", out.RawMeta)
		}
	})

	t.Run("nil response is malformed", func(t *testing.T) {
		if _, err := decodeResponse(nil); !errors.Is(err, model.ErrContent) {
			t.Errorf("err = %v, want ErrContent", err)
		}
	})

	t.Run("blocked prompt is malformed", func(t *testing.T) {
		resp := &genai.GenerateContentResponse{
			PromptFeedback: &genai.PromptFeedback{BlockReason: genai.BlockReasonSafety},
		}
		if _, err := decodeResponse(resp); !errors.Is(err, model.ErrContent) {
			t.Errorf("err = %v, want ErrContent", err)
		}
	})
}

func apiError(code int, header http.Header) *googleapi.Error {
	if header == nil {
		header = http.Header{}
	}
	return &googleapi.Error{Code: code, Message: "request failed", Header: header}
}

type fakeTimeout struct{}

func (fakeTimeout) Error() string   { return "dial tcp: i/o timeout" }
func (fakeTimeout) Timeout() bool   { return true }
func (fakeTimeout) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	t.Run("429 carries the retry-after hint", func(t *testing.T) {
		hdr := http.Header{}
		hdr.Set("Retry-After", "20")
		err := classify(apiError(429, hdr))
		var rl *model.RateLimitError
		if !errors.As(err, &rl) {
			t.Fatalf("err = %v, want RateLimitError", err)
		}
		if rl.RetryAfter != 20*time.Second {
			t.Errorf("retry after = %s, want 20s", rl.RetryAfter)
		}
	})

	t.Run("server errors are unavailable", func(t *testing.T) {
		for _, code := range []int{500, 503} {
			if err := classify(apiError(code, nil)); !errors.Is(err, model.ErrUnavailable) {
				t.Errorf("code %d: err = %v, want ErrUnavailable", code, err)
			}
		}
	})

	t.Run("token limit on 400", func(t *testing.T) {
		gerr := apiError(400, nil)
		gerr.Message = "input exceeds the maximum token count"
		if err := classify(gerr); !errors.Is(err, model.ErrTokenLimit) {
			t.Errorf("err = %v, want ErrTokenLimit", err)
		}
		if err := classify(apiError(400, nil)); !errors.Is(err, model.ErrBadRequest) {
			t.Errorf("plain 400: err = %v, want ErrBadRequest", err)
		}
	})

	t.Run("safety block is malformed content", func(t *testing.T) {
		blocked := &genai.BlockedError{
			PromptFeedback: &genai.PromptFeedback{BlockReason: genai.BlockReasonSafety},
		}
		if err := classify(blocked); !errors.Is(err, model.ErrContent) {
			t.Errorf("err = %v, want ErrContent", err)
		}
	})

	t.Run("deadline is a timeout", func(t *testing.T) {
		if err := classify(context.DeadlineExceeded); !errors.Is(err, model.ErrTimeout) {
			t.Errorf("err = %v, want ErrTimeout", err)
		}
	})

	t.Run("cancellation passes through", func(t *testing.T) {
		if err := classify(context.Canceled); !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	})

	t.Run("network timeout is a timeout", func(t *testing.T) {
		if err := classify(fakeTimeout{}); !errors.Is(err, model.ErrTimeout) {
			t.Errorf("err = %v, want ErrTimeout", err)
		}
	})
}

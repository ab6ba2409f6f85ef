package openai

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/dshills/agentflow-go/flow/model"
)

// fakeCompletions implements CompletionsClient with a scripted response.
type fakeCompletions struct {
	resp  *sdk.ChatCompletion
	err   error
	calls int
	last  sdk.ChatCompletionNewParams
}

func (f *fakeCompletions) New(_ context.Context, body sdk.ChatCompletionNewParams, _ ...option.RequestOption) (*sdk.ChatCompletion, error) {
	f.calls++
	f.last = body
	return f.resp, f.err
}

func (f *fakeCompletions) NewStreaming(context.Context, sdk.ChatCompletionNewParams, ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk] {
	return nil
}

func completion(text string) *sdk.ChatCompletion {
	return &sdk.ChatCompletion{
		ID:    "chatcmpl-1",
		Model: "gpt-4o",
		Choices: []sdk.ChatCompletionChoice{{
			FinishReason: "stop",
			Message:      sdk.ChatCompletionMessage{Content: text},
		}},
		Usage: sdk.CompletionUsage{PromptTokens: 9, CompletionTokens: 4},
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil, Options{DefaultModel: "gpt-4o"}); err == nil {
		t.Error("nil completions client accepted")
	}
	if _, err := New(&fakeCompletions{}, Options{}); err == nil {
		t.Error("empty default model accepted")
	}
	if _, err := NewFromAPIKey("", "gpt-4o"); err == nil {
		t.Error("empty api key accepted")
	}
}

func TestGenerate(t *testing.T) {
	fake := &fakeCompletions{resp: completion("hello")}
	c, err := New(fake, Options{DefaultModel: "gpt-4o", MaxTokens: 2048})
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
		t.Errorf("finish reason = %q", resp.FinishReason)
	}
	if resp.Usage.Input != 9 || resp.Usage.Output != 4 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if fake.calls != 1 {
		t.Errorf("calls = %d, want 1", fake.calls)
	}
	if fake.last.Model != "gpt-4o" {
		t.Errorf("model = %q, want the default", fake.last.Model)
	}
	if fake.last.MaxTokens.Value != 2048 {
		t.Errorf("max tokens = %d, want the configured default", fake.last.MaxTokens.Value)
	}
}

func TestEncodeRequest(t *testing.T) {
	c, err := New(&fakeCompletions{}, Options{DefaultModel: "gpt-4o"})
	if err != nil {
		t.Fatal(err)
	}

	t.Run("system prompt leads the conversation", func(t *testing.T) {
		params, err := c.encodeRequest(model.Request{
			System: "prompt",
			Messages: []model.ChatMessage{
				{Role: model.RoleUser, Content: "hi"},
				{Role: model.RoleAssistant, Content: "hello"},
				{Role: model.RoleSystem, Content: "reminder"},
			},
		})
		if err != nil {
			t.Fatal(err)
		}
		if len(params.Messages) != 4 {
			t.Fatalf("messages = %d, want 4", len(params.Messages))
		}
		if params.Messages[0].OfSystem == nil {
			t.Error("first message is not the system prompt")
		}
		if params.Messages[1].OfUser == nil || params.Messages[2].OfAssistant == nil || params.Messages[3].OfSystem == nil {
			t.Errorf("role order wrong: %+v", params.Messages)
		}
	})

	t.Run("zero max tokens leaves the cap unset", func(t *testing.T) {
		params, err := c.encodeRequest(model.Request{
			Messages: []model.ChatMessage{{Role: model.RoleUser, Content: "hi"}},
		})
		if err != nil {
			t.Fatal(err)
		}
		if params.MaxTokens.Valid() {
			t.Errorf("max tokens = %d, want unset", params.MaxTokens.Value)
		}
	})

	t.Run("request overrides win", func(t *testing.T) {
		params, err := c.encodeRequest(model.Request{
			Model:     "gpt-4o-mini",
			MaxTokens: 256,
			Messages:  []model.ChatMessage{{Role: model.RoleUser, Content: "hi"}},
		})
		if err != nil {
			t.Fatal(err)
		}
		if params.Model != "gpt-4o-mini" {
			t.Errorf("model = %q", params.Model)
		}
		if params.MaxTokens.Value != 256 {
			t.Errorf("max tokens = %d, want 256", params.MaxTokens.Value)
		}
	})

	t.Run("empty request is rejected", func(t *testing.T) {
		fake := &fakeCompletions{}
		c2, _ := New(fake, Options{DefaultModel: "gpt-4o"})
		_, err := c2.Generate(context.Background(), model.Request{})
		if !errors.Is(err, model.ErrBadRequest) {
			t.Errorf("err = %v, want ErrBadRequest", err)
		}
		if fake.calls != 0 {
			t.Errorf("calls = %d, want 0 when encoding fails", fake.calls)
		}
	})

	t.Run("unsupported role is rejected", func(t *testing.T) {
		_, err := c.encodeRequest(model.Request{
			Messages: []model.ChatMessage{{Role: "tool", Content: "x"}},
		})
		if !errors.Is(err, model.ErrBadRequest) {
			t.Errorf("err = %v, want ErrBadRequest", err)
		}
	})
}

func TestDecodeResponse(t *testing.T) {
	resp, err := decodeResponse(completion("done"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "done" || resp.RawMeta["provider"] != "openai" {
		t.Errorf("resp = %+v", resp)
	}

	if _, err := decodeResponse(nil); !errors.Is(err, model.ErrContent) {
		t.Errorf("nil completion: err = %v, want ErrContent", err)
	}
	if _, err := decodeResponse(&sdk.ChatCompletion{ID: "chatcmpl-2"}); !errors.Is(err, model.ErrContent) {
		t.Errorf("no choices: err = %v, want ErrContent", err)
	}
}

// apiError builds a *sdk.Error complete enough for Error() to format.
func apiError(status int, header http.Header) *sdk.Error {
	req, _ := http.NewRequest(http.MethodPost, "https://api.openai.com/v1/chat/completions", nil)
	if header == nil {
		header = http.Header{}
	}
	return &sdk.Error{
		StatusCode: status,
		Request:    req,
		Response:   &http.Response{StatusCode: status, Header: header},
	}
}

type fakeTimeout struct{}

func (fakeTimeout) Error() string   { return "dial tcp: i/o timeout" }
func (fakeTimeout) Timeout() bool   { return true }
func (fakeTimeout) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	t.Run("429 carries the retry-after hint", func(t *testing.T) {
		hdr := http.Header{}
		hdr.Set("Retry-After", "15")
		err := classify(apiError(429, hdr))
		var rl *model.RateLimitError
		if !errors.As(err, &rl) {
			t.Fatalf("err = %v, want RateLimitError", err)
		}
		if rl.RetryAfter != 15*time.Second {
			t.Errorf("retry after = %s, want 15s", rl.RetryAfter)
		}
	})

	t.Run("server errors are unavailable", func(t *testing.T) {
		for _, status := range []int{500, 502, 503} {
			if err := classify(apiError(status, nil)); !errors.Is(err, model.ErrUnavailable) {
				t.Errorf("status %d: err = %v, want ErrUnavailable", status, err)
			}
		}
	})

	t.Run("plain 400 is a bad request", func(t *testing.T) {
		if err := classify(apiError(400, nil)); !errors.Is(err, model.ErrBadRequest) {
			t.Errorf("err = %v, want ErrBadRequest", err)
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

func TestMentionsTokens(t *testing.T) {
	for msg, want := range map[string]bool{
		"this model's maximum context length is 128000 tokens": true,
		"max_tokens is too large":                              true,
		"invalid value for temperature":                        false,
	} {
		if got := mentionsTokens(msg); got != want {
			t.Errorf("mentionsTokens(%q) = %v, want %v", msg, got, want)
		}
	}
}

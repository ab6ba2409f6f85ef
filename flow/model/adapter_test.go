package model

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestAdapterRetriesRetryableFailures(t *testing.T) {
	mock := &MockClient{
		Responses: []Response{{}, {}, {Text: "ok", Usage: Usage{Input: 10, Output: 5}}},
		Errs:      []error{ErrUnavailable, ErrTimeout, nil},
	}
	a := NewAdapter(mock, AdapterOptions{MaxAttempts: 3})
	// Skip the real backoff waits so the test completes quickly.
	a.sleepFn = func(context.Context, time.Duration) error { return nil }

	resp, err := a.Generate(context.Background(), Request{Messages: []ChatMessage{{Role: RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Text != "ok" {
		t.Errorf("Text = %q, want %q", resp.Text, "ok")
	}
	if got := mock.CallCount(); got != 3 {
		t.Errorf("CallCount() = %d, want 3", got)
	}
}

func TestAdapterExhaustsAttempts(t *testing.T) {
	mock := &MockClient{Err: ErrUnavailable}
	a := NewAdapter(mock, AdapterOptions{MaxAttempts: 2})
	a.sleepFn = func(context.Context, time.Duration) error { return nil }

	_, err := a.Generate(context.Background(), Request{Messages: []ChatMessage{{Role: RoleUser, Content: "hi"}}})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("error = %v, want ErrUnavailable", err)
	}
	if got := mock.CallCount(); got != 2 {
		t.Errorf("CallCount() = %d, want 2", got)
	}
}

func TestAdapterDoesNotRetryNonRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"token limit", ErrTokenLimit},
		{"bad request", ErrBadRequest},
		{"content", ErrContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &MockClient{Err: tt.err}
			a := NewAdapter(mock, AdapterOptions{MaxAttempts: 3})
			a.sleepFn = func(context.Context, time.Duration) error { return nil }

			_, err := a.Generate(context.Background(), Request{Messages: []ChatMessage{{Role: RoleUser, Content: "hi"}}})
			if !errors.Is(err, tt.err) {
				t.Fatalf("error = %v, want %v", err, tt.err)
			}
			if got := mock.CallCount(); got != 1 {
				t.Errorf("CallCount() = %d, want 1 (no retry)", got)
			}
		})
	}
}

func TestAdapterHonorsRetryAfterHint(t *testing.T) {
	a := NewAdapter(&MockClient{}, AdapterOptions{})
	hinted := &RateLimitError{RetryAfter: 7 * time.Second}
	if got := a.delayFor(hinted, 0); got != 7*time.Second {
		t.Errorf("delayFor(hinted) = %v, want 7s", got)
	}

	// Without a hint the delay is jittered but always below the cap.
	for attempt := 0; attempt < 5; attempt++ {
		d := a.delayFor(ErrUnavailable, attempt)
		if d <= 0 || d > retryCap {
			t.Errorf("delayFor(attempt=%d) = %v, want in (0, %v]", attempt, d, retryCap)
		}
	}
}

func TestAdapterRateLimitErrorClassification(t *testing.T) {
	err := error(&RateLimitError{RetryAfter: time.Second, Cause: errors.New("429")})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatal("RateLimitError should match ErrRateLimited")
	}
	if !retryable(err) {
		t.Error("rate limit should be retryable")
	}
}

func TestAdapterCancellationWinsOverTimeout(t *testing.T) {
	mock := &MockClient{Err: ErrUnavailable}
	a := NewAdapter(mock, AdapterOptions{MaxAttempts: 5})
	ctx, cancel := context.WithCancel(context.Background())
	a.sleepFn = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := a.Generate(ctx, Request{Messages: []ChatMessage{{Role: RoleUser, Content: "hi"}}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestAdapterMetersUsage(t *testing.T) {
	meter := NewMeter(nil)
	mock := &MockClient{Responses: []Response{
		{Text: "a", Usage: Usage{Input: 100, Output: 20}},
		{Text: "b", Usage: Usage{Input: 50, Output: 10}},
	}}
	a := NewAdapter(mock, AdapterOptions{Meter: meter})

	ctx := context.Background()
	req := Request{Messages: []ChatMessage{{Role: RoleUser, Content: "hi"}}}
	if _, err := a.Generate(ctx, req); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if _, err := a.Generate(ctx, req); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	total, calls := meter.Totals()
	if total.Input != 150 || total.Output != 30 {
		t.Errorf("Totals() = %+v, want {150 30}", total)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestMeteredStreamRecordsUsageOnce(t *testing.T) {
	meter := NewMeter(nil)
	mock := &MockClient{Responses: []Response{
		{Text: "hello world", Usage: Usage{Input: 40, Output: 8}},
	}}
	a := NewAdapter(mock, AdapterOptions{Meter: meter})

	st, err := a.GenerateStream(context.Background(), Request{Messages: []ChatMessage{{Role: RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatalf("GenerateStream() error = %v", err)
	}
	defer st.Close()

	var text string
	for {
		chunk, err := st.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Recv() error = %v", err)
		}
		text += chunk.Text
		if chunk.Done {
			if chunk.Usage == nil || chunk.Usage.Input != 40 {
				t.Errorf("Done chunk usage = %+v, want input 40", chunk.Usage)
			}
			break
		}
	}
	if text != "hello world" {
		t.Errorf("streamed text = %q, want %q", text, "hello world")
	}

	// Recv after the terminal chunk returns io.EOF and meters nothing more.
	if _, err := st.Recv(); err != io.EOF {
		t.Errorf("Recv() after done = %v, want io.EOF", err)
	}
	total, calls := meter.Totals()
	if total.Input != 40 || total.Output != 8 || calls != 1 {
		t.Errorf("Totals() = %+v calls=%d, want {40 8} 1", total, calls)
	}
}

func TestUsageAdd(t *testing.T) {
	got := Usage{Input: 1, Output: 2}.Add(Usage{Input: 10, Output: 20})
	if got.Input != 11 || got.Output != 22 {
		t.Errorf("Add() = %+v, want {11 22}", got)
	}
}

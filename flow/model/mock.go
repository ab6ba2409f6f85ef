package model

import (
	"context"
	"io"
	"sync"
)

// MockClient is a test implementation of Client.
//
// Use MockClient in tests to verify stage behavior without making actual
// LLM API calls. It provides:
//   - Configurable responses, returned in order
//   - Call history tracking
//   - Error injection, per call or globally
//   - Thread-safe operation
//
// Example usage:
//
//	mock := &MockClient{
//	    Responses: []Response{
//	        {Text: `{"summary":"ok"}`},
//	        {Text: "second"},
//	    },
//	}
//	resp, err := mock.Generate(ctx, req)
//	// Returns the first response, then the second on subsequent calls.
type MockClient struct {
	// Responses contains the sequence of responses to return. Each call
	// returns the next response in order. When all responses are consumed,
	// the last one repeats.
	Responses []Response

	// Errs, when non-empty, injects an error for the matching call index.
	// A nil entry means the call succeeds. Consumed in parallel with
	// Responses.
	Errs []error

	// Err, if set, is returned by every call instead of a response.
	Err error

	// Calls tracks the history of all Generate and GenerateStream
	// invocations.
	Calls []Request

	mu        sync.Mutex
	callIndex int
}

// Generate implements Client.
func (m *MockClient) Generate(ctx context.Context, req Request) (*Response, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.callIndex
	m.Calls = append(m.Calls, req)

	if m.Err != nil {
		m.callIndex++
		return nil, m.Err
	}
	if idx < len(m.Errs) && m.Errs[idx] != nil {
		m.callIndex++
		return nil, m.Errs[idx]
	}
	if len(m.Responses) == 0 {
		m.callIndex++
		return &Response{}, nil
	}

	r := idx
	if r >= len(m.Responses) {
		r = len(m.Responses) - 1
	}
	m.callIndex++
	resp := m.Responses[r]
	return &resp, nil
}

// GenerateStream implements Client. The configured response is replayed as
// two text chunks followed by a Done chunk carrying its usage.
func (m *MockClient) GenerateStream(ctx context.Context, req Request) (Stream, error) {
	resp, err := m.Generate(ctx, req)
	if err != nil {
		return nil, err
	}

	var chunks []Chunk
	text := resp.Text
	if len(text) > 1 {
		mid := len(text) / 2
		chunks = append(chunks, Chunk{Text: text[:mid]}, Chunk{Text: text[mid:]})
	} else if text != "" {
		chunks = append(chunks, Chunk{Text: text})
	}
	usage := resp.Usage
	chunks = append(chunks, Chunk{Done: true, Usage: &usage})
	return &mockStream{chunks: chunks}, nil
}

// Reset clears the call history and response index so the mock can be
// reused across test cases.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.callIndex = 0
}

// CallCount returns the number of calls made so far.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

type mockStream struct {
	mu     sync.Mutex
	chunks []Chunk
	pos    int
	closed bool
}

func (s *mockStream) Recv() (Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.pos >= len(s.chunks) {
		return Chunk{}, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *mockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

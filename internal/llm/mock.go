package llm

import (
	"context"
	"errors"
	"sync"
)

// ErrNoMoreResponses is returned by MockProvider when its script runs out.
var ErrNoMoreResponses = errors.New("mock provider has no more responses")

// MockProvider returns scripted responses. When GenerateFunc is set it is
// used instead of the script.
type MockProvider struct {
	EstimateCounter

	GenerateFunc func(ctx context.Context, messages []Message, maxTokens int) (*Response, error)
	Responses    []string

	mu    sync.Mutex
	calls [][]Message
	next  int
}

// Generate implements Provider.
func (m *MockProvider) Generate(ctx context.Context, messages []Message, maxTokens int) (*Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, append([]Message(nil), messages...))
	fn := m.GenerateFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, messages, maxTokens)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.next >= len(m.Responses) {
		return nil, ErrNoMoreResponses
	}
	text := m.Responses[m.next]
	m.next++
	return &Response{Text: text}, nil
}

// Calls returns the messages of every Generate call so far.
func (m *MockProvider) Calls() [][]Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]Message(nil), m.calls...)
}

package llm

import (
	"context"
	"errors"
	"sync"
)

// MockReply is one scripted turn for the mock provider.
type MockReply struct {
	Text string
	Err  error
}

// Mock is a scripted Provider for tests and offline development. Replies
// are consumed in order; once exhausted it falls back to DefaultText, or
// errors when none is set. All recorded requests are retained.
type Mock struct {
	mu       sync.Mutex
	replies  []MockReply
	next     int
	requests []*Request

	// DefaultText is returned after scripted replies run out.
	DefaultText string
}

func NewMock(replies ...MockReply) *Mock {
	return &Mock{replies: replies}
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) Complete(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *req
	clone.Messages = append([]Message(nil), req.Messages...)
	m.requests = append(m.requests, &clone)

	if m.next < len(m.replies) {
		reply := m.replies[m.next]
		m.next++
		if reply.Err != nil {
			return nil, reply.Err
		}
		return m.response(reply.Text), nil
	}
	if m.DefaultText != "" {
		return m.response(m.DefaultText), nil
	}
	return nil, errors.New("mock: no scripted reply")
}

// Enqueue appends replies to the script.
func (m *Mock) Enqueue(replies ...MockReply) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, replies...)
}

// Requests returns a copy of every request seen so far.
func (m *Mock) Requests() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Request(nil), m.requests...)
}

// Calls reports how many Complete calls have been made.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *Mock) response(text string) *Response {
	return &Response{
		Text:  text,
		Model: "mock",
		Usage: Usage{PromptTokens: 1, CompletionTokens: 1},
	}
}

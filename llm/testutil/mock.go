// Package testutil provides test doubles for code that depends on llm.Completer.
package testutil

import (
	"context"
	"sync"

	"github.com/c360studio/repairplanner/llm"
)

// MockCompleter is a thread-safe llm.Completer for tests.
//
// Responses and Errs are consumed in order, one per call; a nil entry in
// Errs means "return the next response". When both are exhausted Default is
// returned.
//
//	mock := &MockCompleter{
//	    Responses: []*llm.Response{
//	        {Content: "not json"},
//	        {Content: `{"steps":[{"description":"inspect heater","estimated_minutes":30}],"confidence":0.8}`},
//	    },
//	}
type MockCompleter struct {
	mu        sync.Mutex
	Responses []*llm.Response
	Errs      []error

	// Handler, when set, computes the response for each call instead of the
	// queued responses. It runs as a single attempt bounded by req.Timeout.
	Handler func(ctx context.Context, req llm.Request) (*llm.Response, error)

	// Default is returned once the queues are exhausted.
	Default *llm.Response

	requests []llm.Request
	calls    int
}

// Complete implements llm.Completer.
func (m *MockCompleter) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, cloneRequest(req))
	idx := m.calls
	m.calls++
	handler := m.Handler
	m.mu.Unlock()

	if handler != nil {
		attemptCtx, cancel := llm.AttemptContext(ctx, req.Timeout)
		defer cancel()
		resp, err := handler(attemptCtx, req)
		return resp, llm.ClassifyAttempt(ctx, attemptCtx, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if idx < len(m.Errs) && m.Errs[idx] != nil {
		return nil, m.Errs[idx]
	}
	if idx < len(m.Responses) && m.Responses[idx] != nil {
		resp := *m.Responses[idx]
		return &resp, nil
	}
	if m.Default != nil {
		resp := *m.Default
		return &resp, nil
	}
	return &llm.Response{Content: "", Model: "test-model"}, nil
}

// Calls returns the number of times Complete was called.
func (m *MockCompleter) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Requests returns copies of all requests received, in order.
func (m *MockCompleter) Requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Request(nil), m.requests...)
}

// LastRequest returns the most recent request, or the zero value.
func (m *MockCompleter) LastRequest() llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return llm.Request{}
	}
	return m.requests[len(m.requests)-1]
}

// Reset clears recorded calls so the mock can be reused.
func (m *MockCompleter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = 0
	m.requests = nil
}

func cloneRequest(req llm.Request) llm.Request {
	req.Messages = append([]llm.Message(nil), req.Messages...)
	return req
}

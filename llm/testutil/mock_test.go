package testutil

import (
	"context"
	"errors"
	"testing"

	"github.com/c360studio/repairplanner/llm"
)

func TestMockCompleter_Sequence(t *testing.T) {
	boom := errors.New("boom")
	m := &MockCompleter{
		Errs:      []error{boom, nil},
		Responses: []*llm.Response{nil, {Content: "second"}},
		Default:   &llm.Response{Content: "default"},
	}
	ctx := context.Background()
	req := llm.Request{Deployment: "planner", Messages: []llm.Message{{Role: "user", Content: "x"}}}

	if _, err := m.Complete(ctx, req); !errors.Is(err, boom) {
		t.Fatalf("call 1: expected boom, got %v", err)
	}
	if resp, err := m.Complete(ctx, req); err != nil || resp.Content != "second" {
		t.Fatalf("call 2: got %v, %v", resp, err)
	}
	if resp, _ := m.Complete(ctx, req); resp.Content != "default" {
		t.Fatalf("call 3: got %q", resp.Content)
	}

	if m.Calls() != 3 || len(m.Requests()) != 3 {
		t.Errorf("calls = %d, requests = %d", m.Calls(), len(m.Requests()))
	}
	if m.LastRequest().Deployment != "planner" {
		t.Errorf("last request deployment = %q", m.LastRequest().Deployment)
	}

	m.Reset()
	if m.Calls() != 0 {
		t.Error("expected reset")
	}
}

func TestMockCompleter_RequestsAreCopied(t *testing.T) {
	m := &MockCompleter{}
	msgs := []llm.Message{{Role: "user", Content: "original"}}
	_, _ = m.Complete(context.Background(), llm.Request{Messages: msgs})

	msgs[0].Content = "mutated"
	if got := m.LastRequest().Messages[0].Content; got != "original" {
		t.Errorf("recorded message mutated: %q", got)
	}
}

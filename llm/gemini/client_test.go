package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/c360studio/repairplanner/llm"
)

func TestBuildRequest(t *testing.T) {
	temp := 0.2
	contents, config := buildRequest(llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: "You plan repairs."},
			{Role: "user", Content: "fault M-123"},
			{Role: "assistant", Content: "not json"},
			{Role: "user", Content: "return JSON"},
		},
		Temperature: &temp,
		MaxTokens:   2048,
		JSONMode:    true,
	})

	require.Len(t, contents, 3)
	assert.Equal(t, string(genai.RoleUser), contents[0].Role)
	assert.Equal(t, string(genai.RoleModel), contents[1].Role)
	assert.Equal(t, "not json", contents[1].Parts[0].Text)

	require.NotNil(t, config.SystemInstruction)
	assert.Equal(t, "You plan repairs.", config.SystemInstruction.Parts[0].Text)
	require.NotNil(t, config.Temperature)
	assert.InDelta(t, 0.2, float64(*config.Temperature), 1e-6)
	assert.Equal(t, int32(2048), config.MaxOutputTokens)
	assert.Equal(t, "application/json", config.ResponseMIMEType)
}

func TestBuildRequest_Defaults(t *testing.T) {
	_, config := buildRequest(llm.Request{Messages: []llm.Message{{Role: "user", Content: "hi"}}})

	assert.Nil(t, config.SystemInstruction)
	assert.Nil(t, config.Temperature)
	assert.Zero(t, config.MaxOutputTokens)
	assert.Empty(t, config.ResponseMIMEType)
}

func TestToResponse(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		ModelVersion: "gemini-2.5-flash-001",
		Candidates: []*genai.Candidate{{
			Content:      genai.NewContentFromText(`{"steps":[]}`, genai.RoleModel),
			FinishReason: genai.FinishReasonStop,
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{
			PromptTokenCount:     100,
			CandidatesTokenCount: 40,
			TotalTokenCount:      140,
		},
	}

	out := toResponse(resp, "req-1", "planner", DefaultModel, 2)

	assert.Equal(t, `{"steps":[]}`, out.Content)
	assert.Equal(t, "gemini-2.5-flash-001", out.Model)
	assert.Equal(t, "planner", out.Deployment)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, 140, out.Usage.TotalTokens)
	assert.Equal(t, string(genai.FinishReasonStop), out.FinishReason)
}

func TestClassify(t *testing.T) {
	ctx := context.Background()

	assert.NoError(t, classify(ctx, ctx, nil))
	assert.True(t, llm.IsTransient(classify(ctx, ctx, genai.APIError{Code: http.StatusTooManyRequests})))
	assert.True(t, llm.IsTransient(classify(ctx, ctx, fmt.Errorf("wrapped: %w", genai.APIError{Code: http.StatusServiceUnavailable}))))
	assert.True(t, llm.IsFatal(classify(ctx, ctx, genai.APIError{Code: http.StatusForbidden})))
	assert.True(t, llm.IsTransient(classify(ctx, ctx, errors.New("connection reset by peer"))))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.True(t, llm.IsFatal(classify(cancelled, cancelled, errors.New("context canceled"))))
}

func TestClassify_AttemptDeadline(t *testing.T) {
	ctx := context.Background()
	attempt, cancel := context.WithTimeout(ctx, time.Nanosecond)
	defer cancel()
	<-attempt.Done()

	err := classify(ctx, attempt, attempt.Err())
	assert.True(t, llm.IsTransient(err))
	assert.False(t, llm.IsFatal(err))
	assert.ErrorIs(t, err, llm.ErrAttemptTimeout)
}

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}

package providers

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/repairplanner/llm"
)

func TestAnthropicProvider_BuildURL(t *testing.T) {
	p := &AnthropicProvider{}

	assert.Equal(t, "https://api.anthropic.com/v1/messages", p.BuildURL("", "claude"))
	assert.Equal(t, "https://proxy.local/v1/messages", p.BuildURL("https://proxy.local/", "claude"))
}

func TestAnthropicProvider_SetHeaders(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")

	req, _ := http.NewRequest("POST", "https://api.anthropic.com/v1/messages", nil)
	(&AnthropicProvider{}).SetHeaders(req)

	assert.Equal(t, "sk-ant", req.Header.Get("x-api-key"))
	assert.Equal(t, anthropicVersion, req.Header.Get("anthropic-version"))
}

func TestAnthropicProvider_BuildRequestBody(t *testing.T) {
	messages := []llm.Message{
		{Role: "system", Content: "You plan repairs."},
		{Role: "user", Content: "fault"},
		{Role: "assistant", Content: "not json"},
		{Role: "system", Content: "Return JSON only."},
		{Role: "user", Content: "try again"},
	}

	body, err := (&AnthropicProvider{}).BuildRequestBody("claude-sonnet", messages, nil, 0, true)
	require.NoError(t, err)

	var req anthropicRequest
	require.NoError(t, json.Unmarshal(body, &req))

	assert.Equal(t, "You plan repairs.\n\nReturn JSON only.", req.System)
	assert.Equal(t, 4096, req.MaxTokens)
	require.Len(t, req.Messages, 3)
	assert.Equal(t, "assistant", req.Messages[1].Role)
	assert.Nil(t, req.Temperature)
}

func TestAnthropicProvider_ParseResponse_MultipleContentBlocks(t *testing.T) {
	body := []byte(`{
		"model": "claude-sonnet",
		"content": [{"type": "text", "text": "{\"steps\":"}, {"type": "tool_use"}, {"type": "text", "text": "[]}"}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 12, "output_tokens": 8}
	}`)

	resp, err := (&AnthropicProvider{}).ParseResponse(body, "claude-sonnet")
	require.NoError(t, err)

	assert.Equal(t, `{"steps":[]}`, resp.Content)
	assert.Equal(t, 20, resp.Usage.TotalTokens)
	assert.Equal(t, "end_turn", resp.FinishReason)
}

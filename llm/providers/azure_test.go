package providers

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/repairplanner/llm"
)

func TestAzureProvider_BuildURL(t *testing.T) {
	p := &AzureProvider{}

	tests := []struct {
		name       string
		baseURL    string
		deployment string
		want       string
	}{
		{
			name:       "resource endpoint",
			baseURL:    "https://plant.openai.azure.com/",
			deployment: "gpt-4o",
			want:       "https://plant.openai.azure.com/openai/deployments/gpt-4o/chat/completions?api-version=" + azureAPIVersion,
		},
		{
			name:       "full deployment URL kept",
			baseURL:    "https://plant.openai.azure.com/openai/deployments/gpt-4o/chat/completions?api-version=2024-06-01",
			deployment: "ignored",
			want:       "https://plant.openai.azure.com/openai/deployments/gpt-4o/chat/completions?api-version=2024-06-01",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.BuildURL(tt.baseURL, tt.deployment))
		})
	}
}

func TestAzureProvider_BuildURL_APIVersionOverride(t *testing.T) {
	t.Setenv("AZURE_OPENAI_API_VERSION", "2025-01-01-preview")

	got := (&AzureProvider{}).BuildURL("https://plant.openai.azure.com", "gpt-4o")
	assert.Equal(t, "https://plant.openai.azure.com/openai/deployments/gpt-4o/chat/completions?api-version=2025-01-01-preview", got)
}

func TestAzureProvider_SetHeaders(t *testing.T) {
	t.Setenv("AZURE_OPENAI_API_KEY", "azure-key")

	req, _ := http.NewRequest("POST", "https://plant.openai.azure.com", nil)
	(&AzureProvider{}).SetHeaders(req)

	assert.Equal(t, "azure-key", req.Header.Get("api-key"))
	assert.Empty(t, req.Header.Get("Authorization"))
}

func TestAzureProvider_BuildRequestBody_OmitsModel(t *testing.T) {
	body, err := (&AzureProvider{}).BuildRequestBody("gpt-4o", []llm.Message{{Role: "user", Content: "hi"}}, nil, 512, true)
	require.NoError(t, err)

	var req map[string]any
	require.NoError(t, json.Unmarshal(body, &req))

	assert.NotContains(t, req, "model")
	assert.Equal(t, map[string]any{"type": "json_object"}, req["response_format"])
}

func TestAzureProvider_Registered(t *testing.T) {
	assert.NotNil(t, llm.GetProvider("azure"))
	assert.Contains(t, llm.ListProviders(), "anthropic")
}

package providers

import (
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/c360studio/repairplanner/llm"
)

// azureAPIVersion is the Azure OpenAI data-plane API version.
const azureAPIVersion = "2024-10-21"

// AzureProvider implements Azure OpenAI deployments. The model name is the
// deployment name and is addressed in the URL path.
type AzureProvider struct {
	OllamaProvider // shared response format
}

func init() {
	llm.RegisterProvider(&AzureProvider{})
}

// Name returns the provider identifier.
func (a *AzureProvider) Name() string {
	return "azure"
}

// BuildURL constructs {base}/openai/deployments/{deployment}/chat/completions.
// A base URL that already names a deployment is used as is.
func (a *AzureProvider) BuildURL(baseURL, deployment string) string {
	baseURL = strings.TrimSuffix(baseURL, "/")
	if strings.Contains(baseURL, "/openai/deployments/") {
		return baseURL
	}

	apiVersion := os.Getenv("AZURE_OPENAI_API_VERSION")
	if apiVersion == "" {
		apiVersion = azureAPIVersion
	}
	return baseURL + "/openai/deployments/" + url.PathEscape(deployment) +
		"/chat/completions?api-version=" + url.QueryEscape(apiVersion)
}

// SetHeaders adds the Azure api-key header.
func (a *AzureProvider) SetHeaders(req *http.Request) {
	if apiKey := os.Getenv("AZURE_OPENAI_API_KEY"); apiKey != "" {
		req.Header.Set("api-key", apiKey)
	}
}

// BuildRequestBody creates the request body. Azure takes the deployment from
// the path, so the model field is omitted.
func (a *AzureProvider) BuildRequestBody(_ string, messages []llm.Message, temperature *float64, maxTokens int, jsonMode bool) ([]byte, error) {
	return json.Marshal(newChatRequest("", messages, temperature, maxTokens, jsonMode))
}

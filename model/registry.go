// Package model tracks the model deployments the planner can call, the order
// in which they are tried, and their health.
package model

import (
	"encoding/json"
	"sort"
	"sync"
)

// Registry maps deployment names to endpoint configuration and fallback chains.
type Registry struct {
	mu          sync.RWMutex
	deployments map[string]*DeploymentConfig
	fallbacks   map[string][]string
	health      *healthState
}

// DeploymentConfig defines an available model deployment.
type DeploymentConfig struct {
	// Provider is the wire format (azure, openai, ollama, anthropic, gemini).
	Provider string `json:"provider"`

	// URL is the API base URL.
	URL string `json:"url,omitempty"`

	// Model is the identifier sent to the provider. For Azure this is the
	// deployment name.
	Model string `json:"model"`

	// MaxTokens is the completion cap applied when a request doesn't set one.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// NewRegistry creates an empty registry with default health tracking.
func NewRegistry() *Registry {
	return &Registry{
		deployments: make(map[string]*DeploymentConfig),
		fallbacks:   make(map[string][]string),
		health:      newHealthState(DefaultHealthConfig()),
	}
}

// SetDeployment updates or adds a deployment.
func (r *Registry) SetDeployment(name string, cfg *DeploymentConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deployments[name] = cfg
}

// GetDeployment returns the configuration for a deployment, or nil.
func (r *Registry) GetDeployment(name string) *DeploymentConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.deployments[name]
}

// SetFallbacks sets the deployments tried, in order, after primary.
func (r *Registry) SetFallbacks(primary string, fallbacks []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[primary] = append([]string(nil), fallbacks...)
}

// FallbackChain returns primary followed by its configured fallbacks.
func (r *Registry) FallbackChain(primary string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chain := make([]string, 0, 1+len(r.fallbacks[primary]))
	chain = append(chain, primary)
	for _, name := range r.fallbacks[primary] {
		if name != primary {
			chain = append(chain, name)
		}
	}
	return chain
}

// AvailableChain returns the fallback chain filtered to deployments whose
// circuit is closed. If every deployment is unavailable the full chain is
// returned so the caller still tries something.
func (r *Registry) AvailableChain(primary string) []string {
	chain := r.FallbackChain(primary)
	available := make([]string, 0, len(chain))

	for _, name := range chain {
		if r.IsAvailable(name) {
			available = append(available, name)
		}
	}

	if len(available) == 0 {
		return chain
	}
	return available
}

// ListDeployments returns all configured deployment names, sorted.
func (r *Registry) ListDeployments() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.deployments))
	for name := range r.deployments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MarshalJSON implements json.Marshaler for the registry.
func (r *Registry) MarshalJSON() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return json.Marshal(struct {
		Deployments map[string]*DeploymentConfig `json:"deployments"`
		Fallbacks   map[string][]string          `json:"fallbacks,omitempty"`
	}{
		Deployments: r.deployments,
		Fallbacks:   r.fallbacks,
	})
}

// Package config provides configuration loading and management for the repair planner.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/repairplanner/retry"
)

// Config represents the complete repair planner configuration
type Config struct {
	Planner  PlannerConfig  `yaml:"planner"`
	Store    StoreConfig    `yaml:"store"`
	Events   EventsConfig   `yaml:"events"`
	Taxonomy TaxonomyConfig `yaml:"taxonomy"`
	Batch    BatchConfig    `yaml:"batch"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// PlannerConfig configures the generative planning service and the agent
// definition registered for it.
type PlannerConfig struct {
	// Endpoint is the base URL of the model service. Required.
	Endpoint string `yaml:"endpoint"`
	// Provider selects the wire format: azure, openai, ollama, anthropic or gemini.
	Provider string `yaml:"provider"`
	// ModelDeployment is the deployment (or model) name requests are sent to.
	ModelDeployment string `yaml:"model_deployment"`
	// AgentName is the registry name of the planning agent.
	AgentName string `yaml:"agent_name"`
	// Temperature controls randomness (0.0-1.0, default: 0.2)
	Temperature float64 `yaml:"temperature"`
	// MaxTokens bounds the completion length.
	MaxTokens int `yaml:"max_tokens"`
	// Timeout is the per-call deadline for plan generation.
	Timeout time.Duration `yaml:"timeout"`
	// RequestsPerSecond paces calls to the model service. Zero disables pacing.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	// Retry configures transport retries against the model service.
	Retry retry.Config `yaml:"retry"`
	// Fallbacks are tried in order when the primary deployment is unavailable.
	Fallbacks []DeploymentConfig `yaml:"fallbacks"`
}

// DeploymentConfig describes an additional model deployment.
type DeploymentConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"`
	Endpoint string `yaml:"endpoint"`
	// Model defaults to Name.
	Model string `yaml:"model"`
}

// StoreConfig configures the NATS connection backing the agent registry and
// the work order store.
type StoreConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// CredentialsFile is a NATS user credentials file passed through to the connection.
	CredentialsFile string `yaml:"credentials_file"`
	// Database and Container name the work order bucket as <Database>_<Container>.
	Database  string `yaml:"database"`
	Container string `yaml:"container"`
	// AgentBucket holds agent definitions and aliases.
	AgentBucket string `yaml:"agent_bucket"`
	// DataDir is the JetStream directory of the embedded server (empty = temp dir).
	DataDir string        `yaml:"data_dir"`
	Timeout time.Duration `yaml:"timeout"`
}

// EventsConfig configures work order publication.
type EventsConfig struct {
	SubjectPrefix string `yaml:"subject_prefix"`
}

// TaxonomyConfig configures the fault taxonomy source.
type TaxonomyConfig struct {
	// Path of a taxonomy YAML file (empty = embedded default).
	Path string `yaml:"path"`
	// Watch reloads the file when it changes.
	Watch bool `yaml:"watch"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address (empty = disabled).
	Addr string `yaml:"addr"`
}

// Supported planner providers.
var providers = map[string]bool{
	"azure":     true,
	"openai":    true,
	"ollama":    true,
	"anthropic": true,
	"gemini":    true,
}

var kvNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ErrEndpointRequired is returned when no planner endpoint is configured.
var ErrEndpointRequired = errors.New("planner.endpoint is required (set REPAIR_PLANNER_ENDPOINT or AZURE_AI_PROJECT_ENDPOINT)")

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Planner: PlannerConfig{
			Provider:          "azure",
			ModelDeployment:   "gpt-4o",
			AgentName:         "RepairPlannerAgent",
			Temperature:       0.2,
			MaxTokens:         2048,
			Timeout:           60 * time.Second,
			RequestsPerSecond: 2,
			Burst:             4,
			Retry:             retry.DefaultConfig(),
		},
		Store: StoreConfig{
			Database:    "FactoryDb",
			Container:   "WorkOrders",
			AgentBucket: "PlannerAgents",
			Timeout:     10 * time.Second,
		},
		Events: EventsConfig{
			SubjectPrefix: "factory.workorders",
		},
		Batch: BatchConfig{
			Concurrency: 4,
		},
	}
}

// Validate checks that the configuration is valid. The planner endpoint is
// checked separately by RequireEndpoint since offline commands run without it.
func (c *Config) Validate() error {
	if !providers[c.Planner.Provider] {
		return fmt.Errorf("planner.provider %q is not supported", c.Planner.Provider)
	}
	if c.Planner.ModelDeployment == "" {
		return fmt.Errorf("planner.model_deployment is required")
	}
	if !kvNamePattern.MatchString(c.Planner.AgentName) {
		return fmt.Errorf("planner.agent_name %q must match %s", c.Planner.AgentName, kvNamePattern)
	}
	if c.Planner.Temperature < 0 || c.Planner.Temperature > 1 {
		return fmt.Errorf("planner.temperature must be between 0 and 1")
	}
	if c.Planner.MaxTokens < 0 {
		return fmt.Errorf("planner.max_tokens must not be negative")
	}
	if c.Planner.Timeout <= 0 {
		return fmt.Errorf("planner.timeout must be positive")
	}
	if c.Planner.RequestsPerSecond < 0 {
		return fmt.Errorf("planner.requests_per_second must not be negative")
	}
	for i, fb := range c.Planner.Fallbacks {
		if fb.Name == "" {
			return fmt.Errorf("planner.fallbacks[%d].name is required", i)
		}
		if fb.Provider != "" && !providers[fb.Provider] {
			return fmt.Errorf("planner.fallbacks[%d].provider %q is not supported", i, fb.Provider)
		}
	}
	for key, name := range map[string]string{
		"store.database":     c.Store.Database,
		"store.container":    c.Store.Container,
		"store.agent_bucket": c.Store.AgentBucket,
	} {
		if !kvNamePattern.MatchString(name) {
			return fmt.Errorf("%s %q must match %s", key, name, kvNamePattern)
		}
	}
	if c.Store.Timeout <= 0 {
		return fmt.Errorf("store.timeout must be positive")
	}
	if c.Events.SubjectPrefix == "" {
		return fmt.Errorf("events.subject_prefix is required")
	}
	if c.Batch.Concurrency < 1 {
		return fmt.Errorf("batch.concurrency must be at least 1")
	}
	return nil
}

// RequireEndpoint reports ErrEndpointRequired when the planner endpoint is unset.
func (c *Config) RequireEndpoint() error {
	if c.Planner.Endpoint == "" {
		return ErrEndpointRequired
	}
	return nil
}

// WorkOrderBucket returns the KV bucket name for work orders.
func (c *Config) WorkOrderBucket() string {
	return c.Store.Database + "_" + c.Store.Container
}

// LoadFromFile loads configuration from a YAML file. ${VAR} and
// ${VAR:-default} references are expanded before parsing.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal([]byte(ExpandEnvWithDefaults(string(data))), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Planner
	p, o := &c.Planner, other.Planner
	setString(&p.Endpoint, o.Endpoint)
	setString(&p.Provider, o.Provider)
	setString(&p.ModelDeployment, o.ModelDeployment)
	setString(&p.AgentName, o.AgentName)
	if o.Temperature != 0 {
		p.Temperature = o.Temperature
	}
	if o.MaxTokens != 0 {
		p.MaxTokens = o.MaxTokens
	}
	if o.Timeout != 0 {
		p.Timeout = o.Timeout
	}
	if o.RequestsPerSecond != 0 {
		p.RequestsPerSecond = o.RequestsPerSecond
	}
	if o.Burst != 0 {
		p.Burst = o.Burst
	}
	if o.Retry.MaxAttempts != 0 {
		p.Retry.MaxAttempts = o.Retry.MaxAttempts
	}
	if o.Retry.BaseDelay != 0 {
		p.Retry.BaseDelay = o.Retry.BaseDelay
	}
	if o.Retry.Multiplier != 0 {
		p.Retry.Multiplier = o.Retry.Multiplier
	}
	if o.Retry.MaxDelay != 0 {
		p.Retry.MaxDelay = o.Retry.MaxDelay
	}
	if len(o.Fallbacks) > 0 {
		p.Fallbacks = o.Fallbacks
	}

	// Store
	s, so := &c.Store, other.Store
	setString(&s.URL, so.URL)
	setString(&s.CredentialsFile, so.CredentialsFile)
	setString(&s.Database, so.Database)
	setString(&s.Container, so.Container)
	setString(&s.AgentBucket, so.AgentBucket)
	setString(&s.DataDir, so.DataDir)
	if so.Timeout != 0 {
		s.Timeout = so.Timeout
	}

	setString(&c.Events.SubjectPrefix, other.Events.SubjectPrefix)

	setString(&c.Taxonomy.Path, other.Taxonomy.Path)
	if other.Taxonomy.Watch {
		c.Taxonomy.Watch = true
	}

	if other.Batch.Concurrency != 0 {
		c.Batch.Concurrency = other.Batch.Concurrency
	}

	setString(&c.Metrics.Addr, other.Metrics.Addr)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

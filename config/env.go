package config

import (
	"os"
	"regexp"
)

// Environment variables recognised by ApplyEnv, highest precedence first
// where more than one maps to the same key.
const (
	EnvEndpoint        = "REPAIR_PLANNER_ENDPOINT"
	EnvAzureEndpoint   = "AZURE_AI_PROJECT_ENDPOINT"
	EnvProvider        = "REPAIR_PLANNER_PROVIDER"
	EnvModelDeployment = "MODEL_DEPLOYMENT_NAME"
	EnvAgentName       = "REPAIR_PLANNER_AGENT_NAME"
	EnvNATSURL         = "NATS_URL"
	EnvCredentials     = "STORE_CREDENTIALS"
	EnvDatabase        = "STORE_DATABASE_NAME"
	EnvContainer       = "STORE_CONTAINER_NAME"
	EnvTaxonomyPath    = "REPAIR_TAXONOMY_PATH"
)

// ApplyEnv overrides configuration from environment variables read through
// getenv. Unset or empty variables leave the current value in place.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}

	if v := getenv(EnvEndpoint); v != "" {
		c.Planner.Endpoint = v
	} else if v := getenv(EnvAzureEndpoint); v != "" {
		c.Planner.Endpoint = v
	}
	setString(&c.Planner.Provider, getenv(EnvProvider))
	setString(&c.Planner.ModelDeployment, getenv(EnvModelDeployment))
	setString(&c.Planner.AgentName, getenv(EnvAgentName))

	setString(&c.Store.URL, getenv(EnvNATSURL))
	setString(&c.Store.CredentialsFile, getenv(EnvCredentials))
	setString(&c.Store.Database, getenv(EnvDatabase))
	setString(&c.Store.Container, getenv(EnvContainer))

	setString(&c.Taxonomy.Path, getenv(EnvTaxonomyPath))
}

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandEnvWithDefaults replaces ${VAR} and ${VAR:-default} references with
// the environment value, or the default when the variable is unset or empty.
func ExpandEnvWithDefaults(s string) string {
	return envRefPattern.ReplaceAllStringFunc(s, func(ref string) string {
		m := envRefPattern.FindStringSubmatch(ref)
		if v := os.Getenv(m[1]); v != "" {
			return v
		}
		return m[3]
	})
}

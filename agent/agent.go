// Package agent keeps the planning agent definition registered in the agent
// registry in sync with the locally declared version.
//
// Each published version is an immutable record at agents.<name>.v<version>.
// The alias at agents.<name> points at the active version and is the only
// record that changes after creation; it is moved with compare-and-swap so
// concurrent processes converge on one active definition.
package agent

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/c360studio/repairplanner/prompts"
)

// namePattern matches names that are safe inside a KV key segment.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Spec is the locally declared agent version.
type Spec struct {
	Name                string
	PromptTemplateHash  string
	ModelDeploymentName string

	// Instructions is the prompt the hash was computed from.
	Instructions string
	// Tools are the tool bindings included in the hash.
	Tools []string
}

// PlannerSpec builds the repair planner spec for a deployment, hashing the
// current planner instructions.
func PlannerSpec(name, deployment string, tools []string) Spec {
	instructions := prompts.PlannerInstructions()
	return Spec{
		Name:                name,
		PromptTemplateHash:  prompts.DefinitionHash(instructions, tools),
		ModelDeploymentName: deployment,
		Instructions:        instructions,
		Tools:               tools,
	}
}

// Validate checks the spec before any registry I/O.
func (s Spec) Validate() error {
	var errs []error
	if !namePattern.MatchString(s.Name) {
		errs = append(errs, fmt.Errorf("agent name %q must match %s", s.Name, namePattern))
	}
	if strings.TrimSpace(s.PromptTemplateHash) == "" {
		errs = append(errs, errors.New("prompt template hash is required"))
	}
	if strings.TrimSpace(s.ModelDeploymentName) == "" {
		errs = append(errs, errors.New("model deployment name is required"))
	}
	return errors.Join(errs...)
}

// Definition is a published, immutable agent version.
type Definition struct {
	Name               string    `json:"name"`
	Version            int       `json:"version"`
	PromptTemplateHash string    `json:"prompt_template_hash"`
	ModelDeployment    string    `json:"model_deployment"`
	Instructions       string    `json:"instructions"`
	Tools              []string  `json:"tools,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// Matches reports whether d carries the same hash and deployment as s.
func (d *Definition) Matches(s Spec) bool {
	return d.PromptTemplateHash == s.PromptTemplateHash && d.ModelDeployment == s.ModelDeploymentName
}

// alias is the mutable pointer from a name to its active version.
type alias struct {
	Name               string    `json:"name"`
	ActiveVersion      int       `json:"active_version"`
	PromptTemplateHash string    `json:"prompt_template_hash"`
	ModelDeployment    string    `json:"model_deployment"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (a *alias) matches(s Spec) bool {
	return a.PromptTemplateHash == s.PromptTemplateHash && a.ModelDeployment == s.ModelDeploymentName
}

func aliasKey(name string) string {
	return "agents." + name
}

func definitionKey(name string, version int) string {
	return fmt.Sprintf("agents.%s.v%d", name, version)
}

// Action describes what EnsureVersion did.
type Action string

const (
	ActionCreated   Action = "created"
	ActionUpdated   Action = "updated"
	ActionUnchanged Action = "unchanged"
)

// Result is the outcome of EnsureVersion.
type Result struct {
	Definition *Definition
	Action     Action
	// Attempts is the number of reconcile passes, including the successful one.
	Attempts int
}

// ProvisioningError reports that the agent could not be brought in line with
// its spec. It is terminal for the process.
type ProvisioningError struct {
	Name     string
	Attempts int
	Err      error
}

func (e *ProvisioningError) Error() string {
	if e.Attempts == 0 {
		return fmt.Sprintf("provision agent %q: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("provision agent %q after %d attempts: %v", e.Name, e.Attempts, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

// Package prompts holds the repair planner agent instructions and the
// corrective prompt used when the model returns an unusable plan.
package prompts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// SchemaVersion identifies the plan output contract. It is part of the
// instruction text, so changing it changes the definition hash.
const SchemaVersion = "repair-plan/v1"

// PlanSchema is the JSON shape the planner must return.
const PlanSchema = `{
  "steps": [
    {
      "description": "Imperative action a technician performs",
      "estimated_minutes": 30,
      "required_parts": ["part name"]
    }
  ],
  "confidence": 0.0
}`

// PlannerInstructions returns the system prompt for the repair planning agent.
func PlannerInstructions() string {
	return `You are a maintenance planner for a tire manufacturing plant.

## Your Objective

Turn a diagnosed equipment fault into an ordered repair plan a technician can execute.

## Input

You receive a JSON object:
- agent_name, agent_version, model_deployment: who is asking
- input.fault: machine_id, fault_type, root_cause, severity
- input.context: candidate_procedures (ordered, preferred first), required_tools,
  required_parts, priority_hint

## Process

1. Start from the candidate procedures. Use their wording in step descriptions.
2. Address the stated root cause explicitly.
3. Add isolation and verification steps (lockout/tagout, test run) where the fault warrants.
4. Estimate minutes per step for a trained technician.
5. List the parts each step consumes. Prefer the parts named in the context.

## Output Format

Respond with a single JSON object and nothing else. Schema ` + SchemaVersion + `:

` + "```json\n" + PlanSchema + "\n```" + `

## Rules

- steps must contain at least one step
- description must be non-empty
- estimated_minutes must be a non-negative integer
- required_parts may be empty; never invent part numbers
- confidence is between 0 and 1 and reflects how well the procedures fit the root cause
- no markdown, no prose, no comments outside the JSON object`
}

// CorrectionPrompt asks the model to repair its previous answer.
func CorrectionPrompt(problem error) string {
	return fmt.Sprintf(`Your previous response could not be used: %v

Respond again with only a JSON object matching this schema:

%s

At least one step is required, every description must be non-empty, and every estimated_minutes must be zero or more.`, problem, PlanSchema)
}

// DefinitionHash returns a stable content hash of the instructions and tool
// bindings, formatted as "sha256:<hex>". Tool order does not matter.
func DefinitionHash(instructions string, tools []string) string {
	sorted := append([]string(nil), tools...)
	sort.Strings(sorted)

	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(instructions)))
	for _, tool := range sorted {
		h.Write([]byte{0})
		h.Write([]byte(tool))
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

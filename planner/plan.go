// Package planner turns a repair context into a validated repair plan by
// prompting the planning model, re-prompting once when the output is unusable.
package planner

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/c360studio/repairplanner/fault"
)

// Step is one action in a repair plan.
type Step struct {
	Description      string   `json:"description"`
	EstimatedMinutes int      `json:"estimated_minutes"`
	RequiredParts    []string `json:"required_parts"`
}

// AgentRef identifies the agent version that produced a plan.
type AgentRef struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
}

// RepairPlan is a validated plan. Steps and Confidence come from the model;
// the remaining fields are filled by the generator.
type RepairPlan struct {
	Steps      []Step  `json:"steps"`
	Confidence float64 `json:"confidence"`

	Priority      fault.Priority `json:"priority,omitempty"`
	RequiredTools []string       `json:"required_tools,omitempty"`
	Agent         AgentRef       `json:"agent"`
	Model         string         `json:"model,omitempty"`
	Attempts      int            `json:"attempts,omitempty"`
}

// Validate checks the plan invariants: at least one step, non-blank
// descriptions, non-negative minutes and confidence within [0, 1].
func (p *RepairPlan) Validate() error {
	if p == nil {
		return errors.New("plan is nil")
	}
	if len(p.Steps) == 0 {
		return errors.New("plan has no steps")
	}

	var errs []error
	for i, s := range p.Steps {
		if strings.TrimSpace(s.Description) == "" {
			errs = append(errs, fmt.Errorf("step %d: description is empty", i+1))
		}
		if s.EstimatedMinutes < 0 {
			errs = append(errs, fmt.Errorf("step %d: estimated_minutes %d is negative", i+1, s.EstimatedMinutes))
		}
	}
	if p.Confidence < 0 || p.Confidence > 1 || math.IsNaN(p.Confidence) {
		errs = append(errs, fmt.Errorf("confidence %v is outside [0, 1]", p.Confidence))
	}
	return errors.Join(errs...)
}

// TotalMinutes sums the step estimates.
func (p *RepairPlan) TotalMinutes() int {
	total := 0
	for _, s := range p.Steps {
		total += s.EstimatedMinutes
	}
	return total
}

// Parts returns every part the plan consumes, sorted and deduplicated.
func (p *RepairPlan) Parts() []string {
	var all []string
	for _, s := range p.Steps {
		all = append(all, s.RequiredParts...)
	}
	return normalizeSet(all)
}

// rawPlan is the model's output before validation. Minutes are decoded as
// numbers so fractional estimates are rounded rather than rejected.
type rawPlan struct {
	Steps []struct {
		Description      string   `json:"description"`
		EstimatedMinutes *float64 `json:"estimated_minutes"`
		RequiredParts    []string `json:"required_parts"`
	} `json:"steps"`
	Confidence float64 `json:"confidence"`
}

func (r *rawPlan) toPlan() (*RepairPlan, error) {
	plan := &RepairPlan{
		Steps:      make([]Step, 0, len(r.Steps)),
		Confidence: r.Confidence,
	}
	for i, s := range r.Steps {
		if s.EstimatedMinutes == nil {
			return nil, fmt.Errorf("step %d: estimated_minutes is missing", i+1)
		}
		plan.Steps = append(plan.Steps, Step{
			Description:      strings.TrimSpace(s.Description),
			EstimatedMinutes: int(math.Round(*s.EstimatedMinutes)),
			RequiredParts:    normalizeSet(s.RequiredParts),
		})
	}
	return plan, nil
}

func normalizeSet(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// GenerationError wraps a failure to obtain any response from the planning
// service, after the client's own retries and fallbacks.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate plan: %v", e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// ValidationError reports model output that stayed unusable after the
// corrective re-prompt.
type ValidationError struct {
	Attempts int
	Err      error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("plan invalid after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

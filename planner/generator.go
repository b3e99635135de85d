package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360studio/repairplanner/agent"
	"github.com/c360studio/repairplanner/fault"
	"github.com/c360studio/repairplanner/llm"
	"github.com/c360studio/repairplanner/prompts"
)

// maxPlanAttempts is the initial call plus one corrective re-prompt.
const maxPlanAttempts = 2

// Config controls plan generation.
type Config struct {
	Temperature float64
	MaxTokens   int
	// Timeout bounds each attempt of a model call. Attempts that time out
	// are retried by the completer.
	Timeout time.Duration
}

// DefaultConfig returns the defaults used by the CLI.
func DefaultConfig() Config {
	return Config{
		Temperature: 0.2,
		MaxTokens:   2048,
		Timeout:     60 * time.Second,
	}
}

// Generator produces repair plans from a planning model.
type Generator struct {
	completer llm.Completer
	config    Config
	logger    *slog.Logger
}

// Option configures a Generator.
type Option func(*Generator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Generator) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGenerator creates a generator backed by completer.
func NewGenerator(completer llm.Completer, cfg Config, opts ...Option) *Generator {
	g := &Generator{
		completer: completer,
		config:    cfg,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// requestPayload is the user message sent to the planning model.
type requestPayload struct {
	AgentName       string       `json:"agent_name"`
	AgentVersion    int          `json:"agent_version"`
	ModelDeployment string       `json:"model_deployment"`
	Input           requestInput `json:"input"`
}

type requestInput struct {
	Fault   fault.DiagnosedFault `json:"fault"`
	Context fault.RepairContext  `json:"context"`
}

// GeneratePlan asks the agent's model deployment for a plan. Unusable output
// gets one corrective re-prompt; a second failure is a *ValidationError.
// Transport failures that survive the client's retries are a *GenerationError.
func (g *Generator) GeneratePlan(ctx context.Context, def *agent.Definition, f fault.DiagnosedFault, rc fault.RepairContext) (*RepairPlan, error) {
	if def == nil {
		return nil, &GenerationError{Err: errors.New("agent definition is required")}
	}

	payload, err := json.Marshal(requestPayload{
		AgentName:       def.Name,
		AgentVersion:    def.Version,
		ModelDeployment: def.ModelDeployment,
		Input:           requestInput{Fault: f, Context: rc},
	})
	if err != nil {
		return nil, &GenerationError{Err: fmt.Errorf("marshal request: %w", err)}
	}

	instructions := def.Instructions
	if instructions == "" {
		instructions = prompts.PlannerInstructions()
	}
	messages := []llm.Message{
		{Role: "system", Content: instructions},
		{Role: "user", Content: string(payload)},
	}

	var lastErr error
	for attempt := 1; attempt <= maxPlanAttempts; attempt++ {
		resp, err := g.complete(ctx, def.ModelDeployment, messages)
		if err != nil {
			return nil, &GenerationError{Err: err}
		}

		plan, parseErr := parsePlan(resp.Content)
		if parseErr == nil {
			g.finish(plan, def, f, rc, resp, attempt)
			return plan, nil
		}
		lastErr = parseErr

		if attempt == maxPlanAttempts {
			break
		}

		g.logger.Warn("Plan output rejected, re-prompting",
			"machine_id", f.MachineID,
			"fault_type", f.FaultType,
			"attempt", attempt,
			"error", parseErr)

		messages = append(messages,
			llm.Message{Role: "assistant", Content: resp.Content},
			llm.Message{Role: "user", Content: prompts.CorrectionPrompt(parseErr)},
		)
	}

	return nil, &ValidationError{Attempts: maxPlanAttempts, Err: lastErr}
}

func (g *Generator) complete(ctx context.Context, deployment string, messages []llm.Message) (*llm.Response, error) {
	temperature := g.config.Temperature
	resp, err := g.completer.Complete(ctx, llm.Request{
		Deployment:  deployment,
		Messages:    messages,
		Temperature: &temperature,
		MaxTokens:   g.config.MaxTokens,
		JSONMode:    true,
		Timeout:     g.config.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("LLM completion: %w", err)
	}
	return resp, nil
}

// parsePlan extracts and validates a plan from model output.
func parsePlan(content string) (*RepairPlan, error) {
	var raw rawPlan
	if err := llm.DecodeJSON(content, &raw); err != nil {
		return nil, err
	}
	plan, err := raw.toPlan()
	if err != nil {
		return nil, err
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

func (g *Generator) finish(plan *RepairPlan, def *agent.Definition, f fault.DiagnosedFault, rc fault.RepairContext, resp *llm.Response, attempt int) {
	plan.Priority = rc.PriorityHint
	plan.RequiredTools = append([]string(nil), rc.RequiredTools...)
	plan.Agent = AgentRef{Name: def.Name, Version: def.Version}
	plan.Model = resp.Model
	plan.Attempts = attempt

	if len(rc.CandidateProcedures) > 0 && !referencesProcedure(plan, rc.CandidateProcedures) {
		g.logger.Warn("Plan references none of the candidate procedures",
			"machine_id", f.MachineID,
			"fault_type", f.FaultType,
			"candidates", rc.CandidateProcedures)
	}

	g.logger.Debug("Plan generated",
		"machine_id", f.MachineID,
		"steps", len(plan.Steps),
		"confidence", plan.Confidence,
		"model", resp.Model,
		"attempt", attempt)
}

func referencesProcedure(plan *RepairPlan, procedures []string) bool {
	for _, s := range plan.Steps {
		desc := strings.ToLower(s.Description)
		for _, p := range procedures {
			if strings.Contains(desc, strings.ToLower(p)) {
				return true
			}
		}
	}
	return false
}

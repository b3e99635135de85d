package planner

import (
	"math"
	"reflect"
	"strings"
	"testing"
)

func TestRepairPlanValidate(t *testing.T) {
	tests := []struct {
		name    string
		plan    *RepairPlan
		wantErr string
	}{
		{
			name: "valid",
			plan: &RepairPlan{Steps: []Step{{Description: "inspect heater", EstimatedMinutes: 30}}, Confidence: 0.8},
		},
		{
			name: "zero minutes allowed",
			plan: &RepairPlan{Steps: []Step{{Description: "log reading", EstimatedMinutes: 0}}},
		},
		{name: "nil", plan: nil, wantErr: "plan is nil"},
		{name: "no steps", plan: &RepairPlan{Confidence: 0.5}, wantErr: "no steps"},
		{
			name:    "blank description",
			plan:    &RepairPlan{Steps: []Step{{Description: "  ", EstimatedMinutes: 5}}},
			wantErr: "step 1: description is empty",
		},
		{
			name:    "negative minutes",
			plan:    &RepairPlan{Steps: []Step{{Description: "a", EstimatedMinutes: 5}, {Description: "b", EstimatedMinutes: -5}}},
			wantErr: "step 2: estimated_minutes -5 is negative",
		},
		{
			name:    "confidence above one",
			plan:    &RepairPlan{Steps: []Step{{Description: "a"}}, Confidence: 1.5},
			wantErr: "outside [0, 1]",
		},
		{
			name:    "confidence NaN",
			plan:    &RepairPlan{Steps: []Step{{Description: "a"}}, Confidence: math.NaN()},
			wantErr: "outside [0, 1]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.plan.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestRepairPlanTotalsAndParts(t *testing.T) {
	plan := &RepairPlan{Steps: []Step{
		{Description: "a", EstimatedMinutes: 30, RequiredParts: []string{"thermocouple type K"}},
		{Description: "b", EstimatedMinutes: 45, RequiredParts: []string{"heater element", "thermocouple type K"}},
	}}

	if got := plan.TotalMinutes(); got != 75 {
		t.Errorf("TotalMinutes() = %d, want 75", got)
	}
	want := []string{"heater element", "thermocouple type K"}
	if got := plan.Parts(); !reflect.DeepEqual(got, want) {
		t.Errorf("Parts() = %v, want %v", got, want)
	}
}

func TestParsePlan(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantErr   bool
		wantSteps int
		check     func(t *testing.T, p *RepairPlan)
	}{
		{
			name:      "plain object",
			content:   `{"steps":[{"description":"inspect heater","estimated_minutes":30,"required_parts":[]}],"confidence":0.9}`,
			wantSteps: 1,
		},
		{
			name: "fenced with prose and trailing comma",
			content: "Here is the plan:\n```json\n{\"steps\":[{\"description\":\" replace thermocouple \",\"estimated_minutes\":45," +
				"\"required_parts\":[\"thermocouple type K\",\"thermocouple type K\",\"\"]},],\"confidence\":0.7}\n```",
			wantSteps: 1,
			check: func(t *testing.T, p *RepairPlan) {
				if p.Steps[0].Description != "replace thermocouple" {
					t.Errorf("description not trimmed: %q", p.Steps[0].Description)
				}
				if !reflect.DeepEqual(p.Steps[0].RequiredParts, []string{"thermocouple type K"}) {
					t.Errorf("parts not normalized: %v", p.Steps[0].RequiredParts)
				}
			},
		},
		{
			name:      "fractional minutes rounded",
			content:   `{"steps":[{"description":"a","estimated_minutes":12.6}],"confidence":0.5}`,
			wantSteps: 1,
			check: func(t *testing.T, p *RepairPlan) {
				if p.Steps[0].EstimatedMinutes != 13 {
					t.Errorf("minutes = %d, want 13", p.Steps[0].EstimatedMinutes)
				}
			},
		},
		{
			name:      "model provenance ignored",
			content:   `{"steps":[{"description":"a","estimated_minutes":1}],"priority":"low","attempts":9}`,
			wantSteps: 1,
			check: func(t *testing.T, p *RepairPlan) {
				if p.Priority != "" || p.Attempts != 0 {
					t.Errorf("provenance should not come from model output: %+v", p)
				}
			},
		},
		{name: "not json", content: "I cannot help with that", wantErr: true},
		{name: "empty steps", content: `{"steps":[],"confidence":0.5}`, wantErr: true},
		{name: "negative minutes", content: `{"steps":[{"description":"a","estimated_minutes":-10}]}`, wantErr: true},
		{name: "missing minutes", content: `{"steps":[{"description":"a"}]}`, wantErr: true},
		{name: "minutes as string", content: `{"steps":[{"description":"a","estimated_minutes":"ten"}]}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := parsePlan(tt.content)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parsePlan() expected error, got %+v", plan)
				}
				return
			}
			if err != nil {
				t.Fatalf("parsePlan() error = %v", err)
			}
			if len(plan.Steps) != tt.wantSteps {
				t.Errorf("steps = %d, want %d", len(plan.Steps), tt.wantSteps)
			}
			if tt.check != nil {
				tt.check(t, plan)
			}
		})
	}
}

package agent

import (
	"errors"
	"strings"
	"testing"
)

func TestSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		spec    Spec
		wantErr string
	}{
		{
			name: "valid",
			spec: Spec{Name: "RepairPlannerAgent", PromptTemplateHash: "sha256:abc", ModelDeploymentName: "gpt-4o"},
		},
		{
			name:    "dotted name",
			spec:    Spec{Name: "repair.planner", PromptTemplateHash: "sha256:abc", ModelDeploymentName: "gpt-4o"},
			wantErr: "must match",
		},
		{
			name:    "empty name",
			spec:    Spec{PromptTemplateHash: "sha256:abc", ModelDeploymentName: "gpt-4o"},
			wantErr: "must match",
		},
		{
			name:    "missing hash",
			spec:    Spec{Name: "a", ModelDeploymentName: "gpt-4o"},
			wantErr: "prompt template hash is required",
		},
		{
			name:    "blank deployment",
			spec:    Spec{Name: "a", PromptTemplateHash: "h", ModelDeploymentName: "  "},
			wantErr: "model deployment name is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
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

func TestPlannerSpec(t *testing.T) {
	a := PlannerSpec("RepairPlannerAgent", "gpt-4o", []string{"b", "a"})
	b := PlannerSpec("RepairPlannerAgent", "gpt-4o", []string{"a", "b"})

	if a.PromptTemplateHash != b.PromptTemplateHash {
		t.Error("hash should not depend on tool order")
	}
	if !strings.HasPrefix(a.PromptTemplateHash, "sha256:") {
		t.Errorf("unexpected hash format %q", a.PromptTemplateHash)
	}
	if a.Instructions == "" {
		t.Error("expected instructions")
	}

	c := PlannerSpec("RepairPlannerAgent", "gpt-4o", nil)
	if c.PromptTemplateHash == a.PromptTemplateHash {
		t.Error("tools should change the hash")
	}
}

func TestProvisioningError(t *testing.T) {
	cause := errors.New("boom")
	err := &ProvisioningError{Name: "RepairPlannerAgent", Attempts: 5, Err: cause}

	if !errors.Is(err, cause) {
		t.Error("expected Unwrap to expose cause")
	}
	if !strings.Contains(err.Error(), "after 5 attempts") {
		t.Errorf("unexpected message %q", err.Error())
	}

	pre := &ProvisioningError{Name: "x", Err: cause}
	if strings.Contains(pre.Error(), "attempts") {
		t.Errorf("validation failure should not mention attempts: %q", pre.Error())
	}
}

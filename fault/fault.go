// Package fault maps diagnosed equipment faults onto repair context using a
// fault taxonomy.
package fault

import (
	"fmt"
	"strings"
)

// Severity is the diagnosed severity of a fault.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity normalizes s case-insensitively. The boolean is false for
// unrecognized input, in which case medium is returned.
func ParseSeverity(s string) (Severity, bool) {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityLow:
		return SeverityLow, true
	case SeverityMedium:
		return SeverityMedium, true
	case SeverityHigh:
		return SeverityHigh, true
	case SeverityCritical:
		return SeverityCritical, true
	default:
		return SeverityMedium, false
	}
}

// Priority is the urgency of repair work.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

var priorityRank = map[Priority]int{
	PriorityLow:    1,
	PriorityMedium: 2,
	PriorityHigh:   3,
	PriorityUrgent: 4,
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	_, ok := priorityRank[p]
	return ok
}

// Max returns the more urgent of p and other. Unknown priorities rank lowest.
func (p Priority) Max(other Priority) Priority {
	if priorityRank[other] > priorityRank[p] {
		return other
	}
	return p
}

// PriorityForSeverity derives the repair priority from a severity:
// low→low, medium→medium, high→high, critical→urgent.
func PriorityForSeverity(s Severity) Priority {
	switch s {
	case SeverityLow:
		return PriorityLow
	case SeverityHigh:
		return PriorityHigh
	case SeverityCritical:
		return PriorityUrgent
	default:
		return PriorityMedium
	}
}

// DiagnosedFault is the upstream diagnosis of an equipment fault.
type DiagnosedFault struct {
	MachineID string `json:"machine_id" yaml:"machine_id"`
	FaultType string `json:"fault_type" yaml:"fault_type"`
	RootCause string `json:"root_cause" yaml:"root_cause"`
	Severity  string `json:"severity" yaml:"severity"`
}

// String identifies the fault in logs.
func (f DiagnosedFault) String() string {
	return f.MachineID + "/" + f.FaultType
}

// RepairContext is the structured input to plan generation.
type RepairContext struct {
	FaultType string `json:"fault_type"`
	// CandidateProcedures are ordered, preferred first.
	CandidateProcedures []string `json:"candidate_procedures"`
	// RequiredTools is sorted and deduplicated.
	RequiredTools []string `json:"required_tools"`
	// RequiredParts are parts the taxonomy suggests for this fault.
	RequiredParts []string `json:"required_parts,omitempty"`
	PriorityHint  Priority `json:"priority_hint"`
	// Known is false when the fault type is not in the taxonomy.
	Known bool `json:"known"`
}

// InvalidFaultError reports a fault that cannot be mapped.
type InvalidFaultError struct {
	Fault  DiagnosedFault
	Reason string
}

func (e *InvalidFaultError) Error() string {
	return fmt.Sprintf("invalid fault for machine %q: %s", e.Fault.MachineID, e.Reason)
}

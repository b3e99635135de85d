package fault

import (
	"sort"
	"strings"
	"sync/atomic"
)

// Mapper translates a diagnosed fault into repair context.
type Mapper interface {
	Map(f DiagnosedFault) (RepairContext, error)
}

// TableMapper maps faults through a taxonomy table that can be swapped at
// runtime. Map is safe for concurrent use with Replace.
type TableMapper struct {
	table atomic.Pointer[Taxonomy]
}

// NewTableMapper creates a mapper over t.
func NewTableMapper(t *Taxonomy) *TableMapper {
	m := &TableMapper{}
	m.table.Store(t)
	return m
}

// Replace swaps the taxonomy table.
func (m *TableMapper) Replace(t *Taxonomy) {
	m.table.Store(t)
}

// Taxonomy returns the current table.
func (m *TableMapper) Taxonomy() *Taxonomy {
	return m.table.Load()
}

// Map implements Mapper. Unknown fault types yield an empty procedure list
// with the severity-derived priority. Only a blank fault type is an error.
func (m *TableMapper) Map(f DiagnosedFault) (RepairContext, error) {
	faultType := strings.TrimSpace(f.FaultType)
	if faultType == "" {
		return RepairContext{}, &InvalidFaultError{Fault: f, Reason: "fault type is blank"}
	}

	severity, _ := ParseSeverity(f.Severity)
	rc := RepairContext{
		FaultType:           faultType,
		CandidateProcedures: []string{},
		RequiredTools:       []string{},
		PriorityHint:        PriorityForSeverity(severity),
	}

	entry, ok := m.table.Load().Lookup(faultType)
	if !ok {
		return rc, nil
	}

	rc.Known = true
	rc.CandidateProcedures = append(rc.CandidateProcedures, entry.Procedures...)
	rc.RequiredTools = sortedSet(entry.Tools)
	rc.RequiredParts = sortedSet(entry.Parts)
	if entry.MinPriority != "" {
		rc.PriorityHint = rc.PriorityHint.Max(entry.MinPriority)
	}
	return rc, nil
}

// sortedSet returns the non-blank values of in, trimmed, sorted and deduplicated.
func sortedSet(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

package fault

import (
	"errors"
	"reflect"
	"sync"
	"testing"
)

func TestTableMapper_KnownFault(t *testing.T) {
	m := NewTableMapper(DefaultTaxonomy())

	rc, err := m.Map(DiagnosedFault{
		MachineID: "M-123",
		FaultType: "curing_temperature_excessive",
		RootCause: "Heater element drift",
		Severity:  "high",
	})
	if err != nil {
		t.Fatalf("Map() error = %v", err)
	}

	if !rc.Known {
		t.Error("expected known fault")
	}
	if len(rc.CandidateProcedures) < 2 ||
		rc.CandidateProcedures[0] != "inspect heater" ||
		rc.CandidateProcedures[1] != "replace thermocouple" {
		t.Errorf("unexpected procedures %v", rc.CandidateProcedures)
	}
	if rc.PriorityHint != PriorityHigh {
		t.Errorf("priority = %s, want high", rc.PriorityHint)
	}
	wantTools := []string{"lockout kit", "multimeter", "thermocouple calibrator", "torque wrench"}
	if !reflect.DeepEqual(rc.RequiredTools, wantTools) {
		t.Errorf("tools = %v, want %v", rc.RequiredTools, wantTools)
	}
}

func TestTableMapper_UnknownFault(t *testing.T) {
	m := NewTableMapper(DefaultTaxonomy())

	rc, err := m.Map(DiagnosedFault{MachineID: "M-9", FaultType: "unknown_xyz", Severity: "low"})
	if err != nil {
		t.Fatalf("Map() error = %v", err)
	}

	if rc.Known {
		t.Error("expected unknown fault")
	}
	if rc.CandidateProcedures == nil || len(rc.CandidateProcedures) != 0 {
		t.Errorf("expected empty non-nil procedures, got %#v", rc.CandidateProcedures)
	}
	if rc.PriorityHint != PriorityLow {
		t.Errorf("priority = %s, want low", rc.PriorityHint)
	}
}

func TestTableMapper_BlankFaultType(t *testing.T) {
	m := NewTableMapper(DefaultTaxonomy())

	for _, ft := range []string{"", "   "} {
		_, err := m.Map(DiagnosedFault{MachineID: "M-1", FaultType: ft, Severity: "high"})
		var invalid *InvalidFaultError
		if !errors.As(err, &invalid) {
			t.Errorf("fault type %q: expected InvalidFaultError, got %v", ft, err)
		}
	}
}

func TestTableMapper_SeverityToPriority(t *testing.T) {
	m := NewTableMapper(&Taxonomy{Faults: map[string]Entry{}})

	tests := []struct {
		severity string
		want     Priority
	}{
		{"low", PriorityLow},
		{"medium", PriorityMedium},
		{"HIGH", PriorityHigh},
		{"Critical", PriorityUrgent},
		{"catastrophic", PriorityMedium},
		{"", PriorityMedium},
	}

	for _, tt := range tests {
		rc, err := m.Map(DiagnosedFault{MachineID: "M-1", FaultType: "x", Severity: tt.severity})
		if err != nil {
			t.Fatalf("Map() error = %v", err)
		}
		if rc.PriorityHint != tt.want {
			t.Errorf("severity %q: priority = %s, want %s", tt.severity, rc.PriorityHint, tt.want)
		}
	}
}

func TestTableMapper_MinPriorityRaisesOnly(t *testing.T) {
	m := NewTableMapper(DefaultTaxonomy())

	rc, _ := m.Map(DiagnosedFault{MachineID: "M-1", FaultType: "diaphragm_leak", Severity: "low"})
	if rc.PriorityHint != PriorityUrgent {
		t.Errorf("diaphragm_leak low: priority = %s, want urgent", rc.PriorityHint)
	}

	rc, _ = m.Map(DiagnosedFault{MachineID: "M-1", FaultType: "curing_temperature_excessive", Severity: "critical"})
	if rc.PriorityHint != PriorityUrgent {
		t.Errorf("critical should stay urgent, got %s", rc.PriorityHint)
	}
}

func TestTableMapper_Deterministic(t *testing.T) {
	m := NewTableMapper(DefaultTaxonomy())
	f := DiagnosedFault{MachineID: "M-7", FaultType: "building_drum_vibration", Severity: "medium"}

	first, _ := m.Map(f)
	for i := 0; i < 10; i++ {
		got, _ := m.Map(f)
		if !reflect.DeepEqual(first, got) {
			t.Fatalf("Map() not deterministic: %v vs %v", first, got)
		}
	}
}

func TestTableMapper_CaseInsensitiveLookup(t *testing.T) {
	m := NewTableMapper(DefaultTaxonomy())

	rc, _ := m.Map(DiagnosedFault{MachineID: "M-1", FaultType: "Load_Cell_Drift", Severity: "low"})
	if !rc.Known {
		t.Error("expected case-insensitive match")
	}
}

func TestTableMapper_ReplaceIsConcurrentSafe(t *testing.T) {
	m := NewTableMapper(DefaultTaxonomy())
	alt, err := ParseTaxonomy([]byte("faults:\n  only_fault:\n    procedures: [do it]\n"))
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = m.Map(DiagnosedFault{MachineID: "M", FaultType: "only_fault"})
		}()
		go func() {
			defer wg.Done()
			m.Replace(alt)
		}()
	}
	wg.Wait()

	rc, _ := m.Map(DiagnosedFault{MachineID: "M", FaultType: "only_fault"})
	if !rc.Known {
		t.Error("expected replaced table")
	}
}

func TestPriorityMax(t *testing.T) {
	if PriorityLow.Max(PriorityHigh) != PriorityHigh {
		t.Error("low.Max(high) should be high")
	}
	if PriorityUrgent.Max(PriorityMedium) != PriorityUrgent {
		t.Error("urgent.Max(medium) should be urgent")
	}
	if PriorityMedium.Max(Priority("bogus")) != PriorityMedium {
		t.Error("unknown priority should not win")
	}
}

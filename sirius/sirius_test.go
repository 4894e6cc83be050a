package sirius

import "testing"

func TestSeverityEscalate(t *testing.T) {
	cases := map[Severity]Severity{
		SeverityInfo:     SeverityLow,
		SeverityLow:      SeverityMedium,
		SeverityMedium:   SeverityHigh,
		SeverityHigh:     SeverityCritical,
		SeverityCritical: SeverityCritical,
	}
	for in, want := range cases {
		if got := in.Escalate(); got != want {
			t.Errorf("Escalate(%s) = %s, want %s", in, got, want)
		}
	}
}

func TestParseSeverityScannerLevels(t *testing.T) {
	if ParseSeverity("ERROR") != SeverityHigh {
		t.Errorf("ERROR should map to high")
	}
	if ParseSeverity("WARNING") != SeverityMedium {
		t.Errorf("WARNING should map to medium")
	}
	if ParseSeverity("bogus") != SeverityInfo {
		t.Errorf("unknown severities should map to info")
	}
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]TaskStatus{
		{TaskStatusQueued, TaskStatusRunning},
		{TaskStatusRunning, TaskStatusCompleted},
		{TaskStatusRunning, TaskStatusFailed},
		{TaskStatusRunning, TaskStatusQueued},
	}
	for _, p := range allowed {
		if !CanTransition(p[0], p[1]) {
			t.Errorf("expected %s -> %s to be allowed", p[0], p[1])
		}
	}

	denied := [][2]TaskStatus{
		{TaskStatusQueued, TaskStatusCompleted},
		{TaskStatusCompleted, TaskStatusRunning},
		{TaskStatusFailed, TaskStatusQueued},
		{TaskStatusCompleted, TaskStatusFailed},
	}
	for _, p := range denied {
		if CanTransition(p[0], p[1]) {
			t.Errorf("expected %s -> %s to be rejected", p[0], p[1])
		}
	}
}

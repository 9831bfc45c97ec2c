package domain

import "testing"

func TestInitialStatus(t *testing.T) {
	if got := InitialStatus(""); got != StatusAwaitingSchedule {
		t.Fatalf("expected awaiting_schedule, got %s", got)
	}
	if got := InitialStatus("2024-03-01"); got != StatusScheduled {
		t.Fatalf("expected scheduled, got %s", got)
	}
}

func TestNextStatus(t *testing.T) {
	cases := []struct {
		name     string
		current  CaseStatus
		content  bool
		finalize bool
		want     CaseStatus
	}{
		{"awaiting content", StatusAwaitingSchedule, true, false, StatusInProgress},
		{"scheduled content", StatusScheduled, true, false, StatusInProgress},
		{"awaiting empty", StatusAwaitingSchedule, false, false, StatusAwaitingSchedule},
		{"in progress content", StatusInProgress, true, false, StatusInProgress},
		{"finalize wins over content", StatusScheduled, true, true, StatusCompleted},
		{"finalize from awaiting", StatusAwaitingSchedule, false, true, StatusCompleted},
		{"completed ignores content", StatusCompleted, true, false, StatusCompleted},
		{"completed ignores finalize", StatusCompleted, false, true, StatusCompleted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NextStatus(tc.current, tc.content, tc.finalize); got != tc.want {
				t.Fatalf("NextStatus(%s, %v, %v) = %s, want %s", tc.current, tc.content, tc.finalize, got, tc.want)
			}
		})
	}
}

func TestCompletedIsTerminal(t *testing.T) {
	if !StatusCompleted.Terminal() {
		t.Fatalf("completed must be terminal")
	}
	for _, s := range []CaseStatus{StatusAwaitingSchedule, StatusScheduled, StatusInProgress} {
		if s.Terminal() {
			t.Fatalf("%s must not be terminal", s)
		}
		if CanTransition(StatusCompleted, s) {
			t.Fatalf("completed must not transition to %s", s)
		}
		if !CanTransition(s, StatusCompleted) {
			t.Fatalf("%s must reach completed", s)
		}
	}
	if CanTransition(StatusInProgress, StatusScheduled) {
		t.Fatalf("in_progress must not move back to scheduled")
	}
}

package domain

type statusMachine struct {
	terminal map[CaseStatus]struct{}
	edges    map[CaseStatus]map[CaseStatus]struct{}
}

var caseMachine = statusMachine{
	terminal: statusSet(StatusCompleted),
	edges: map[CaseStatus]map[CaseStatus]struct{}{
		StatusAwaitingSchedule: statusSet(StatusScheduled, StatusInProgress, StatusCompleted),
		StatusScheduled:        statusSet(StatusInProgress, StatusCompleted),
		StatusInProgress:       statusSet(StatusCompleted),
		StatusCompleted:        statusSet(),
	},
}

func statusSet(values ...CaseStatus) map[CaseStatus]struct{} {
	out := make(map[CaseStatus]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}

// Terminal reports whether no transition leaves s.
func (s CaseStatus) Terminal() bool {
	_, ok := caseMachine.terminal[s]
	return ok
}

// CanTransition reports whether from -> to is a legal edge. Staying put is always legal.
func CanTransition(from, to CaseStatus) bool {
	if from == to {
		return true
	}
	_, ok := caseMachine.edges[from][to]
	return ok
}

// InitialStatus picks the creation state from the presence of a scheduled date.
func InitialStatus(scheduledDate string) CaseStatus {
	if scheduledDate != "" {
		return StatusScheduled
	}
	return StatusAwaitingSchedule
}

// NextStatus resolves the status after an update. An explicit finalize always
// wins; otherwise any content update moves AwaitingSchedule or Scheduled to
// InProgress. The rule does not distinguish cosmetic from substantive edits.
// Completed never changes.
func NextStatus(current CaseStatus, contentUpdate, finalize bool) CaseStatus {
	if current.Terminal() {
		return current
	}
	if finalize {
		return StatusCompleted
	}
	if contentUpdate && (current == StatusAwaitingSchedule || current == StatusScheduled) {
		return StatusInProgress
	}
	return current
}

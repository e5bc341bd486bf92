package domain

import "strings"

// Status is the column a task lives in.
type Status string

// Status values. Archived is terminal.
const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusBlocked    Status = "blocked"
	StatusArchived   Status = "archived"
)

// Statuses lists every status in board column order.
var Statuses = []Status{StatusTodo, StatusInProgress, StatusBlocked, StatusDone, StatusArchived}

var transitions = map[Status][]Status{
	StatusTodo:       {StatusInProgress, StatusBlocked, StatusDone, StatusArchived},
	StatusInProgress: {StatusTodo, StatusBlocked, StatusDone, StatusArchived},
	StatusBlocked:    {StatusTodo, StatusInProgress, StatusArchived},
	StatusDone:       {StatusTodo, StatusArchived},
	StatusArchived:   nil,
}

// ParseStatus validates a status value.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", &ValidationError{Field: "status", Reason: "unknown status " + raw}
	}
	return s, nil
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusArchived
}

// Next returns the statuses reachable from s in one transition.
func (s Status) Next() []Status {
	next := transitions[s]
	out := make([]Status, len(next))
	copy(out, next)
	return out
}

// CanTransition reports whether moving a task from one status to another is
// legal. Staying in the same non-terminal status is always legal.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return !from.Terminal()
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an InvalidTransitionError when the transition is
// not legal.
func ValidateTransition(taskID string, from, to Status) error {
	if !to.Valid() {
		return &ValidationError{Field: "status", Reason: "unknown status " + string(to)}
	}
	if !CanTransition(from, to) {
		return &InvalidTransitionError{TaskID: taskID, From: from, To: to}
	}
	return nil
}

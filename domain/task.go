package domain

import (
	"strings"
	"time"
)

// Priority ranks a task on the board.
type Priority string

// Priority values.
const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// ParsePriority validates a priority value. An empty string yields the
// default priority.
func ParsePriority(raw string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(raw))); p {
	case "":
		return PriorityMedium, nil
	case PriorityLow, PriorityMedium, PriorityHigh:
		return p, nil
	default:
		return "", &ValidationError{Field: "priority", Reason: "unknown priority " + raw}
	}
}

// Task represents a single planning board item of an event. AssigneeName is
// resolved from the user directory on read and never stored.
type Task struct {
	ID           string     `json:"id"`
	EventID      string     `json:"eventId"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Status       Status     `json:"status"`
	Priority     Priority   `json:"priority"`
	DueDate      *time.Time `json:"dueDate,omitempty"`
	Assignee     *string    `json:"assignee"`
	AssigneeName string     `json:"assigneeName,omitempty"`
	Position     float64    `json:"position"`
	CreatedBy    string     `json:"createdBy,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.DueDate != nil {
		d := *t.DueDate
		c.DueDate = &d
	}
	if t.Assignee != nil {
		a := *t.Assignee
		c.Assignee = &a
	}
	return &c
}

// NormalizeTitle trims the title and rejects empty values.
func NormalizeTitle(title string) (string, error) {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return "", &ValidationError{Field: "title", Reason: "title is required"}
	}
	return trimmed, nil
}

// Event mirrors the owning event as known to the planning board.
type Event struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Archived bool   `json:"archived"`
}

// User mirrors a user directory entry used for assignee checks.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

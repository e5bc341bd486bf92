package domain

// Board change types published after a mutation commits.
const (
	TaskCreated      = "task-created"
	TaskUpdated      = "task-updated"
	TaskMoved        = "task-moved"
	TaskDeleted      = "task-deleted"
	ColumnRenumbered = "column-renumbered"
	EventRemoved     = "event-removed"
)

// BoardChange describes a committed change to an event's board.
type BoardChange struct {
	Type      string `json:"type"`
	EventID   string `json:"eventId"`
	TaskID    string `json:"taskId,omitempty"`
	Status    Status `json:"status,omitempty"`
	UserID    string `json:"userId,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

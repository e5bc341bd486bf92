package planning

import (
	"context"

	"planning-api/domain"
)

// Tx is a unit of work against the task store. Every method observes the
// writes made earlier in the same transaction.
type Tx interface {
	// Task returns the task with the given id or nil.
	Task(ctx context.Context, id string) (*domain.Task, error)
	// Column returns the tasks of one status column, ordered by position.
	Column(ctx context.Context, eventID string, status domain.Status) ([]*domain.Task, error)
	// Tasks returns every task of an event in no particular order.
	Tasks(ctx context.Context, eventID string) ([]*domain.Task, error)
	// Event returns the event with the given id or nil.
	Event(ctx context.Context, id string) (*domain.Event, error)
	PutTask(ctx context.Context, task *domain.Task) error
	DeleteTask(ctx context.Context, id string) error
}

// Repository runs units of work atomically. If fn returns an error nothing it
// wrote is kept.
type Repository interface {
	Atomic(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx Tx) error) error
}

// EventRegistry mirrors event records from the event service.
type EventRegistry interface {
	PutEvent(ctx context.Context, ev domain.Event) error
	// DeleteEvent removes the event and all of its tasks. It returns the number
	// of tasks removed.
	DeleteEvent(ctx context.Context, id string) (int, error)
}

// Store is a repository that also owns the event mirror.
type Store interface {
	Repository
	EventRegistry
}

// UserDirectory answers best-effort questions about users. User returns nil
// without an error for unknown ids.
type UserDirectory interface {
	User(ctx context.Context, id string) (*domain.User, error)
}

// UserRegistry mirrors user records from the user directory.
type UserRegistry interface {
	UserDirectory
	PutUser(ctx context.Context, u domain.User) error
}

// Notifier receives committed board changes.
type Notifier interface {
	Publish(ctx context.Context, change domain.BoardChange) error
}

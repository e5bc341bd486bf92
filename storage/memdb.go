package storage

import (
	"context"
	"fmt"
	"sort"

	"github.com/hashicorp/go-memdb"

	"planning-api/domain"
	"planning-api/planning"
)

const (
	tasksTable  = "tasks"
	eventsTable = "events"
	usersTable  = "users"
)

// MemStore is an in-memory task store. Write transactions are serialized by
// memdb, so a unit of work never observes a concurrent writer.
type MemStore struct {
	db *memdb.MemDB
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() (*MemStore, error) {
	schema := &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tasksTable:  tasksTableSchema(),
			eventsTable: idTableSchema(eventsTable),
			usersTable:  idTableSchema(usersTable),
		},
	}
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, err
	}
	return &MemStore{db: db}, nil
}

func tasksTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: tasksTable,
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:    "id",
				Unique:  true,
				Indexer: &memdb.StringFieldIndex{Field: "ID"},
			},
			"event": {
				Name:    "event",
				Indexer: &memdb.StringFieldIndex{Field: "EventID"},
			},
			"column": {
				Name: "column",
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "EventID"},
						&memdb.StringFieldIndex{Field: "Status"},
					},
				},
			},
		},
	}
}

func idTableSchema(name string) *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: name,
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:    "id",
				Unique:  true,
				Indexer: &memdb.StringFieldIndex{Field: "ID"},
			},
		},
	}
}

// Atomic runs fn in a write transaction and commits it when fn succeeds.
func (s *MemStore) Atomic(ctx context.Context, fn func(tx planning.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := s.db.Txn(true)
	defer tx.Abort()

	if err := fn(&memTx{tx: tx}); err != nil {
		return err
	}
	tx.Commit()
	return nil
}

// View runs fn against a read-only snapshot.
func (s *MemStore) View(ctx context.Context, fn func(tx planning.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := s.db.Txn(false)
	defer tx.Abort()
	return fn(&memTx{tx: tx})
}

// PutEvent inserts or replaces an event.
func (s *MemStore) PutEvent(_ context.Context, ev domain.Event) error {
	tx := s.db.Txn(true)
	defer tx.Abort()

	if err := tx.Insert(eventsTable, &ev); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	tx.Commit()
	return nil
}

// DeleteEvent removes an event and its tasks.
func (s *MemStore) DeleteEvent(_ context.Context, id string) (int, error) {
	tx := s.db.Txn(true)
	defer tx.Abort()

	ev, err := tx.First(eventsTable, "id", id)
	if err != nil {
		return 0, err
	}
	if ev != nil {
		if err := tx.Delete(eventsTable, ev); err != nil {
			return 0, err
		}
	}
	n, err := tx.DeleteAll(tasksTable, "event", id)
	if err != nil {
		return 0, fmt.Errorf("delete tasks of event %s: %w", id, err)
	}
	if ev == nil && n == 0 {
		return 0, &domain.NotFoundError{Kind: "event", ID: id}
	}
	tx.Commit()
	return n, nil
}

// PutUser inserts or replaces a user.
func (s *MemStore) PutUser(_ context.Context, u domain.User) error {
	tx := s.db.Txn(true)
	defer tx.Abort()

	if err := tx.Insert(usersTable, &u); err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	tx.Commit()
	return nil
}

// User returns the mirrored user, or nil when the id is unknown.
func (s *MemStore) User(_ context.Context, id string) (*domain.User, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()

	raw, err := tx.First(usersTable, "id", id)
	if err != nil || raw == nil {
		return nil, err
	}
	u := *raw.(*domain.User)
	return &u, nil
}

// Ping always succeeds.
func (s *MemStore) Ping(context.Context) error { return nil }

// Close releases nothing.
func (s *MemStore) Close() error { return nil }

type memTx struct {
	tx *memdb.Txn
}

func (t *memTx) Task(_ context.Context, id string) (*domain.Task, error) {
	raw, err := t.tx.First(tasksTable, "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*domain.Task).Clone(), nil
}

func (t *memTx) Column(_ context.Context, eventID string, status domain.Status) ([]*domain.Task, error) {
	it, err := t.tx.Get(tasksTable, "column", eventID, string(status))
	if err != nil {
		return nil, err
	}
	col := collect(it)
	sortTasks(col)
	return col, nil
}

func (t *memTx) Tasks(_ context.Context, eventID string) ([]*domain.Task, error) {
	it, err := t.tx.Get(tasksTable, "event", eventID)
	if err != nil {
		return nil, err
	}
	return collect(it), nil
}

func (t *memTx) Event(_ context.Context, id string) (*domain.Event, error) {
	raw, err := t.tx.First(eventsTable, "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	ev := *raw.(*domain.Event)
	return &ev, nil
}

func (t *memTx) PutTask(_ context.Context, task *domain.Task) error {
	if err := t.tx.Insert(tasksTable, task.Clone()); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (t *memTx) DeleteTask(_ context.Context, id string) error {
	raw, err := t.tx.First(tasksTable, "id", id)
	if err != nil {
		return err
	}
	if raw == nil {
		return &domain.NotFoundError{Kind: "task", ID: id}
	}
	return t.tx.Delete(tasksTable, raw)
}

func collect(it memdb.ResultIterator) []*domain.Task {
	var out []*domain.Task
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, obj.(*domain.Task).Clone())
	}
	return out
}

func sortTasks(tasks []*domain.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Position != tasks[j].Position {
			return tasks[i].Position < tasks[j].Position
		}
		return tasks[i].ID < tasks[j].ID
	})
}

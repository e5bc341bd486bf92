package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	log "github.com/sirupsen/logrus"

	"planning-api/domain"
	"planning-api/planning"
)

// Schema is the DDL of the planning tables.
//
//go:embed schema.sql
var Schema string

const (
	sqlSerializationFailure = "40001"
	sqlUniqueViolation      = "23505"
	sqlForeignKeyViolation  = "23503"
)

// PgStore keeps tasks in PostgreSQL. Units of work run at SERIALIZABLE
// isolation and lock the rows of the column they read.
type PgStore struct {
	db *sql.DB
}

// OpenPostgres connects to dsn through the pgx driver.
func OpenPostgres(ctx context.Context, dsn string) (*PgStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	s := NewPgStore(db)
	if err := s.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return s, nil
}

// NewPgStore wraps an open database handle.
func NewPgStore(db *sql.DB) *PgStore {
	return &PgStore{db: db}
}

// Migrate creates the tables if they do not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

// Ping checks the connection.
func (s *PgStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close closes the pool.
func (s *PgStore) Close() error { return s.db.Close() }

// Atomic runs fn in a serializable transaction. Serialization failures are
// reported as conflicts and left to the caller to retry.
func (s *PgStore) Atomic(ctx context.Context, fn func(tx planning.Tx) error) error {
	err := s.runTx(ctx, false, fn)
	if isPgCode(err, sqlSerializationFailure) {
		log.WithError(err).Debug("serializable transaction aborted")
	}
	return mapPgError(err)
}

// View runs fn in a read-only transaction.
func (s *PgStore) View(ctx context.Context, fn func(tx planning.Tx) error) error {
	return mapPgError(s.runTx(ctx, true, fn))
}

func (s *PgStore) runTx(ctx context.Context, readOnly bool, fn func(tx planning.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable, ReadOnly: readOnly})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&pgTx{tx: tx, lock: !readOnly}); err != nil {
		return err
	}
	return tx.Commit()
}

// PutEvent inserts or replaces an event.
func (s *PgStore) PutEvent(ctx context.Context, ev domain.Event) error {
	const q = `
INSERT INTO events (id, title, archived)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, archived = EXCLUDED.archived;
`
	_, err := s.db.ExecContext(ctx, q, ev.ID, ev.Title, ev.Archived)
	return err
}

// DeleteEvent removes an event. Its tasks go with it through the foreign key.
func (s *PgStore) DeleteEvent(ctx context.Context, id string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM planning_tasks WHERE event_id = $1;`, id).Scan(&n); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id = $1;`, id)
	if err != nil {
		return 0, err
	}
	if ra, err := res.RowsAffected(); err != nil {
		return 0, err
	} else if ra == 0 {
		return 0, &domain.NotFoundError{Kind: "event", ID: id}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

// PutUser inserts or replaces a user.
func (s *PgStore) PutUser(ctx context.Context, u domain.User) error {
	const q = `
INSERT INTO users (id, name)
VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name;
`
	_, err := s.db.ExecContext(ctx, q, u.ID, u.Name)
	return err
}

// User returns the mirrored user, or nil when the id is unknown.
func (s *PgStore) User(ctx context.Context, id string) (*domain.User, error) {
	u := domain.User{ID: id}
	err := s.db.QueryRowContext(ctx, `SELECT name FROM users WHERE id = $1;`, id).Scan(&u.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

type pgTx struct {
	tx   *sql.Tx
	lock bool
}

const taskColumns = `task_id, event_id, title, description, status, priority, due_date, assigned_to, position, created_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		t        domain.Task
		due      sql.NullTime
		assignee sql.NullString
	)
	err := row.Scan(&t.ID, &t.EventID, &t.Title, &t.Description, &t.Status, &t.Priority,
		&due, &assignee, &t.Position, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if due.Valid {
		d := due.Time.UTC()
		t.DueDate = &d
	}
	if assignee.Valid {
		a := assignee.String
		t.Assignee = &a
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}

func (t *pgTx) queryTasks(ctx context.Context, q string, args ...any) ([]*domain.Task, error) {
	rows, err := t.tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func (t *pgTx) Task(ctx context.Context, id string) (*domain.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM planning_tasks WHERE task_id = $1`
	if t.lock {
		q += ` FOR UPDATE`
	}
	task, err := scanTask(t.tx.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return task, err
}

func (t *pgTx) Column(ctx context.Context, eventID string, status domain.Status) ([]*domain.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM planning_tasks
WHERE event_id = $1 AND status = $2
ORDER BY position, task_id`
	if t.lock {
		q += ` FOR UPDATE`
	}
	return t.queryTasks(ctx, q, eventID, string(status))
}

func (t *pgTx) Tasks(ctx context.Context, eventID string) ([]*domain.Task, error) {
	return t.queryTasks(ctx, `SELECT `+taskColumns+` FROM planning_tasks WHERE event_id = $1`, eventID)
}

func (t *pgTx) Event(ctx context.Context, id string) (*domain.Event, error) {
	var ev domain.Event
	err := t.tx.QueryRowContext(ctx, `SELECT id, title, archived FROM events WHERE id = $1`, id).
		Scan(&ev.ID, &ev.Title, &ev.Archived)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (t *pgTx) PutTask(ctx context.Context, task *domain.Task) error {
	const q = `
INSERT INTO planning_tasks (` + taskColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (task_id) DO UPDATE SET
    title = EXCLUDED.title,
    description = EXCLUDED.description,
    status = EXCLUDED.status,
    priority = EXCLUDED.priority,
    due_date = EXCLUDED.due_date,
    assigned_to = EXCLUDED.assigned_to,
    position = EXCLUDED.position,
    updated_at = EXCLUDED.updated_at;
`
	var (
		due      sql.NullTime
		assignee sql.NullString
	)
	if task.DueDate != nil {
		due = sql.NullTime{Time: task.DueDate.UTC(), Valid: true}
	}
	if task.Assignee != nil {
		assignee = sql.NullString{String: *task.Assignee, Valid: true}
	}
	_, err := t.tx.ExecContext(ctx, q,
		task.ID, task.EventID, task.Title, task.Description, string(task.Status), string(task.Priority),
		due, assignee, task.Position, task.CreatedBy, task.CreatedAt.UTC(), task.UpdatedAt.UTC())
	return err
}

func (t *pgTx) DeleteTask(ctx context.Context, id string) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM planning_tasks WHERE task_id = $1`, id)
	if err != nil {
		return err
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if ra == 0 {
		return &domain.NotFoundError{Kind: "task", ID: id}
	}
	return nil
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

// mapPgError turns constraint races into domain conflicts and leaves every
// other error alone.
func mapPgError(err error) error {
	switch {
	case err == nil:
		return nil
	case isPgCode(err, sqlSerializationFailure), isPgCode(err, sqlUniqueViolation):
		return &domain.ConflictError{Reason: domain.ReasonConcurrentWrite, Err: err}
	case isPgCode(err, sqlForeignKeyViolation):
		return &domain.ValidationError{Field: "eventId", Reason: "event does not exist"}
	default:
		return err
	}
}

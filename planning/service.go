package planning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"planning-api/domain"
)

// Service is the authoritative task store of the planning board. It enforces
// the ordering and lifecycle invariants on top of a transactional Store.
type Service struct {
	store        Store
	alloc        domain.Allocator
	autoRenumber bool
	users        UserDirectory
	notifier     Notifier
	now          func() time.Time
	newID        func() string
}

// Option configures a Service.
type Option func(*Service)

// WithAllocator replaces the default position allocator.
func WithAllocator(a domain.Allocator) Option {
	return func(s *Service) { s.alloc = a }
}

// WithAutoRenumber controls whether exhausted columns are renumbered in place
// or reported to the caller as a conflict.
func WithAutoRenumber(enabled bool) Option {
	return func(s *Service) { s.autoRenumber = enabled }
}

// WithUsers sets the directory used to resolve assignees on read.
func WithUsers(users UserDirectory) Option {
	return func(s *Service) { s.users = users }
}

// WithNotifier sets the receiver of committed board changes.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator replaces the task id generator.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// NewService creates a Service over the given store.
func NewService(store Store, opts ...Option) *Service {
	if store == nil {
		panic("planning.NewService: store is nil")
	}
	s := &Service{
		store:        store,
		alloc:        domain.NewAllocator(),
		autoRenumber: true,
		now:          time.Now,
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateTask carries the fields of a new task.
type CreateTask struct {
	EventID     string
	Title       string
	Description string
	Priority    string
	DueDate     *time.Time
	Assignee    *string
	CreatedBy   string
}

// Move asks for a task to be placed between two neighbors of a column. An
// empty Status keeps the task in its current column. Empty neighbor ids mean
// the slot is at that end of the column; both empty appends.
type Move struct {
	TaskID   string
	Status   string
	BeforeID string
	AfterID  string
}

// TaskPatch carries the non-positional fields to change. Nil fields are left
// untouched.
type TaskPatch struct {
	Title         *string
	Description   *string
	Priority      *string
	DueDate       *time.Time
	ClearDueDate  bool
	Assignee      *string
	ClearAssignee bool
}

func (p TaskPatch) empty() bool {
	return p.Title == nil && p.Description == nil && p.Priority == nil &&
		p.DueDate == nil && !p.ClearDueDate && p.Assignee == nil && !p.ClearAssignee
}

// Create adds a task at the end of the todo column of its event.
func (s *Service) Create(ctx context.Context, in CreateTask) (domain.Task, error) {
	title, err := domain.NormalizeTitle(in.Title)
	if err != nil {
		return domain.Task{}, err
	}
	priority, err := domain.ParsePriority(in.Priority)
	if err != nil {
		return domain.Task{}, err
	}
	eventID := strings.TrimSpace(in.EventID)
	if eventID == "" {
		return domain.Task{}, &domain.ValidationError{Field: "eventId", Reason: "event id is required"}
	}

	var (
		out        domain.Task
		renumbered bool
		conflict   = &domain.ConflictError{EventID: eventID, Status: domain.StatusTodo}
	)
	err = s.store.Atomic(ctx, func(tx Tx) error {
		ev, err := tx.Event(ctx, eventID)
		if err != nil {
			return err
		}
		if ev == nil {
			return &domain.ValidationError{Field: "eventId", Reason: "event " + eventID + " does not exist"}
		}
		if ev.Archived {
			return &domain.ValidationError{Field: "eventId", Reason: "event " + eventID + " is archived"}
		}

		col, err := tx.Column(ctx, eventID, domain.StatusTodo)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		task := &domain.Task{
			ID:          s.newID(),
			EventID:     eventID,
			Title:       title,
			Description: in.Description,
			Status:      domain.StatusTodo,
			Priority:    priority,
			DueDate:     in.DueDate,
			Assignee:    normalizeAssignee(in.Assignee),
			CreatedBy:   in.CreatedBy,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		conflict.TaskID = task.ID
		task.Position, renumbered, err = s.allocate(ctx, tx, col, len(col), conflict)
		if err != nil {
			return err
		}
		if err := tx.PutTask(ctx, task); err != nil {
			return err
		}
		out = *task
		return nil
	})
	if err != nil {
		return domain.Task{}, describeConflict(err, *conflict)
	}

	if renumbered {
		s.publish(ctx, domain.BoardChange{Type: domain.ColumnRenumbered, EventID: out.EventID, Status: out.Status})
	}
	s.publish(ctx, domain.BoardChange{Type: domain.TaskCreated, EventID: out.EventID, TaskID: out.ID, Status: out.Status, UserID: out.CreatedBy})
	return s.resolveAssignee(ctx, out), nil
}

// Reposition moves a task into a slot of the target column, changing its
// status when the column differs.
func (s *Service) Reposition(ctx context.Context, m Move) (domain.Task, error) {
	var (
		target domain.Status
		err    error
	)
	if m.Status != "" {
		if target, err = domain.ParseStatus(m.Status); err != nil {
			return domain.Task{}, err
		}
	}
	if m.BeforeID != "" && m.BeforeID == m.TaskID || m.AfterID != "" && m.AfterID == m.TaskID {
		return domain.Task{}, &domain.ValidationError{Field: "neighbor", Reason: "a task cannot be its own neighbor"}
	}
	if m.BeforeID != "" && m.BeforeID == m.AfterID {
		return domain.Task{}, &domain.ValidationError{Field: "neighbor", Reason: "before and after must differ"}
	}

	var (
		out        domain.Task
		renumbered bool
		conflict   = &domain.ConflictError{TaskID: m.TaskID, Status: target, BeforeID: m.BeforeID, AfterID: m.AfterID}
	)
	err = s.store.Atomic(ctx, func(tx Tx) error {
		task, err := tx.Task(ctx, m.TaskID)
		if err != nil {
			return err
		}
		if task == nil {
			return &domain.NotFoundError{Kind: "task", ID: m.TaskID}
		}
		dest := target
		if dest == "" {
			dest = task.Status
		}
		if err := domain.ValidateTransition(task.ID, task.Status, dest); err != nil {
			return err
		}

		col, err := s.columnWithout(ctx, tx, task.EventID, dest, task.ID)
		if err != nil {
			return err
		}
		conflict.EventID = task.EventID
		conflict.Status = dest
		slot, err := s.resolveSlot(ctx, tx, col, m.BeforeID, m.AfterID, conflict)
		if err != nil {
			return err
		}
		pos, renum, err := s.allocate(ctx, tx, col, slot, conflict)
		if err != nil {
			return err
		}
		renumbered = renum

		task.Status = dest
		task.Position = pos
		task.UpdatedAt = s.now().UTC()
		if err := tx.PutTask(ctx, task); err != nil {
			return err
		}
		out = *task
		return nil
	})
	if err != nil {
		return domain.Task{}, describeConflict(err, *conflict)
	}

	if renumbered {
		s.publish(ctx, domain.BoardChange{Type: domain.ColumnRenumbered, EventID: out.EventID, Status: out.Status})
	}
	s.publish(ctx, domain.BoardChange{Type: domain.TaskMoved, EventID: out.EventID, TaskID: out.ID, Status: out.Status})
	return s.resolveAssignee(ctx, out), nil
}

// UpdateStatus applies a lifecycle transition and places the task at the end
// of the destination column. Asking for the current status of a non-terminal
// task changes nothing.
func (s *Service) UpdateStatus(ctx context.Context, taskID, status string) (domain.Task, error) {
	target, err := domain.ParseStatus(status)
	if err != nil {
		return domain.Task{}, err
	}

	var (
		out        domain.Task
		changed    bool
		renumbered bool
		conflict   = &domain.ConflictError{TaskID: taskID, Status: target}
	)
	err = s.store.Atomic(ctx, func(tx Tx) error {
		task, err := tx.Task(ctx, taskID)
		if err != nil {
			return err
		}
		if task == nil {
			return &domain.NotFoundError{Kind: "task", ID: taskID}
		}
		if err := domain.ValidateTransition(task.ID, task.Status, target); err != nil {
			return err
		}
		if task.Status == target {
			out = *task
			return nil
		}

		col, err := s.columnWithout(ctx, tx, task.EventID, target, task.ID)
		if err != nil {
			return err
		}
		conflict.EventID = task.EventID
		pos, renum, err := s.allocate(ctx, tx, col, len(col), conflict)
		if err != nil {
			return err
		}
		renumbered = renum
		changed = true

		task.Status = target
		task.Position = pos
		task.UpdatedAt = s.now().UTC()
		if err := tx.PutTask(ctx, task); err != nil {
			return err
		}
		out = *task
		return nil
	})
	if err != nil {
		return domain.Task{}, describeConflict(err, *conflict)
	}

	if renumbered {
		s.publish(ctx, domain.BoardChange{Type: domain.ColumnRenumbered, EventID: out.EventID, Status: out.Status})
	}
	if changed {
		s.publish(ctx, domain.BoardChange{Type: domain.TaskMoved, EventID: out.EventID, TaskID: out.ID, Status: out.Status})
	}
	return s.resolveAssignee(ctx, out), nil
}

// Update changes the non-positional fields of a task.
func (s *Service) Update(ctx context.Context, taskID string, p TaskPatch) (domain.Task, error) {
	if p.empty() {
		return domain.Task{}, &domain.ValidationError{Reason: "provide at least one field to update"}
	}
	var (
		title    string
		priority domain.Priority
		err      error
	)
	if p.Title != nil {
		if title, err = domain.NormalizeTitle(*p.Title); err != nil {
			return domain.Task{}, err
		}
	}
	if p.Priority != nil {
		if strings.TrimSpace(*p.Priority) == "" {
			return domain.Task{}, &domain.ValidationError{Field: "priority", Reason: "priority cannot be empty"}
		}
		if priority, err = domain.ParsePriority(*p.Priority); err != nil {
			return domain.Task{}, err
		}
	}

	var (
		out      domain.Task
		conflict = &domain.ConflictError{TaskID: taskID}
	)
	err = s.store.Atomic(ctx, func(tx Tx) error {
		task, err := tx.Task(ctx, taskID)
		if err != nil {
			return err
		}
		if task == nil {
			return &domain.NotFoundError{Kind: "task", ID: taskID}
		}
		conflict.EventID, conflict.Status = task.EventID, task.Status
		if p.Title != nil {
			task.Title = title
		}
		if p.Description != nil {
			task.Description = *p.Description
		}
		if p.Priority != nil {
			task.Priority = priority
		}
		switch {
		case p.ClearDueDate:
			task.DueDate = nil
		case p.DueDate != nil:
			d := p.DueDate.UTC()
			task.DueDate = &d
		}
		switch {
		case p.ClearAssignee:
			task.Assignee = nil
		case p.Assignee != nil:
			task.Assignee = normalizeAssignee(p.Assignee)
		}
		task.UpdatedAt = s.now().UTC()
		if err := tx.PutTask(ctx, task); err != nil {
			return err
		}
		out = *task
		return nil
	})
	if err != nil {
		return domain.Task{}, describeConflict(err, *conflict)
	}

	s.publish(ctx, domain.BoardChange{Type: domain.TaskUpdated, EventID: out.EventID, TaskID: out.ID, Status: out.Status})
	return s.resolveAssignee(ctx, out), nil
}

// Delete removes a task. Other tasks keep their positions.
func (s *Service) Delete(ctx context.Context, taskID string) (domain.Task, error) {
	var (
		out      domain.Task
		conflict = &domain.ConflictError{TaskID: taskID}
	)
	err := s.store.Atomic(ctx, func(tx Tx) error {
		task, err := tx.Task(ctx, taskID)
		if err != nil {
			return err
		}
		if task == nil {
			return &domain.NotFoundError{Kind: "task", ID: taskID}
		}
		conflict.EventID, conflict.Status = task.EventID, task.Status
		if err := tx.DeleteTask(ctx, taskID); err != nil {
			return err
		}
		out = *task
		return nil
	})
	if err != nil {
		return domain.Task{}, describeConflict(err, *conflict)
	}

	s.publish(ctx, domain.BoardChange{Type: domain.TaskDeleted, EventID: out.EventID, TaskID: out.ID, Status: out.Status})
	return s.resolveAssignee(ctx, out), nil
}

// Get returns a single task.
func (s *Service) Get(ctx context.Context, taskID string) (domain.Task, error) {
	var out domain.Task
	err := s.store.View(ctx, func(tx Tx) error {
		task, err := tx.Task(ctx, taskID)
		if err != nil {
			return err
		}
		if task == nil {
			return &domain.NotFoundError{Kind: "task", ID: taskID}
		}
		out = *task
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	return s.resolveAssignee(ctx, out), nil
}

// ListByEvent returns the tasks of an event in no particular order.
func (s *Service) ListByEvent(ctx context.Context, eventID string) ([]domain.Task, error) {
	var tasks []domain.Task
	err := s.store.View(ctx, func(tx Tx) error {
		ev, err := tx.Event(ctx, eventID)
		if err != nil {
			return err
		}
		stored, err := tx.Tasks(ctx, eventID)
		if err != nil {
			return err
		}
		if ev == nil && len(stored) == 0 {
			return &domain.NotFoundError{Kind: "event", ID: eventID}
		}
		tasks = make([]domain.Task, 0, len(stored))
		for _, t := range stored {
			tasks = append(tasks, *t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.resolveAssignees(ctx, tasks)
	return tasks, nil
}

// Board returns the per-column projection of an event's tasks.
func (s *Service) Board(ctx context.Context, eventID string) (domain.Board, error) {
	tasks, err := s.ListByEvent(ctx, eventID)
	if err != nil {
		return domain.Board{}, err
	}
	return domain.Project(eventID, tasks), nil
}

// RegisterEvent records or refreshes an event mirrored from the event service.
func (s *Service) RegisterEvent(ctx context.Context, ev domain.Event) error {
	ev.ID = strings.TrimSpace(ev.ID)
	if ev.ID == "" {
		return &domain.ValidationError{Field: "id", Reason: "event id is required"}
	}
	return s.store.PutEvent(ctx, ev)
}

// RegisterUser records or refreshes a user mirrored from the user directory.
func (s *Service) RegisterUser(ctx context.Context, u domain.User) error {
	u.ID = strings.TrimSpace(u.ID)
	if u.ID == "" {
		return &domain.ValidationError{Field: "id", Reason: "user id is required"}
	}
	registry, ok := s.users.(UserRegistry)
	if !ok {
		return errors.New("user registry not configured")
	}
	return registry.PutUser(ctx, u)
}

// RemoveEvent deletes an event together with every task it owns.
func (s *Service) RemoveEvent(ctx context.Context, eventID string) (int, error) {
	n, err := s.store.DeleteEvent(ctx, eventID)
	if err != nil {
		return 0, err
	}
	s.publish(ctx, domain.BoardChange{Type: domain.EventRemoved, EventID: eventID})
	return n, nil
}

func (s *Service) columnWithout(ctx context.Context, tx Tx, eventID string, status domain.Status, skipID string) ([]*domain.Task, error) {
	col, err := tx.Column(ctx, eventID, status)
	if err != nil {
		return nil, err
	}
	out := col[:0:0]
	for _, t := range col {
		if t.ID != skipID {
			out = append(out, t)
		}
	}
	return out, nil
}

// resolveSlot returns the index in col at which the moved task lands, after
// checking that the named neighbors still sit next to each other.
func (s *Service) resolveSlot(ctx context.Context, tx Tx, col []*domain.Task, beforeID, afterID string, conflict *domain.ConflictError) (int, error) {
	bi, err := s.neighborIndex(ctx, tx, col, beforeID, conflict)
	if err != nil {
		return 0, err
	}
	ai, err := s.neighborIndex(ctx, tx, col, afterID, conflict)
	if err != nil {
		return 0, err
	}

	notAdjacent := func() error {
		c := *conflict
		c.Reason = domain.ReasonNotAdjacent
		return &c
	}
	switch {
	case beforeID == "" && afterID == "":
		return len(col), nil
	case afterID == "":
		if bi != len(col)-1 {
			return 0, notAdjacent()
		}
		return bi + 1, nil
	case beforeID == "":
		if ai != 0 {
			return 0, notAdjacent()
		}
		return 0, nil
	default:
		if ai != bi+1 {
			return 0, notAdjacent()
		}
		return ai, nil
	}
}

func (s *Service) neighborIndex(ctx context.Context, tx Tx, col []*domain.Task, id string, conflict *domain.ConflictError) (int, error) {
	if id == "" {
		return -1, nil
	}
	for i, t := range col {
		if t.ID == id {
			return i, nil
		}
	}
	other, err := tx.Task(ctx, id)
	if err != nil {
		return 0, err
	}
	c := *conflict
	c.Reason = domain.ReasonWrongColumn
	if other == nil {
		c.Reason = domain.ReasonNeighborGone
	}
	return 0, &c
}

// allocate computes a position for slot in col, renumbering col inside tx
// when the allocator runs out of room.
func (s *Service) allocate(ctx context.Context, tx Tx, col []*domain.Task, slot int, conflict *domain.ConflictError) (float64, bool, error) {
	before, after := neighbors(col, slot)
	pos, err := s.alloc.Between(before, after)
	if err == nil {
		return pos, false, nil
	}
	if !errors.Is(err, domain.ErrRenumberRequired) {
		return 0, false, err
	}
	if !s.autoRenumber {
		c := *conflict
		c.Reason = domain.ReasonRenumberRequired
		c.Err = err
		return 0, false, &c
	}

	if err := s.renumber(ctx, tx, col); err != nil {
		return 0, false, err
	}
	before, after = neighbors(col, slot)
	pos, err = s.alloc.Between(before, after)
	if err != nil {
		return 0, false, fmt.Errorf("allocate after renumber: %w", err)
	}
	return pos, true, nil
}

func (s *Service) renumber(ctx context.Context, tx Tx, col []*domain.Task) error {
	if len(col) > 0 {
		log.WithFields(log.Fields{
			"event":  col[0].EventID,
			"status": col[0].Status,
			"tasks":  len(col),
		}).Info("renumbering column")
	}
	now := s.now().UTC()
	for i, pos := range domain.Renumber(len(col)) {
		col[i].Position = pos
		col[i].UpdatedAt = now
		if err := tx.PutTask(ctx, col[i]); err != nil {
			return fmt.Errorf("renumber task %s: %w", col[i].ID, err)
		}
	}
	return nil
}

func neighbors(col []*domain.Task, slot int) (*float64, *float64) {
	var before, after *float64
	if slot > 0 {
		p := col[slot-1].Position
		before = &p
	}
	if slot < len(col) {
		p := col[slot].Position
		after = &p
	}
	return before, after
}

// resolveAssignees fills in assignee names and surfaces assignees unknown to
// the user directory as nil. Lookup failures keep the stored assignee.
func (s *Service) resolveAssignees(ctx context.Context, tasks []domain.Task) {
	if s.users == nil {
		return
	}
	known := make(map[string]*domain.User)
	for i := range tasks {
		a := tasks[i].Assignee
		if a == nil {
			continue
		}
		u, seen := known[*a]
		if !seen {
			var err error
			u, err = s.users.User(ctx, *a)
			if err != nil {
				log.WithError(err).WithField("user", *a).Warn("assignee lookup failed")
				continue
			}
			known[*a] = u
		}
		if u == nil {
			tasks[i].Assignee = nil
			continue
		}
		tasks[i].AssigneeName = u.Name
	}
}

func (s *Service) resolveAssignee(ctx context.Context, t domain.Task) domain.Task {
	tasks := []domain.Task{t}
	s.resolveAssignees(ctx, tasks)
	return tasks[0]
}

// describeConflict fills in the identifiers of a conflict raised by the store
// itself, which only knows that the write lost a race.
func describeConflict(err error, op domain.ConflictError) error {
	var c *domain.ConflictError
	if !errors.As(err, &c) || c.TaskID != "" {
		return err
	}
	op.Reason = c.Reason
	op.Err = c.Err
	return &op
}

func (s *Service) publish(ctx context.Context, change domain.BoardChange) {
	if s.notifier == nil {
		return
	}
	if change.Timestamp == 0 {
		change.Timestamp = s.now().UnixNano()
	}
	if err := s.notifier.Publish(ctx, change); err != nil {
		log.WithError(err).WithFields(log.Fields{"event": change.EventID, "type": change.Type}).Warn("failed to publish board change")
	}
}

func normalizeAssignee(a *string) *string {
	if a == nil {
		return nil
	}
	v := strings.TrimSpace(*a)
	if v == "" {
		return nil
	}
	return &v
}

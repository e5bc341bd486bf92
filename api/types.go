package api

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"planning-api/domain"
	"planning-api/planning"
)

const maxBodySize = 64 << 10

// TaskService is the planning board as seen by the handlers.
type TaskService interface {
	Create(ctx context.Context, in planning.CreateTask) (domain.Task, error)
	Get(ctx context.Context, taskID string) (domain.Task, error)
	Reposition(ctx context.Context, m planning.Move) (domain.Task, error)
	UpdateStatus(ctx context.Context, taskID, status string) (domain.Task, error)
	Update(ctx context.Context, taskID string, p planning.TaskPatch) (domain.Task, error)
	Delete(ctx context.Context, taskID string) (domain.Task, error)
	ListByEvent(ctx context.Context, eventID string) ([]domain.Task, error)
	Board(ctx context.Context, eventID string) (domain.Board, error)
	RegisterEvent(ctx context.Context, ev domain.Event) error
	RemoveEvent(ctx context.Context, eventID string) (int, error)
	RegisterUser(ctx context.Context, u domain.User) error
}

// Authenticator is implemented by types able to identify the caller from an
// Authorization header.
type Authenticator interface {
	PrincipalFromAuthHeader(string) (Principal, error)
}

// Deduper remembers idempotency keys of create requests.
type Deduper interface {
	// Claim records the key and returns true if it was newly added. For known
	// keys it returns the task id stored by Complete, if any.
	Claim(ctx context.Context, userID, key string) (bool, string, error)
	Complete(ctx context.Context, userID, key, taskID string) error
	// Remove deletes a previously claimed key, used when the create fails.
	Remove(ctx context.Context, userID, key string) error
}

// HealthChecker reports whether the backing store is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type tasksResponse struct {
	EventID string        `json:"eventId"`
	Tasks   []domain.Task `json:"tasks"`
}

type taskBoardResponse struct {
	Task  domain.Task  `json:"task"`
	Board domain.Board `json:"board"`
}

type moveRequest struct {
	Status   string `json:"status"`
	BeforeID string `json:"beforeId"`
	AfterID  string `json:"afterId"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type eventRequest struct {
	Title    string `json:"title"`
	Archived bool   `json:"archived"`
}

type userRequest struct {
	Name string `json:"name"`
}

type removeEventResponse struct {
	EventID      string `json:"eventId"`
	TasksRemoved int    `json:"tasksRemoved"`
}

// decodeStrict decodes a JSON object from r and rejects unknown fields.
func decodeStrict(r io.Reader, v any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(r, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &domain.ValidationError{Reason: "invalid body"}
	}
	return nil
}

var createFields = map[string]bool{"title": true, "description": true, "priority": true, "dueDate": true, "assignee": true}

// decodeCreate reads a create request. It goes through a generic map so that
// explicit nulls are accepted for the optional fields.
func decodeCreate(r io.Reader) (planning.CreateTask, error) {
	raw, err := decodeObject(r, createFields)
	if err != nil {
		return planning.CreateTask{}, err
	}
	var in planning.CreateTask
	if in.Title, _, err = stringField(raw, "title"); err != nil {
		return in, err
	}
	if in.Description, _, err = stringField(raw, "description"); err != nil {
		return in, err
	}
	if in.Priority, _, err = stringField(raw, "priority"); err != nil {
		return in, err
	}
	if in.DueDate, _, err = dueDateField(raw); err != nil {
		return in, err
	}
	if v, ok, err := stringField(raw, "assignee"); err != nil {
		return in, err
	} else if ok && v != "" {
		in.Assignee = &v
	}
	return in, nil
}

// decodePatch reads an update request. Absent fields are left alone and an
// explicit null clears dueDate or assignee.
func decodePatch(r io.Reader) (planning.TaskPatch, error) {
	raw, err := decodeObject(r, createFields)
	if err != nil {
		return planning.TaskPatch{}, err
	}
	var p planning.TaskPatch
	for _, f := range []struct {
		name string
		dst  **string
	}{{"title", &p.Title}, {"description", &p.Description}, {"priority", &p.Priority}} {
		v, ok, err := stringField(raw, f.name)
		if err != nil {
			return p, err
		}
		if ok {
			if raw[f.name] == nil {
				return p, &domain.ValidationError{Field: f.name, Reason: "cannot be null"}
			}
			*f.dst = &v
		}
	}

	due, present, err := dueDateField(raw)
	if err != nil {
		return p, err
	}
	p.DueDate = due
	p.ClearDueDate = present && due == nil

	if v, ok, err := stringField(raw, "assignee"); err != nil {
		return p, err
	} else if ok {
		if raw["assignee"] == nil || strings.TrimSpace(v) == "" {
			p.ClearAssignee = true
		} else {
			p.Assignee = &v
		}
	}
	return p, nil
}

func decodeObject(r io.Reader, allowed map[string]bool) (map[string]any, error) {
	var raw map[string]any
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(r, maxBodySize))
	if err := dec.Decode(&raw); err != nil || raw == nil {
		return nil, &domain.ValidationError{Reason: "invalid body"}
	}
	for k := range raw {
		if !allowed[k] {
			return nil, &domain.ValidationError{Field: k, Reason: "unknown field"}
		}
	}
	return raw, nil
}

// stringField returns the string value of key, whether the key was present,
// and an error when it holds something other than a string or null.
func stringField(raw map[string]any, key string) (string, bool, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return "", ok, nil
	}
	s, isString := v.(string)
	if !isString {
		return "", true, &domain.ValidationError{Field: key, Reason: "must be a string"}
	}
	return s, true, nil
}

func dueDateField(raw map[string]any) (*time.Time, bool, error) {
	s, ok, err := stringField(raw, "dueDate")
	if err != nil || !ok || s == "" {
		return nil, ok, err
	}
	t, err := parseDueDate(s)
	if err != nil {
		return nil, true, err
	}
	return &t, true, nil
}

var dueDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// parseDueDate accepts RFC 3339 timestamps (with a Z or numeric offset),
// local timestamps without an offset, which are taken as UTC, and plain dates.
func parseDueDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dueDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, &domain.ValidationError{Field: "dueDate", Reason: fmt.Sprintf("invalid date %q", s)}
}

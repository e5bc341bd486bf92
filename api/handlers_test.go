package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"planning-api/domain"
	"planning-api/planning"
	"planning-api/storage"
)

// roleAuth treats the bearer value as the caller's role.
type roleAuth struct{}

func (roleAuth) PrincipalFromAuthHeader(h string) (Principal, error) {
	role, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || role == "" {
		return Principal{}, errMissingAuthorization
	}
	return Principal{UserID: "user-" + role, Role: role}, nil
}

type testServer struct {
	e     *echo.Echo
	svc   *planning.Service
	store *storage.MemStore
}

func newTestServer(t *testing.T, deduper Deduper) *testServer {
	t.Helper()
	store, err := storage.NewMemStore()
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.PutEvent(context.Background(), domain.Event{ID: "ev1", Title: "Fair"}); err != nil {
		t.Fatalf("put event: %v", err)
	}
	svc := planning.NewService(store, planning.WithUsers(store))

	e := echo.New()
	e.JSONSerializer = SonicSerializer{}
	logger, _ := test.NewNullLogger()
	Register(e, svc, store, roleAuth{}, deduper, logger)
	return &testServer{e: e, svc: svc, store: store}
}

func (s *testServer) do(t *testing.T, method, target, role, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if role != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+role)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := sonic.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("invalid json %q: %v", rec.Body.String(), err)
	}
	return v
}

func (s *testServer) create(t *testing.T, title string) domain.Task {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/events/ev1/tasks", RoleOrganizer, `{"title":"`+title+`"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create %s: status %d body %s", title, rec.Code, rec.Body.String())
	}
	return decodeBody[taskBoardResponse](t, rec).Task
}

func TestCreateTaskReturnsTaskAndBoard(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodPost, "/api/events/ev1/tasks", RoleOrganizer,
		`{"title":"Book venue","priority":"high","dueDate":"2026-05-01T10:00:00Z","assignee":null}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[taskBoardResponse](t, rec)
	if resp.Task.Title != "Book venue" || resp.Task.Priority != domain.PriorityHigh {
		t.Fatalf("unexpected task: %+v", resp.Task)
	}
	if resp.Task.CreatedBy != "user-organizer" {
		t.Fatalf("expected createdBy from caller, got %q", resp.Task.CreatedBy)
	}
	if resp.Task.DueDate == nil || !resp.Task.DueDate.Equal(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected due date: %v", resp.Task.DueDate)
	}
	if len(resp.Board.Columns) != len(domain.Statuses) || resp.Board.Total != 1 {
		t.Fatalf("unexpected board: %+v", resp.Board)
	}
}

func TestCreateTaskRequiresOrganizer(t *testing.T) {
	s := newTestServer(t, nil)
	if rec := s.do(t, http.MethodPost, "/api/events/ev1/tasks", RoleMember, `{"title":"x"}`); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, "/api/events/ev1/tasks", "", `{"title":"x"}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	s := newTestServer(t, nil)
	cases := map[string]string{
		"empty title":   `{"title":"  "}`,
		"bad priority":  `{"title":"x","priority":"urgent"}`,
		"bad due date":  `{"title":"x","dueDate":"tomorrow"}`,
		"unknown field": `{"title":"x","colour":"red"}`,
		"wrong type":    `{"title":5}`,
		"not json":      `title=x`,
		"unknown event": ``,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			target := "/api/events/ev1/tasks"
			if body == "" {
				target = "/api/events/nope/tasks"
				body = `{"title":"x"}`
			}
			rec := s.do(t, http.MethodPost, target, RoleAdmin, body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400 got %d: %s", rec.Code, rec.Body.String())
			}
			if resp := decodeBody[errorResponse](t, rec); resp.Error != string(domain.KindValidation) {
				t.Fatalf("unexpected error kind: %+v", resp)
			}
		})
	}
}

func TestMoveTaskBetweenNeighbors(t *testing.T) {
	s := newTestServer(t, nil)
	a := s.create(t, "A")
	b := s.create(t, "B")
	c := s.create(t, "C")

	rec := s.do(t, http.MethodPost, "/api/tasks/"+c.ID+"/move", RoleMember,
		`{"status":"todo","beforeId":"`+a.ID+`","afterId":"`+b.ID+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[taskBoardResponse](t, rec)
	if resp.Task.Position != 1.5 {
		t.Fatalf("expected position 1.5, got %v", resp.Task.Position)
	}
	todo := resp.Board.Column(domain.StatusTodo)
	if len(todo) != 3 || todo[0].ID != a.ID || todo[1].ID != c.ID || todo[2].ID != b.ID {
		t.Fatalf("unexpected todo column: %+v", todo)
	}
}

func TestMoveTaskStaleNeighborsConflict(t *testing.T) {
	s := newTestServer(t, nil)
	a := s.create(t, "A")
	b := s.create(t, "B")
	c := s.create(t, "C")

	if rec := s.do(t, http.MethodPost, "/api/tasks/"+a.ID+"/status", RoleMember, `{"status":"in_progress"}`); rec.Code != http.StatusOK {
		t.Fatalf("status change: %d %s", rec.Code, rec.Body.String())
	}
	rec := s.do(t, http.MethodPost, "/api/tasks/"+c.ID+"/move", RoleMember,
		`{"status":"todo","beforeId":"`+a.ID+`","afterId":"`+b.ID+`"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[errorResponse](t, rec)
	if resp.Error != string(domain.KindConflict) || resp.TaskID != c.ID || resp.BeforeID != a.ID || resp.AfterID != b.ID {
		t.Fatalf("unexpected conflict body: %+v", resp)
	}
}

func TestStatusTransitions(t *testing.T) {
	s := newTestServer(t, nil)
	a := s.create(t, "A")

	rec := s.do(t, http.MethodPost, "/api/tasks/"+a.ID+"/status", RoleMember, `{"status":"archived"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("archive: %d %s", rec.Code, rec.Body.String())
	}
	rec = s.do(t, http.MethodPost, "/api/tasks/"+a.ID+"/status", RoleMember, `{"status":"todo"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[errorResponse](t, rec)
	if resp.From != domain.StatusArchived || resp.To != domain.StatusTodo {
		t.Fatalf("unexpected transition body: %+v", resp)
	}

	rec = s.do(t, http.MethodPost, "/api/tasks/missing/status", RoleMember, `{"status":"todo"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
}

func TestUpdateTaskPatch(t *testing.T) {
	s := newTestServer(t, nil)
	a := s.create(t, "A")

	rec := s.do(t, http.MethodPatch, "/api/tasks/"+a.ID, RoleMember, `{"description":"call them","dueDate":"2026-05-01"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch: %d %s", rec.Code, rec.Body.String())
	}
	task := decodeBody[domain.Task](t, rec)
	if task.Description != "call them" || task.DueDate == nil || task.Title != "A" {
		t.Fatalf("unexpected task: %+v", task)
	}

	rec = s.do(t, http.MethodPatch, "/api/tasks/"+a.ID, RoleMember, `{"dueDate":null}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("clear: %d %s", rec.Code, rec.Body.String())
	}
	if task := decodeBody[domain.Task](t, rec); task.DueDate != nil {
		t.Fatalf("expected due date cleared, got %v", task.DueDate)
	}

	if rec := s.do(t, http.MethodPatch, "/api/tasks/"+a.ID, RoleMember, `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty patch, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPatch, "/api/tasks/"+a.ID, RoleMember, `{"title":null}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for null title, got %d", rec.Code)
	}
}

func TestDeleteTask(t *testing.T) {
	s := newTestServer(t, nil)
	s.create(t, "A")
	b := s.create(t, "B")

	if rec := s.do(t, http.MethodDelete, "/api/tasks/"+b.ID, RoleMember, ""); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rec.Code)
	}
	rec := s.do(t, http.MethodDelete, "/api/tasks/"+b.ID, RoleOrganizer, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: %d %s", rec.Code, rec.Body.String())
	}
	if resp := decodeBody[taskBoardResponse](t, rec); resp.Board.Total != 1 {
		t.Fatalf("expected one task left, got %d", resp.Board.Total)
	}
	if rec := s.do(t, http.MethodGet, "/api/tasks/"+b.ID, RoleMember, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
}

func TestBoardAndList(t *testing.T) {
	s := newTestServer(t, nil)
	s.create(t, "A")
	s.create(t, "B")

	rec := s.do(t, http.MethodGet, "/api/events/ev1/board", RoleMember, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("board: %d", rec.Code)
	}
	board := decodeBody[domain.Board](t, rec)
	if board.Total != 2 || len(board.Column(domain.StatusTodo)) != 2 {
		t.Fatalf("unexpected board: %+v", board)
	}
	if !strings.Contains(rec.Body.String(), `"status":"archived","tasks":[]`) {
		t.Fatalf("expected empty archived column, got %s", rec.Body.String())
	}

	rec = s.do(t, http.MethodGet, "/api/events/ev1/tasks", RoleMember, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	if resp := decodeBody[tasksResponse](t, rec); len(resp.Tasks) != 2 {
		t.Fatalf("unexpected tasks: %+v", resp.Tasks)
	}

	if rec := s.do(t, http.MethodGet, "/api/events/unknown/board", RoleMember, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
}

func TestEventAndUserSync(t *testing.T) {
	s := newTestServer(t, nil)
	if rec := s.do(t, http.MethodPut, "/api/events/ev2", RoleOrganizer, `{"title":"Gala"}`); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPut, "/api/events/ev2", RoleAdmin, `{"title":"Gala"}`); rec.Code != http.StatusOK {
		t.Fatalf("put event: %d %s", rec.Code, rec.Body.String())
	}
	rec := s.do(t, http.MethodPost, "/api/events/ev2/tasks", RoleAdmin, `{"title":"Hire band","assignee":"u9"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[taskBoardResponse](t, rec).Task

	// u9 is unknown to the directory, so reads hide the assignee.
	rec = s.do(t, http.MethodGet, "/api/tasks/"+created.ID, RoleMember, "")
	if task := decodeBody[domain.Task](t, rec); task.Assignee != nil {
		t.Fatalf("expected dangling assignee hidden, got %v", *task.Assignee)
	}
	if rec := s.do(t, http.MethodPut, "/api/users/u9", RoleAdmin, `{"name":"Robin"}`); rec.Code != http.StatusOK {
		t.Fatalf("put user: %d %s", rec.Code, rec.Body.String())
	}
	rec = s.do(t, http.MethodGet, "/api/tasks/"+created.ID, RoleMember, "")
	if task := decodeBody[domain.Task](t, rec); task.Assignee == nil || *task.Assignee != "u9" {
		t.Fatalf("expected assignee u9, got %v", task.Assignee)
	}

	rec = s.do(t, http.MethodDelete, "/api/events/ev2", RoleAdmin, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete event: %d %s", rec.Code, rec.Body.String())
	}
	if resp := decodeBody[removeEventResponse](t, rec); resp.TasksRemoved != 1 {
		t.Fatalf("expected 1 task removed, got %d", resp.TasksRemoved)
	}
}

func TestCreateTaskIdempotencyKey(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := newTestServer(t, storage.NewRedisDeduper(client, time.Minute))
	first := s.do(t, http.MethodPost, "/api/events/ev1/tasks", RoleOrganizer, `{"title":"A"}`, headerIdempotencyKey, "k1")
	if first.Code != http.StatusCreated {
		t.Fatalf("first: %d %s", first.Code, first.Body.String())
	}
	second := s.do(t, http.MethodPost, "/api/events/ev1/tasks", RoleOrganizer, `{"title":"A"}`, headerIdempotencyKey, "k1")
	if second.Code != http.StatusOK {
		t.Fatalf("replay: %d %s", second.Code, second.Body.String())
	}
	a := decodeBody[taskBoardResponse](t, first)
	b := decodeBody[taskBoardResponse](t, second)
	if a.Task.ID != b.Task.ID || b.Board.Total != 1 {
		t.Fatalf("expected replay of %s, got %s with %d tasks", a.Task.ID, b.Task.ID, b.Board.Total)
	}

	failed := s.do(t, http.MethodPost, "/api/events/ev1/tasks", RoleOrganizer, `{"title":" "}`, headerIdempotencyKey, "k2")
	if failed.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", failed.Code)
	}
	retry := s.do(t, http.MethodPost, "/api/events/ev1/tasks", RoleOrganizer, `{"title":"B"}`, headerIdempotencyKey, "k2")
	if retry.Code != http.StatusCreated {
		t.Fatalf("expected key to be released after failure, got %d", retry.Code)
	}
}

type failingHealth struct{}

func (failingHealth) Ping(context.Context) error { return errors.New("down") }

func TestHealthz(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := healthz(failingHealth{})(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	if err := healthz(nil)(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
}

func TestGetTaskViaContext(t *testing.T) {
	s := newTestServer(t, nil)
	a := s.create(t, "A")

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/"+a.ID, nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer member")
	rec := httptest.NewRecorder()
	c := s.e.NewContext(req, rec)
	c.SetParamNames("taskId")
	c.SetParamValues(a.ID)

	if err := getTask(s.svc, roleAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if task := decodeBody[domain.Task](t, rec); task.ID != a.ID {
		t.Fatalf("unexpected task: %+v", task)
	}
}

func TestMutationResponsesResolveAssignee(t *testing.T) {
	s := newTestServer(t, nil)
	if err := s.store.PutUser(context.Background(), domain.User{ID: "kim", Name: "Kim"}); err != nil {
		t.Fatalf("put user: %v", err)
	}

	rec := s.do(t, http.MethodPost, "/api/events/ev1/tasks", RoleOrganizer, `{"title":"Flyers","assignee":"gone"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), `"gone"`) {
		t.Fatalf("dangling assignee leaked into response: %s", rec.Body.String())
	}
	created := decodeBody[taskBoardResponse](t, rec)
	if created.Task.Assignee != nil || created.Board.Column(domain.StatusTodo)[0].Assignee != nil {
		t.Fatalf("task and board disagree on assignee: %+v", created)
	}

	rec = s.do(t, http.MethodPatch, "/api/tasks/"+created.Task.ID, RoleMember, `{"assignee":"kim"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if updated := decodeBody[domain.Task](t, rec); updated.AssigneeName != "Kim" {
		t.Fatalf("assignee name not resolved: %+v", updated)
	}
	rec = s.do(t, http.MethodGet, "/api/events/ev1/board", RoleMember, "")
	if board := decodeBody[domain.Board](t, rec); board.Column(domain.StatusTodo)[0].AssigneeName != "Kim" {
		t.Fatalf("board lacks assignee name: %s", rec.Body.String())
	}
}

package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"planning-api/domain"
	"planning-api/planning"
)

const headerIdempotencyKey = "Idempotency-Key"

// Register wires up all API routes on the provided Echo instance. The
// deduper may be nil, in which case Idempotency-Key headers are ignored.
func Register(e *echo.Echo, svc TaskService, health HealthChecker, auth Authenticator, deduper Deduper, logger *log.Logger) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	e.GET("/healthz", healthz(health))

	e.GET("/api/events/:eventId/tasks", listTasks(svc, auth, logger))
	e.GET("/api/events/:eventId/board", getBoard(svc, auth, logger))
	e.POST("/api/events/:eventId/tasks", createTask(svc, auth, deduper, logger))
	e.PUT("/api/events/:eventId", putEvent(svc, auth, logger))
	e.DELETE("/api/events/:eventId", deleteEvent(svc, auth, logger))

	e.GET("/api/tasks/:taskId", getTask(svc, auth, logger))
	e.PATCH("/api/tasks/:taskId", updateTask(svc, auth, logger))
	e.POST("/api/tasks/:taskId/move", moveTask(svc, auth, logger))
	e.POST("/api/tasks/:taskId/status", updateStatus(svc, auth, logger))
	e.DELETE("/api/tasks/:taskId", deleteTask(svc, auth, logger))

	e.PUT("/api/users/:userId", putUser(svc, auth, logger))
}

func healthz(health HealthChecker) echo.HandlerFunc {
	return func(c echo.Context) error {
		if health == nil {
			return c.NoContent(http.StatusOK)
		}
		if err := health.Ping(c.Request().Context()); err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusServiceUnavailable, "storage unavailable")
		}
		return c.NoContent(http.StatusOK)
	}
}

// begin starts the metrics of a request and attaches the span to it.
func begin(c echo.Context, logger *log.Logger, route string) (*requestMetrics, context.Context) {
	metrics, spanCtx := newRequestMetrics(c.Request().Context(), logger, route)
	c.SetRequest(c.Request().WithContext(spanCtx))
	return metrics, spanCtx
}

func authenticate(c echo.Context, auth Authenticator, metrics *requestMetrics) (Principal, bool) {
	start := time.Now()
	p, err := auth.PrincipalFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	metrics.ObserveAuth(time.Since(start))
	if err != nil {
		_ = respondStatus(c, metrics, "auth", http.StatusUnauthorized, err.Error())
		return Principal{}, false
	}
	return p, true
}

func forbid(c echo.Context, metrics *requestMetrics, p Principal) error {
	log.WithFields(log.Fields{"user": p.UserID, "role": p.Role, "route": metrics.route}).Debug("role not permitted")
	return respondStatus(c, metrics, "forbidden", http.StatusForbidden, "role "+p.Role+" may not perform this action")
}

func listTasks(svc TaskService, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := begin(c, logger, "/api/events/:eventId/tasks")
		defer func() { metrics.Log(c.Response().Status, err) }()

		if _, ok := authenticate(c, auth, metrics); !ok {
			return nil
		}
		eventID := c.Param("eventId")
		start := time.Now()
		tasks, svcErr := svc.ListByEvent(ctx, eventID)
		metrics.ObserveStore(time.Since(start))
		if svcErr != nil {
			return respondError(c, metrics, "store", svcErr)
		}
		metrics.SetTasksReturned(len(tasks))
		return c.JSON(http.StatusOK, tasksResponse{EventID: eventID, Tasks: tasks})
	}
}

func getBoard(svc TaskService, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := begin(c, logger, "/api/events/:eventId/board")
		defer func() { metrics.Log(c.Response().Status, err) }()

		if _, ok := authenticate(c, auth, metrics); !ok {
			return nil
		}
		start := time.Now()
		board, svcErr := svc.Board(ctx, c.Param("eventId"))
		metrics.ObserveStore(time.Since(start))
		if svcErr != nil {
			return respondError(c, metrics, "store", svcErr)
		}
		metrics.SetTasksReturned(board.Total)
		return c.JSON(http.StatusOK, board)
	}
}

func getTask(svc TaskService, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := begin(c, logger, "/api/tasks/:taskId")
		defer func() { metrics.Log(c.Response().Status, err) }()

		if _, ok := authenticate(c, auth, metrics); !ok {
			return nil
		}
		start := time.Now()
		task, svcErr := svc.Get(ctx, c.Param("taskId"))
		metrics.ObserveStore(time.Since(start))
		if svcErr != nil {
			return respondError(c, metrics, "store", svcErr)
		}
		return c.JSON(http.StatusOK, task)
	}
}

func createTask(svc TaskService, auth Authenticator, deduper Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := begin(c, logger, "/api/events/:eventId/tasks")
		defer func() { metrics.Log(c.Response().Status, err) }()

		p, ok := authenticate(c, auth, metrics)
		if !ok {
			return nil
		}
		if !p.CanManageTasks() {
			return forbid(c, metrics, p)
		}
		in, decErr := decodeCreate(c.Request().Body)
		if decErr != nil {
			return respondError(c, metrics, "decode", decErr)
		}
		in.EventID = c.Param("eventId")
		in.CreatedBy = p.UserID

		key := strings.TrimSpace(c.Request().Header.Get(headerIdempotencyKey))
		claimed := false
		if key != "" && deduper != nil {
			added, taskID, dedupeErr := deduper.Claim(ctx, p.UserID, key)
			switch {
			case dedupeErr != nil:
				logger.WithError(dedupeErr).Warn("idempotency check failed; creating without it")
			case !added && taskID == "":
				return respondError(c, metrics, "idempotency", &domain.ConflictError{
					EventID: in.EventID,
					Reason:  "duplicate_in_flight",
				})
			case !added:
				return replayCreate(ctx, c, svc, metrics, taskID)
			default:
				claimed = true
			}
		}

		start := time.Now()
		task, svcErr := svc.Create(ctx, in)
		if svcErr != nil {
			metrics.ObserveStore(time.Since(start))
			if claimed {
				if rmErr := deduper.Remove(ctx, p.UserID, key); rmErr != nil {
					logger.WithError(rmErr).Warn("failed to release idempotency key")
				}
			}
			return respondError(c, metrics, "store", svcErr)
		}
		if claimed {
			if cErr := deduper.Complete(ctx, p.UserID, key, task.ID); cErr != nil {
				logger.WithError(cErr).Warn("failed to record idempotency key")
			}
		}
		board, svcErr := svc.Board(ctx, task.EventID)
		metrics.ObserveStore(time.Since(start))
		if svcErr != nil {
			return respondError(c, metrics, "board", svcErr)
		}
		metrics.SetTasksReturned(board.Total)
		return c.JSON(http.StatusCreated, taskBoardResponse{Task: task, Board: board})
	}
}

func replayCreate(ctx context.Context, c echo.Context, svc TaskService, metrics *requestMetrics, taskID string) error {
	start := time.Now()
	task, err := svc.Get(ctx, taskID)
	if err != nil {
		metrics.ObserveStore(time.Since(start))
		return respondError(c, metrics, "replay", err)
	}
	board, err := svc.Board(ctx, task.EventID)
	metrics.ObserveStore(time.Since(start))
	if err != nil {
		return respondError(c, metrics, "replay", err)
	}
	metrics.SetTasksReturned(board.Total)
	return c.JSON(http.StatusOK, taskBoardResponse{Task: task, Board: board})
}

func updateTask(svc TaskService, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := begin(c, logger, "/api/tasks/:taskId")
		defer func() { metrics.Log(c.Response().Status, err) }()

		if _, ok := authenticate(c, auth, metrics); !ok {
			return nil
		}
		patch, decErr := decodePatch(c.Request().Body)
		if decErr != nil {
			return respondError(c, metrics, "decode", decErr)
		}
		start := time.Now()
		task, svcErr := svc.Update(ctx, c.Param("taskId"), patch)
		metrics.ObserveStore(time.Since(start))
		if svcErr != nil {
			return respondError(c, metrics, "store", svcErr)
		}
		return c.JSON(http.StatusOK, task)
	}
}

// mutateColumn runs a column-changing operation and responds with the task
// and the recomputed board.
func mutateColumn(ctx context.Context, c echo.Context, svc TaskService, metrics *requestMetrics, op func() (domain.Task, error)) error {
	start := time.Now()
	task, err := op()
	if err != nil {
		metrics.ObserveStore(time.Since(start))
		return respondError(c, metrics, "store", err)
	}
	board, err := svc.Board(ctx, task.EventID)
	metrics.ObserveStore(time.Since(start))
	if err != nil {
		return respondError(c, metrics, "board", err)
	}
	metrics.SetTasksReturned(board.Total)
	return c.JSON(http.StatusOK, taskBoardResponse{Task: task, Board: board})
}

func moveTask(svc TaskService, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := begin(c, logger, "/api/tasks/:taskId/move")
		defer func() { metrics.Log(c.Response().Status, err) }()

		if _, ok := authenticate(c, auth, metrics); !ok {
			return nil
		}
		var req moveRequest
		if decErr := decodeStrict(c.Request().Body, &req); decErr != nil {
			return respondError(c, metrics, "decode", decErr)
		}
		move := planning.Move{
			TaskID:   c.Param("taskId"),
			Status:   req.Status,
			BeforeID: strings.TrimSpace(req.BeforeID),
			AfterID:  strings.TrimSpace(req.AfterID),
		}
		return mutateColumn(ctx, c, svc, metrics, func() (domain.Task, error) {
			return svc.Reposition(ctx, move)
		})
	}
}

func updateStatus(svc TaskService, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := begin(c, logger, "/api/tasks/:taskId/status")
		defer func() { metrics.Log(c.Response().Status, err) }()

		if _, ok := authenticate(c, auth, metrics); !ok {
			return nil
		}
		var req statusRequest
		if decErr := decodeStrict(c.Request().Body, &req); decErr != nil {
			return respondError(c, metrics, "decode", decErr)
		}
		taskID := c.Param("taskId")
		return mutateColumn(ctx, c, svc, metrics, func() (domain.Task, error) {
			return svc.UpdateStatus(ctx, taskID, req.Status)
		})
	}
}

func deleteTask(svc TaskService, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := begin(c, logger, "/api/tasks/:taskId")
		defer func() { metrics.Log(c.Response().Status, err) }()

		p, ok := authenticate(c, auth, metrics)
		if !ok {
			return nil
		}
		if !p.CanManageTasks() {
			return forbid(c, metrics, p)
		}
		taskID := c.Param("taskId")
		return mutateColumn(ctx, c, svc, metrics, func() (domain.Task, error) {
			return svc.Delete(ctx, taskID)
		})
	}
}

func putEvent(svc TaskService, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := begin(c, logger, "/api/events/:eventId")
		defer func() { metrics.Log(c.Response().Status, err) }()

		p, ok := authenticate(c, auth, metrics)
		if !ok {
			return nil
		}
		if !p.IsAdmin() {
			return forbid(c, metrics, p)
		}
		var req eventRequest
		if decErr := decodeStrict(c.Request().Body, &req); decErr != nil {
			return respondError(c, metrics, "decode", decErr)
		}
		ev := domain.Event{ID: c.Param("eventId"), Title: req.Title, Archived: req.Archived}
		start := time.Now()
		svcErr := svc.RegisterEvent(ctx, ev)
		metrics.ObserveStore(time.Since(start))
		if svcErr != nil {
			return respondError(c, metrics, "store", svcErr)
		}
		return c.JSON(http.StatusOK, ev)
	}
}

func deleteEvent(svc TaskService, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := begin(c, logger, "/api/events/:eventId")
		defer func() { metrics.Log(c.Response().Status, err) }()

		p, ok := authenticate(c, auth, metrics)
		if !ok {
			return nil
		}
		if !p.IsAdmin() {
			return forbid(c, metrics, p)
		}
		eventID := c.Param("eventId")
		start := time.Now()
		n, svcErr := svc.RemoveEvent(ctx, eventID)
		metrics.ObserveStore(time.Since(start))
		if svcErr != nil {
			return respondError(c, metrics, "store", svcErr)
		}
		logger.WithFields(log.Fields{"event": eventID, "tasks": n, "user": p.UserID}).Info("event removed")
		return c.JSON(http.StatusOK, removeEventResponse{EventID: eventID, TasksRemoved: n})
	}
}

func putUser(svc TaskService, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := begin(c, logger, "/api/users/:userId")
		defer func() { metrics.Log(c.Response().Status, err) }()

		p, ok := authenticate(c, auth, metrics)
		if !ok {
			return nil
		}
		if !p.IsAdmin() {
			return forbid(c, metrics, p)
		}
		var req userRequest
		if decErr := decodeStrict(c.Request().Body, &req); decErr != nil {
			return respondError(c, metrics, "decode", decErr)
		}
		u := domain.User{ID: c.Param("userId"), Name: req.Name}
		start := time.Now()
		svcErr := svc.RegisterUser(ctx, u)
		metrics.ObserveStore(time.Since(start))
		if svcErr != nil {
			return respondError(c, metrics, "store", svcErr)
		}
		return c.JSON(http.StatusOK, u)
	}
}

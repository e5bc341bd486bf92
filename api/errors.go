package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"planning-api/domain"
)

type errorResponse struct {
	Error    string        `json:"error"`
	Message  string        `json:"message"`
	Field    string        `json:"field,omitempty"`
	TaskID   string        `json:"taskId,omitempty"`
	EventID  string        `json:"eventId,omitempty"`
	Status   domain.Status `json:"status,omitempty"`
	From     domain.Status `json:"from,omitempty"`
	To       domain.Status `json:"to,omitempty"`
	BeforeID string        `json:"beforeId,omitempty"`
	AfterID  string        `json:"afterId,omitempty"`
	Reason   string        `json:"reason,omitempty"`
}

func statusForKind(kind domain.Kind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict, domain.KindRenumberRequired:
		return http.StatusConflict
	case domain.KindInvalidTransition:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) errorResponse {
	kind := domain.KindOf(err)
	body := errorResponse{Error: string(kind), Message: err.Error()}

	var (
		validationErr *domain.ValidationError
		notFoundErr   *domain.NotFoundError
		transitionErr *domain.InvalidTransitionError
		conflictErr   *domain.ConflictError
	)
	switch {
	case errors.As(err, &validationErr):
		body.Field = validationErr.Field
	case errors.As(err, &notFoundErr):
		if notFoundErr.Kind == "event" {
			body.EventID = notFoundErr.ID
		} else {
			body.TaskID = notFoundErr.ID
		}
	case errors.As(err, &transitionErr):
		body.TaskID = transitionErr.TaskID
		body.From = transitionErr.From
		body.To = transitionErr.To
	case errors.As(err, &conflictErr):
		body.TaskID = conflictErr.TaskID
		body.EventID = conflictErr.EventID
		body.Status = conflictErr.Status
		body.BeforeID = conflictErr.BeforeID
		body.AfterID = conflictErr.AfterID
		body.Reason = conflictErr.Reason
	}
	if kind == domain.KindInternal {
		body.Message = "internal error"
	}
	return body
}

// respondError writes the JSON error for err and records it on m.
func respondError(c echo.Context, m *requestMetrics, stage string, err error) error {
	m.Fail(stage, err)
	status := statusForKind(domain.KindOf(err))
	if status == http.StatusInternalServerError {
		c.Logger().Error(err)
	}
	return c.JSON(status, errorBody(err))
}

func respondStatus(c echo.Context, m *requestMetrics, stage string, status int, msg string) error {
	m.Fail(stage, nil)
	return c.JSON(status, errorResponse{Error: stage, Message: msg})
}

package httpapi

import (
	"errors"
	"net/http"

	"call-coordinator/internal/calls"
	"call-coordinator/internal/reporting"
	"call-coordinator/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Error codes returned in the "code" field. Clients map them back to sentinel errors.
const (
	CodeAlreadyInCall     = "already_in_call"
	CodeInvalidTransition = "invalid_transition"
	CodeNotFound          = "not_found"
	CodeNotParticipant    = "not_participant"
	CodeInvalidArgument   = "invalid_argument"
	CodeUnauthorized      = "unauthorized"
	CodeInternal          = "internal"
)

// Envelope is the response body shape for every endpoint.
type Envelope struct {
	Error   bool   `json:"error"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func ok(c *gin.Context, status int, data any) {
	c.JSON(status, Envelope{Data: data})
}

func fail(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, Envelope{Error: true, Code: code, Message: message})
}

// failErr maps domain errors onto status codes. Unknown errors are logged and hidden.
func failErr(c *gin.Context, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		logger.FromGin(c).Error("request failed", "err", err)
		_ = c.Error(err)
		fail(c, status, code, "internal error")
		return
	}
	fail(c, status, code, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, calls.ErrAlreadyInCall):
		return http.StatusConflict, CodeAlreadyInCall
	case errors.Is(err, calls.ErrInvalidTransition):
		return http.StatusConflict, CodeInvalidTransition
	case errors.Is(err, calls.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, calls.ErrNotParticipant):
		return http.StatusForbidden, CodeNotParticipant
	case errors.Is(err, calls.ErrInvalidArgument), errors.Is(err, reporting.ErrInvalidRequest):
		return http.StatusBadRequest, CodeInvalidArgument
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"

	"call-coordinator/internal/calls"

	"github.com/gin-gonic/gin"
)

type initiateRequest struct {
	CallID     string         `json:"call_id"`
	CalleeID   string         `json:"callee_id"`
	CallType   calls.CallType `json:"call_type"`
	CallerName string         `json:"caller_name"`
}

// InitiateCall starts a call from the authenticated user. Sending the same
// call_id again returns the existing session with 200.
func (h Handlers) InitiateCall(c *gin.Context) {
	uid, _, okID := identity(c)
	if !okID {
		return
	}
	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, CodeInvalidArgument, "invalid json")
		return
	}
	res, err := h.Calls.Initiate(c.Request.Context(), calls.InitiateRequest{
		CallID:     req.CallID,
		CallerID:   uid,
		CalleeID:   req.CalleeID,
		CallType:   req.CallType,
		CallerName: req.CallerName,
	})
	if err != nil {
		failErr(c, err)
		return
	}
	status := http.StatusOK
	if res.Applied {
		status = http.StatusCreated
	}
	ok(c, status, res)
}

func (h Handlers) AcceptCall(c *gin.Context) {
	h.transition(c, h.Calls.Accept)
}

func (h Handlers) DeclineCall(c *gin.Context) {
	h.transition(c, h.Calls.Decline)
}

func (h Handlers) CancelCall(c *gin.Context) {
	h.transition(c, h.Calls.Cancel)
}

func (h Handlers) JoinCall(c *gin.Context) {
	h.transition(c, h.Calls.ConfirmJoin)
}

type endRequest struct {
	Reason calls.EndReason `json:"reason"`
}

func (h Handlers) EndCall(c *gin.Context) {
	var req endRequest
	// An empty body means a normal hangup.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		fail(c, http.StatusBadRequest, CodeInvalidArgument, "invalid json")
		return
	}
	h.transition(c, func(ctx context.Context, callID, actorID string) (calls.Result, error) {
		return h.Calls.End(ctx, callID, actorID, req.Reason)
	})
}

func (h Handlers) transition(c *gin.Context, op func(ctx context.Context, callID, actorID string) (calls.Result, error)) {
	uid, _, okID := identity(c)
	if !okID {
		return
	}
	res, err := op(c.Request.Context(), c.Param("call_id"), uid)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

func (h Handlers) GetCall(c *gin.Context) {
	uid, _, okID := identity(c)
	if !okID {
		return
	}
	s, err := h.Calls.Get(c.Request.Context(), c.Param("call_id"), uid)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, s)
}

// CurrentCall returns the caller's live session, or 404.
func (h Handlers) CurrentCall(c *gin.Context) {
	uid, _, okID := identity(c)
	if !okID {
		return
	}
	s, err := h.Calls.Current(c.Request.Context(), uid)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, s)
}

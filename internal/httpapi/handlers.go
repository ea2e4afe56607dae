package httpapi

import (
	"net/http"
	"time"

	"call-coordinator/internal/audit"
	"call-coordinator/internal/auth"
	"call-coordinator/internal/calls"
	"call-coordinator/internal/rbac"
	"call-coordinator/internal/realtime"
	"call-coordinator/internal/reporting"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth      *auth.Manager
	Calls     *calls.Coordinator
	Reporting *reporting.Service
	Realtime  *realtime.Handler
	Audit     *audit.Service

	// DevTokens enables POST /auth/dev-token. Never set in production.
	DevTokens bool
	// Now is injectable for tests.
	Now func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// identity reads the authenticated user set by auth.RequireAccessToken.
func identity(c *gin.Context) (userID, role string, okID bool) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		fail(c, http.StatusUnauthorized, CodeUnauthorized, "user_id required")
		return "", "", false
	}
	role, _ = auth.Role(c.Request.Context())
	return userID, role, true
}

// --- Auth ---

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Refresh exchanges a refresh token for a new pair.
func (h Handlers) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		fail(c, http.StatusBadRequest, CodeInvalidArgument, "refresh_token required")
		return
	}
	pair, err := h.Auth.Refresh(req.RefreshToken, h.now())
	if err != nil {
		fail(c, http.StatusUnauthorized, CodeUnauthorized, "invalid refresh token")
		return
	}
	ok(c, http.StatusOK, tokenResponse{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken})
}

type devTokenRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// DevToken issues a token pair without credentials.
//
// NOTE: OTP login is owned by the account backend; this exists for local clients only.
func (h Handlers) DevToken(c *gin.Context) {
	var req devTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, CodeInvalidArgument, "invalid json")
		return
	}
	if req.Role == "" {
		req.Role = rbac.RoleCaller
	}
	if req.UserID == "" || !rbac.IsValidRole(req.Role) {
		fail(c, http.StatusBadRequest, CodeInvalidArgument, "user_id and a valid role required")
		return
	}
	pair, err := h.Auth.IssuePair(h.now(), req.UserID, req.Role)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, tokenResponse{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken})
}

// Me echoes the authenticated identity.
func (h Handlers) Me(c *gin.Context) {
	uid, role, okID := identity(c)
	if !okID {
		return
	}
	ok(c, http.StatusOK, gin.H{"user_id": uid, "role": role})
}

package httpapi

import (
	"call-coordinator/internal/audit"
	"call-coordinator/internal/rbac"

	"github.com/gin-gonic/gin"
)

// Register wires the API onto r. authMW verifies bearer tokens for /v1.
func (h Handlers) Register(r gin.IRouter, authMW gin.HandlerFunc) {
	// public
	authGroup := r.Group("/auth")
	{
		authGroup.POST("/refresh", h.Refresh)
		if h.DevTokens {
			authGroup.POST("/dev-token", h.DevToken)
		}
	}

	v1 := r.Group("/v1")
	v1.Use(authMW, rbac.RequireIdentity(), clientIP())
	{
		v1.GET("/me", h.Me)
		if h.Realtime != nil {
			v1.GET("/realtime", h.Realtime.Serve)
		}

		// CALLS routes
		callsGroup := v1.Group("/calls")
		callsGroup.Use(rbac.RequireAnyRole(rbac.ParticipantRoles()...))
		{
			callsGroup.POST("", h.InitiateCall)
			callsGroup.GET("/current", h.CurrentCall)
			callsGroup.GET("/:call_id", h.GetCall)
			callsGroup.POST("/:call_id/accept", h.AcceptCall)
			callsGroup.POST("/:call_id/decline", h.DeclineCall)
			callsGroup.POST("/:call_id/cancel", h.CancelCall)
			callsGroup.POST("/:call_id/end", h.EndCall)
			callsGroup.POST("/:call_id/join", h.JoinCall)
		}

		// ADMIN routes
		admin := v1.Group("/admin")
		admin.Use(rbac.RequireAnyRole(rbac.RoleAdmin))
		{
			admin.GET("/calls/:call_id", h.AdminGetCall)
			admin.POST("/calls/:call_id/terminate", h.AdminTerminateCall)
			admin.GET("/calls/:call_id/audit", h.AdminCallAudit)
			admin.GET("/reports/calls", h.AdminCallsSummary)
		}
	}
}

// clientIP attaches the resolved client IP to the request context for audit records.
func clientIP() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(audit.WithClientIP(c.Request.Context(), c.ClientIP()))
		c.Next()
	}
}

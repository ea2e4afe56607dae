package httpapi

import (
	"net/http"
	"time"

	"call-coordinator/internal/audit"
	"call-coordinator/internal/reporting"

	"github.com/gin-gonic/gin"
)

// AdminTerminateCall force-fails a stuck session. RBAC: admin or super_admin. Audited.
func (h Handlers) AdminTerminateCall(c *gin.Context) {
	adminID, _, okID := identity(c)
	if !okID {
		return
	}
	res, err := h.Calls.ForceTerminate(c.Request.Context(), c.Param("call_id"), adminID)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

// AdminGetCall reads any session regardless of participation.
func (h Handlers) AdminGetCall(c *gin.Context) {
	s, err := h.Calls.Get(c.Request.Context(), c.Param("call_id"), "")
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, s)
}

// AdminCallAudit lists the internal audit trail of one call.
func (h Handlers) AdminCallAudit(c *gin.Context) {
	if h.Audit == nil {
		fail(c, http.StatusInternalServerError, CodeInternal, "audit not configured")
		return
	}
	evs, err := h.Audit.Trail(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		failErr(c, err)
		return
	}
	if evs == nil {
		evs = []audit.Event{}
	}
	ok(c, http.StatusOK, evs)
}

// AdminCallsSummary aggregates sessions created in [from, to). Times are RFC3339;
// the default range is the last 24 hours.
func (h Handlers) AdminCallsSummary(c *gin.Context) {
	if h.Reporting == nil {
		fail(c, http.StatusInternalServerError, CodeInternal, "reporting not configured")
		return
	}
	to := h.now().UTC()
	from := to.Add(-24 * time.Hour)
	var err error
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			fail(c, http.StatusBadRequest, CodeInvalidArgument, "from must be RFC3339")
			return
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			fail(c, http.StatusBadRequest, CodeInvalidArgument, "to must be RFC3339")
			return
		}
	}

	out, err := h.Reporting.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{
		Range:  reporting.TimeRange{From: from, To: to},
		UserID: c.Query("user_id"),
	})
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, out)
}

package calls

import (
	"context"
	"encoding/json"

	"call-coordinator/internal/audit"
	"call-coordinator/internal/auth"
)

// AuditAdapter bridges the coordinator's audit hook to the shared audit.Service.
//
// This keeps the coordinator free of audit persistence details.
type AuditAdapter struct {
	Audit *audit.Service
}

func (a AuditAdapter) LogForceTerminate(ctx context.Context, s Session, adminID string) error {
	if a.Audit == nil {
		return nil
	}
	// role is best-effort; background callers have no identity in context
	role, _ := auth.Role(ctx)
	meta, err := json.Marshal(forceTerminateMeta{
		CallerID: s.CallerID,
		CalleeID: s.CalleeID,
		Version:  s.Version,
	})
	if err != nil {
		return err
	}
	return a.Audit.LogForceTerminate(ctx, s.CallID, adminID, role, string(meta))
}

type forceTerminateMeta struct {
	CallerID string `json:"caller_id"`
	CalleeID string `json:"callee_id"`
	Version  int64  `json:"version"`
}

func (a AuditAdapter) LogTransitionRejected(ctx context.Context, callID, actorID, op string, cause error) error {
	if a.Audit == nil {
		return nil
	}
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	return a.Audit.LogTransitionRejected(ctx, callID, actorID, op, reason)
}

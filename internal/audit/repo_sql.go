package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLRepo appends events to audit_events. It only ever INSERTs.
type SQLRepo struct {
	db *sql.DB
}

func NewSQLRepo(db *sql.DB) *SQLRepo { return &SQLRepo{db: db} }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS audit_events (
	id            TEXT PRIMARY KEY,
	type          TEXT NOT NULL,
	actor_user_id TEXT NOT NULL DEFAULT '',
	actor_role    TEXT NOT NULL DEFAULT '',
	ip_address    TEXT NOT NULL DEFAULT '',
	call_id       TEXT NOT NULL,
	operation     TEXT NOT NULL DEFAULT '',
	message       TEXT NOT NULL DEFAULT '',
	metadata      TEXT NOT NULL DEFAULT '',
	created_at    BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_events_call ON audit_events (call_id, created_at)`,
}

func (r *SQLRepo) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("audit: migrate: %w", err)
		}
	}
	return nil
}

func (r *SQLRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (id, type, actor_user_id, actor_role, ip_address, call_id, operation, message, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		string(e.Type),
		e.ActorUserID,
		e.ActorRole,
		e.IPAddress,
		e.CallID,
		e.Operation,
		e.Message,
		e.Metadata,
		e.CreatedAt.UTC().UnixMilli(),
	)
	return err
}

// ListByCall returns a call's events, oldest first. Internal tooling only.
func (r *SQLRepo) ListByCall(ctx context.Context, callID string) ([]Event, error) {
	const q = `
SELECT id, type, actor_user_id, actor_role, ip_address, call_id, operation, message, metadata, created_at
FROM audit_events WHERE call_id = $1 ORDER BY created_at, id
`
	rows, err := r.db.QueryContext(ctx, q, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e   Event
			typ string
			ms  int64
		)
		if err := rows.Scan(&e.ID, &typ, &e.ActorUserID, &e.ActorRole, &e.IPAddress, &e.CallID, &e.Operation, &e.Message, &e.Metadata, &ms); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		e.CreatedAt = time.UnixMilli(ms).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

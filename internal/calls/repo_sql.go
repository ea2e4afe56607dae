package calls

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SQLRepo stores sessions through database/sql.
// The SQL is portable between Postgres (pgx stdlib driver) and SQLite (modernc.org/sqlite).
// Timestamps are stored as unix milliseconds so both dialects compare them the same way.
type SQLRepo struct {
	db *sql.DB
}

func NewSQLRepo(db *sql.DB) *SQLRepo { return &SQLRepo{db: db} }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS call_sessions (
	call_id       TEXT PRIMARY KEY,
	caller_id     TEXT NOT NULL,
	callee_id     TEXT NOT NULL,
	call_type     TEXT NOT NULL,
	state         TEXT NOT NULL,
	end_reason    TEXT NOT NULL DEFAULT '',
	caller_joined BOOLEAN NOT NULL DEFAULT FALSE,
	callee_joined BOOLEAN NOT NULL DEFAULT FALSE,
	created_at    BIGINT NOT NULL,
	accepted_at   BIGINT,
	active_at     BIGINT,
	ended_at      BIGINT,
	updated_at    BIGINT NOT NULL,
	archived_at   BIGINT,
	version       BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_call_sessions_caller ON call_sessions (caller_id, state)`,
	`CREATE INDEX IF NOT EXISTS idx_call_sessions_callee ON call_sessions (callee_id, state)`,
	`CREATE INDEX IF NOT EXISTS idx_call_sessions_state_updated ON call_sessions (state, updated_at)`,
	`CREATE INDEX IF NOT EXISTS idx_call_sessions_created ON call_sessions (created_at)`,
}

// Migrate creates the call_sessions table and its indexes if missing.
func (r *SQLRepo) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("calls: migrate: %w", err)
		}
	}
	return nil
}

const sessionColumns = `call_id, caller_id, callee_id, call_type, state, end_reason,
caller_joined, callee_joined, created_at, accepted_at, active_at, ended_at, updated_at, archived_at, version`

func (r *SQLRepo) Create(ctx context.Context, s Session) error {
	if s.CallID == "" {
		return ErrInvalidArgument
	}
	const q = `
INSERT INTO call_sessions (` + sessionColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (call_id) DO NOTHING
`
	res, err := r.db.ExecContext(ctx, q,
		s.CallID,
		s.CallerID,
		s.CalleeID,
		string(s.CallType),
		string(s.State),
		string(s.EndReason),
		s.CallerJoined,
		s.CalleeJoined,
		toMillis(s.CreatedAt),
		nullMillis(s.AcceptedAt),
		nullMillis(s.ActiveAt),
		nullMillis(s.EndedAt),
		toMillis(s.UpdatedAt),
		nullMillis(s.ArchivedAt),
		s.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (r *SQLRepo) Get(ctx context.Context, callID string) (Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM call_sessions WHERE call_id = $1`
	s, err := scanSession(r.db.QueryRowContext(ctx, q, callID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	return s, nil
}

func (r *SQLRepo) CompareAndSwap(ctx context.Context, next Session, expectedVersion int64) error {
	const q = `
UPDATE call_sessions
SET state = $3,
    end_reason = $4,
    caller_joined = $5,
    callee_joined = $6,
    accepted_at = $7,
    active_at = $8,
    ended_at = $9,
    updated_at = $10,
    archived_at = $11,
    version = $12
WHERE call_id = $1 AND version = $2
`
	res, err := r.db.ExecContext(ctx, q,
		next.CallID,
		expectedVersion,
		string(next.State),
		string(next.EndReason),
		next.CallerJoined,
		next.CalleeJoined,
		nullMillis(next.AcceptedAt),
		nullMillis(next.ActiveAt),
		nullMillis(next.EndedAt),
		toMillis(next.UpdatedAt),
		nullMillis(next.ArchivedAt),
		next.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	// Distinguish a lost race from a missing row.
	if _, err := r.Get(ctx, next.CallID); err != nil {
		return err
	}
	return ErrVersionConflict
}

func (r *SQLRepo) FindActiveByParticipant(ctx context.Context, userID string) (Session, error) {
	states := NonTerminalStates()
	args := []any{userID}
	in := placeholders(len(args)+1, len(states))
	for _, st := range states {
		args = append(args, string(st))
	}
	q := `SELECT ` + sessionColumns + ` FROM call_sessions
WHERE (caller_id = $1 OR callee_id = $1) AND state IN (` + in + `)
ORDER BY created_at DESC
LIMIT 1`
	s, err := scanSession(r.db.QueryRowContext(ctx, q, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	return s, nil
}

func (r *SQLRepo) ListStale(ctx context.Context, states []State, before time.Time, limit int) ([]Session, error) {
	if len(states) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	args := []any{toMillis(before), limit}
	in := placeholders(len(args)+1, len(states))
	for _, st := range states {
		args = append(args, string(st))
	}
	q := `SELECT ` + sessionColumns + ` FROM call_sessions
WHERE updated_at < $1 AND archived_at IS NULL AND state IN (` + in + `)
ORDER BY updated_at ASC
LIMIT $2`
	return r.query(ctx, q, args...)
}

func (r *SQLRepo) Archive(ctx context.Context, callID string, at time.Time) error {
	terminal := TerminalStates()
	args := []any{callID, toMillis(at)}
	in := placeholders(len(args)+1, len(terminal))
	for _, st := range terminal {
		args = append(args, string(st))
	}
	q := `UPDATE call_sessions SET archived_at = $2
WHERE call_id = $1 AND archived_at IS NULL AND state IN (` + in + `)`
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	s, err := r.Get(ctx, callID)
	if err != nil {
		return err
	}
	if !s.State.IsTerminal() {
		return fmt.Errorf("%w: cannot archive %s session", ErrInvalidArgument, s.State)
	}
	// already archived
	return nil
}

func (r *SQLRepo) ListSessions(ctx context.Context, f ListFilter) ([]Session, error) {
	args := []any{toMillis(f.From), toMillis(f.To)}
	q := `SELECT ` + sessionColumns + ` FROM call_sessions
WHERE created_at >= $1 AND created_at < $2`
	if f.UserID != "" {
		args = append(args, f.UserID)
		q += ` AND (caller_id = $3 OR callee_id = $3)`
	}
	q += ` ORDER BY created_at ASC`
	return r.query(ctx, q, args...)
}

func (r *SQLRepo) query(ctx context.Context, q string, args ...any) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Session, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		s                                      Session
		callType, state, endReason             string
		createdAt, updatedAt                   int64
		acceptedAt, activeAt, endedAt, archive sql.NullInt64
	)
	if err := row.Scan(
		&s.CallID,
		&s.CallerID,
		&s.CalleeID,
		&callType,
		&state,
		&endReason,
		&s.CallerJoined,
		&s.CalleeJoined,
		&createdAt,
		&acceptedAt,
		&activeAt,
		&endedAt,
		&updatedAt,
		&archive,
		&s.Version,
	); err != nil {
		return Session{}, err
	}
	s.CallType = CallType(callType)
	s.State = State(state)
	s.EndReason = EndReason(endReason)
	s.CreatedAt = fromMillis(createdAt)
	s.UpdatedAt = fromMillis(updatedAt)
	s.AcceptedAt = fromNullMillis(acceptedAt)
	s.ActiveAt = fromNullMillis(activeAt)
	s.EndedAt = fromNullMillis(endedAt)
	s.ArchivedAt = fromNullMillis(archive)
	return s, nil
}

// placeholders renders "$start, $start+1, ..." for n values.
func placeholders(start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "$" + strconv.Itoa(start+i)
	}
	return strings.Join(parts, ", ")
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func nullMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return fromMillis(v.Int64)
}

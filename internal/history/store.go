// Package history keeps a durable log of every query the engine has seen,
// from arrival to its terminal state.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/querygate/internal/session"
)

const recordColumns = `id, session_id, query_text, device, status, created_at, admitted_at, completed_at, last_error, error_kind, row_count`

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// RecordPending inserts a new pending row.
func (s *Store) RecordPending(ctx context.Context, r Record) error {
	if r.ID == "" {
		return fmt.Errorf("query id is empty")
	}
	if r.SessionID == "" {
		return fmt.Errorf("session id is empty")
	}
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO query_log(id, session_id, query_text, device, status, created_at)
VALUES(?, ?, ?, ?, ?, ?);
`, r.ID, r.SessionID, r.Query, r.Device, session.StatePending, formatTime(created))
	if err != nil {
		return fmt.Errorf("record pending query: %w", err)
	}
	return nil
}

// MarkRunning stamps the admission time of a pending row.
func (s *Store) MarkRunning(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE query_log
SET status = ?, admitted_at = ?
WHERE id = ? AND status = ?;
`, session.StateRunning, formatTime(at), id, session.StatePending)
	if err != nil {
		return fmt.Errorf("mark query running: %w", err)
	}
	return expectOneRow(res, id)
}

// Complete marks a row terminal.
func (s *Store) Complete(ctx context.Context, id string, c Completion) error {
	if id == "" {
		return fmt.Errorf("query id is empty")
	}
	if !c.Status.Terminal() {
		return fmt.Errorf("invalid terminal status: %q", c.Status)
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE query_log
SET status = ?, completed_at = ?, last_error = ?, error_kind = ?, row_count = ?
WHERE id = ?;
`, c.Status, formatTime(time.Now()), c.LastError, c.ErrorKind, c.RowCount, id)
	if err != nil {
		return fmt.Errorf("complete query: %w", err)
	}
	return expectOneRow(res, id)
}

// Get returns the row for id or ErrQueryNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM query_log WHERE id = ?;`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrQueryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get query: %w", err)
	}
	return r, nil
}

// ListBySession returns the newest rows for a session, newest first.
func (s *Store) ListBySession(ctx context.Context, sessionID string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+recordColumns+`
FROM query_log
WHERE session_id = ?
ORDER BY created_at DESC, rowid DESC
LIMIT ?;
`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list session queries: %w", err)
	}
	return collect(rows)
}

// FindByStatus returns every row in the given state, oldest first.
func (s *Store) FindByStatus(ctx context.Context, status session.State) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+recordColumns+`
FROM query_log
WHERE status = ?
ORDER BY created_at ASC, rowid ASC;
`, status)
	if err != nil {
		return nil, fmt.Errorf("find queries by status: %w", err)
	}
	return collect(rows)
}

// Prune deletes terminal rows completed before now-retention.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-retention))
	res, err := s.db.ExecContext(ctx, `
DELETE FROM query_log
WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?;
`, session.StateCompleted, session.StateInterrupted, session.StateFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune query log: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Depth counts rows that are still pending or running.
func (s *Store) Depth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM query_log WHERE status IN (?, ?);
`, session.StatePending, session.StateRunning).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("query log depth: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		r           Record
		status      string
		createdAt   string
		admittedAt  sql.NullString
		completedAt sql.NullString
		lastError   sql.NullString
		errorKind   sql.NullString
		rowCount    sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.SessionID, &r.Query, &r.Device, &status, &createdAt,
		&admittedAt, &completedAt, &lastError, &errorKind, &rowCount); err != nil {
		return nil, err
	}
	r.Status = session.State(status)
	r.CreatedAt = parseTime(createdAt)
	if admittedAt.Valid {
		t := parseTime(admittedAt.String)
		r.AdmittedAt = &t
	}
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		r.CompletedAt = &t
	}
	if lastError.Valid {
		r.LastError = &lastError.String
	}
	if errorKind.Valid {
		r.ErrorKind = &errorKind.String
	}
	if rowCount.Valid {
		r.RowCount = &rowCount.Int64
	}
	return &r, nil
}

func collect(rows *sql.Rows) ([]*Record, error) {
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan query row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate query rows: %w", err)
	}
	return out, nil
}

func expectOneRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrQueryNotFound, id)
	}
	return nil
}

// Timestamps are stored as fixed-width UTC strings so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s)); err == nil {
		return t
	}
	return time.Time{}
}

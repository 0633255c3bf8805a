package history

import (
	"errors"
	"time"

	"github.com/mattjoyce/querygate/internal/session"
)

var ErrQueryNotFound = errors.New("query not found")

// Record is one row of query_log.
type Record struct {
	ID          string        `json:"id"`
	SessionID   string        `json:"session_id"`
	Query       string        `json:"query"`
	Device      string        `json:"device"`
	Status      session.State `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	AdmittedAt  *time.Time    `json:"admitted_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	LastError   *string       `json:"last_error,omitempty"`
	ErrorKind   *string       `json:"error_kind,omitempty"`
	RowCount    *int64        `json:"row_count,omitempty"`
}

// Completion describes how an entry left the engine.
type Completion struct {
	Status    session.State
	LastError *string
	ErrorKind *string
	RowCount  *int64
}

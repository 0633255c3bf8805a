package api

import (
	"github.com/mattjoyce/querygate/internal/dispatch"
	"github.com/mattjoyce/querygate/internal/session"
)

type HealthzResponse struct {
	Status        string         `json:"status"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Dispatch      dispatch.Stats `json:"dispatch"`
	Executor      dispatch.Stats `json:"executor"`
	Sessions      int            `json:"sessions"`
	HistoryDepth  int            `json:"history_depth"`
}

type QueryRequest struct {
	Query            string `json:"query"`
	SessionID        string `json:"session_id"`
	Device           string `json:"device,omitempty"`
	PendingCheckFreq uint   `json:"pending_check_freq,omitempty"`
}

type QueryResponse struct {
	QueryID    string   `json:"query_id"`
	SessionID  string   `json:"session_id"`
	Columns    []string `json:"columns"`
	Rows       [][]any  `json:"rows"`
	RowCount   int      `json:"row_count"`
	DurationMS int64    `json:"duration_ms"`
}

// ErrorResponse is the body of every non-2xx response. Kind is set for
// interrupted and failed queries.
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	QueryID string `json:"query_id,omitempty"`
}

type InterruptResponse struct {
	SessionID       string `json:"session_id"`
	CallerSessionID string `json:"caller_session_id,omitempty"`
	Status          string `json:"status"`
}

type SessionResponse struct {
	SessionID string                 `json:"session_id"`
	Enrolled  bool                   `json:"enrolled"`
	Entries   []session.EntrySummary `json:"entries"`
}

type SessionsResponse struct {
	Sessions []session.SessionSummary `json:"sessions"`
}

type CurrentSessionResponse struct {
	SessionID string `json:"session_id,omitempty"`
	Running   bool   `json:"running"`
}

type CapacityRequest struct {
	Capacity int `json:"capacity"`
}

type InterruptSettingsRequest struct {
	Enabled          bool    `json:"enabled"`
	RunningCheckFreq float64 `json:"running_check_freq"`
	PendingCheckFreq uint    `json:"pending_check_freq"`
}

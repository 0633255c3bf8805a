package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/querygate/internal/engine"
	"github.com/mattjoyce/querygate/internal/history"
	"github.com/mattjoyce/querygate/internal/interrupt"
	"github.com/mattjoyce/querygate/internal/kernel"
	"github.com/mattjoyce/querygate/internal/session"
)

// CallerHeader names the session on whose behalf an interrupt is sent.
const CallerHeader = "X-Session-ID"

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.Stats()
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Dispatch:      stats.Dispatch,
		Executor:      stats.Executor,
		Sessions:      stats.Sessions,
	}
	if s.history != nil {
		depth, err := s.history.Depth(r.Context())
		if err != nil {
			s.logger.Error("failed to read history depth", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to read history depth")
			return
		}
		resp.HistoryDepth = depth
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		s.writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.SessionID == "" {
		s.writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	device, err := kernel.ParseDevice(req.Device)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	start := time.Now()
	out := <-s.engine.SubmitAsync(r.Context(), engine.Request{
		Query:            req.Query,
		SessionID:        req.SessionID,
		Device:           device,
		PendingCheckFreq: req.PendingCheckFreq,
	})
	if out.Err != nil {
		status, kind := classifyError(out.Err)
		respondJSON(w, status, ErrorResponse{Error: out.Err.Error(), Kind: kind, QueryID: out.EntryID})
		return
	}

	respondJSON(w, http.StatusOK, QueryResponse{
		QueryID:    out.EntryID,
		SessionID:  req.SessionID,
		Columns:    out.Result.Columns,
		Rows:       out.Result.Rows(),
		RowCount:   out.Result.RowCount(),
		DurationMS: time.Since(start).Milliseconds(),
	})
}

// classifyError maps a query error to an HTTP status and error kind.
func classifyError(err error) (int, string) {
	if k, ok := interrupt.KindOf(err); ok {
		return http.StatusConflict, k.String()
	}
	var kerr *kernel.Error
	switch {
	case errors.As(err, &kerr):
		return http.StatusUnprocessableEntity, "kernel"
	case errors.Is(err, engine.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "canceled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) handleGetQuery(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "query history is disabled")
		return
	}
	id := chi.URLParam(r, "queryID")
	rec, err := s.history.Get(r.Context(), id)
	if errors.Is(err, history.ErrQueryNotFound) {
		s.writeError(w, http.StatusNotFound, "query not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get query", "query_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get query")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "sessionID")
	caller := r.Header.Get(CallerHeader)

	if err := s.engine.Interrupt(target, caller); err != nil {
		if errors.Is(err, session.ErrUnknownSession) {
			s.writeError(w, http.StatusNotFound, "session has no pending or running queries")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, InterruptResponse{
		SessionID:       target,
		CallerSessionID: caller,
		Status:          "interrupt_requested",
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	entries := s.engine.SessionEntries(id)
	if entries == nil {
		entries = []session.EntrySummary{}
	}
	respondJSON(w, http.StatusOK, SessionResponse{
		SessionID: id,
		Enrolled:  s.engine.IsSessionEnrolled(id),
		Entries:   entries,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.engine.Sessions()
	if sessions == nil {
		sessions = []session.SessionSummary{}
	}
	respondJSON(w, http.StatusOK, SessionsResponse{Sessions: sessions})
}

func (s *Server) handleCurrentSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.engine.CurrentRunningSession()
	respondJSON(w, http.StatusOK, CurrentSessionResponse{SessionID: id, Running: ok})
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	var req CapacityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.engine.ResizeDispatchQueue(req.Capacity); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.engine.Stats().Dispatch)
}

func (s *Server) handleInterruptSettings(w http.ResponseWriter, r *http.Request) {
	var req InterruptSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	settings := interrupt.Settings{
		Enabled:          req.Enabled,
		RunningCheckFreq: req.RunningCheckFreq,
		PendingCheckFreq: req.PendingCheckFreq,
	}
	if err := s.engine.ConfigureInterrupt(settings); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.engine.Stats().Interrupt)
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

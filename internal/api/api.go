// Package api exposes the call control surface over HTTP: starting and
// ending calls, inspecting the live call, listing past call records, and the
// operational endpoints (health, readiness, Prometheus metrics).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/callwarden/callwarden/internal/call"
	"github.com/callwarden/callwarden/internal/health"
	"github.com/callwarden/callwarden/internal/observe"
	"github.com/callwarden/callwarden/internal/store"
)

const defaultListLimit = 50

// RecordBrowser is the read side of the call record store. *store.Store
// satisfies it; nil disables the history endpoints.
type RecordBrowser interface {
	GetCall(ctx context.Context, id string) (store.CallRecord, error)
	ListRecent(ctx context.Context, limit int) ([]store.CallRecord, error)
	ListVerdicts(ctx context.Context, callID string) ([]store.VerdictEntry, error)
}

// Server bundles the HTTP handlers. Construct with [New], then mount with
// [Server.Handler].
type Server struct {
	coord   *call.Coordinator
	records RecordBrowser
	healthz *health.Handler
	metrics *observe.Metrics
}

// New creates a Server. records may be nil when persistence is disabled.
func New(coord *call.Coordinator, records RecordBrowser, healthz *health.Handler, metrics *observe.Metrics) *Server {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Server{coord: coord, records: records, healthz: healthz, metrics: metrics}
}

// Handler returns the fully routed handler, wrapped in the observability
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /call/start", s.startCall)
	mux.HandleFunc("POST /call/end", s.endCall)
	mux.HandleFunc("GET /call", s.activeCall)

	if s.records != nil {
		mux.HandleFunc("GET /calls", s.listCalls)
		mux.HandleFunc("GET /calls/{id}", s.getCall)
		mux.HandleFunc("GET /calls/{id}/verdicts", s.listVerdicts)
	}

	if s.healthz != nil {
		s.healthz.Register(mux)
	}
	mux.Handle("GET /metrics", promhttp.Handler())

	return observe.Middleware(s.metrics)(mux)
}

type startResponse struct {
	CallID string `json:"call_id"`
}

// startCall accepts an optional JSON body with caller context
// (phone_number, incoming, known_contact) that is folded into the analysis
// brief for this call.
func (s *Server) startCall(w http.ResponseWriter, r *http.Request) {
	var meta call.Meta
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
	}

	id, err := s.coord.StartCall(r.Context(), meta)
	switch {
	case errors.Is(err, call.ErrCallActive):
		writeError(w, http.StatusConflict, "a call is already active")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusCreated, startResponse{CallID: id})
	}
}

type endRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) endCall(w http.ResponseWriter, r *http.Request) {
	var req endRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = call.ReasonHangup
	}

	err := s.coord.EndCall(r.Context(), req.Reason)
	switch {
	case errors.Is(err, call.ErrNoCall):
		writeError(w, http.StatusNotFound, "no active call")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
	}
}

func (s *Server) activeCall(w http.ResponseWriter, _ *http.Request) {
	info, ok := s.coord.Active()
	if !ok {
		writeError(w, http.StatusNotFound, "no active call")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) listCalls(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	records, err := s.records.ListRecent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, recordsJSON(records))
}

func (s *Server) getCall(w http.ResponseWriter, r *http.Request) {
	rec, err := s.records.GetCall(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown call id")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, recordJSON(rec))
	}
}

func (s *Server) listVerdicts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.records.GetCall(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown call id")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	entries, err := s.records.ListVerdicts(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]verdictJSONView, len(entries))
	for i, e := range entries {
		out[i] = verdictJSONView{Label: e.Label, Score: e.Score, At: e.At}
	}
	writeJSON(w, http.StatusOK, out)
}

// ── JSON views ───────────────────────────────────────────────────────────────

type recordJSONView struct {
	ID            string `json:"id"`
	PhoneNumber   string `json:"phone_number,omitempty"`
	StartedAt     string `json:"started_at"`
	EndedAt       string `json:"ended_at,omitempty"`
	EndReason     string `json:"end_reason,omitempty"`
	Live          bool   `json:"live"`
	FramesSent    uint64 `json:"frames_sent"`
	FramesDropped uint64 `json:"frames_dropped"`
	Reconnects    uint64 `json:"reconnects"`
	LastLabel     string `json:"last_label,omitempty"`
	LastScore     int    `json:"last_score,omitempty"`
}

type verdictJSONView struct {
	Label string    `json:"label"`
	Score int       `json:"score"`
	At    time.Time `json:"at"`
}

func recordJSON(rec store.CallRecord) recordJSONView {
	v := recordJSONView{
		ID:            rec.ID,
		PhoneNumber:   rec.PhoneNumber,
		StartedAt:     rec.StartedAt.Format(time.RFC3339),
		EndReason:     rec.EndReason,
		Live:          rec.Live(),
		FramesSent:    rec.FramesSent,
		FramesDropped: rec.FramesDropped,
		Reconnects:    rec.Reconnects,
		LastLabel:     rec.LastLabel,
		LastScore:     rec.LastScore,
	}
	if !rec.EndedAt.IsZero() {
		v.EndedAt = rec.EndedAt.Format(time.RFC3339)
	}
	return v
}

func recordsJSON(records []store.CallRecord) []recordJSONView {
	out := make([]recordJSONView, len(records))
	for i, rec := range records {
		out[i] = recordJSON(rec)
	}
	return out
}

// writeJSON encodes v with the given status. On encoding failure it falls
// back to a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failure"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

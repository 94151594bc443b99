// Package api exposes the session lifecycle over HTTP: opening sessions,
// feeding frames, reading live tracks, ending sessions and recording
// review decisions. Tracking itself stays inside the session manager; the
// handlers only translate between JSON and the manager/store.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/safesite-data/sitewatch/internal/monitoring"
	"github.com/safesite-data/sitewatch/internal/session"
	"github.com/safesite-data/sitewatch/internal/storage"
	"github.com/safesite-data/sitewatch/internal/version"
	"github.com/safesite-data/sitewatch/internal/violation"
)

// Server wires the HTTP routes to the session manager and the store.
type Server struct {
	// baseCtx scopes session goroutines to the server lifetime. Request
	// contexts end with the request, so sessions must not inherit them.
	baseCtx context.Context
	manager *session.Manager
	db      *storage.DB
	router  *mux.Router
	// repeatThreshold feeds persisted summary queries.
	repeatThreshold int
}

// NewServer builds the route table. ctx bounds the lifetime of sessions
// opened over HTTP; db may be nil in tests that only exercise live sessions.
func NewServer(ctx context.Context, manager *session.Manager, db *storage.DB, repeatThreshold int) *Server {
	if ctx == nil {
		ctx = context.Background()
	}
	s := &Server{
		baseCtx:         ctx,
		manager:         manager,
		db:              db,
		router:          mux.NewRouter(),
		repeatThreshold: repeatThreshold,
	}

	s.router.HandleFunc("/api/sessions", s.handleOpenSession).Methods("POST")
	s.router.HandleFunc("/api/sessions/{id}/frames", s.handleSubmitFrame).Methods("POST")
	s.router.HandleFunc("/api/sessions/{id}/tracks", s.handleTracks).Methods("GET")
	s.router.HandleFunc("/api/sessions/{id}/end", s.handleEndSession).Methods("POST")
	s.router.HandleFunc("/api/sessions/{id}/fail", s.handleFailSession).Methods("POST")
	s.router.HandleFunc("/api/sessions/{id}/individuals", s.handleIndividuals).Methods("GET")
	s.router.HandleFunc("/api/sessions/{id}/summary", s.handleSummary).Methods("GET")
	s.router.HandleFunc("/api/violations/{id}/review", s.handleReview).Methods("POST")
	s.router.HandleFunc("/api/version", s.handleVersion).Methods("GET")

	return s
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": version.String()})
}

// Handler returns the router for mounting into an http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

type openSessionRequest struct {
	Source string `json:"source"`
}

type openSessionResponse struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	id := s.manager.Open(s.baseCtx)
	if s.db != nil {
		if err := s.db.CreateSession(id, req.Source, time.Now()); err != nil {
			monitoring.Logf("api: persist session %s: %v", id, err)
		}
	}
	s.writeJSON(w, http.StatusCreated, openSessionResponse{SessionID: id})
}

func (s *Server) handleSubmitFrame(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var in session.FrameInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid frame payload")
		return
	}

	err := s.manager.Submit(id, in)
	switch {
	case errors.Is(err, session.ErrUnknownSession):
		s.writeJSONError(w, http.StatusNotFound, "unknown session")
	case errors.Is(err, session.ErrSessionClosed):
		s.writeJSONError(w, http.StatusConflict, "session closed")
	case err != nil:
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
	default:
		// Accepted, not processed: frames flow through a bounded queue and
		// may be dropped under load.
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) handleTracks(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := s.manager.Session(id)
	if err != nil {
		s.writeJSONError(w, http.StatusNotFound, "unknown session")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tracks": sess.Tracks()})
}

type endSessionResponse struct {
	SessionID   string                          `json:"session_id"`
	Status      string                          `json:"status"`
	Individuals []violation.IndividualAggregate `json:"individuals"`
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := s.manager.Session(id)
	if err != nil {
		s.writeJSONError(w, http.StatusNotFound, "unknown session")
		return
	}

	aggs, err := s.manager.End(id)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := storage.SessionCompleted
	failMsg := ""
	if failed, msg := sess.Failed(); failed {
		status = storage.SessionFailed
		failMsg = msg
	}

	if s.db != nil {
		if err := s.db.SaveAggregates(id, aggs); err != nil {
			monitoring.Logf("api: persist aggregates for %s: %v", id, err)
		}
		if err := s.db.InsertViolations(id, sess.Events()); err != nil {
			monitoring.Logf("api: persist violations for %s: %v", id, err)
		}
		if err := s.db.EndSession(id, status, failMsg, time.Now()); err != nil {
			monitoring.Logf("api: close session row %s: %v", id, err)
		}
	}

	s.writeJSON(w, http.StatusOK, endSessionResponse{
		SessionID:   id,
		Status:      status,
		Individuals: aggs,
	})
}

type failSessionRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleFailSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := s.manager.Session(id)
	if err != nil {
		s.writeJSONError(w, http.StatusNotFound, "unknown session")
		return
	}

	var req failSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sess.Fail(req.Message)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIndividuals(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	// Live sessions answer from memory, ended ones from the store.
	if sess, err := s.manager.Session(id); err == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"individuals": sess.Aggregates()})
		return
	}
	if s.db == nil {
		s.writeJSONError(w, http.StatusNotFound, "unknown session")
		return
	}
	aggs, err := s.db.ListIndividuals(id)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(aggs) == 0 {
		if _, err := s.db.GetSession(id); err != nil {
			s.writeJSONError(w, http.StatusNotFound, "unknown session")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"individuals": aggs})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if sess, err := s.manager.Session(id); err == nil {
		s.writeJSON(w, http.StatusOK, sess.Summary())
		return
	}
	if s.db == nil {
		s.writeJSONError(w, http.StatusNotFound, "unknown session")
		return
	}
	if _, err := s.db.GetSession(id); err != nil {
		s.writeJSONError(w, http.StatusNotFound, "unknown session")
		return
	}
	sum, err := s.db.SessionSummary(id, s.repeatThreshold)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, sum)
}

type reviewRequest struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// handleReview records an admin review decision. Live sessions get the
// update applied to their aggregates; persisted rows are updated either
// way so the decision survives session end.
func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	violationID, err := parseInt64(vars["id"])
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid violation id")
		return
	}

	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		s.writeJSONError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	status := violation.ReviewStatus(req.Status)
	switch status {
	case violation.ReviewPending, violation.ReviewConfirmed, violation.ReviewRejected:
	default:
		s.writeJSONError(w, http.StatusBadRequest, "status must be pending, confirmed or rejected")
		return
	}

	applied := false
	if sess, err := s.manager.Session(req.SessionID); err == nil {
		if err := sess.ApplyReview(violationID, status); err != nil {
			s.writeJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		applied = true
	}
	if s.db != nil {
		if err := s.db.UpdateReviewStatus(req.SessionID, violationID, status); err != nil && !applied {
			s.writeJSONError(w, http.StatusNotFound, err.Error())
			return
		}
	}
	if !applied && s.db == nil {
		s.writeJSONError(w, http.StatusNotFound, "unknown session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseInt64(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/prefkeeper/app/document"
	"github.com/umputun/prefkeeper/app/journal"
	"github.com/umputun/prefkeeper/app/keyqueue"
	"github.com/umputun/prefkeeper/app/plan"
	"github.com/umputun/prefkeeper/app/prefs"
	"github.com/umputun/prefkeeper/app/store"
)

// APIStatusResponse is the JSON response for /api/v1/status
type APIStatusResponse struct {
	Version   string       `json:"version"`
	Uptime    string       `json:"uptime"`
	Users     int          `json:"users"`
	QueueKeys int          `json:"queue_keys"`
	Store     store.Stats  `json:"store"`
	System    systemStatus `json:"system"`
	Timestamp time.Time    `json:"timestamp"`
}

// APIHistoryResponse is the JSON response for /api/v1/prefs/history
type APIHistoryResponse struct {
	UserID  string          `json:"user_id"`
	Entries []journal.Entry `json:"entries"`
}

// handleLoad returns the preferences of the authenticated user, never fails
func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok {
		s.writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	s.writeJSON(w, http.StatusOK, s.prefs.Load(r.Context(), p))
}

// handleSave merges the request body into the preferences of the authenticated user.
// Responds with 200 and the written document, or 204 if nothing changed.
func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok {
		s.writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "can't read request body")
		return
	}
	payload, err := document.Parse(body)
	if err != nil || payload == nil {
		s.writeJSONError(w, http.StatusBadRequest, "payload must be a json object")
		return
	}

	res, err := s.prefs.Save(r.Context(), p, payload)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrInvalidKey):
			s.writeJSONError(w, http.StatusBadRequest, "invalid user id")
		case errors.Is(err, keyqueue.ErrQueueFull):
			s.writeJSONError(w, http.StatusTooManyRequests, "too many pending saves")
		default:
			log.Printf("[ERROR] failed to save preferences for %s: %v", p.ID, err)
			s.writeJSONError(w, http.StatusInternalServerError, "failed to save preferences")
		}
		return
	}

	if res.Outcome == prefs.OutcomeNoChange {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, res.Document)
}

// handleHistory returns recent saves of the authenticated user, limit set by the "limit" query param
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok {
		s.writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if s.history == nil {
		s.writeJSONError(w, http.StatusNotFound, "history not enabled")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		l, err := strconv.Atoi(v)
		if err != nil || l <= 0 || l > 1000 {
			s.writeJSONError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = l
	}

	entries, err := s.history.History(r.Context(), p.ID, limit)
	if err != nil {
		log.Printf("[ERROR] failed to get history for %s: %v", p.ID, err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	s.writeJSON(w, http.StatusOK, APIHistoryResponse{UserID: p.ID, Entries: entries})
}

// handleStatus returns service status - designed for CLI/jq consumption
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := APIStatusResponse{
		Version:   s.version,
		Uptime:    time.Since(s.startedAt).Truncate(time.Second).String(),
		Users:     s.users.Len(),
		System:    readSystemStatus(s.dataDir),
		Timestamp: time.Now(),
	}
	if s.queue != nil {
		resp.QueueKeys = s.queue.Len()
	}
	if s.stats != nil {
		st, err := s.stats.Stats()
		if err != nil {
			log.Printf("[WARN] can't get store stats, %v", err)
		}
		resp.Store = st
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handlePlansSchema returns JSON schema of the plans file
func (s *Server) handlePlansSchema(w http.ResponseWriter, _ *http.Request) {
	data, err := plan.GenerateSchema()
	if err != nil {
		log.Printf("[ERROR] failed to generate plans schema: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to generate schema")
		return
	}
	w.Header().Set("Content-Type", "application/schema+json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		log.Printf("[WARN] failed to write schema response: %v", err)
	}
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[WARN] failed to encode JSON error response: %v", err)
	}
}

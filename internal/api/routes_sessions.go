package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"qadeck/server/internal/sessions"
)

func (s *Server) registerSessionRoutes() {
	s.mux.HandleFunc("/api/v1/sessions", s.handleSessions)
	s.mux.HandleFunc("/api/v1/sessions/", s.handleSessionActions)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		backendID := r.URL.Query().Get("backendId")
		respondOK(w, map[string]any{"sessions": s.deps.Sessions.List(backendID)})
	case http.MethodPost:
		s.handleCreateSession(w, r)
	default:
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BackendID string `json:"backendId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	if req.BackendID == "" {
		req.BackendID = "default"
	}
	backend, ok := s.deps.Backends.Lookup(req.BackendID)
	if !ok {
		respondError(w, http.StatusNotFound, "BACKEND_NOT_FOUND", "unknown backend: "+req.BackendID)
		return
	}

	sess, err := s.deps.Sessions.Create(backend)
	if err != nil {
		var capacity *sessions.CapacityExceededError
		var noPorts *sessions.NoPortsAvailableError
		switch {
		case errors.As(err, &capacity):
			respondError(w, http.StatusConflict, "CAPACITY_EXCEEDED", capacity.Error())
		case errors.As(err, &noPorts):
			respondError(w, http.StatusConflict, "NO_PORTS_AVAILABLE", noPorts.Error())
		default:
			respondError(w, http.StatusInternalServerError, "SESSION_CREATE_FAILED", err.Error())
		}
		return
	}
	s.hub.Publish("session.created", "", map[string]any{"sessionId": sess.ID, "backendId": sess.BackendID})
	respondOK(w, sess)
}

func (s *Server) handleSessionActions(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/v1/sessions/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
		return
	}
	sessionID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			sess, ok := s.deps.Sessions.Get(sessionID)
			if !ok {
				respondError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "unknown session: "+sessionID)
				return
			}
			respondOK(w, sess)
		case http.MethodDelete:
			s.handleReleaseSession(w, sessionID)
		default:
			respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		}
		return
	}

	if len(parts) == 2 && parts[1] == "touch" {
		if r.Method != http.MethodPost {
			respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
			return
		}
		sess, ok := s.deps.Sessions.Get(sessionID)
		if !ok {
			respondError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "unknown session: "+sessionID)
			return
		}
		if err := s.deps.Sessions.Touch(sess.BackendID, sessionID); err != nil {
			respondError(w, http.StatusInternalServerError, "SESSION_TOUCH_FAILED", err.Error())
			return
		}
		respondOK(w, map[string]any{"sessionId": sessionID})
		return
	}

	respondError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
}

func (s *Server) handleReleaseSession(w http.ResponseWriter, sessionID string) {
	// Release is idempotent: an unknown session has already been released.
	sess, ok := s.deps.Sessions.Get(sessionID)
	if !ok {
		respondOK(w, map[string]any{"sessionId": sessionID, "released": true})
		return
	}
	if err := s.deps.Sessions.Release(sess.BackendID, sessionID); err != nil {
		respondError(w, http.StatusInternalServerError, "SESSION_RELEASE_FAILED", err.Error())
		return
	}
	s.hub.Publish("session.released", "", map[string]any{"sessionId": sessionID, "backendId": sess.BackendID})
	respondOK(w, map[string]any{"sessionId": sessionID, "released": true})
}

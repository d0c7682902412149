package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"qadeck/server/internal/global"
	"qadeck/server/internal/hub"
	"qadeck/server/internal/orchestrator"
	"qadeck/server/internal/sessions"
	"qadeck/server/internal/state"
)

type SessionRegistry interface {
	Create(backend global.BackendConfig) (sessions.Session, error)
	Release(backendID, sessionID string) error
	Touch(backendID, sessionID string) error
	List(backendID string) []sessions.Session
	Get(sessionID string) (sessions.Session, bool)
}

type TaskOrchestrator interface {
	Start(ctx context.Context, req orchestrator.StartRequest) (*orchestrator.Started, error)
	Cancel(ctx context.Context, taskID string) error
	Current() (orchestrator.TaskRun, bool)
}

type QueueEngine interface {
	Enqueue(itemID string) error
	Active() (string, bool)
	Pending() []string
}

type RunStore interface {
	GetRun(taskID string) (state.RunRecord, error)
	ListRuns(status string) ([]state.RunRecord, error)
	ListRunEvents(taskID string) ([]state.RunEventRecord, error)
}

type WorkItemStore interface {
	UpsertWorkItem(rec state.WorkItemRecord) error
	GetWorkItem(itemID string) (state.WorkItemRecord, error)
	ListWorkItems() ([]state.WorkItemRecord, error)
	ListWorkItemRuns(itemID string, limit int) ([]state.WorkItemRunRecord, error)
}

type Deps struct {
	Backends  global.BackendsConfig
	Sessions  SessionRegistry
	Tasks     TaskOrchestrator
	Engine    QueueEngine
	Runs      RunStore
	WorkItems WorkItemStore
	Hub       *hub.Hub
	Logger    *slog.Logger
}

type Server struct {
	deps Deps
	mux  *http.ServeMux
	hub  *hub.Hub
}

func NewServer(deps Deps) *Server {
	if deps.Hub == nil {
		deps.Hub = hub.New()
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{deps: deps, mux: http.NewServeMux(), hub: deps.Hub}
	s.registerSessionRoutes()
	s.registerTaskRoutes()
	s.registerWorkItemRoutes()
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/ws", s.hub.HandleWS)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondOK(w, map[string]any{"status": "ok"})
}

func respondOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "data": data})
}

func respondError(w http.ResponseWriter, code int, errCode string, msg string) {
	writeJSON(w, code, map[string]any{"ok": false, "error": map[string]any{"code": errCode, "message": msg}})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

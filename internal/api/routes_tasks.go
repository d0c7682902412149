package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"qadeck/server/internal/orchestrator"
	"qadeck/server/internal/state"
)

var taskStatusOrder = []string{
	state.RunStatusPending,
	state.RunStatusRunning,
	state.RunStatusCompleted,
	state.RunStatusFailed,
	state.RunStatusCancelled,
}

func (s *Server) registerTaskRoutes() {
	s.mux.HandleFunc("/api/v1/tasks", s.handleTasks)
	s.mux.HandleFunc("/api/v1/tasks/", s.handleTaskActions)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListTasks(w, r)
	case http.MethodPost:
		s.handleStartTask(w, r)
	default:
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	}
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if status := r.URL.Query().Get("status"); status != "" {
		runs, err := s.deps.Runs.ListRuns(status)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "TASK_LIST_FAILED", err.Error())
			return
		}
		respondOK(w, map[string]any{"tasks": runViews(runs)})
		return
	}

	runs, err := s.deps.Runs.ListRuns("")
	if err != nil {
		respondError(w, http.StatusInternalServerError, "TASK_LIST_FAILED", err.Error())
		return
	}
	buckets := map[string][]runView{}
	for _, status := range taskStatusOrder {
		buckets[status] = []runView{}
	}
	for _, run := range runs {
		buckets[run.Status] = append(buckets[run.Status], newRunView(run))
	}
	respondOK(w, buckets)
}

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Task       string `json:"task"`
		SessionID  string `json:"sessionId"`
		ServerURL  string `json:"serverUrl"`
		DisplayURL string `json:"displayUrl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}

	start := orchestrator.StartRequest{
		Task:       strings.TrimSpace(req.Task),
		SessionID:  req.SessionID,
		ServerURL:  req.ServerURL,
		DisplayURL: req.DisplayURL,
	}
	if req.SessionID != "" {
		sess, ok := s.deps.Sessions.Get(req.SessionID)
		if !ok {
			respondError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "unknown session: "+req.SessionID)
			return
		}
		start.BackendID = sess.BackendID
		if start.ServerURL == "" {
			start.ServerURL = sess.ServerURL
		}
		if start.DisplayURL == "" {
			start.DisplayURL = sess.DisplayURL
		}
	}

	started, err := s.deps.Tasks.Start(r.Context(), start)
	if err != nil {
		var invalid *orchestrator.InvalidRequestError
		switch {
		case errors.As(err, &invalid):
			respondError(w, http.StatusBadRequest, "INVALID_REQUEST", invalid.Error())
		case errors.Is(err, orchestrator.ErrTaskBusy):
			respondError(w, http.StatusConflict, "TASK_BUSY", err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "TASK_START_FAILED", err.Error())
		}
		return
	}

	s.streamTaskEvents(w, r, started)
}

// streamTaskEvents re-streams orchestrator events to the HTTP client as
// server-sent events. The feed always ends with the [DONE] marker; a client
// that disconnects early does not stop the task.
func (s *Server) streamTaskEvents(w http.ResponseWriter, r *http.Request, started *orchestrator.Started) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	writeFrame := func(payload []byte) bool {
		if _, err := w.Write([]byte("data: ")); err != nil {
			return false
		}
		if _, err := w.Write(payload); err != nil {
			return false
		}
		if _, err := w.Write([]byte("\n\n")); err != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-started.Events:
			if !ok {
				writeFrame([]byte("[DONE]"))
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if !writeFrame(payload) {
				return
			}
		}
	}
}

func (s *Server) handleTaskActions(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
		return
	}

	if len(parts) == 1 && parts[0] == "current" {
		if r.Method != http.MethodGet {
			respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
			return
		}
		run, ok := s.deps.Tasks.Current()
		if !ok {
			respondError(w, http.StatusNotFound, "NO_ACTIVE_TASK", "no task is currently running")
			return
		}
		respondOK(w, run)
		return
	}

	taskID := parts[0]
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.handleGetTask(w, taskID)
	case len(parts) == 2 && parts[1] == "log" && r.Method == http.MethodGet:
		s.handleGetTaskLog(w, taskID)
	case len(parts) == 2 && parts[1] == "cancel" && r.Method == http.MethodPost:
		s.handleCancelTask(w, r, taskID)
	default:
		respondError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
	}
}

func (s *Server) handleGetTask(w http.ResponseWriter, taskID string) {
	run, err := s.deps.Runs.GetRun(taskID)
	if errors.Is(err, state.ErrNotFound) {
		respondError(w, http.StatusNotFound, "TASK_NOT_FOUND", "unknown task: "+taskID)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "TASK_LOAD_FAILED", err.Error())
		return
	}
	respondOK(w, newRunView(run))
}

func (s *Server) handleGetTaskLog(w http.ResponseWriter, taskID string) {
	if _, err := s.deps.Runs.GetRun(taskID); errors.Is(err, state.ErrNotFound) {
		respondError(w, http.StatusNotFound, "TASK_NOT_FOUND", "unknown task: "+taskID)
		return
	} else if err != nil {
		respondError(w, http.StatusInternalServerError, "TASK_LOAD_FAILED", err.Error())
		return
	}

	events, err := s.deps.Runs.ListRunEvents(taskID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "TASK_LOG_FAILED", err.Error())
		return
	}
	entries := make([]logEntryView, 0, len(events))
	for _, evt := range events {
		entries = append(entries, logEntryView{
			Timestamp: time.Unix(evt.CreatedAt, 0).UTC().Format(time.RFC3339),
			Kind:      evt.Kind,
			Message:   evt.Message,
		})
	}
	respondOK(w, map[string]any{"taskId": taskID, "consoleLog": entries})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if err := s.deps.Tasks.Cancel(r.Context(), taskID); err != nil {
		if errors.Is(err, orchestrator.ErrTaskNotActive) {
			respondError(w, http.StatusNotFound, "TASK_NOT_ACTIVE", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "TASK_CANCEL_FAILED", err.Error())
		return
	}
	respondOK(w, map[string]any{"taskId": taskID, "status": state.RunStatusCancelled})
}

type runView struct {
	TaskID      string `json:"taskId"`
	SessionID   string `json:"sessionId,omitempty"`
	BackendID   string `json:"backendId,omitempty"`
	Task        string `json:"task"`
	Status      string `json:"status"`
	ServerURL   string `json:"serverUrl,omitempty"`
	DisplayURL  string `json:"displayUrl,omitempty"`
	LastError   string `json:"lastError,omitempty"`
	StartedAt   string `json:"startedAt"`
	CompletedAt string `json:"completedAt,omitempty"`
}

type logEntryView struct {
	Timestamp string `json:"timestamp"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
}

func newRunView(run state.RunRecord) runView {
	view := runView{
		TaskID:     run.TaskID,
		SessionID:  run.SessionID,
		BackendID:  run.BackendID,
		Task:       run.TaskText,
		Status:     run.Status,
		ServerURL:  run.ServerURL,
		DisplayURL: run.DisplayURL,
		LastError:  run.LastError,
		StartedAt:  time.Unix(run.StartedAt, 0).UTC().Format(time.RFC3339),
	}
	if run.CompletedAt != 0 {
		view.CompletedAt = time.Unix(run.CompletedAt, 0).UTC().Format(time.RFC3339)
	}
	return view
}

func runViews(runs []state.RunRecord) []runView {
	out := make([]runView, 0, len(runs))
	for _, run := range runs {
		out = append(out, newRunView(run))
	}
	return out
}

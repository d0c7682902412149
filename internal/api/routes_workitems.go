package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"qadeck/server/internal/state"
)

func (s *Server) registerWorkItemRoutes() {
	s.mux.HandleFunc("/api/v1/workitems", s.handleWorkItems)
	s.mux.HandleFunc("/api/v1/workitems/", s.handleWorkItemActions)
}

func (s *Server) handleWorkItems(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		items, err := s.deps.WorkItems.ListWorkItems()
		if err != nil {
			respondError(w, http.StatusInternalServerError, "WORKITEM_LIST_FAILED", err.Error())
			return
		}
		views := make([]workItemView, 0, len(items))
		for _, item := range items {
			views = append(views, newWorkItemView(item))
		}
		respondOK(w, map[string]any{"workItems": views, "pending": s.deps.Engine.Pending()})
	case http.MethodPost:
		s.handleUpsertWorkItem(w, r)
	default:
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	}
}

func (s *Server) handleUpsertWorkItem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID        string   `json:"id"`
		Reference string   `json:"reference"`
		Title     string   `json:"title"`
		Steps     []string `json:"steps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	if len(req.Steps) == 0 {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "work item needs at least one step")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	stepsJSON, err := json.Marshal(req.Steps)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	rec := state.WorkItemRecord{
		ItemID:    req.ID,
		Reference: req.Reference,
		Title:     req.Title,
		StepsJSON: string(stepsJSON),
		Status:    state.ItemStatusReady,
	}
	// Keep existing statistics when the definition is edited.
	if existing, err := s.deps.WorkItems.GetWorkItem(req.ID); err == nil {
		rec.Status = existing.Status
		rec.TotalRuns = existing.TotalRuns
		rec.PassCount = existing.PassCount
		rec.FailCount = existing.FailCount
		rec.AvgDurationSecs = existing.AvgDurationSecs
		rec.LastDurationSec = existing.LastDurationSec
		rec.LastResult = existing.LastResult
		rec.LastRunAt = existing.LastRunAt
		rec.CreatedAt = existing.CreatedAt
	}
	if err := s.deps.WorkItems.UpsertWorkItem(rec); err != nil {
		respondError(w, http.StatusInternalServerError, "WORKITEM_SAVE_FAILED", err.Error())
		return
	}

	saved, err := s.deps.WorkItems.GetWorkItem(req.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "WORKITEM_LOAD_FAILED", err.Error())
		return
	}
	respondOK(w, newWorkItemView(saved))
}

func (s *Server) handleWorkItemActions(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/v1/workitems/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
		return
	}
	itemID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.handleGetWorkItem(w, itemID)
	case len(parts) == 2 && parts[1] == "enqueue" && r.Method == http.MethodPost:
		s.handleEnqueueWorkItem(w, itemID)
	default:
		respondError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
	}
}

func (s *Server) handleGetWorkItem(w http.ResponseWriter, itemID string) {
	item, err := s.deps.WorkItems.GetWorkItem(itemID)
	if errors.Is(err, state.ErrNotFound) {
		respondError(w, http.StatusNotFound, "WORKITEM_NOT_FOUND", "unknown work item: "+itemID)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "WORKITEM_LOAD_FAILED", err.Error())
		return
	}

	runs, err := s.deps.WorkItems.ListWorkItemRuns(itemID, 10)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "WORKITEM_LOAD_FAILED", err.Error())
		return
	}
	history := make([]workItemRunView, 0, len(runs))
	for _, run := range runs {
		history = append(history, newWorkItemRunView(run))
	}

	view := newWorkItemView(item)
	respondOK(w, map[string]any{"workItem": view, "history": history})
}

func (s *Server) handleEnqueueWorkItem(w http.ResponseWriter, itemID string) {
	if _, err := s.deps.WorkItems.GetWorkItem(itemID); errors.Is(err, state.ErrNotFound) {
		respondError(w, http.StatusNotFound, "WORKITEM_NOT_FOUND", "unknown work item: "+itemID)
		return
	} else if err != nil {
		respondError(w, http.StatusInternalServerError, "WORKITEM_LOAD_FAILED", err.Error())
		return
	}
	if err := s.deps.Engine.Enqueue(itemID); err != nil {
		respondError(w, http.StatusInternalServerError, "WORKITEM_ENQUEUE_FAILED", err.Error())
		return
	}
	s.hub.Publish("workitem.queued", "", map[string]any{"itemId": itemID})
	respondOK(w, map[string]any{"itemId": itemID, "status": state.ItemStatusQueued})
}

type workItemView struct {
	ID                     string   `json:"id"`
	Reference              string   `json:"reference,omitempty"`
	Title                  string   `json:"title,omitempty"`
	Steps                  []string `json:"steps"`
	Status                 string   `json:"status"`
	TotalRuns              int      `json:"totalRuns"`
	PassCount              int      `json:"passCount"`
	FailCount              int      `json:"failCount"`
	AverageDurationSeconds float64  `json:"averageDurationSeconds"`
	LastDurationSeconds    float64  `json:"lastDurationSeconds"`
	LastResult             string   `json:"lastResult,omitempty"`
	LastRunAt              string   `json:"lastRunAt,omitempty"`
}

type workItemRunView struct {
	RunID        string          `json:"runId"`
	Result       string          `json:"result"`
	DurationSecs float64         `json:"durationSeconds"`
	StepResults  json.RawMessage `json:"stepResults"`
	StartedAt    string          `json:"startedAt"`
}

func newWorkItemView(rec state.WorkItemRecord) workItemView {
	var steps []string
	if rec.StepsJSON != "" {
		_ = json.Unmarshal([]byte(rec.StepsJSON), &steps)
	}
	view := workItemView{
		ID:                     rec.ItemID,
		Reference:              rec.Reference,
		Title:                  rec.Title,
		Steps:                  steps,
		Status:                 rec.Status,
		TotalRuns:              rec.TotalRuns,
		PassCount:              rec.PassCount,
		FailCount:              rec.FailCount,
		AverageDurationSeconds: rec.AvgDurationSecs,
		LastDurationSeconds:    rec.LastDurationSec,
		LastResult:             rec.LastResult,
	}
	if rec.LastRunAt != 0 {
		view.LastRunAt = time.Unix(rec.LastRunAt, 0).UTC().Format(time.RFC3339)
	}
	return view
}

func newWorkItemRunView(rec state.WorkItemRunRecord) workItemRunView {
	results := json.RawMessage(rec.StepResultsJSON)
	if len(results) == 0 {
		results = json.RawMessage("[]")
	}
	return workItemRunView{
		RunID:        rec.RunID,
		Result:       rec.Result,
		DurationSecs: rec.DurationSecs,
		StepResults:  results,
		StartedAt:    time.Unix(rec.StartedAt, 0).UTC().Format(time.RFC3339),
	}
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"qadeck/server/internal/state"
	"qadeck/server/internal/stream"
)

const (
	LogInfo      = "info"
	LogSuccess   = "success"
	LogError     = "error"
	LogCancelled = "cancelled"
)

var ErrTaskBusy = errors.New("a task is already running")

var ErrTaskNotActive = errors.New("task not found or already finished")

type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string { return e.Reason }

type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
}

// TaskRun is the in-memory view of the currently executing task. Snapshots
// returned by Current are copies and safe to hold.
type TaskRun struct {
	TaskID       string     `json:"taskId"`
	RemoteTaskID string     `json:"-"`
	SessionID    string     `json:"sessionId,omitempty"`
	BackendID    string     `json:"backendId,omitempty"`
	Task         string     `json:"task"`
	Status       string     `json:"status"`
	ServerURL    string     `json:"serverUrl,omitempty"`
	DisplayURL   string     `json:"displayUrl,omitempty"`
	StartedAt    time.Time  `json:"startedAt"`
	Log          []LogEntry `json:"consoleLog"`
}

type StartRequest struct {
	Task       string
	SessionID  string
	BackendID  string
	ServerURL  string
	DisplayURL string
}

// Started hands the caller the live event feed for the accepted task. The
// channel is closed once the run reaches a terminal status.
type Started struct {
	TaskID string
	Events <-chan stream.Event
}

type RunRecorder interface {
	InsertRun(rec state.RunRecord) error
	UpdateRunStatus(taskID, status string, completedAt int64, lastError string) error
	UpdateRunEndpoints(taskID, serverURL, displayURL string) error
	AppendRunEvent(taskID, kind, message string, at int64) error
}

type SessionHooks interface {
	MarkTaskRun(sessionID string) error
	Touch(sessionID string) error
}

type Deps struct {
	Remote   Remote
	Runs     RunRecorder
	Sessions SessionHooks
	Publish  func(taskID string, evt stream.Event)
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string
}

// Orchestrator drives one remote task at a time through its lifecycle:
// accept, stream, terminal status. Every status transition is persisted
// before it becomes observable.
type Orchestrator struct {
	deps Deps

	mu      sync.Mutex
	current *activeTask
}

type activeTask struct {
	run             *TaskRun
	cancel          context.CancelFunc
	cancelRequested bool
	finished        bool
	events          chan stream.Event
}

func New(deps Deps) *Orchestrator {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	return &Orchestrator{deps: deps}
}

// Start accepts a task for execution. Only one task may be in flight; a
// second Start while one is active returns ErrTaskBusy without side effects.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*Started, error) {
	if req.Task == "" {
		return nil, &InvalidRequestError{Reason: "task text must not be empty"}
	}
	if req.ServerURL == "" {
		return nil, &InvalidRequestError{Reason: "no server URL available for task execution"}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != nil {
		return nil, ErrTaskBusy
	}

	now := o.deps.Now().UTC()
	run := &TaskRun{
		TaskID:     o.deps.NewID(),
		SessionID:  req.SessionID,
		BackendID:  req.BackendID,
		Task:       req.Task,
		Status:     state.RunStatusPending,
		ServerURL:  req.ServerURL,
		DisplayURL: req.DisplayURL,
		StartedAt:  now,
	}
	if err := o.deps.Runs.InsertRun(state.RunRecord{
		TaskID:     run.TaskID,
		SessionID:  run.SessionID,
		BackendID:  run.BackendID,
		TaskText:   run.Task,
		Status:     run.Status,
		ServerURL:  run.ServerURL,
		DisplayURL: run.DisplayURL,
		StartedAt:  now.Unix(),
		UpdatedAt:  now.Unix(),
	}); err != nil {
		return nil, fmt.Errorf("persist task run: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	active := &activeTask{
		run:    run,
		cancel: cancel,
		events: make(chan stream.Event, 256),
	}
	o.current = active

	o.appendLogLocked(active, LogInfo, "Task accepted.")
	o.emitLocked(active, stream.Event{Type: stream.TypeTask, TaskID: run.TaskID, Status: run.Status})

	go o.runTask(runCtx, active)

	return &Started{TaskID: run.TaskID, Events: active.events}, nil
}

// Cancel stops the active task. The remote is told to cancel when it has
// announced a task id; a remote failure is recorded in the run log but does
// not stop the local cancellation, which is authoritative.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) error {
	o.mu.Lock()
	active := o.current
	if active == nil || active.run.TaskID != taskID {
		o.mu.Unlock()
		return ErrTaskNotActive
	}
	active.cancelRequested = true
	remoteID := active.run.RemoteTaskID
	o.mu.Unlock()

	if remoteID != "" {
		if err := o.deps.Remote.CancelTask(ctx, remoteID); err != nil {
			o.deps.Logger.Warn("remote cancel failed", "taskId", taskID, "error", err)
			o.mu.Lock()
			o.appendLogLocked(active, LogError, "Remote cancel failed: "+err.Error())
			o.mu.Unlock()
		}
	}

	o.mu.Lock()
	if !isTerminal(active.run.Status) {
		o.setStatusLocked(active, state.RunStatusCancelled, "", LogCancelled, "Task cancelled.")
	}
	o.mu.Unlock()

	active.cancel()
	return nil
}

// Current returns a snapshot of the in-flight task, if any.
func (o *Orchestrator) Current() (TaskRun, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return TaskRun{}, false
	}
	return snapshot(o.current.run), true
}

func (o *Orchestrator) runTask(ctx context.Context, active *activeTask) {
	defer func() {
		o.mu.Lock()
		active.finished = true
		close(active.events)
		o.current = nil
		o.mu.Unlock()
	}()

	body, err := o.deps.Remote.StartTask(ctx, active.run.Task, active.run.ServerURL)
	if err != nil {
		o.mu.Lock()
		if !isTerminal(active.run.Status) {
			o.setStatusLocked(active, state.RunStatusFailed, err.Error(), LogError, "Failed to start task: "+err.Error())
		}
		o.mu.Unlock()
		return
	}
	defer func() { _ = body.Close() }()

	o.mu.Lock()
	if !isTerminal(active.run.Status) {
		o.setStatusLocked(active, state.RunStatusRunning, "", LogInfo, "Task started.")
	}
	o.mu.Unlock()

	dec := stream.NewDecoder(body)
	for {
		evt, err := dec.Next()
		if err != nil {
			break
		}
		o.handleEvent(active, evt)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if isTerminal(active.run.Status) {
		return
	}
	if active.cancelRequested {
		o.setStatusLocked(active, state.RunStatusCancelled, "", LogCancelled, "Task cancelled.")
		return
	}
	if dec.SawDone() {
		o.setStatusLocked(active, state.RunStatusCompleted, "", LogSuccess, "Task completed.")
		if o.deps.Sessions != nil && active.run.SessionID != "" {
			if err := o.deps.Sessions.MarkTaskRun(active.run.SessionID); err != nil {
				o.deps.Logger.Warn("mark session task run failed", "sessionId", active.run.SessionID, "error", err)
			}
		}
	} else {
		o.setStatusLocked(active, state.RunStatusFailed, "Stream ended unexpectedly", LogError, "Stream ended unexpectedly")
	}
}

func (o *Orchestrator) handleEvent(active *activeTask, evt stream.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	// A cancelled run is final; anything still arriving on the wire is noise.
	if active.cancelRequested || isTerminal(active.run.Status) {
		return
	}

	switch evt.Type {
	case stream.TypeTask:
		if evt.TaskID != "" {
			active.run.RemoteTaskID = evt.TaskID
		}
		if evt.Status != "" && evt.Status != active.run.Status {
			o.setStatusLocked(active, evt.Status, "", LogInfo, messageOr(evt.Message, "Task status: "+evt.Status))
		} else if evt.Message != "" {
			o.appendLogLocked(active, LogInfo, evt.Message)
		}
	case stream.TypeSession:
		if active.run.Status != state.RunStatusRunning {
			o.setStatusLocked(active, state.RunStatusRunning, "", LogInfo, "Session endpoints updated.")
		}
		if evt.ServerURL != "" {
			active.run.ServerURL = evt.ServerURL
		}
		if evt.DisplayURL != "" {
			active.run.DisplayURL = evt.DisplayURL
		}
		if err := o.deps.Runs.UpdateRunEndpoints(active.run.TaskID, active.run.ServerURL, active.run.DisplayURL); err != nil {
			o.deps.Logger.Warn("persist run endpoints failed", "taskId", active.run.TaskID, "error", err)
		}
		if evt.Message != "" {
			o.appendLogLocked(active, LogInfo, evt.Message)
		}
		if o.deps.Sessions != nil && active.run.SessionID != "" {
			_ = o.deps.Sessions.Touch(active.run.SessionID)
		}
	case stream.TypeSuccess, stream.TypeResult:
		o.appendLogLocked(active, LogSuccess, evt.Message)
	case stream.TypeError:
		o.setStatusLocked(active, state.RunStatusFailed, evt.Message, LogError, evt.Message)
	case stream.TypeCancelled:
		o.setStatusLocked(active, state.RunStatusCancelled, "", LogCancelled, messageOr(evt.Message, "Task cancelled by executor."))
	case stream.TypeStreamEnded:
		// The decoder stops after the end marker; nothing to record here.
		return
	default:
		if evt.Message != "" {
			o.appendLogLocked(active, LogInfo, evt.Message)
		}
	}

	o.emitLocked(active, evt)
}

// setStatusLocked performs a status transition: persist it, append exactly
// one log entry, and publish the change. Callers hold o.mu.
func (o *Orchestrator) setStatusLocked(active *activeTask, status, lastError, logKind, logMessage string) {
	active.run.Status = status
	var completedAt int64
	if isTerminal(status) {
		completedAt = o.deps.Now().UTC().Unix()
	}
	if err := o.deps.Runs.UpdateRunStatus(active.run.TaskID, status, completedAt, lastError); err != nil {
		o.deps.Logger.Error("persist run status failed", "taskId", active.run.TaskID, "status", status, "error", err)
	}
	o.appendLogLocked(active, logKind, logMessage)
	o.emitLocked(active, stream.Event{Type: stream.TypeTask, TaskID: active.run.TaskID, Status: status, Message: logMessage})
}

func (o *Orchestrator) appendLogLocked(active *activeTask, kind, message string) {
	now := o.deps.Now().UTC()
	active.run.Log = append(active.run.Log, LogEntry{Timestamp: now, Kind: kind, Message: message})
	if err := o.deps.Runs.AppendRunEvent(active.run.TaskID, kind, message, now.Unix()); err != nil {
		o.deps.Logger.Warn("persist run event failed", "taskId", active.run.TaskID, "error", err)
	}
}

func (o *Orchestrator) emitLocked(active *activeTask, evt stream.Event) {
	if !active.finished {
		select {
		case active.events <- evt:
		default:
			o.deps.Logger.Warn("event feed full, dropping event", "taskId", active.run.TaskID, "type", evt.Type)
		}
	}
	if o.deps.Publish != nil {
		o.deps.Publish(active.run.TaskID, evt)
	}
}

func isTerminal(status string) bool {
	switch status {
	case state.RunStatusCompleted, state.RunStatusFailed, state.RunStatusCancelled:
		return true
	}
	return false
}

func snapshot(run *TaskRun) TaskRun {
	out := *run
	out.Log = append([]LogEntry(nil), run.Log...)
	return out
}

func messageOr(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}

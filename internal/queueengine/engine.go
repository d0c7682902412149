package queueengine

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	StatusReady   = "ready"
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusBlocked = "blocked"
)

const (
	ResultPassed = "passed"
	ResultFailed = "failed"
)

const (
	defaultStepDelay   = 900 * time.Millisecond
	defaultPassRate    = 0.8
	defaultHistoryKeep = 10
)

type WorkItem struct {
	ID               string
	Reference        string
	Title            string
	Steps            []string
	Status           string
	TotalRuns        int
	PassCount        int
	FailCount        int
	AvgDurationSecs  float64
	LastDurationSecs float64
	LastResult       string
	LastRunAt        time.Time
}

type StepResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
}

type RunRecord struct {
	RunID        string
	Result       string
	DurationSecs float64
	StepResults  []StepResult
	StartedAt    time.Time
}

// Store is the persistence the engine runs against. FinalizeRun writes the
// updated aggregates and the bounded history record in one step.
type Store interface {
	GetWorkItem(itemID string) (WorkItem, error)
	UpdateWorkItemStatus(itemID, status string) error
	FinalizeRun(item WorkItem, rec RunRecord, keep int) error
}

type Options struct {
	StepDelay   time.Duration
	PassRate    float64
	HistoryKeep int
	Logger      *slog.Logger
	Now         func() time.Time
	Draw        func() float64
	NewRunID    func() string
}

// Engine is a single-consumer queue that dry-runs a work item's steps in
// order with a fixed think-time per step and a weighted random outcome.
// At most one work item executes at a time; the rest wait in FIFO order.
type Engine struct {
	store Store
	opts  Options

	mu       sync.Mutex
	queue    []string
	activeID string
	wake     chan struct{}
}

func New(store Store, opts Options) *Engine {
	if opts.StepDelay <= 0 {
		opts.StepDelay = defaultStepDelay
	}
	if opts.PassRate <= 0 {
		opts.PassRate = defaultPassRate
	}
	if opts.HistoryKeep <= 0 {
		opts.HistoryKeep = defaultHistoryKeep
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Draw == nil {
		opts.Draw = rand.Float64
	}
	if opts.NewRunID == nil {
		opts.NewRunID = uuid.NewString
	}
	return &Engine{store: store, opts: opts, wake: make(chan struct{}, 1)}
}

// Enqueue appends the work item to the run queue. Queuing an item that is
// already waiting is a no-op.
func (e *Engine) Enqueue(itemID string) error {
	if _, err := e.store.GetWorkItem(itemID); err != nil {
		return fmt.Errorf("queue work item %s: %w", itemID, err)
	}

	e.mu.Lock()
	for _, queued := range e.queue {
		if queued == itemID {
			e.mu.Unlock()
			return nil
		}
	}
	e.queue = append(e.queue, itemID)
	e.mu.Unlock()

	if err := e.store.UpdateWorkItemStatus(itemID, StatusQueued); err != nil {
		return fmt.Errorf("mark work item %s queued: %w", itemID, err)
	}
	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

// Active reports the work item currently executing, if any.
func (e *Engine) Active() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeID, e.activeID != ""
}

// Pending returns the ids waiting in the queue, in run order.
func (e *Engine) Pending() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.queue...)
}

// Run consumes the queue until the context is cancelled. It is the only
// goroutine that executes work items.
func (e *Engine) Run(ctx context.Context) error {
	for {
		itemID, ok := e.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.wake:
			}
			continue
		}
		if err := e.execute(ctx, itemID); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.opts.Logger.Error("work item run failed", "itemId", itemID, "error", err)
		}
	}
}

func (e *Engine) pop() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return "", false
	}
	itemID := e.queue[0]
	e.queue = e.queue[1:]
	e.activeID = itemID
	return itemID, true
}

func (e *Engine) execute(ctx context.Context, itemID string) error {
	defer func() {
		e.mu.Lock()
		e.activeID = ""
		e.mu.Unlock()
	}()

	item, err := e.store.GetWorkItem(itemID)
	if err != nil {
		return err
	}
	if err := e.store.UpdateWorkItemStatus(itemID, StatusRunning); err != nil {
		return err
	}
	e.opts.Logger.Info("work item run started", "itemId", itemID, "steps", len(item.Steps))

	startedAt := e.opts.Now().UTC()
	failed := false
	results := make([]StepResult, 0, len(item.Steps))
	for _, step := range item.Steps {
		select {
		case <-ctx.Done():
			// Interrupted mid-run; startup recovery re-queues running items.
			return ctx.Err()
		case <-time.After(e.opts.StepDelay):
		}
		passed := e.opts.Draw() < e.opts.PassRate
		if !passed {
			failed = true
		}
		results = append(results, StepResult{Name: step, Passed: passed})
		e.opts.Logger.Info("step finished", "itemId", itemID, "step", step, "passed", passed)
	}

	endedAt := e.opts.Now().UTC()
	duration := endedAt.Sub(startedAt).Seconds()

	item.AvgDurationSecs = (item.AvgDurationSecs*float64(item.TotalRuns) + duration) / float64(item.TotalRuns+1)
	item.TotalRuns++
	if failed {
		item.FailCount++
		item.LastResult = ResultFailed
		item.Status = StatusBlocked
	} else {
		item.PassCount++
		item.LastResult = ResultPassed
		item.Status = StatusReady
	}
	item.LastDurationSecs = duration
	item.LastRunAt = endedAt

	rec := RunRecord{
		RunID:        e.opts.NewRunID(),
		Result:       item.LastResult,
		DurationSecs: duration,
		StepResults:  results,
		StartedAt:    startedAt,
	}
	if err := e.store.FinalizeRun(item, rec, e.opts.HistoryKeep); err != nil {
		return err
	}
	e.opts.Logger.Info("work item run finished", "itemId", itemID, "result", item.LastResult, "durationSecs", duration)
	return nil
}

package state

import "errors"

const (
	SessionStatusActive   = "active"
	SessionStatusReleased = "released"
)

const (
	RunStatusPending   = "pending"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

const (
	ItemStatusReady   = "ready"
	ItemStatusQueued  = "queued"
	ItemStatusRunning = "running"
	ItemStatusBlocked = "blocked"
)

var ErrNotFound = errors.New("record not found")

type SessionRecord struct {
	SessionID      string
	BackendID      string
	Status         string
	HasPorts       bool
	ControlPort    int
	DisplayPort    int
	ServerURL      string
	DisplayURL     string
	HasRunTask     bool
	CreatedAt      int64
	LastActivityAt int64
}

type RunRecord struct {
	TaskID      string
	SessionID   string
	BackendID   string
	TaskText    string
	Status      string
	ServerURL   string
	DisplayURL  string
	LastError   string
	StartedAt   int64
	CompletedAt int64
	UpdatedAt   int64
}

type RunEventRecord struct {
	ID        int64
	TaskID    string
	Kind      string
	Message   string
	CreatedAt int64
}

type WorkItemRecord struct {
	ItemID          string
	Reference       string
	Title           string
	StepsJSON       string
	Status          string
	TotalRuns       int
	PassCount       int
	FailCount       int
	AvgDurationSecs float64
	LastDurationSec float64
	LastResult      string
	LastRunAt       int64
	CreatedAt       int64
	UpdatedAt       int64
}

type WorkItemRunRecord struct {
	ID              int64
	ItemID          string
	RunID           string
	Result          string
	DurationSecs    float64
	StepResultsJSON string
	StartedAt       int64
}

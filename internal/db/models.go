package db

type Session struct {
	SessionID      string `gorm:"column:session_id;primaryKey"`
	BackendID      string `gorm:"column:backend_id;not null;index"`
	Status         string `gorm:"column:status;not null;default:'active'"`
	HasPorts       bool   `gorm:"column:has_ports;not null;default:false"`
	ControlPort    int    `gorm:"column:control_port;not null;default:0"`
	DisplayPort    int    `gorm:"column:display_port;not null;default:0"`
	ServerURL      string `gorm:"column:server_url;not null;default:''"`
	DisplayURL     string `gorm:"column:display_url;not null;default:''"`
	HasRunTask     bool   `gorm:"column:has_run_task;not null;default:false"`
	CreatedAt      int64  `gorm:"column:created_at;not null;default:0"`
	LastActivityAt int64  `gorm:"column:last_activity_at;not null;default:0"`
}

func (Session) TableName() string { return "sessions" }

type TaskRun struct {
	TaskID      string `gorm:"column:task_id;primaryKey"`
	SessionID   string `gorm:"column:session_id;not null;default:''"`
	BackendID   string `gorm:"column:backend_id;not null;default:''"`
	TaskText    string `gorm:"column:task_text;not null;default:''"`
	Status      string `gorm:"column:status;not null;default:'pending'"`
	ServerURL   string `gorm:"column:server_url;not null;default:''"`
	DisplayURL  string `gorm:"column:display_url;not null;default:''"`
	LastError   string `gorm:"column:last_error;not null;default:''"`
	StartedAt   int64  `gorm:"column:started_at;not null;default:0"`
	CompletedAt int64  `gorm:"column:completed_at;not null;default:0"`
	UpdatedAt   int64  `gorm:"column:updated_at;not null;default:0"`
}

func (TaskRun) TableName() string { return "task_runs" }

type RunEvent struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement"`
	TaskID    string `gorm:"column:task_id;not null"`
	Kind      string `gorm:"column:kind;not null;default:'info'"`
	Message   string `gorm:"column:message;not null;default:''"`
	CreatedAt int64  `gorm:"column:created_at;not null;default:0"`
}

func (RunEvent) TableName() string { return "run_events" }

type WorkItem struct {
	ItemID          string  `gorm:"column:item_id;primaryKey"`
	Reference       string  `gorm:"column:reference;not null;default:''"`
	Title           string  `gorm:"column:title;not null;default:''"`
	StepsJSON       string  `gorm:"column:steps_json;not null;default:'[]'"`
	Status          string  `gorm:"column:status;not null;default:'ready'"`
	TotalRuns       int     `gorm:"column:total_runs;not null;default:0"`
	PassCount       int     `gorm:"column:pass_count;not null;default:0"`
	FailCount       int     `gorm:"column:fail_count;not null;default:0"`
	AvgDurationSecs float64 `gorm:"column:avg_duration_secs;not null;default:0"`
	LastDurationSec float64 `gorm:"column:last_duration_secs;not null;default:0"`
	LastResult      string  `gorm:"column:last_result;not null;default:''"`
	LastRunAt       int64   `gorm:"column:last_run_at;not null;default:0"`
	CreatedAt       int64   `gorm:"column:created_at;not null;default:0"`
	UpdatedAt       int64   `gorm:"column:updated_at;not null;default:0"`
}

func (WorkItem) TableName() string { return "work_items" }

type WorkItemRun struct {
	ID              int64   `gorm:"column:id;primaryKey;autoIncrement"`
	ItemID          string  `gorm:"column:item_id;not null"`
	RunID           string  `gorm:"column:run_id;not null;default:''"`
	Result          string  `gorm:"column:result;not null;default:''"`
	DurationSecs    float64 `gorm:"column:duration_secs;not null;default:0"`
	StepResultsJSON string  `gorm:"column:step_results_json;not null;default:'[]'"`
	StartedAt       int64   `gorm:"column:started_at;not null;default:0"`
}

func (WorkItemRun) TableName() string { return "work_item_runs" }

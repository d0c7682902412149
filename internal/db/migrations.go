package db

import (
	"errors"

	"gorm.io/gorm"
)

// SyncSchema creates/updates tables and indexes from models. Table structure
// changes do not use versioned migrations.
func SyncSchema(db *gorm.DB) error {
	if db == nil {
		return errors.New("db is required")
	}
	if err := db.AutoMigrate(
		&Session{},
		&TaskRun{},
		&RunEvent{},
		&WorkItem{},
		&WorkItemRun{},
	); err != nil {
		return err
	}
	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_run_events_task_created_at ON run_events(task_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_task_runs_status_started_at ON task_runs(status, started_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_work_item_runs_item_started_at ON work_item_runs(item_id, started_at DESC);`,
	} {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

// MigrateUp is the entry point used by OpenSQLiteWithMigrations and the
// migrate CLI command.
func MigrateUp(db *gorm.DB) error {
	return SyncSchema(db)
}

package state

import (
	"encoding/json"
	"fmt"
	"time"

	"qadeck/server/internal/queueengine"
)

// EngineStore adapts Store to the queue engine's persistence contract,
// translating between the engine's model and the stored JSON columns.
type EngineStore struct {
	store *Store
}

func NewEngineStore(store *Store) *EngineStore { return &EngineStore{store: store} }

func (e *EngineStore) GetWorkItem(itemID string) (queueengine.WorkItem, error) {
	rec, err := e.store.GetWorkItem(itemID)
	if err != nil {
		return queueengine.WorkItem{}, err
	}
	return engineWorkItem(rec)
}

func (e *EngineStore) UpdateWorkItemStatus(itemID, status string) error {
	return e.store.UpdateWorkItemStatus(itemID, status)
}

func (e *EngineStore) FinalizeRun(item queueengine.WorkItem, rec queueengine.RunRecord, keep int) error {
	stepsJSON, err := json.Marshal(item.Steps)
	if err != nil {
		return fmt.Errorf("encode steps for %s: %w", item.ID, err)
	}
	resultsJSON, err := json.Marshal(rec.StepResults)
	if err != nil {
		return fmt.Errorf("encode step results for %s: %w", item.ID, err)
	}

	if err := e.store.UpsertWorkItem(WorkItemRecord{
		ItemID:          item.ID,
		Reference:       item.Reference,
		Title:           item.Title,
		StepsJSON:       string(stepsJSON),
		Status:          item.Status,
		TotalRuns:       item.TotalRuns,
		PassCount:       item.PassCount,
		FailCount:       item.FailCount,
		AvgDurationSecs: item.AvgDurationSecs,
		LastDurationSec: item.LastDurationSecs,
		LastResult:      item.LastResult,
		LastRunAt:       item.LastRunAt.Unix(),
	}); err != nil {
		return err
	}
	return e.store.AppendWorkItemRun(WorkItemRunRecord{
		ItemID:          item.ID,
		RunID:           rec.RunID,
		Result:          rec.Result,
		DurationSecs:    rec.DurationSecs,
		StepResultsJSON: string(resultsJSON),
		StartedAt:       rec.StartedAt.Unix(),
	}, keep)
}

func engineWorkItem(rec WorkItemRecord) (queueengine.WorkItem, error) {
	var steps []string
	if rec.StepsJSON != "" {
		if err := json.Unmarshal([]byte(rec.StepsJSON), &steps); err != nil {
			return queueengine.WorkItem{}, fmt.Errorf("decode steps for %s: %w", rec.ItemID, err)
		}
	}
	item := queueengine.WorkItem{
		ID:               rec.ItemID,
		Reference:        rec.Reference,
		Title:            rec.Title,
		Steps:            steps,
		Status:           rec.Status,
		TotalRuns:        rec.TotalRuns,
		PassCount:        rec.PassCount,
		FailCount:        rec.FailCount,
		AvgDurationSecs:  rec.AvgDurationSecs,
		LastDurationSecs: rec.LastDurationSec,
		LastResult:       rec.LastResult,
	}
	if rec.LastRunAt != 0 {
		item.LastRunAt = time.Unix(rec.LastRunAt, 0).UTC()
	}
	return item, nil
}

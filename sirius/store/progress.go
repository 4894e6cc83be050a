package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// progressTTLSeconds keeps progress readable for a day after the last update.
const progressTTLSeconds = 24 * 60 * 60

// TaskProgress is the mirror of a task's progress columns that status
// pollers read without touching the database.
type TaskProgress struct {
	TaskID     string    `json:"task_id"`
	Stage      string    `json:"stage"`
	Percent    int       `json:"percent"`
	ETASeconds int       `json:"eta_seconds"`
	Status     string    `json:"status"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func progressKey(taskID string) string {
	return "task:" + taskID + ":progress"
}

// PublishProgress writes p under task:<id>:progress.
func PublishProgress(ctx context.Context, s KVStore, p TaskProgress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal task progress: %w", err)
	}
	return s.SetValueWithTTL(ctx, progressKey(p.TaskID), string(data), progressTTLSeconds)
}

// GetProgress reads the last published progress for taskID.
func GetProgress(ctx context.Context, s KVStore, taskID string) (TaskProgress, error) {
	resp, err := s.GetValue(ctx, progressKey(taskID))
	if err != nil {
		return TaskProgress{}, err
	}
	var p TaskProgress
	if err := json.Unmarshal([]byte(resp.Message.Value), &p); err != nil {
		return TaskProgress{}, fmt.Errorf("failed to unmarshal task progress: %w", err)
	}
	return p, nil
}

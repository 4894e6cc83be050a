package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/SiriusScan/code-audit/sirius"
	"github.com/SiriusScan/code-audit/sirius/postgres"
	"github.com/SiriusScan/code-audit/sirius/postgres/models"
)

var (
	// ErrEmpty is returned by Dequeue when no task is dispatchable.
	ErrEmpty = errors.New("no queued task available")
	// ErrInvalidTransition is returned when a task is not in the state a
	// transition requires, e.g. completing a task another worker requeued.
	ErrInvalidTransition = errors.New("invalid task state transition")
)

// Reasons recorded on tasks failed by the queue itself.
const (
	ReasonMaxDuration      = "max_duration_exceeded"
	ReasonRetriesExhausted = "retries_exhausted"
)

// dequeueAttempts bounds how often one Dequeue call retries after losing a
// race to another worker.
const dequeueAttempts = 5

var (
	errLostRace    = errors.New("lost dequeue race")
	errProjectBusy = errors.New("project already has a running task")
)

// Filter restricts Dequeue to one tenant when TenantID is set.
type Filter struct {
	TenantID string
}

// JobQueue is the durable task state machine backed by the tasks table.
type JobQueue struct {
	db       *gorm.DB
	notifier Notifier
	now      func() time.Time
}

func NewJobQueue(db *gorm.DB, notifier Notifier) *JobQueue {
	return &JobQueue{db: db, notifier: notifier, now: func() time.Time { return time.Now().UTC() }}
}

// Enqueue announces a queued task to the workers. It is idempotent: a task
// that is running or finished is left alone, and a queued task is only
// dispatched by the Dequeue that wins it.
func (q *JobQueue) Enqueue(ctx context.Context, taskID string) error {
	task, err := postgres.GetTask(q.db.WithContext(ctx), taskID)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", taskID, err)
	}
	if task.Status != sirius.TaskStatusQueued {
		slog.Debug("Enqueue ignored, task not queued", "task_id", taskID, "status", task.Status)
		return nil
	}
	if q.notifier == nil {
		return nil
	}
	if err := q.notifier.Notify(ctx, taskID); err != nil {
		// Workers poll as well, so the task is only delayed.
		slog.Warn("Failed to notify workers", "task_id", taskID, "error", err)
	}
	return nil
}

// Dequeue atomically claims the oldest highest-priority queued task whose
// project has no running task, and marks it running.
func (q *JobQueue) Dequeue(ctx context.Context, workerID string, f Filter) (*models.Task, error) {
	for attempt := 0; attempt < dequeueAttempts; attempt++ {
		task, err := q.tryDequeue(ctx, workerID, f)
		switch {
		case err == nil:
			return task, nil
		case errors.Is(err, errLostRace), errors.Is(err, errProjectBusy):
			slog.Debug("Dequeue retry", "worker_id", workerID, "attempt", attempt, "reason", err)
			continue
		default:
			return nil, err
		}
	}
	return nil, ErrEmpty
}

func (q *JobQueue) tryDequeue(ctx context.Context, workerID string, f Filter) (*models.Task, error) {
	var claimed models.Task
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		busy := tx.Model(&models.Task{}).
			Select("project_id").
			Where("status = ? AND project_id IS NOT NULL", sirius.TaskStatusRunning)

		sel := tx.Model(&models.Task{}).
			Where("status = ?", sirius.TaskStatusQueued).
			Where("project_id IS NULL OR project_id NOT IN (?)", busy)
		if f.TenantID != "" {
			sel = sel.Where("tenant_id = ?", f.TenantID)
		}
		if postgres.IsPostgres(tx) {
			sel = sel.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var ids []string
		if err := sel.Order("priority DESC").Order("created_at ASC").Limit(1).Pluck("id", &ids).Error; err != nil {
			return fmt.Errorf("select queued task: %w", err)
		}
		if len(ids) == 0 {
			return ErrEmpty
		}

		now := q.now()
		result := tx.Model(&models.Task{}).
			Where("id = ? AND status = ?", ids[0], sirius.TaskStatusQueued).
			Updates(map[string]interface{}{
				"status":     sirius.TaskStatusRunning,
				"started_at": now,
				"worker_id":  workerID,
				"updated_at": now,
			})
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
				return errProjectBusy
			}
			return fmt.Errorf("claim task %s: %w", ids[0], result.Error)
		}
		if result.RowsAffected != 1 {
			return errLostRace
		}
		return tx.Where("id = ?", ids[0]).First(&claimed).Error
	})
	if err != nil {
		return nil, err
	}
	slog.Info("Task dequeued", "task_id", claimed.ID, "worker_id", workerID, "tenant_id", claimed.TenantID)
	return &claimed, nil
}

// transition moves a task from one status to another as a single
// conditional update.
func transition(tx *gorm.DB, id string, from, to sirius.TaskStatus, updates map[string]interface{}) error {
	if !sirius.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	updates["status"] = to
	result := tx.Model(&models.Task{}).Where("id = ? AND status = ?", id, from).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected != 1 {
		return fmt.Errorf("%w: task %s is not %s", ErrInvalidTransition, id, from)
	}
	return nil
}

// CompleteTx marks a running task completed inside the transaction that
// persists its findings.
func (q *JobQueue) CompleteTx(tx *gorm.DB, id string, summary datatypes.JSON) error {
	now := q.now()
	return transition(tx, id, sirius.TaskStatusRunning, sirius.TaskStatusCompleted, map[string]interface{}{
		"summary":          summary,
		"progress_percent": 100,
		"eta_seconds":      0,
		"finished_at":      now,
		"updated_at":       now,
	})
}

// Fail marks a running task failed with reason.
func (q *JobQueue) Fail(ctx context.Context, id, reason string) error {
	now := q.now()
	err := transition(q.db.WithContext(ctx), id, sirius.TaskStatusRunning, sirius.TaskStatusFailed, map[string]interface{}{
		"failure_reason": reason,
		"eta_seconds":    0,
		"finished_at":    now,
		"updated_at":     now,
	})
	if err != nil {
		return fmt.Errorf("fail %s: %w", id, err)
	}
	slog.Warn("Task failed", "task_id", id, "reason", reason)
	return nil
}

// Requeue returns a running task to the queue after a transient failure. Once
// the task has used its retries it is failed instead; the returned bool
// reports whether it was requeued.
func (q *JobQueue) Requeue(ctx context.Context, id, reason string) (bool, error) {
	task, err := postgres.GetTask(q.db.WithContext(ctx), id)
	if err != nil {
		return false, fmt.Errorf("requeue %s: %w", id, err)
	}
	if task.Retries >= task.MaxRetries {
		return false, q.Fail(ctx, id, ReasonRetriesExhausted+": "+reason)
	}

	err = transition(q.db.WithContext(ctx), id, sirius.TaskStatusRunning, sirius.TaskStatusQueued, map[string]interface{}{
		"retries":        gorm.Expr("retries + 1"),
		"failure_reason": reason,
		"started_at":     nil,
		"worker_id":      "",
		"updated_at":     q.now(),
	})
	if err != nil {
		return false, fmt.Errorf("requeue %s: %w", id, err)
	}
	slog.Info("Task requeued", "task_id", id, "retry", task.Retries+1, "max_retries", task.MaxRetries, "reason", reason)
	return true, q.Enqueue(ctx, id)
}

// ReapStale fails running tasks that started more than maxDuration ago and
// returns them so their credits can be released.
func (q *JobQueue) ReapStale(ctx context.Context, maxDuration time.Duration) ([]models.Task, error) {
	cutoff := q.now().Add(-maxDuration)
	var stale []models.Task
	if err := q.db.WithContext(ctx).
		Where("status = ? AND started_at < ?", sirius.TaskStatusRunning, cutoff).
		Find(&stale).Error; err != nil {
		return nil, fmt.Errorf("find stale tasks: %w", err)
	}

	reaped := make([]models.Task, 0, len(stale))
	for _, task := range stale {
		if err := q.Fail(ctx, task.ID, ReasonMaxDuration); err != nil {
			// Finished or requeued in the meantime.
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return reaped, err
		}
		task.Status = sirius.TaskStatusFailed
		task.FailureReason = ReasonMaxDuration
		reaped = append(reaped, task)
	}
	return reaped, nil
}

// ReportProgress stores progress for a running task. Updates never move
// the percentage backwards.
func (q *JobQueue) ReportProgress(ctx context.Context, id string, percent, etaSeconds int) error {
	return q.db.WithContext(ctx).Model(&models.Task{}).
		Where("id = ? AND status = ? AND progress_percent <= ?", id, sirius.TaskStatusRunning, percent).
		Updates(map[string]interface{}{
			"progress_percent": percent,
			"eta_seconds":      etaSeconds,
			"updated_at":       q.now(),
		}).Error
}

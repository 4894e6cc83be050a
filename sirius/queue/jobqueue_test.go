package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/SiriusScan/code-audit/sirius"
	"github.com/SiriusScan/code-audit/sirius/postgres"
	"github.com/SiriusScan/code-audit/sirius/postgres/models"
)

func newTestQueue(t *testing.T) (*JobQueue, *gorm.DB, *LocalNotifier) {
	t.Helper()
	db, err := postgres.Connect("sqlite://:memory:")
	require.NoError(t, err)
	require.NoError(t, postgres.Migrate(db))
	n := NewLocalNotifier(16)
	return NewJobQueue(db, n), db, n
}

func addTask(t *testing.T, db *gorm.DB, id string, project *string, priority int, created time.Time) {
	t.Helper()
	require.NoError(t, db.Create(&models.Task{
		ID:         id,
		TenantID:   "tenant-1",
		Type:       sirius.TaskTypeCodeAudit,
		Status:     sirius.TaskStatusQueued,
		Priority:   priority,
		ProjectID:  project,
		MaxRetries: 2,
		CreatedAt:  created,
	}).Error)
}

func strPtr(s string) *string { return &s }

func TestDequeueOrderAndEmpty(t *testing.T) {
	q, db, _ := newTestQueue(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	addTask(t, db, "old", nil, 0, base)
	addTask(t, db, "new", nil, 0, base.Add(time.Minute))
	addTask(t, db, "urgent", nil, 5, base.Add(2*time.Minute))

	var order []string
	for i := 0; i < 3; i++ {
		task, err := q.Dequeue(ctx, "w1", Filter{})
		require.NoError(t, err)
		assert.Equal(t, sirius.TaskStatusRunning, task.Status)
		assert.NotNil(t, task.StartedAt)
		order = append(order, task.ID)
	}
	assert.Equal(t, []string{"urgent", "old", "new"}, order)

	_, err := q.Dequeue(ctx, "w1", Filter{})
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestDequeueTenantFilter(t *testing.T) {
	q, db, _ := newTestQueue(t)
	addTask(t, db, "a", nil, 0, time.Now().UTC())

	_, err := q.Dequeue(context.Background(), "w1", Filter{TenantID: "tenant-2"})
	assert.ErrorIs(t, err, ErrEmpty)

	task, err := q.Dequeue(context.Background(), "w1", Filter{TenantID: "tenant-1"})
	require.NoError(t, err)
	assert.Equal(t, "a", task.ID)
}

func TestConcurrentDequeueSingleWinner(t *testing.T) {
	q, db, _ := newTestQueue(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		addTask(t, db, fmt.Sprintf("task-%02d", i), nil, 0, time.Now().UTC().Add(time.Duration(i)*time.Second))
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[string]string{}
		dups []string
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				task, err := q.Dequeue(ctx, worker, Filter{})
				if errors.Is(err, ErrEmpty) {
					return
				}
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				if prev, ok := seen[task.ID]; ok {
					dups = append(dups, task.ID+" by "+prev+" and "+worker)
				}
				seen[task.ID] = worker
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()

	assert.Empty(t, dups, "no task may be dequeued twice")
	assert.Len(t, seen, 10)
}

func TestDequeueSkipsBusyProject(t *testing.T) {
	q, db, _ := newTestQueue(t)
	ctx := context.Background()
	base := time.Now().UTC()

	addTask(t, db, "p1-first", strPtr("p1"), 0, base)
	addTask(t, db, "p1-second", strPtr("p1"), 0, base.Add(time.Second))
	addTask(t, db, "p2-only", strPtr("p2"), 0, base.Add(2*time.Second))

	first, err := q.Dequeue(ctx, "w1", Filter{})
	require.NoError(t, err)
	assert.Equal(t, "p1-first", first.ID)

	second, err := q.Dequeue(ctx, "w2", Filter{})
	require.NoError(t, err)
	assert.Equal(t, "p2-only", second.ID, "a second task of a busy project must wait")

	_, err = q.Dequeue(ctx, "w3", Filter{})
	assert.ErrorIs(t, err, ErrEmpty)

	require.NoError(t, q.Fail(ctx, first.ID, "boom"))
	third, err := q.Dequeue(ctx, "w3", Filter{})
	require.NoError(t, err)
	assert.Equal(t, "p1-second", third.ID)
}

func TestRequeueUntilRetriesExhausted(t *testing.T) {
	q, db, n := newTestQueue(t)
	ctx := context.Background()
	addTask(t, db, "flaky", nil, 0, time.Now().UTC())

	for i := 1; i <= 2; i++ {
		_, err := q.Dequeue(ctx, "w1", Filter{})
		require.NoError(t, err)
		requeued, err := q.Requeue(ctx, "flaky", "analyzer timeout")
		require.NoError(t, err)
		assert.True(t, requeued)

		task, _ := postgres.GetTask(db, "flaky")
		assert.Equal(t, sirius.TaskStatusQueued, task.Status)
		assert.Equal(t, i, task.Retries)
		assert.Nil(t, task.StartedAt)
		assert.Equal(t, "flaky", <-n.Wakeups())
	}

	_, err := q.Dequeue(ctx, "w1", Filter{})
	require.NoError(t, err)
	requeued, err := q.Requeue(ctx, "flaky", "analyzer timeout")
	require.NoError(t, err)
	assert.False(t, requeued)

	task, _ := postgres.GetTask(db, "flaky")
	assert.Equal(t, sirius.TaskStatusFailed, task.Status)
	assert.Contains(t, task.FailureReason, ReasonRetriesExhausted)
	assert.NotNil(t, task.FinishedAt)
}

func TestTransitionsAreGuarded(t *testing.T) {
	q, db, _ := newTestQueue(t)
	ctx := context.Background()
	addTask(t, db, "t1", nil, 0, time.Now().UTC())

	// queued -> failed is not an edge of the state machine.
	assert.ErrorIs(t, q.Fail(ctx, "t1", "nope"), ErrInvalidTransition)

	_, err := q.Dequeue(ctx, "w1", Filter{})
	require.NoError(t, err)
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return q.CompleteTx(tx, "t1", nil)
	}))

	task, _ := postgres.GetTask(db, "t1")
	assert.Equal(t, sirius.TaskStatusCompleted, task.Status)
	assert.Equal(t, 100, task.ProgressPercent)

	// Terminal states never change.
	assert.ErrorIs(t, q.Fail(ctx, "t1", "late"), ErrInvalidTransition)
	_, err = q.Requeue(ctx, "t1", "late")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestEnqueueIsIdempotent(t *testing.T) {
	q, db, n := newTestQueue(t)
	ctx := context.Background()
	addTask(t, db, "t1", nil, 0, time.Now().UTC())

	require.NoError(t, q.Enqueue(ctx, "t1"))
	assert.Equal(t, "t1", <-n.Wakeups())

	_, err := q.Dequeue(ctx, "w1", Filter{})
	require.NoError(t, err)

	// Re-enqueueing a running task neither notifies nor changes it.
	require.NoError(t, q.Enqueue(ctx, "t1"))
	select {
	case id := <-n.Wakeups():
		t.Fatalf("unexpected wake-up for %s", id)
	default:
	}
	_, err = q.Dequeue(ctx, "w2", Filter{})
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestReapStale(t *testing.T) {
	q, db, _ := newTestQueue(t)
	ctx := context.Background()
	addTask(t, db, "stuck", nil, 0, time.Now().UTC())
	addTask(t, db, "fresh", nil, 0, time.Now().UTC().Add(time.Second))

	_, err := q.Dequeue(ctx, "w1", Filter{})
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, "w2", Filter{})
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.Task{}).Where("id = ?", "stuck").
		Update("started_at", time.Now().UTC().Add(-3*time.Hour)).Error)

	reaped, err := q.ReapStale(ctx, 2*time.Hour)
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.Equal(t, "stuck", reaped[0].ID)

	task, _ := postgres.GetTask(db, "stuck")
	assert.Equal(t, sirius.TaskStatusFailed, task.Status)
	assert.Equal(t, ReasonMaxDuration, task.FailureReason)
}

func TestReportProgressIsMonotonic(t *testing.T) {
	q, db, _ := newTestQueue(t)
	ctx := context.Background()
	addTask(t, db, "t1", nil, 0, time.Now().UTC())
	_, err := q.Dequeue(ctx, "w1", Filter{})
	require.NoError(t, err)

	require.NoError(t, q.ReportProgress(ctx, "t1", 50, 30))
	require.NoError(t, q.ReportProgress(ctx, "t1", 20, 90))

	task, _ := postgres.GetTask(db, "t1")
	assert.Equal(t, 50, task.ProgressPercent)
	assert.Equal(t, 30, task.ETASeconds)
}

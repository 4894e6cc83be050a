package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/SiriusScan/code-audit/sirius"
	"github.com/SiriusScan/code-audit/sirius/executor"
	"github.com/SiriusScan/code-audit/sirius/postgres"
	"github.com/SiriusScan/code-audit/sirius/postgres/models"
	"github.com/SiriusScan/code-audit/sirius/queue"
)

// fakeExecutor completes every task after a short delay.
type fakeExecutor struct {
	db    *gorm.DB
	q     *queue.JobQueue
	delay time.Duration

	mu       sync.Mutex
	runs     map[string]int
	released []string
	active   atomic.Int32
	peak     atomic.Int32
}

func newFakeExecutor(db *gorm.DB, q *queue.JobQueue, delay time.Duration) *fakeExecutor {
	return &fakeExecutor{db: db, q: q, delay: delay, runs: make(map[string]int)}
}

func (f *fakeExecutor) Execute(ctx context.Context, task *models.Task) executor.Outcome {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	f.mu.Lock()
	f.runs[task.ID]++
	f.mu.Unlock()

	time.Sleep(f.delay)
	err := f.db.Transaction(func(tx *gorm.DB) error {
		return f.q.CompleteTx(tx, task.ID, nil)
	})
	if err != nil {
		return executor.Outcome{Status: sirius.TaskStatusFailed, Reason: err.Error()}
	}
	return executor.Outcome{Status: sirius.TaskStatusCompleted}
}

func (f *fakeExecutor) ReleaseCredits(ctx context.Context, task models.Task, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, task.ID+":"+reason)
}

func (f *fakeExecutor) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.runs {
		total += n
	}
	return total
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := postgres.Connect("sqlite://:memory:")
	require.NoError(t, err)
	require.NoError(t, postgres.Migrate(db))
	return db
}

func addTask(t *testing.T, db *gorm.DB, id string) {
	t.Helper()
	require.NoError(t, db.Create(&models.Task{
		ID:         id,
		TenantID:   "tenant-1",
		Type:       sirius.TaskTypeCodeAudit,
		Status:     sirius.TaskStatusQueued,
		MaxRetries: 2,
	}).Error)
}

func startPool(t *testing.T, p *Pool) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("pool did not stop")
		}
	}
}

func TestPoolRunsEveryTaskOnce(t *testing.T) {
	db := newTestDB(t)
	q := queue.NewJobQueue(db, nil)
	exec := newFakeExecutor(db, q, 10*time.Millisecond)
	for i := 0; i < 12; i++ {
		addTask(t, db, fmt.Sprintf("task-%02d", i))
	}

	p := NewPool(q, exec, Options{ID: "test", Concurrency: 3, PollInterval: 10 * time.Millisecond})
	stop := startPool(t, p)
	require.Eventually(t, func() bool { return p.Stats().Completed == 12 }, 5*time.Second, 10*time.Millisecond)
	stop()

	assert.Equal(t, 12, exec.runCount())
	for id, n := range exec.runs {
		assert.Equal(t, 1, n, "task %s ran once", id)
	}
	assert.LessOrEqual(t, exec.peak.Load(), int32(3))

	var queued int64
	require.NoError(t, db.Model(&models.Task{}).Where("status <> ?", sirius.TaskStatusCompleted).Count(&queued).Error)
	assert.Zero(t, queued)
}

func TestPoolWakesOnNotification(t *testing.T) {
	db := newTestDB(t)
	notifier := queue.NewLocalNotifier(4)
	q := queue.NewJobQueue(db, notifier)
	exec := newFakeExecutor(db, q, 0)

	// Polling alone would take an hour.
	p := NewPool(q, exec, Options{ID: "test", Concurrency: 1, PollInterval: time.Hour, Wakeups: notifier.Wakeups()})
	stop := startPool(t, p)
	defer stop()

	// Let the worker find the queue empty and go idle.
	time.Sleep(50 * time.Millisecond)
	addTask(t, db, "late")
	require.NoError(t, q.Enqueue(context.Background(), "late"))

	require.Eventually(t, func() bool { return p.Stats().Completed == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestPoolDefersWhileCPUBusy(t *testing.T) {
	db := newTestDB(t)
	q := queue.NewJobQueue(db, nil)
	exec := newFakeExecutor(db, q, 0)
	addTask(t, db, "busy")

	var load atomic.Int64
	load.Store(95)
	p := NewPool(q, exec, Options{
		ID:            "test",
		Concurrency:   1,
		PollInterval:  10 * time.Millisecond,
		MaxCPUPercent: 80,
		CPULoad: func(context.Context) (float64, error) {
			return float64(load.Load()), nil
		},
	})
	stop := startPool(t, p)
	defer stop()

	require.Eventually(t, func() bool { return p.Stats().Throttled >= 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, exec.runCount())

	load.Store(20)
	require.Eventually(t, func() bool { return p.Stats().Completed == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestReapReleasesCredits(t *testing.T) {
	db := newTestDB(t)
	q := queue.NewJobQueue(db, nil)
	exec := newFakeExecutor(db, q, 0)

	started := time.Now().UTC().Add(-3 * time.Hour)
	require.NoError(t, db.Create(&models.Task{
		ID: "stuck", TenantID: "tenant-1", Type: sirius.TaskTypeCodeAudit, Status: sirius.TaskStatusRunning,
		MaxRetries: 2, StartedAt: &started, WorkerID: "dead-worker",
	}).Error)
	addTask(t, db, "waiting")

	p := NewPool(q, exec, Options{ID: "test", MaxTaskDuration: time.Hour})
	assert.Equal(t, 1, p.Reap(context.Background()))
	assert.Equal(t, []string{"stuck:" + queue.ReasonMaxDuration}, exec.released)
	assert.Equal(t, int64(1), p.Stats().Reaped)

	stuck, err := postgres.GetTask(db, "stuck")
	require.NoError(t, err)
	assert.Equal(t, sirius.TaskStatusFailed, stuck.Status)
	waiting, err := postgres.GetTask(db, "waiting")
	require.NoError(t, err)
	assert.Equal(t, sirius.TaskStatusQueued, waiting.Status, "queued tasks are not reaped")
}

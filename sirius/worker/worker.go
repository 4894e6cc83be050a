// Package worker runs the scan executor over the job queue with a fixed
// number of concurrent dequeuers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/sync/errgroup"

	"github.com/SiriusScan/code-audit/sirius"
	"github.com/SiriusScan/code-audit/sirius/executor"
	"github.com/SiriusScan/code-audit/sirius/postgres/models"
	"github.com/SiriusScan/code-audit/sirius/queue"
)

// Executor runs one dequeued task; *executor.Executor implements it.
type Executor interface {
	Execute(ctx context.Context, task *models.Task) executor.Outcome
	ReleaseCredits(ctx context.Context, task models.Task, reason string)
}

type Options struct {
	ID              string
	Concurrency     int
	PollInterval    time.Duration
	MaxTaskDuration time.Duration
	ReapInterval    time.Duration
	Filter          queue.Filter
	// Wakeups carries task ids announced by the queue notifier. Optional;
	// without it workers only poll.
	Wakeups <-chan string
	// MaxCPUPercent pauses dequeuing while host CPU is above it. Zero
	// disables the check.
	MaxCPUPercent float64
	// CPULoad overrides the host CPU probe.
	CPULoad func(ctx context.Context) (float64, error)
}

// Stats counts task outcomes since the pool started.
type Stats struct {
	Completed int64
	Failed    int64
	Requeued  int64
	Reaped    int64
	Throttled int64
}

type Pool struct {
	queue *queue.JobQueue
	exec  Executor
	opts  Options
	wake  chan struct{}

	completed atomic.Int64
	failed    atomic.Int64
	requeued  atomic.Int64
	reaped    atomic.Int64
	throttled atomic.Int64
}

func NewPool(q *queue.JobQueue, exec Executor, opts Options) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = time.Minute
	}
	if opts.ID == "" {
		host, _ := os.Hostname()
		opts.ID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if opts.CPULoad == nil {
		opts.CPULoad = hostCPU
	}
	return &Pool{
		queue: q,
		exec:  exec,
		opts:  opts,
		wake:  make(chan struct{}, opts.Concurrency),
	}
}

// Wake nudges an idle worker to dequeue now. It never blocks.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) Stats() Stats {
	return Stats{
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Requeued:  p.requeued.Load(),
		Reaped:    p.reaped.Load(),
		Throttled: p.throttled.Load(),
	}
}

// Run blocks until ctx is cancelled. Tasks already running are finished
// before it returns.
func (p *Pool) Run(ctx context.Context) error {
	slog.Info("Worker pool starting", "worker_id", p.opts.ID, "concurrency", p.opts.Concurrency,
		"poll_interval", p.opts.PollInterval, "max_task_duration", p.opts.MaxTaskDuration)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Concurrency; i++ {
		id := fmt.Sprintf("%s/%d", p.opts.ID, i)
		g.Go(func() error {
			p.loop(gctx, id)
			return nil
		})
	}
	if p.opts.Wakeups != nil {
		g.Go(func() error {
			p.forwardWakeups(gctx)
			return nil
		})
	}
	if p.opts.MaxTaskDuration > 0 {
		g.Go(func() error {
			p.reapLoop(gctx)
			return nil
		})
	}

	err := g.Wait()
	slog.Info("Worker pool stopped", "worker_id", p.opts.ID, "completed", p.completed.Load(),
		"failed", p.failed.Load(), "requeued", p.requeued.Load())
	return err
}

func (p *Pool) forwardWakeups(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-p.opts.Wakeups:
			if !ok {
				return
			}
			p.Wake()
		}
	}
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	log := slog.With("worker_id", workerID)
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		if !p.overloaded(ctx, log) {
			task, err := p.queue.Dequeue(ctx, workerID, p.opts.Filter)
			switch {
			case err == nil:
				p.run(ctx, task, log)
				continue
			case errors.Is(err, queue.ErrEmpty), errors.Is(err, context.Canceled):
			default:
				log.Error("Dequeue failed", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-ticker.C:
		}
	}
}

// overloaded reports whether the host is too busy to take another task.
// A failed probe never blocks work.
func (p *Pool) overloaded(ctx context.Context, log *slog.Logger) bool {
	if p.opts.MaxCPUPercent <= 0 {
		return false
	}
	load, err := p.opts.CPULoad(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("CPU probe failed", "error", err)
		}
		return false
	}
	if load < p.opts.MaxCPUPercent {
		return false
	}
	p.throttled.Add(1)
	log.Debug("Deferring dequeue, host CPU above limit", "cpu_percent", load, "limit", p.opts.MaxCPUPercent)
	return true
}

// hostCPU averages per-core usage over a short sample.
func hostCPU(ctx context.Context) (float64, error) {
	per, err := cpu.PercentWithContext(ctx, 500*time.Millisecond, true)
	if err != nil {
		return 0, err
	}
	if len(per) == 0 {
		return 0, errors.New("no cpu samples")
	}
	var total float64
	for _, v := range per {
		total += v
	}
	return total / float64(len(per)), nil
}

// run executes a task detached from pool shutdown; the task's own deadline
// is MaxTaskDuration.
func (p *Pool) run(ctx context.Context, task *models.Task, log *slog.Logger) {
	taskCtx := context.WithoutCancel(ctx)
	if p.opts.MaxTaskDuration > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(taskCtx, p.opts.MaxTaskDuration)
		defer cancel()
	}

	start := time.Now()
	out := p.exec.Execute(taskCtx, task)
	switch out.Status {
	case sirius.TaskStatusCompleted:
		p.completed.Add(1)
	case sirius.TaskStatusQueued:
		p.requeued.Add(1)
	default:
		p.failed.Add(1)
	}
	log.Info("Task finished", "task_id", task.ID, "status", out.Status, "reason", out.Reason,
		"duration", time.Since(start).Round(time.Millisecond))
}

func (p *Pool) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(p.opts.ReapInterval)
	defer ticker.Stop()
	for {
		p.Reap(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Reap fails tasks running longer than MaxTaskDuration, which covers
// workers that died mid-task, and releases their credits.
func (p *Pool) Reap(ctx context.Context) int {
	stale, err := p.queue.ReapStale(ctx, p.opts.MaxTaskDuration)
	if err != nil && ctx.Err() == nil {
		slog.Error("Stale task reaper failed", "error", err)
	}
	for _, task := range stale {
		slog.Warn("Reaped stale task", "task_id", task.ID, "tenant_id", task.TenantID, "worker_id", task.WorkerID)
		p.exec.ReleaseCredits(ctx, task, queue.ReasonMaxDuration)
	}
	p.reaped.Add(int64(len(stale)))
	return len(stale)
}

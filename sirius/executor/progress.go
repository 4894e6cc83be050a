package executor

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/SiriusScan/code-audit/sirius"
	"github.com/SiriusScan/code-audit/sirius/postgres/models"
	"github.com/SiriusScan/code-audit/sirius/store"
	"github.com/SiriusScan/code-audit/sirius/telemetry"
)

const defaultTier = "standard"

type stage struct {
	name    string
	percent int
}

var (
	stageUnpack = stage{"unpack", 10}
	stageRules  = stage{"rules", 20}
	stageScan   = stage{"scan", 50}
	stageLink   = stage{"link", 60}
	stageTriage = stage{"triage", 85}
	stageDiff   = stage{"diff", 95}
)

// progress reports stage completion to the tasks table and the KV mirror.
// Percent never decreases; the ETA extrapolates elapsed time linearly.
type progress struct {
	e       *Executor
	task    *models.Task
	started time.Time
	last    int
}

func (e *Executor) newProgress(task *models.Task) *progress {
	return &progress{e: e, task: task, started: e.now(), last: task.ProgressPercent}
}

func (p *progress) report(ctx context.Context, s stage) {
	if s.percent < p.last {
		return
	}
	p.last = s.percent
	eta := estimateETA(p.e.now().Sub(p.started), s.percent)

	if err := p.e.Queue.ReportProgress(ctx, p.task.ID, s.percent, eta); err != nil {
		slog.Warn("Failed to store task progress", "task_id", p.task.ID, "stage", s.name, "error", err)
	}
	p.publish(ctx, s.name, s.percent, eta, sirius.TaskStatusRunning)
	telemetry.AddSpanEvent(ctx, "stage."+s.name, attribute.Int("percent", s.percent))
}

// finish publishes the terminal (or requeued) state to the KV mirror; the
// database row was already updated by the queue.
func (p *progress) finish(ctx context.Context, status sirius.TaskStatus) {
	percent := p.last
	if status == sirius.TaskStatusCompleted {
		percent = 100
	}
	p.publish(ctx, string(status), percent, 0, status)
}

func (p *progress) publish(ctx context.Context, stageName string, percent, eta int, status sirius.TaskStatus) {
	if p.e.KV == nil {
		return
	}
	err := store.PublishProgress(ctx, p.e.KV, store.TaskProgress{
		TaskID:     p.task.ID,
		Stage:      stageName,
		Percent:    percent,
		ETASeconds: eta,
		Status:     string(status),
		UpdatedAt:  p.e.now(),
	})
	if err != nil {
		slog.Warn("Failed to publish task progress", "task_id", p.task.ID, "error", err)
	}
}

func estimateETA(elapsed time.Duration, percent int) int {
	if percent <= 0 || percent >= 100 {
		return 0
	}
	return int(elapsed.Seconds() * float64(100-percent) / float64(percent))
}

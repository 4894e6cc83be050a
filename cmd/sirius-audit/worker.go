package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/SiriusScan/code-audit/sirius/analyzer"
	"github.com/SiriusScan/code-audit/sirius/archive"
	"github.com/SiriusScan/code-audit/sirius/events"
	"github.com/SiriusScan/code-audit/sirius/executor"
	"github.com/SiriusScan/code-audit/sirius/ledger"
	"github.com/SiriusScan/code-audit/sirius/queue"
	"github.com/SiriusScan/code-audit/sirius/snapshot"
	"github.com/SiriusScan/code-audit/sirius/triage"
	"github.com/SiriusScan/code-audit/sirius/worker"
)

var (
	workerConcurrency int
	workerTenant      string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run scan workers that drain the task queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := bootstrap(ctx, "sirius-audit-worker", true)
		if err != nil {
			return err
		}
		defer rt.close(context.Background())

		notifier := queue.NewAMQPNotifier(rt.cfg.AMQPURL, rt.cfg.QueueName)
		defer notifier.Close()
		q := queue.NewJobQueue(rt.db, notifier)
		buf := events.NewBuffer(rt.recorder, 2*time.Second, 100)
		defer func() {
			if err := buf.Close(); err != nil {
				slog.Warn("Failed to flush events", "error", err)
			}
		}()

		concurrency := rt.cfg.WorkerConcurrency
		if workerConcurrency > 0 {
			concurrency = workerConcurrency
		}
		pool := worker.NewPool(q, rt.executor(q, buf), worker.Options{
			ID:              workerID(),
			Concurrency:     concurrency,
			PollInterval:    rt.cfg.PollInterval,
			MaxTaskDuration: rt.cfg.MaxTaskDuration,
			Filter:          queue.Filter{TenantID: workerTenant},
			MaxCPUPercent:   float64(rt.cfg.WorkerMaxCPUPercent),
		})

		go queue.ListenWakeups(ctx, rt.cfg.AMQPURL, rt.cfg.QueueName, func(taskID string) {
			slog.Debug("Task announced", "task_id", taskID)
			pool.Wake()
		})

		return pool.Run(ctx)
	},
}

func init() {
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 0, "Parallel tasks (overrides WORKER_CONCURRENCY)")
	workerCmd.Flags().StringVar(&workerTenant, "tenant", "", "Only run tasks of this tenant")
}

// executor wires the scan pipeline. Events go through buf when it is set.
func (rt *runtime) executor(q *queue.JobQueue, buf *events.Buffer) *executor.Executor {
	cfg := rt.cfg
	tc := triage.NewClient(cfg.TriageURL, cfg.TriageTimeout)
	deps := executor.Deps{
		DB:        rt.db,
		Queue:     q,
		Ledger:    ledger.New(rt.db),
		KV:        rt.kv,
		Plans:     rt.plans,
		Scanner:   analyzer.NewRunner(cfg.AnalyzerBin, cfg.AnalyzerProfile, cfg.AnalyzerTimeout),
		Triage:    tc,
		Rules:     tc,
		Snapshots: snapshot.NewSnapshotManager(rt.kv),
	}
	if buf != nil {
		deps.Events = buf
	}
	return executor.New(deps, executor.Options{
		WorkDir:       cfg.WorkDir,
		Limits:        archive.Limits{MaxBytes: cfg.MaxUnpackedBytes, MaxFiles: cfg.MaxArchiveFiles},
		TriageWorkers: cfg.TriageWorkers,
		TriageTimeout: cfg.TriageTimeout,
		LineBucket:    cfg.LineBucket,
		LineTolerance: cfg.LineTolerance,
	})
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

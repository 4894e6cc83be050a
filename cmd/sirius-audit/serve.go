package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/SiriusScan/code-audit/api"
	"github.com/SiriusScan/code-audit/sirius/events"
	"github.com/SiriusScan/code-audit/sirius/ingest"
	"github.com/SiriusScan/code-audit/sirius/ledger"
	"github.com/SiriusScan/code-audit/sirius/malware"
	"github.com/SiriusScan/code-audit/sirius/queue"
	"github.com/SiriusScan/code-audit/sirius/snapshot"
	"github.com/SiriusScan/code-audit/sirius/worker"
)

var embeddedWorkers int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the HTTP API. With --workers N the scan workers run in the same
process and are woken in-process instead of through RabbitMQ.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := bootstrap(ctx, "sirius-audit-api", true)
		if err != nil {
			return err
		}
		defer rt.close(context.Background())

		var (
			notifier queue.Notifier
			local    *queue.LocalNotifier
		)
		if embeddedWorkers > 0 {
			local = queue.NewLocalNotifier(embeddedWorkers * 4)
			notifier = local
		} else {
			amqpNotifier := queue.NewAMQPNotifier(rt.cfg.AMQPURL, rt.cfg.QueueName)
			defer amqpNotifier.Close()
			notifier = amqpNotifier
		}
		q := queue.NewJobQueue(rt.db, notifier)
		gate := rt.gate()

		gateway := ingest.NewGateway(ingest.Deps{
			DB:       rt.db,
			Queue:    q,
			Ledger:   ledger.New(rt.db),
			KV:       rt.kv,
			Plans:    rt.plans,
			Malware:  malware.NewClient(rt.cfg.MalwareScanURL, rt.cfg.MalwareTimeout),
			Trust:    gate,
			Recorder: rt.recorder,
		}, ingest.Options{
			ArtifactDir:    rt.cfg.ArtifactDir,
			MaxUploadBytes: rt.cfg.MaxUploadBytes,
			IdempotencyTTL: rt.cfg.IdempotencyTTL,
			MaxRetries:     rt.cfg.MaxRetries,
		})

		buf := events.NewBuffer(rt.recorder, 2*time.Second, 100)
		defer func() {
			if err := buf.Close(); err != nil {
				slog.Warn("Failed to flush events", "error", err)
			}
		}()
		exec := rt.executor(q, buf)

		handler := api.NewHandler(rt.db, rt.kv, gateway, exec, snapshot.NewSnapshotManager(rt.kv))
		server := api.NewServer(rt.cfg.ListenAddr, handler, rt.kv, gate, rt.cfg.CORSAllowedOrigins...)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			gate.Run(gctx)
			return nil
		})
		g.Go(func() error {
			slog.Info("API listening", "addr", rt.cfg.ListenAddr)
			return server.Start()
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
		if local != nil {
			pool := worker.NewPool(q, exec, worker.Options{
				ID:              workerID(),
				Concurrency:     embeddedWorkers,
				PollInterval:    rt.cfg.PollInterval,
				MaxTaskDuration: rt.cfg.MaxTaskDuration,
				Wakeups:         local.Wakeups(),
				MaxCPUPercent:   float64(rt.cfg.WorkerMaxCPUPercent),
			})
			g.Go(func() error { return pool.Run(gctx) })
		}

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		slog.Info("API stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&embeddedWorkers, "workers", 0, "Run this many scan workers in-process")
}

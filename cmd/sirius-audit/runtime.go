package main

import (
	"context"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"github.com/SiriusScan/code-audit/sirius"
	"github.com/SiriusScan/code-audit/sirius/config"
	"github.com/SiriusScan/code-audit/sirius/events"
	"github.com/SiriusScan/code-audit/sirius/postgres"
	"github.com/SiriusScan/code-audit/sirius/slogger"
	"github.com/SiriusScan/code-audit/sirius/store"
	"github.com/SiriusScan/code-audit/sirius/telemetry"
	"github.com/SiriusScan/code-audit/sirius/trust"
)

// runtime holds the connections shared by every subcommand.
type runtime struct {
	cfg      *config.Config
	db       *gorm.DB
	kv       store.KVStore
	plans    *config.PlanCatalog
	recorder *events.Recorder
	shutdown func(context.Context) error
}

// bootstrap loads config and opens the database. The KV store and tracing
// are only opened when withKV is set.
func bootstrap(ctx context.Context, service string, withKV bool) (*runtime, error) {
	slogger.Init()
	cfg := config.Load()
	if plansFile != "" {
		cfg.PlansFile = plansFile
	}

	rt := &runtime{cfg: cfg, shutdown: func(context.Context) error { return nil }}

	db, err := postgres.Connect(cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	postgres.SetDB(db)
	rt.db = db
	rt.recorder = events.NewRecorder(db, service)

	if !withKV {
		return rt, nil
	}

	shutdown, err := telemetry.Init(ctx, service)
	if err != nil {
		slog.Warn("Tracing disabled", "error", err)
	} else {
		rt.shutdown = shutdown
	}

	kv, err := store.NewValkeyStore(cfg.ValkeyAddr)
	if err != nil {
		return nil, fmt.Errorf("connect valkey: %w", err)
	}
	rt.kv = kv

	plans, err := config.LoadPlanCatalog(cfg.PlansFile)
	if err != nil {
		return nil, err
	}
	if err := plans.Watch(ctx); err != nil {
		slog.Warn("Plan catalog will not hot-reload", "error", err)
	}
	rt.plans = plans
	return rt, nil
}

func (rt *runtime) gate() *trust.Gate {
	cfg := rt.cfg
	return trust.NewGate(rt.db, rt.kv, rt.recorder, trust.Options{
		StrikeThreshold: cfg.StrikeThreshold,
		BanDuration:     cfg.BanDuration,
		SyncInterval:    cfg.TrustSyncInterval,
		Window:          cfg.RateLimitWindow,
		Limits: map[sirius.IdentityType]int{
			sirius.IdentityIP:     cfg.RateLimitIP,
			sirius.IdentityAPIKey: cfg.RateLimitAPIKey,
			sirius.IdentityTenant: cfg.RateLimitTenant,
			sirius.IdentityUser:   cfg.RateLimitUser,
		},
	})
}

func (rt *runtime) close(ctx context.Context) {
	if rt.kv != nil {
		if err := rt.kv.Close(); err != nil {
			slog.Warn("Failed to close valkey", "error", err)
		}
	}
	if err := rt.shutdown(ctx); err != nil {
		slog.Warn("Failed to flush traces", "error", err)
	}
}

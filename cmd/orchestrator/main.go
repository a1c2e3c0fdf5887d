// The orchestrator is the VM control plane core: it owns the scheduling
// configuration, node registry, capacity math, node-agent command dispatch,
// and the event log.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/vmgrid/vmgrid/internal/capacity"
	"github.com/vmgrid/vmgrid/internal/command"
	"github.com/vmgrid/vmgrid/internal/config"
	"github.com/vmgrid/vmgrid/internal/controller/gpusetup"
	"github.com/vmgrid/vmgrid/internal/events"
	"github.com/vmgrid/vmgrid/internal/orchestrator"
	"github.com/vmgrid/vmgrid/internal/reviews"
	"github.com/vmgrid/vmgrid/internal/schedconfig"
	"github.com/vmgrid/vmgrid/internal/scheduler"
	"github.com/vmgrid/vmgrid/internal/state"
	"github.com/vmgrid/vmgrid/internal/store"
)

func main() {
	var configFile string
	var logLevel string
	flag.StringVar(&configFile, "config", "", "Path to config file (defaults + env when empty)")
	flag.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	setupLogging(logLevel)

	cfg := loadConfig(configFile)
	if err := config.Validate(cfg); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("starting orchestrator", "region", cfg.Region, "db", cfg.Database.Path)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Open SQLite. Failure is not fatal: every consumer is nil-safe and
	// falls back to in-memory state.
	var appDB *store.DB
	if db, err := store.Open(store.Config{
		Path:          cfg.Database.Path,
		RetentionDays: cfg.Database.RetentionDays,
	}); err != nil {
		slog.Warn("database open failed, continuing in-memory", "error", err)
	} else {
		appDB = db
		defer appDB.Close()
	}

	var sqlDB *sql.DB
	var writer *store.Writer
	if appDB != nil {
		sqlDB = appDB.RawDB()
		writer = store.NewWriter(sqlDB, cfg.Database.WriteBuffer)
		writer.Run(ctx)
	}

	// Core services.
	schedSvc := schedconfig.NewService(sqlDB, cfg.Scheduling.CacheTTL)
	calc := capacity.NewCalculator(schedSvc)
	sink := events.NewSink(cfg.Events.MaxBuffered, writer)
	nodes := state.NewRegistry(sqlDB, writer)
	breaker := state.NewDeliveryBreaker(cfg.Commands.BreakerErrorRate, cfg.Commands.BreakerWindow)
	messenger := command.NewQueueMessenger(cfg.Commands.OutboxCapacity)
	commands := command.NewRegistry(sqlDB, messenger, breaker)
	gpuCtl := gpusetup.NewController(nodes, commands, sink)
	var reviewSvc *reviews.Service
	if sqlDB != nil {
		reviewSvc = reviews.NewService(sqlDB)
	}

	core := &orchestrator.Core{
		Config:    schedSvc,
		Capacity:  calc,
		Nodes:     nodes,
		Commands:  commands,
		GpuSetup:  gpuCtl,
		Scheduler: scheduler.New(schedSvc, calc, cfg.Region),
		Events:    sink,
		Reviews:   reviewSvc,
	}

	// Restore durable state from the previous run.
	if err := nodes.Restore(ctx); err != nil {
		slog.Error("restoring node registry", "error", err)
		os.Exit(1)
	}
	if err := commands.Restore(ctx); err != nil {
		slog.Error("restoring outstanding commands", "error", err)
		os.Exit(1)
	}
	if _, err := schedSvc.GetConfig(ctx); err != nil {
		slog.Error("loading scheduling config", "error", err)
		os.Exit(1)
	}

	// Ack-timeout reaper.
	go commands.Run(ctx, cfg.Commands.ReapInterval)

	// Hourly maintenance: retention cleanup and stale node-lock expiry.
	maint := cron.New()
	if _, err := maint.AddFunc("@hourly", func() {
		if appDB != nil {
			if err := appDB.Cleanup(); err != nil {
				slog.Error("database cleanup", "error", err)
			}
		}
		if writer != nil {
			if n := writer.DroppedCount(); n > 0 {
				slog.Warn("database writer drops detected", "totalDropped", n)
			}
		}
		nodes.Lock.ExpireStale(10 * time.Minute)
	}); err != nil {
		slog.Error("scheduling maintenance job", "error", err)
		os.Exit(1)
	}
	maint.Start()
	defer maint.Stop()

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	slog.Info("orchestrator ready",
		"nodes", len(core.Nodes.List()),
		"outstandingCommands", commands.OutstandingCount())
	<-ctx.Done()

	slog.Info("shutting down")
	// Drains the shared async writer, flushing pending event and node writes
	// before the deferred DB close.
	sink.Flush()
}

func setupLogging(level string) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

func loadConfig(path string) *config.Config {
	if path == "" {
		return config.Load()
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		slog.Warn("failed to load config file, falling back to defaults/env", "path", path, "error", err)
		return config.Load()
	}
	return cfg
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	slog.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("metrics server", "error", err)
	}
}

// cmd/helmsman/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/helmsman/internal/api"
	"github.com/FairForge/helmsman/internal/audit"
	"github.com/FairForge/helmsman/internal/config"
	"github.com/FairForge/helmsman/internal/controller"
)

func main() {
	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	configPath := os.Getenv("HELMSMAN_CONFIG")
	if configPath == "" {
		configPath = "/etc/helmsman/helmsman.yaml"
	}

	loader, err := config.NewLoader(configPath, logger)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.String("path", configPath), zap.Error(err))
	}
	defer func() { _ = loader.Close() }()
	cfg := loader.Current()

	// Audit trail: in-memory always, Postgres when a DSN is configured.
	var sinks []audit.Sink
	if dsn := cfg.Controller.AuditDSN; dsn != "" {
		pg, err := audit.NewPostgresSink(dsn)
		if err != nil {
			logger.Fatal("failed to open audit sink", zap.Error(err))
		}
		defer func() { _ = pg.Close() }()
		sinks = append(sinks, pg)
		logger.Info("postgres audit sink enabled")
	}
	recorder := audit.NewRecorder(cfg.Controller.AuditTrailSize, sinks...)

	// Collaborators are deployment-specific; the in-memory fakes keep a
	// standalone controller runnable for development and drills.
	guard := controller.NewFakeGuard()
	jobs := controller.NewFakeJobStore()
	kill := controller.NewFakeKillSwitch()

	ctrl, err := controller.New(cfg, guard, jobs, kill, recorder, logger)
	if err != nil {
		logger.Fatal("failed to build controller", zap.Error(err))
	}

	loader.OnChange(ctrl.ApplyConfig)
	if err := loader.Watch(); err != nil {
		logger.Warn("config watch disabled", zap.Error(err))
	}

	server := api.NewServer(cfg.Server.Port, ctrl, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go ctrl.Run(ctx)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("admin server failed", zap.Error(err))
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"device-control/internal/config"
	"device-control/internal/firmware"
	"device-control/internal/queue"
	"device-control/internal/store"
	"device-control/internal/telemetry"
	"device-control/internal/worker"
)

func main() {
	cfg := config.Load()
	log := telemetry.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.WithError(err).Fatal("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.WithError(err).Fatal("migrations")
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		workerID, _ = os.Hostname()
	}
	wlog := log.WithField("worker_id", workerID)
	// WORKER_ID may be shared by replicas; leases need a per-process owner.
	owner := workerID + "/" + uuid.NewString()

	gw, err := firmware.NewGatewayFromConfig(cfg, wlog)
	if err != nil {
		wlog.WithError(err).Fatal("init firmware gateway")
	}
	poller, err := firmware.NewPollerFromConfig(ctx, cfg, gw, st, owner, wlog)
	if err != nil {
		wlog.WithError(err).Fatal("init firmware poller")
	}
	supervisor := firmware.NewSupervisor(ctx, poller, cfg.BuildTimeout, wlog)

	orch := firmware.NewOrchestrator(gw, supervisor, st, wlog)
	if n, err := orch.Resume(ctx); err != nil {
		wlog.WithError(err).Warn("resume firmware jobs")
	} else if n > 0 {
		wlog.WithField("jobs", n).Info("resumed firmware jobs")
	}

	q := queue.NewRedisQueue(cfg)
	defer q.Close()

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			wlog.WithError(err).Warn("metrics server stopped")
		}
	}()

	wlog.WithFields(logrus.Fields{
		"queue":         cfg.DispatchQueue,
		"poll_interval": cfg.PollInterval,
		"build_timeout": cfg.BuildTimeout,
	}).Info("worker started")

	dispatcher := worker.NewDispatcher(q, supervisor, cfg.WorkerPollInterval, wlog)
	if err := dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
		wlog.WithError(err).Error("dispatcher stopped")
	}
	supervisor.Wait()
	wlog.Info("worker stopped")
}

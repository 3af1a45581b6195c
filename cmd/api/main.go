package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"device-control/internal/api"
	"device-control/internal/config"
	"device-control/internal/firmware"
	"device-control/internal/options"
	"device-control/internal/queue"
	"device-control/internal/ratelimit"
	"device-control/internal/store"
	"device-control/internal/telemetry"
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

	catalog := options.Default()
	if cfg.ModelOptionsFile != "" {
		if catalog, err = options.Load(cfg.ModelOptionsFile); err != nil {
			log.WithError(err).Fatal("load model options")
		}
	}

	gw, err := firmware.NewGatewayFromConfig(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("init firmware gateway")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	var (
		sched      firmware.Scheduler
		supervisor *firmware.Supervisor
	)
	switch cfg.Dispatch {
	case config.DispatchRedis:
		sched = queue.NewRedisQueueWithClient(rdb, cfg.DispatchQueue)
	default:
		hostname, _ := os.Hostname()
		owner := hostname + "/api-" + uuid.NewString()
		poller, err := firmware.NewPollerFromConfig(ctx, cfg, gw, st, owner, log)
		if err != nil {
			log.WithError(err).Fatal("init firmware poller")
		}
		supervisor = firmware.NewSupervisor(ctx, poller, cfg.BuildTimeout, log)
		sched = supervisor
	}

	orch := firmware.NewOrchestrator(gw, sched, st, log)
	if supervisor != nil {
		n, err := orch.Resume(ctx)
		if err != nil {
			log.WithError(err).Warn("resume firmware jobs")
		} else if n > 0 {
			log.WithField("jobs", n).Info("resumed firmware jobs")
		}
	}

	var limiter api.Limiter
	if cfg.RateLimitEnabled() {
		limiter = ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	} else {
		log.Info("build trigger rate limiting disabled")
	}
	reloader := queue.NewReloadPublisher(rdb, cfg.ReloadChannel)

	server := api.New(orch, st, catalog, limiter, reloader, log)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.WithFields(logrus.Fields{"port": cfg.HTTPPort, "dispatch": cfg.Dispatch}).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	if supervisor != nil {
		supervisor.Wait()
	}
	log.Info("api stopped")
}

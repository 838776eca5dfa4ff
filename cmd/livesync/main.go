package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"livesync/internal/backend"
	"livesync/internal/cache"
	"livesync/internal/channel"
	"livesync/internal/live"
	"livesync/internal/mutation"
	"livesync/internal/platform/config"
	"livesync/internal/platform/logger"
	"livesync/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()
	cfg := config.FromEnv()

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	met := metrics.New()

	server, err := backend.New(cfg.ServerURL, cfg.RequestTimeout, log)
	if err != nil {
		log.Error("invalid server url", "server_url", cfg.ServerURL, "error", err)
		os.Exit(1)
	}

	store := cache.New(log, met)
	exec := mutation.NewExecutor(store, log, met)

	queue := live.NewQueue(store, exec, server, log)
	scenes := live.NewScenes(store, exec, server, log)
	devices := live.NewDevices(store, server, log)
	tracker := live.NewTracker(cfg.ProgressClearDelay, log)

	queue.Register(cache.Policy{StaleTime: cfg.StaleTime, PollInterval: cfg.QueuePollInterval})
	scenes.Register(cache.Policy{StaleTime: cfg.StaleTime})
	devices.Register(
		cache.Policy{StaleTime: cfg.StaleTime, PollInterval: cfg.StatusPollInterval},
		cache.Policy{StaleTime: cfg.StaleTime},
	)

	settings := &channel.Settings{
		HeartbeatInterval: cfg.HeartbeatInterval,
		HandshakeTimeout:  cfg.RequestTimeout,
		WriteTimeout:      cfg.RequestTimeout,
		Retry:             channel.PolicyFor(cfg.ReconnectPolicy, cfg.ReconnectDelay, cfg.ReconnectMaxDelay),
	}
	push := channel.New(cfg.PushURL, nil, settings, log, met)
	live.BindPush(push, scenes, devices, tracker)
	push.OnStatus(func(s channel.Status) {
		// Pushes sent while we were away are lost; read everything again.
		if s == channel.StatusConnected {
			store.Invalidate("")
		}
	})

	h := live.NewHandler(queue, scenes, devices, tracker, push, log)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	if cfg.MetricsEnabled {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			met.Handler(func() { met.SetConnected(push.Status() == channel.StatusConnected) }).ServeHTTP(w, r)
		})
	}
	h.Mount(r)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	store.Start(ctx)
	push.Connect()

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("livesync starting",
		"listen_addr", cfg.ListenAddr,
		"server_url", cfg.ServerURL,
		"push_url", cfg.PushURL,
		"reconnect_policy", cfg.ReconnectPolicy,
		"log_level", cfg.LogLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	push.Disconnect()
	stop()
	tracker.Close()
	store.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("livesync stopped")
}

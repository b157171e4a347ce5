package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/mr1hm/go-lab-alerts/internal/alerts"
	"github.com/mr1hm/go-lab-alerts/internal/api"
	"github.com/mr1hm/go-lab-alerts/internal/config"
	"github.com/mr1hm/go-lab-alerts/internal/dispatch"
	"github.com/mr1hm/go-lab-alerts/internal/esp32"
	"github.com/mr1hm/go-lab-alerts/internal/feed"
	internalgrpc "github.com/mr1hm/go-lab-alerts/internal/grpc"
	"github.com/mr1hm/go-lab-alerts/internal/logging"
	"github.com/mr1hm/go-lab-alerts/internal/models"
	"github.com/mr1hm/go-lab-alerts/internal/registry"
	"github.com/mr1hm/go-lab-alerts/internal/repository"
	"github.com/mr1hm/go-lab-alerts/internal/tracing"
	"github.com/mr1hm/go-lab-alerts/internal/users"
)

const serviceName = "lab-alerts"

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatalf("Fatal while loading config: %v", err)
	}
	logging.Setup(serviceName, cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("Server starting", "host", cfg.Server.Host, "port", cfg.Server.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Tracing.Enabled {
		shutdownTracing, err := tracing.Setup(serviceName, os.Stderr)
		if err != nil {
			logging.Fatalf("Failed to initialize tracing: %v", err)
		}
		defer shutdownTracing(context.Background())
	}

	db, err := repository.NewSQLiteDB(cfg.DB.Path)
	if err != nil {
		logging.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	grpcServer := internalgrpc.NewServer()
	go func() {
		grpcAddr := fmt.Sprintf(":%d", cfg.GRPC.Port)
		if err := grpcServer.Start(grpcAddr); err != nil {
			logging.Fatalf("gRPC server error: %v", err)
		}
	}()

	// The alert service publishes into the feed, which reads back through the
	// service; changes is assigned before any request can publish.
	var changes alerts.ChangePublisher
	alertService := alerts.NewService(db, alerts.PublisherFunc(func(ctx context.Context, c models.AlertChange) error {
		return changes.Publish(ctx, c)
	}))
	liveFeed := feed.New(alertService, cfg.Feed.Limit, cfg.Feed.RefreshTimeout)
	changes = liveFeed

	var relay *feed.RedisRelay
	if cfg.Redis.Addr != "" {
		relay, err = feed.NewRedisRelay(ctx, cfg.Redis.Addr, cfg.Redis.Channel)
		if err != nil {
			logging.Fatalf("Failed to connect to redis: %v", err)
		}
		if err := relay.Start(ctx, func(models.AlertChange) { liveFeed.Notify() }); err != nil {
			logging.Fatalf("Failed to start redis relay: %v", err)
		}
		changes = feed.NewRelayPublisher(relay, liveFeed, feed.DefaultRelayPublishTimeout)
	}

	devices := registry.New(db, cfg.Registry.HeartbeatWindow)
	sweeper := registry.NewSweeper(devices, cfg.Registry.SweepInterval)
	sweeper.Start(ctx)

	auditor := dispatch.NewAuditor(db, cfg.Audit.Workers, cfg.Audit.BufferSize)
	auditor.Start(ctx)

	dispatcher := dispatch.New(devices, dispatch.Options{
		Timeout:        cfg.Dispatch.Timeout,
		AlertPath:      cfg.Dispatch.AlertPath,
		MaxConcurrency: cfg.Dispatch.MaxConcurrency,
	}, auditor)

	handler := api.NewHandler(api.Deps{
		Alerts:     alertService,
		Dispatcher: dispatcher,
		Devices:    devices,
		DeviceAPI:  esp32.NewClient(cfg.Devices.Timeout, devices),
		Users:      users.NewService(db),
		Deliveries: db,
		Feed:       liveFeed,
	})

	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(api.RouterOptions{
		ServiceName:  serviceName,
		CORSOrigins:  cfg.Server.CORSOrigins,
		RateLimitRPS: cfg.Server.RateLimitRPS,
		Tracing:      cfg.Tracing.Enabled,
	}, handler)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	go func() {
		slog.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatalf("server error: %v", err)
		}
	}()
	grpcServer.SetServing(serviceName, true)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down...")
	grpcServer.SetServing(serviceName, false)

	// Release live streams first so Shutdown is not held open by them
	liveFeed.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	cancel()
	sweeper.Stop()
	auditor.Stop()
	if relay != nil {
		if err := relay.Close(); err != nil {
			slog.Error("redis relay close error", "error", err)
		}
	}
	grpcServer.Stop()

	slog.Info("shutdown complete")
}

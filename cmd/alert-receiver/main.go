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

	"github.com/mr1hm/go-lab-alerts/internal/config"
	"github.com/mr1hm/go-lab-alerts/internal/logging"
	"github.com/mr1hm/go-lab-alerts/internal/models"
	"github.com/mr1hm/go-lab-alerts/internal/receiver"
	"github.com/mr1hm/go-lab-alerts/internal/registry"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadReceiver()
	if err != nil {
		logging.Fatalf("Fatal while loading config: %v", err)
	}
	logging.Setup("alert-receiver", cfg.Logging.Level, cfg.Logging.Format)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	history := receiver.NewHistory(cfg.History)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	receiver.NewHandler(cfg.Name, history).RegisterRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: router,
	}

	go func() {
		slog.Info("receiver listening", "addr", srv.Addr, "name", cfg.Name)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatalf("server error: %v", err)
		}
	}()

	heartbeater := receiver.NewHeartbeater(cfg.HubURL, registry.Heartbeat{
		Name:    cfg.Name,
		Address: cfg.AdvertiseAddr,
		Port:    cfg.Port,
		Kind:    models.DeviceKindReceiver,
	}, cfg.HeartbeatInterval)
	heartbeater.Start(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down...")

	cancel()
	heartbeater.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
}

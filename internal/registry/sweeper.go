package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sweeper periodically runs Registry.Sweep so stored status converges with
// what ListOnline already reports.
type Sweeper struct {
	registry *Registry
	interval time.Duration
	wg       sync.WaitGroup
}

func NewSweeper(registry *Registry, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Sweeper{registry: registry, interval: interval}
}

func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()
	slog.Info("starting device sweeper", "interval", s.interval, "window", s.registry.Window())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("device sweeper shutting down")
			return
		case <-ticker.C:
			if _, err := s.registry.Sweep(ctx); err != nil {
				slog.Error("device sweep failed", "error", err)
			}
		}
	}
}

// Stop waits for the sweeper goroutine; cancel the Start context first.
func (s *Sweeper) Stop() {
	s.wg.Wait()
}

package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/mr1hm/go-lab-alerts/internal/models"
)

// RedisRelay carries alert changes between hub instances over a Redis
// pub/sub channel so every instance's feed refreshes on any write.
type RedisRelay struct {
	rdb     *goredis.Client
	channel string

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
}

func NewRedisRelay(ctx context.Context, addr, channel string) (*RedisRelay, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis address required")
	}
	if channel == "" {
		channel = "lab-alerts:changes"
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisRelay{rdb: rdb, channel: channel}, nil
}

func (r *RedisRelay) Publish(ctx context.Context, change models.AlertChange) error {
	raw, err := json.Marshal(change)
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, r.channel, raw).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Start subscribes to the channel and calls onChange for every change any
// instance publishes, including this one. It returns once the subscription
// is confirmed.
func (r *RedisRelay) Start(ctx context.Context, onChange func(models.AlertChange)) error {
	if onChange == nil {
		return fmt.Errorf("onChange callback required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return fmt.Errorf("relay already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := r.rdb.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		cancel()
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		defer sub.Close()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				var change models.AlertChange
				if err := json.Unmarshal([]byte(m.Payload), &change); err != nil {
					slog.Warn("bad alert change payload", "channel", r.channel, "error", err)
					continue
				}
				onChange(change)
			}
		}
	}()

	slog.Info("redis relay subscribed", "channel", r.channel)
	return nil
}

// Close stops the forwarder and closes the client.
func (r *RedisRelay) Close() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return r.rdb.Close()
}

// DefaultRelayPublishTimeout bounds a Redis publish on the write path.
const DefaultRelayPublishTimeout = 500 * time.Millisecond

// RelayPublisher publishes changes through a RedisRelay and falls back to
// notifying the local feed when Redis cannot take the message, so this
// instance's subscribers still refresh.
type RelayPublisher struct {
	relay   *RedisRelay
	local   *Feed
	timeout time.Duration
}

func NewRelayPublisher(relay *RedisRelay, local *Feed, timeout time.Duration) *RelayPublisher {
	if timeout <= 0 {
		timeout = DefaultRelayPublishTimeout
	}
	return &RelayPublisher{relay: relay, local: local, timeout: timeout}
}

// Publish returns the relay error after notifying locally; the caller only
// logs it.
func (p *RelayPublisher) Publish(ctx context.Context, change models.AlertChange) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.relay.Publish(ctx, change); err != nil {
		p.local.Notify()
		return err
	}
	return nil
}

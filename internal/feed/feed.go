package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mr1hm/go-lab-alerts/internal/models"
)

var ErrClosed = errors.New("feed closed")

// Lister is the read side of the alert store the feed refreshes from.
type Lister interface {
	ListRecent(ctx context.Context, limit int) ([]models.Alert, error)
}

// View is one refresh delivered to a subscriber. Err is set when that
// subscriber's refresh failed; Alerts is nil in that case.
type View struct {
	Alerts      []models.Alert
	Err         error
	RefreshedAt time.Time
}

type OnChange func(View)

type subscription struct {
	id       uint64
	onChange OnChange
	notify   chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
}

// Feed gives every subscriber its own refreshed view of the most recent
// alerts. A subscriber is refreshed once on subscribe and at least once after
// each Notify; notifications that arrive while a refresh is pending coalesce.
type Feed struct {
	lister         Lister
	limit          int
	refreshTimeout time.Duration

	subscribers map[uint64]*subscription
	nextID      atomic.Uint64
	mu          sync.RWMutex
	closed      bool
	done        chan struct{}
}

func New(lister Lister, limit int, refreshTimeout time.Duration) *Feed {
	if limit <= 0 {
		limit = 50
	}
	if refreshTimeout <= 0 {
		refreshTimeout = 5 * time.Second
	}
	return &Feed{
		lister:         lister,
		limit:          limit,
		refreshTimeout: refreshTimeout,
		subscribers:    make(map[uint64]*subscription),
		done:           make(chan struct{}),
	}
}

// Subscribe starts delivering views to onChange from a goroutine owned by
// the subscription. The returned function stops delivery and waits for that
// goroutine to exit; it must not be called from inside onChange.
func (f *Feed) Subscribe(onChange OnChange) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		id:       f.nextID.Add(1),
		onChange: onChange,
		notify:   make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	f.subscribers[s.id] = s
	f.mu.Unlock()

	go f.run(s)

	slog.Debug("feed subscriber added", "subscriber_id", s.id)
	return func() { f.unsubscribe(s) }, nil
}

func (f *Feed) run(s *subscription) {
	defer close(s.done)

	f.refresh(s)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.notify:
			f.refresh(s)
		}
	}
}

func (f *Feed) refresh(s *subscription) {
	ctx, cancel := context.WithTimeout(s.ctx, f.refreshTimeout)
	defer cancel()

	alerts, err := f.lister.ListRecent(ctx, f.limit)
	if s.ctx.Err() != nil {
		return
	}
	if err != nil {
		slog.Warn("feed refresh failed", "subscriber_id", s.id, "error", err)
	}
	s.onChange(View{Alerts: alerts, Err: err, RefreshedAt: time.Now().UTC()})
}

func (f *Feed) unsubscribe(s *subscription) {
	s.once.Do(func() {
		f.mu.Lock()
		delete(f.subscribers, s.id)
		f.mu.Unlock()

		s.cancel()
		<-s.done
		slog.Debug("feed subscriber removed", "subscriber_id", s.id)
	})
}

// Notify schedules a refresh for every subscriber without blocking.
func (f *Feed) Notify() {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, s := range f.subscribers {
		select {
		case s.notify <- struct{}{}:
		default:
			// a refresh is already pending
		}
	}
}

// Publish satisfies the alert service's change publisher for a single
// instance deployment.
func (f *Feed) Publish(_ context.Context, change models.AlertChange) error {
	slog.Debug("alert change", "kind", change.Kind, "alert_id", change.AlertID)
	f.Notify()
	return nil
}

func (f *Feed) SubscriberCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers)
}

// Done is closed once the feed is closed. Transports holding a connection
// open for a subscriber watch it to hang up.
func (f *Feed) Done() <-chan struct{} {
	return f.done
}

// Close releases every subscription and rejects new ones.
func (f *Feed) Close() {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
	subs := make([]*subscription, 0, len(f.subscribers))
	for _, s := range f.subscribers {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	for _, s := range subs {
		f.unsubscribe(s)
	}
}

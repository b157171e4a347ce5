package receiver

import (
	"sync"
	"time"

	"github.com/mr1hm/go-lab-alerts/internal/models"
)

type Received struct {
	models.PushPayload
	ReceivedAt time.Time `json:"received_at"`
}

// History keeps the most recent pushes in a fixed ring; Recent returns them
// newest first.
type History struct {
	mu    sync.RWMutex
	items []Received
	next  int
	count int
}

func NewHistory(size int) *History {
	if size < 1 {
		size = 1
	}
	return &History{items: make([]Received, size)}
}

func (h *History) Add(r Received) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.items[h.next] = r
	h.next = (h.next + 1) % len(h.items)
	if h.count < len(h.items) {
		h.count++
	}
}

func (h *History) Recent() []Received {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Received, h.count)
	for i := range out {
		out[i] = h.items[(h.next-1-i+len(h.items))%len(h.items)]
	}
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

package dom

import (
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/observability"
)

// Hub fans change sets out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the change set.
type Hub struct {
	logger  *zap.Logger
	metrics *observability.Metrics
	buffer  int

	mu     sync.Mutex
	subs   map[uint64]chan schemas.ChangeSet
	nextID uint64
	closed bool
}

// NewHub creates a hub whose subscriber channels hold buffer change sets.
func NewHub(logger *zap.Logger, metrics *observability.Metrics, buffer int) *Hub {
	if buffer < 0 {
		buffer = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:  logger.Named("change_hub"),
		metrics: metrics,
		buffer:  buffer,
		subs:    make(map[uint64]chan schemas.ChangeSet),
	}
}

// Subscribe returns a channel of change sets and a function that cancels the
// subscription and closes the channel. Subscribing to a closed hub yields a
// closed channel.
func (h *Hub) Subscribe() (<-chan schemas.ChangeSet, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		ch := make(chan schemas.ChangeSet)
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	ch := make(chan schemas.ChangeSet, h.buffer)
	h.subs[id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
	return ch, unsubscribe
}

// Publish delivers cs to every subscriber with buffer space.
func (h *Hub) Publish(cs schemas.ChangeSet) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.metrics.ChangeSetPublished()
	for id, ch := range h.subs {
		select {
		case ch <- cs:
		default:
			h.metrics.ChangeSetDropped()
			h.logger.Warn("Subscriber is not keeping up; dropping change set.",
				zap.Uint64("subscriber", id),
				zap.Int("changes", cs.Size()),
			)
		}
	}
}

// Subscribers is the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close closes every subscriber channel. Later publishes are dropped.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}

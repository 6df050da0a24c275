package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"FHCElite/internal/domain/models"
	domrepo "FHCElite/internal/domain/repository"
)

// QuoteHub sits between the quote board and websocket clients. It validates
// and throttles quote updates per instrument, buffers them, and fans them
// out to subscribers without ever blocking on a slow one.
type QuoteHub struct {
	metrics  domrepo.Metrics
	maxRPS   int
	bufSize  int
	subBuf   int
	bufCh    chan *models.Quote
	stopCh   chan struct{}
	done     chan struct{}
	started  bool
	mu       sync.Mutex
	lastSeen map[string]time.Time // per-instrument last accepted time

	subMu  sync.RWMutex
	subs   map[uint64]chan *models.Quote
	nextID uint64
}

type HubOption func(*QuoteHub)

// WithMaxRPS sets the max updates per second per instrument.
func WithMaxRPS(n int) HubOption {
	return func(h *QuoteHub) {
		if n > 0 {
			h.maxRPS = n
		}
	}
}

// WithBufferSize sets the dispatch buffer size.
func WithBufferSize(n int) HubOption {
	return func(h *QuoteHub) {
		if n > 0 {
			h.bufSize = n
		}
	}
}

// WithSubscriberBuffer sets each subscriber's channel capacity.
func WithSubscriberBuffer(n int) HubOption {
	return func(h *QuoteHub) {
		if n > 0 {
			h.subBuf = n
		}
	}
}

func NewQuoteHub(metrics domrepo.Metrics, opts ...HubOption) *QuoteHub {
	h := &QuoteHub{
		metrics:  metrics,
		maxRPS:   5,
		bufSize:  256,
		subBuf:   32,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		lastSeen: make(map[string]time.Time),
		subs:     make(map[uint64]chan *models.Quote),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.bufCh = make(chan *models.Quote, h.bufSize)
	return h
}

// Start launches the dispatch loop. It stops on Stop or when ctx is done.
func (h *QuoteHub) Start(ctx context.Context) {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.mu.Unlock()

	go func() {
		defer close(h.done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stopCh:
				return
			case q := <-h.bufCh:
				h.fanOut(q)
			}
		}
	}()
}

// Stop stops dispatching and closes every subscriber channel.
func (h *QuoteHub) Stop() {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return
	}
	h.started = false
	h.mu.Unlock()
	close(h.stopCh)
	<-h.done

	h.subMu.Lock()
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
	h.subMu.Unlock()
}

// Broadcast validates, throttles and enqueues q. A full buffer drops the update.
func (h *QuoteHub) Broadcast(q *models.Quote) error {
	if err := validateQuote(q); err != nil {
		h.metrics.RecordError("hub_validate")
		return err
	}
	if !h.allow(q.InstrumentID, time.Now()) {
		h.metrics.RecordError("hub_throttle")
		return nil
	}
	select {
	case h.bufCh <- q:
		h.metrics.RecordLatency("hub_buffer_depth", float64(len(h.bufCh)))
	default:
		h.metrics.RecordError("hub_buffer_full")
	}
	return nil
}

// Subscribe registers a listener. The returned func unsubscribes and closes
// the channel; it is safe to call more than once.
func (h *QuoteHub) Subscribe() (<-chan *models.Quote, func()) {
	ch := make(chan *models.Quote, h.subBuf)
	h.subMu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.subMu.Lock()
			if c, ok := h.subs[id]; ok {
				close(c)
				delete(h.subs, id)
			}
			h.subMu.Unlock()
		})
	}
}

// Subscribers returns the number of live subscribers.
func (h *QuoteHub) Subscribers() int {
	h.subMu.RLock()
	defer h.subMu.RUnlock()
	return len(h.subs)
}

func (h *QuoteHub) fanOut(q *models.Quote) {
	if q == nil {
		return
	}
	h.subMu.RLock()
	defer h.subMu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- q:
		default:
			h.metrics.RecordError("hub_subscriber_slow")
		}
	}
}

func validateQuote(q *models.Quote) error {
	if q == nil {
		return fmt.Errorf("quote nil")
	}
	if q.InstrumentID == "" {
		return fmt.Errorf("instrument empty")
	}
	if q.Price <= 0 {
		return fmt.Errorf("price not positive")
	}
	return nil
}

func (h *QuoteHub) allow(id string, now time.Time) bool {
	if h.maxRPS <= 0 {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	last := h.lastSeen[id]
	if !last.IsZero() && now.Sub(last) < time.Second/time.Duration(h.maxRPS) {
		return false
	}
	h.lastSeen[id] = now
	return true
}

package events

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pulse/internal/metrics"
)

const DefaultSubscriberBuffer = 64

var ErrHubClosed = errors.New("broadcast hub is closed")

// SubscriberStats tracks delivery for one subscription.
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

// Subscription is one connected observer. Events arrive on C() in publish order; the
// channel is closed by Unsubscribe or Hub.Close.
type Subscription struct {
	id string
	ch chan Event

	mu     sync.RWMutex
	assets map[string]bool // empty means every asset

	sent    atomic.Uint64
	dropped atomic.Uint64
}

func (s *Subscription) ID() string { return s.id }

func (s *Subscription) C() <-chan Event { return s.ch }

// Watch narrows the subscription to the given asset ids (added to any already watched).
func (s *Subscription) Watch(assetIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range assetIDs {
		if id != "" {
			s.assets[id] = true
		}
	}
}

// Unwatch stops watching ids. Unwatching everything returns to receiving all assets.
func (s *Subscription) Unwatch(assetIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range assetIDs {
		delete(s.assets, id)
	}
}

func (s *Subscription) wants(assetID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.assets) == 0 || s.assets[assetID]
}

func (s *Subscription) Stats() SubscriberStats {
	return SubscriberStats{Sent: s.sent.Load(), Dropped: s.dropped.Load()}
}

type SubscribeOption func(*Subscription)

// WithAssets limits the subscription to the given asset ids from the start.
func WithAssets(assetIDs ...string) SubscribeOption {
	return func(s *Subscription) { s.Watch(assetIDs...) }
}

// Hub fans events out to every connected subscription. It is constructed once per
// process and handed to both the pipeline and the delivery boundary.
//
// Publish never blocks: each subscription owns a bounded buffer and an event that does
// not fit is dropped for that subscription only (drop-new). Drops never reorder, so
// events of one asset are seen in publish order minus whatever was dropped.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	buffer int
	closed bool
	log    *zap.Logger
}

func NewHub(buffer int, log *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		subs:   make(map[string]*Subscription),
		buffer: buffer,
		log:    log.Named("hub"),
	}
}

func (h *Hub) Subscribe(opts ...SubscribeOption) (*Subscription, error) {
	s := &Subscription{
		id:     uuid.New().String(),
		ch:     make(chan Event, h.buffer),
		assets: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	h.subs[s.id] = s
	metrics.HubSubscribers.Inc()
	h.log.Debug("subscriber joined", zap.String("subscription", s.id), zap.Int("subscribers", len(h.subs)))
	return s, nil
}

// Unsubscribe removes s and closes its channel. Calling it twice is harmless.
func (h *Hub) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s.id]; !ok {
		return
	}
	delete(h.subs, s.id)
	close(s.ch)
	metrics.HubSubscribers.Dec()

	st := s.Stats()
	h.log.Debug("subscriber left",
		zap.String("subscription", s.id),
		zap.Uint64("sent", st.Sent),
		zap.Uint64("dropped", st.Dropped))
}

func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	metrics.HubEventsPublished.WithLabelValues(string(ev.Type)).Inc()

	for _, s := range h.subs {
		if !s.wants(ev.AssetID) {
			continue
		}
		select {
		case s.ch <- ev:
			s.sent.Add(1)
		default:
			// Subscriber too slow, drop the event.
			s.dropped.Add(1)
			metrics.HubEventsDropped.Inc()
		}
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close disconnects every subscriber. Publish becomes a no-op afterwards.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		close(s.ch)
		delete(h.subs, id)
		metrics.HubSubscribers.Dec()
	}
}

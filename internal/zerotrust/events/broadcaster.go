// Package events fans out violation, risk-change, and decision events to
// in-process subscribers. Delivery is at-least-once per connected subscriber;
// a slow or abandoned subscriber never blocks publication — its oldest
// buffered event is dropped instead. Durability of violation records is the
// decision service's responsibility, not the broadcaster's.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gatewarden/gatewarden/internal/zerotrust/types"
)

// Type categorizes a published event.
type Type string

const (
	TypeViolation  Type = "violation"
	TypeRiskChange Type = "risk_change"
	TypeDecision   Type = "decision"
)

// Event is the unit of fan-out.
type Event struct {
	Type      Type           `json:"type"`
	SubjectID string         `json:"subject_id"`
	Severity  types.Severity `json:"severity,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 64

type subscriber struct {
	ch chan Event
}

// Broadcaster is a bounded-buffer fan-out. Safe for concurrent use.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[int]*subscriber
	nextID  int
	bufSize int
	dropped atomic.Uint64
	logger  *slog.Logger
}

// NewBroadcaster creates a broadcaster with per-subscriber buffers of
// bufSize events. bufSize <= 0 uses DefaultBufferSize.
func NewBroadcaster(bufSize int, logger *slog.Logger) *Broadcaster {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subs:    make(map[int]*subscriber),
		bufSize: bufSize,
		logger:  logger,
	}
}

// Subscribe registers a new subscriber. The returned cancel func detaches the
// subscriber and closes its channel; it is safe to call more than once.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Event, b.bufSize)}
	b.subs[id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
	return sub.ch, cancel
}

// Publish delivers ev to every subscriber without ever blocking. When a
// subscriber's buffer is full its oldest event is evicted to make room.
func (b *Broadcaster) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
			continue
		default:
		}

		// Buffer full: drop the oldest event, then try once more. A second
		// failure means a concurrent publisher refilled the buffer; the
		// event is dropped for this subscriber.
		select {
		case <-sub.ch:
			b.dropped.Add(1)
		default:
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event dropped for slow subscriber", "type", string(ev.Type), "subject_id", ev.SubjectID)
		}
	}
}

// Dropped returns the number of events evicted or discarded so far.
func (b *Broadcaster) Dropped() uint64 { return b.dropped.Load() }

// SubscriberCount returns the number of attached subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Package live fans session, transcript and coaching notifications out to
// SSE and WebSocket subscribers.
package live

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/coachline/internal/metrics"
	"github.com/snarg/coachline/internal/transcript"
)

// Event is one notification as delivered to subscribers.
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Source    transcript.Source `json:"source,omitempty"`
	Timestamp string            `json:"timestamp"`
	Data      json.RawMessage   `json:"data"`
	// Seq orders events published by one bus.
	Seq uint64 `json:"-"`
}

// Filter selects events for a subscriber. Empty fields match everything.
type Filter struct {
	Types   []string
	Sources []transcript.Source
}

// EventBus provides pub-sub event distribution for live subscribers.
// It maintains a ring buffer for replay on reconnect.
type EventBus struct {
	log zerolog.Logger

	mu          sync.RWMutex
	subscribers map[uint64]subscriber
	nextID      uint64
	seq         atomic.Uint64

	ring     []Event
	ringSize int
	ringHead int
	ringMu   sync.RWMutex
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

// NewEventBus creates an event bus with the given ring buffer size.
func NewEventBus(ringSize int, log zerolog.Logger) *EventBus {
	if ringSize < 1 {
		ringSize = 1
	}
	return &EventBus{
		log:         log.With().Str("component", "live").Logger(),
		subscribers: make(map[uint64]subscriber),
		ring:        make([]Event, ringSize),
		ringSize:    ringSize,
	}
}

// Subscribe registers a new subscriber and returns a channel and cancel function.
// The channel is never closed; stop reading after cancel.
func (eb *EventBus) Subscribe(filter Filter) (<-chan Event, func()) {
	eb.mu.Lock()
	id := eb.nextID
	eb.nextID++
	ch := make(chan Event, 64)
	eb.subscribers[id] = subscriber{ch: ch, filter: filter}
	eb.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			eb.mu.Lock()
			delete(eb.subscribers, id)
			eb.mu.Unlock()
		})
	}
	return ch, cancel
}

// SubscriberCount returns the number of live subscribers.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subscribers)
}

// ReplaySince returns buffered events published after lastEventID, oldest
// first. An empty or unknown id (already overwritten) replays the whole
// buffer so a reconnecting client does not silently miss everything.
func (eb *EventBus) ReplaySince(lastEventID string, filter Filter) []Event {
	eb.ringMu.RLock()
	defer eb.ringMu.RUnlock()

	start := 0
	if lastEventID != "" {
		for i := 0; i < eb.ringSize; i++ {
			if eb.ring[(eb.ringHead+i)%eb.ringSize].ID == lastEventID {
				start = i + 1
				break
			}
		}
	}

	var events []Event
	for i := start; i < eb.ringSize; i++ {
		e := eb.ring[(eb.ringHead+i)%eb.ringSize]
		if e.ID == "" || !filter.matches(e) {
			continue
		}
		events = append(events, e)
	}
	return events
}

// Publish sends an event to all matching subscribers and adds it to the ring
// buffer. Slow subscribers miss events rather than block the publisher.
func (eb *EventBus) Publish(eventType string, source transcript.Source, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		eb.log.Warn().Err(err).Str("type", eventType).Msg("dropping unencodable event")
		return
	}

	now := time.Now()
	seq := eb.seq.Add(1)
	event := Event{
		ID:        fmt.Sprintf("%d-%d", now.UnixMilli(), seq),
		Type:      eventType,
		Source:    source,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Data:      data,
		Seq:       seq,
	}

	eb.ringMu.Lock()
	eb.ring[eb.ringHead] = event
	eb.ringHead = (eb.ringHead + 1) % eb.ringSize
	eb.ringMu.Unlock()

	dropped := 0
	eb.mu.RLock()
	for _, sub := range eb.subscribers {
		if sub.filter.matches(event) {
			select {
			case sub.ch <- event:
			default:
				dropped++
			}
		}
	}
	eb.mu.RUnlock()

	metrics.LiveEventsPublishedTotal.Inc()
	if dropped > 0 {
		eb.log.Debug().Str("type", eventType).Int("dropped", dropped).Msg("slow subscribers skipped event")
	}
}

func (f Filter) matches(e Event) bool {
	if len(f.Types) > 0 {
		match := false
		for _, t := range f.Types {
			t = strings.TrimSpace(t)
			// "coaching" matches every coaching_* type.
			if t == e.Type || (!strings.Contains(t, "_") && strings.HasPrefix(e.Type, t+"_")) {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if len(f.Sources) > 0 && e.Source != "" {
		match := false
		for _, s := range f.Sources {
			if s == e.Source {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	return true
}

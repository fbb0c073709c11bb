// Package events provides best-effort fan-out of state-change and log events
// to all subscribed clients. Delivery never blocks the publisher: subscribers
// with a full channel miss the event.
package events

import (
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"
)

// Kind identifies the type of event message
type Kind string

// event kinds sent to subscribers
const (
	KindStatus        Kind = "status"
	KindLog           Kind = "log"
	KindProgress      Kind = "progress"
	KindJobStarted    Kind = "job_started"
	KindVideoComplete Kind = "video_complete"
	KindVideosFound   Kind = "videos_found"
)

//go:generate go run ./internal/schema schema.json

// Event is a single message delivered to subscribers
type Event struct {
	Kind      Kind           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Broadcaster fans events out to all subscribers. Safe for concurrent use.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[string]chan Event
	bufSize int
}

// NewBroadcaster creates a broadcaster with the given per-subscriber buffer size
func NewBroadcaster(bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Broadcaster{subs: make(map[string]chan Event), bufSize: bufSize}
}

// Subscribe registers a new subscriber and returns its id and receive channel.
// The caller must call Unsubscribe with the returned id when done.
func (b *Broadcaster) Subscribe() (id string, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id = uuid.New().String()
	c := make(chan Event, b.bufSize)
	b.subs[id] = c
	log.Printf("[DEBUG] event subscriber added, id=%s, total=%d", id, len(b.subs))
	return id, c
}

// Unsubscribe removes a subscriber and closes its channel
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.subs[id]; ok {
		close(c)
		delete(b.subs, id)
		log.Printf("[DEBUG] event subscriber removed, id=%s, total=%d", id, len(b.subs))
	}
}

// Broadcast sends the event to every subscriber, skipping those whose buffer is full
func (b *Broadcaster) Broadcast(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, c := range b.subs {
		select {
		case c <- e:
		default:
			log.Printf("[WARN] subscriber %s not accepting events, dropped %s", id, e.Kind)
		}
	}
}

// Count returns the number of active subscribers
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Log broadcasts a log event with the given level and message
func (b *Broadcaster) Log(level, message string) {
	b.Broadcast(Event{Kind: KindLog, Data: map[string]any{"level": level, "message": message}})
}

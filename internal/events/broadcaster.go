// Package events fans sync state changes out to SSE subscribers.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/silvachamo/agrosync/internal/metrics"
	"github.com/silvachamo/agrosync/internal/syncmgr"
	"github.com/silvachamo/agrosync/pkg/protocol"
)

// Event is the wire form published to subscribers.
type Event = protocol.Event

// Broadcaster manages SSE subscribers and publishes events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
}

// Publish sends an event to all subscribers. Non-blocking: drops events
// for slow consumers.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Drop event for slow consumer
		}
	}
	metrics.RecordSSEEvent(event.Type)
}

// PublishNotice converts a manager notice and publishes it. It has the
// signature expected by syncmgr.Config.Notify.
func (b *Broadcaster) PublishNotice(n syncmgr.Notice) {
	b.Publish(FromNotice(n))
}

// PublishConnectivity publishes a connectivity flip. pending is the queue
// length at the time of the flip.
func (b *Broadcaster) PublishConnectivity(online bool, pending int) {
	b.Publish(Event{Type: protocol.EventConnectivity, Online: &online, Pending: pending})
}

// FromNotice maps a manager notice onto the wire event.
func FromNotice(n syncmgr.Notice) Event {
	e := Event{
		Type:    string(n.Type),
		Label:   n.Label,
		Count:   n.Count,
		Pending: n.Pending,
		Kind:    n.Kind,
		Message: n.Message,
	}
	if !n.At.IsZero() {
		e.Timestamp = n.At.Unix()
	}
	if n.Op != nil {
		e.OpID = n.Op.ID
		e.Table = n.Op.Table
		e.Action = n.Op.Action
	}
	return e
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}

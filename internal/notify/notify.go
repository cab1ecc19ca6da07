// Package notify is a best-effort, at-least-once event bus. Every event
// carries a unique id so consumers can de-duplicate redeliveries.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventKind classifies engine events.
type EventKind string

const (
	EventRoundOpened  EventKind = "round_opened"
	EventRoundEnding  EventKind = "round_ending"
	EventRoundCleared EventKind = "round_cleared"
	EventBidTriggered EventKind = "bid_triggered"
	EventBidFilled    EventKind = "bid_filled"
	EventBidExpired   EventKind = "bid_expired"
)

// Event is one engine notification.
type Event struct {
	ID       string    `json:"id"`
	Kind     EventKind `json:"kind"`
	RoundID  string    `json:"round_id"`
	BidID    string    `json:"bid_id,omitempty"`
	BidderID int       `json:"bidder_id,omitempty"`
	At       time.Time `json:"at"`
}

// NewEvent stamps an event with a fresh id and timestamp.
func NewEvent(kind EventKind, roundID string) Event {
	return Event{ID: uuid.NewString(), Kind: kind, RoundID: roundID, At: time.Now().UTC()}
}

// Bus fans events out to subscribers. Delivery is best-effort: a subscriber
// whose buffer is full misses the event rather than blocking the engine.
type Bus struct {
	mu   sync.RWMutex
	subs []chan Event
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a buffered channel receiving all future events.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Emit delivers the event to every subscriber without blocking.
func (b *Bus) Emit(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

package object

import "time"

// EventKind names a lifecycle transition observers can subscribe to.
type EventKind string

const (
	EventCreated  EventKind = "created"
	EventConsumed EventKind = "consumed"
	EventDeleted  EventKind = "deleted"
	EventPurged   EventKind = "purged"
	EventExpired  EventKind = "expired"
)

// Terminal reports whether no further events follow this one.
func (k EventKind) Terminal() bool {
	switch k {
	case EventConsumed, EventDeleted, EventPurged, EventExpired:
		return true
	}
	return false
}

// Event is a lifecycle notification. It never carries payload bytes.
type Event struct {
	ObjectID string
	Kind     EventKind
	At       time.Time
}

// Publisher receives lifecycle events. Publish must not block.
type Publisher interface {
	Publish(Event)
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}

package watch

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"burnbox/cmd/internal/object"
	v1 "burnbox/shared/contracts/watch/v1"

	"github.com/google/uuid"
)

// ErrTooManyWatchers is returned when an object already has the maximum number of subscribers.
var ErrTooManyWatchers = errors.New("too many watchers")

// Hub routes lifecycle events to the subscribers of each object. It implements
// object.Publisher, so the share service and the reaper publish into it directly.
type Hub struct {
	log          *slog.Logger
	maxPerObject int

	mu     sync.Mutex
	topics map[string]*topic
}

// NewHub constructs a Hub. maxPerObject <= 0 selects the default.
func NewHub(log *slog.Logger, maxPerObject int) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if maxPerObject <= 0 {
		maxPerObject = defaultMaxPerObject
	}
	return &Hub{
		log:          log,
		maxPerObject: maxPerObject,
		topics:       make(map[string]*topic),
	}
}

// Subscribe registers a new subscriber for objectID.
func (h *Hub) Subscribe(objectID string, queue int) (*Subscriber, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[objectID]
	if !ok {
		t = newTopic(h.log, objectID)
		h.topics[objectID] = t
	}
	if t.size() >= h.maxPerObject {
		return nil, ErrTooManyWatchers
	}
	s := newSubscriber(uuid.NewString(), objectID, queue)
	t.join(s)
	return s, nil
}

// Unsubscribe removes s and drops the topic once empty.
func (h *Hub) Unsubscribe(s *Subscriber) {
	if s == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[s.ObjectID]
	if !ok {
		s.Close()
		return
	}
	if t.leave(s.ID) == 0 {
		delete(h.topics, s.ObjectID)
	}
}

// Watchers returns the number of subscribers for objectID.
func (h *Hub) Watchers(objectID string) int {
	h.mu.Lock()
	t, ok := h.topics[objectID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	return t.size()
}

// Publish fans ev out to the object's subscribers. It never blocks.
func (h *Hub) Publish(ev object.Event) {
	if h == nil || ev.ObjectID == "" {
		return
	}
	h.mu.Lock()
	t, ok := h.topics[ev.ObjectID]
	h.mu.Unlock()
	if !ok {
		return
	}

	env, err := eventEnvelope(ev)
	if err != nil {
		h.log.Error("watch.encode.fail", "object_id", ev.ObjectID, "err", err)
		return
	}
	t.broadcast(env, ev.Kind.Terminal())
}

func eventEnvelope(ev object.Event) (v1.Envelope, error) {
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	p, err := json.Marshal(v1.EventPayload{ObjectID: ev.ObjectID, Kind: string(ev.Kind), At: at})
	if err != nil {
		return v1.Envelope{}, err
	}
	return newEnvelope(v1.TypeEvent, p, at), nil
}

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      uuid.NewString(),
		TS:      ts,
		Payload: payload,
	}
}

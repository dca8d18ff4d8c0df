package watch

import (
	"log/slog"
	"sync"

	v1 "burnbox/shared/contracts/watch/v1"
)

// topic fans events for one object out to its subscribers.
//
// join/leave are safe under concurrent broadcast, and broadcast never blocks:
// a subscriber whose queue is full misses the frame.
type topic struct {
	log      *slog.Logger
	objectID string

	mu      sync.RWMutex
	members map[string]*Subscriber
}

func newTopic(log *slog.Logger, objectID string) *topic {
	return &topic{
		log:      log,
		objectID: objectID,
		members:  make(map[string]*Subscriber),
	}
}

func (t *topic) join(s *Subscriber) {
	t.mu.Lock()
	t.members[s.ID] = s
	t.mu.Unlock()
}

// leave removes the subscriber and reports how many remain.
func (t *topic) leave(id string) int {
	t.mu.Lock()
	s := t.members[id]
	delete(t.members, id)
	n := len(t.members)
	t.mu.Unlock()

	// Close after removal so broadcasters never hold a closed member.
	if s != nil {
		s.Close()
	}
	return n
}

func (t *topic) size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.members)
}

func (t *topic) broadcast(env v1.Envelope, last bool) (dropped int) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, m := range t.members {
		if !m.offer(frame{env: env, last: last}) {
			dropped++
		}
	}
	if dropped > 0 {
		t.log.Warn("watch.fanout.drop", "object_id", t.objectID, "dropped", dropped)
	}
	return dropped
}

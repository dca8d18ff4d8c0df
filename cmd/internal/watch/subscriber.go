package watch

import (
	"sync"

	v1 "burnbox/shared/contracts/watch/v1"
)

// frame is one queued outbound envelope. last marks a terminal event.
type frame struct {
	env  v1.Envelope
	last bool
}

// Subscriber is one websocket session watching a single object.
//
// Send is never closed by the hub; done signals shutdown. Close is idempotent.
type Subscriber struct {
	ID       string
	ObjectID string

	send      chan frame
	done      chan struct{}
	closeOnce sync.Once
}

func newSubscriber(id, objectID string, queue int) *Subscriber {
	if queue < minSendQueue {
		queue = minSendQueue
	}
	return &Subscriber{
		ID:       id,
		ObjectID: objectID,
		send:     make(chan frame, queue),
		done:     make(chan struct{}),
	}
}

// Done is closed when the subscriber shuts down.
func (s *Subscriber) Done() <-chan struct{} {
	if s == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

// Close signals shutdown without closing the send queue.
func (s *Subscriber) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() { close(s.done) })
}

// offer enqueues f without blocking. It reports false when the queue is full
// or the subscriber is shutting down.
func (s *Subscriber) offer(f frame) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- f:
		return true
	default:
		return false
	}
}

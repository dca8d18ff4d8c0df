package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const memoryShards = 64

// MemoryBackend keeps fixed-window counters in process memory. Keys are
// striped over shards so unrelated identities do not contend on one lock.
type MemoryBackend struct {
	shards [memoryShards]memoryShard
}

type memoryShard struct {
	mu      sync.Mutex
	entries map[string]*windowEntry
}

type windowEntry struct {
	count   int
	resetAt time.Time
}

// NewMemoryBackend constructs an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	b := &MemoryBackend{}
	for i := range b.shards {
		b.shards[i].entries = make(map[string]*windowEntry)
	}
	return b
}

func (b *MemoryBackend) shard(key string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &b.shards[h.Sum32()%memoryShards]
}

// Hit counts one request for key. The window resets once now reaches resetAt,
// so a caller that waits exactly RetryAfter is admitted.
func (b *MemoryBackend) Hit(ctx context.Context, key string, rule Rule, now time.Time) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	if rule.Limit <= 0 || rule.Window <= 0 {
		return Decision{Allowed: true}, nil
	}

	s := b.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || !now.Before(e.resetAt) {
		e = &windowEntry{count: 1, resetAt: now.Add(rule.Window)}
		s.entries[key] = e
		return Decision{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit - 1, ResetAt: e.resetAt}, nil
	}
	if e.count >= rule.Limit {
		return Decision{Limit: rule.Limit, ResetAt: e.resetAt, RetryAfter: e.resetAt.Sub(now)}, nil
	}
	e.count++
	return Decision{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit - e.count, ResetAt: e.resetAt}, nil
}

// Sweep drops entries whose window has elapsed and returns how many were removed.
func (b *MemoryBackend) Sweep(now time.Time) int {
	removed := 0
	for i := range b.shards {
		s := &b.shards[i]
		s.mu.Lock()
		for k, e := range s.entries {
			if !now.Before(e.resetAt) {
				delete(s.entries, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of live entries.
func (b *MemoryBackend) Len() int {
	n := 0
	for i := range b.shards {
		s := &b.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// StartJanitor sweeps elapsed entries every interval until ctx is done.
func (b *MemoryBackend) StartJanitor(ctx context.Context, every time.Duration, now func() time.Time) {
	if every <= 0 {
		return
	}
	if now == nil {
		now = time.Now
	}
	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				b.Sweep(now())
			}
		}
	}()
}

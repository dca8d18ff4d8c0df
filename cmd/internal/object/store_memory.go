package object

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory. It is the default store and the
// reference behaviour for the persistent stores.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	closed  bool
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Create(ctx context.Context, r Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	r, err := prepareNew(r)
	if err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, ErrInvalidInput
	}
	if _, ok := s.records[r.ID]; ok {
		return Record{}, ErrAlreadyExists
	}
	s.records[r.ID] = r.Clone()
	return r.Clone(), nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Record{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) ConditionalUpdate(ctx context.Context, id string, expectedVersion int64, m Mutation) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if err := m.validate(); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	if !admits(r, expectedVersion) {
		return Record{}, ErrVersionConflict
	}
	r = m.apply(r)
	s.records[id] = r
	return r.Clone(), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return ErrNotFound
	}
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) ListReapable(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = normalizeLimit(limit)

	s.mu.Lock()
	due := make([]Record, 0)
	for _, r := range s.records {
		if r.Reapable(now) {
			due = append(due, r)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].ExpiresAt.Equal(due[j].ExpiresAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].ExpiresAt.Before(due[j].ExpiresAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	ids := make([]string, 0, len(due))
	for _, r := range due {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

func (s *MemoryStore) Counts(ctx context.Context, now time.Time) (Counts, error) {
	if err := ctx.Err(); err != nil {
		return Counts{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var c Counts
	for _, r := range s.records {
		c.add(r, now)
	}
	return c, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (c *Counts) add(r Record, now time.Time) {
	switch r.Status(now) {
	case StateActive:
		c.Active++
	case StateExpired:
		c.Expired++
	default:
		c.Terminal++
	}
}

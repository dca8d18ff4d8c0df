package object

import (
	"strings"
	"time"
)

// State is the persisted lifecycle state of a record. StateExpired is never
// stored; it is derived from ExpiresAt by Status.
type State string

const (
	StateActive   State = "active"
	StateConsumed State = "consumed"
	StatePurged   State = "purged"
	StateExpired  State = "expired"
)

// AnyVersion disables the version fence in ConditionalUpdate. The store still
// refuses to mutate records that are no longer active.
const AnyVersion int64 = -1

// Record is a stored object. Ciphertext, IV and Salt are opaque and returned verbatim.
type Record struct {
	ID                string
	Ciphertext        []byte
	IV                []byte
	Salt              []byte
	Name              string
	ContentType       string
	SizeBytes         int64
	SingleConsumption bool
	ConsumedCount     int
	State             State
	Version           int64
	CreatedAt         time.Time
	ExpiresAt         time.Time
	ConsumedAt        *time.Time
	DeletedAt         *time.Time
	RevokeHash        string
}

// Mutation is applied atomically by Store.ConditionalUpdate. A zero State
// leaves the stored state untouched.
type Mutation struct {
	ConsumedDelta int
	State         State
	At            time.Time
}

// Counts summarises the store for backlog checks and stats.
type Counts struct {
	Active   int64
	Expired  int64
	Terminal int64
}

// Pending is the number of records the reaper would remove.
func (c Counts) Pending() int64 { return c.Expired + c.Terminal }

// Status returns the effective state at now.
func (r Record) Status(now time.Time) State {
	switch r.State {
	case StatePurged, StateConsumed:
		return r.State
	}
	if now.After(r.ExpiresAt) {
		return StateExpired
	}
	return StateActive
}

// Terminal reports whether the stored state forbids any further release.
func (r Record) Terminal() bool {
	return r.State == StateConsumed || r.State == StatePurged
}

// Reapable reports whether the reaper may remove the record at now.
func (r Record) Reapable(now time.Time) bool {
	return r.Terminal() || now.After(r.ExpiresAt)
}

// Clone returns a deep copy so callers never share payload slices with a store.
func (r Record) Clone() Record {
	out := r
	out.Ciphertext = cloneBytes(r.Ciphertext)
	out.IV = cloneBytes(r.IV)
	out.Salt = cloneBytes(r.Salt)
	if r.ConsumedAt != nil {
		t := *r.ConsumedAt
		out.ConsumedAt = &t
	}
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		out.DeletedAt = &t
	}
	return out
}

func (r Record) validateNew() error {
	if strings.TrimSpace(r.ID) == "" {
		return ErrInvalidInput
	}
	if r.State != StateActive || r.ConsumedCount != 0 {
		return ErrInvalidInput
	}
	if r.CreatedAt.IsZero() || !r.ExpiresAt.After(r.CreatedAt) {
		return ErrInvalidInput
	}
	if r.SizeBytes < 0 || r.SizeBytes != int64(len(r.Ciphertext)) {
		return ErrInvalidInput
	}
	return nil
}

func (m Mutation) validate() error {
	switch m.State {
	case "", StateActive, StateConsumed, StatePurged:
	default:
		return ErrInvalidInput
	}
	if m.ConsumedDelta < 0 {
		return ErrInvalidInput
	}
	return nil
}

// apply returns r with m applied and the version advanced.
func (m Mutation) apply(r Record) Record {
	r.ConsumedCount += m.ConsumedDelta
	if m.State != "" {
		r.State = m.State
	}
	at := m.At
	switch m.State {
	case StateConsumed:
		r.ConsumedAt = &at
	case StatePurged:
		r.DeletedAt = &at
	}
	r.Version++
	return r
}

// admits reports whether a stored record accepts m at the expected version.
func admits(r Record, expectedVersion int64) bool {
	if expectedVersion == AnyVersion {
		return r.State == StateActive
	}
	return r.Version == expectedVersion
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

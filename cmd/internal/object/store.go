package object

import (
	"context"
	"time"
)

// Store is the persistence boundary for records. ConditionalUpdate is the only
// mutation path for a stored record; Delete removes the row entirely.
type Store interface {
	// Create inserts an ACTIVE record with Version 1.
	Create(ctx context.Context, r Record) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	// ConditionalUpdate applies m only while the stored version equals
	// expectedVersion (or, for AnyVersion, while the record is active).
	// Returns ErrVersionConflict or ErrNotFound otherwise.
	ConditionalUpdate(ctx context.Context, id string, expectedVersion int64, m Mutation) (Record, error)
	Delete(ctx context.Context, id string) error
	// ListReapable returns ids of terminal or expired records, oldest expiry first.
	ListReapable(ctx context.Context, now time.Time, limit int) ([]string, error)
	Counts(ctx context.Context, now time.Time) (Counts, error)
	Close() error
}

const defaultListLimit = 500

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}

// prepareNew stamps the initial version and validates a new record.
func prepareNew(r Record) (Record, error) {
	if r.State == "" {
		r.State = StateActive
	}
	if err := r.validateNew(); err != nil {
		return Record{}, err
	}
	r.Version = 1
	r.ConsumedAt = nil
	r.DeletedAt = nil
	return r, nil
}

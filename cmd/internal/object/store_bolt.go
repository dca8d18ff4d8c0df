package object

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

var bucketObjects = []byte("objects")

// BoltStore persists records in a single bbolt file. bbolt serialises
// writers, so each db.Update is the atomic section for a record.
type BoltStore struct {
	db *bbolt.DB
}

var _ Store = (*BoltStore)(nil)

// OpenBoltStore opens or creates the database at path.
// The parent directory is created if it does not exist.
func OpenBoltStore(path string) (*BoltStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("bolt: create directory: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt: open: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketObjects)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt: create bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Create(ctx context.Context, r Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	r, err := prepareNew(r)
	if err != nil {
		return Record{}, err
	}
	data, err := encodeRecord(r)
	if err != nil {
		return Record{}, err
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketObjects)
		if b.Get([]byte(r.ID)) != nil {
			return ErrAlreadyExists
		}
		return b.Put([]byte(r.ID), data)
	})
	if err != nil {
		return Record{}, err
	}
	return r, nil
}

func (s *BoltStore) Get(ctx context.Context, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Record{}, ErrInvalidInput
	}

	var out Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketObjects).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return decodeRecord(data, &out)
	})
	if err != nil {
		return Record{}, err
	}
	return out, nil
}

func (s *BoltStore) ConditionalUpdate(ctx context.Context, id string, expectedVersion int64, m Mutation) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if err := m.validate(); err != nil {
		return Record{}, err
	}

	var out Record
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketObjects)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var r Record
		if err := decodeRecord(data, &r); err != nil {
			return err
		}
		if !admits(r, expectedVersion) {
			return ErrVersionConflict
		}
		r = m.apply(r)
		enc, err := encodeRecord(r)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(id), enc); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return out, nil
}

func (s *BoltStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketObjects)
		if b.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(id))
	})
}

// ListReapable scans the bucket; bbolt has no secondary index on expiry.
func (s *BoltStore) ListReapable(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = normalizeLimit(limit)

	type due struct {
		id        string
		expiresAt time.Time
	}
	var found []due
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketObjects).ForEach(func(k, v []byte) error {
			var r Record
			if err := decodeRecord(v, &r); err != nil {
				return fmt.Errorf("bolt: decode %q: %w", k, err)
			}
			if r.Reapable(now) {
				found = append(found, due{id: r.ID, expiresAt: r.ExpiresAt})
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(found, func(i, j int) bool {
		if found[i].expiresAt.Equal(found[j].expiresAt) {
			return found[i].id < found[j].id
		}
		return found[i].expiresAt.Before(found[j].expiresAt)
	})
	if len(found) > limit {
		found = found[:limit]
	}
	ids := make([]string, 0, len(found))
	for _, d := range found {
		ids = append(ids, d.id)
	}
	return ids, nil
}

func (s *BoltStore) Counts(ctx context.Context, now time.Time) (Counts, error) {
	if err := ctx.Err(); err != nil {
		return Counts{}, err
	}
	var c Counts
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketObjects).ForEach(func(_, v []byte) error {
			var r Record
			if err := decodeRecord(v, &r); err != nil {
				return err
			}
			c.add(r, now)
			return nil
		})
	})
	if err != nil {
		return Counts{}, err
	}
	return c, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error { return s.db.Close() }

func encodeRecord(r Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeRecord copies out of the bbolt page; data is only valid inside the transaction.
func decodeRecord(data []byte, r *Record) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(r)
}

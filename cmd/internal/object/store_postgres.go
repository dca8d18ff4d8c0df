package object

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const recordColumns = `id, ciphertext, iv, salt, name, content_type, size_bytes, single_consumption,
	consumed_count, state, version, created_at, expires_at, consumed_at, deleted_at, revoke_hash`

// PostgresStore persists records in PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// StoreOption configures PostgresStore.
type StoreOption func(*PostgresStore) error

// WithSchema sets the DB schema used by the store (default: "burnbox").
func WithSchema(schema string) StoreOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return ErrInvalidInput
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore. The pool is owned by the caller.
func NewPostgresStore(pool *pgxpool.Pool, opts ...StoreOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: DefaultSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, ErrInvalidInput
	}
	return st, nil
}

func (s *PostgresStore) Create(ctx context.Context, r Record) (Record, error) {
	if s == nil || s.pool == nil {
		return Record{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	r, err := prepareNew(r)
	if err != nil {
		return Record{}, err
	}

	objects := pgIdent(s.schema, "objects")
	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+objects+` (`+recordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		r.ID,
		r.Ciphertext,
		r.IV,
		r.Salt,
		r.Name,
		r.ContentType,
		r.SizeBytes,
		r.SingleConsumption,
		r.ConsumedCount,
		string(r.State),
		r.Version,
		r.CreatedAt,
		r.ExpiresAt,
		r.ConsumedAt,
		r.DeletedAt,
		r.RevokeHash,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrAlreadyExists
		}
		return Record{}, err
	}
	return r, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	if s == nil || s.pool == nil {
		return Record{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Record{}, ErrInvalidInput
	}

	objects := pgIdent(s.schema, "objects")
	out, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+`
		   FROM `+objects+`
		  WHERE id = $1`,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	return out, nil
}

// ConditionalUpdate runs a single fenced UPDATE. Concurrent updaters with the
// same expected version serialise on the row lock; the loser re-evaluates the
// WHERE clause against the new version and matches nothing.
func (s *PostgresStore) ConditionalUpdate(ctx context.Context, id string, expectedVersion int64, m Mutation) (Record, error) {
	if s == nil || s.pool == nil {
		return Record{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if err := m.validate(); err != nil {
		return Record{}, err
	}
	if m.At.IsZero() {
		m.At = time.Now().UTC()
	}

	objects := pgIdent(s.schema, "objects")
	out, err := scanRecord(s.pool.QueryRow(ctx,
		`UPDATE `+objects+`
		    SET consumed_count = consumed_count + $3,
		        state = CASE WHEN $4::text = '' THEN state ELSE $4::text END,
		        consumed_at = CASE WHEN $4::text = 'consumed' THEN $5 ELSE consumed_at END,
		        deleted_at = CASE WHEN $4::text = 'purged' THEN $5 ELSE deleted_at END,
		        version = version + 1
		  WHERE id = $1
		    AND (($2::bigint = -1 AND state = 'active') OR version = $2::bigint)
		RETURNING `+recordColumns,
		id,
		expectedVersion,
		m.ConsumedDelta,
		string(m.State),
		m.At,
	))
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, err
	}

	// Distinguish not-found vs stale version.
	if _, selErr := s.Get(ctx, id); selErr != nil {
		return Record{}, selErr
	}
	return Record{}, ErrVersionConflict
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if s == nil || s.pool == nil {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	objects := pgIdent(s.schema, "objects")
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+objects+` WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListReapable(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if s == nil || s.pool == nil {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	objects := pgIdent(s.schema, "objects")
	rows, err := s.pool.Query(ctx,
		`SELECT id
		   FROM `+objects+`
		  WHERE state <> 'active' OR expires_at < $1
		  ORDER BY expires_at, id
		  LIMIT $2`,
		now,
		normalizeLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *PostgresStore) Counts(ctx context.Context, now time.Time) (Counts, error) {
	if s == nil || s.pool == nil {
		return Counts{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Counts{}, err
	}

	objects := pgIdent(s.schema, "objects")
	var c Counts
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FILTER (WHERE state = 'active' AND expires_at >= $1),
		        count(*) FILTER (WHERE state = 'active' AND expires_at < $1),
		        count(*) FILTER (WHERE state <> 'active')
		   FROM `+objects,
		now,
	).Scan(&c.Active, &c.Expired, &c.Terminal)
	if err != nil {
		return Counts{}, err
	}
	return c, nil
}

// Close is a no-op; the pool belongs to the caller.
func (s *PostgresStore) Close() error { return nil }

func scanRecord(row pgx.Row) (Record, error) {
	var (
		out   Record
		state string
	)
	err := row.Scan(
		&out.ID,
		&out.Ciphertext,
		&out.IV,
		&out.Salt,
		&out.Name,
		&out.ContentType,
		&out.SizeBytes,
		&out.SingleConsumption,
		&out.ConsumedCount,
		&state,
		&out.Version,
		&out.CreatedAt,
		&out.ExpiresAt,
		&out.ConsumedAt,
		&out.DeletedAt,
		&out.RevokeHash,
	)
	if err != nil {
		return Record{}, err
	}
	out.State = State(state)
	out.CreatedAt = out.CreatedAt.UTC()
	out.ExpiresAt = out.ExpiresAt.UTC()
	return out, nil
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

package object

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"burnbox/cmd/internal/ids"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite exercises the Store contract shared by every backend.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()

	t.Run("create and get", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Microsecond)

		in := newTestRecord(t, now, true)
		created, err := st.Create(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, int64(1), created.Version)
		assert.Equal(t, StateActive, created.State)

		got, err := st.Get(ctx, in.ID)
		require.NoError(t, err)
		assert.Equal(t, in.Ciphertext, got.Ciphertext)
		assert.Equal(t, in.IV, got.IV)
		assert.Equal(t, in.Name, got.Name)
		assert.Equal(t, in.SizeBytes, got.SizeBytes)
		assert.True(t, got.SingleConsumption)
		assert.True(t, in.ExpiresAt.Equal(got.ExpiresAt))

		_, err = st.Create(ctx, in)
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("create rejects invalid records", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		now := time.Now().UTC()

		bad := newTestRecord(t, now, true)
		bad.SizeBytes = 999
		_, err := st.Create(ctx, bad)
		assert.ErrorIs(t, err, ErrInvalidInput)

		bad = newTestRecord(t, now, true)
		bad.ExpiresAt = bad.CreatedAt
		_, err = st.Create(ctx, bad)
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("get missing", func(t *testing.T) {
		st := newStore(t)
		_, err := st.Get(context.Background(), newID(t))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("conditional update fences on version", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		now := time.Now().UTC()

		r, err := st.Create(ctx, newTestRecord(t, now, true))
		require.NoError(t, err)

		out, err := st.ConditionalUpdate(ctx, r.ID, r.Version, Mutation{ConsumedDelta: 1, State: StateConsumed, At: now})
		require.NoError(t, err)
		assert.Equal(t, r.Version+1, out.Version)
		assert.Equal(t, 1, out.ConsumedCount)
		assert.Equal(t, StateConsumed, out.State)
		require.NotNil(t, out.ConsumedAt)

		_, err = st.ConditionalUpdate(ctx, r.ID, r.Version, Mutation{ConsumedDelta: 1, State: StateConsumed, At: now})
		assert.ErrorIs(t, err, ErrVersionConflict)

		_, err = st.ConditionalUpdate(ctx, newID(t), 1, Mutation{State: StatePurged, At: now})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("any version refuses terminal records", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		now := time.Now().UTC()

		r, err := st.Create(ctx, newTestRecord(t, now, false))
		require.NoError(t, err)

		out, err := st.ConditionalUpdate(ctx, r.ID, AnyVersion, Mutation{ConsumedDelta: 1, At: now})
		require.NoError(t, err)
		assert.Equal(t, 1, out.ConsumedCount)
		assert.Equal(t, StateActive, out.State)

		_, err = st.ConditionalUpdate(ctx, r.ID, out.Version, Mutation{State: StatePurged, At: now})
		require.NoError(t, err)

		_, err = st.ConditionalUpdate(ctx, r.ID, AnyVersion, Mutation{ConsumedDelta: 1, At: now})
		assert.ErrorIs(t, err, ErrVersionConflict)
	})

	t.Run("concurrent conditional updates have one winner", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		now := time.Now().UTC()

		r, err := st.Create(ctx, newTestRecord(t, now, true))
		require.NoError(t, err)

		const racers = 16
		var wg sync.WaitGroup
		wg.Add(racers)
		errs := make(chan error, racers)
		for i := 0; i < racers; i++ {
			go func() {
				defer wg.Done()
				_, err := st.ConditionalUpdate(ctx, r.ID, r.Version, Mutation{ConsumedDelta: 1, State: StateConsumed, At: now})
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)

		wins := 0
		for err := range errs {
			if err == nil {
				wins++
				continue
			}
			require.ErrorIs(t, err, ErrVersionConflict)
		}
		assert.Equal(t, 1, wins)

		got, err := st.Get(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.ConsumedCount)
		assert.Equal(t, r.Version+1, got.Version)
	})

	t.Run("delete", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		r, err := st.Create(ctx, newTestRecord(t, time.Now().UTC(), true))
		require.NoError(t, err)

		require.NoError(t, st.Delete(ctx, r.ID))
		assert.ErrorIs(t, st.Delete(ctx, r.ID), ErrNotFound)
		_, err = st.Get(ctx, r.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("reapable listing and counts", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		now := time.Now().UTC()

		live, err := st.Create(ctx, newTestRecord(t, now, true))
		require.NoError(t, err)

		old := newTestRecord(t, now.Add(-3*time.Hour), true)
		old.ExpiresAt = now.Add(-time.Hour)
		expired, err := st.Create(ctx, old)
		require.NoError(t, err)

		done, err := st.Create(ctx, newTestRecord(t, now, true))
		require.NoError(t, err)
		_, err = st.ConditionalUpdate(ctx, done.ID, done.Version, Mutation{ConsumedDelta: 1, State: StateConsumed, At: now})
		require.NoError(t, err)

		ids, err := st.ListReapable(ctx, now, 10)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{expired.ID, done.ID}, ids)
		assert.NotContains(t, ids, live.ID)

		ids, err = st.ListReapable(ctx, now, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{expired.ID}, ids)

		c, err := st.Counts(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, Counts{Active: 1, Expired: 1, Terminal: 1}, c)
		assert.Equal(t, int64(2), c.Pending())
	})
}

func newTestRecord(t *testing.T, now time.Time, single bool) Record {
	t.Helper()
	payload := []byte("opaque-ciphertext")
	return Record{
		ID:                newID(t),
		Ciphertext:        payload,
		IV:                []byte("0123456789ab"),
		Salt:              []byte("salt"),
		Name:              "report.pdf",
		ContentType:       "application/pdf",
		SizeBytes:         int64(len(payload)),
		SingleConsumption: single,
		State:             StateActive,
		CreatedAt:         now,
		ExpiresAt:         now.Add(24 * time.Hour),
		RevokeHash:        "hash",
	}
}

func newID(t *testing.T) string {
	t.Helper()
	id, err := ids.NewULID(time.Now())
	require.NoError(t, err)
	return id
}

var errInjected = errors.New("injected")

package offsetstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/flowbind/internal/runtime/config"
	errspkg "github.com/drblury/flowbind/internal/runtime/errors"
	"github.com/drblury/flowbind/internal/runtime/offset"
)

func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	factories := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "offsets.db"))
			require.NoError(t, err)
			return s
		},
		"pebble": func(t *testing.T) Store {
			s, err := NewPebble(PebbleOptions{Dir: t.TempDir()})
			require.NoError(t, err)
			return s
		},
	}
	if dsn := os.Getenv("FLOWBIND_TEST_POSTGRES_DSN"); dsn != "" {
		factories["postgres"] = func(t *testing.T) Store {
			s, err := NewPostgres(context.Background(), dsn)
			require.NoError(t, err)
			_, err = s.db.Exec(`DELETE FROM ` + offsetsTable)
			require.NoError(t, err)
			return s
		}
	}
	return factories
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()

			key := Key{Group: "cqrs.publisher", Topic: "some-topic", Partition: 3}

			got, err := s.Load(ctx, key)
			require.NoError(t, err)
			assert.True(t, got.IsNone(), "unknown keys load as None")

			require.NoError(t, s.Save(ctx, key, offset.Sequence(42)))
			got, err = s.Load(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, offset.Sequence(42), got)

			// Non-increasing saves are ignored.
			require.NoError(t, s.Save(ctx, key, offset.Sequence(42)))
			require.NoError(t, s.Save(ctx, key, offset.Sequence(7)))
			require.NoError(t, s.Save(ctx, key, offset.None))
			got, err = s.Load(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, offset.Sequence(42), got)

			require.NoError(t, s.Save(ctx, key, offset.Sequence(43)))
			got, err = s.Load(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, offset.Sequence(43), got)

			// Keys are independent.
			other := Key{Group: "cqrs.publisher", Topic: "some-topic", Partition: 4}
			got, err = s.Load(ctx, other)
			require.NoError(t, err)
			assert.True(t, got.IsNone())

			err = s.Save(ctx, key, offset.TimeUUID(uuid.Must(uuid.NewUUID())))
			assert.ErrorIs(t, err, errspkg.ErrIncomparableOffsets)
		})
	}
}

func TestTimeUUIDOffsetsRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()

			key := Key{Group: "g", Topic: "events", Partition: -1}
			first := offset.TimeUUID(uuid.Must(uuid.NewUUID()))
			second := offset.TimeUUID(uuid.Must(uuid.NewUUID()))

			require.NoError(t, s.Save(ctx, key, second))
			require.NoError(t, s.Save(ctx, key, first))
			got, err := s.Load(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, second, got)
		})
	}
}

func TestDurableStoresSurviveReopen(t *testing.T) {
	ctx := context.Background()
	key := Key{Group: "g", Topic: "t", Partition: 0}

	t.Run("sqlite", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "offsets.db")
		s, err := NewSQLite(ctx, path)
		require.NoError(t, err)
		require.NoError(t, s.Save(ctx, key, offset.Sequence(9)))
		require.NoError(t, s.Close())

		s, err = NewSQLite(ctx, path)
		require.NoError(t, err)
		defer s.Close()
		got, err := s.Load(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, offset.Sequence(9), got)
	})

	t.Run("pebble", func(t *testing.T) {
		dir := t.TempDir()
		s, err := NewPebble(PebbleOptions{Dir: dir, Sync: true})
		require.NoError(t, err)
		require.NoError(t, s.Save(ctx, key, offset.Sequence(9)))
		require.NoError(t, s.Close())

		s, err = NewPebble(PebbleOptions{Dir: dir})
		require.NoError(t, err)
		defer s.Close()
		got, err := s.Load(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, offset.Sequence(9), got)
	})
}

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, nil)
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	s, err = Open(ctx, &configpkg.Config{OffsetStore: "sqlite", OffsetStoreDSN: filepath.Join(t.TempDir(), "o.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLStore{}, s)
	require.NoError(t, s.Close())

	s, err = Open(ctx, &configpkg.Config{OffsetStore: "pebble", OffsetStoreDSN: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &PebbleStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, &configpkg.Config{OffsetStore: "etcd"})
	assert.Error(t, err)

	_, err = Open(ctx, &configpkg.Config{OffsetStore: "postgres"})
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	q := `SELECT a FROM t WHERE x = ? AND y = ?`
	assert.Equal(t, q, dialectSQLite.rebind(q))
	assert.Equal(t, `SELECT a FROM t WHERE x = $1 AND y = $2`, dialectPostgres.rebind(q))
}

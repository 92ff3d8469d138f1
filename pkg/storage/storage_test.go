package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openBackends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	sqlite, err := NewSQLite(filepath.Join(dir, "kv.db"))
	require.NoError(t, err)

	boltStore, err := NewBolt(filepath.Join(dir, "kv.bolt"))
	require.NoError(t, err)

	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sqlite,
		"bolt":   boltStore,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()

			require.NoError(t, store.Persist(ctx, "record/m1", []byte(`{"v":1}`)))
			got, err := store.Get(ctx, "record/m1")
			require.NoError(t, err)
			require.JSONEq(t, `{"v":1}`, string(got))

			// Overwrite replaces.
			require.NoError(t, store.Persist(ctx, "record/m1", []byte(`{"v":2}`)))
			got, err = store.Get(ctx, "record/m1")
			require.NoError(t, err)
			require.JSONEq(t, `{"v":2}`, string(got))
		})
	}
}

func TestStoreGetMissing(t *testing.T) {
	ctx := context.Background()
	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			_, err := store.Get(ctx, "no-such-key")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreListPrefix(t *testing.T) {
	ctx := context.Background()
	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()

			require.NoError(t, store.Persist(ctx, "batch/b2", []byte("2")))
			require.NoError(t, store.Persist(ctx, "batch/b1", []byte("1")))
			require.NoError(t, store.Persist(ctx, "record/m1", []byte("r")))

			entries, err := store.List(ctx, "batch/")
			require.NoError(t, err)
			require.Len(t, entries, 2)
			require.Equal(t, "batch/b1", entries[0].Key)
			require.Equal(t, "batch/b2", entries[1].Key)

			all, err := store.List(ctx, "")
			require.NoError(t, err)
			require.Len(t, all, 3)

			none, err := store.List(ctx, "checkpoint/")
			require.NoError(t, err)
			require.Empty(t, none)
		})
	}
}

func TestStoreDelete(t *testing.T) {
	ctx := context.Background()
	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()

			require.NoError(t, store.Persist(ctx, "k", []byte("v")))
			require.NoError(t, store.Delete(ctx, "k"))
			_, err := store.Get(ctx, "k")
			require.ErrorIs(t, err, ErrNotFound)

			// Deleting a missing key is not an error.
			require.NoError(t, store.Delete(ctx, "k"))
		})
	}
}

func TestStoreValueIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	defer store.Close()

	original := []byte("immutable")
	require.NoError(t, store.Persist(ctx, "k", original))
	original[0] = 'X'

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("immutable"), got)

	// Mutating the returned slice must not affect the stored value.
	got[0] = 'Y'
	again, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("immutable"), again)
}

func TestMemoryClosed(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	require.NoError(t, store.Close())

	require.ErrorIs(t, store.Persist(ctx, "k", []byte("v")), ErrClosed)
	_, err := store.Get(ctx, "k")
	require.ErrorIs(t, err, ErrClosed)
}

func TestSQLitePersistSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.db")

	store, err := NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, store.Persist(ctx, "record/m1", []byte("payload")))
	require.NoError(t, store.Close())

	reopened, err := NewSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, "record/m1")
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got)
}

func TestOpenFactory(t *testing.T) {
	dir := t.TempDir()

	mem, err := Open("memory", "")
	require.NoError(t, err)
	require.IsType(t, &Memory{}, mem)

	sq, err := Open("sqlite", filepath.Join(dir, "f.db"))
	require.NoError(t, err)
	require.IsType(t, &SQLite{}, sq)
	sq.Close()

	_, err = Open("riak", "")
	require.Error(t, err)
}

func TestPrefixUpperBound(t *testing.T) {
	require.Equal(t, "batch0", prefixUpperBound("batch/"))
	require.Equal(t, "b", prefixUpperBound("a"))
	require.Equal(t, "", prefixUpperBound(""))
	require.Equal(t, "", prefixUpperBound("\xff\xff"))
	require.Equal(t, "a\xff", prefixUpperBound("a\xfe\xff"))
}

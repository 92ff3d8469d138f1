package archive

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentIDStable(t *testing.T) {
	a, err := ContentID([]byte(`{"match_id":"m1"}`))
	require.NoError(t, err)
	b, err := ContentID([]byte(`{"match_id":"m1"}`))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "baf"), "CIDv1 raw sha2-256 should be base32 baf..., got %s", a)

	c, err := ContentID([]byte(`{"match_id":"m2"}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestVerifyContentID(t *testing.T) {
	data := []byte("archived record")
	id, err := ContentID(data)
	require.NoError(t, err)

	require.NoError(t, VerifyContentID(data, id))
	require.ErrorIs(t, VerifyContentID([]byte("tampered record"), id), ErrIntegrity)
	require.Error(t, VerifyContentID(data, "not-a-cid"))
}

func TestFileArchiveRoundTrip(t *testing.T) {
	ctx := context.Background()
	a, err := NewFileArchive(t.TempDir())
	require.NoError(t, err)

	data := []byte(`{"match_id":"m1","version":"1.0.0"}`)
	ptr, err := a.Put(ctx, "records/m1.json", data)
	require.NoError(t, err)
	assert.Equal(t, "fs", ptr.Provider)
	assert.True(t, strings.HasPrefix(ptr.URL, "file://"))
	assert.Equal(t, int64(len(data)), ptr.SizeBytes)
	assert.NotEmpty(t, ptr.CID)

	got, err := a.Fetch(ctx, ptr)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestFileArchiveDetectsTampering(t *testing.T) {
	ctx := context.Background()
	a, err := NewFileArchive(t.TempDir())
	require.NoError(t, err)

	ptr, err := a.Put(ctx, "records/m1.json", []byte("original"))
	require.NoError(t, err)

	path := strings.TrimPrefix(ptr.URL, "file://")
	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0o644))

	_, err = a.Fetch(ctx, ptr)
	require.ErrorIs(t, err, ErrIntegrity)
}

func TestFileArchiveMissing(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a, err := NewFileArchive(dir)
	require.NoError(t, err)

	_, err = a.Fetch(ctx, Pointer{Provider: "fs", URL: "file://" + filepath.Join(dir, "absent.json")})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = a.Fetch(ctx, Pointer{Provider: "s3", URL: "s3://bucket/key"})
	require.ErrorIs(t, err, ErrProviderMismatch)
}

func TestFileArchiveRejectsTraversal(t *testing.T) {
	ctx := context.Background()
	a, err := NewFileArchive(t.TempDir())
	require.NoError(t, err)

	_, err = a.Put(ctx, "../outside.json", []byte("x"))
	require.Error(t, err)
}

func TestFactoryDefaultsToFS(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, Config{Provider: "fs", Dir: t.TempDir()})
	require.NoError(t, err)
	require.IsType(t, &FileArchive{}, a)

	_, err = New(ctx, Config{Provider: "tape"})
	require.Error(t, err)
}

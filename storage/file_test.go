package storage

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/seedless-recovery-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBackend(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	backend, err := NewFileBackend(dir, logger)
	require.NoError(t, err)
	assert.True(t, backend.Available(ctx))
	assert.Equal(t, "file://"+dir, backend.LocationURI())

	data := []byte("encrypted shard")
	id, err := backend.Store(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ComputeID(data), id)

	fetched, err := backend.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, data, fetched)

	_, err = backend.Fetch(ctx, interfaces.ComputeID([]byte("other")))
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	// Tampered content is not served.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shards", id.String()), []byte("tampered"), 0600))
	_, err = backend.Fetch(ctx, id)
	assert.ErrorIs(t, err, interfaces.ErrContentMismatch)
}

func TestArchiveFactory(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	factory := NewArchiveFactory(logger)
	dir := t.TempDir()

	archive, err := factory.ArchiveFor("file://" + dir)
	require.NoError(t, err)
	assert.IsType(t, &FileBackend{}, archive)

	archive, err = factory.ArchiveFor("s3://AKID:SECRET@shards-bucket/prefix?region=eu-west-1")
	require.NoError(t, err)
	assert.Equal(t, "s3-shards-bucket", archive.Name())
	assert.NotContains(t, archive.LocationURI(), "SECRET")

	archive, err = factory.ArchiveFor("ipfs://127.0.0.1:5001/shards?timeout=5s")
	require.NoError(t, err)
	assert.Equal(t, "ipfs-127.0.0.1-5001", archive.Name())

	archive, err = factory.ArchiveFor("vault://token@vault.internal:8200/secret/seedless")
	require.NoError(t, err)
	assert.Equal(t, "vault-secret-seedless", archive.Name())

	_, err = factory.ArchiveFor("vault://vault.internal:8200/secret")
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)

	_, err = factory.ArchiveFor("github://owner/repo")
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)

	_, err = factory.ArchiveFor("ipfs://127.0.0.1:5001/?timeout=soon")
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)

	multi, err := factory.CreateMultiArchive([]string{"github://nope", "file://" + dir})
	require.NoError(t, err)
	assert.Equal(t, "multi-archive", multi.Name())

	_, err = factory.CreateMultiArchive([]string{"github://nope"})
	assert.Error(t, err)
}

package bolt_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/italolelis/archive_downloader/internal/storage"
	"github.com/italolelis/archive_downloader/internal/storage/bolt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournal_Lifecycle(t *testing.T) {
	ctx := context.Background()

	j, err := bolt.Open(filepath.Join(t.TempDir(), "journal.bolt"), nil)
	require.NoError(t, err)

	t.Cleanup(func() { j.Close() })

	_, err = j.Get(ctx, "disc.7z")
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, j.MarkDownloading(ctx, "disc.7z", "https://example/disc.7z", "host-1"))
	require.NoError(t, j.MarkDownloaded(ctx, "disc.7z", 2048))

	rec, err := j.Get(ctx, "disc.7z")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusDownloaded, rec.Status)
	assert.Equal(t, int64(2048), rec.Bytes)
	assert.Equal(t, "host-1", rec.Owner)
	assert.False(t, rec.UpdatedAt.IsZero())

	require.NoError(t, j.MarkFailed(ctx, "disc.7z", "checksum mismatch"))
	require.NoError(t, j.MarkDownloading(ctx, "disc.7z", "https://example/disc.7z", "host-2"))

	rec, err = j.Get(ctx, "disc.7z")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusDownloading, rec.Status)
	assert.Empty(t, rec.Error)

	require.NoError(t, j.MarkVerified(ctx, "disc.7z", "cbf43926"))

	rec, err = j.Get(ctx, "disc.7z")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusVerified, rec.Status)
	assert.Equal(t, "cbf43926", rec.Checksum)
}

func TestJournal_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.bolt")

	j, err := bolt.Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, j.MarkDownloading(ctx, "b.zip", "https://example/b.zip", "h"))
	require.NoError(t, j.MarkDownloading(ctx, "a.zip", "https://example/a.zip", "h"))
	require.NoError(t, j.Close())

	j, err = bolt.Open(path, nil)
	require.NoError(t, err)

	t.Cleanup(func() { j.Close() })

	records, err := j.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a.zip", records[0].TargetID)
	assert.Equal(t, "b.zip", records[1].TargetID)
}

package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/italolelis/archive_downloader/internal/storage"
	"github.com/italolelis/archive_downloader/internal/storage/sqlite"
	"github.com/italolelis/archive_downloader/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJournal(t *testing.T) storage.Journal {
	t.Helper()

	db, err := sqlite.InitDB(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })

	tel, err := telemetry.New(context.Background(), telemetry.Config{Enabled: false})
	require.NoError(t, err)

	return sqlite.NewInstrumentedJournalRepository(db, tel)
}

func TestJournal_Lifecycle(t *testing.T) {
	ctx := context.Background()
	j := newJournal(t)

	_, err := j.Get(ctx, "game.zip")
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, j.MarkDownloading(ctx, "game.zip", "https://example/game.zip", "host-1"))

	rec, err := j.Get(ctx, "game.zip")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusDownloading, rec.Status)
	assert.Equal(t, "https://example/game.zip", rec.URL)
	assert.Equal(t, "host-1", rec.Owner)
	assert.False(t, rec.UpdatedAt.IsZero())

	require.NoError(t, j.MarkDownloaded(ctx, "game.zip", 4096))

	rec, err = j.Get(ctx, "game.zip")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusDownloaded, rec.Status)
	assert.Equal(t, int64(4096), rec.Bytes)

	require.NoError(t, j.MarkVerified(ctx, "game.zip", "cbf43926"))

	rec, err = j.Get(ctx, "game.zip")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusVerified, rec.Status)
	assert.Equal(t, "cbf43926", rec.Checksum)
	assert.Equal(t, "https://example/game.zip", rec.URL)
}

func TestJournal_FailureIsClearedByNextAttempt(t *testing.T) {
	ctx := context.Background()
	j := newJournal(t)

	require.NoError(t, j.MarkFailed(ctx, "disc.7z", "checksum mismatch"))

	rec, err := j.Get(ctx, "disc.7z")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, rec.Status)
	assert.Equal(t, "checksum mismatch", rec.Error)

	require.NoError(t, j.MarkDownloading(ctx, "disc.7z", "https://example/disc.7z", "host-2"))

	rec, err = j.Get(ctx, "disc.7z")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusDownloading, rec.Status)
	assert.Empty(t, rec.Error)
}

func TestJournal_List(t *testing.T) {
	ctx := context.Background()
	j := newJournal(t)

	require.NoError(t, j.MarkDownloading(ctx, "a.zip", "https://example/a.zip", "h"))
	require.NoError(t, j.MarkDownloading(ctx, "b.zip", "https://example/b.zip", "h"))
	require.NoError(t, j.MarkDownloading(ctx, "a.zip", "https://example/a.zip", "h"))

	records, err := j.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a.zip", records[0].TargetID)
	assert.Equal(t, "b.zip", records[1].TargetID)
}

package cleanup_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/italolelis/archive_downloader/internal/cleanup"
	"github.com/italolelis/archive_downloader/internal/storage"
	"github.com/italolelis/archive_downloader/internal/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stage(t *testing.T, dir, url string) target.Target {
	t.Helper()

	tg, err := target.New(dir, url)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(tg.StagedPath, []byte("partial"), 0o644))

	return tg
}

func TestDeleteStaleStaged(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().Add(-48 * time.Hour)

	stale := stage(t, dir, "https://example.com/stale.zip")
	fresh := stage(t, dir, "https://example.com/fresh.zip")
	active := stage(t, dir, "https://example.com/active.zip")

	verified, err := target.New(dir, "https://example.com/verified.zip")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(verified.FinalPath, []byte("done"), 0o644))

	records := []storage.Record{
		{TargetID: stale.ID, URL: stale.URL, Status: storage.StatusFailed, UpdatedAt: old},
		{TargetID: fresh.ID, URL: fresh.URL, Status: storage.StatusDownloading, UpdatedAt: time.Now()},
		{TargetID: active.ID, URL: active.URL, Status: storage.StatusFailed, UpdatedAt: old},
		{TargetID: verified.ID, URL: verified.URL, Status: storage.StatusVerified, UpdatedAt: old},
		{TargetID: "gone.zip", URL: "https://example.com/gone.zip", Status: storage.StatusFailed, UpdatedAt: old},
	}

	n, err := cleanup.DeleteStaleStaged(context.Background(), records, dir, 24*time.Hour, map[string]bool{active.ID: true})
	require.NoError(t, err)

	assert.Equal(t, 1, n)
	assert.NoFileExists(t, stale.StagedPath)
	assert.FileExists(t, fresh.StagedPath)
	assert.FileExists(t, active.StagedPath)
	assert.FileExists(t, verified.FinalPath)
}

package cleanup

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/archive_downloader/internal/logctx"
	"github.com/italolelis/archive_downloader/internal/storage"
	"github.com/italolelis/archive_downloader/internal/target"
)

// DeleteStaleStaged removes staged files of targets that are no longer in the
// input list and have not been touched for longer than keep. Verified final
// files are never removed.
func DeleteStaleStaged(ctx context.Context, records []storage.Record, dir string, keep time.Duration, active map[string]bool) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()
	deleted := 0

	for _, rec := range records {
		if rec.Status == storage.StatusVerified || active[rec.TargetID] {
			continue
		}

		tg, err := target.New(dir, rec.URL)
		if err != nil {
			logger.Warn("skipping journal record with invalid URL", "target", rec.TargetID, "err", err)

			continue
		}

		info, err := os.Stat(tg.StagedPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue // already gone
			}

			logger.Error("failed to stat staged file", "file", tg.StagedPath, "err", err)

			return deleted, err
		}

		touched := rec.UpdatedAt
		if touched.IsZero() {
			touched = info.ModTime()
		}

		if now.Sub(touched) <= keep {
			continue
		}

		if err := os.Remove(tg.StagedPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Error("failed to delete stale staged file", "file", tg.StagedPath, "err", err)

			return deleted, err
		}

		deleted++

		logger.Info("deleted stale staged file",
			"file", tg.StagedPath,
			"size", humanize.Bytes(uint64(info.Size())),
			"last_touched", humanize.Time(touched))
	}

	return deleted, nil
}

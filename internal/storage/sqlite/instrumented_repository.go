package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/archive_downloader/internal/storage"
	"github.com/italolelis/archive_downloader/internal/telemetry"
)

// InstrumentedJournalRepository wraps JournalRepository with telemetry.
type InstrumentedJournalRepository struct {
	repo      *JournalRepository
	telemetry *telemetry.Telemetry
}

var _ storage.Journal = (*InstrumentedJournalRepository)(nil)

// NewInstrumentedJournalRepository creates a new instrumented journal repository.
func NewInstrumentedJournalRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedJournalRepository {
	return &InstrumentedJournalRepository{
		repo:      NewJournalRepository(dbConn),
		telemetry: tel,
	}
}

// Get retrieves a target record with telemetry.
func (r *InstrumentedJournalRepository) Get(ctx context.Context, targetID string) (storage.Record, error) {
	var result storage.Record

	err := r.telemetry.InstrumentDBOperation(ctx, "get_record", func(ctx context.Context) error {
		var err error

		result, err = r.repo.Get(ctx, targetID)

		return err
	})

	return result, err
}

// List retrieves all target records with telemetry.
func (r *InstrumentedJournalRepository) List(ctx context.Context) ([]storage.Record, error) {
	var result []storage.Record

	err := r.telemetry.InstrumentDBOperation(ctx, "list_records", func(ctx context.Context) error {
		var err error

		result, err = r.repo.List(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (r *InstrumentedJournalRepository) MarkDownloading(ctx context.Context, targetID, url, owner string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "mark_downloading", func(ctx context.Context) error {
		return r.repo.MarkDownloading(ctx, targetID, url, owner)
	})
}

func (r *InstrumentedJournalRepository) MarkDownloaded(ctx context.Context, targetID string, bytes int64) error {
	return r.telemetry.InstrumentDBOperation(ctx, "mark_downloaded", func(ctx context.Context) error {
		return r.repo.MarkDownloaded(ctx, targetID, bytes)
	})
}

func (r *InstrumentedJournalRepository) MarkVerified(ctx context.Context, targetID, checksum string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "mark_verified", func(ctx context.Context) error {
		return r.repo.MarkVerified(ctx, targetID, checksum)
	})
}

func (r *InstrumentedJournalRepository) MarkFailed(ctx context.Context, targetID, reason string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "mark_failed", func(ctx context.Context) error {
		return r.repo.MarkFailed(ctx, targetID, reason)
	})
}

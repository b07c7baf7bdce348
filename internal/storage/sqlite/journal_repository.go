package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/italolelis/archive_downloader/internal/storage"
)

type JournalRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewJournalRepository(dbConn *sql.DB) *JournalRepository {
	return &JournalRepository{db: dbConn, now: time.Now}
}

func (r *JournalRepository) Get(ctx context.Context, targetID string) (storage.Record, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT target_id, url, status, bytes, checksum, error, owner, updated_at FROM journal WHERE target_id = ?`,
		targetID)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Record{}, storage.ErrNotFound
	}

	return record, err
}

func (r *JournalRepository) List(ctx context.Context) ([]storage.Record, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT target_id, url, status, bytes, checksum, error, owner, updated_at FROM journal ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []storage.Record

	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		records = append(records, record)
	}

	return records, rows.Err()
}

// MarkDownloading claims the target for owner and clears any previous error.
func (r *JournalRepository) MarkDownloading(ctx context.Context, targetID, url, owner string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO journal (target_id, url, status, owner, updated_at)
		VALUES (?, ?, 'downloading', ?, ?)
		ON CONFLICT(target_id) DO UPDATE SET
			url = excluded.url,
			status = 'downloading',
			error = '',
			owner = excluded.owner,
			updated_at = excluded.updated_at
	`, targetID, url, owner, r.timestamp())

	return err
}

// MarkDownloaded records that the staged file holds a complete response body.
func (r *JournalRepository) MarkDownloaded(ctx context.Context, targetID string, bytes int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO journal (target_id, status, bytes, updated_at)
		VALUES (?, 'downloaded', ?, ?)
		ON CONFLICT(target_id) DO UPDATE SET
			status = 'downloaded',
			bytes = excluded.bytes,
			error = '',
			updated_at = excluded.updated_at
	`, targetID, bytes, r.timestamp())

	return err
}

func (r *JournalRepository) MarkVerified(ctx context.Context, targetID, checksum string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO journal (target_id, status, checksum, updated_at)
		VALUES (?, 'verified', ?, ?)
		ON CONFLICT(target_id) DO UPDATE SET
			status = 'verified',
			checksum = excluded.checksum,
			error = '',
			updated_at = excluded.updated_at
	`, targetID, checksum, r.timestamp())

	return err
}

func (r *JournalRepository) MarkFailed(ctx context.Context, targetID, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO journal (target_id, status, error, updated_at)
		VALUES (?, 'failed', ?, ?)
		ON CONFLICT(target_id) DO UPDATE SET
			status = 'failed',
			error = excluded.error,
			updated_at = excluded.updated_at
	`, targetID, reason, r.timestamp())

	return err
}

func (r *JournalRepository) timestamp() string {
	return r.now().UTC().Format(time.RFC3339)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (storage.Record, error) {
	var (
		record    storage.Record
		updatedAt sql.NullString
	)

	if err := s.Scan(&record.TargetID, &record.URL, &record.Status, &record.Bytes,
		&record.Checksum, &record.Error, &record.Owner, &updatedAt); err != nil {
		return storage.Record{}, err
	}

	if updatedAt.Valid {
		if t, err := time.Parse(time.RFC3339, updatedAt.String); err == nil {
			record.UpdatedAt = t
		}
	}

	return record, nil
}

// Package bolt keeps the journal in a single bbolt file, for hosts where
// cgo (and with it the sqlite driver) is not available.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/italolelis/archive_downloader/internal/storage"
	"github.com/italolelis/archive_downloader/internal/telemetry"
	"go.etcd.io/bbolt"
)

const (
	journalBucket  = "journal"
	metadataBucket = "metadata"
	schemaVersion  = 1
)

// JournalRepository stores one JSON encoded storage.Record per target id.
type JournalRepository struct {
	db        *bbolt.DB
	telemetry *telemetry.Telemetry
	now       func() time.Time
}

var _ storage.Journal = (*JournalRepository)(nil)

// Open opens or creates the journal file at path.
func Open(path string, tel *telemetry.Telemetry) (*JournalRepository, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(journalBucket)); err != nil {
			return fmt.Errorf("failed to create journal bucket: %w", err)
		}

		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}

		return meta.Put([]byte("schema_version"), []byte(fmt.Sprintf("%d", schemaVersion)))
	})
	if err != nil {
		db.Close()

		return nil, err
	}

	return &JournalRepository{db: db, telemetry: tel, now: time.Now}, nil
}

func (r *JournalRepository) Close() error {
	return r.db.Close()
}

func (r *JournalRepository) Get(ctx context.Context, targetID string) (storage.Record, error) {
	var rec storage.Record

	err := r.telemetry.InstrumentDBOperation(ctx, "get_record", func(context.Context) error {
		return r.db.View(func(tx *bbolt.Tx) error {
			data := tx.Bucket([]byte(journalBucket)).Get([]byte(targetID))
			if data == nil {
				return storage.ErrNotFound
			}

			return json.Unmarshal(data, &rec)
		})
	})

	return rec, err
}

// List returns every record ordered by target id.
func (r *JournalRepository) List(ctx context.Context) ([]storage.Record, error) {
	var records []storage.Record

	err := r.telemetry.InstrumentDBOperation(ctx, "list_records", func(context.Context) error {
		return r.db.View(func(tx *bbolt.Tx) error {
			return tx.Bucket([]byte(journalBucket)).ForEach(func(_, v []byte) error {
				var rec storage.Record
				if err := json.Unmarshal(v, &rec); err != nil {
					return fmt.Errorf("failed to decode journal record: %w", err)
				}

				records = append(records, rec)

				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}

func (r *JournalRepository) MarkDownloading(ctx context.Context, targetID, url, owner string) error {
	return r.update(ctx, "mark_downloading", targetID, func(rec *storage.Record) {
		rec.URL = url
		rec.Owner = owner
		rec.Status = storage.StatusDownloading
		rec.Error = ""
	})
}

func (r *JournalRepository) MarkDownloaded(ctx context.Context, targetID string, bytes int64) error {
	return r.update(ctx, "mark_downloaded", targetID, func(rec *storage.Record) {
		rec.Status = storage.StatusDownloaded
		rec.Bytes = bytes
	})
}

func (r *JournalRepository) MarkVerified(ctx context.Context, targetID, checksum string) error {
	return r.update(ctx, "mark_verified", targetID, func(rec *storage.Record) {
		rec.Status = storage.StatusVerified
		rec.Checksum = checksum
		rec.Error = ""
	})
}

func (r *JournalRepository) MarkFailed(ctx context.Context, targetID, reason string) error {
	return r.update(ctx, "mark_failed", targetID, func(rec *storage.Record) {
		rec.Status = storage.StatusFailed
		rec.Error = reason
	})
}

// update applies fn to the stored record, creating it when missing, inside a
// single write transaction.
func (r *JournalRepository) update(ctx context.Context, op, targetID string, fn func(*storage.Record)) error {
	return r.telemetry.InstrumentDBOperation(ctx, op, func(context.Context) error {
		return r.db.Update(func(tx *bbolt.Tx) error {
			bucket := tx.Bucket([]byte(journalBucket))

			rec := storage.Record{TargetID: targetID}
			if data := bucket.Get([]byte(targetID)); data != nil {
				if err := json.Unmarshal(data, &rec); err != nil {
					return fmt.Errorf("failed to decode journal record: %w", err)
				}
			}

			fn(&rec)
			rec.UpdatedAt = r.now().UTC().Truncate(time.Second)

			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("failed to encode journal record: %w", err)
			}

			return bucket.Put([]byte(targetID), data)
		})
	})
}

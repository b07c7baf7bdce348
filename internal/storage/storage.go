package storage

import (
	"context"
	"errors"
	"time"
)

// Journal statuses.
const (
	StatusDownloading = "downloading"
	StatusDownloaded  = "downloaded"
	StatusVerified    = "verified"
	StatusFailed      = "failed"
)

// ErrNotFound is returned when the journal has no record for a target.
var ErrNotFound = errors.New("journal record not found")

// Record is the last known state of one target.
type Record struct {
	TargetID  string
	URL       string
	Status    string
	Bytes     int64
	Checksum  string // hex CRC32, set once verified
	Error     string
	Owner     string // instance that last touched the record
	UpdatedAt time.Time
}

// JournalReadRepository reads target records.
type JournalReadRepository interface {
	Get(ctx context.Context, targetID string) (Record, error)
	List(ctx context.Context) ([]Record, error)
}

// JournalWriteRepository moves a target through its statuses.
type JournalWriteRepository interface {
	MarkDownloading(ctx context.Context, targetID, url, owner string) error
	MarkDownloaded(ctx context.Context, targetID string, bytes int64) error
	MarkVerified(ctx context.Context, targetID, checksum string) error
	MarkFailed(ctx context.Context, targetID, reason string) error
}

type Journal interface {
	JournalReadRepository
	JournalWriteRepository
}

// Discard is a Journal that remembers nothing.
type Discard struct{}

func (Discard) Get(context.Context, string) (Record, error) { return Record{}, ErrNotFound }
func (Discard) List(context.Context) ([]Record, error) { return nil, nil }
func (Discard) MarkDownloading(context.Context, string, string, string) error { return nil }
func (Discard) MarkDownloaded(context.Context, string, int64) error { return nil }
func (Discard) MarkVerified(context.Context, string, string) error { return nil }
func (Discard) MarkFailed(context.Context, string, string) error { return nil }

package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/archive_downloader/internal/archive"
	"github.com/italolelis/archive_downloader/internal/checksum"
	"github.com/italolelis/archive_downloader/internal/downloader"
	"github.com/italolelis/archive_downloader/internal/downloader/progress"
	"github.com/italolelis/archive_downloader/internal/logctx"
	"github.com/italolelis/archive_downloader/internal/storage"
	"github.com/italolelis/archive_downloader/internal/target"
	"github.com/italolelis/archive_downloader/internal/telemetry"
	"github.com/italolelis/archive_downloader/internal/transport"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	MaxParallel      int
	DownloadAttempts int
	RetryDelay       time.Duration
	Resume           bool
	// ReverifyExisting verifies final files instead of skipping them.
	ReverifyExisting bool
	ProgressInterval int64
}

// Orchestrator drives a batch of targets through download, verification and
// promotion of the staged file.
type Orchestrator struct {
	opts      Options
	client    downloader.Fetcher
	journal   storage.Journal
	telemetry *telemetry.Telemetry
	reporter  progress.Reporter
	owner     string

	mu   sync.RWMutex
	last *Report
}

func New(opts Options, client downloader.Fetcher, journal storage.Journal, tel *telemetry.Telemetry, reporter progress.Reporter) *Orchestrator {
	if opts.MaxParallel < 1 {
		opts.MaxParallel = 1
	}

	if opts.DownloadAttempts < 1 {
		opts.DownloadAttempts = 1
	}

	if journal == nil {
		journal = storage.Discard{}
	}

	if reporter == nil {
		reporter = progress.Discard{}
	}

	return &Orchestrator{
		opts:      opts,
		client:    client,
		journal:   journal,
		telemetry: tel,
		reporter:  reporter,
		owner:     InstanceID(),
	}
}

// LastReport returns the report of the most recent finished run.
func (o *Orchestrator) LastReport() (*Report, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return o.last, o.last != nil
}

// Run processes every target and returns one result per target in input
// order. A failing target never stops the others; targets not yet started
// when ctx is cancelled are reported as cancelled.
func (o *Orchestrator) Run(ctx context.Context, targets []target.Target) *Report {
	report := &Report{
		RunID:     NewRunID(),
		StartedAt: time.Now(),
		Results:   make([]Result, len(targets)),
	}

	ctx, logger := logctx.With(ctx, "run_id", report.RunID)

	logger.Info("starting batch", "targets", len(targets), "max_parallel", o.opts.MaxParallel)

	var g errgroup.Group
	g.SetLimit(o.opts.MaxParallel)

	for i, t := range targets {
		if ctx.Err() != nil {
			report.Results[i] = cancelled(t, ctx.Err())

			continue
		}

		g.Go(func() error {
			if ctx.Err() != nil {
				report.Results[i] = cancelled(t, ctx.Err())

				return nil
			}

			report.Results[i] = o.process(ctx, t)

			return nil
		})
	}

	_ = g.Wait()

	report.FinishedAt = time.Now()

	o.mu.Lock()
	o.last = report
	o.mu.Unlock()

	return report
}

func cancelled(t target.Target, err error) Result {
	return Result{Target: t, Outcome: OutcomeCancelled, Err: err}
}

func (o *Orchestrator) process(ctx context.Context, t target.Target) (res Result) {
	start := time.Now()
	ctx, logger := logctx.With(ctx, "target", t.ID)

	res = Result{Target: t}

	defer func() {
		res.Duration = time.Since(start)
		o.telemetry.RecordTarget(ctx, string(res.Outcome))

		if res.Outcome == OutcomeIOError {
			o.telemetry.RecordSystemError(ctx, "batch", string(res.Outcome))
		}

		if res.Outcome.Failed() && res.Outcome != OutcomeCancelled {
			o.journalFailed(ctx, t.ID, res.Err)
		}
	}()

	if exists(t.FinalPath) {
		if !o.opts.ReverifyExisting {
			logger.Debug("final file already exists, skipping")

			res.Outcome = OutcomeSkipped

			return res
		}

		// A mismatching final file is reported but left in place.
		rec, err := o.verify(ctx, t.FinalPath)
		if err != nil {
			return o.fail(ctx, res, err)
		}

		logger.Info("existing file verified", "crc32", rec.Hex())

		res.Outcome = OutcomeSkipped
		res.Checksum = rec.Hex()

		return res
	}

	downloaded := o.alreadyDownloaded(ctx, t)
	if downloaded {
		logger.Info("staged file recorded as downloaded, verifying without fetching")

		res.Resumed = true
	} else {
		n, resumed, err := o.download(ctx, t, o.opts.Resume)
		res.Bytes = n
		res.Resumed = resumed

		if err != nil {
			return o.fail(ctx, res, err)
		}
	}

	rec, err := o.verify(ctx, t.StagedPath)

	var mismatch *checksum.MismatchError
	if errors.As(err, &mismatch) && res.Resumed {
		logger.Warn("staged file kept from an earlier attempt failed verification, downloading again",
			"expected", fmt.Sprintf("%08x", mismatch.Expected),
			"actual", fmt.Sprintf("%08x", mismatch.Actual))

		n, _, dlErr := o.download(ctx, t, false)
		res.Bytes = n
		res.Resumed = false

		if dlErr != nil {
			return o.fail(ctx, res, dlErr)
		}

		rec, err = o.verify(ctx, t.StagedPath)
	}

	if err != nil {
		return o.fail(ctx, res, err)
	}

	if err := os.Rename(t.StagedPath, t.FinalPath); err != nil {
		return o.fail(ctx, res, &downloader.StagingError{Path: t.FinalPath, Op: "rename", Err: err})
	}

	if err := o.journal.MarkVerified(ctx, t.ID, rec.Hex()); err != nil {
		o.journalError(ctx, "mark_verified", "failed to record verified target", err)
	}

	logger.Info("file verified and committed",
		"path", t.FinalPath,
		"format", string(rec.Format),
		"entry", rec.Entry,
		"crc32", rec.Hex())

	res.Outcome = OutcomeCompleted
	res.Checksum = rec.Hex()

	return res
}

func (o *Orchestrator) fail(ctx context.Context, res Result, err error) Result {
	res.Outcome = classify(ctx, err)
	res.Err = err

	if res.Outcome == OutcomeSkipped {
		res.Err = nil
	}

	return res
}

// alreadyDownloaded reports whether an earlier run finished transferring the
// staged file without verifying it.
func (o *Orchestrator) alreadyDownloaded(ctx context.Context, t target.Target) bool {
	if !exists(t.StagedPath) {
		return false
	}

	rec, err := o.journal.Get(ctx, t.ID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			o.journalError(ctx, "get", "failed to read journal", err)
		}

		return false
	}

	return rec.Status == storage.StatusDownloaded
}

// download runs sessions until one succeeds, the error is not retryable or
// the attempts are exhausted. resume applies to the first attempt; later
// attempts continue whatever the previous one left behind when resuming is
// enabled.
func (o *Orchestrator) download(ctx context.Context, t target.Target, resume bool) (int64, bool, error) {
	logger := logctx.LoggerFromContext(ctx)

	var (
		lastErr error
		resumed bool
		written int64
	)

	for attempt := 1; attempt <= o.opts.DownloadAttempts; attempt++ {
		if attempt > 1 {
			logger.Warn("download attempt failed, retrying",
				"attempt", attempt-1,
				"max_attempts", o.opts.DownloadAttempts,
				"retry_in", o.opts.RetryDelay.String(),
				"err", lastErr)

			if err := wait(ctx, o.opts.RetryDelay); err != nil {
				return written, resumed, err
			}
		}

		if err := o.journal.MarkDownloading(ctx, t.ID, t.URL, o.owner); err != nil {
			o.journalError(ctx, "mark_downloading", "failed to record download start", err)
		}

		session := downloader.NewSession(t, o.client, downloader.Options{
			Resume:           resume || (attempt > 1 && o.opts.Resume),
			ProgressInterval: o.opts.ProgressInterval,
			Reporter:         o.reporter,
		})

		err := o.telemetry.InstrumentDownload(ctx, func(ctx context.Context) error {
			_, err := session.Run(ctx)

			return err
		})

		written = session.Written()
		resumed = resumed || session.Resumed()
		o.telemetry.RecordDownloadedBytes(ctx, written)

		if err == nil {
			if err := o.journal.MarkDownloaded(ctx, t.ID, written); err != nil {
				o.journalError(ctx, "mark_downloaded", "failed to record finished download", err)
			}

			logger.Debug("staged file ready", "size", humanize.Bytes(uint64(written)), "resumed", resumed)

			return written, resumed, nil
		}

		lastErr = err

		if !retryable(ctx, err) {
			break
		}
	}

	return written, resumed, lastErr
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}

	var netErr *transport.NetworkError

	return errors.As(err, &netErr) && netErr.Retryable()
}

// verify reads the checksum record of the archive at path and checks the
// payload against it.
func (o *Orchestrator) verify(ctx context.Context, path string) (archive.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return archive.Record{}, &archive.IOError{Op: "open " + path, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return archive.Record{}, &archive.IOError{Op: "stat " + path, Err: err}
	}

	c, err := archive.Open(f, info.Size(), strings.TrimSuffix(path, target.PendingSuffix))
	if err != nil {
		return archive.Record{}, err
	}

	var rec archive.Record

	err = o.telemetry.InstrumentVerification(ctx, string(c.Format()), func(context.Context) error {
		rec, err = c.Checksum()
		if err != nil {
			return err
		}

		_, err = checksum.VerifyContainer(c, rec)

		return err
	})

	return rec, err
}

func (o *Orchestrator) journalFailed(ctx context.Context, id string, cause error) {
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}

	if err := o.journal.MarkFailed(ctx, id, reason); err != nil {
		o.journalError(ctx, "mark_failed", "failed to record target failure", err)
	}
}

// journalError logs a journal failure and counts it. The journal is
// bookkeeping only, so the target carries on.
func (o *Orchestrator) journalError(ctx context.Context, op, msg string, err error) {
	logctx.LoggerFromContext(ctx).Warn(msg, "op", op, "err", err)
	o.telemetry.RecordSystemError(ctx, "journal", op)
}

// classify maps an error to the outcome reported for the target.
func classify(ctx context.Context, err error) Outcome {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return OutcomeCancelled
	}

	var (
		mismatch   *checksum.MismatchError
		formatErr  *archive.FormatError
		notFound   *archive.NotFoundError
		archiveIO  *archive.IOError
		stagingErr *downloader.StagingError
		netErr     *transport.NetworkError
		rangeErr   *transport.RangeNotSatisfiableError
	)

	switch {
	case errors.Is(err, downloader.ErrFinalExists):
		return OutcomeSkipped
	case errors.As(err, &mismatch):
		return OutcomeChecksumMismatch
	case errors.As(err, &notFound):
		return OutcomeChecksumNotFound
	case errors.As(err, &formatErr):
		return OutcomeFormatError
	case errors.As(err, &archiveIO), errors.As(err, &stagingErr):
		return OutcomeIOError
	case errors.As(err, &netErr), errors.As(err, &rangeErr):
		return OutcomeNetworkError
	default:
		return OutcomeIOError
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)

	return err == nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

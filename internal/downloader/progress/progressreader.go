package progress

import (
	"context"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/archive_downloader/internal/logctx"
)

// Reporter receives progress of a single download.
type Reporter interface {
	Progress(ctx context.Context, id string, written, total int64)
}

// ProgressReader wraps an io.Reader and reports progress via a callback.
// Reads fail with the context error once ctx is done.
type ProgressReader struct {
	Reader         io.Reader
	Total          int64
	OnProgress     func(written int64, total int64)
	ctx            context.Context
	totalRead      int64 // cumulative total, including bytes already on disk
	lastReport     int64 // bytes since last report
	reportInterval int64 // bytes
}

// NewReader starts counting at offset so resumed downloads report their real
// position within the resource.
func NewReader(ctx context.Context, r io.Reader, offset, total, interval int64, cb func(written int64, total int64)) *ProgressReader {
	return &ProgressReader{
		Reader:         r,
		Total:          total,
		OnProgress:     cb,
		ctx:            ctx,
		totalRead:      offset,
		reportInterval: interval,
	}
}

func (pr *ProgressReader) Read(p []byte) (int, error) {
	if err := pr.ctx.Err(); err != nil {
		return 0, err
	}

	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		pr.lastReport += int64(n)

		if pr.shouldReport(n) {
			pr.OnProgress(pr.totalRead, pr.Total)
			pr.lastReport = 0
		}
	}

	if err == io.EOF && pr.lastReport > 0 {
		pr.OnProgress(pr.totalRead, pr.Total)
		pr.lastReport = 0
	}

	return n, err
}

// Written is the position reached within the resource.
func (pr *ProgressReader) Written() int64 {
	return pr.totalRead
}

func (pr *ProgressReader) shouldReport(n int) bool {
	if pr.reportInterval > 0 && pr.lastReport >= pr.reportInterval {
		return true
	}

	if pr.Total <= 0 {
		return false
	}

	// every 5% crossed
	return pr.totalRead*20/pr.Total != (pr.totalRead-int64(n))*20/pr.Total
}

// LogReporter writes progress lines to the logger carried by the context.
type LogReporter struct{}

func (LogReporter) Progress(ctx context.Context, id string, written, total int64) {
	logger := logctx.LoggerFromContext(ctx)

	if total > 0 {
		logger.Debug("download progress",
			"target", id,
			"downloaded", humanize.Bytes(uint64(written)),
			"total", humanize.Bytes(uint64(total)),
			"percent", humanize.FtoaWithDigits(float64(written)*100/float64(total), 2))

		return
	}

	logger.Debug("download progress", "target", id, "downloaded", humanize.Bytes(uint64(written)))
}

// Discard drops every report.
type Discard struct{}

func (Discard) Progress(context.Context, string, int64, int64) {}

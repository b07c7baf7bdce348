package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/archive_downloader/internal/downloader/progress"
	"github.com/italolelis/archive_downloader/internal/logctx"
	"github.com/italolelis/archive_downloader/internal/target"
	"github.com/italolelis/archive_downloader/internal/transport"
)

const (
	dirPerm  = 0755
	filePerm = 0644

	defaultProgressInterval = int64(100 * 1024 * 1024) // 100MB
)

// ErrFinalExists is returned when a verified file is already in place.
var ErrFinalExists = errors.New("final file already exists")

// Fetcher opens a response body for a URL starting at a byte offset.
type Fetcher interface {
	Get(ctx context.Context, url string, offset int64) (*transport.Response, error)
}

type State int32

const (
	NotStarted State = iota
	InProgress
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case InProgress:
		return "in_progress"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}

	return fmt.Sprintf("state(%d)", int32(s))
}

type Options struct {
	// Resume continues an existing staged file with a range request.
	Resume           bool
	ProgressInterval int64
	Reporter         progress.Reporter
}

// Session transfers one target into its staged file. A Session runs once.
type Session struct {
	target  target.Target
	client  Fetcher
	opts    Options
	state   atomic.Int32
	resumed bool
	written int64
}

func NewSession(t target.Target, client Fetcher, opts Options) *Session {
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = defaultProgressInterval
	}

	if opts.Reporter == nil {
		opts.Reporter = progress.Discard{}
	}

	return &Session{target: t, client: client, opts: opts}
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Resumed reports whether the staged file kept bytes from an earlier run.
func (s *Session) Resumed() bool {
	return s.resumed
}

// Written is the size of the staged file when the session ended.
func (s *Session) Written() int64 {
	return s.written
}

// Run downloads the target and returns the staged path. On failure the staged
// file is left as is so a later run can resume it.
func (s *Session) Run(ctx context.Context) (string, error) {
	if !s.state.CompareAndSwap(int32(NotStarted), int32(InProgress)) {
		return "", fmt.Errorf("session for %s already %s", s.target.ID, s.State())
	}

	if err := s.run(ctx); err != nil {
		s.state.Store(int32(Failed))

		return "", err
	}

	s.state.Store(int32(Completed))

	return s.target.StagedPath, nil
}

func (s *Session) run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx).With("target", s.target.ID)

	if _, err := os.Stat(s.target.FinalPath); err == nil {
		return fmt.Errorf("refusing to download %s: %w", s.target.ID, ErrFinalExists)
	}

	if err := os.MkdirAll(filepath.Dir(s.target.StagedPath), dirPerm); err != nil {
		return &StagingError{Path: s.target.StagedPath, Op: "create directory", Err: err}
	}

	offset, err := s.stagedSize()
	if err != nil {
		return err
	}

	resp, err := s.client.Get(ctx, s.target.URL, offset)

	var rangeErr *transport.RangeNotSatisfiableError
	if errors.As(err, &rangeErr) {
		if rangeErr.Complete() {
			logger.Info("staged file already holds the whole body", "size", humanize.Bytes(uint64(offset)))

			s.resumed = true
			s.written = offset

			return nil
		}

		logger.Warn("staged file larger than remote, restarting", "staged", offset, "remote", rangeErr.Total)

		resp, err = s.client.Get(ctx, s.target.URL, 0)
	}

	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", s.target.ID, err)
	}

	defer resp.Body.Close()

	out, err := s.openStaged(resp.Offset)
	if err != nil {
		return err
	}

	if resp.Offset > 0 {
		s.resumed = true

		logger.Info("resuming download", "offset", humanize.Bytes(uint64(resp.Offset)))
	}

	copyErr := s.copy(ctx, out, resp)

	if err := out.Close(); err != nil && copyErr == nil {
		copyErr = &StagingError{Path: s.target.StagedPath, Op: "close", Err: err}
	}

	if copyErr != nil {
		return copyErr
	}

	logger.Info("downloaded file", "staged", s.target.StagedPath, "size", humanize.Bytes(uint64(s.written)))

	return nil
}

// stagedSize is the resume offset: the size of the staged file when resuming
// is enabled, zero otherwise.
func (s *Session) stagedSize() (int64, error) {
	if !s.opts.Resume {
		return 0, nil
	}

	info, err := os.Stat(s.target.StagedPath)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}

	if err != nil {
		return 0, &StagingError{Path: s.target.StagedPath, Op: "stat", Err: err}
	}

	return info.Size(), nil
}

func (s *Session) openStaged(offset int64) (*os.File, error) {
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if offset > 0 {
		flags = os.O_WRONLY | os.O_APPEND
	}

	out, err := os.OpenFile(s.target.StagedPath, flags, filePerm)
	if err != nil {
		return nil, &StagingError{Path: s.target.StagedPath, Op: "open", Err: err}
	}

	return out, nil
}

func (s *Session) copy(ctx context.Context, out io.Writer, resp *transport.Response) error {
	logger := logctx.LoggerFromContext(ctx)

	if resp.Total > 0 {
		logger.Info("downloading file", "target", s.target.ID, "file_size", humanize.Bytes(uint64(resp.Total)))
	} else {
		logger.Info("downloading file", "target", s.target.ID)
	}

	pr := progress.NewReader(ctx, resp.Body, resp.Offset, resp.Total, s.opts.ProgressInterval, func(written, total int64) {
		s.opts.Reporter.Progress(ctx, s.target.ID, written, total)
	})

	n, err := io.Copy(&stagingWriter{w: out, path: s.target.StagedPath}, pr)
	s.written = resp.Offset + n

	if err != nil {
		var stagingErr *StagingError
		if errors.As(err, &stagingErr) {
			return err
		}

		return &transport.NetworkError{Operation: "read body", URL: s.target.URL, Message: err.Error(), Err: err}
	}

	if resp.Length >= 0 && n != resp.Length {
		return &transport.NetworkError{
			Operation: "read body",
			URL:       s.target.URL,
			Message:   fmt.Sprintf("short body: got %d of %d bytes", n, resp.Length),
			Err:       io.ErrUnexpectedEOF,
		}
	}

	return nil
}

// StagingError is a local filesystem failure while writing the staged file.
type StagingError struct {
	Path string
	Op   string
	Err  error
}

func (e *StagingError) Error() string {
	return fmt.Sprintf("staging %s failed for %s: %v", e.Op, e.Path, e.Err)
}

func (e *StagingError) Unwrap() error {
	return e.Err
}

// stagingWriter tags write failures so they are not mistaken for transport
// errors by io.Copy callers.
type stagingWriter struct {
	w    io.Writer
	path string
}

func (sw *stagingWriter) Write(p []byte) (int, error) {
	n, err := sw.w.Write(p)
	if err != nil {
		return n, &StagingError{Path: sw.path, Op: "write", Err: err}
	}

	return n, nil
}

package downloader_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/archive_downloader/internal/downloader"
	"github.com/italolelis/archive_downloader/internal/target"
	"github.com/italolelis/archive_downloader/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var body = bytes.Repeat([]byte("archive-bytes-"), 8192)

func newTarget(t *testing.T, url string) target.Target {
	t.Helper()

	tg, err := target.New(t.TempDir(), url+"/game.zip")
	require.NoError(t, err)

	return tg
}

func newClient() *transport.Client {
	return transport.NewClient(context.Background(), transport.Options{RetryMax: 0})
}

func serve(w http.ResponseWriter, r *http.Request) {
	http.ServeContent(w, r, "game.zip", time.Time{}, bytes.NewReader(body))
}

func TestSession_FreshDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(serve))
	defer srv.Close()

	tg := newTarget(t, srv.URL)
	s := downloader.NewSession(tg, newClient(), downloader.Options{Resume: true})
	assert.Equal(t, downloader.NotStarted, s.State())

	staged, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, downloader.Completed, s.State())
	assert.Equal(t, tg.StagedPath, staged)
	assert.False(t, s.Resumed())
	assert.Equal(t, int64(len(body)), s.Written())

	got, err := os.ReadFile(staged)
	require.NoError(t, err)
	assert.Equal(t, body, got)

	assert.NoFileExists(t, tg.FinalPath)
}

func TestSession_RunsOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(serve))
	defer srv.Close()

	s := downloader.NewSession(newTarget(t, srv.URL), newClient(), downloader.Options{})

	_, err := s.Run(context.Background())
	require.NoError(t, err)

	_, err = s.Run(context.Background())
	require.Error(t, err)
}

func TestSession_RefusesExistingFinal(t *testing.T) {
	var requests atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		serve(w, r)
	}))
	defer srv.Close()

	tg := newTarget(t, srv.URL)
	require.NoError(t, os.WriteFile(tg.FinalPath, []byte("verified"), 0644))

	s := downloader.NewSession(tg, newClient(), downloader.Options{})

	_, err := s.Run(context.Background())
	require.ErrorIs(t, err, downloader.ErrFinalExists)
	assert.Equal(t, downloader.Failed, s.State())
	assert.Equal(t, int32(0), requests.Load())

	got, err := os.ReadFile(tg.FinalPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("verified"), got)
}

func TestSession_Resume(t *testing.T) {
	var gotRange string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		serve(w, r)
	}))
	defer srv.Close()

	tg := newTarget(t, srv.URL)
	require.NoError(t, os.WriteFile(tg.StagedPath, body[:5000], 0644))

	s := downloader.NewSession(tg, newClient(), downloader.Options{Resume: true})

	_, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "bytes=5000-", gotRange)
	assert.True(t, s.Resumed())

	got, err := os.ReadFile(tg.StagedPath)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestSession_ResumeDisabledTruncates(t *testing.T) {
	var gotRange string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		serve(w, r)
	}))
	defer srv.Close()

	tg := newTarget(t, srv.URL)
	require.NoError(t, os.WriteFile(tg.StagedPath, []byte("stale partial content"), 0644))

	s := downloader.NewSession(tg, newClient(), downloader.Options{Resume: false})

	_, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, gotRange)

	got, err := os.ReadFile(tg.StagedPath)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestSession_RangeIgnoredRestarts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	tg := newTarget(t, srv.URL)
	require.NoError(t, os.WriteFile(tg.StagedPath, []byte("XXXX"), 0644))

	s := downloader.NewSession(tg, newClient(), downloader.Options{Resume: true})

	_, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, s.Resumed())

	got, err := os.ReadFile(tg.StagedPath)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestSession_StagedAlreadyComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(serve))
	defer srv.Close()

	tg := newTarget(t, srv.URL)
	require.NoError(t, os.WriteFile(tg.StagedPath, body, 0644))

	s := downloader.NewSession(tg, newClient(), downloader.Options{Resume: true})

	_, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, s.Resumed())
	assert.Equal(t, downloader.Completed, s.State())

	got, err := os.ReadFile(tg.StagedPath)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestSession_ShortBodyFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Write(body[:len(body)/2])
	}))
	defer srv.Close()

	tg := newTarget(t, srv.URL)
	s := downloader.NewSession(tg, newClient(), downloader.Options{})

	_, err := s.Run(context.Background())

	var netErr *transport.NetworkError
	require.True(t, errors.As(err, &netErr), "expected NetworkError, got %v", err)
	assert.Equal(t, downloader.Failed, s.State())

	assert.FileExists(t, tg.StagedPath)
	assert.NoFileExists(t, tg.FinalPath)
}

func TestSession_HTTPErrorFails(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	tg := newTarget(t, srv.URL)
	s := downloader.NewSession(tg, newClient(), downloader.Options{})

	_, err := s.Run(context.Background())

	var netErr *transport.NetworkError
	require.True(t, errors.As(err, &netErr))
	assert.Equal(t, http.StatusNotFound, netErr.StatusCode)
	assert.Equal(t, downloader.Failed, s.State())
	assert.NoFileExists(t, tg.FinalPath)
}

type cancelOnProgress struct {
	cancel context.CancelFunc
}

func (c cancelOnProgress) Progress(context.Context, string, int64, int64) {
	c.cancel()
}

func TestSession_CancelKeepsStagedFile(t *testing.T) {
	chunk := bytes.Repeat([]byte{0x5A}, 64*1024)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(chunk)*64))

		for i := 0; i < 64; i++ {
			if _, err := w.Write(chunk); err != nil {
				return
			}

			w.(http.Flusher).Flush()

			select {
			case <-r.Context().Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tg := newTarget(t, srv.URL)
	s := downloader.NewSession(tg, newClient(), downloader.Options{
		ProgressInterval: int64(len(chunk)),
		Reporter:         cancelOnProgress{cancel: cancel},
	})

	_, err := s.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, downloader.Failed, s.State())

	info, err := os.Stat(tg.StagedPath)
	require.NoError(t, err)
	assert.Less(t, info.Size(), int64(len(chunk)*64))
	assert.NoFileExists(t, tg.FinalPath)
}

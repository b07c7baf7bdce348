package transport_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/archive_downloader/internal/telemetry"
	"github.com/italolelis/archive_downloader/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var content = bytes.Repeat([]byte("0123456789abcdef"), 1024)

func newClient(t *testing.T) *transport.Client {
	t.Helper()

	return transport.NewClient(context.Background(), transport.Options{
		HeaderTimeout: 5 * time.Second,
		RetryMax:      2,
		RetryWaitMin:  time.Millisecond,
		RetryWaitMax:  5 * time.Millisecond,
		UserAgent:     "archive-downloader-test",
		Referer:       "https://example.com/",
	})
}

func serveContent(w http.ResponseWriter, r *http.Request) {
	http.ServeContent(w, r, "game.zip", time.Time{}, bytes.NewReader(content))
}

func readAll(t *testing.T, resp *transport.Response) []byte {
	t.Helper()

	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return b
}

func TestGet_Full(t *testing.T) {
	var gotUA, gotReferer string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotReferer = r.Header.Get("Referer")
		serveContent(w, r)
	}))
	defer srv.Close()

	resp, err := newClient(t).Get(context.Background(), srv.URL, 0)
	require.NoError(t, err)

	assert.Equal(t, int64(0), resp.Offset)
	assert.Equal(t, int64(len(content)), resp.Total)
	assert.Equal(t, content, readAll(t, resp))
	assert.Equal(t, "archive-downloader-test", gotUA)
	assert.Equal(t, "https://example.com/", gotReferer)
}

func TestGet_Resume(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(serveContent))
	defer srv.Close()

	resp, err := newClient(t).Get(context.Background(), srv.URL, 1000)
	require.NoError(t, err)

	assert.Equal(t, int64(1000), resp.Offset)
	assert.Equal(t, int64(len(content)), resp.Total)
	assert.Equal(t, content[1000:], readAll(t, resp))
}

func TestGet_RangeIgnored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	resp, err := newClient(t).Get(context.Background(), srv.URL, 1000)
	require.NoError(t, err)

	assert.Equal(t, int64(0), resp.Offset)
	assert.Equal(t, content, readAll(t, resp))
}

func TestGet_RangeNotSatisfiable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(serveContent))
	defer srv.Close()

	_, err := newClient(t).Get(context.Background(), srv.URL, int64(len(content)))

	var rangeErr *transport.RangeNotSatisfiableError
	require.True(t, errors.As(err, &rangeErr), "expected RangeNotSatisfiableError, got %v", err)
	assert.Equal(t, int64(len(content)), rangeErr.Total)
	assert.True(t, rangeErr.Complete())
}

func TestGet_UnexpectedContentRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes 0-%d/%d", len(content)-1, len(content)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content)
	}))
	defer srv.Close()

	_, err := newClient(t).Get(context.Background(), srv.URL, 500)

	var netErr *transport.NetworkError
	require.True(t, errors.As(err, &netErr))
	assert.Equal(t, http.StatusPartialContent, netErr.StatusCode)
}

func TestGet_StatusErrors(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantRequests  int32
		wantRetryable bool
	}{
		{"not found is final", http.StatusNotFound, 1, false},
		{"forbidden is final", http.StatusForbidden, 1, false},
		{"server error is retried", http.StatusServiceUnavailable, 3, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var requests atomic.Int32

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				requests.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := newClient(t).Get(context.Background(), srv.URL, 0)

			var netErr *transport.NetworkError
			require.True(t, errors.As(err, &netErr), "expected NetworkError, got %v", err)
			assert.Equal(t, tt.status, netErr.StatusCode)
			assert.Equal(t, tt.wantRetryable, netErr.Retryable())
			assert.Equal(t, tt.wantRequests, requests.Load())
		})
	}
}

func TestGet_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(serveContent))
	url := srv.URL
	srv.Close()

	_, err := newClient(t).Get(context.Background(), url, 0)

	var netErr *transport.NetworkError
	require.True(t, errors.As(err, &netErr))
	assert.Equal(t, 0, netErr.StatusCode)
	assert.True(t, netErr.Retryable())
}

func TestNetworkError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *transport.NetworkError
		want string
	}{
		{
			name: "with HTTP status code",
			err:  &transport.NetworkError{Operation: "get", URL: "https://example/a.zip", StatusCode: 503, Message: "Service Unavailable"},
			want: "network error during get https://example/a.zip (HTTP 503): Service Unavailable",
		},
		{
			name: "without HTTP status code",
			err:  &transport.NetworkError{Operation: "get", URL: "https://example/a.zip", Message: "connection reset"},
			want: "network error during get https://example/a.zip: connection reset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestInstrumentedClient_Get(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("archive"))
	}))
	defer srv.Close()

	tel, err := telemetry.New(context.Background(), telemetry.Config{})
	require.NoError(t, err)

	c := transport.NewInstrumentedClient(transport.NewClient(context.Background(), transport.Options{}), tel)

	resp, err := c.Get(context.Background(), srv.URL, 0)
	require.NoError(t, err)
	defer resp.Body.Close()

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "archive", string(got))
}

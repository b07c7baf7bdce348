package telemetry_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/italolelis/archive_downloader/internal/logctx"
	"github.com/italolelis/archive_downloader/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstrument_NilAndDisabled(t *testing.T) {
	var nilTel *telemetry.Telemetry

	disabled, err := telemetry.New(context.Background(), telemetry.Config{Enabled: false})
	require.NoError(t, err)

	boom := errors.New("boom")

	for name, tel := range map[string]*telemetry.Telemetry{"nil": nilTel, "disabled": disabled} {
		t.Run(name, func(t *testing.T) {
			calls := 0
			fn := func(context.Context) error {
				calls++

				return boom
			}

			ctx := context.Background()

			require.ErrorIs(t, tel.InstrumentDownload(ctx, fn), boom)
			require.ErrorIs(t, tel.InstrumentVerification(ctx, "zip", fn), boom)
			require.ErrorIs(t, tel.InstrumentDBOperation(ctx, "get_record", fn), boom)
			assert.Equal(t, 3, calls)

			tel.RecordTarget(ctx, "completed")
			tel.RecordDownloadedBytes(ctx, 10)
			tel.RecordSystemError(ctx, "journal", "mark_failed")
			assert.NoError(t, tel.Shutdown(ctx))
		})
	}
}

func TestRequestID(t *testing.T) {
	var seen string

	h := telemetry.RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = telemetry.GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(telemetry.RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(telemetry.RequestIDHeader, "upstream-id")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "upstream-id", seen)
}

func TestHTTPLogging_LevelFollowsStatus(t *testing.T) {
	tests := []struct {
		status    int
		wantLevel string
	}{
		{http.StatusOK, "INFO"},
		{http.StatusNotFound, "WARN"},
		{http.StatusInternalServerError, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var buf bytes.Buffer

			logger := slog.New(slog.NewJSONHandler(&buf, nil))

			h := telemetry.HTTPLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))

			req := httptest.NewRequest(http.MethodGet, "/journal", nil)
			req = req.WithContext(logctx.WithLogger(req.Context(), logger))

			h.ServeHTTP(httptest.NewRecorder(), req)

			var entry map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
			assert.Equal(t, tt.wantLevel, entry["level"])
			assert.Equal(t, "/journal", entry["path"])
			assert.EqualValues(t, tt.status, entry["status"])
		})
	}
}

func TestHTTPMiddleware_PassesThrough(t *testing.T) {
	tel, err := telemetry.New(context.Background(), telemetry.Config{Enabled: false})
	require.NoError(t, err)

	h := telemetry.NewHTTPMiddleware(tel).Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "short and stout", rec.Body.String())
}

func TestRequestID_TagsLogger(t *testing.T) {
	var buf bytes.Buffer

	base := slog.New(slog.NewJSONHandler(&buf, nil))

	h := telemetry.RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		logctx.LoggerFromContext(r.Context()).Info("listing journal")
	}))

	req := httptest.NewRequest(http.MethodGet, "/journal", nil)
	req.Header.Set(telemetry.RequestIDHeader, "abc")
	req = req.WithContext(logctx.WithLogger(req.Context(), base))

	h.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "abc", entry["request_id"])
}

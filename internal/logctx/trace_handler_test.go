package logctx_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/italolelis/archive_downloader/internal/logctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func newLogger(buf *bytes.Buffer, level slog.Level) *slog.Logger {
	return slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: level})))
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	return entry
}

func spanContext(t *testing.T) (context.Context, trace.SpanContext) {
	t.Helper()

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)

	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})

	return trace.ContextWithSpanContext(context.Background(), sc), sc
}

func TestTraceHandler_NoSpan(t *testing.T) {
	var buf bytes.Buffer

	newLogger(&buf, slog.LevelInfo).InfoContext(context.Background(), "verified", "target", "a.zip")

	entry := decode(t, &buf)
	assert.NotContains(t, entry, "trace_id")
	assert.NotContains(t, entry, "span_id")
	assert.Equal(t, "a.zip", entry["target"])
}

func TestTraceHandler_WithSpan(t *testing.T) {
	var buf bytes.Buffer

	ctx, sc := spanContext(t)
	newLogger(&buf, slog.LevelInfo).InfoContext(ctx, "downloading")

	entry := decode(t, &buf)
	assert.Equal(t, sc.TraceID().String(), entry["trace_id"])
	assert.Equal(t, sc.SpanID().String(), entry["span_id"])
}

func TestTraceHandler_AttrsAndGroups(t *testing.T) {
	var buf bytes.Buffer

	ctx, sc := spanContext(t)
	logger := newLogger(&buf, slog.LevelInfo).With("run_id", "r1").WithGroup("archive")
	logger.InfoContext(ctx, "checksum", "crc32", "cbf43926")

	entry := decode(t, &buf)
	assert.Equal(t, "r1", entry["run_id"])
	assert.Equal(t, map[string]any{"crc32": "cbf43926"}, entry["archive"])
	assert.Equal(t, sc.TraceID().String(), entry["trace_id"])
}

func TestTraceHandler_NestedGroups(t *testing.T) {
	var buf bytes.Buffer

	ctx, sc := spanContext(t)
	logger := newLogger(&buf, slog.LevelInfo).WithGroup("batch").With("run_id", "r1").WithGroup("archive")
	logger.InfoContext(ctx, "checksum", "crc32", "cbf43926")

	entry := decode(t, &buf)
	assert.Equal(t, sc.TraceID().String(), entry["trace_id"])
	assert.Equal(t, sc.SpanID().String(), entry["span_id"])
	assert.Equal(t, map[string]any{
		"run_id":  "r1",
		"archive": map[string]any{"crc32": "cbf43926"},
	}, entry["batch"])
}

func TestTraceHandler_GroupsWithoutSpan(t *testing.T) {
	var buf bytes.Buffer

	logger := newLogger(&buf, slog.LevelInfo).WithGroup("archive")
	logger.Info("checksum", "crc32", "cbf43926")

	entry := decode(t, &buf)
	assert.NotContains(t, entry, "trace_id")
	assert.Equal(t, map[string]any{"crc32": "cbf43926"}, entry["archive"])
}

func TestTraceHandler_Enabled(t *testing.T) {
	h := logctx.NewTraceHandler(slog.NewJSONHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn}))

	assert.False(t, h.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, h.Enabled(context.Background(), slog.LevelError))
}

func TestTraceHandler_NilHandler(t *testing.T) {
	assert.Panics(t, func() { logctx.NewTraceHandler(nil) })
}

func TestWith(t *testing.T) {
	var buf bytes.Buffer

	ctx := logctx.WithLogger(context.Background(), newLogger(&buf, slog.LevelInfo))
	ctx, logger := logctx.With(ctx, "run_id", "r1")

	assert.Same(t, logger, logctx.LoggerFromContext(ctx))

	logctx.LoggerFromContext(ctx).Info("starting batch")
	assert.Equal(t, "r1", decode(t, &buf)["run_id"])
}

func TestLoggerFromContext_Default(t *testing.T) {
	assert.Same(t, slog.Default(), logctx.LoggerFromContext(context.Background()))
}

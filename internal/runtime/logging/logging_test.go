package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedEntry struct {
	level  string
	msg    string
	err    error
	fields LogFields
}

type recordingLogger struct {
	base    LogFields
	entries *[]recordedEntry
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{entries: &[]recordedEntry{}}
}

func (r *recordingLogger) merged(fields LogFields) LogFields {
	out := LogFields{}
	for k, v := range r.base {
		out[k] = v
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func (r *recordingLogger) With(fields LogFields) ServiceLogger {
	return &recordingLogger{base: r.merged(fields), entries: r.entries}
}

func (r *recordingLogger) Debug(msg string, fields LogFields) {
	*r.entries = append(*r.entries, recordedEntry{level: "debug", msg: msg, fields: r.merged(fields)})
}

func (r *recordingLogger) Info(msg string, fields LogFields) {
	*r.entries = append(*r.entries, recordedEntry{level: "info", msg: msg, fields: r.merged(fields)})
}

func (r *recordingLogger) Error(msg string, err error, fields LogFields) {
	*r.entries = append(*r.entries, recordedEntry{level: "error", msg: msg, err: err, fields: r.merged(fields)})
}

func (r *recordingLogger) Trace(msg string, fields LogFields) {
	*r.entries = append(*r.entries, recordedEntry{level: "trace", msg: msg, fields: r.merged(fields)})
}

func TestSlogServiceLoggerWritesStructuredFields(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewSlogServiceLogger(slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	logger.With(LogFields{"queue": "emails"}).Info("link open", LogFields{"generation": 3})
	logger.Error("link lost", errors.New("eof"), nil)

	out := buf.String()
	assert.Contains(t, out, "link open")
	assert.Contains(t, out, "queue=emails")
	assert.Contains(t, out, "generation=3")
	assert.Contains(t, out, "link lost")
	assert.True(t, strings.Contains(out, "eof"))
}

func TestConstructorsPanicOnNil(t *testing.T) {
	assert.Panics(t, func() { NewSlogServiceLogger(nil) })
	assert.Panics(t, func() { NewWatermillServiceLogger(nil) })
	assert.Panics(t, func() { NewWatermillAdapter(nil) })
}

func TestWithWithoutFieldsReturnsSameLogger(t *testing.T) {
	logger := NewNopServiceLogger()
	assert.Same(t, logger, logger.With(nil))
}

func TestOrNop(t *testing.T) {
	require.NotNil(t, OrNop(nil))

	rec := newRecordingLogger()
	assert.Same(t, rec, OrNop(rec))
}

func TestWatermillAdapterDelegates(t *testing.T) {
	rec := newRecordingLogger()
	adapter := NewWatermillAdapter(rec)

	adapter.Info("publisher ready", watermill.LogFields{"topic": "queue.waiting"})
	adapter.With(watermill.LogFields{"transport": "kafka"}).Debug("sent", nil)
	adapter.Error("publish failed", errors.New("boom"), nil)
	adapter.Trace("trace", nil)

	entries := *rec.entries
	require.Len(t, entries, 4)
	assert.Equal(t, "info", entries[0].level)
	assert.Equal(t, "queue.waiting", entries[0].fields["topic"])
	assert.Equal(t, "kafka", entries[1].fields["transport"])
	assert.EqualError(t, entries[2].err, "boom")
	assert.Equal(t, "trace", entries[3].level)
}

func TestWatermillAdapterUnwrapsWatermillLogger(t *testing.T) {
	inner := watermill.NopLogger{}
	logger := NewWatermillServiceLogger(inner)
	assert.Equal(t, inner, NewWatermillAdapter(logger))
}

package logging

import (
	"bytes"
	"context"
	"testing"

	"llmops/internal/observability"
	id "llmops/internal/utils/id"
)

type recordingLogger struct {
	lines []string
}

func (r *recordingLogger) Debug(format string, args ...any) { r.lines = append(r.lines, format) }
func (r *recordingLogger) Info(format string, args ...any)  { r.lines = append(r.lines, format) }
func (r *recordingLogger) Warn(format string, args ...any)  { r.lines = append(r.lines, format) }
func (r *recordingLogger) Error(format string, args ...any) { r.lines = append(r.lines, format) }

func TestOrNopHandlesTypedNilPointers(t *testing.T) {
	var typed *recordingLogger
	var logger Logger = typed
	if !IsNil(logger) {
		t.Fatalf("expected typed nil pointer to be detected")
	}
	safe := OrNop(logger)
	if IsNil(safe) {
		t.Fatalf("expected OrNop to return a usable logger")
	}
	safe.Info("hello %s", "world")
}

func TestFromObservabilityFormatsMessages(t *testing.T) {
	buf := &bytes.Buffer{}
	base := observability.NewLogger(observability.LogConfig{
		Level:  "info",
		Format: "text",
		Output: buf,
	})

	logger := FromObservabilityWithComponent(base, "test")
	logger.Info("hello %s", "world")

	if want := "hello world"; !bytes.Contains(buf.Bytes(), []byte(want)) {
		t.Fatalf("expected %q in output, got %q", want, buf.String())
	}
	if want := "component=test"; !bytes.Contains(buf.Bytes(), []byte(want)) {
		t.Fatalf("expected %q in output, got %q", want, buf.String())
	}
}

func TestComponentLoggerFollowsDefault(t *testing.T) {
	previous := Default()
	t.Cleanup(func() { SetDefault(previous) })

	logger := NewComponentLogger("Router")

	buf := &bytes.Buffer{}
	SetDefault(observability.NewLogger(observability.LogConfig{Level: "debug", Format: "json", Output: buf}))
	logger.Debug("mounted %d groups", 3)

	if !bytes.Contains(buf.Bytes(), []byte(`"msg":"mounted 3 groups"`)) {
		t.Fatalf("unexpected output %q", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"component":"Router"`)) {
		t.Fatalf("expected component field, got %q", buf.String())
	}
}

func TestFromContextPrefixesRequestID(t *testing.T) {
	rec := &recordingLogger{}
	ctx := id.WithRequestID(context.Background(), "req-42")

	FromContext(ctx, rec).Info("handled")

	if len(rec.lines) != 1 || rec.lines[0] != "logid=req-42 handled" {
		t.Fatalf("unexpected lines %v", rec.lines)
	}
}

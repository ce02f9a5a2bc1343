package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newBufferedLogger(service string) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := New(service)
	l.SetOutput(&buf)
	return l, &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("log line is not JSON: %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		serviceName string
	}{
		{name: "create logger with service name", serviceName: "relay-worker"},
		{name: "create logger with empty service name", serviceName: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.serviceName)
			if logger == nil {
				t.Fatal("New() returned nil logger")
			}
			if logger.service != tt.serviceName {
				t.Errorf("New() service = %q, want %q", logger.service, tt.serviceName)
			}
		})
	}
}

func TestLogger_WithContext(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	l, buf := newBufferedLogger("relay-worker")
	l.WithContext(ctx).Info("hello")

	lines := decodeLines(t, buf)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	want := span.SpanContext().TraceID().String()
	if lines[0]["trace_id"] != want {
		t.Errorf("trace_id = %v, want %s", lines[0]["trace_id"], want)
	}
	if lines[0]["service"] != "relay-worker" {
		t.Errorf("service = %v, want relay-worker", lines[0]["service"])
	}
}

func TestLogger_WithContextNoSpan(t *testing.T) {
	l, buf := newBufferedLogger("svc")
	l.WithContext(context.Background()).Info("no span")

	lines := decodeLines(t, buf)
	if _, ok := lines[0]["trace_id"]; ok {
		t.Error("trace_id present without an active span")
	}
}

func TestLogEntry_FluentMethods(t *testing.T) {
	l, buf := newBufferedLogger("svc")
	l.Plain().
		WithSubscription("sub-1").
		WithDelivery("del-1").
		WithEventType("order.created").
		WithAttempt(3).
		WithField("status_code", 503).
		WithError(errors.New("boom")).
		Warn("attempt failed")

	m := decodeLines(t, buf)[0]
	checks := map[string]any{
		"subscription_id": "sub-1",
		"delivery_id":     "del-1",
		"event_type":      "order.created",
		"attempt":         float64(3),
		"level":           "warn",
		"msg":             "attempt failed",
	}
	for k, want := range checks {
		if m[k] != want {
			t.Errorf("%s = %v, want %v", k, m[k], want)
		}
	}
	fields, ok := m["fields"].(map[string]any)
	if !ok {
		t.Fatalf("fields missing: %v", m)
	}
	if fields["status_code"] != float64(503) {
		t.Errorf("fields.status_code = %v, want 503", fields["status_code"])
	}
	if fields["error"] != "boom" {
		t.Errorf("fields.error = %v, want boom", fields["error"])
	}
}

func TestLogEntry_WithErrorNil(t *testing.T) {
	l, buf := newBufferedLogger("svc")
	l.Plain().WithError(nil).Info("ok")

	m := decodeLines(t, buf)[0]
	if _, ok := m["fields"]; ok {
		t.Errorf("empty fields should be omitted, got %v", m["fields"])
	}
}

func TestLogEntry_LoggingMethods(t *testing.T) {
	tests := []struct {
		name  string
		log   func(*LogEntry)
		level string
		msg   string
	}{
		{name: "debug", log: func(e *LogEntry) { e.Debug("d") }, level: "debug", msg: "d"},
		{name: "debugf", log: func(e *LogEntry) { e.Debugf("d %d", 1) }, level: "debug", msg: "d 1"},
		{name: "info", log: func(e *LogEntry) { e.Info("i") }, level: "info", msg: "i"},
		{name: "infof", log: func(e *LogEntry) { e.Infof("i %s", "x") }, level: "info", msg: "i x"},
		{name: "warn", log: func(e *LogEntry) { e.Warn("w") }, level: "warn", msg: "w"},
		{name: "warnf", log: func(e *LogEntry) { e.Warnf("w %v", true) }, level: "warn", msg: "w true"},
		{name: "error", log: func(e *LogEntry) { e.Error("e") }, level: "error", msg: "e"},
		{name: "errorf", log: func(e *LogEntry) { e.Errorf("e %d", 2) }, level: "error", msg: "e 2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, buf := newBufferedLogger("svc")
			tt.log(l.Plain())
			m := decodeLines(t, buf)[0]
			if m["level"] != tt.level {
				t.Errorf("level = %v, want %s", m["level"], tt.level)
			}
			if m["msg"] != tt.msg {
				t.Errorf("msg = %v, want %s", m["msg"], tt.msg)
			}
		})
	}
}

func TestLogger_WithFieldsCopies(t *testing.T) {
	l, buf := newBufferedLogger("svc")
	src := map[string]any{"k": "v"}
	e := l.WithFields(src)
	e.WithField("extra", 1)
	e.Info("x")

	if _, ok := src["extra"]; ok {
		t.Error("WithFields mutated the caller's map")
	}
	fields := decodeLines(t, buf)[0]["fields"].(map[string]any)
	if fields["k"] != "v" || fields["extra"] != float64(1) {
		t.Errorf("fields = %v", fields)
	}
}

func TestSetDefaultService(t *testing.T) {
	var buf bytes.Buffer
	Default().SetOutput(&buf)
	SetDefaultService("relay-ingest")
	t.Cleanup(func() {
		SetDefaultService("harborrelay")
		Default().SetOutput(os.Stdout)
	})

	Plain().Info("from default")

	m := decodeLines(t, &buf)[0]
	if m["service"] != "relay-ingest" {
		t.Errorf("service = %v, want relay-ingest", m["service"])
	}
}

func TestLogEntry_UnmarshalableFieldFallsBack(t *testing.T) {
	l, buf := newBufferedLogger("svc")
	l.Plain().WithField("ch", make(chan int)).Info("plain text")

	if !strings.Contains(buf.String(), "[info] plain text") {
		t.Errorf("fallback output = %q", buf.String())
	}
}

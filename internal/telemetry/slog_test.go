package telemetry

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/embedded"
)

// ---------------------------------------------------------------------------
// recordingProvider
// ---------------------------------------------------------------------------

type recordingProvider struct {
	embedded.LoggerProvider

	mu      sync.Mutex
	scopes  []string
	records []otellog.Record
}

func (p *recordingProvider) Logger(name string, _ ...otellog.LoggerOption) otellog.Logger {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scopes = append(p.scopes, name)
	return &recordingLogger{p: p}
}

func (p *recordingProvider) emitted() []otellog.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]otellog.Record(nil), p.records...)
}

type recordingLogger struct {
	embedded.Logger
	p *recordingProvider
}

func (l *recordingLogger) Emit(_ context.Context, r otellog.Record) {
	l.p.mu.Lock()
	defer l.p.mu.Unlock()
	l.p.records = append(l.p.records, r.Clone())
}

func (l *recordingLogger) Enabled(context.Context, otellog.EnabledParameters) bool { return true }

func attr(r otellog.Record, key string) (otellog.Value, bool) {
	var (
		v     otellog.Value
		found bool
	)
	r.WalkAttributes(func(kv otellog.KeyValue) bool {
		if kv.Key == key {
			v, found = kv.Value, true
			return false
		}
		return true
	})
	return v, found
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestLogHandler_WritesToNext(t *testing.T) {
	var buf bytes.Buffer
	next := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	provider := &recordingProvider{}
	logger := slog.New(NewLogHandler(next, "test", otelslog.WithLoggerProvider(provider))).
		With("component", "sync").WithGroup("req")

	logger.Debug("hidden")
	logger.Info("synced", "id", "r1")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug record passed the level filter: %s", out)
	}
	if !strings.Contains(out, "component=sync") || !strings.Contains(out, "req.id=r1") {
		t.Errorf("output = %q, want attrs and group preserved", out)
	}
}

func TestLogHandler_ExportsAtNextLevel(t *testing.T) {
	next := slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelInfo})
	provider := &recordingProvider{}
	logger := slog.New(NewLogHandler(next, DefaultServiceName, otelslog.WithLoggerProvider(provider))).
		With("component", "sync")

	logger.Debug("hidden")
	logger.Warn("import skipped", "reason", "in progress")

	recs := provider.emitted()
	if len(recs) != 1 {
		t.Fatalf("exported %d records, want 1 (debug must stay local)", len(recs))
	}
	r := recs[0]
	if r.Body().AsString() != "import skipped" {
		t.Errorf("body = %q", r.Body().AsString())
	}
	if r.Severity() != otellog.SeverityWarn {
		t.Errorf("severity = %v, want %v", r.Severity(), otellog.SeverityWarn)
	}
	if v, ok := attr(r, "component"); !ok || v.AsString() != "sync" {
		t.Errorf("component attr = %v, %v", v, ok)
	}
	if v, ok := attr(r, "reason"); !ok || v.AsString() != "in progress" {
		t.Errorf("reason attr = %v, %v", v, ok)
	}
	if len(provider.scopes) == 0 || provider.scopes[0] != DefaultServiceName {
		t.Errorf("scopes = %v, want %q", provider.scopes, DefaultServiceName)
	}
}

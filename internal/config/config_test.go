package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/njoerd114/leavesync/internal/model"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("creating temp config: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	f.Close()
	return f.Name()
}

// minimal is the smallest valid configuration; tests append to it.
const minimal = `
mongo:
  uri: "mongodb://localhost:27017"
  database: hr
calendar:
  credentials_file: /etc/leavesync/sa.json
  target_calendar_id: team@group.calendar.google.com
`

func TestLoad_Valid(t *testing.T) {
	path := writeConfig(t, `
mongo:
  uri: "mongodb+srv://cluster0.example.net"
  database: hr
  collection: leaves
calendar:
  credentials_file: /etc/leavesync/sa.json
  target_calendar_id: team@group.calendar.google.com
  source_calendar_id: busy@group.calendar.google.com
  source_scope: acme
  timeout: 30s
  max_attempts: 5
companies:
  acme: Acme Corp
sync_interval: 30m
import_interval: 2m
state_db: /var/lib/leavesync/state.db
http:
  listen: "0.0.0.0:9000"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Mongo.Collection != "leaves" {
		t.Errorf("Collection = %q, want leaves", cfg.Mongo.Collection)
	}
	if cfg.Calendar.Timeout != 30*time.Second || cfg.Calendar.MaxAttempts != 5 {
		t.Errorf("Calendar = %+v", cfg.Calendar)
	}
	if cfg.SourceCalendar() != "busy@group.calendar.google.com" {
		t.Errorf("SourceCalendar = %q", cfg.SourceCalendar())
	}
	if cfg.SyncInterval != 30*time.Minute || cfg.ImportInterval != 2*time.Minute {
		t.Errorf("intervals = %v / %v", cfg.SyncInterval, cfg.ImportInterval)
	}
	if cfg.Companies["acme"] != "Acme Corp" {
		t.Errorf("Companies = %v", cfg.Companies)
	}
	if cfg.HTTP.Listen != "0.0.0.0:9000" {
		t.Errorf("Listen = %q", cfg.HTTP.Listen)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Mongo.Collection != "vacationRequests" {
		t.Errorf("Collection = %q, want default vacationRequests", cfg.Mongo.Collection)
	}
	if cfg.Calendar.Timeout != 15*time.Second {
		t.Errorf("Timeout = %v, want default 15s", cfg.Calendar.Timeout)
	}
	if cfg.Calendar.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want default 3", cfg.Calendar.MaxAttempts)
	}
	if cfg.SyncInterval != 15*time.Minute {
		t.Errorf("SyncInterval = %v, want default 15m", cfg.SyncInterval)
	}
	if cfg.ImportInterval != 5*time.Minute {
		t.Errorf("ImportInterval = %v, want default 5m", cfg.ImportInterval)
	}
	if cfg.HTTP.Listen != "127.0.0.1:8086" {
		t.Errorf("Listen = %q, want default", cfg.HTTP.Listen)
	}
	if cfg.SourceCalendar() != "team@group.calendar.google.com" {
		t.Errorf("SourceCalendar = %q, want target fallback", cfg.SourceCalendar())
	}
}

func TestLoad_DateTimezone(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Mongo.DateLocation() != time.UTC {
		t.Errorf("default DateLocation = %v, want UTC", cfg.Mongo.DateLocation())
	}

	cfg, err = Load(writeConfig(t, strings.Replace(minimal, "  database: hr\n", "  database: hr\n  date_timezone: Europe/Berlin\n", 1)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.Mongo.DateLocation().String(); got != "Europe/Berlin" {
		t.Errorf("DateLocation = %q, want Europe/Berlin", got)
	}
}

func TestLoad_SourceScopeEmptyIsCompanyWide(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimal+"companies:\n  acme: Acme Corp\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Calendar.SourceScope != model.GlobalScope {
		t.Errorf("SourceScope = %q, want company-wide %q", cfg.Calendar.SourceScope, model.GlobalScope)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing mongo uri", `
mongo:
  database: hr
calendar:
  credentials_file: sa.json
  target_calendar_id: cal
`},
		{"non-mongo uri", `
mongo:
  uri: "http://localhost"
  database: hr
calendar:
  credentials_file: sa.json
  target_calendar_id: cal
`},
		{"missing database", `
mongo:
  uri: "mongodb://localhost"
calendar:
  credentials_file: sa.json
  target_calendar_id: cal
`},
		{"missing credentials", `
mongo:
  uri: "mongodb://localhost"
  database: hr
calendar:
  target_calendar_id: cal
`},
		{"missing target calendar", `
mongo:
  uri: "mongodb://localhost"
  database: hr
calendar:
  credentials_file: sa.json
`},
		{"timeout too short", minimal + "  timeout: 500ms\n"},
		{"timeout too long", minimal + "  timeout: 5m\n"},
		{"too many attempts", minimal + "  max_attempts: 50\n"},
		{"sync interval too short", minimal + "sync_interval: 30s\n"},
		{"import interval too short", minimal + "import_interval: 10s\n"},
		{"empty company name", minimal + "companies:\n  acme: \"\"\n"},
		{"unknown date timezone", strings.Replace(minimal, "  database: hr\n", "  database: hr\n  date_timezone: Mars/Olympus\n", 1)},
		{"unknown source scope", minimal + "  source_scope: globex\ncompanies:\n  acme: Acme Corp\n"},
		{"bad listen address", minimal + "http:\n  listen: \"8086\"\n"},
		{"unknown key", minimal + "unknown_field: oops\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestDefaultPath(t *testing.T) {
	path, err := DefaultPath()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Base(filepath.Dir(path)) != "leavesync" {
		t.Errorf("DefaultPath = %q, want .../leavesync/config.yaml", path)
	}
}

func TestLoad_TelemetryValid(t *testing.T) {
	path := writeConfig(t, minimal+`
telemetry:
  otlp_endpoint: "localhost:4317"
  insecure: true
  service_name: "leavesync-staging"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telemetry == nil {
		t.Fatal("expected Telemetry to be non-nil")
	}
	if cfg.Telemetry.OTLPEndpoint != "localhost:4317" {
		t.Errorf("OTLPEndpoint = %q, want %q", cfg.Telemetry.OTLPEndpoint, "localhost:4317")
	}
	if !cfg.Telemetry.Insecure {
		t.Error("Insecure = false, want true")
	}
	if cfg.Telemetry.ServiceName != "leavesync-staging" {
		t.Errorf("ServiceName = %q, want %q", cfg.Telemetry.ServiceName, "leavesync-staging")
	}
}

func TestLoad_TelemetryOmitted(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telemetry != nil {
		t.Error("expected Telemetry to be nil when block is omitted")
	}
}

func TestLoad_TelemetryMissingEndpoint(t *testing.T) {
	path := writeConfig(t, minimal+`
telemetry:
  insecure: true
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for telemetry missing otlp_endpoint, got nil")
	}
}

func TestLoad_TelemetryHeaders(t *testing.T) {
	path := writeConfig(t, minimal+`
telemetry:
  otlp_endpoint: "otelcol.example.com:4317"
  headers:
    Authorization: "Bearer secret"
    x-dataset: "test"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Telemetry.Headers) != 2 {
		t.Fatalf("Headers len = %d, want 2", len(cfg.Telemetry.Headers))
	}
	if cfg.Telemetry.Headers["Authorization"] != "Bearer secret" {
		t.Errorf("Authorization header = %q, want %q", cfg.Telemetry.Headers["Authorization"], "Bearer secret")
	}
}

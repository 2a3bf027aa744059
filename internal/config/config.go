// Package config loads and validates the leavesync YAML configuration.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"
	_ "time/tzdata" // date_timezone must resolve on hosts without zoneinfo

	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	Mongo    MongoConfig    `yaml:"mongo"`
	Calendar CalendarConfig `yaml:"calendar"`

	// Companies maps company tags stored on requests to the display names
	// used in event titles, e.g. {"acme": "Acme Corp"}.
	Companies map[string]string `yaml:"companies,omitempty"`

	// SyncInterval controls how often the outbound pass runs.
	// Minimum 1m. Defaults to 15m if unset.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// ImportInterval controls how often remote calendar changes are imported.
	// Minimum 1m. Defaults to 5m if unset.
	ImportInterval time.Duration `yaml:"import_interval"`

	// StateDB is the SQLite state database path. Empty selects
	// ~/.local/share/leavesync/state.db.
	StateDB string `yaml:"state_db,omitempty"`

	HTTP HTTPConfig `yaml:"http"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// MongoConfig locates the vacation request collection.
type MongoConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`

	// DateTimezone is the IANA zone the HR application wrote datetime-typed
	// start and end dates in. Plain "YYYY-MM-DD" strings are unaffected.
	// Defaults to UTC.
	DateTimezone string `yaml:"date_timezone,omitempty"`

	dateLocation *time.Location
}

// DateLocation returns the loaded DateTimezone. Valid after [Load].
func (m MongoConfig) DateLocation() *time.Location {
	if m.dateLocation == nil {
		return time.UTC
	}
	return m.dateLocation
}

// CalendarConfig configures the Google Calendar provider.
type CalendarConfig struct {
	// CredentialsFile is the path to a Google service-account JSON key.
	CredentialsFile string `yaml:"credentials_file"`

	// TargetCalendarID is the calendar leavesync writes events to.
	TargetCalendarID string `yaml:"target_calendar_id"`

	// SourceCalendarID is the calendar whose changes are imported.
	// Defaults to the target calendar.
	SourceCalendarID string `yaml:"source_calendar_id,omitempty"`

	// SourceScope is the company tag imported busy blocks are filed under.
	// Empty files them company-wide, so they conflict with every company.
	SourceScope string `yaml:"source_scope,omitempty"`

	// Timeout bounds each API call. 1s..2m, defaults to 15s.
	Timeout time.Duration `yaml:"timeout"`

	// MaxAttempts is the number of tries for transient failures. 1..10,
	// defaults to 3.
	MaxAttempts int `yaml:"max_attempts"`
}

// HTTPConfig configures the admin API listener.
type HTTPConfig struct {
	// Listen is the host:port to bind. Defaults to 127.0.0.1:8086.
	Listen string `yaml:"listen"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "leavesync".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request. Equivalent to the OTEL_EXPORTER_OTLP_HEADERS environment
	// variable. Use this for authentication tokens, e.g.:
	//   Authorization: "Bearer <token>"
	Headers map[string]string `yaml:"headers,omitempty"`
}

const (
	defaultCollection     = "vacationRequests"
	defaultSyncInterval   = 15 * time.Minute
	defaultImportInterval = 5 * time.Minute
	minInterval           = time.Minute
	defaultTimeout        = 15 * time.Second
	defaultMaxAttempts    = 3
	defaultListen         = "127.0.0.1:8086"
)

// DefaultPath returns the default config file path: ~/.config/leavesync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "leavesync", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// SourceCalendar returns the calendar to import from.
func (c *Config) SourceCalendar() string {
	if c.Calendar.SourceCalendarID != "" {
		return c.Calendar.SourceCalendarID
	}
	return c.Calendar.TargetCalendarID
}

// validate checks that all required fields are present and well-formed,
// filling in defaults.
func (c *Config) validate() error {
	if c.Mongo.URI == "" {
		return fmt.Errorf("mongo.uri is required")
	}
	u, err := url.Parse(c.Mongo.URI)
	if err != nil || (u.Scheme != "mongodb" && u.Scheme != "mongodb+srv") {
		return fmt.Errorf("mongo.uri must be a mongodb:// or mongodb+srv:// URI")
	}
	if c.Mongo.Database == "" {
		return fmt.Errorf("mongo.database is required")
	}
	if c.Mongo.Collection == "" {
		c.Mongo.Collection = defaultCollection
	}
	if c.Mongo.DateTimezone == "" {
		c.Mongo.DateTimezone = "UTC"
	}
	loc, err := time.LoadLocation(c.Mongo.DateTimezone)
	if err != nil {
		return fmt.Errorf("mongo.date_timezone %q: %w", c.Mongo.DateTimezone, err)
	}
	c.Mongo.dateLocation = loc

	if c.Calendar.CredentialsFile == "" {
		return fmt.Errorf("calendar.credentials_file is required")
	}
	if c.Calendar.TargetCalendarID == "" {
		return fmt.Errorf("calendar.target_calendar_id is required")
	}
	if c.Calendar.Timeout == 0 {
		c.Calendar.Timeout = defaultTimeout
	}
	if c.Calendar.Timeout < time.Second || c.Calendar.Timeout > 2*time.Minute {
		return fmt.Errorf("calendar.timeout %v must be between 1s and 2m", c.Calendar.Timeout)
	}
	if c.Calendar.MaxAttempts == 0 {
		c.Calendar.MaxAttempts = defaultMaxAttempts
	}
	if c.Calendar.MaxAttempts < 1 || c.Calendar.MaxAttempts > 10 {
		return fmt.Errorf("calendar.max_attempts %d must be between 1 and 10", c.Calendar.MaxAttempts)
	}

	for tag, name := range c.Companies {
		if tag == "" {
			return fmt.Errorf("companies contains an empty company tag")
		}
		if name == "" {
			return fmt.Errorf("companies[%q] has an empty display name", tag)
		}
	}

	if c.Calendar.SourceScope != "" && len(c.Companies) > 0 {
		if _, ok := c.Companies[c.Calendar.SourceScope]; !ok {
			return fmt.Errorf("calendar.source_scope %q is not a configured company", c.Calendar.SourceScope)
		}
	}

	if c.SyncInterval == 0 {
		c.SyncInterval = defaultSyncInterval
	}
	if c.SyncInterval < minInterval {
		return fmt.Errorf("sync_interval %v is too short (minimum 1m)", c.SyncInterval)
	}
	if c.ImportInterval == 0 {
		c.ImportInterval = defaultImportInterval
	}
	if c.ImportInterval < minInterval {
		return fmt.Errorf("import_interval %v is too short (minimum 1m)", c.ImportInterval)
	}

	if c.HTTP.Listen == "" {
		c.HTTP.Listen = defaultListen
	}
	if _, _, err := net.SplitHostPort(c.HTTP.Listen); err != nil {
		return fmt.Errorf("http.listen %q must be host:port: %w", c.HTTP.Listen, err)
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}

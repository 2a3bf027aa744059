// Package state manages the SQLite database that tracks calendar sync
// progress: the inbound cursor row, the append-only sync log and the
// foreign busy blocks imported from the source calendar.
//
// Only this package may open or query the database. All other packages receive
// a [*Store] and call its methods.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/njoerd114/leavesync/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_state (
    id               INTEGER PRIMARY KEY CHECK (id = 1),
    cursor           TEXT    NOT NULL DEFAULT '',
    last_run_at      TEXT    NOT NULL DEFAULT '',
    last_result      TEXT    NOT NULL DEFAULT '',
    last_error       TEXT    NOT NULL DEFAULT '',
    imported_counter INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sync_log (
    id          TEXT    PRIMARY KEY,
    kind        TEXT    NOT NULL,
    mode        TEXT    NOT NULL DEFAULT '',
    started_at  TEXT    NOT NULL,
    finished_at TEXT    NOT NULL,
    status      TEXT    NOT NULL,
    inserted    INTEGER NOT NULL DEFAULT 0,
    updated     INTEGER NOT NULL DEFAULT 0,
    deleted     INTEGER NOT NULL DEFAULT 0,
    error       TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_sync_log_started ON sync_log (started_at);

CREATE TABLE IF NOT EXISTS external_busy (
    event_id    TEXT PRIMARY KEY,
    calendar_id TEXT NOT NULL,
    scope       TEXT NOT NULL DEFAULT '',
    title       TEXT NOT NULL DEFAULT '',
    start_date  TEXT NOT NULL,
    end_date    TEXT NOT NULL,
    updated_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_external_busy_scope    ON external_busy (scope, start_date);
CREATE INDEX IF NOT EXISTS idx_external_busy_calendar ON external_busy (calendar_id);
`

// Store is the SQLite-backed state repository.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// DefaultDBPath returns the default path for the state database:
// ~/.local/share/leavesync/state.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "leavesync", "state.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies the schema, and
// configures WAL mode for better concurrent read performance.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies the schema DDL idempotently (CREATE IF NOT EXISTS).
func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// --- sync state --------------------------------------------------------------

// GetSyncState returns the sync state row, or a zero state with an empty
// cursor when no run has been recorded yet.
func (s *Store) GetSyncState(ctx context.Context) (*model.SyncState, error) {
	const q = `
		SELECT cursor, last_run_at, last_result, last_error, imported_counter
		FROM sync_state WHERE id = 1`
	var st model.SyncState
	var lastRun, result string
	err := s.db.QueryRowContext(ctx, q).Scan(&st.Cursor, &lastRun, &result, &st.LastError, &st.ImportedCounter)
	if errors.Is(err, sql.ErrNoRows) {
		return &model.SyncState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading sync state: %w", err)
	}
	st.LastRunAt, _ = parseTime(lastRun)
	st.LastResult = model.RunResult(result)
	return &st, nil
}

// SaveSyncState replaces the sync state row.
func (s *Store) SaveSyncState(ctx context.Context, st *model.SyncState) error {
	const q = `
		INSERT INTO sync_state (id, cursor, last_run_at, last_result, last_error, imported_counter)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    cursor           = excluded.cursor,
		    last_run_at      = excluded.last_run_at,
		    last_result      = excluded.last_result,
		    last_error       = excluded.last_error,
		    imported_counter = excluded.imported_counter`
	_, err := s.db.ExecContext(ctx, q,
		st.Cursor,
		formatTime(st.LastRunAt),
		string(st.LastResult),
		st.LastError,
		st.ImportedCounter,
	)
	if err != nil {
		return fmt.Errorf("saving sync state: %w", err)
	}
	return nil
}

// --- sync log ----------------------------------------------------------------

// AppendLog inserts e into the sync log, assigning an id when e.ID is empty.
func (s *Store) AppendLog(ctx context.Context, e *model.SyncLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO sync_log
		    (id, kind, mode, started_at, finished_at, status, inserted, updated, deleted, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q,
		e.ID,
		string(e.Kind),
		string(e.Mode),
		formatTime(e.StartedAt),
		formatTime(e.FinishedAt),
		string(e.Status),
		e.Inserted,
		e.Updated,
		e.Deleted,
		e.Error,
	)
	if err != nil {
		return fmt.Errorf("appending sync log entry: %w", err)
	}
	return nil
}

// RecentLogs returns up to limit log entries, newest first.
func (s *Store) RecentLogs(ctx context.Context, limit int) ([]*model.SyncLogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `
		SELECT id, kind, mode, started_at, finished_at, status, inserted, updated, deleted, error
		FROM sync_log ORDER BY started_at DESC, rowid DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sync log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*model.SyncLogEntry
	for rows.Next() {
		var e model.SyncLogEntry
		var kind, mode, started, finished, status string
		if err := rows.Scan(&e.ID, &kind, &mode, &started, &finished, &status,
			&e.Inserted, &e.Updated, &e.Deleted, &e.Error); err != nil {
			return nil, fmt.Errorf("scanning sync log row: %w", err)
		}
		e.Kind = model.RunKind(kind)
		e.Mode = model.ImportMode(mode)
		e.Status = model.RunResult(status)
		e.StartedAt, _ = parseTime(started)
		e.FinishedAt, _ = parseTime(finished)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// --- external busy blocks ----------------------------------------------------

// UpsertBusyBlock inserts or replaces a busy block keyed by its event id.
// It reports whether the block was newly inserted.
func (s *Store) UpsertBusyBlock(ctx context.Context, b *model.ForeignBusyBlock) (inserted bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning busy block upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM external_busy WHERE event_id = ?`, b.EventID).Scan(&n); err != nil {
		return false, fmt.Errorf("checking busy block %s: %w", b.EventID, err)
	}

	const q = `
		INSERT INTO external_busy (event_id, calendar_id, scope, title, start_date, end_date, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET
		    calendar_id = excluded.calendar_id,
		    scope       = excluded.scope,
		    title       = excluded.title,
		    start_date  = excluded.start_date,
		    end_date    = excluded.end_date,
		    updated_at  = excluded.updated_at`
	if _, err := tx.ExecContext(ctx, q,
		b.EventID,
		b.CalendarID,
		b.Scope,
		b.Title,
		b.StartDate.String(),
		b.EndDate.String(),
		formatTime(s.now()),
	); err != nil {
		return false, fmt.Errorf("upserting busy block %s: %w", b.EventID, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing busy block %s: %w", b.EventID, err)
	}
	return n == 0, nil
}

// DeleteBusyBlock removes the block imported from eventID and reports
// whether a row was deleted.
func (s *Store) DeleteBusyBlock(ctx context.Context, eventID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM external_busy WHERE event_id = ?`, eventID)
	if err != nil {
		return false, fmt.Errorf("deleting busy block %s: %w", eventID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// PruneBusyBlocks deletes every block of calendarID whose event id is not in
// keep, returning the number of rows removed. It is used after a full
// listing, which carries no deletion stubs.
func (s *Store) PruneBusyBlocks(ctx context.Context, calendarID string, keep []string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning busy block prune: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT event_id FROM external_busy WHERE calendar_id = ?`, calendarID)
	if err != nil {
		return 0, fmt.Errorf("listing busy blocks of %s: %w", calendarID, err)
	}
	keepSet := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		keepSet[id] = struct{}{}
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("scanning busy block id: %w", err)
		}
		if _, ok := keepSet[id]; !ok {
			stale = append(stale, id)
		}
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("listing busy blocks of %s: %w", calendarID, err)
	}

	for _, id := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM external_busy WHERE event_id = ?`, id); err != nil {
			return 0, fmt.Errorf("pruning busy block %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing busy block prune: %w", err)
	}
	return len(stale), nil
}

// ListBusyBlocksByScope returns the busy blocks of one scope ordered by
// start date.
func (s *Store) ListBusyBlocksByScope(ctx context.Context, scope string) ([]*model.ForeignBusyBlock, error) {
	const q = `
		SELECT event_id, calendar_id, scope, title, start_date, end_date
		FROM external_busy WHERE scope = ? ORDER BY start_date, event_id`
	rows, err := s.db.QueryContext(ctx, q, scope)
	if err != nil {
		return nil, fmt.Errorf("querying busy blocks for scope %q: %w", scope, err)
	}
	defer func() { _ = rows.Close() }()

	var blocks []*model.ForeignBusyBlock
	for rows.Next() {
		b, err := scanBusyBlock(rows)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// --- helpers -----------------------------------------------------------------

// scanner matches both *sql.Row and *sql.Rows so scanBusyBlock can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func scanBusyBlock(s scanner) (*model.ForeignBusyBlock, error) {
	var b model.ForeignBusyBlock
	var start, end string

	err := s.Scan(&b.EventID, &b.CalendarID, &b.Scope, &b.Title, &start, &end)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning busy block row: %w", err)
	}

	if b.StartDate, err = model.ParseDate(start); err != nil {
		return nil, fmt.Errorf("busy block %s: %w", b.EventID, err)
	}
	if b.EndDate, err = model.ParseDate(end); err != nil {
		return nil, fmt.Errorf("busy block %s: %w", b.EventID, err)
	}
	return &b, nil
}

// timeLayout is RFC 3339 with fixed nanosecond width so stored timestamps
// order correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
}

package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/njoerd114/leavesync/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test-state.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// getBusyBlock reads one row of external_busy, or nil if eventID is absent.
func getBusyBlock(t *testing.T, s *Store, eventID string) *model.ForeignBusyBlock {
	t.Helper()
	const q = `
		SELECT event_id, calendar_id, scope, title, start_date, end_date
		FROM external_busy WHERE event_id = ?`
	b, err := scanBusyBlock(s.db.QueryRowContext(context.Background(), q, eventID))
	if err != nil {
		t.Fatalf("reading busy block %s: %v", eventID, err)
	}
	return b
}

func sampleBlock(id string) *model.ForeignBusyBlock {
	return &model.ForeignBusyBlock{
		EventID:    id,
		CalendarID: "source",
		Scope:      "acme",
		Title:      "Offsite",
		StartDate:  model.MustParseDate("2025-12-01"),
		EndDate:    model.MustParseDate("2025-12-03"),
	}
}

func TestOpen_CreatesSchema(t *testing.T) {
	s := openTestStore(t)
	st, err := s.GetSyncState(context.Background())
	if err != nil {
		t.Fatalf("GetSyncState after open: %v", err)
	}
	if st.Cursor != "" || !st.LastRunAt.IsZero() {
		t.Errorf("expected zero state after open, got %+v", st)
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := s1.SaveSyncState(context.Background(), &model.SyncState{Cursor: "tok"}); err != nil {
		t.Fatalf("SaveSyncState: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("s1.Close: %v", err)
	}

	// Re-opening the same file must not fail or wipe data.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer func() { _ = s2.Close() }()
	st, err := s2.GetSyncState(context.Background())
	if err != nil {
		t.Fatalf("GetSyncState: %v", err)
	}
	if st.Cursor != "tok" {
		t.Errorf("Cursor = %q after reopen, want tok", st.Cursor)
	}
}

// ---------------------------------------------------------------------------
// Sync state
// ---------------------------------------------------------------------------

func TestSaveSyncState_SingleRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	first := &model.SyncState{Cursor: "c1", LastRunAt: now, LastResult: model.RunOK, ImportedCounter: 3}
	if err := s.SaveSyncState(ctx, first); err != nil {
		t.Fatalf("SaveSyncState: %v", err)
	}
	second := &model.SyncState{Cursor: "c2", LastRunAt: now.Add(time.Minute), LastResult: model.RunError, LastError: "boom", ImportedCounter: 5}
	if err := s.SaveSyncState(ctx, second); err != nil {
		t.Fatalf("SaveSyncState: %v", err)
	}

	got, err := s.GetSyncState(ctx)
	if err != nil {
		t.Fatalf("GetSyncState: %v", err)
	}
	if got.Cursor != "c2" || got.LastResult != model.RunError || got.LastError != "boom" || got.ImportedCounter != 5 {
		t.Errorf("state = %+v", got)
	}
	if !got.LastRunAt.Equal(now.Add(time.Minute)) {
		t.Errorf("LastRunAt = %v, want %v", got.LastRunAt, now.Add(time.Minute))
	}

	var rows int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_state`).Scan(&rows); err != nil {
		t.Fatalf("count: %v", err)
	}
	if rows != 1 {
		t.Errorf("sync_state rows = %d, want 1", rows)
	}
}

// ---------------------------------------------------------------------------
// Sync log
// ---------------------------------------------------------------------------

func TestAppendLog_AssignsID(t *testing.T) {
	s := openTestStore(t)
	e := &model.SyncLogEntry{Kind: model.RunOutbound, Status: model.RunOK, StartedAt: time.Now(), FinishedAt: time.Now()}
	if err := s.AppendLog(context.Background(), e); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}
	if e.ID == "" {
		t.Error("AppendLog did not assign an ID")
	}
}

func TestRecentLogs_NewestFirstAndLimited(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		e := &model.SyncLogEntry{
			Kind:       model.RunInbound,
			Mode:       model.ModeIncremental,
			StartedAt:  base.Add(time.Duration(i) * time.Hour),
			FinishedAt: base.Add(time.Duration(i)*time.Hour + time.Second),
			Status:     model.RunOK,
			Inserted:   i,
		}
		if err := s.AppendLog(ctx, e); err != nil {
			t.Fatalf("AppendLog %d: %v", i, err)
		}
	}

	got, err := s.RecentLogs(ctx, 3)
	if err != nil {
		t.Fatalf("RecentLogs: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Inserted != 4 || got[2].Inserted != 2 {
		t.Errorf("order = %d,%d,%d, want 4,3,2", got[0].Inserted, got[1].Inserted, got[2].Inserted)
	}
	if got[0].Mode != model.ModeIncremental || got[0].Kind != model.RunInbound {
		t.Errorf("entry = %+v", got[0])
	}
}

func TestRecentLogs_SubsecondOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	second := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)

	// Appended out of order: variable-width fractions would sort ".5Z"
	// above ".50001Z" as text.
	for i, offset := range []time.Duration{500010 * time.Microsecond, 500 * time.Millisecond} {
		e := &model.SyncLogEntry{
			Kind:       model.RunOutbound,
			StartedAt:  second.Add(offset),
			FinishedAt: second.Add(offset),
			Status:     model.RunOK,
			Inserted:   i,
		}
		if err := s.AppendLog(ctx, e); err != nil {
			t.Fatalf("AppendLog %d: %v", i, err)
		}
	}

	got, err := s.RecentLogs(ctx, 2)
	if err != nil {
		t.Fatalf("RecentLogs: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Inserted != 0 {
		t.Errorf("newest = entry %d started %s, want entry 0", got[0].Inserted, got[0].StartedAt.Format(time.RFC3339Nano))
	}
	if !got[0].StartedAt.Equal(second.Add(500010 * time.Microsecond)) {
		t.Errorf("StartedAt = %s, want nanosecond round trip", got[0].StartedAt)
	}
}

// ---------------------------------------------------------------------------
// Busy blocks
// ---------------------------------------------------------------------------

func TestUpsertBusyBlock_InsertThenUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	b := sampleBlock("ev-1")

	inserted, err := s.UpsertBusyBlock(ctx, b)
	if err != nil {
		t.Fatalf("UpsertBusyBlock: %v", err)
	}
	if !inserted {
		t.Error("first upsert: inserted = false, want true")
	}

	b.EndDate = model.MustParseDate("2025-12-04")
	inserted, err = s.UpsertBusyBlock(ctx, b)
	if err != nil {
		t.Fatalf("UpsertBusyBlock: %v", err)
	}
	if inserted {
		t.Error("second upsert: inserted = true, want false")
	}

	got := getBusyBlock(t, s, "ev-1")
	if got == nil {
		t.Fatal("block ev-1 missing after upsert")
	}
	if got.EndDate.String() != "2025-12-04" {
		t.Errorf("EndDate = %s, want 2025-12-04", got.EndDate)
	}
}

func TestDeleteBusyBlock(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.UpsertBusyBlock(ctx, sampleBlock("ev-1")); err != nil {
		t.Fatalf("UpsertBusyBlock: %v", err)
	}

	deleted, err := s.DeleteBusyBlock(ctx, "ev-1")
	if err != nil || !deleted {
		t.Fatalf("DeleteBusyBlock = %v, %v; want true, nil", deleted, err)
	}
	deleted, err = s.DeleteBusyBlock(ctx, "ev-1")
	if err != nil || deleted {
		t.Fatalf("second DeleteBusyBlock = %v, %v; want false, nil", deleted, err)
	}
	if got := getBusyBlock(t, s, "ev-1"); got != nil {
		t.Errorf("block still present after delete: %+v", got)
	}
}

func TestPruneBusyBlocks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := s.UpsertBusyBlock(ctx, sampleBlock(id)); err != nil {
			t.Fatalf("UpsertBusyBlock %s: %v", id, err)
		}
	}
	other := sampleBlock("d")
	other.CalendarID = "elsewhere"
	if _, err := s.UpsertBusyBlock(ctx, other); err != nil {
		t.Fatalf("UpsertBusyBlock d: %v", err)
	}

	n, err := s.PruneBusyBlocks(ctx, "source", []string{"b"})
	if err != nil {
		t.Fatalf("PruneBusyBlocks: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned = %d, want 2", n)
	}

	blocks, err := s.ListBusyBlocksByScope(ctx, "acme")
	if err != nil {
		t.Fatalf("ListBusyBlocksByScope: %v", err)
	}
	var ids []string
	for _, b := range blocks {
		ids = append(ids, b.EventID)
	}
	if len(ids) != 2 || ids[0] != "b" || ids[1] != "d" {
		t.Errorf("remaining = %v, want [b d] (other calendars untouched)", ids)
	}
}

func TestListBusyBlocksByScope_FiltersScope(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	late := sampleBlock("late")
	late.StartDate = model.MustParseDate("2026-01-10")
	late.EndDate = model.MustParseDate("2026-01-11")
	foreign := sampleBlock("foreign")
	foreign.Scope = "globex"
	for _, b := range []*model.ForeignBusyBlock{late, sampleBlock("early"), foreign} {
		if _, err := s.UpsertBusyBlock(ctx, b); err != nil {
			t.Fatalf("UpsertBusyBlock %s: %v", b.EventID, err)
		}
	}

	blocks, err := s.ListBusyBlocksByScope(ctx, "acme")
	if err != nil {
		t.Fatalf("ListBusyBlocksByScope: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("len = %d, want 2", len(blocks))
	}
	if blocks[0].EventID != "early" || blocks[1].EventID != "late" {
		t.Errorf("order = %s,%s, want early,late", blocks[0].EventID, blocks[1].EventID)
	}
}

package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/njoerd114/leavesync/internal/calendar"
	"github.com/njoerd114/leavesync/internal/mapper"
	"github.com/njoerd114/leavesync/internal/model"
)

// ErrImportInProgress is returned when an import is requested while another
// one is still running in this process.
var ErrImportInProgress = errors.New("remote import already in progress")

// ImportResult summarizes one importRemoteChanges run.
type ImportResult struct {
	Mode     model.ImportMode `json:"mode"`
	Result   model.RunResult  `json:"result"`
	Inserted int              `json:"inserted"`
	Updated  int              `json:"updated"`
	Deleted  int              `json:"deleted"`
	// ClearedRefs counts requests whose event was deleted remotely. They
	// are included in Deleted.
	ClearedRefs int      `json:"clearedRefs"`
	Orphans     int      `json:"orphans"`
	Errors      []string `json:"errors,omitempty"`
}

// Importer pulls changes from the watched calendar. Events referenced by a
// request feed back into the outbound self-healing; every other event is
// kept as a foreign busy block for conflict display.
//
// Only one import runs at a time per Importer: the sync cursor is a single
// row and two concurrent listings would race on it.
type Importer struct {
	requests RequestStore
	cal      CalendarProvider
	tracker  StateTracker
	calendar string
	scope    string
	log      *slog.Logger
	now      func() time.Time

	mu sync.Mutex
}

// NewImporter creates an Importer watching calendarID. Imported busy blocks
// are filed under scope.
func NewImporter(requests RequestStore, cal CalendarProvider, tracker StateTracker, calendarID, scope string, logger *slog.Logger) *Importer {
	return &Importer{
		requests: requests,
		cal:      cal,
		tracker:  tracker,
		calendar: calendarID,
		scope:    scope,
		log:      logger,
		now:      time.Now,
	}
}

// ImportRemoteChanges lists the calendar changes since the stored cursor,
// applies them and persists the next cursor. An expired cursor falls back
// to a full listing (mode resync). Item-level failures make the run
// partial; a listing failure is recorded and returned.
func (im *Importer) ImportRemoteChanges(ctx context.Context) (ImportResult, error) {
	if !im.mu.TryLock() {
		return ImportResult{}, ErrImportInProgress
	}
	defer im.mu.Unlock()

	started := im.now()
	res := ImportResult{Mode: model.ModeIncremental}

	st, err := im.tracker.GetSyncState(ctx)
	if err != nil {
		return res, fmt.Errorf("reading sync state: %w", err)
	}
	if st.Cursor == "" {
		res.Mode = model.ModeFull
	}

	changes, err := im.cal.ListChangesSince(ctx, im.calendar, st.Cursor)
	if errors.Is(err, calendar.ErrCursorExpired) {
		im.log.Info("sync cursor expired, starting full resync", "calendar", im.calendar)
		res.Mode = model.ModeResync
		changes, err = im.cal.ListChangesSince(ctx, im.calendar, "")
	}
	if err != nil {
		cursor := st.Cursor
		if res.Mode == model.ModeResync {
			cursor = ""
		}
		err = fmt.Errorf("listing calendar changes: %w", err)
		im.finish(ctx, st, &res, started, cursor, err)
		return res, err
	}

	linked, err := im.requests.ListWithEventRef(ctx)
	if err != nil {
		// Without the reference index our own events would be imported as
		// foreign blocks, so the cursor must not advance.
		err = fmt.Errorf("indexing event references: %w", err)
		im.finish(ctx, st, &res, started, st.Cursor, err)
		return res, err
	}
	byEvent := make(map[string]*model.VacationRequest, len(linked))
	for _, req := range linked {
		byEvent[req.ExternalEventID] = req
	}

	var keep []string
	for i := range changes.Events {
		ev := &changes.Events[i]
		if ctx.Err() != nil {
			break
		}

		if req, ok := byEvent[ev.ID]; ok {
			if ev.Cancelled {
				im.clearReference(ctx, req, &res)
			}
			continue
		}
		if ev.RequestID() != "" {
			// Ours, but no request points at it.
			res.Orphans++
			im.log.Debug("skipping orphaned leavesync event", "event_id", ev.ID, "request_id", ev.RequestID())
			continue
		}
		if ev.Cancelled {
			im.removeBlock(ctx, ev.ID, &res)
			continue
		}
		keep = append(keep, ev.ID)
		im.upsertBlock(ctx, ev, &res)
	}

	// A full listing has no deletion stubs: whatever is not listed is gone.
	if res.Mode != model.ModeIncremental && ctx.Err() == nil {
		n, err := im.tracker.PruneBusyBlocks(ctx, im.calendar, keep)
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
		}
		res.Deleted += n
	}

	cursor := changes.NextCursor
	if ctx.Err() != nil {
		// Interrupted while applying: re-read the same changes next time.
		cursor = st.Cursor
		res.Errors = append(res.Errors, ctx.Err().Error())
	}
	im.finish(ctx, st, &res, started, cursor, nil)
	return res, nil
}

func (im *Importer) clearReference(ctx context.Context, req *model.VacationRequest, res *ImportResult) {
	if err := im.requests.SetExternalEventRef(ctx, req.ID, ""); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("request %s: %v", req.ID, err))
		return
	}
	res.ClearedRefs++
	res.Deleted++
	im.log.Info("referenced event deleted remotely, reference cleared",
		"request_id", req.ID,
		"event_id", req.ExternalEventID,
	)
}

func (im *Importer) removeBlock(ctx context.Context, eventID string, res *ImportResult) {
	deleted, err := im.tracker.DeleteBusyBlock(ctx, eventID)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("event %s: %v", eventID, err))
		return
	}
	if deleted {
		res.Deleted++
	}
}

func (im *Importer) upsertBlock(ctx context.Context, ev *model.CalendarEvent, res *ImportResult) {
	block, err := mapper.FromEvent(ev, im.calendar, im.scope)
	if err != nil {
		im.log.Warn("skipping malformed calendar event", "event_id", ev.ID, "error", err)
		return
	}
	inserted, err := im.tracker.UpsertBusyBlock(ctx, &block)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("event %s: %v", ev.ID, err))
		return
	}
	if inserted {
		res.Inserted++
	} else {
		res.Updated++
	}
}

// finish records the run in the sync state row and the sync log.
func (im *Importer) finish(ctx context.Context, st *model.SyncState, res *ImportResult, started time.Time, cursor string, runErr error) {
	ctx = context.WithoutCancel(ctx)
	finished := im.now()

	res.Result = model.RunOK
	lastErr := ""
	switch {
	case runErr != nil:
		res.Result = model.RunError
		lastErr = runErr.Error()
	case len(res.Errors) > 0:
		res.Result = model.RunPartial
		lastErr = res.Errors[0]
	}

	next := *st
	next.Cursor = cursor
	next.LastRunAt = finished
	next.LastResult = res.Result
	next.LastError = lastErr
	next.ImportedCounter += int64(res.Inserted)
	if err := im.tracker.SaveSyncState(ctx, &next); err != nil {
		im.log.Error("saving sync state", "error", err)
	}

	entry := &model.SyncLogEntry{
		Kind:       model.RunInbound,
		Mode:       res.Mode,
		StartedAt:  started,
		FinishedAt: finished,
		Status:     res.Result,
		Inserted:   res.Inserted,
		Updated:    res.Updated,
		Deleted:    res.Deleted,
		Error:      lastErr,
	}
	if err := im.tracker.AppendLog(ctx, entry); err != nil {
		im.log.Error("appending inbound sync log", "error", err)
	}

	level := slog.LevelInfo
	if res.Result != model.RunOK {
		level = slog.LevelWarn
	}
	im.log.Log(ctx, level, "inbound import complete",
		"mode", res.Mode,
		"result", res.Result,
		"inserted", res.Inserted,
		"updated", res.Updated,
		"deleted", res.Deleted,
	)
}

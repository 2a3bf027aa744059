// Package sync implements the calendar reconciliation engine for leavesync.
// It keeps the target calendar consistent with approved vacation requests
// and imports changes made on the calendar side.
//
// The package contains four components:
//
//   - [Reconciler] pushes requests to the calendar (syncOne / syncAll).
//   - [Importer] pulls calendar changes through the sync cursor.
//   - [Relinker] adopts existing calendar events for requests that lost
//     their reference, e.g. after a store restore.
//   - [Engine] wraps them with telemetry and runs the periodic jobs.
package sync

import (
	"context"

	"github.com/njoerd114/leavesync/internal/calendar"
	"github.com/njoerd114/leavesync/internal/model"
)

// RequestStore provides access to vacation requests.
// Implemented by [store.RequestStore].
type RequestStore interface {
	GetByID(ctx context.Context, id string) (*model.VacationRequest, error)
	ListByStatus(ctx context.Context, status model.Status) ([]*model.VacationRequest, error)
	ListAll(ctx context.Context) ([]*model.VacationRequest, error)
	ListWithEventRef(ctx context.Context) ([]*model.VacationRequest, error)
	SetExternalEventRef(ctx context.Context, id, eventID string) error
}

// CalendarProvider provides event CRUD and change listing on a calendar.
// Implemented by [calendar.Adapter].
type CalendarProvider interface {
	CreateEvent(ctx context.Context, calendarID string, p model.EventPayload) (string, error)
	GetEvent(ctx context.Context, calendarID, eventID string) (*model.CalendarEvent, error)
	UpdateEvent(ctx context.Context, calendarID, eventID string, p model.EventPayload) error
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
	ListChangesSince(ctx context.Context, calendarID, cursor string) (*calendar.Changes, error)
}

// StateTracker persists the sync cursor, the sync log and imported busy
// blocks. Implemented by [state.Store].
type StateTracker interface {
	GetSyncState(ctx context.Context) (*model.SyncState, error)
	SaveSyncState(ctx context.Context, st *model.SyncState) error
	AppendLog(ctx context.Context, e *model.SyncLogEntry) error
	RecentLogs(ctx context.Context, limit int) ([]*model.SyncLogEntry, error)
	UpsertBusyBlock(ctx context.Context, b *model.ForeignBusyBlock) (bool, error)
	DeleteBusyBlock(ctx context.Context, eventID string) (bool, error)
	PruneBusyBlocks(ctx context.Context, calendarID string, keep []string) (int, error)
}

// ConflictFinder reports leave overlapping a date range.
// Implemented by [conflict.Detector].
type ConflictFinder interface {
	FindConflicts(ctx context.Context, scope string, start, end model.Date, excludeID string) ([]model.Conflict, error)
}

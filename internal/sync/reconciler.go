package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/njoerd114/leavesync/internal/calendar"
	"github.com/njoerd114/leavesync/internal/mapper"
	"github.com/njoerd114/leavesync/internal/model"
	"github.com/njoerd114/leavesync/internal/store"
)

// Outcome is the result of syncing one request.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeRecreated: the referenced event had vanished and a new one
	// was created.
	OutcomeRecreated Outcome = "recreated"
	// OutcomeCleared: a non-approved request's event was deleted and its
	// reference cleared.
	OutcomeCleared  Outcome = "cleared"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeNotFound Outcome = "not_found"
	OutcomeFailed   Outcome = "failed"
)

// Synced reports whether o leaves the request consistent with the calendar.
func (o Outcome) Synced() bool {
	switch o {
	case OutcomeCreated, OutcomeUpdated, OutcomeUnchanged, OutcomeRecreated, OutcomeCleared:
		return true
	}
	return false
}

// Result describes what syncOne did to a single request.
type Result struct {
	RequestID string           `json:"requestId"`
	Outcome   Outcome          `json:"outcome"`
	EventID   string           `json:"eventId,omitempty"`
	Conflicts []model.Conflict `json:"conflicts,omitempty"`
	Error     string           `json:"error,omitempty"`

	Err error `json:"-"`
}

// ItemError pairs a failed request with its error message.
type ItemError struct {
	RequestID string `json:"requestId"`
	Error     string `json:"error"`
}

// BatchResult aggregates a syncAll run.
type BatchResult struct {
	Synced  int         `json:"synced"`
	Skipped int         `json:"skipped"`
	Failed  int         `json:"failed"`
	Errors  []ItemError `json:"errors"`

	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Recreated int `json:"recreated"`
	Cleared   int `json:"cleared"`
}

func (b *BatchResult) add(res Result) {
	switch res.Outcome {
	case OutcomeCreated:
		b.Created++
	case OutcomeUpdated:
		b.Updated++
	case OutcomeUnchanged:
		b.Unchanged++
	case OutcomeRecreated:
		b.Recreated++
	case OutcomeCleared:
		b.Cleared++
	}
	switch {
	case res.Outcome.Synced():
		b.Synced++
	case res.Outcome == OutcomeFailed:
		b.Failed++
		b.Errors = append(b.Errors, ItemError{RequestID: res.RequestID, Error: res.Error})
	default:
		b.Skipped++
	}
}

// Reconciler pushes vacation requests to the target calendar. It holds no
// state between calls: the reference stored on each request is the only
// link to its event, and every step can be re-run safely.
type Reconciler struct {
	requests  RequestStore
	cal       CalendarProvider
	mapper    *mapper.Mapper
	conflicts ConflictFinder
	tracker   StateTracker
	target    string
	log       *slog.Logger
	now       func() time.Time
}

// NewReconciler creates a Reconciler writing to targetCalendar. conflicts
// and tracker may be nil; without them no conflicts are flagged and no
// batch log entries are written.
func NewReconciler(requests RequestStore, cal CalendarProvider, m *mapper.Mapper, conflicts ConflictFinder, tracker StateTracker, targetCalendar string, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		requests:  requests,
		cal:       cal,
		mapper:    m,
		conflicts: conflicts,
		tracker:   tracker,
		target:    targetCalendar,
		log:       logger,
		now:       time.Now,
	}
}

// SyncOne loads the request with the given id and brings its calendar event
// in line with its status. Expected conditions are reported through the
// Outcome; Err is set only for failures.
func (r *Reconciler) SyncOne(ctx context.Context, id string) Result {
	req, err := r.requests.GetByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		r.log.Info("request not found", "request_id", id)
		return Result{RequestID: id, Outcome: OutcomeNotFound}
	}
	if err != nil {
		return failed(id, err)
	}
	return r.syncRequest(ctx, req)
}

// SyncAll syncs every approved request and every request holding an event
// reference. Per-request failures are collected; the returned error is
// non-nil only when the requests could not be listed at all.
func (r *Reconciler) SyncAll(ctx context.Context) (BatchResult, error) {
	started := r.now()
	batch := BatchResult{Errors: []ItemError{}}

	reqs, err := r.requests.ListAll(ctx)
	if err != nil {
		err = fmt.Errorf("listing requests: %w", err)
		r.appendLog(ctx, started, batch, err)
		return batch, err
	}

	for _, req := range reqs {
		if ctx.Err() != nil {
			break
		}
		if req.Status != model.StatusApproved && !req.HasEventRef() {
			batch.Skipped++
			continue
		}
		res := r.syncRequest(ctx, req)
		if res.Err != nil {
			r.log.Error("sync request failed", "request_id", req.ID, "error", res.Err)
		}
		batch.add(res)
	}

	r.log.Info("outbound sync complete",
		"synced", batch.Synced,
		"skipped", batch.Skipped,
		"failed", batch.Failed,
	)
	r.appendLog(ctx, started, batch, ctx.Err())
	return batch, nil
}

func (r *Reconciler) syncRequest(ctx context.Context, req *model.VacationRequest) Result {
	if req.Status != model.StatusApproved {
		return r.clear(ctx, req)
	}

	payload, err := r.mapper.ToEventPayload(req)
	if err != nil {
		return failed(req.ID, fmt.Errorf("%w: %w", calendar.ErrInvalidPayload, err))
	}

	outcome := OutcomeCreated
	if req.HasEventRef() {
		res, stale := r.reconcileExisting(ctx, req, payload)
		if !stale {
			return res
		}
		r.log.Info("referenced event vanished, recreating",
			"request_id", req.ID,
			"stale_event_id", req.ExternalEventID,
		)
		if err := r.requests.SetExternalEventRef(ctx, req.ID, ""); err != nil {
			return failed(req.ID, fmt.Errorf("clearing stale reference: %w", err))
		}
		outcome = OutcomeRecreated
	} else {
		// Narrow the duplicate-create window: another run may have created
		// the event since req was read.
		fresh, err := r.requests.GetByID(ctx, req.ID)
		if err != nil {
			return failed(req.ID, fmt.Errorf("re-reading request: %w", err))
		}
		if fresh.HasEventRef() {
			return Result{RequestID: req.ID, Outcome: OutcomeUnchanged, EventID: fresh.ExternalEventID}
		}
		if fresh.Status != model.StatusApproved {
			return Result{RequestID: req.ID, Outcome: OutcomeSkipped}
		}
	}

	conflicts := r.flagConflicts(ctx, req)
	eventID, err := r.cal.CreateEvent(ctx, r.target, payload)
	if err != nil {
		res := failed(req.ID, err)
		res.Conflicts = conflicts
		return res
	}
	if err := r.requests.SetExternalEventRef(ctx, req.ID, eventID); err != nil {
		// Without a stored reference the event would be created again on the
		// next run, so remove it.
		if delErr := r.cal.DeleteEvent(ctx, r.target, eventID); delErr != nil {
			r.log.Warn("could not remove unreferenced event", "event_id", eventID, "error", delErr)
		}
		return failed(req.ID, fmt.Errorf("storing event reference: %w", err))
	}

	r.log.Info("calendar event created", "request_id", req.ID, "event_id", eventID, "outcome", outcome)
	return Result{RequestID: req.ID, Outcome: outcome, EventID: eventID, Conflicts: conflicts}
}

// reconcileExisting handles an approved request that holds a reference.
// stale is true when the event no longer exists and must be recreated.
func (r *Reconciler) reconcileExisting(ctx context.Context, req *model.VacationRequest, payload model.EventPayload) (res Result, stale bool) {
	ev, err := r.cal.GetEvent(ctx, r.target, req.ExternalEventID)
	switch {
	case errors.Is(err, calendar.ErrNotFound):
		return Result{}, true
	case err != nil:
		return failed(req.ID, err), false
	case ev.Cancelled:
		return Result{}, true
	case ev.SameRange(payload):
		r.log.Debug("event already in sync", "request_id", req.ID, "event_id", ev.ID)
		return Result{RequestID: req.ID, Outcome: OutcomeUnchanged, EventID: ev.ID}, false
	}

	conflicts := r.flagConflicts(ctx, req)
	err = r.cal.UpdateEvent(ctx, r.target, req.ExternalEventID, payload)
	if errors.Is(err, calendar.ErrNotFound) {
		return Result{}, true
	}
	if err != nil {
		res := failed(req.ID, err)
		res.Conflicts = conflicts
		return res, false
	}
	r.log.Info("calendar event updated",
		"request_id", req.ID,
		"event_id", req.ExternalEventID,
		"start", payload.Start.String(),
		"end", payload.End.String(),
	)
	return Result{RequestID: req.ID, Outcome: OutcomeUpdated, EventID: req.ExternalEventID, Conflicts: conflicts}, false
}

// clear removes the event of a non-approved request. A request with no
// reference is left alone.
func (r *Reconciler) clear(ctx context.Context, req *model.VacationRequest) Result {
	if !req.HasEventRef() {
		return Result{RequestID: req.ID, Outcome: OutcomeSkipped}
	}
	if err := r.cal.DeleteEvent(ctx, r.target, req.ExternalEventID); err != nil {
		return failed(req.ID, err)
	}
	if err := r.requests.SetExternalEventRef(ctx, req.ID, ""); err != nil {
		return failed(req.ID, fmt.Errorf("clearing reference: %w", err))
	}
	r.log.Info("calendar event removed",
		"request_id", req.ID,
		"event_id", req.ExternalEventID,
		"status", req.Status,
	)
	return Result{RequestID: req.ID, Outcome: OutcomeCleared}
}

// flagConflicts looks up overlapping leave in the request's scope. It only
// reports; a lookup failure is logged and ignored.
func (r *Reconciler) flagConflicts(ctx context.Context, req *model.VacationRequest) []model.Conflict {
	if r.conflicts == nil {
		return nil
	}
	found, err := r.conflicts.FindConflicts(ctx, req.Company, req.StartDate, req.EndDate, req.ID)
	if err != nil {
		r.log.Warn("conflict lookup failed", "request_id", req.ID, "error", err)
		return nil
	}
	if len(found) > 0 {
		r.log.Warn("request overlaps other leave",
			"request_id", req.ID,
			"company", req.Company,
			"conflicts", len(found),
		)
	}
	return found
}

func (r *Reconciler) appendLog(ctx context.Context, started time.Time, batch BatchResult, runErr error) {
	if r.tracker == nil {
		return
	}
	entry := &model.SyncLogEntry{
		Kind:       model.RunOutbound,
		StartedAt:  started,
		FinishedAt: r.now(),
		Status:     model.RunOK,
		Inserted:   batch.Created + batch.Recreated,
		Updated:    batch.Updated,
		Deleted:    batch.Cleared,
	}
	switch {
	case runErr != nil:
		entry.Status = model.RunError
		entry.Error = runErr.Error()
	case batch.Failed > 0:
		entry.Status = model.RunPartial
		entry.Error = batch.Errors[0].Error
	}
	// The run's own context may be cancelled; the log entry should still land.
	if err := r.tracker.AppendLog(context.WithoutCancel(ctx), entry); err != nil {
		r.log.Error("appending outbound sync log", "error", err)
	}
}

func failed(id string, err error) Result {
	return Result{RequestID: id, Outcome: OutcomeFailed, Error: err.Error(), Err: err}
}

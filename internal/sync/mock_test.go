package sync

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/njoerd114/leavesync/internal/calendar"
	"github.com/njoerd114/leavesync/internal/model"
	"github.com/njoerd114/leavesync/internal/store"
)

// --- Mock Request Store ------------------------------------------------------

type mockRequests struct {
	mu       sync.Mutex
	requests map[string]*model.VacationRequest
	setErr   map[string]error // request id → error from SetExternalEventRef
	listErr  error
	setCalls int
}

func newMockRequests(reqs ...*model.VacationRequest) *mockRequests {
	m := &mockRequests{
		requests: make(map[string]*model.VacationRequest),
		setErr:   make(map[string]error),
	}
	for _, r := range reqs {
		m.requests[r.ID] = r
	}
	return m
}

func (m *mockRequests) GetByID(_ context.Context, id string) (*model.VacationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, store.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (m *mockRequests) list(keep func(*model.VacationRequest) bool) ([]*model.VacationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*model.VacationRequest
	for _, r := range m.requests {
		if keep(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockRequests) ListByStatus(_ context.Context, status model.Status) ([]*model.VacationRequest, error) {
	return m.list(func(r *model.VacationRequest) bool { return r.Status == status })
}

func (m *mockRequests) ListAll(_ context.Context) ([]*model.VacationRequest, error) {
	return m.list(func(*model.VacationRequest) bool { return true })
}

func (m *mockRequests) ListWithEventRef(_ context.Context) ([]*model.VacationRequest, error) {
	return m.list(func(r *model.VacationRequest) bool { return r.HasEventRef() })
}

func (m *mockRequests) SetExternalEventRef(_ context.Context, id, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setCalls++
	if err := m.setErr[id]; err != nil {
		return err
	}
	r, ok := m.requests[id]
	if !ok {
		return fmt.Errorf("request %s: %w", id, store.ErrNotFound)
	}
	r.ExternalEventID = eventID
	return nil
}

func (m *mockRequests) ref(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[id].ExternalEventID
}

func (m *mockRequests) setStatus(id string, s model.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[id].Status = s
}

// --- Mock Calendar -----------------------------------------------------------

type mockCalendar struct {
	mu      sync.Mutex
	events  map[string]*model.CalendarEvent // event id → event
	nextID  int
	creates int
	updates int
	deletes int

	// failCreateFor makes CreateEvent fail for payloads with this title.
	failCreateFor string
	failErr       error
	getErr        error

	// change listing
	changes       []model.CalendarEvent
	nextCursor    string
	expired       map[string]bool // cursors that report CursorExpired
	listErr       error
	listedCursors []string
}

func newMockCalendar() *mockCalendar {
	return &mockCalendar{
		events:  make(map[string]*model.CalendarEvent),
		expired: make(map[string]bool),
	}
}

func (m *mockCalendar) CreateEvent(_ context.Context, _ string, p model.EventPayload) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreateFor != "" && p.Title == m.failCreateFor {
		return "", m.failErr
	}
	m.creates++
	m.nextID++
	id := fmt.Sprintf("ev-%d", m.nextID)
	m.events[id] = &model.CalendarEvent{
		ID:         id,
		Title:      p.Title,
		Start:      p.Start,
		End:        p.End,
		Properties: p.Properties,
	}
	return id, nil
}

func (m *mockCalendar) GetEvent(_ context.Context, _ string, eventID string) (*model.CalendarEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	ev, ok := m.events[eventID]
	if !ok {
		return nil, fmt.Errorf("get event %s: %w", eventID, calendar.ErrNotFound)
	}
	cp := *ev
	return &cp, nil
}

func (m *mockCalendar) UpdateEvent(_ context.Context, _ string, eventID string, p model.EventPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[eventID]
	if !ok {
		return fmt.Errorf("update event %s: %w", eventID, calendar.ErrNotFound)
	}
	m.updates++
	ev.Title = p.Title
	ev.Start = p.Start
	ev.End = p.End
	return nil
}

func (m *mockCalendar) DeleteEvent(_ context.Context, _ string, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes++
	delete(m.events, eventID)
	return nil
}

func (m *mockCalendar) ListChangesSince(_ context.Context, _ string, cursor string) (*calendar.Changes, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listedCursors = append(m.listedCursors, cursor)
	if m.listErr != nil {
		return nil, m.listErr
	}
	if m.expired[cursor] {
		return nil, fmt.Errorf("list changes: %w", calendar.ErrCursorExpired)
	}
	if cursor == "" && len(m.changes) == 0 {
		// Full listing of the live events.
		var evs []model.CalendarEvent
		for _, ev := range m.events {
			evs = append(evs, *ev)
		}
		sort.Slice(evs, func(i, j int) bool { return evs[i].ID < evs[j].ID })
		return &calendar.Changes{Events: evs, NextCursor: m.nextCursor}, nil
	}
	evs := append([]model.CalendarEvent(nil), m.changes...)
	return &calendar.Changes{Events: evs, NextCursor: m.nextCursor}, nil
}

func (m *mockCalendar) put(ev model.CalendarEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.ID] = &ev
}

func (m *mockCalendar) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, id)
}

func (m *mockCalendar) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func (m *mockCalendar) createCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates
}

// --- Mock State Tracker ------------------------------------------------------

type mockTracker struct {
	mu     sync.Mutex
	state  model.SyncState
	logs   []*model.SyncLogEntry
	blocks map[string]*model.ForeignBusyBlock
}

func newMockTracker() *mockTracker {
	return &mockTracker{blocks: make(map[string]*model.ForeignBusyBlock)}
}

func (m *mockTracker) GetSyncState(_ context.Context) (*model.SyncState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := m.state
	return &cp, nil
}

func (m *mockTracker) SaveSyncState(_ context.Context, st *model.SyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = *st
	return nil
}

func (m *mockTracker) AppendLog(_ context.Context, e *model.SyncLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.logs = append(m.logs, &cp)
	return nil
}

func (m *mockTracker) RecentLogs(_ context.Context, limit int) ([]*model.SyncLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.SyncLogEntry
	for i := len(m.logs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.logs[i])
	}
	return out, nil
}

func (m *mockTracker) UpsertBusyBlock(_ context.Context, b *model.ForeignBusyBlock) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.blocks[b.EventID]
	cp := *b
	m.blocks[b.EventID] = &cp
	return !exists, nil
}

func (m *mockTracker) DeleteBusyBlock(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.blocks[eventID]
	delete(m.blocks, eventID)
	return exists, nil
}

func (m *mockTracker) PruneBusyBlocks(_ context.Context, calendarID string, keep []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keepSet := make(map[string]bool, len(keep))
	for _, id := range keep {
		keepSet[id] = true
	}
	n := 0
	for id, b := range m.blocks {
		if b.CalendarID == calendarID && !keepSet[id] {
			delete(m.blocks, id)
			n++
		}
	}
	return n, nil
}

func (m *mockTracker) lastLog() *model.SyncLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.logs) == 0 {
		return nil
	}
	return m.logs[len(m.logs)-1]
}

func (m *mockTracker) block(id string) *model.ForeignBusyBlock {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocks[id]
}

// --- Mock Conflict Finder ----------------------------------------------------

type mockConflicts struct {
	found []model.Conflict
	calls int
}

func (m *mockConflicts) FindConflicts(_ context.Context, _ string, _, _ model.Date, _ string) ([]model.Conflict, error) {
	m.calls++
	return m.found, nil
}

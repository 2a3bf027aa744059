// Package mapper converts between vacation requests and calendar events.
// Everything here is pure: no I/O, no clock, no logging.
package mapper

import (
	"fmt"
	"strings"

	"github.com/njoerd114/leavesync/internal/model"
)

// Google Calendar event colour ids.
const (
	colorApproved = "10" // basil
	colorPending  = "5"  // banana
	colorDenied   = "11" // tomato
)

// Mapper builds event payloads. The zero value is usable and falls back to
// raw company tags in titles.
type Mapper struct {
	companies map[string]string
}

// New returns a Mapper that renders company tags through the given
// tag → display name table.
func New(companies map[string]string) *Mapper {
	return &Mapper{companies: companies}
}

// CompanyName returns the display name for a company tag, or the tag itself
// when no display name is configured.
func (m *Mapper) CompanyName(tag string) string {
	if name, ok := m.companies[tag]; ok && name != "" {
		return name
	}
	return tag
}

// ToEventPayload builds the all-day event payload for r. The payload's End is
// exclusive, one day past the request's inclusive end date. A request whose
// dates are missing or reversed yields an error wrapping
// [model.ErrInvalidRange] instead of a negative-length event.
func (m *Mapper) ToEventPayload(r *model.VacationRequest) (model.EventPayload, error) {
	if err := r.ValidateRange(); err != nil {
		return model.EventPayload{}, err
	}

	p := model.EventPayload{
		Title:       m.title(r),
		Description: m.description(r),
		Start:       r.StartDate,
		End:         r.EndDate.AddDays(1),
		Properties: map[string]string{
			model.PropRequestID: r.ID,
			model.PropSource:    model.SourceMarker,
		},
	}

	switch r.Status {
	case model.StatusApproved:
		p.ColorID = colorApproved
		p.Transparency = model.TransparencyOpaque
	case model.StatusDenied:
		p.ColorID = colorDenied
		p.Transparency = model.TransparencyTransparent
	default:
		p.ColorID = colorPending
		p.Transparency = model.TransparencyTransparent
	}
	return p, nil
}

func (m *Mapper) title(r *model.VacationRequest) string {
	title := r.DisplayName
	if company := m.CompanyName(r.Company); company != "" {
		title = fmt.Sprintf("%s - %s", r.DisplayName, company)
	}
	switch {
	case !r.HalfDay:
	case r.HalfDaySegment == model.HalfDayNone:
		title += " (half day)"
	default:
		title += fmt.Sprintf(" (half day, %s)", r.HalfDaySegment)
	}
	return title
}

func (m *Mapper) description(r *model.VacationRequest) string {
	var b strings.Builder
	requester := r.DisplayName
	if r.RequesterEmail != "" {
		requester = fmt.Sprintf("%s <%s>", r.DisplayName, r.RequesterEmail)
	}
	fmt.Fprintf(&b, "Requester: %s\n", requester)
	if company := m.CompanyName(r.Company); company != "" {
		fmt.Fprintf(&b, "Company: %s\n", company)
	}
	if r.LeaveType != "" {
		fmt.Fprintf(&b, "Leave type: %s\n", r.LeaveType)
	}
	if r.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", r.Reason)
	}
	return strings.TrimRight(b.String(), "\n")
}

// FromEvent converts an externally authored event into a busy block with an
// inclusive date range. Events without dates, or whose exclusive end does
// not come after their start, are rejected.
func FromEvent(ev *model.CalendarEvent, calendarID, scope string) (model.ForeignBusyBlock, error) {
	if ev.Start.IsZero() || ev.End.IsZero() {
		return model.ForeignBusyBlock{}, fmt.Errorf("event %s has no dates: %w", ev.ID, model.ErrInvalidRange)
	}
	if !ev.End.After(ev.Start) {
		return model.ForeignBusyBlock{}, fmt.Errorf("event %s ends %s before it starts %s: %w",
			ev.ID, ev.End, ev.Start, model.ErrInvalidRange)
	}
	title := ev.Title
	if title == "" {
		title = "Busy"
	}
	return model.ForeignBusyBlock{
		EventID:    ev.ID,
		CalendarID: calendarID,
		Scope:      scope,
		Title:      title,
		StartDate:  ev.Start,
		EndDate:    ev.End.AddDays(-1),
	}, nil
}

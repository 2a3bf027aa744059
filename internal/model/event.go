package model

// Calendar event transparency values as understood by the provider.
const (
	TransparencyOpaque      = "opaque"
	TransparencyTransparent = "transparent"
)

// Private extended-property keys stamped on every event this system writes.
const (
	PropRequestID = "leavesyncRequestId"
	PropSource    = "leavesyncSource"
	SourceMarker  = "leavesync"
)

// EventPayload is the provider-neutral description of an all-day event the
// engine wants to exist on the target calendar.
type EventPayload struct {
	Title       string
	Description string

	// Start is inclusive, End is exclusive (the provider's all-day convention).
	Start Date
	End   Date

	ColorID      string
	Transparency string

	// Properties is written as private extended properties on the event.
	Properties map[string]string
}

// CalendarEvent is the engine's view of an event held by the provider.
type CalendarEvent struct {
	ID    string
	Title string

	// Start is inclusive, End is exclusive. Both are zero for events that
	// the provider returned without a usable date (e.g. deleted stubs).
	Start Date
	End   Date

	// Cancelled is set for events the provider reports as deleted.
	Cancelled bool

	// Updated is the provider's opaque last-changed marker.
	Updated string

	Properties map[string]string
}

// RequestID returns the vacation request id stamped on the event, or "" for
// events this system did not write.
func (e *CalendarEvent) RequestID() string {
	if e.Properties == nil || e.Properties[PropSource] != SourceMarker {
		return ""
	}
	return e.Properties[PropRequestID]
}

// SameRange reports whether the event spans exactly the payload's dates.
func (e *CalendarEvent) SameRange(p EventPayload) bool {
	return e.Start == p.Start && e.End == p.End
}

// GlobalScope is the scope of busy blocks imported without a company tag.
// Such blocks conflict with requests of every company.
const GlobalScope = ""

// ForeignBusyBlock is a busy period imported from the source calendar that
// does not correspond to any vacation request. It is only used for conflict
// display and is never promoted to a request.
type ForeignBusyBlock struct {
	EventID    string `json:"eventId"`
	CalendarID string `json:"calendarId"`
	Scope      string `json:"scope"`
	Title      string `json:"title"`

	// StartDate and EndDate are inclusive.
	StartDate Date `json:"startDate"`
	EndDate   Date `json:"endDate"`
}

// ConflictKind distinguishes what a Conflict collides with.
type ConflictKind string

const (
	ConflictRequest   ConflictKind = "request"
	ConflictBusyBlock ConflictKind = "external"
)

// Conflict describes an existing request or busy block overlapping a
// proposed date range.
type Conflict struct {
	Kind      ConflictKind `json:"kind"`
	ID        string       `json:"id"`
	StartDate Date         `json:"startDate"`
	EndDate   Date         `json:"endDate"`
	Status    Status       `json:"status,omitempty"`
	Requester string       `json:"requester"`
}

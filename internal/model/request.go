// Package model defines the types shared by the request store, the calendar
// provider adapter, the sync state tracker and the reconciliation engine.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the review state of a vacation request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
)

var statusSpellings = map[Status][]string{
	StatusApproved: {"approved", "approve", "accepted", "validated"},
	StatusDenied:   {"denied", "deny", "rejected", "refused", "declined"},
	StatusPending:  {"pending", "submitted", "new"},
}

// NormalizeStatus maps the spellings found in historical records onto the
// three canonical statuses. Unknown values are treated as pending so that an
// unrecognised record can never hold a calendar event.
func NormalizeStatus(raw string) Status {
	v := strings.ToLower(strings.TrimSpace(raw))
	for _, s := range []Status{StatusApproved, StatusDenied} {
		for _, spelling := range statusSpellings[s] {
			if v == spelling {
				return s
			}
		}
	}
	return StatusPending
}

// StatusSpellings returns the lower-case spellings that normalize to s.
// Pending also absorbs every unknown value, so its list is not exhaustive.
func StatusSpellings(s Status) []string {
	return append([]string(nil), statusSpellings[s]...)
}

// CanTransition reports whether a review may move a request from s to next.
// Only pending requests can be reviewed; approved and denied are terminal.
func (s Status) CanTransition(next Status) bool {
	return s == StatusPending && (next == StatusApproved || next == StatusDenied)
}

// HalfDaySegment identifies which half of the day a half-day request covers.
type HalfDaySegment string

const (
	HalfDayNone      HalfDaySegment = ""
	HalfDayMorning   HalfDaySegment = "morning"
	HalfDayAfternoon HalfDaySegment = "afternoon"
)

// NormalizeHalfDay maps stored half-day markers (including the "am"/"pm"
// shorthand) to a HalfDaySegment.
func NormalizeHalfDay(raw string) HalfDaySegment {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "morning", "am":
		return HalfDayMorning
	case "afternoon", "pm":
		return HalfDayAfternoon
	default:
		return HalfDayNone
	}
}

// Review holds the optional metadata written by the admin review flow.
type Review struct {
	ReviewerName  string    `json:"reviewerName,omitempty"`
	ReviewerEmail string    `json:"reviewerEmail,omitempty"`
	ReviewedAt    time.Time `json:"reviewedAt,omitempty"`
	Comment       string    `json:"comment,omitempty"`
}

// VacationRequest is a single leave record as held by the request store.
type VacationRequest struct {
	ID string `json:"id"`

	RequesterID    string `json:"requesterId,omitempty"`
	RequesterEmail string `json:"requesterEmail,omitempty"`
	DisplayName    string `json:"displayName"`

	// Company is the company/department tag used as the conflict scope.
	Company   string `json:"company"`
	LeaveType string `json:"leaveType,omitempty"`

	// StartDate and EndDate are inclusive.
	StartDate Date `json:"startDate"`
	EndDate   Date `json:"endDate"`

	HalfDay        bool           `json:"halfDay,omitempty"`
	HalfDaySegment HalfDaySegment `json:"halfDaySegment,omitempty"`

	Reason    string    `json:"reason,omitempty"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	Review    *Review   `json:"review,omitempty"`

	// ExternalEventID is the calendar provider's event id. It may only be
	// non-empty while Status is approved.
	ExternalEventID string    `json:"externalEventId,omitempty"`
	LastSyncedAt    time.Time `json:"lastSyncedAt,omitempty"`
}

// HasEventRef reports whether the request currently references an external
// calendar event.
func (r *VacationRequest) HasEventRef() bool {
	return r.ExternalEventID != ""
}

// ErrInvalidRange is returned when a request's dates cannot describe a leave.
var ErrInvalidRange = errors.New("invalid date range")

// ValidateRange checks the dates of the request: both dates set,
// start not after end, and a half-day request spanning a single day.
func (r *VacationRequest) ValidateRange() error {
	if r.StartDate.IsZero() || r.EndDate.IsZero() {
		return fmt.Errorf("request %s: missing start or end date: %w", r.ID, ErrInvalidRange)
	}
	if r.StartDate.After(r.EndDate) {
		return fmt.Errorf("request %s: start %s after end %s: %w", r.ID, r.StartDate, r.EndDate, ErrInvalidRange)
	}
	if r.HalfDay && r.StartDate != r.EndDate {
		return fmt.Errorf("request %s: half-day leave spans %s..%s: %w", r.ID, r.StartDate, r.EndDate, ErrInvalidRange)
	}
	return nil
}

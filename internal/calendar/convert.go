package calendar

import (
	"time"

	gcal "google.golang.org/api/calendar/v3"

	"github.com/njoerd114/leavesync/internal/model"
)

const statusCancelled = "cancelled"

// toGoogleEvent builds the Google Calendar representation of an all-day
// payload. End stays exclusive, which is what the API expects for all-day
// events.
func toGoogleEvent(p model.EventPayload) *gcal.Event {
	ev := &gcal.Event{
		Summary:      p.Title,
		Description:  p.Description,
		ColorId:      p.ColorID,
		Transparency: p.Transparency,
		Start:        &gcal.EventDateTime{Date: p.Start.String()},
		End:          &gcal.EventDateTime{Date: p.End.String()},
	}
	if len(p.Properties) > 0 {
		private := make(map[string]string, len(p.Properties))
		for k, v := range p.Properties {
			private[k] = v
		}
		ev.ExtendedProperties = &gcal.EventExtendedProperties{Private: private}
	}
	return ev
}

// fromGoogleEvent converts an API event into the engine's view. Timed events
// are widened to whole days: the start keeps its date, and the exclusive end
// moves to the following day unless the event ends exactly at midnight.
func fromGoogleEvent(ev *gcal.Event) model.CalendarEvent {
	out := model.CalendarEvent{
		ID:        ev.Id,
		Title:     ev.Summary,
		Cancelled: ev.Status == statusCancelled,
		Updated:   ev.Updated,
	}
	if ev.Start != nil {
		out.Start, _ = parseEventDate(ev.Start, false)
	}
	if ev.End != nil {
		out.End, _ = parseEventDate(ev.End, true)
	}
	if ev.ExtendedProperties != nil && len(ev.ExtendedProperties.Private) > 0 {
		out.Properties = make(map[string]string, len(ev.ExtendedProperties.Private))
		for k, v := range ev.ExtendedProperties.Private {
			out.Properties[k] = v
		}
	}
	return out
}

func parseEventDate(dt *gcal.EventDateTime, isEnd bool) (model.Date, bool) {
	if dt.Date != "" {
		d, err := model.ParseDate(dt.Date)
		return d, err == nil
	}
	if dt.DateTime == "" {
		return model.Date{}, false
	}
	t, err := time.Parse(time.RFC3339, dt.DateTime)
	if err != nil {
		return model.Date{}, false
	}
	d := model.DateOf(t)
	if isEnd && (t.Hour() != 0 || t.Minute() != 0 || t.Second() != 0) {
		d = d.AddDays(1)
	}
	return d, true
}

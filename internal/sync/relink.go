package sync

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/njoerd114/leavesync/internal/mapper"
	"github.com/njoerd114/leavesync/internal/model"
)

// Relinker adopts existing target-calendar events for approved requests that
// have no reference, so the next outbound sync does not create duplicates.
// This is needed after the request store is restored from a backup or the
// references are otherwise lost. It prints a summary and asks for
// confirmation before writing anything.
type Relinker struct {
	requests RequestStore
	cal      CalendarProvider
	mapper   *mapper.Mapper
	target   string
	log      *slog.Logger
	reader   io.Reader // for confirmation prompt (os.Stdin in production)
	writer   io.Writer // for summary output (os.Stdout in production)
}

// NewRelinker creates a Relinker. reader and writer control the
// confirmation prompt I/O.
func NewRelinker(requests RequestStore, cal CalendarProvider, m *mapper.Mapper, targetCalendar string, logger *slog.Logger, reader io.Reader, writer io.Writer) *Relinker {
	return &Relinker{
		requests: requests,
		cal:      cal,
		mapper:   m,
		target:   targetCalendar,
		log:      logger,
		reader:   reader,
		writer:   writer,
	}
}

// matchKind records how an event was matched to a request.
type matchKind string

const (
	matchMarker matchKind = "marker"
	matchTitle  matchKind = "title+dates"
)

type relinkMatch struct {
	req   *model.VacationRequest
	event *model.CalendarEvent
	kind  matchKind
}

// Run looks for unlinked approved requests and, if any can be matched to an
// event, links them after confirmation. Returns the number of requests
// linked.
func (l *Relinker) Run(ctx context.Context) (int, error) {
	approved, err := l.requests.ListByStatus(ctx, model.StatusApproved)
	if err != nil {
		return 0, fmt.Errorf("listing approved requests: %w", err)
	}
	var unlinked []*model.VacationRequest
	for _, r := range approved {
		if !r.HasEventRef() {
			unlinked = append(unlinked, r)
		}
	}
	if len(unlinked) == 0 {
		l.log.Debug("every approved request has an event reference, nothing to relink")
		_, _ = fmt.Fprintln(l.writer, "Nothing to relink.")
		return 0, nil
	}

	linked, err := l.requests.ListWithEventRef(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing linked requests: %w", err)
	}
	taken := make(map[string]bool, len(linked))
	for _, r := range linked {
		taken[r.ExternalEventID] = true
	}

	changes, err := l.cal.ListChangesSince(ctx, l.target, "")
	if err != nil {
		return 0, fmt.Errorf("listing target calendar: %w", err)
	}
	var events []*model.CalendarEvent
	for i := range changes.Events {
		ev := &changes.Events[i]
		if !ev.Cancelled && !taken[ev.ID] {
			events = append(events, ev)
		}
	}

	matches, unmatched := l.match(unlinked, events)
	l.printSummary(matches, unmatched)
	if len(matches) == 0 {
		return 0, nil
	}

	if !l.confirm() {
		l.log.Info("relink cancelled by user")
		return 0, nil
	}

	n := 0
	for _, m := range matches {
		if err := l.requests.SetExternalEventRef(ctx, m.req.ID, m.event.ID); err != nil {
			return n, fmt.Errorf("linking request %s: %w", m.req.ID, err)
		}
		n++
		l.log.Info("request relinked", "request_id", m.req.ID, "event_id", m.event.ID, "match", string(m.kind))
	}
	return n, nil
}

// match pairs requests with events: first by ownership marker, then by
// identical title and date range. Each event is used at most once.
func (l *Relinker) match(reqs []*model.VacationRequest, events []*model.CalendarEvent) ([]relinkMatch, []*model.VacationRequest) {
	used := make(map[string]bool)
	byMarker := make(map[string]*model.CalendarEvent)
	for _, ev := range events {
		if id := ev.RequestID(); id != "" {
			if _, dup := byMarker[id]; !dup {
				byMarker[id] = ev
			}
		}
	}

	var matches []relinkMatch
	var rest []*model.VacationRequest
	for _, r := range reqs {
		if ev, ok := byMarker[r.ID]; ok {
			used[ev.ID] = true
			matches = append(matches, relinkMatch{req: r, event: ev, kind: matchMarker})
			continue
		}
		rest = append(rest, r)
	}

	var unmatched []*model.VacationRequest
	for _, r := range rest {
		payload, err := l.mapper.ToEventPayload(r)
		if err != nil {
			l.log.Warn("cannot map request for relink", "request_id", r.ID, "error", err)
			unmatched = append(unmatched, r)
			continue
		}
		var found *model.CalendarEvent
		for _, ev := range events {
			if used[ev.ID] || ev.RequestID() != "" {
				continue
			}
			if strings.EqualFold(ev.Title, payload.Title) && ev.SameRange(payload) {
				found = ev
				break
			}
		}
		if found == nil {
			unmatched = append(unmatched, r)
			continue
		}
		used[found.ID] = true
		matches = append(matches, relinkMatch{req: r, event: found, kind: matchTitle})
	}
	return matches, unmatched
}

// printSummary writes a human-readable summary of the match results.
func (l *Relinker) printSummary(matches []relinkMatch, unmatched []*model.VacationRequest) {
	_, _ = fmt.Fprintf(l.writer, "\n--- Relink Summary ---\n\n")

	_, _ = fmt.Fprintf(l.writer, "Matched to existing events: %d\n", len(matches))
	for _, m := range matches {
		_, _ = fmt.Fprintf(l.writer, "  ✓ %s %s..%s → %s (%s)\n",
			m.req.DisplayName, m.req.StartDate, m.req.EndDate, m.event.ID, m.kind)
	}
	if len(unmatched) > 0 {
		_, _ = fmt.Fprintf(l.writer, "No event found (next sync will create one): %d\n", len(unmatched))
		for _, r := range unmatched {
			_, _ = fmt.Fprintf(l.writer, "  → %s %s..%s\n", r.DisplayName, r.StartDate, r.EndDate)
		}
	}
	_, _ = fmt.Fprintln(l.writer)
}

// confirm reads a y/n response from the reader.
func (l *Relinker) confirm() bool {
	_, _ = fmt.Fprintf(l.writer, "Link matched events? [y/N] ")
	scanner := bufio.NewScanner(l.reader)
	if scanner.Scan() {
		answer := strings.TrimSpace(strings.ToLower(scanner.Text()))
		return answer == "y" || answer == "yes"
	}
	return false
}

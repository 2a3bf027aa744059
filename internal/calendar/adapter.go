// Package calendar adapts the Google Calendar v3 API to the narrow provider
// contract the reconciliation engine needs: event create/get/update/delete
// and incremental change listing through sync tokens.
//
// Every call is bounded by a per-call timeout, guarded by a circuit breaker
// and retried with backoff when it fails transiently. Failures are reported
// through a small error taxonomy so callers can branch with errors.Is:
// [ErrNotFound] is an expected outcome, [ErrProviderUnavailable] is
// retryable, [ErrInvalidPayload] is not, and [ErrCursorExpired] asks the
// caller to fall back to a full listing.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/njoerd114/leavesync/internal/model"
)

var (
	// ErrNotFound reports that the event does not exist (or was deleted).
	ErrNotFound = errors.New("calendar event not found")

	// ErrProviderUnavailable covers network, auth, rate-limit and timeout
	// failures. It never implies the event is absent.
	ErrProviderUnavailable = errors.New("calendar provider unavailable")

	// ErrInvalidPayload reports that the provider rejected the event body.
	ErrInvalidPayload = errors.New("invalid event payload")

	// ErrCursorExpired reports that a sync token is no longer accepted.
	ErrCursorExpired = errors.New("sync cursor expired")

	// errGone is the provider's 410; its meaning depends on the operation.
	errGone = errors.New("gone")
)

const (
	defaultTimeout = 15 * time.Second
	listPageSize   = 250
)

// Options configures an [Adapter].
type Options struct {
	// Timeout bounds each individual API call, including each page of a
	// listing. Defaults to 15s.
	Timeout time.Duration

	// MaxAttempts is the number of tries for transient failures. Defaults to 3.
	MaxAttempts int
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	return o
}

// Changes is the result of a change listing.
type Changes struct {
	Events []model.CalendarEvent

	// NextCursor is the sync token to pass to the next incremental listing.
	NextCursor string
}

// Adapter implements the calendar provider contract on Google Calendar.
// Create one with [NewAdapter] or [NewAdapterWithService].
type Adapter struct {
	svc  *gcal.Service
	cb   *gobreaker.CircuitBreaker
	opts Options
	log  *slog.Logger
}

// NewAdapter creates an Adapter authenticated with the service-account JSON
// key at credentialsFile.
func NewAdapter(ctx context.Context, credentialsFile string, opts Options, logger *slog.Logger) (*Adapter, error) {
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("reading calendar credentials %q: %w", credentialsFile, err)
	}
	creds, err := google.CredentialsFromJSON(ctx, data, gcal.CalendarEventsScope)
	if err != nil {
		return nil, fmt.Errorf("parsing calendar credentials: %w", err)
	}
	svc, err := gcal.NewService(ctx, option.WithTokenSource(creds.TokenSource))
	if err != nil {
		return nil, fmt.Errorf("creating calendar service: %w", err)
	}
	return NewAdapterWithService(svc, opts, logger), nil
}

// NewAdapterWithService creates an Adapter around a caller-built service.
// Tests use it to point the client at an httptest server.
func NewAdapterWithService(svc *gcal.Service, opts Options, logger *slog.Logger) *Adapter {
	settings := gobreaker.Settings{
		Name:        "google-calendar",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Expected outcomes must not trip the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrProviderUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	}
	return &Adapter{
		svc:  svc,
		cb:   gobreaker.NewCircuitBreaker(settings),
		opts: opts.withDefaults(),
		log:  logger,
	}
}

// CreateEvent inserts an all-day event and returns its id.
func (a *Adapter) CreateEvent(ctx context.Context, calendarID string, p model.EventPayload) (string, error) {
	var created *gcal.Event
	err := a.call(ctx, func(ctx context.Context) error {
		var err error
		created, err = a.svc.Events.Insert(calendarID, toGoogleEvent(p)).
			SendUpdates("none").
			Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create event %q on %s: %w", p.Title, calendarID, goneAs(err, ErrInvalidPayload))
	}
	a.log.Debug("calendar event created", "calendar", calendarID, "event_id", created.Id)
	return created.Id, nil
}

// GetEvent fetches a single event. A missing event yields [ErrNotFound].
// Deleted events that the API still returns come back with Cancelled set.
func (a *Adapter) GetEvent(ctx context.Context, calendarID, eventID string) (*model.CalendarEvent, error) {
	var got *gcal.Event
	err := a.call(ctx, func(ctx context.Context) error {
		var err error
		got, err = a.svc.Events.Get(calendarID, eventID).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get event %s on %s: %w", eventID, calendarID, goneAs(err, ErrNotFound))
	}
	ev := fromGoogleEvent(got)
	return &ev, nil
}

// UpdateEvent replaces an existing event's content with p.
func (a *Adapter) UpdateEvent(ctx context.Context, calendarID, eventID string, p model.EventPayload) error {
	err := a.call(ctx, func(ctx context.Context) error {
		_, err := a.svc.Events.Update(calendarID, eventID, toGoogleEvent(p)).
			SendUpdates("none").
			Context(ctx).Do()
		return err
	})
	if err != nil {
		return fmt.Errorf("update event %s on %s: %w", eventID, calendarID, goneAs(err, ErrNotFound))
	}
	return nil
}

// DeleteEvent removes an event. Deleting an event that is already gone
// succeeds.
func (a *Adapter) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	err := a.call(ctx, func(ctx context.Context) error {
		return a.svc.Events.Delete(calendarID, eventID).SendUpdates("none").Context(ctx).Do()
	})
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, errGone) {
		return nil
	}
	return fmt.Errorf("delete event %s on %s: %w", eventID, calendarID, err)
}

// ListChangesSince lists events changed since cursor. An empty cursor
// performs a full listing. Either way every page is drained and the final
// page's sync token is returned as NextCursor. An expired cursor yields
// [ErrCursorExpired].
func (a *Adapter) ListChangesSince(ctx context.Context, calendarID, cursor string) (*Changes, error) {
	changes := &Changes{}
	pageToken := ""
	for {
		var resp *gcal.Events
		err := a.call(ctx, func(ctx context.Context) error {
			req := a.svc.Events.List(calendarID).
				SingleEvents(true).
				MaxResults(listPageSize).
				Context(ctx)
			if cursor != "" {
				req = req.SyncToken(cursor).ShowDeleted(true)
			}
			if pageToken != "" {
				req = req.PageToken(pageToken)
			}
			var err error
			resp, err = req.Do()
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("list changes on %s: %w", calendarID, goneAs(err, ErrCursorExpired))
		}

		for _, item := range resp.Items {
			changes.Events = append(changes.Events, fromGoogleEvent(item))
		}
		if resp.NextPageToken == "" {
			changes.NextCursor = resp.NextSyncToken
			break
		}
		pageToken = resp.NextPageToken
	}

	a.log.Debug("listed calendar changes",
		"calendar", calendarID,
		"incremental", cursor != "",
		"events", len(changes.Events),
	)
	return changes, nil
}

// call runs fn under the circuit breaker with a per-attempt timeout and
// retries transient failures. The returned error is classified.
func (a *Adapter) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	return Retry(ctx, a.opts.MaxAttempts, isRetryable, func() error {
		callCtx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
		defer cancel()

		_, err := a.cb.Execute(func() (interface{}, error) {
			return nil, classify(fn(callCtx))
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
		}
		return err
	})
}

func isRetryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}

// classify maps an API or transport error onto the adapter's taxonomy.
// Anything that is not a definite answer from the provider, including
// timeouts, counts as unavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		case http.StatusGone:
			return fmt.Errorf("%w: %w", errGone, err)
		case http.StatusBadRequest:
			return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
	}
	return fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
}

// goneAs resolves a 410 into the sentinel that fits the operation.
func goneAs(err, target error) error {
	if errors.Is(err, errGone) {
		return fmt.Errorf("%w: %w", target, err)
	}
	return err
}

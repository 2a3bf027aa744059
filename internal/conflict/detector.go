// Package conflict finds leave that overlaps a proposed date range within
// one company scope. Candidates are vacation requests from the request store
// and busy blocks imported from the source calendar.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/njoerd114/leavesync/internal/model"
)

// ErrInvalidRange is returned when the proposed start is after its end.
var ErrInvalidRange = errors.New("conflict query: start after end")

// RequestSource lists the requests of one company scope.
// Implemented by [store.RequestStore].
type RequestSource interface {
	ListByCompany(ctx context.Context, company string) ([]*model.VacationRequest, error)
}

// BusyBlockSource lists imported busy blocks of one scope.
// Implemented by [state.Store].
type BusyBlockSource interface {
	ListBusyBlocksByScope(ctx context.Context, scope string) ([]*model.ForeignBusyBlock, error)
}

// Detector answers overlap queries. It never mutates state.
type Detector struct {
	requests RequestSource
	blocks   BusyBlockSource
	log      *slog.Logger
}

// NewDetector creates a Detector. blocks may be nil, in which case only
// requests are considered.
func NewDetector(requests RequestSource, blocks BusyBlockSource, logger *slog.Logger) *Detector {
	return &Detector{requests: requests, blocks: blocks, log: logger}
}

// FindConflicts returns the requests and busy blocks of scope that overlap
// [start, end], both inclusive. Busy blocks imported without a scope count
// for every company. Denied requests and the request with id
// excludeID are ignored. Ranges touching on a single day overlap.
func (d *Detector) FindConflicts(ctx context.Context, scope string, start, end model.Date, excludeID string) ([]model.Conflict, error) {
	if start.After(end) {
		return nil, fmt.Errorf("%w: %s > %s", ErrInvalidRange, start, end)
	}

	reqs, err := d.requests.ListByCompany(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("finding conflicts in %q: %w", scope, err)
	}

	var out []model.Conflict
	for _, r := range reqs {
		if r.ID == excludeID || r.Status == model.StatusDenied {
			continue
		}
		if r.StartDate.IsZero() || r.EndDate.IsZero() {
			continue
		}
		if !model.Overlaps(r.StartDate, r.EndDate, start, end) {
			continue
		}
		out = append(out, model.Conflict{
			Kind:      model.ConflictRequest,
			ID:        r.ID,
			StartDate: r.StartDate,
			EndDate:   r.EndDate,
			Status:    r.Status,
			Requester: requesterOf(r),
		})
	}

	if d.blocks != nil {
		blocks, err := d.busyBlocks(ctx, scope)
		if err != nil {
			return nil, err
		}
		for _, b := range blocks {
			if !model.Overlaps(b.StartDate, b.EndDate, start, end) {
				continue
			}
			out = append(out, model.Conflict{
				Kind:      model.ConflictBusyBlock,
				ID:        b.EventID,
				StartDate: b.StartDate,
				EndDate:   b.EndDate,
				Requester: b.Title,
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartDate != out[j].StartDate {
			return out[i].StartDate.Before(out[j].StartDate)
		}
		return out[i].ID < out[j].ID
	})

	d.log.Debug("conflict query",
		"scope", scope,
		"start", start.String(),
		"end", end.String(),
		"conflicts", len(out),
	)
	return out, nil
}

// busyBlocks returns the blocks filed under scope plus the company-wide ones.
func (d *Detector) busyBlocks(ctx context.Context, scope string) ([]*model.ForeignBusyBlock, error) {
	blocks, err := d.blocks.ListBusyBlocksByScope(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("finding busy blocks in %q: %w", scope, err)
	}
	if scope == model.GlobalScope {
		return blocks, nil
	}
	global, err := d.blocks.ListBusyBlocksByScope(ctx, model.GlobalScope)
	if err != nil {
		return nil, fmt.Errorf("finding company-wide busy blocks: %w", err)
	}
	return append(blocks, global...), nil
}

func requesterOf(r *model.VacationRequest) string {
	if r.DisplayName != "" {
		return r.DisplayName
	}
	return r.RequesterEmail
}

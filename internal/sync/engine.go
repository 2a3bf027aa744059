package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/njoerd114/leavesync/internal/model"
)

const (
	otelScope       = "leavesync/sync"
	spanOutbound    = "sync.outbound"
	spanInbound     = "sync.inbound"
	metricCreated   = "leavesync.outbound.created"
	metricUpdated   = "leavesync.outbound.updated"
	metricRecreated = "leavesync.outbound.recreated"
	metricCleared   = "leavesync.outbound.cleared"
	metricFailed    = "leavesync.outbound.failed"
	metricInserted  = "leavesync.inbound.inserted"
	metricInUpdated = "leavesync.inbound.updated"
	metricDeleted   = "leavesync.inbound.deleted"
	metricResyncs   = "leavesync.inbound.resyncs"
)

// Status is the read-only operability view: the sync state row and the most
// recent log entries.
type Status struct {
	State *model.SyncState      `json:"state"`
	Logs  []*model.SyncLogEntry `json:"logs"`
}

// Engine exposes the reconciliation operations with tracing and metrics and
// runs them periodically. Create one with [NewEngine] and start it with
// [Engine.Run].
type Engine struct {
	reconciler     *Reconciler
	importer       *Importer
	conflicts      ConflictFinder
	tracker        StateTracker
	syncInterval   time.Duration
	importInterval time.Duration
	log            *slog.Logger

	// OTel instruments; always non-nil (no-op when telemetry is disabled).
	tracer       trace.Tracer
	cntCreated   metric.Int64Counter
	cntUpdated   metric.Int64Counter
	cntRecreated metric.Int64Counter
	cntCleared   metric.Int64Counter
	cntFailed    metric.Int64Counter
	cntInserted  metric.Int64Counter
	cntInUpdated metric.Int64Counter
	cntDeleted   metric.Int64Counter
	cntResyncs   metric.Int64Counter
}

// NewEngine creates an Engine. conflicts may be nil.
func NewEngine(reconciler *Reconciler, importer *Importer, conflicts ConflictFinder, tracker StateTracker, syncInterval, importInterval time.Duration, logger *slog.Logger) *Engine {
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Engine{
		reconciler:     reconciler,
		importer:       importer,
		conflicts:      conflicts,
		tracker:        tracker,
		syncInterval:   syncInterval,
		importInterval: importInterval,
		log:            logger,

		tracer:       tracer,
		cntCreated:   mustCounter(metricCreated, "Number of calendar events created for requests"),
		cntUpdated:   mustCounter(metricUpdated, "Number of calendar events updated in place"),
		cntRecreated: mustCounter(metricRecreated, "Number of vanished events recreated"),
		cntCleared:   mustCounter(metricCleared, "Number of events removed for non-approved requests"),
		cntFailed:    mustCounter(metricFailed, "Number of requests that failed to sync"),
		cntInserted:  mustCounter(metricInserted, "Number of busy blocks imported"),
		cntInUpdated: mustCounter(metricInUpdated, "Number of busy blocks updated"),
		cntDeleted:   mustCounter(metricDeleted, "Number of busy blocks or references removed by import"),
		cntResyncs:   mustCounter(metricResyncs, "Number of full resyncs after cursor expiry"),
	}
}

// SyncOne syncs a single request by id.
func (e *Engine) SyncOne(ctx context.Context, id string) Result {
	ctx, span := e.tracer.Start(ctx, spanOutbound, trace.WithAttributes(attribute.String("request.id", id)))
	defer span.End()

	res := e.reconciler.SyncOne(ctx, id)
	var batch BatchResult
	batch.add(res)
	e.recordOutbound(ctx, batch)

	span.SetAttributes(attribute.String("sync.outcome", string(res.Outcome)))
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Error)
	}
	return res
}

// SyncAll runs one outbound pass over all requests.
func (e *Engine) SyncAll(ctx context.Context) (BatchResult, error) {
	ctx, span := e.tracer.Start(ctx, spanOutbound)
	defer span.End()

	batch, err := e.reconciler.SyncAll(ctx)
	e.recordOutbound(ctx, batch)

	span.SetAttributes(
		attribute.Int("sync.synced", batch.Synced),
		attribute.Int("sync.skipped", batch.Skipped),
		attribute.Int("sync.failed", batch.Failed),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return batch, err
}

// ImportRemoteChanges runs one inbound pass.
func (e *Engine) ImportRemoteChanges(ctx context.Context) (ImportResult, error) {
	ctx, span := e.tracer.Start(ctx, spanInbound)
	defer span.End()

	res, err := e.importer.ImportRemoteChanges(ctx)
	if errors.Is(err, ErrImportInProgress) {
		span.SetAttributes(attribute.Bool("sync.skipped", true))
		return res, err
	}

	// Counters are safe to record even if the span is a no-op.
	if res.Inserted > 0 {
		e.cntInserted.Add(ctx, int64(res.Inserted))
	}
	if res.Updated > 0 {
		e.cntInUpdated.Add(ctx, int64(res.Updated))
	}
	if res.Deleted > 0 {
		e.cntDeleted.Add(ctx, int64(res.Deleted))
	}
	if res.Mode == model.ModeResync {
		e.cntResyncs.Add(ctx, 1)
	}

	span.SetAttributes(
		attribute.String("sync.mode", string(res.Mode)),
		attribute.String("sync.result", string(res.Result)),
		attribute.Int("sync.inserted", res.Inserted),
		attribute.Int("sync.updated", res.Updated),
		attribute.Int("sync.deleted", res.Deleted),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

// FindConflicts reports leave in scope overlapping [start, end].
func (e *Engine) FindConflicts(ctx context.Context, scope string, start, end model.Date, excludeID string) ([]model.Conflict, error) {
	if e.conflicts == nil {
		return nil, nil
	}
	return e.conflicts.FindConflicts(ctx, scope, start, end, excludeID)
}

// Status returns the sync state and up to limit recent log entries.
func (e *Engine) Status(ctx context.Context, limit int) (*Status, error) {
	st, err := e.tracker.GetSyncState(ctx)
	if err != nil {
		return nil, err
	}
	logs, err := e.tracker.RecentLogs(ctx, limit)
	if err != nil {
		return nil, err
	}
	if logs == nil {
		logs = []*model.SyncLogEntry{}
	}
	return &Status{State: st, Logs: logs}, nil
}

func (e *Engine) recordOutbound(ctx context.Context, b BatchResult) {
	if b.Created > 0 {
		e.cntCreated.Add(ctx, int64(b.Created))
	}
	if b.Updated > 0 {
		e.cntUpdated.Add(ctx, int64(b.Updated))
	}
	if b.Recreated > 0 {
		e.cntRecreated.Add(ctx, int64(b.Recreated))
	}
	if b.Cleared > 0 {
		e.cntCleared.Add(ctx, int64(b.Cleared))
	}
	if b.Failed > 0 {
		e.cntFailed.Add(ctx, int64(b.Failed))
	}
}

// Run starts the outbound and inbound loops. Both run once immediately and
// then on their own interval. It blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	syncTicker := time.NewTicker(e.syncInterval)
	defer syncTicker.Stop()
	importTicker := time.NewTicker(e.importInterval)
	defer importTicker.Stop()

	// Run an immediate first pass.
	e.runOutbound(ctx)
	e.runInbound(ctx)

	for {
		select {
		case <-ctx.Done():
			e.log.Info("sync engine shutting down")
			return ctx.Err()
		case <-syncTicker.C:
			e.runOutbound(ctx)
		case <-importTicker.C:
			e.runInbound(ctx)
		}
	}
}

func (e *Engine) runOutbound(ctx context.Context) {
	if _, err := e.SyncAll(ctx); err != nil && ctx.Err() == nil {
		e.log.Error("outbound sync failed", "error", err)
	}
}

func (e *Engine) runInbound(ctx context.Context) {
	_, err := e.ImportRemoteChanges(ctx)
	switch {
	case err == nil, ctx.Err() != nil:
	case errors.Is(err, ErrImportInProgress):
		e.log.Info("skipping scheduled import, another import is running")
	default:
		e.log.Error("inbound import failed", "error", err)
	}
}

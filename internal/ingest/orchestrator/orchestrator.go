// Package orchestrator drives one sync run per source: it sequences entity
// kinds through fetch, normalize, and upsert (phase 1), then reconciles
// pending relation edges (phase 2), aggregating partial failures into a
// run-level state.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"councilsync/internal/ingest/fetch"
	"councilsync/internal/ingest/metrics"
	"councilsync/internal/ingest/models"
	"councilsync/internal/ingest/normalize"
	"councilsync/internal/ingest/ports"
	"councilsync/internal/ingest/resolve"
)

// maxErrorSamples bounds the error list carried on a run; beyond this,
// failures are counted but not sampled.
const maxErrorSamples = 20

// fetcherFactory builds a fetcher per run so tests can substitute transport
// behavior without a live upstream.
type fetcherFactory func(models.Source) pageFetcher

type pageFetcher interface {
	Fetch(ctx context.Context, kind models.EntityKind, since *time.Time, emit func(json.RawMessage) error) (fetch.Stats, error)
}

// Orchestrator runs syncs against a store, resolver, and optional publisher.
type Orchestrator struct {
	store       ports.Store
	publisher   ports.Publisher
	metrics     *metrics.Metrics
	logger      *slog.Logger
	retry       fetch.RetryPolicy
	orphanAfter int
	clock       func() time.Time
	newFetcher  fetcherFactory
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPublisher emits change events after successful upserts.
func WithPublisher(p ports.Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithMetrics records run and fetch metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithRetryPolicy overrides the default page retry policy.
func WithRetryPolicy(p fetch.RetryPolicy) Option {
	return func(o *Orchestrator) { o.retry = p }
}

// WithOrphanAfter sets how many consecutive failed resolution attempts flag
// an edge orphaned.
func WithOrphanAfter(n int) Option {
	return func(o *Orchestrator) { o.orphanAfter = n }
}

// WithClock overrides run timestamps for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

// WithFetcherFactory substitutes fetcher construction, for tests.
func WithFetcherFactory(f fetcherFactory) Option {
	return func(o *Orchestrator) { o.newFetcher = f }
}

// New builds an Orchestrator.
func New(store ports.Store, logger *slog.Logger, opts ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	o := &Orchestrator{
		store:       store,
		logger:      logger,
		retry:       fetch.DefaultRetryPolicy(),
		orphanAfter: 5,
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.newFetcher == nil {
		o.newFetcher = func(src models.Source) pageFetcher {
			return fetch.New(src, o.retry, o.logger)
		}
	}
	return o, nil
}

// Run executes one sync for src, mutating and persisting run as it goes.
// The run row must already exist. Run always leaves the run in a terminal
// state; the returned error reports persistence problems only.
func (o *Orchestrator) Run(ctx context.Context, src models.Source, run *models.SyncRun) error {
	ctx, span := otel.Tracer("councilsync/orchestrator").Start(ctx, "sync.run",
		trace.WithAttributes(
			attribute.String("source", src.ID.String()),
			attribute.String("mode", string(run.Mode)),
		))
	defer span.End()

	started := o.clock()
	run.State = models.RunRunning
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("mark run running: %w", err)
	}

	// The candidate high-water mark is the run's fetch timestamp, taken
	// before any page is requested so nothing modified mid-run slips under
	// the next incremental window.
	fetchTS := started

	var since *time.Time
	if run.Mode == models.ModeIncremental {
		mark, err := o.store.Watermark(ctx, src.ID)
		if err != nil {
			return o.finish(ctx, src, run, started, fmt.Errorf("load watermark: %w", err))
		}
		since = mark
		run.WatermarkUsed = mark
	}

	fetcher := o.newFetcher(src)
	kindsOK, kindsFailed := 0, 0

	for _, kind := range models.KindOrder {
		if ctx.Err() != nil {
			break
		}
		if o.syncKind(ctx, fetcher, src, run, kind, since) {
			kindsOK++
		} else {
			kindsFailed++
		}
	}

	// Phase 2 runs once every kind has been attempted, so the reconciliation
	// pass sees the maximum set of freshly ingested targets.
	resolver := resolve.New(o.store, o.store, o.orphanAfter, o.logger)
	resStats, err := resolver.Run(ctx, src.ID)
	if err != nil && ctx.Err() == nil {
		o.recordError(run, "", "resolve", err.Error())
	}
	if o.metrics != nil {
		o.metrics.EdgesResolved.WithLabelValues(src.ID.String()).Add(float64(resStats.Resolved))
		o.metrics.EdgesOrphaned.WithLabelValues(src.ID.String()).Add(float64(resStats.Orphaned))
	}

	switch {
	case ctx.Err() != nil:
		// A cancelled run never advances the watermark; the next run
		// re-fetches the same window.
		run.State = models.RunFailed
	case kindsOK == 0:
		run.State = models.RunFailed
	case kindsFailed > 0:
		run.State = models.RunPartial
	default:
		run.State = models.RunSuccess
	}

	// The high-water mark advances only when the run reached at least
	// partial success.
	if run.State != models.RunFailed {
		if err := o.store.SetWatermark(ctx, src.ID, fetchTS); err != nil {
			return o.finish(ctx, src, run, started, fmt.Errorf("advance watermark: %w", err))
		}
		run.WatermarkProduced = &fetchTS
	}

	return o.finish(ctx, src, run, started, nil)
}

// syncKind fetches, normalizes, and upserts one entity kind. It reports
// whether the kind was processed without a kind-fatal failure.
func (o *Orchestrator) syncKind(ctx context.Context, fetcher pageFetcher, src models.Source, run *models.SyncRun, kind models.EntityKind, since *time.Time) bool {
	counters := run.CounterFor(kind)

	var records []*models.Record
	var edges []models.PendingEdge
	stats, fetchErr := fetcher.Fetch(ctx, kind, since, func(raw json.RawMessage) error {
		counters.Fetched++
		result, err := normalize.Normalize(src.ID, kind, raw)
		if err != nil {
			// Invalid entities are excluded from storage but never abort
			// the walk; the sample keeps the raw payload's id for triage.
			counters.Failed++
			o.recordError(run, kind, "validate", err.Error())
			return nil
		}
		records = append(records, result.Record)
		edges = append(edges, result.Edges...)
		return nil
	})

	if o.metrics != nil {
		o.metrics.EntitiesFetched.WithLabelValues(src.ID.String(), string(kind)).Add(float64(stats.Entities))
		o.metrics.FetchRetries.WithLabelValues(src.ID.String()).Add(float64(stats.Retries))
	}
	if stats.ParseFails > 0 {
		o.recordError(run, kind, "parse", fmt.Sprintf("%d malformed page(s) skipped", stats.ParseFails))
	}

	kindOK := true
	if fetchErr != nil && ctx.Err() == nil {
		kindOK = false
		o.recordError(run, kind, "fetch", fetchErr.Error())
		o.logger.WarnContext(ctx, "entity kind fetch failed",
			"source", src.ID,
			"kind", kind,
			"fatal", fetch.IsFatal(fetchErr),
			"error", fetchErr.Error(),
		)
	}

	// Whatever was fetched before a failure is still worth persisting.
	if len(records) > 0 {
		batch, err := o.store.UpsertBatch(ctx, src.ID, kind, records)
		if err != nil {
			counters.Failed += len(records)
			o.recordError(run, kind, "store", err.Error())
			return false
		}
		counters.Upserted += batch.Inserted + batch.Updated
		counters.Skipped += batch.Unchanged
		counters.Failed += batch.Failed
		for _, recErr := range batch.Errors {
			o.recordError(run, kind, "store", fmt.Sprintf("%s: %s", recErr.ExternalID, recErr.Message))
		}
		o.publishChanges(ctx, src, kind, batch)
	}
	if len(edges) > 0 {
		if err := o.store.SavePendingEdges(ctx, edges); err != nil {
			o.recordError(run, kind, "store", fmt.Sprintf("save edges: %v", err))
			return false
		}
	}

	// Persist counters incrementally so the status interface reflects
	// progress during long runs.
	if err := o.store.UpdateRun(ctx, run); err != nil {
		o.logger.WarnContext(ctx, "persist run progress failed", "run", run.ID, "error", err.Error())
	}
	return kindOK
}

func (o *Orchestrator) publishChanges(ctx context.Context, src models.Source, kind models.EntityKind, batch *models.BatchResult) {
	if o.publisher == nil {
		return
	}
	now := o.clock()
	for ext, outcome := range batch.Outcomes {
		if outcome == models.OutcomeUnchanged {
			continue
		}
		o.publisher.EntityChanged(ctx, models.ChangeEvent{
			Source:     src.ID,
			Kind:       kind,
			ExternalID: ext,
			Op:         outcome.String(),
			OccurredAt: now,
		})
	}
}

func (o *Orchestrator) recordError(run *models.SyncRun, kind models.EntityKind, stage, message string) {
	if len(run.Errors) >= maxErrorSamples {
		return
	}
	run.Errors = append(run.Errors, models.RunError{Kind: kind, Stage: stage, Message: message})
}

// finish stamps the terminal state and persists the run. A non-nil cause
// forces FAILED.
func (o *Orchestrator) finish(ctx context.Context, src models.Source, run *models.SyncRun, started time.Time, cause error) error {
	if cause != nil {
		run.State = models.RunFailed
		o.recordError(run, "", "run", cause.Error())
	}
	now := o.clock()
	run.FinishedAt = &now

	if o.metrics != nil {
		o.metrics.RunsTotal.WithLabelValues(src.ID.String(), string(run.State)).Inc()
		o.metrics.RunDuration.WithLabelValues(src.ID.String()).Observe(now.Sub(started).Seconds())
	}
	o.logger.InfoContext(ctx, "sync run finished",
		"source", src.ID,
		"run", run.ID,
		"mode", run.Mode,
		"state", run.State,
	)

	// Persist outside the (possibly cancelled) run context so terminal
	// state is never lost to shutdown.
	updateCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		updateCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := o.store.UpdateRun(updateCtx, run); err != nil {
		return fmt.Errorf("persist terminal run state: %w", err)
	}
	return cause
}

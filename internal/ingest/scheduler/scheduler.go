// Package scheduler runs syncs on a bounded worker pool. One active sync per
// source is enforced by a TTL lease; multiple sources run concurrently up to
// the pool limit.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"councilsync/internal/ingest/models"
	"councilsync/internal/ingest/orchestrator"
	"councilsync/internal/ingest/ports"
	id "councilsync/pkg/domain"
	dErrors "councilsync/pkg/domain-errors"
	"councilsync/pkg/platform/sentinel"
)

// Scheduler accepts sync triggers and dispatches them to workers.
type Scheduler struct {
	sources map[id.SourceID]models.Source
	orch    *orchestrator.Orchestrator
	runs    ports.RunStore
	lease   ports.Lease
	logger  *slog.Logger

	leaseTTL time.Duration
	sem      *semaphore.Weighted
	group    errgroup.Group

	baseCtx context.Context
	cancel  context.CancelFunc
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLeaseTTL sets the source lease time-to-live. Renewal happens at a
// third of the TTL.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(s *Scheduler) {
		if ttl > 0 {
			s.leaseTTL = ttl
		}
	}
}

// New builds a Scheduler over the configured sources with the given worker
// pool size.
func New(sources []models.Source, orch *orchestrator.Orchestrator, runs ports.RunStore, lease ports.Lease, workers int, logger *slog.Logger, opts ...Option) *Scheduler {
	if workers <= 0 {
		workers = 4
	}
	byID := make(map[id.SourceID]models.Source, len(sources))
	for _, src := range sources {
		byID[src.ID] = src
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		sources:  byID,
		orch:     orch,
		runs:     runs,
		lease:    lease,
		logger:   logger,
		leaseTTL: 2 * time.Minute,
		sem:      semaphore.NewWeighted(int64(workers)),
		baseCtx:  ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartSync creates a run for the source and queues it on the worker pool.
// Returns a conflict error while another sync holds the source lease.
func (s *Scheduler) StartSync(ctx context.Context, sourceID id.SourceID, mode models.Mode) (id.RunID, error) {
	src, ok := s.sources[sourceID]
	if !ok {
		return id.RunID{}, dErrors.New(dErrors.CodeNotFound, "unknown source")
	}
	if mode == "" {
		mode = src.DefaultMode
	}

	token, err := s.lease.Acquire(ctx, sourceID, s.leaseTTL)
	if err != nil {
		if errors.Is(err, sentinel.ErrLeaseHeld) {
			return id.RunID{}, dErrors.Wrap(err, dErrors.CodeConflict, "sync already running for source")
		}
		return id.RunID{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "acquire source lease")
	}

	run := &models.SyncRun{
		ID:        id.NewRunID(),
		Source:    sourceID,
		Mode:      mode,
		State:     models.RunPending,
		StartedAt: time.Now(),
	}
	if err := s.runs.CreateRun(ctx, run); err != nil {
		_ = s.lease.Release(ctx, sourceID, token)
		return id.RunID{}, dErrors.Wrap(err, dErrors.CodeInternal, "create sync run")
	}

	s.group.Go(func() error {
		s.work(src, run, token)
		return nil
	})
	return run.ID, nil
}

// work executes one queued run: it keeps the lease renewed from the moment
// the run is queued, waits for a pool slot, and always releases both. Renewal
// must cover the queue wait too, otherwise a run stuck behind a full pool
// outlives its lease and a second sync for the same source gets admitted.
func (s *Scheduler) work(src models.Source, run *models.SyncRun, token string) {
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.lease.Release(releaseCtx, src.ID, token)
	}()

	runCtx, cancelRun := context.WithCancel(s.baseCtx)
	defer cancelRun()
	go s.renewLoop(runCtx, src.ID, token, cancelRun)

	if err := s.sem.Acquire(runCtx, 1); err != nil {
		reason := "shutdown before run started"
		if s.baseCtx.Err() == nil {
			reason = "source lease lost before run started"
		}
		s.abandonRun(run, reason)
		return
	}
	defer s.sem.Release(1)

	if err := s.orch.Run(runCtx, src, run); err != nil {
		s.logger.ErrorContext(runCtx, "sync run error",
			"source", src.ID,
			"run", run.ID,
			"error", err.Error(),
		)
	}
}

// renewLoop extends the source lease until ctx ends. Transient renewal errors
// are retried on the next tick; the lease is only considered lost when the
// backend reports another holder, in which case the run is cancelled so it
// cannot proceed unguarded.
func (s *Scheduler) renewLoop(ctx context.Context, sourceID id.SourceID, token string, lost context.CancelFunc) {
	ticker := time.NewTicker(s.leaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.lease.Renew(ctx, sourceID, token, s.leaseTTL)
			switch {
			case err == nil:
			case errors.Is(err, sentinel.ErrLeaseHeld):
				s.logger.ErrorContext(ctx, "source lease lost, cancelling run",
					"source", sourceID,
				)
				lost()
				return
			default:
				s.logger.WarnContext(ctx, "lease renewal failed, retrying",
					"source", sourceID,
					"error", err.Error(),
				)
			}
		}
	}
}

// abandonRun marks a queued run failed when shutdown preempts it.
func (s *Scheduler) abandonRun(run *models.SyncRun, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	now := time.Now()
	run.State = models.RunFailed
	run.FinishedAt = &now
	run.Errors = append(run.Errors, models.RunError{Stage: "run", Message: reason})
	if err := s.runs.UpdateRun(ctx, run); err != nil {
		s.logger.WarnContext(ctx, "persist abandoned run failed", "run", run.ID, "error", err.Error())
	}
}

// RunStatus returns the stored state of a run.
func (s *Scheduler) RunStatus(ctx context.Context, runID id.RunID) (*models.SyncRun, error) {
	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "run not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load run")
	}
	return run, nil
}

// Sources lists the configured sources in stable order.
func (s *Scheduler) Sources() []models.Source {
	out := make([]models.Source, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close stops accepting work, cancels in-flight runs at their next
// checkpoint, and waits for workers to drain.
func (s *Scheduler) Close() {
	s.cancel()
	_ = s.group.Wait()
}

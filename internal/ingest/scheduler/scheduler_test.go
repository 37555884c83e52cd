package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"councilsync/internal/ingest/lease"
	"councilsync/internal/ingest/models"
	"councilsync/internal/ingest/orchestrator"
	"councilsync/internal/ingest/ports"
	"councilsync/internal/ingest/store"
	id "councilsync/pkg/domain"
	dErrors "councilsync/pkg/domain-errors"
	"councilsync/pkg/platform/sentinel"
)

// upstream is a minimal fake source endpoint. Every kind serves an empty
// listing except bodies, which serves one record and can be gated so a run
// stays in flight while the test observes concurrent behavior. With
// pagination enabled the same body appears on two pages.
type upstream struct {
	mu       sync.Mutex
	gate     chan struct{}
	paginate bool
}

func (u *upstream) block() chan struct{} {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.gate = make(chan struct{})
	return u.gate
}

func (u *upstream) paginateBodies() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.paginate = true
}

func (u *upstream) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bodies" {
			w.Write([]byte(`{"data": [], "links": {}}`))
			return
		}
		u.mu.Lock()
		gate, paginate := u.gate, u.paginate
		u.mu.Unlock()
		if gate != nil {
			<-gate
		}
		if paginate && r.URL.Query().Get("page") == "" {
			fmt.Fprintf(w, `{"data": [{"id": "b1", "name": "Stadt"}], "links": {"next": "http://%s/bodies?page=2"}}`, r.Host)
			return
		}
		w.Write([]byte(`{"data": [{"id": "b1", "name": "Stadt"}], "links": {}}`))
	}
}

// flakyLease wraps an inner lease and fails Renew with the injected error
// until the failure budget is spent.
type flakyLease struct {
	ports.Lease

	mu       sync.Mutex
	renewErr error
	failures int
}

func (l *flakyLease) Renew(ctx context.Context, source id.SourceID, token string, ttl time.Duration) error {
	l.mu.Lock()
	if l.failures > 0 {
		l.failures--
		err := l.renewErr
		l.mu.Unlock()
		return err
	}
	l.mu.Unlock()
	return l.Lease.Renew(ctx, source, token, ttl)
}

type SchedulerSuite struct {
	suite.Suite

	upstream  *upstream
	server    *httptest.Server
	store     *store.InMemory
	scheduler *Scheduler
	sourceID  id.SourceID
}

func TestSchedulerSuite(t *testing.T) {
	suite.Run(t, new(SchedulerSuite))
}

func (s *SchedulerSuite) SetupTest() {
	s.upstream = &upstream{}
	s.server = httptest.NewServer(s.upstream.handler())
	s.store = store.NewInMemory()
	s.sourceID = id.SourceID("wuppertal")
	s.scheduler = s.newScheduler(lease.NewInMemory())
}

// newScheduler builds a single-worker scheduler over the suite's store and
// upstream. The short lease TTL keeps renewal observable within a test.
func (s *SchedulerSuite) newScheduler(l ports.Lease) *Scheduler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orch, err := orchestrator.New(s.store, logger)
	s.Require().NoError(err)

	sources := []models.Source{
		{ID: s.sourceID, BaseURL: s.server.URL, DefaultMode: models.ModeFull},
		{ID: "solingen", BaseURL: s.server.URL, DefaultMode: models.ModeIncremental},
	}
	return New(sources, orch, s.store, l, 1, logger,
		WithLeaseTTL(150*time.Millisecond))
}

func (s *SchedulerSuite) TearDownTest() {
	s.scheduler.Close()
	s.server.Close()
}

func (s *SchedulerSuite) waitTerminal(runID id.RunID) *models.SyncRun {
	var run *models.SyncRun
	s.Require().Eventually(func() bool {
		got, err := s.store.GetRun(context.Background(), runID)
		if err != nil || !got.State.Terminal() {
			return false
		}
		run = got
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return run
}

func (s *SchedulerSuite) TestUnknownSource() {
	_, err := s.scheduler.StartSync(context.Background(), "nirgendwo", models.ModeFull)
	s.Require().Error(err)
	s.Equal(dErrors.CodeNotFound, dErrors.CodeOf(err))
}

func (s *SchedulerSuite) TestSyncRunsToCompletion() {
	runID, err := s.scheduler.StartSync(context.Background(), s.sourceID, models.ModeFull)
	s.Require().NoError(err)
	s.False(runID.IsNil())

	run := s.waitTerminal(runID)
	s.Equal(models.RunSuccess, run.State)
	s.Equal(1, run.CounterFor(models.KindBody).Upserted)
}

func (s *SchedulerSuite) TestEmptyModeFallsBackToSourceDefault() {
	runID, err := s.scheduler.StartSync(context.Background(), s.sourceID, "")
	s.Require().NoError(err)

	run := s.waitTerminal(runID)
	s.Equal(models.ModeFull, run.Mode)
}

func (s *SchedulerSuite) TestConcurrentTriggerIsRejected() {
	gate := s.upstream.block()

	runID, err := s.scheduler.StartSync(context.Background(), s.sourceID, models.ModeFull)
	s.Require().NoError(err)

	_, err = s.scheduler.StartSync(context.Background(), s.sourceID, models.ModeFull)
	s.Require().Error(err)
	s.Equal(dErrors.CodeConflict, dErrors.CodeOf(err))

	close(gate)
	s.waitTerminal(runID)

	s.Run("a finished run frees the source again", func() {
		s.Require().Eventually(func() bool {
			again, err := s.scheduler.StartSync(context.Background(), s.sourceID, models.ModeFull)
			if err != nil {
				return false
			}
			s.waitTerminal(again)
			return true
		}, 5*time.Second, 20*time.Millisecond, "lease release lags run completion slightly")
	})
}

func (s *SchedulerSuite) TestQueuedRunKeepsItsLease() {
	gate := s.upstream.block()

	first, err := s.scheduler.StartSync(context.Background(), s.sourceID, models.ModeFull)
	s.Require().NoError(err)
	queued, err := s.scheduler.StartSync(context.Background(), "solingen", models.ModeFull)
	s.Require().NoError(err)

	// The second run waits behind the single worker well past the lease TTL.
	time.Sleep(450 * time.Millisecond)

	_, err = s.scheduler.StartSync(context.Background(), "solingen", models.ModeFull)
	s.Require().Error(err, "a queued run must keep its lease alive while waiting for a worker")
	s.Equal(dErrors.CodeConflict, dErrors.CodeOf(err))

	close(gate)
	s.Equal(models.RunSuccess, s.waitTerminal(first).State)
	s.Equal(models.RunSuccess, s.waitTerminal(queued).State)
}

func (s *SchedulerSuite) TestTransientRenewalErrorIsRetried() {
	flaky := &flakyLease{
		Lease:    lease.NewInMemory(),
		renewErr: errors.New("connection refused"),
		failures: 1,
	}
	sched := s.newScheduler(flaky)
	defer sched.Close()

	gate := s.upstream.block()
	runID, err := sched.StartSync(context.Background(), s.sourceID, models.ModeFull)
	s.Require().NoError(err)

	// Several renewal ticks pass; one failed renew must not stop the loop.
	time.Sleep(450 * time.Millisecond)

	_, err = sched.StartSync(context.Background(), s.sourceID, models.ModeFull)
	s.Require().Error(err, "the lease must survive a transient renewal error")
	s.Equal(dErrors.CodeConflict, dErrors.CodeOf(err))

	close(gate)
	s.Equal(models.RunSuccess, s.waitTerminal(runID).State)
}

func (s *SchedulerSuite) TestLostLeaseCancelsTheRun() {
	flaky := &flakyLease{
		Lease:    lease.NewInMemory(),
		renewErr: sentinel.ErrLeaseHeld,
		failures: 1,
	}
	sched := s.newScheduler(flaky)
	defer sched.Close()

	gate := s.upstream.block()
	defer close(gate)

	runID, err := sched.StartSync(context.Background(), s.sourceID, models.ModeFull)
	s.Require().NoError(err)

	run := s.waitTerminal(runID)
	s.Equal(models.RunFailed, run.State, "a run whose lease was claimed elsewhere must not keep syncing")
}

func (s *SchedulerSuite) TestDuplicateAcrossPageBoundaryStoredOnce() {
	s.upstream.paginateBodies()

	runID, err := s.scheduler.StartSync(context.Background(), s.sourceID, models.ModeFull)
	s.Require().NoError(err)

	run := s.waitTerminal(runID)
	s.Require().Equal(models.RunSuccess, run.State)

	counters := run.CounterFor(models.KindBody)
	s.Equal(2, counters.Fetched)
	s.Equal(1, counters.Upserted)
	s.Equal(1, counters.Skipped)

	_, err = s.store.FindByExternalID(context.Background(), s.sourceID, "b1")
	s.NoError(err, "both page occurrences collapse onto one stored body")
}

func (s *SchedulerSuite) TestDistinctSourcesQueueOnThePool() {
	// One worker: the second source waits for a slot but both complete.
	first, err := s.scheduler.StartSync(context.Background(), s.sourceID, models.ModeFull)
	s.Require().NoError(err)
	second, err := s.scheduler.StartSync(context.Background(), "solingen", models.ModeFull)
	s.Require().NoError(err)

	s.Equal(models.RunSuccess, s.waitTerminal(first).State)
	s.Equal(models.RunSuccess, s.waitTerminal(second).State)
}

func (s *SchedulerSuite) TestSourcesAreStable() {
	sources := s.scheduler.Sources()
	s.Require().Len(sources, 2)
	s.Equal(id.SourceID("solingen"), sources[0].ID)
	s.Equal(s.sourceID, sources[1].ID)
}

//go:build integration

package store_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"councilsync/internal/ingest/models"
	"councilsync/internal/ingest/store"
	id "councilsync/pkg/domain"
	"councilsync/pkg/platform/sentinel"
	"councilsync/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.Postgres
	source   id.SourceID
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.NewPostgresContainer(s.T())
	s.store = store.NewPostgres(s.postgres.DB)
	s.Require().NoError(s.store.EnsureSchema(context.Background()))
	s.source = id.SourceID("aachen")
}

func (s *PostgresStoreSuite) SetupTest() {
	err := s.postgres.TruncateTables(context.Background(),
		"entities", "pending_edges", "relations", "sync_runs", "sync_watermarks")
	s.Require().NoError(err)
}

func record(ext, hash string) *models.Record {
	return &models.Record{
		ExternalID:  id.ExternalID(ext),
		Name:        "record " + ext,
		Payload:     json.RawMessage(`{"id": "` + ext + `"}`),
		ContentHash: hash,
	}
}

func (s *PostgresStoreSuite) TestUpsertOutcomes() {
	ctx := context.Background()

	first, err := s.store.UpsertBatch(ctx, s.source, models.KindPaper, []*models.Record{
		record("p1", "aaa"),
		record("p2", "bbb"),
	})
	s.Require().NoError(err)
	s.Equal(2, first.Inserted)
	s.Equal(models.OutcomeInserted, first.Outcomes["p1"])

	s.Run("identical hash is reported unchanged", func() {
		res, err := s.store.UpsertBatch(ctx, s.source, models.KindPaper, []*models.Record{
			record("p1", "aaa"),
		})
		s.Require().NoError(err)
		s.Equal(1, res.Unchanged)
		s.Equal(first.InternalIDs["p1"], res.InternalIDs["p1"])
	})

	s.Run("changed hash is reported updated and keeps the internal id", func() {
		rec := record("p2", "ccc")
		rec.Name = "renamed"
		res, err := s.store.UpsertBatch(ctx, s.source, models.KindPaper, []*models.Record{rec})
		s.Require().NoError(err)
		s.Equal(1, res.Updated)
		s.Equal(first.InternalIDs["p2"], res.InternalIDs["p2"])
	})
}

func (s *PostgresStoreSuite) TestBatchIsolatesRecordFailures() {
	ctx := context.Background()

	// A null payload violates the NOT NULL constraint; only that record is
	// rolled back to its savepoint.
	bad := record("p-bad", "xxx")
	bad.Payload = nil

	res, err := s.store.UpsertBatch(ctx, s.source, models.KindPaper, []*models.Record{
		record("p1", "aaa"),
		bad,
		record("p2", "bbb"),
	})
	s.Require().NoError(err)
	s.Equal(2, res.Inserted)
	s.Equal(1, res.Failed)
	s.Require().Len(res.Errors, 1)
	s.Equal(id.ExternalID("p-bad"), res.Errors[0].ExternalID)

	_, err = s.store.FindByExternalID(ctx, s.source, "p1")
	s.NoError(err)
	_, err = s.store.FindByExternalID(ctx, s.source, "p-bad")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestConcurrentUpsertSameKey() {
	ctx := context.Background()
	const goroutines = 20

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			hash := "hash-a"
			if idx%2 == 1 {
				hash = "hash-b"
			}
			if _, err := s.store.UpsertBatch(ctx, s.source, models.KindBody, []*models.Record{
				record("b1", hash),
			}); err != nil {
				failures.Add(1)
			}
		}(i)
	}
	wg.Wait()

	s.Equal(int32(0), failures.Load(), "concurrent upserts on one key all succeed")

	internalID, err := s.store.FindByExternalID(ctx, s.source, "b1")
	s.Require().NoError(err)
	s.NotEqual(uuid.Nil, internalID)
}

func (s *PostgresStoreSuite) TestEdgeLifecycle() {
	ctx := context.Background()
	edge := models.PendingEdge{
		Source:    s.source,
		Kind:      models.RelConsultationPaper,
		FromExtID: "c1",
		ToExtID:   "p1",
	}
	s.Require().NoError(s.store.SavePendingEdges(ctx, []models.PendingEdge{edge, edge}))

	listed, err := s.store.ListPendingEdges(ctx, s.source)
	s.Require().NoError(err)
	s.Require().Len(listed, 1, "conflicting edge insert is a no-op")

	s.Run("failures accumulate until the orphan threshold", func() {
		for i := 0; i < 3; i++ {
			s.Require().NoError(s.store.RecordEdgeFailure(ctx, edge, 3))
		}
		listed, err := s.store.ListPendingEdges(ctx, s.source)
		s.Require().NoError(err)
		s.Empty(listed, "orphaned edges drop out of the pending listing")
	})

	s.Run("resolution is transactional", func() {
		other := models.PendingEdge{
			Source:    s.source,
			Kind:      models.RelMeetingOrganization,
			FromExtID: "m1",
			ToExtID:   "o1",
		}
		s.Require().NoError(s.store.SavePendingEdges(ctx, []models.PendingEdge{other}))
		s.Require().NoError(s.store.ResolveEdge(ctx, other, uuid.New(), uuid.New()))

		listed, err := s.store.ListPendingEdges(ctx, s.source)
		s.Require().NoError(err)
		s.Empty(listed)

		var count int
		err = s.postgres.DB.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM relations WHERE source = $1", s.source.String()).Scan(&count)
		s.Require().NoError(err)
		s.Equal(1, count)
	})
}

func (s *PostgresStoreSuite) TestRunRoundTrip() {
	ctx := context.Background()
	used := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	run := &models.SyncRun{
		ID:            id.NewRunID(),
		Source:        s.source,
		Mode:          models.ModeIncremental,
		State:         models.RunPending,
		WatermarkUsed: &used,
		StartedAt:     time.Now().UTC().Truncate(time.Millisecond),
	}
	s.Require().NoError(s.store.CreateRun(ctx, run))

	run.State = models.RunPartial
	run.CounterFor(models.KindMeeting).Fetched = 31
	run.CounterFor(models.KindMeeting).Upserted = 7
	run.Errors = append(run.Errors, models.RunError{Kind: models.KindFile, Stage: "fetch", Message: "status 502"})
	finished := time.Now().UTC().Truncate(time.Millisecond)
	run.FinishedAt = &finished
	s.Require().NoError(s.store.UpdateRun(ctx, run))

	got, err := s.store.GetRun(ctx, run.ID)
	s.Require().NoError(err)
	s.Equal(models.RunPartial, got.State)
	s.Equal(models.ModeIncremental, got.Mode)
	s.Equal(31, got.CounterFor(models.KindMeeting).Fetched)
	s.Require().Len(got.Errors, 1)
	s.Equal("fetch", got.Errors[0].Stage)
	s.Require().NotNil(got.WatermarkUsed)
	s.True(got.WatermarkUsed.Equal(used))
	s.Require().NotNil(got.FinishedAt)

	s.Run("unknown ids map to sentinel errors", func() {
		_, err := s.store.GetRun(ctx, id.NewRunID())
		s.ErrorIs(err, sentinel.ErrNotFound)
		s.ErrorIs(s.store.UpdateRun(ctx, &models.SyncRun{ID: id.NewRunID()}), sentinel.ErrNotFound)
	})
}

func (s *PostgresStoreSuite) TestWatermark() {
	ctx := context.Background()

	mark, err := s.store.Watermark(ctx, s.source)
	s.Require().NoError(err)
	s.Nil(mark)

	first := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	s.Require().NoError(s.store.SetWatermark(ctx, s.source, first))
	second := first.Add(24 * time.Hour)
	s.Require().NoError(s.store.SetWatermark(ctx, s.source, second))

	mark, err = s.store.Watermark(ctx, s.source)
	s.Require().NoError(err)
	s.Require().NotNil(mark)
	s.True(mark.Equal(second))
}

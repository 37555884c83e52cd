// Package store provides the storage/upsert layer: an in-memory
// implementation for unit tests and a PostgreSQL implementation for
// production. Both satisfy ports.Store.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"councilsync/internal/ingest/models"
	id "councilsync/pkg/domain"
	"councilsync/pkg/platform/sentinel"
)

type entityKey struct {
	source id.SourceID
	ext    id.ExternalID
}

type edgeKey struct {
	source  id.SourceID
	kind    models.RelationKind
	fromExt id.ExternalID
	toExt   id.ExternalID
}

// InMemory is a map-backed store. It mirrors the Postgres implementation's
// semantics so orchestrator and resolver tests run without a database.
type InMemory struct {
	mu        sync.RWMutex
	entities  map[entityKey]*models.Record
	pending   map[edgeKey]*models.PendingEdge
	relations []models.Relation
	runs      map[id.RunID]*models.SyncRun
	marks     map[id.SourceID]time.Time

	clock func() time.Time
}

// NewInMemory builds an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{
		entities: make(map[entityKey]*models.Record),
		pending:  make(map[edgeKey]*models.PendingEdge),
		runs:     make(map[id.RunID]*models.SyncRun),
		marks:    make(map[id.SourceID]time.Time),
		clock:    time.Now,
	}
}

// WithClock overrides the store clock for deterministic tests.
func (s *InMemory) WithClock(clock func() time.Time) *InMemory {
	s.clock = clock
	return s
}

func (s *InMemory) UpsertBatch(_ context.Context, source id.SourceID, kind models.EntityKind, recs []*models.Record) (*models.BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := &models.BatchResult{
		InternalIDs: make(map[id.ExternalID]uuid.UUID),
		Outcomes:    make(map[id.ExternalID]models.UpsertOutcome),
	}
	now := s.clock()
	for _, rec := range recs {
		if rec.ExternalID.IsEmpty() {
			res.Failed++
			res.Errors = append(res.Errors, models.RecordError{Message: "missing external id"})
			continue
		}
		key := entityKey{source: source, ext: rec.ExternalID}
		existing, ok := s.entities[key]
		switch {
		case !ok:
			stored := *rec
			stored.ID = uuid.New()
			stored.Source = source
			stored.Kind = kind
			stored.CreatedAt = now
			stored.LastSyncedAt = now
			s.entities[key] = &stored
			res.Inserted++
			res.InternalIDs[rec.ExternalID] = stored.ID
			res.Outcomes[rec.ExternalID] = models.OutcomeInserted
		case existing.ContentHash == rec.ContentHash:
			existing.LastSyncedAt = now
			res.Unchanged++
			res.InternalIDs[rec.ExternalID] = existing.ID
			res.Outcomes[rec.ExternalID] = models.OutcomeUnchanged
		default:
			updated := *rec
			updated.ID = existing.ID
			updated.Source = source
			updated.Kind = kind
			updated.CreatedAt = existing.CreatedAt
			updated.LastSyncedAt = now
			s.entities[key] = &updated
			res.Updated++
			res.InternalIDs[rec.ExternalID] = existing.ID
			res.Outcomes[rec.ExternalID] = models.OutcomeUpdated
		}
	}
	return res, nil
}

func (s *InMemory) FindByExternalID(_ context.Context, source id.SourceID, ext id.ExternalID) (uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.entities[entityKey{source: source, ext: ext}]
	if !ok {
		return uuid.Nil, sentinel.ErrNotFound
	}
	return rec.ID, nil
}

// GetEntity returns a copy of the stored record, for tests and diagnostics.
func (s *InMemory) GetEntity(_ context.Context, source id.SourceID, ext id.ExternalID) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.entities[entityKey{source: source, ext: ext}]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *InMemory) SavePendingEdges(_ context.Context, edges []models.PendingEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	for _, edge := range edges {
		key := edgeKey{source: edge.Source, kind: edge.Kind, fromExt: edge.FromExtID, toExt: edge.ToExtID}
		if _, ok := s.pending[key]; ok {
			continue
		}
		stored := edge
		stored.FirstSeen = now
		s.pending[key] = &stored
	}
	return nil
}

func (s *InMemory) ListPendingEdges(_ context.Context, source id.SourceID) ([]models.PendingEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.PendingEdge
	for _, edge := range s.pending {
		if edge.Source == source && !edge.Orphaned {
			out = append(out, *edge)
		}
	}
	return out, nil
}

func (s *InMemory) ResolveEdge(_ context.Context, edge models.PendingEdge, fromID, toID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pending, edgeKey{source: edge.Source, kind: edge.Kind, fromExt: edge.FromExtID, toExt: edge.ToExtID})
	s.relations = append(s.relations, models.Relation{
		Source: edge.Source,
		Kind:   edge.Kind,
		FromID: fromID,
		ToID:   toID,
	})
	return nil
}

func (s *InMemory) RecordEdgeFailure(_ context.Context, edge models.PendingEdge, orphanAfter int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := edgeKey{source: edge.Source, kind: edge.Kind, fromExt: edge.FromExtID, toExt: edge.ToExtID}
	stored, ok := s.pending[key]
	if !ok {
		return sentinel.ErrNotFound
	}
	stored.Attempts++
	stored.LastTried = s.clock()
	if orphanAfter > 0 && stored.Attempts >= orphanAfter {
		stored.Orphaned = true
	}
	return nil
}

// Relations returns a copy of all resolved relations, for tests.
func (s *InMemory) Relations() []models.Relation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Relation(nil), s.relations...)
}

// OrphanedEdges returns edges flagged orphaned, for diagnostics.
func (s *InMemory) OrphanedEdges(source id.SourceID) []models.PendingEdge {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.PendingEdge
	for _, edge := range s.pending {
		if edge.Source == source && edge.Orphaned {
			out = append(out, *edge)
		}
	}
	return out
}

func (s *InMemory) CreateRun(_ context.Context, run *models.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; ok {
		return sentinel.ErrConflict
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *InMemory) UpdateRun(_ context.Context, run *models.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; !ok {
		return sentinel.ErrNotFound
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *InMemory) GetRun(_ context.Context, runID id.RunID) (*models.SyncRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return cloneRun(run), nil
}

func (s *InMemory) Watermark(_ context.Context, source id.SourceID) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mark, ok := s.marks[source]
	if !ok {
		return nil, nil
	}
	return &mark, nil
}

func (s *InMemory) SetWatermark(_ context.Context, source id.SourceID, mark time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.marks[source] = mark
	return nil
}

func cloneRun(run *models.SyncRun) *models.SyncRun {
	cp := *run
	cp.Counters = make(map[models.EntityKind]*models.KindCounters, len(run.Counters))
	for kind, c := range run.Counters {
		cc := *c
		cp.Counters[kind] = &cc
	}
	cp.Errors = append([]models.RunError(nil), run.Errors...)
	return &cp
}

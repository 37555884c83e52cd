// Package ports declares the interfaces the orchestrator and handlers
// consume. Implementations live in store, lease, and events.
package ports

import (
	"context"
	"time"

	"github.com/google/uuid"

	"councilsync/internal/ingest/models"
	id "councilsync/pkg/domain"
)

// EntityStore persists canonical entity records, keyed by
// (source, external id).
type EntityStore interface {
	// UpsertBatch idempotently persists one kind's records within a single
	// transaction scope. Record-level failures are reported in the result
	// and do not abort the batch.
	UpsertBatch(ctx context.Context, source id.SourceID, kind models.EntityKind, recs []*models.Record) (*models.BatchResult, error)

	// FindByExternalID returns the surrogate id for an ingested entity, or
	// sentinel.ErrNotFound.
	FindByExternalID(ctx context.Context, source id.SourceID, ext id.ExternalID) (uuid.UUID, error)

	// Watermark returns the source's high-water mark, nil when the source
	// has never completed a run.
	Watermark(ctx context.Context, source id.SourceID) (*time.Time, error)
	SetWatermark(ctx context.Context, source id.SourceID, mark time.Time) error
}

// EdgeStore persists pending edges and resolved relations. An edge is never
// silently dropped: it is resolved, kept pending with a bumped attempt
// count, or flagged orphaned.
type EdgeStore interface {
	SavePendingEdges(ctx context.Context, edges []models.PendingEdge) error
	ListPendingEdges(ctx context.Context, source id.SourceID) ([]models.PendingEdge, error)

	// ResolveEdge commits the edge as a relation between two internal ids
	// and removes it from the pending set.
	ResolveEdge(ctx context.Context, edge models.PendingEdge, fromID, toID uuid.UUID) error

	// RecordEdgeFailure increments the edge's attempt counter, flagging it
	// orphaned once attempts reach orphanAfter.
	RecordEdgeFailure(ctx context.Context, edge models.PendingEdge, orphanAfter int) error
}

// RunStore persists sync-run state and counters for the status interface.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.SyncRun) error
	UpdateRun(ctx context.Context, run *models.SyncRun) error
	GetRun(ctx context.Context, runID id.RunID) (*models.SyncRun, error)
}

// Store is the full storage surface a backend implements.
type Store interface {
	EntityStore
	EdgeStore
	RunStore
}

// Lease guards a source against concurrent syncs across orchestrator
// instances. Acquire returns sentinel.ErrLeaseHeld while another holder's
// lease is live; an expired lease is reclaimable.
type Lease interface {
	Acquire(ctx context.Context, source id.SourceID, ttl time.Duration) (token string, err error)
	Renew(ctx context.Context, source id.SourceID, token string, ttl time.Duration) error
	Release(ctx context.Context, source id.SourceID, token string) error
}

// Publisher emits change events for downstream consumers. Implementations
// must tolerate being absent; callers check for nil.
type Publisher interface {
	EntityChanged(ctx context.Context, event models.ChangeEvent)
	Close()
}

// Package resolve implements the phase-2 reconciliation pass: pending edges
// recorded during ingestion are linked to internal ids once their targets
// exist.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"councilsync/internal/ingest/models"
	"councilsync/internal/ingest/ports"
	id "councilsync/pkg/domain"
	"councilsync/pkg/platform/sentinel"
)

// Stats reports what one resolution pass did.
type Stats struct {
	Resolved int
	Pending  int
	Orphaned int
}

// Resolver resolves pending edges against the entity store.
type Resolver struct {
	entities ports.EntityStore
	edges    ports.EdgeStore
	logger   *slog.Logger

	// orphanAfter is the number of consecutive failed resolution attempts
	// after which an edge is flagged orphaned.
	orphanAfter int
}

// New builds a Resolver. orphanAfter <= 0 disables orphan flagging.
func New(entities ports.EntityStore, edges ports.EdgeStore, orphanAfter int, logger *slog.Logger) *Resolver {
	return &Resolver{
		entities:    entities,
		edges:       edges,
		orphanAfter: orphanAfter,
		logger:      logger,
	}
}

// Run resolves every pending edge for the source. Resolution failures are
// never fatal: an unresolved edge stays pending with a bumped attempt count
// and is flagged orphaned once it exceeds the configured threshold.
func (r *Resolver) Run(ctx context.Context, source id.SourceID) (Stats, error) {
	var stats Stats

	pending, err := r.edges.ListPendingEdges(ctx, source)
	if err != nil {
		return stats, fmt.Errorf("list pending edges: %w", err)
	}

	for _, edge := range pending {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		fromID, toID, lookupErr := r.lookup(ctx, edge)
		if lookupErr != nil {
			if !errors.Is(lookupErr, sentinel.ErrNotFound) {
				return stats, fmt.Errorf("resolve edge lookup: %w", lookupErr)
			}
			if err := r.edges.RecordEdgeFailure(ctx, edge, r.orphanAfter); err != nil {
				return stats, fmt.Errorf("record edge failure: %w", err)
			}
			if r.orphanAfter > 0 && edge.Attempts+1 >= r.orphanAfter {
				stats.Orphaned++
				r.logger.WarnContext(ctx, "edge orphaned",
					"source", source,
					"relation", edge.Kind,
					"from", edge.FromExtID,
					"to", edge.ToExtID,
					"attempts", edge.Attempts+1,
				)
			} else {
				stats.Pending++
			}
			continue
		}
		if err := r.edges.ResolveEdge(ctx, edge, fromID, toID); err != nil {
			return stats, fmt.Errorf("commit resolved edge: %w", err)
		}
		stats.Resolved++
	}
	return stats, nil
}

func (r *Resolver) lookup(ctx context.Context, edge models.PendingEdge) (fromID, toID uuid.UUID, err error) {
	fromID, err = r.entities.FindByExternalID(ctx, edge.Source, edge.FromExtID)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	toID, err = r.entities.FindByExternalID(ctx, edge.Source, edge.ToExtID)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return fromID, toID, nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"councilsync/internal/ingest/models"
	id "councilsync/pkg/domain"
	"councilsync/pkg/platform/sentinel"
)

// Postgres persists entities, edges, relations, and runs in PostgreSQL.
type Postgres struct {
	db    *sql.DB
	clock func() time.Time
}

// PostgresOption configures a Postgres store.
type PostgresOption func(*Postgres)

// WithPostgresClock sets the clock function for testability.
func WithPostgresClock(clock func() time.Time) PostgresOption {
	return func(p *Postgres) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// NewPostgres constructs a PostgreSQL-backed store.
func NewPostgres(db *sql.DB, opts ...PostgresOption) *Postgres {
	p := &Postgres{db: db, clock: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// EnsureSchema creates the engine's tables when missing. Deployments that
// manage migrations externally can skip this.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS entities (
			id UUID PRIMARY KEY,
			source TEXT NOT NULL,
			kind TEXT NOT NULL,
			external_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			reference TEXT NOT NULL DEFAULT '',
			web_url TEXT NOT NULL DEFAULT '',
			start_at TIMESTAMPTZ,
			end_at TIMESTAMPTZ,
			cancelled BOOLEAN NOT NULL DEFAULT FALSE,
			deleted BOOLEAN NOT NULL DEFAULT FALSE,
			source_created TIMESTAMPTZ,
			source_modified TIMESTAMPTZ,
			payload JSONB NOT NULL,
			content_hash TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			last_synced_at TIMESTAMPTZ NOT NULL,
			UNIQUE (source, external_id)
		)`,
		`CREATE INDEX IF NOT EXISTS entities_kind_synced_idx ON entities (source, kind, last_synced_at)`,
		`CREATE TABLE IF NOT EXISTS pending_edges (
			source TEXT NOT NULL,
			rel_kind TEXT NOT NULL,
			from_external_id TEXT NOT NULL,
			to_external_id TEXT NOT NULL,
			attempts INT NOT NULL DEFAULT 0,
			orphaned BOOLEAN NOT NULL DEFAULT FALSE,
			first_seen TIMESTAMPTZ NOT NULL,
			last_tried TIMESTAMPTZ,
			PRIMARY KEY (source, rel_kind, from_external_id, to_external_id)
		)`,
		`CREATE TABLE IF NOT EXISTS relations (
			source TEXT NOT NULL,
			rel_kind TEXT NOT NULL,
			from_id UUID NOT NULL,
			to_id UUID NOT NULL,
			PRIMARY KEY (source, rel_kind, from_id, to_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_runs (
			id UUID PRIMARY KEY,
			source TEXT NOT NULL,
			mode TEXT NOT NULL,
			state TEXT NOT NULL,
			counters JSONB NOT NULL DEFAULT '{}',
			errors JSONB NOT NULL DEFAULT '[]',
			watermark_used TIMESTAMPTZ,
			watermark_produced TIMESTAMPTZ,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS sync_watermarks (
			source TEXT PRIMARY KEY,
			mark TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// UpsertBatch writes one kind's records inside a single transaction. Each
// record runs under a savepoint so a record-level failure removes only that
// record from the batch. The whole transaction is retried once on failure.
func (p *Postgres) UpsertBatch(ctx context.Context, source id.SourceID, kind models.EntityKind, recs []*models.Record) (*models.BatchResult, error) {
	res, err := p.upsertBatchTx(ctx, source, kind, recs)
	if err != nil {
		// StorageError policy: retry the transaction once.
		res, err = p.upsertBatchTx(ctx, source, kind, recs)
	}
	return res, err
}

func (p *Postgres) upsertBatchTx(ctx context.Context, source id.SourceID, kind models.EntityKind, recs []*models.Record) (*models.BatchResult, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin upsert batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res := &models.BatchResult{
		InternalIDs: make(map[id.ExternalID]uuid.UUID),
		Outcomes:    make(map[id.ExternalID]models.UpsertOutcome),
	}
	now := p.clock()
	for _, rec := range recs {
		if _, err := tx.ExecContext(ctx, "SAVEPOINT rec"); err != nil {
			return nil, fmt.Errorf("savepoint: %w", err)
		}
		internalID, outcome, err := upsertOne(ctx, tx, source, kind, rec, now)
		if err != nil {
			if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT rec"); rbErr != nil {
				return nil, fmt.Errorf("rollback savepoint: %w", rbErr)
			}
			res.Failed++
			res.Errors = append(res.Errors, models.RecordError{ExternalID: rec.ExternalID, Message: err.Error()})
			continue
		}
		if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT rec"); err != nil {
			return nil, fmt.Errorf("release savepoint: %w", err)
		}
		res.InternalIDs[rec.ExternalID] = internalID
		res.Outcomes[rec.ExternalID] = outcome
		switch outcome {
		case models.OutcomeInserted:
			res.Inserted++
		case models.OutcomeUpdated:
			res.Updated++
		default:
			res.Unchanged++
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit upsert batch: %w", err)
	}
	return res, nil
}

func upsertOne(ctx context.Context, tx *sql.Tx, source id.SourceID, kind models.EntityKind, rec *models.Record, now time.Time) (uuid.UUID, models.UpsertOutcome, error) {
	// The DO UPDATE clause is guarded by a hash comparison, so an unchanged
	// payload returns no row and only refreshes last_synced_at below.
	query := `
		INSERT INTO entities (
			id, source, kind, external_id, name, reference, web_url,
			start_at, end_at, cancelled, deleted,
			source_created, source_modified,
			payload, content_hash, created_at, last_synced_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $16)
		ON CONFLICT (source, external_id) DO UPDATE SET
			name = EXCLUDED.name,
			reference = EXCLUDED.reference,
			web_url = EXCLUDED.web_url,
			start_at = EXCLUDED.start_at,
			end_at = EXCLUDED.end_at,
			cancelled = EXCLUDED.cancelled,
			deleted = EXCLUDED.deleted,
			source_created = EXCLUDED.source_created,
			source_modified = EXCLUDED.source_modified,
			payload = EXCLUDED.payload,
			content_hash = EXCLUDED.content_hash,
			last_synced_at = EXCLUDED.last_synced_at
		WHERE entities.content_hash <> EXCLUDED.content_hash
		RETURNING id, (xmax = 0) AS inserted
	`
	var internalID uuid.UUID
	var inserted bool
	err := tx.QueryRowContext(ctx, query,
		uuid.New(), source.String(), string(kind), rec.ExternalID.String(),
		rec.Name, rec.Reference, rec.WebURL,
		rec.Start, rec.End, rec.Cancelled, rec.Deleted,
		rec.SourceCreated, rec.SourceModified,
		[]byte(rec.Payload), rec.ContentHash, now,
	).Scan(&internalID, &inserted)
	switch {
	case err == nil:
		if inserted {
			return internalID, models.OutcomeInserted, nil
		}
		return internalID, models.OutcomeUpdated, nil
	case errors.Is(err, sql.ErrNoRows):
		// Hash matched: refresh last_synced_at only.
		var existingID uuid.UUID
		err := tx.QueryRowContext(ctx, `
			UPDATE entities SET last_synced_at = $3
			WHERE source = $1 AND external_id = $2
			RETURNING id
		`, source.String(), rec.ExternalID.String(), now).Scan(&existingID)
		if err != nil {
			return uuid.Nil, 0, fmt.Errorf("refresh last_synced_at: %w", err)
		}
		return existingID, models.OutcomeUnchanged, nil
	default:
		return uuid.Nil, 0, fmt.Errorf("upsert entity: %w", err)
	}
}

func (p *Postgres) FindByExternalID(ctx context.Context, source id.SourceID, ext id.ExternalID) (uuid.UUID, error) {
	var internalID uuid.UUID
	err := p.db.QueryRowContext(ctx, `
		SELECT id FROM entities WHERE source = $1 AND external_id = $2
	`, source.String(), ext.String()).Scan(&internalID)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, sentinel.ErrNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("find entity by external id: %w", err)
	}
	return internalID, nil
}

func (p *Postgres) SavePendingEdges(ctx context.Context, edges []models.PendingEdge) error {
	if len(edges) == 0 {
		return nil
	}
	now := p.clock()
	for _, edge := range edges {
		_, err := p.db.ExecContext(ctx, `
			INSERT INTO pending_edges (source, rel_kind, from_external_id, to_external_id, attempts, first_seen)
			VALUES ($1, $2, $3, $4, 0, $5)
			ON CONFLICT (source, rel_kind, from_external_id, to_external_id) DO NOTHING
		`, edge.Source.String(), string(edge.Kind), edge.FromExtID.String(), edge.ToExtID.String(), now)
		if err != nil {
			return fmt.Errorf("save pending edge: %w", err)
		}
	}
	return nil
}

func (p *Postgres) ListPendingEdges(ctx context.Context, source id.SourceID) ([]models.PendingEdge, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT source, rel_kind, from_external_id, to_external_id, attempts, orphaned, first_seen, last_tried
		FROM pending_edges
		WHERE source = $1 AND NOT orphaned
	`, source.String())
	if err != nil {
		return nil, fmt.Errorf("list pending edges: %w", err)
	}
	defer rows.Close()

	var out []models.PendingEdge
	for rows.Next() {
		var edge models.PendingEdge
		var lastTried sql.NullTime
		if err := rows.Scan(&edge.Source, &edge.Kind, &edge.FromExtID, &edge.ToExtID,
			&edge.Attempts, &edge.Orphaned, &edge.FirstSeen, &lastTried); err != nil {
			return nil, fmt.Errorf("scan pending edge: %w", err)
		}
		if lastTried.Valid {
			edge.LastTried = lastTried.Time
		}
		out = append(out, edge)
	}
	return out, rows.Err()
}

func (p *Postgres) ResolveEdge(ctx context.Context, edge models.PendingEdge, fromID, toID uuid.UUID) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin resolve edge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO relations (source, rel_kind, from_id, to_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING
	`, edge.Source.String(), string(edge.Kind), fromID, toID)
	if err != nil {
		return fmt.Errorf("insert relation: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		DELETE FROM pending_edges
		WHERE source = $1 AND rel_kind = $2 AND from_external_id = $3 AND to_external_id = $4
	`, edge.Source.String(), string(edge.Kind), edge.FromExtID.String(), edge.ToExtID.String())
	if err != nil {
		return fmt.Errorf("delete pending edge: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit resolve edge: %w", err)
	}
	return nil
}

func (p *Postgres) RecordEdgeFailure(ctx context.Context, edge models.PendingEdge, orphanAfter int) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE pending_edges SET
			attempts = attempts + 1,
			last_tried = $5,
			orphaned = ($6 > 0 AND attempts + 1 >= $6)
		WHERE source = $1 AND rel_kind = $2 AND from_external_id = $3 AND to_external_id = $4
	`, edge.Source.String(), string(edge.Kind), edge.FromExtID.String(), edge.ToExtID.String(),
		p.clock(), orphanAfter)
	if err != nil {
		return fmt.Errorf("record edge failure: %w", err)
	}
	return nil
}

func (p *Postgres) CreateRun(ctx context.Context, run *models.SyncRun) error {
	counters, errs, err := marshalRunJSON(run)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO sync_runs (id, source, mode, state, counters, errors, watermark_used, watermark_produced, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, uuid.UUID(run.ID), run.Source.String(), string(run.Mode), string(run.State),
		counters, errs, run.WatermarkUsed, run.WatermarkProduced, run.StartedAt, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateRun(ctx context.Context, run *models.SyncRun) error {
	counters, errs, err := marshalRunJSON(run)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE sync_runs SET
			state = $2, counters = $3, errors = $4,
			watermark_used = $5, watermark_produced = $6, finished_at = $7
		WHERE id = $1
	`, uuid.UUID(run.ID), string(run.State), counters, errs,
		run.WatermarkUsed, run.WatermarkProduced, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (p *Postgres) GetRun(ctx context.Context, runID id.RunID) (*models.SyncRun, error) {
	run := &models.SyncRun{}
	var rid uuid.UUID
	var counters, errs []byte
	var used, produced, finished sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT id, source, mode, state, counters, errors, watermark_used, watermark_produced, started_at, finished_at
		FROM sync_runs WHERE id = $1
	`, uuid.UUID(runID)).Scan(&rid, &run.Source, &run.Mode, &run.State,
		&counters, &errs, &used, &produced, &run.StartedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	run.ID = id.RunID(rid)
	if used.Valid {
		run.WatermarkUsed = &used.Time
	}
	if produced.Valid {
		run.WatermarkProduced = &produced.Time
	}
	if finished.Valid {
		run.FinishedAt = &finished.Time
	}
	if err := json.Unmarshal(counters, &run.Counters); err != nil {
		return nil, fmt.Errorf("unmarshal run counters: %w", err)
	}
	if err := json.Unmarshal(errs, &run.Errors); err != nil {
		return nil, fmt.Errorf("unmarshal run errors: %w", err)
	}
	return run, nil
}

func (p *Postgres) Watermark(ctx context.Context, source id.SourceID) (*time.Time, error) {
	var mark time.Time
	err := p.db.QueryRowContext(ctx, `
		SELECT mark FROM sync_watermarks WHERE source = $1
	`, source.String()).Scan(&mark)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get watermark: %w", err)
	}
	return &mark, nil
}

func (p *Postgres) SetWatermark(ctx context.Context, source id.SourceID, mark time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sync_watermarks (source, mark)
		VALUES ($1, $2)
		ON CONFLICT (source) DO UPDATE SET mark = EXCLUDED.mark
	`, source.String(), mark)
	if err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}
	return nil
}

func marshalRunJSON(run *models.SyncRun) (counters, errs []byte, err error) {
	counters, err = json.Marshal(run.Counters)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal run counters: %w", err)
	}
	if run.Counters == nil {
		counters = []byte("{}")
	}
	errs, err = json.Marshal(run.Errors)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal run errors: %w", err)
	}
	if run.Errors == nil {
		errs = []byte("[]")
	}
	return counters, errs, nil
}

// Package handler exposes the trigger/status HTTP interface consumed by the
// surrounding application.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"councilsync/internal/ingest/models"
	id "councilsync/pkg/domain"
	dErrors "councilsync/pkg/domain-errors"
)

// Service defines the sync operations the handler consumes.
type Service interface {
	StartSync(ctx context.Context, sourceID id.SourceID, mode models.Mode) (id.RunID, error)
	RunStatus(ctx context.Context, runID id.RunID) (*models.SyncRun, error)
	Sources() []models.Source
}

// Handler handles sync-related endpoints.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// New creates a sync Handler.
func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register registers the sync routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/sync/sources", h.handleListSources)
	r.Post("/sync/sources/{sourceID}/runs", h.handleStartSync)
	r.Get("/sync/runs/{runID}", h.handleRunStatus)
}

func (h *Handler) handleStartSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sourceID := id.SourceID(chi.URLParam(r, "sourceID"))

	var req StartSyncRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
			return
		}
	}
	mode, ok := models.ParseMode(req.Mode)
	if !ok {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "mode must be full or incremental"))
		return
	}

	runID, err := h.service.StartSync(ctx, sourceID, mode)
	if err != nil {
		h.logger.WarnContext(ctx, "start sync rejected",
			"source", sourceID,
			"error", err.Error(),
		)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, StartSyncResponse{RunID: runID.String()})
}

func (h *Handler) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID, err := id.ParseRunID(chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "invalid run id"))
		return
	}
	run, err := h.service.RunStatus(ctx, runID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunStatusResponse(run))
}

func (h *Handler) handleListSources(w http.ResponseWriter, _ *http.Request) {
	sources := h.service.Sources()
	resp := &SourcesListResponse{Sources: make([]*SourceResponse, 0, len(sources)), Total: len(sources)}
	for _, src := range sources {
		resp.Sources = append(resp.Sources, &SourceResponse{
			ID:          src.ID.String(),
			Name:        src.Name,
			BaseURL:     src.BaseURL,
			DefaultMode: string(src.DefaultMode),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

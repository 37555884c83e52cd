package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"councilsync/internal/ingest/models"
	dErrors "councilsync/pkg/domain-errors"
)

// StartSyncRequest is the HTTP request DTO for triggering a sync.
type StartSyncRequest struct {
	Mode string `json:"mode"`
}

// StartSyncResponse returns the id of the queued run.
type StartSyncResponse struct {
	RunID string `json:"run_id"`
}

// KindCountersResponse mirrors per-kind counters on the wire.
type KindCountersResponse struct {
	Fetched  int `json:"fetched"`
	Upserted int `json:"upserted"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// RunStatusResponse is the HTTP response DTO for run status.
type RunStatusResponse struct {
	RunID             string                           `json:"run_id"`
	Source            string                           `json:"source"`
	Mode              string                           `json:"mode"`
	State             string                           `json:"state"`
	PerEntityType     map[string]*KindCountersResponse `json:"per_entity_type"`
	Errors            []models.RunError                `json:"errors"`
	WatermarkUsed     *time.Time                       `json:"watermark_used,omitempty"`
	WatermarkProduced *time.Time                       `json:"watermark_produced,omitempty"`
	StartedAt         time.Time                        `json:"started_at"`
	FinishedAt        *time.Time                       `json:"finished_at,omitempty"`
}

// SourceResponse describes one configured source.
type SourceResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	BaseURL     string `json:"base_url"`
	DefaultMode string `json:"default_mode"`
}

// SourcesListResponse wraps the source list.
type SourcesListResponse struct {
	Sources []*SourceResponse `json:"sources"`
	Total   int               `json:"total"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func toRunStatusResponse(run *models.SyncRun) *RunStatusResponse {
	resp := &RunStatusResponse{
		RunID:             run.ID.String(),
		Source:            run.Source.String(),
		Mode:              string(run.Mode),
		State:             string(run.State),
		PerEntityType:     make(map[string]*KindCountersResponse, len(run.Counters)),
		Errors:            run.Errors,
		WatermarkUsed:     run.WatermarkUsed,
		WatermarkProduced: run.WatermarkProduced,
		StartedAt:         run.StartedAt,
		FinishedAt:        run.FinishedAt,
	}
	if resp.Errors == nil {
		resp.Errors = []models.RunError{}
	}
	for kind, c := range run.Counters {
		resp.PerEntityType[string(kind)] = &KindCountersResponse{
			Fetched:  c.Fetched,
			Upserted: c.Upserted,
			Skipped:  c.Skipped,
			Failed:   c.Failed,
		}
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case dErrors.CodeBadRequest:
		status = http.StatusBadRequest
	case dErrors.CodeNotFound:
		status = http.StatusNotFound
	case dErrors.CodeConflict:
		status = http.StatusConflict
	case dErrors.CodeUnavailable:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: string(code)})
}

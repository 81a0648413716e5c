// Package targets_api exposes the lookup surface over HTTP. It is a
// thin adapter: validate, consult the result cache, hand off to the
// broker, and never block on session work.
package targets_api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/northarch/geotrace/internal/models"
	"github.com/northarch/geotrace/internal/phone"
)

// Broker is the submit side of the query broker.
type Broker interface {
	Submit(phone, submitter string) (models.Job, error)
	Cancel(id string) (models.Job, error)
	RecordCacheHit()
}

// JobReader reads job state from the registry.
type JobReader interface {
	Get(id string) (models.Job, bool)
}

// CacheReader serves previously resolved locations.
type CacheReader interface {
	Lookup(ctx context.Context, phone string) (*models.Location, bool, error)
}

type TargetsAPI struct {
	broker Broker
	jobs   JobReader
	cache  CacheReader
	log    *slog.Logger
}

func New(broker Broker, jobs JobReader, cache CacheReader, log *slog.Logger) *TargetsAPI {
	return &TargetsAPI{broker: broker, jobs: jobs, cache: cache, log: log}
}

func (a *TargetsAPI) Register(r chi.Router) {
	r.Post("/targets", a.createTarget)
	r.Get("/targets/{id}/status", a.getStatus)
	r.Delete("/targets/{id}", a.cancelTarget)
}

type createTargetRequest struct {
	CaseID      string `json:"case_id"`
	PhoneNumber string `json:"phone_number"`
}

type targetResponse struct {
	ID      string           `json:"id,omitempty"`
	Status  models.JobStatus `json:"status"`
	Message string           `json:"message,omitempty"`
	Data    *models.Location `json:"data,omitempty"`
	Error   *models.JobError `json:"error,omitempty"`
	Cached  bool             `json:"cached,omitempty"`
}

type errorResponse struct {
	Error models.JobError `json:"error"`
}

// createTarget godoc
//
//	@Summary	Submit a phone number for geolocation
//	@Router		/targets [post]
func (a *TargetsAPI) createTarget(w http.ResponseWriter, r *http.Request) {
	var req createTargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, models.JobError{
			Kind: models.ErrInvalidPhone, Detail: "malformed request body",
		})
		return
	}

	normalised, err := phone.Normalize(req.PhoneNumber)
	if err != nil {
		writeError(w, http.StatusBadRequest, models.JobError{
			Kind: models.ErrInvalidPhone, Detail: err.Error(),
		})
		return
	}

	// A fresh cached result answers without touching the session at all.
	if loc, ok, cerr := a.cache.Lookup(r.Context(), normalised); cerr == nil && ok {
		a.broker.RecordCacheHit()
		writeJSON(w, http.StatusOK, targetResponse{
			Status: models.JobStatusCompleted,
			Data:   loc,
			Cached: true,
		})
		return
	} else if cerr != nil {
		a.log.Warn("cache lookup failed, falling through to broker", "error", cerr)
	}

	job, err := a.broker.Submit(normalised, req.CaseID)
	if err != nil {
		kind := models.KindOf(err)
		if kind == "" {
			kind = models.ErrOverloaded
		}
		writeError(w, statusForKind(kind), models.JobError{Kind: kind, Detail: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, targetResponse{
		ID:      job.ID,
		Status:  job.Status,
		Message: job.Message,
	})
}

// getStatus godoc
//
//	@Summary	Poll the state of a submitted lookup
//	@Router		/targets/{id}/status [get]
func (a *TargetsAPI) getStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := a.jobs.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, models.JobError{
			Kind: models.ErrConflict, Detail: "unknown job id",
		})
		return
	}

	writeJSON(w, http.StatusOK, targetResponse{
		ID:      job.ID,
		Status:  job.Status,
		Message: job.Message,
		Data:    job.Result,
		Error:   job.Error,
	})
}

// cancelTarget godoc
//
//	@Summary	Request cancellation of a lookup
//	@Router		/targets/{id} [delete]
func (a *TargetsAPI) cancelTarget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := a.broker.Cancel(id)
	if err != nil {
		writeError(w, http.StatusNotFound, models.JobError{
			Kind: models.ErrConflict, Detail: "unknown job id",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, targetResponse{
		ID:      job.ID,
		Status:  job.Status,
		Message: job.Message,
		Error:   job.Error,
	})
}

func statusForKind(kind models.ErrorKind) int {
	switch kind {
	case models.ErrInvalidPhone:
		return http.StatusBadRequest
	case models.ErrOverloaded:
		return http.StatusServiceUnavailable
	case models.ErrConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, e models.JobError) {
	writeJSON(w, status, errorResponse{Error: e})
}

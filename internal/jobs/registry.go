// Package jobs holds the in-memory job registry: every lookup submitted
// over HTTP lives here from creation to eviction.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/northarch/geotrace/internal/models"
)

// TransitionPayload carries the optional fields of a status transition.
type TransitionPayload struct {
	Message string
	Result  *models.Location
	Error   *models.JobError
}

type Registry struct {
	mu      sync.RWMutex
	byID    map[string]*models.Job
	byPhone map[string]string // normalised phone -> live (non-terminal) job id

	retention time.Duration
	now       func() time.Time
}

func New(retention time.Duration) *Registry {
	if retention <= 0 {
		retention = 30 * time.Minute
	}
	return &Registry{
		byID:      make(map[string]*models.Job),
		byPhone:   make(map[string]string),
		retention: retention,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Create registers a queued job for phone. If a non-terminal job already
// exists for the same phone it fails with Conflict and returns that job,
// which is how submit coalesces concurrent callers onto one flight.
func (r *Registry) Create(phone, submitter string) (models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byPhone[phone]; ok {
		existing := *r.byID[id]
		return existing, models.NewQueryError(models.ErrConflict, "job %s already in flight for this phone", id)
	}

	j := &models.Job{
		ID:        uuid.NewString(),
		Phone:     phone,
		Submitter: submitter,
		Status:    models.JobStatusQueued,
		Message:   "queued",
		CreatedAt: r.now(),
	}
	r.byID[j.ID] = j
	r.byPhone[phone] = j.ID
	return *j, nil
}

func (r *Registry) Get(id string) (models.Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.byID[id]
	if !ok {
		return models.Job{}, false
	}
	return *j, true
}

// FindActiveByPhone returns the live job for a normalised phone, if any.
func (r *Registry) FindActiveByPhone(phone string) (models.Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byPhone[phone]
	if !ok {
		return models.Job{}, false
	}
	return *r.byID[id], true
}

// Transition moves a job to status atomically. Terminal jobs are
// immutable: transitioning one fails with Conflict. Reaching a terminal
// status stamps finished_at and releases the phone index.
func (r *Registry) Transition(id string, status models.JobStatus, p TransitionPayload) (models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.byID[id]
	if !ok {
		return models.Job{}, models.NewQueryError(models.ErrConflict, "unknown job %s", id)
	}
	if j.Status.Terminal() {
		return *j, models.NewQueryError(models.ErrConflict, "job %s already terminal (%s)", id, j.Status)
	}

	now := r.now()
	j.Status = status
	if p.Message != "" {
		j.Message = p.Message
	}
	if status == models.JobStatusRunning && j.StartedAt == nil {
		j.StartedAt = &now
	}
	if status.Terminal() {
		j.FinishedAt = &now
		j.Result = p.Result
		j.Error = p.Error
		if r.byPhone[j.Phone] == j.ID {
			delete(r.byPhone, j.Phone)
		}
	}
	return *j, nil
}

// Discard removes a job outright. Used to roll back a freshly created
// job when the queue refuses it; never for jobs a client may have seen
// complete.
func (r *Registry) Discard(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.byID[id]
	if !ok {
		return
	}
	if r.byPhone[j.Phone] == j.ID {
		delete(r.byPhone, j.Phone)
	}
	delete(r.byID, id)
}

// Sweep evicts terminal jobs older than the retention window and
// returns how many were removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.retention)
	removed := 0
	for id, j := range r.byID {
		if j.Status.Terminal() && j.FinishedAt != nil && j.FinishedAt.Before(cutoff) {
			delete(r.byID, id)
			removed++
		}
	}
	return removed
}

// RunSweeper evicts expired terminal jobs periodically until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := r.Sweep(); n > 0 {
				slog.Debug("job registry sweep", "evicted", n)
			}
		}
	}
}

// Len reports the number of retained jobs (for stats).
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

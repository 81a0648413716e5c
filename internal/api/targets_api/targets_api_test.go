package targets_api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/northarch/geotrace/internal/models"
)

type brokerStub struct {
	submitted []string
	submitJob models.Job
	submitErr error

	cancelJob models.Job
	cancelErr error

	cacheHits int
}

func (b *brokerStub) Submit(phone, submitter string) (models.Job, error) {
	b.submitted = append(b.submitted, phone)
	return b.submitJob, b.submitErr
}

func (b *brokerStub) Cancel(id string) (models.Job, error) { return b.cancelJob, b.cancelErr }
func (b *brokerStub) RecordCacheHit()                      { b.cacheHits++ }

type jobsStub struct {
	job models.Job
	ok  bool
}

func (j *jobsStub) Get(id string) (models.Job, bool) { return j.job, j.ok }

type cacheStub struct {
	loc *models.Location
	ok  bool
	err error
}

func (c *cacheStub) Lookup(ctx context.Context, phone string) (*models.Location, bool, error) {
	return c.loc, c.ok, c.err
}

func newRouter(b *brokerStub, j *jobsStub, c *cacheStub) http.Handler {
	r := chi.NewRouter()
	New(b, j, c, slog.Default()).Register(r)
	return r
}

func postTarget(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/targets", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateTarget_Queued(t *testing.T) {
	b := &brokerStub{submitJob: models.Job{ID: "job-1", Status: models.JobStatusQueued, Message: "queued"}}
	h := newRouter(b, &jobsStub{}, &cacheStub{})

	rec := postTarget(t, h, `{"case_id":"case-9","phone_number":"0812-345-6789"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp targetResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "job-1", resp.ID)
	require.Equal(t, models.JobStatusQueued, resp.Status)

	// The broker sees the normalised form, not the raw input.
	require.Equal(t, []string{"628123456789"}, b.submitted)
}

func TestCreateTarget_InvalidPhone(t *testing.T) {
	b := &brokerStub{}
	h := newRouter(b, &jobsStub{}, &cacheStub{})

	rec := postTarget(t, h, `{"phone_number":"not a phone"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, models.ErrInvalidPhone, resp.Error.Kind)
	require.Empty(t, b.submitted)
}

func TestCreateTarget_MalformedBody(t *testing.T) {
	h := newRouter(&brokerStub{}, &jobsStub{}, &cacheStub{})
	rec := postTarget(t, h, `{"phone_number": `)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateTarget_CacheHitSkipsBroker(t *testing.T) {
	loc := &models.Location{Latitude: -6.2, Longitude: 106.8, Timestamp: time.Now().UTC(), Source: models.LocationSourceGeoMessage}
	b := &brokerStub{}
	h := newRouter(b, &jobsStub{}, &cacheStub{loc: loc, ok: true})

	rec := postTarget(t, h, `{"phone_number":"08123456789"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp targetResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, models.JobStatusCompleted, resp.Status)
	require.True(t, resp.Cached)
	require.NotNil(t, resp.Data)
	require.Equal(t, -6.2, resp.Data.Latitude)

	require.Empty(t, b.submitted)
	require.Equal(t, 1, b.cacheHits)
}

func TestCreateTarget_CacheErrorFallsThrough(t *testing.T) {
	b := &brokerStub{submitJob: models.Job{ID: "job-2", Status: models.JobStatusQueued}}
	h := newRouter(b, &jobsStub{}, &cacheStub{err: context.DeadlineExceeded})

	rec := postTarget(t, h, `{"phone_number":"08123456789"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, b.submitted, 1)
}

func TestCreateTarget_Overloaded(t *testing.T) {
	b := &brokerStub{submitErr: models.NewQueryError(models.ErrOverloaded, "100 lookups already pending")}
	h := newRouter(b, &jobsStub{}, &cacheStub{})

	rec := postTarget(t, h, `{"phone_number":"08123456789"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, models.ErrOverloaded, resp.Error.Kind)
}

func TestGetStatus_Found(t *testing.T) {
	finished := time.Now().UTC()
	j := &jobsStub{ok: true, job: models.Job{
		ID:         "job-1",
		Status:     models.JobStatusError,
		Message:    "lookup failed",
		FinishedAt: &finished,
		Error:      &models.JobError{Kind: models.ErrBotSilent, Detail: "no button menu"},
	}}
	h := newRouter(&brokerStub{}, j, &cacheStub{})

	req := httptest.NewRequest(http.MethodGet, "/targets/job-1/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp targetResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, models.JobStatusError, resp.Status)
	require.Equal(t, models.ErrBotSilent, resp.Error.Kind)
}

func TestGetStatus_NotFound(t *testing.T) {
	h := newRouter(&brokerStub{}, &jobsStub{}, &cacheStub{})
	req := httptest.NewRequest(http.MethodGet, "/targets/nope/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelTarget(t *testing.T) {
	b := &brokerStub{cancelJob: models.Job{ID: "job-1", Status: models.JobStatusCancelled}}
	h := newRouter(b, &jobsStub{}, &cacheStub{})

	req := httptest.NewRequest(http.MethodDelete, "/targets/job-1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp targetResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, models.JobStatusCancelled, resp.Status)
}

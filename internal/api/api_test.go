package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ivoscc/kubernetes-task-runner/internal/batch"
)

type fakeRepo struct {
	jobs      map[string]*batch.Job
	insertErr error
}

func newFakeRepo() *fakeRepo { return &fakeRepo{jobs: map[string]*batch.Job{}} }

func (r *fakeRepo) Insert(ctx context.Context, job *batch.Job) error {
	if r.insertErr != nil {
		return r.insertErr
	}
	r.jobs[job.ID] = job
	return nil
}

func (r *fakeRepo) Get(ctx context.Context, id string) (*batch.Job, error) {
	job, ok := r.jobs[id]
	if !ok {
		return nil, errNotFound
	}
	return job, nil
}

func (r *fakeRepo) List(ctx context.Context, statuses ...batch.Status) ([]*batch.Job, error) {
	var out []*batch.Job
	for _, job := range r.jobs {
		for _, s := range statuses {
			if job.Status == s {
				out = append(out, job)
			}
		}
	}
	return out, nil
}

type errString string

func (e errString) Error() string { return string(e) }

const errNotFound = errString("not found")

type fakeCoordinator struct {
	cancelErr error
	cancelled []string
}

func (f *fakeCoordinator) Cancel(ctx context.Context, id string) error {
	f.cancelled = append(f.cancelled, id)
	return f.cancelErr
}

type fakeDispatcher struct {
	submitted []string
}

func (f *fakeDispatcher) Submit(ctx context.Context, id string) error {
	f.submitted = append(f.submitted, id)
	return nil
}

func newTestAPI() (*API, *fakeRepo, *fakeCoordinator, *fakeDispatcher) {
	repo := newFakeRepo()
	coord := &fakeCoordinator{}
	disp := &fakeDispatcher{}
	a := New(&Config{Repository: repo, Coordinator: coord, Dispatcher: disp, Log: zap.NewNop()})
	return a, repo, coord, disp
}

func newTestRouter(a *API) *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	a.Register(engine)
	return engine
}

func TestCreateHandler_Success(t *testing.T) {
	a, repo, _, disp := newTestAPI()
	router := newTestRouter(a)

	body := `{"account_id":"acct-1","job_parameters":{"docker_image":"alpine"}}`
	req := httptest.NewRequest(http.MethodPost, "/batch/", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, repo.jobs, 1)
	assert.Len(t, disp.submitted, 1)

	var resp envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Result)
}

func TestCreateHandler_MissingRequiredFields(t *testing.T) {
	a, repo, _, _ := newTestAPI()
	router := newTestRouter(a)

	req := httptest.NewRequest(http.MethodPost, "/batch/", bytes.NewBufferString(`{"job_parameters":{}}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, repo.jobs)

	var resp envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "InvalidParameters", resp.Error)
}

func TestCreateHandler_RejectsInvalidName(t *testing.T) {
	a, repo, _, _ := newTestAPI()
	router := newTestRouter(a)

	body := `{"account_id":"acct-1","name":"Not Valid_Name","job_parameters":{"docker_image":"alpine"}}`
	req := httptest.NewRequest(http.MethodPost, "/batch/", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, repo.jobs)

	var resp envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "InvalidParameters", resp.Error)
}

func TestGetHandler_NotFound(t *testing.T) {
	a, _, _, _ := newTestAPI()
	router := newTestRouter(a)

	req := httptest.NewRequest(http.MethodGet, "/batch/unknown", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelHandler_InvalidParametersPropagates(t *testing.T) {
	a, _, coord, _ := newTestAPI()
	coord.cancelErr = batch.NewInvalidParameters("status", "cannot cancel a batch job with status succeeded")
	router := newTestRouter(a)

	req := httptest.NewRequest(http.MethodDelete, "/batch/a", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, []string{"a"}, coord.cancelled)

	var resp envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "InvalidParameters", resp.Error)
}

func TestCancelHandler_Success(t *testing.T) {
	a, _, _, _ := newTestAPI()
	router := newTestRouter(a)

	req := httptest.NewRequest(http.MethodDelete, "/batch/a", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

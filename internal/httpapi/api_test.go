package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.grader/internal/cache"
	"dev.helix.grader/internal/config"
	"dev.helix.grader/internal/evaluation"
	"dev.helix.grader/internal/metrics"
	"dev.helix.grader/internal/models"
)

// fakeStore backs both the evaluation service and the API's own reads.
type fakeStore struct {
	submissions map[int64]*models.Submission
	tasks       map[int64]*models.Task
	datasets    map[int64]*models.Dataset
	results     map[[2]int64]*models.SubmissionResult
	activated   [][2]int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		submissions: make(map[int64]*models.Submission),
		tasks:       make(map[int64]*models.Task),
		datasets:    make(map[int64]*models.Dataset),
		results:     make(map[[2]int64]*models.SubmissionResult),
	}
}

func (f *fakeStore) Submission(ctx context.Context, id int64) (*models.Submission, error) {
	if s, ok := f.submissions[id]; ok {
		return s, nil
	}
	return nil, errors.New("submission not found")
}

func (f *fakeStore) Task(ctx context.Context, id int64) (*models.Task, error) {
	if t, ok := f.tasks[id]; ok {
		return t, nil
	}
	return nil, errors.New("task not found")
}

func (f *fakeStore) Dataset(ctx context.Context, id int64) (*models.Dataset, error) {
	if d, ok := f.datasets[id]; ok {
		return d, nil
	}
	return nil, errors.New("dataset not found")
}

func (f *fakeStore) SubmissionsForContest(ctx context.Context, contestID int64) ([]*models.Submission, error) {
	var out []*models.Submission
	for _, s := range f.submissions {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeStore) SubmissionsForTask(ctx context.Context, taskID int64) ([]*models.Submission, error) {
	var out []*models.Submission
	for _, s := range f.submissions {
		if s.TaskID == taskID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) Result(ctx context.Context, submissionID, datasetID int64) (*models.SubmissionResult, error) {
	if r, ok := f.results[[2]int64{submissionID, datasetID}]; ok {
		return r, nil
	}
	return nil, errors.New("result not found")
}

func (f *fakeStore) EnsureResult(ctx context.Context, submissionID, datasetID int64) (*models.SubmissionResult, error) {
	key := [2]int64{submissionID, datasetID}
	if r, ok := f.results[key]; ok {
		return r, nil
	}
	r := models.NewSubmissionResult(submissionID, datasetID)
	f.results[key] = r
	return r, nil
}

func (f *fakeStore) SaveResult(ctx context.Context, result *models.SubmissionResult) error {
	f.results[[2]int64{result.SubmissionID, result.DatasetID}] = result
	return nil
}

func (f *fakeStore) UnfinishedResults(ctx context.Context) ([]*models.SubmissionResult, error) {
	return nil, nil
}

func (f *fakeStore) UserTest(ctx context.Context, id int64) (*models.UserTest, error) {
	return nil, errors.New("user test not found")
}

func (f *fakeStore) EnsureUserTestResult(ctx context.Context, userTestID, datasetID int64) (*models.UserTestResult, error) {
	return models.NewUserTestResult(userTestID, datasetID), nil
}

func (f *fakeStore) SaveUserTestResult(ctx context.Context, result *models.UserTestResult) error {
	return nil
}

func (f *fakeStore) SetActiveDataset(ctx context.Context, taskID, datasetID int64) error {
	task, ok := f.tasks[taskID]
	if !ok {
		return errors.New("task not found")
	}
	id := datasetID
	task.ActiveDatasetID = &id
	f.activated = append(f.activated, [2]int64{taskID, datasetID})
	return nil
}

type noopScorer struct{}

func (noopScorer) Wake() {}

func seedStore(store *fakeStore) {
	tl := 1.0
	activeID := int64(10)
	dataset := &models.Dataset{
		ID:        activeID,
		TaskID:    1,
		TimeLimit: &tl,
		TaskType:  "Batch",
		TaskTypeParameters: json.RawMessage(
			`{"compilation":"alone","evaluation":"diff"}`),
		Testcases: map[string]*models.Testcase{
			"01": {ID: 1, DatasetID: activeID, Codename: "01"},
			"02": {ID: 2, DatasetID: activeID, Codename: "02"},
		},
	}
	store.datasets[activeID] = dataset
	store.tasks[1] = &models.Task{
		ID: 1, Name: "sum", ActiveDatasetID: &activeID,
		Datasets: []*models.Dataset{dataset},
	}
	store.submissions[100] = &models.Submission{
		ID: 100, TaskID: 1, Language: "C++17 / g++",
		Files: map[string]string{"sum.%l": "a000000000000000000000000000000000000005"},
	}
}

func apiFixture(t *testing.T) (*API, *fakeStore, *evaluation.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := newFakeStore()
	seedStore(store)

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	eval := evaluation.NewService(config.Default(), store, noopScorer{}, log)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	status := cache.NewStatusCacheWithClient(client, log)
	t.Cleanup(func() { status.Close() })

	api := New(eval, nil, store, status, metrics.NewCollector(), log)
	return api, store, eval
}

func doRequest(t *testing.T, api *API, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	api.Router().ServeHTTP(recorder, req)
	return recorder
}

func TestHealth(t *testing.T) {
	api, _, _ := apiFixture(t)
	resp := doRequest(t, api, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	api, _, _ := apiFixture(t)
	resp := doRequest(t, api, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestNewSubmissionEnqueues(t *testing.T) {
	api, _, eval := apiFixture(t)

	resp := doRequest(t, api, http.MethodPost, "/api/v1/submissions/100/evaluate", nil)
	assert.Equal(t, http.StatusAccepted, resp.Code)
	assert.Equal(t, 1, eval.Status(false).QueueLength)
}

func TestNewSubmissionUnknownID(t *testing.T) {
	api, _, _ := apiFixture(t)

	resp := doRequest(t, api, http.MethodPost, "/api/v1/submissions/999/evaluate", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.Code)

	resp = doRequest(t, api, http.MethodPost, "/api/v1/submissions/abc/evaluate", nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestSubmissionStatusLifecycle(t *testing.T) {
	api, _, _ := apiFixture(t)

	// No result row yet: still compiling.
	resp := doRequest(t, api, http.MethodGet, "/api/v1/submissions/100/status", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	status := cache.SubmissionStatus{}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &status))
	assert.Equal(t, "compiling", status.Status)
	assert.Equal(t, 2, status.Total)
}

func TestSubmissionStatusScored(t *testing.T) {
	api, store, _ := apiFixture(t)

	result := models.NewSubmissionResult(100, 10)
	result.CompilationOutcome = models.CompilationOK
	result.Evaluations = map[string]*models.Evaluation{
		"01": {Codename: "01", Outcome: "1.0"},
		"02": {Codename: "02", Outcome: "0.5"},
	}
	result.SetEvaluationOutcome()
	score := 75.0
	result.Score = &score
	store.results[[2]int64{100, 10}] = result

	resp := doRequest(t, api, http.MethodGet, "/api/v1/submissions/100/status", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	status := cache.SubmissionStatus{}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &status))
	assert.Equal(t, "scored", status.Status)
	require.NotNil(t, status.Score)
	assert.Equal(t, 75.0, *status.Score)
	assert.Equal(t, 2, status.Evaluated)
}

func TestSubmissionStatusServedFromCache(t *testing.T) {
	api, store, _ := apiFixture(t)

	resp := doRequest(t, api, http.MethodGet, "/api/v1/submissions/100/status", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	// Mutate the store; the cached answer must win until invalidated.
	result := models.NewSubmissionResult(100, 10)
	result.CompilationOutcome = models.CompilationFail
	store.results[[2]int64{100, 10}] = result

	resp = doRequest(t, api, http.MethodGet, "/api/v1/submissions/100/status", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	status := cache.SubmissionStatus{}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &status))
	assert.Equal(t, "compiling", status.Status)
}

func TestContestSubmissionsStatus(t *testing.T) {
	api, store, _ := apiFixture(t)

	result := models.NewSubmissionResult(100, 10)
	result.CompilationOutcome = models.CompilationOK
	store.results[[2]int64{100, 10}] = result

	resp := doRequest(t, api, http.MethodGet, "/api/v1/contests/1/submissions/status", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	payload := struct {
		Submissions []cache.SubmissionStatus `json:"submissions"`
	}{}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &payload))
	require.Len(t, payload.Submissions, 1)
	assert.Equal(t, int64(100), payload.Submissions[0].SubmissionID)
	assert.Equal(t, "evaluating", payload.Submissions[0].Status)
}

func TestInvalidateSubmissionValidatesLevel(t *testing.T) {
	api, _, _ := apiFixture(t)

	resp := doRequest(t, api, http.MethodPost, "/api/v1/submissions/100/invalidate",
		map[string]string{"level": "everything"})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestInvalidateSubmissionReEnqueues(t *testing.T) {
	api, store, eval := apiFixture(t)

	result := models.NewSubmissionResult(100, 10)
	result.CompilationOutcome = models.CompilationOK
	result.Evaluations = map[string]*models.Evaluation{
		"01": {Codename: "01", Outcome: "1.0"},
		"02": {Codename: "02", Outcome: "0.5"},
	}
	result.SetEvaluationOutcome()
	store.results[[2]int64{100, 10}] = result

	resp := doRequest(t, api, http.MethodPost, "/api/v1/submissions/100/invalidate",
		map[string]string{"level": "evaluation"})
	require.Equal(t, http.StatusAccepted, resp.Code)
	assert.False(t, result.Evaluated())
	assert.Equal(t, 2, eval.Status(false).QueueLength)
}

func TestActivateDatasetSwaps(t *testing.T) {
	api, store, eval := apiFixture(t)

	newID := int64(11)
	store.datasets[newID] = &models.Dataset{
		ID: newID, TaskID: 1, TaskType: "Batch",
		TaskTypeParameters: json.RawMessage(`{"compilation":"alone","evaluation":"diff"}`),
		Testcases: map[string]*models.Testcase{
			"01": {ID: 3, DatasetID: newID, Codename: "01"},
		},
	}
	store.tasks[1].Datasets = append(store.tasks[1].Datasets, store.datasets[newID])

	resp := doRequest(t, api, http.MethodPost, "/api/v1/tasks/1/active_dataset",
		map[string]int64{"dataset_id": newID})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, [][2]int64{{1, 11}}, store.activated)
	// The submission's compile on the new dataset is queued.
	assert.Equal(t, 1, eval.Status(false).QueueLength)
}

func TestQueueStatusIncludesOperations(t *testing.T) {
	api, _, _ := apiFixture(t)

	doRequest(t, api, http.MethodPost, "/api/v1/submissions/100/evaluate", nil)

	resp := doRequest(t, api, http.MethodGet, "/api/v1/queue?queue=true", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	status := evaluation.Status{}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &status))
	assert.Equal(t, 1, status.QueueLength)
	assert.Len(t, status.Queued, 1)
}

func TestWorkerDisableEnable(t *testing.T) {
	api, _, eval := apiFixture(t)
	require.NoError(t, eval.AddWorker(&stubWorker{name: "worker-0"}))

	resp := doRequest(t, api, http.MethodPost, "/api/v1/workers/worker-0/disable", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	workers := eval.Status(false).Workers
	require.Len(t, workers, 1)
	assert.Equal(t, evaluation.WorkerDisabled, workers[0].State)

	resp = doRequest(t, api, http.MethodPost, "/api/v1/workers/worker-0/enable", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, evaluation.WorkerIdle, eval.Status(false).Workers[0].State)

	resp = doRequest(t, api, http.MethodPost, "/api/v1/workers/ghost/enable", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

type stubWorker struct{ name string }

func (s *stubWorker) Name() string { return s.name }

func (s *stubWorker) Execute(ctx context.Context, job *models.Job) (*models.JobResult, error) {
	return &models.JobResult{Operation: job.Operation, AttemptID: job.AttemptID, Success: true}, nil
}

func (s *stubWorker) Ignore(ctx context.Context, attemptID string) error { return nil }

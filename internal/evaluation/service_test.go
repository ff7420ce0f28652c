package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.grader/internal/config"
	"dev.helix.grader/internal/models"
)

type fakeEvalStore struct {
	submissions map[int64]*models.Submission
	tasks       map[int64]*models.Task
	datasets    map[int64]*models.Dataset
	results     map[[2]int64]*models.SubmissionResult
	userTests   map[int64]*models.UserTest
	testResults map[[2]int64]*models.UserTestResult
	saves       int
}

func newFakeEvalStore() *fakeEvalStore {
	return &fakeEvalStore{
		submissions: make(map[int64]*models.Submission),
		tasks:       make(map[int64]*models.Task),
		datasets:    make(map[int64]*models.Dataset),
		results:     make(map[[2]int64]*models.SubmissionResult),
		userTests:   make(map[int64]*models.UserTest),
		testResults: make(map[[2]int64]*models.UserTestResult),
	}
}

func (f *fakeEvalStore) Submission(ctx context.Context, id int64) (*models.Submission, error) {
	if s, ok := f.submissions[id]; ok {
		return s, nil
	}
	return nil, errors.New("submission not found")
}

func (f *fakeEvalStore) Task(ctx context.Context, id int64) (*models.Task, error) {
	if t, ok := f.tasks[id]; ok {
		return t, nil
	}
	return nil, errors.New("task not found")
}

func (f *fakeEvalStore) Dataset(ctx context.Context, id int64) (*models.Dataset, error) {
	if d, ok := f.datasets[id]; ok {
		return d, nil
	}
	return nil, errors.New("dataset not found")
}

func (f *fakeEvalStore) SubmissionsForTask(ctx context.Context, taskID int64) ([]*models.Submission, error) {
	var out []*models.Submission
	for _, s := range f.submissions {
		if s.TaskID == taskID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeEvalStore) EnsureResult(ctx context.Context, submissionID, datasetID int64) (*models.SubmissionResult, error) {
	key := [2]int64{submissionID, datasetID}
	if r, ok := f.results[key]; ok {
		return r, nil
	}
	r := models.NewSubmissionResult(submissionID, datasetID)
	f.results[key] = r
	return r, nil
}

func (f *fakeEvalStore) SaveResult(ctx context.Context, result *models.SubmissionResult) error {
	f.results[[2]int64{result.SubmissionID, result.DatasetID}] = result
	f.saves++
	return nil
}

func (f *fakeEvalStore) UnfinishedResults(ctx context.Context) ([]*models.SubmissionResult, error) {
	var out []*models.SubmissionResult
	for _, r := range f.results {
		if !r.CompilationFailed() && !r.Evaluated() {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeEvalStore) UserTest(ctx context.Context, id int64) (*models.UserTest, error) {
	if t, ok := f.userTests[id]; ok {
		return t, nil
	}
	return nil, errors.New("user test not found")
}

func (f *fakeEvalStore) EnsureUserTestResult(ctx context.Context, userTestID, datasetID int64) (*models.UserTestResult, error) {
	key := [2]int64{userTestID, datasetID}
	if r, ok := f.testResults[key]; ok {
		return r, nil
	}
	r := models.NewUserTestResult(userTestID, datasetID)
	f.testResults[key] = r
	return r, nil
}

func (f *fakeEvalStore) SaveUserTestResult(ctx context.Context, result *models.UserTestResult) error {
	f.testResults[[2]int64{result.UserTestID, result.DatasetID}] = result
	return nil
}

type fakeScorer struct{ wakes int }

func (f *fakeScorer) Wake() { f.wakes++ }

// fakeWorker answers every job through a pluggable function.
type fakeWorker struct {
	name    string
	answer  func(job *models.Job) (*models.JobResult, error)
	ignored []string
}

func (f *fakeWorker) Name() string { return f.name }

func (f *fakeWorker) Execute(ctx context.Context, job *models.Job) (*models.JobResult, error) {
	return f.answer(job)
}

func (f *fakeWorker) Ignore(ctx context.Context, attemptID string) error {
	f.ignored = append(f.ignored, attemptID)
	return nil
}

// happyAnswer compiles and evaluates everything successfully.
func happyAnswer(job *models.Job) (*models.JobResult, error) {
	jr := &models.JobResult{
		Operation: job.Operation,
		AttemptID: job.AttemptID,
		Shard:     "w0",
		Success:   true,
	}
	switch job.Operation.Type {
	case models.OperationCompile, models.OperationCompileUserTest:
		jr.CompilationSuccess = true
		jr.ExecutableDigests = map[string]string{"solution": "aa11bb22cc33dd44ee55ff66aa77bb88cc99dd00"}
		jr.Text = []string{"Compilation succeeded"}
		jr.Stats = &models.ExecutionStats{CPUTime: 0.2, WallTime: 0.4, MemoryKB: 30000}
	case models.OperationEvaluate:
		jr.Outcome = "1.0"
		jr.Text = []string{"Output is correct"}
		jr.Stats = &models.ExecutionStats{CPUTime: 0.1, WallTime: 0.2, MemoryKB: 20000}
	case models.OperationEvaluateUserTest:
		jr.Outcome = "1.0"
		jr.Text = []string{"Execution completed successfully"}
		jr.UserOutputDigest = "aa11bb22cc33dd44ee55ff66aa77bb88cc99dd00"
		jr.Stats = &models.ExecutionStats{CPUTime: 0.1, WallTime: 0.2, MemoryKB: 20000}
	}
	return jr, nil
}

func evalFixture(t *testing.T) (*Service, *fakeEvalStore, *fakeScorer, *fakeWorker) {
	t.Helper()
	store := newFakeEvalStore()

	tl := 1.0
	mem := int64(256 * 1024)
	activeID := int64(10)
	dataset := &models.Dataset{
		ID:                 activeID,
		TaskID:             1,
		TimeLimit:          &tl,
		MemoryLimitKB:      &mem,
		TaskType:           "Batch",
		TaskTypeParameters: json.RawMessage(`{"compilation":"alone","evaluation":"diff"}`),
		Testcases: map[string]*models.Testcase{
			"01": {ID: 1, DatasetID: activeID, Codename: "01", Input: "a000000000000000000000000000000000000001", Output: "a000000000000000000000000000000000000002"},
			"02": {ID: 2, DatasetID: activeID, Codename: "02", Input: "a000000000000000000000000000000000000003", Output: "a000000000000000000000000000000000000004"},
		},
		Managers: map[string]*models.Manager{},
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

	scorer := &fakeScorer{}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	svc := NewService(config.Default(), store, scorer, log)

	worker := &fakeWorker{name: "worker-0", answer: happyAnswer}
	require.NoError(t, svc.AddWorker(worker))
	return svc, store, scorer, worker
}

// settle runs one dispatched job to completion.
func settle(t *testing.T, svc *Service, ctx context.Context) {
	t.Helper()
	svc.dispatch(ctx)
	select {
	case outcome := <-svc.results:
		svc.handleOutcome(ctx, outcome)
	case <-time.After(5 * time.Second):
		t.Fatal("no job outcome arrived")
	}
}

func TestNewSubmissionRunsToEvaluated(t *testing.T) {
	ctx := context.Background()
	svc, store, scorer, _ := evalFixture(t)

	require.NoError(t, svc.NewSubmission(ctx, 100))
	assert.Equal(t, 1, svc.queue.Len()) // the compile operation, at HIGH

	settle(t, svc, ctx) // compile
	result := store.results[[2]int64{100, 10}]
	assert.True(t, result.CompilationSucceeded())
	assert.Equal(t, 1, result.CompilationTries)
	assert.Len(t, result.Executables, 1)
	assert.Equal(t, 2, svc.queue.Len()) // one evaluate per testcase

	settle(t, svc, ctx) // testcase 01
	settle(t, svc, ctx) // testcase 02
	assert.True(t, result.Evaluated())
	assert.Equal(t, "1.0", result.Evaluations["01"].Outcome)
	assert.Equal(t, "1.0", result.Evaluations["02"].Outcome)
	assert.Equal(t, 1, scorer.wakes)
}

func TestContestantCompilationFailure(t *testing.T) {
	ctx := context.Background()
	svc, store, scorer, worker := evalFixture(t)
	worker.answer = func(job *models.Job) (*models.JobResult, error) {
		return &models.JobResult{
			Operation: job.Operation, AttemptID: job.AttemptID,
			Success: true, CompilationSuccess: false,
			CompilationStderr: "sum.cpp:1: error",
			Text:              []string{"Compilation failed"},
		}, nil
	}

	require.NoError(t, svc.NewSubmission(ctx, 100))
	settle(t, svc, ctx)

	result := store.results[[2]int64{100, 10}]
	assert.True(t, result.CompilationFailed())
	assert.Equal(t, 0, svc.queue.Len()) // no evaluations follow
	assert.Equal(t, 1, scorer.wakes)    // a failed compilation is scorable
}

func TestInfrastructureFailureRetriesThenGivesUp(t *testing.T) {
	ctx := context.Background()
	svc, store, scorer, worker := evalFixture(t)
	worker.answer = func(job *models.Job) (*models.JobResult, error) {
		return &models.JobResult{
			Operation: job.Operation, AttemptID: job.AttemptID,
			Success: false, Error: "blob fetch failed",
		}, nil
	}

	require.NoError(t, svc.NewSubmission(ctx, 100))
	for i := 0; i < maxCompilationTries; i++ {
		settle(t, svc, ctx)
	}

	result := store.results[[2]int64{100, 10}]
	assert.True(t, result.CompilationFailed())
	assert.Equal(t, maxCompilationTries, result.CompilationTries)
	assert.Contains(t, result.CompilationText[0], "giving up")
	assert.Equal(t, 0, svc.queue.Len())
	assert.Equal(t, 1, scorer.wakes)
}

func TestEvaluationFailureSettlesWithZeroOutcome(t *testing.T) {
	ctx := context.Background()
	svc, store, _, worker := evalFixture(t)

	require.NoError(t, svc.NewSubmission(ctx, 100))
	settle(t, svc, ctx) // compile, happy

	worker.answer = func(job *models.Job) (*models.JobResult, error) {
		return &models.JobResult{
			Operation: job.Operation, AttemptID: job.AttemptID,
			Success: false, Error: "sandbox crashed",
		}, nil
	}
	// Evaluations share the tries counter; after the cap each remaining
	// testcase settles at 0.0 as soon as it fails again.
	result := store.results[[2]int64{100, 10}]
	for !result.Evaluated() {
		settle(t, svc, ctx)
	}
	assert.Equal(t, "0.0", result.Evaluations["01"].Outcome)
	assert.Equal(t, "0.0", result.Evaluations["02"].Outcome)
	assert.Contains(t, result.Evaluations["01"].Text[0], "failed")
}

func TestStaleAttemptIsDiscarded(t *testing.T) {
	ctx := context.Background()
	svc, store, _, _ := evalFixture(t)

	require.NoError(t, svc.NewSubmission(ctx, 100))
	svc.dispatch(ctx)
	outcome := <-svc.results

	// The operation is invalidated while the job is in flight.
	svc.IgnoreOperation(ctx, outcome.job.Operation)
	svc.handleOutcome(ctx, outcome)

	result := store.results[[2]int64{100, 10}]
	assert.False(t, result.Compiled())
	assert.Equal(t, 0, result.CompilationTries)
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, store, _, _ := evalFixture(t)

	require.NoError(t, svc.NewSubmission(ctx, 100))
	svc.dispatch(ctx)
	outcome := <-svc.results
	svc.handleOutcome(ctx, outcome)
	svc.handleOutcome(ctx, outcome) // redelivery of the same attempt

	result := store.results[[2]int64{100, 10}]
	assert.Equal(t, 1, result.CompilationTries)
	assert.Equal(t, 2, svc.queue.Len())
}

func TestWorkerRPCErrorRequeuesAtHead(t *testing.T) {
	ctx := context.Background()
	svc, store, _, worker := evalFixture(t)
	worker.answer = func(job *models.Job) (*models.JobResult, error) {
		return nil, errors.New("connection reset")
	}

	require.NoError(t, svc.NewSubmission(ctx, 100))
	settle(t, svc, ctx)

	// The operation is back in the queue and the tries counter advanced.
	assert.Equal(t, 1, svc.queue.Len())
	result := store.results[[2]int64{100, 10}]
	assert.Equal(t, 1, result.CompilationTries)

	// The worker is disabled until it re-registers.
	assert.Equal(t, 0, svc.pool.IdleCount())
	require.NoError(t, svc.AddWorker(worker))
	assert.Equal(t, 1, svc.pool.IdleCount())
}

// heartbeatWorker additionally answers liveness probes.
type heartbeatWorker struct {
	fakeWorker
	beatErr error
	beats   int
}

func (h *heartbeatWorker) Heartbeat(ctx context.Context) error {
	h.beats++
	return h.beatErr
}

func TestIdleWorkerFailingHeartbeatIsDisabled(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := evalFixture(t)

	live := &heartbeatWorker{fakeWorker: fakeWorker{name: "worker-1", answer: happyAnswer}}
	dead := &heartbeatWorker{
		fakeWorker: fakeWorker{name: "worker-2", answer: happyAnswer},
		beatErr:    errors.New("connection refused"),
	}
	require.NoError(t, svc.AddWorker(live))
	require.NoError(t, svc.AddWorker(dead))
	require.Equal(t, 3, svc.pool.IdleCount())

	svc.checkWorkers(ctx)

	// The dead worker is out of rotation before any job reaches it; the
	// probed live worker and the probe-less worker-0 stay idle.
	assert.Equal(t, 2, svc.pool.IdleCount())
	assert.Positive(t, live.beats)
	assert.Positive(t, dead.beats)

	for _, status := range svc.pool.Status() {
		if status.Name == "worker-2" {
			assert.Equal(t, WorkerDisabled, status.State)
		}
	}
}

func TestLostWorkerPoisonClearsOnRPCError(t *testing.T) {
	ctx := context.Background()
	svc, _, _, worker := evalFixture(t)
	worker.answer = func(job *models.Job) (*models.JobResult, error) {
		return nil, errors.New("connection reset")
	}

	require.NoError(t, svc.NewSubmission(ctx, 100))
	svc.dispatch(ctx)
	outcome := <-svc.results

	// The heartbeat deadline fires before the failed call is delivered.
	svc.workerLost(ctx, worker.name)
	svc.handleOutcome(ctx, outcome)

	svc.mu.Lock()
	defer svc.mu.Unlock()
	assert.Empty(t, svc.ignored)
}

func TestRecoveryEnqueuesUnfinishedResults(t *testing.T) {
	ctx := context.Background()
	svc, store, _, _ := evalFixture(t)

	// A result left mid-evaluation by a crashed scheduler.
	result := models.NewSubmissionResult(100, 10)
	result.CompilationOutcome = models.CompilationOK
	result.Executables["solution"] = &models.Executable{Filename: "solution", Digest: "aa11bb22cc33dd44ee55ff66aa77bb88cc99dd00"}
	result.Evaluations["01"] = &models.Evaluation{Codename: "01", Outcome: "1.0"}
	store.results[[2]int64{100, 10}] = result

	require.NoError(t, svc.Recover(ctx))
	assert.Equal(t, 1, svc.queue.Len()) // only testcase 02 is outstanding

	entry, ok := svc.queue.Pop()
	require.True(t, ok)
	assert.Equal(t, "02", entry.Operation.TestcaseCodename)
}

// precachingWorker additionally accepts precache hints.
type precachingWorker struct {
	fakeWorker
	precached chan []string
}

func (p *precachingWorker) Precache(ctx context.Context, digests []string) error {
	p.precached <- digests
	return nil
}

func TestRecoveryPrecachesWorkers(t *testing.T) {
	ctx := context.Background()
	svc, store, _, _ := evalFixture(t)

	warm := &precachingWorker{
		fakeWorker: fakeWorker{name: "worker-1", answer: happyAnswer},
		precached:  make(chan []string, 1),
	}
	require.NoError(t, svc.AddWorker(warm))

	result := models.NewSubmissionResult(100, 10)
	store.results[[2]int64{100, 10}] = result

	require.NoError(t, svc.Recover(ctx))

	select {
	case digests := <-warm.precached:
		// Input and output of both testcases.
		assert.Len(t, digests, 4)
	case <-time.After(2 * time.Second):
		t.Fatal("worker never received the precache hint")
	}
}

func TestInvalidateEvaluation(t *testing.T) {
	ctx := context.Background()
	svc, store, _, _ := evalFixture(t)

	require.NoError(t, svc.NewSubmission(ctx, 100))
	settle(t, svc, ctx)
	settle(t, svc, ctx)
	settle(t, svc, ctx)
	result := store.results[[2]int64{100, 10}]
	require.True(t, result.Evaluated())

	require.NoError(t, svc.InvalidateSubmission(ctx, 100, nil, InvalidateEvaluation))
	assert.False(t, result.Evaluated())
	assert.True(t, result.CompilationSucceeded()) // artefacts survive
	assert.Equal(t, 2, svc.queue.Len())           // both testcases re-enqueued
}

func TestUserTestFlow(t *testing.T) {
	ctx := context.Background()
	svc, store, _, _ := evalFixture(t)
	store.userTests[7] = &models.UserTest{
		ID: 7, TaskID: 1, Language: "C++17 / g++",
		Input:    "a000000000000000000000000000000000000009",
		Files:    map[string]string{"sum.%l": "a000000000000000000000000000000000000005"},
		Managers: map[string]string{},
	}

	require.NoError(t, svc.NewUserTest(ctx, 7))
	settle(t, svc, ctx) // compile
	settle(t, svc, ctx) // run

	result := store.testResults[[2]int64{7, 10}]
	require.True(t, result.Compiled())
	assert.True(t, result.Evaluated())
	assert.Equal(t, "aa11bb22cc33dd44ee55ff66aa77bb88cc99dd00", result.Output)
}

func TestStatusReportsQueueAndWorkers(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := evalFixture(t)

	require.NoError(t, svc.NewSubmission(ctx, 100))
	status := svc.Status(true)
	assert.Equal(t, 1, status.QueueLength)
	assert.Equal(t, 1, status.QueueDepths[models.PriorityHigh])
	require.Len(t, status.Workers, 1)
	assert.Equal(t, WorkerIdle, status.Workers[0].State)
	assert.Len(t, status.Queued, 1)
}

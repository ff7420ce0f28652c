package evaluation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dev.helix.grader/internal/config"
	"dev.helix.grader/internal/metrics"
	"dev.helix.grader/internal/models"
)

// Retry caps. After the cap the operation settles with a synthetic outcome
// instead of blocking the rest of the contest on a flaky worker.
const (
	maxCompilationTries = 3
	maxEvaluationTries  = 3
)

// Store is the slice of the database the scheduler needs.
type Store interface {
	Submission(ctx context.Context, id int64) (*models.Submission, error)
	Task(ctx context.Context, id int64) (*models.Task, error)
	Dataset(ctx context.Context, id int64) (*models.Dataset, error)
	SubmissionsForTask(ctx context.Context, taskID int64) ([]*models.Submission, error)

	// EnsureResult returns the result row of the pair, creating an empty one
	// if it does not exist yet.
	EnsureResult(ctx context.Context, submissionID, datasetID int64) (*models.SubmissionResult, error)
	SaveResult(ctx context.Context, result *models.SubmissionResult) error
	// UnfinishedResults returns every result row that is neither terminal
	// nor scored, for startup recovery.
	UnfinishedResults(ctx context.Context) ([]*models.SubmissionResult, error)

	UserTest(ctx context.Context, id int64) (*models.UserTest, error)
	EnsureUserTestResult(ctx context.Context, userTestID, datasetID int64) (*models.UserTestResult, error)
	SaveUserTestResult(ctx context.Context, result *models.UserTestResult) error
}

// Scorer is nudged whenever a result becomes terminal and needs a score.
type Scorer interface {
	Wake()
}

// jobOutcome carries one finished (or failed) worker round-trip back to the
// scheduler loop.
type jobOutcome struct {
	worker   string
	job      *models.Job
	result   *models.JobResult
	err      error
	duration time.Duration
}

// Service is the evaluation scheduler. All queue and pool mutations happen
// on the Run loop; worker round-trips run on their own goroutines and report
// back through a channel.
type Service struct {
	store   Store
	scorer  Scorer
	queue   *Queue
	pool    *Pool
	builder *jobBuilder
	log     *logrus.Logger
	metrics *metrics.Collector

	heartbeatSlack time.Duration
	checkInterval  time.Duration

	results chan jobOutcome

	mu       sync.Mutex
	inFlight map[string]string // operation fingerprint -> attempt id
	ignored  map[string]bool   // attempt ids whose results must be discarded
}

func NewService(cfg *config.Config, store Store, scorer Scorer, log *logrus.Logger) *Service {
	if log == nil {
		log = logrus.New()
	}
	return &Service{
		store:  store,
		scorer: scorer,
		queue:  NewQueue(cfg.Evaluation.MaxQueueDepth),
		pool:   NewPool(log),
		builder: &jobBuilder{
			languages:   cfg.Language,
			keepSandbox: cfg.Sandbox.KeepSandbox,
		},
		log:            log,
		heartbeatSlack: cfg.Evaluation.HeartbeatSlack,
		checkInterval:  cfg.Evaluation.CheckInterval,
		results:        make(chan jobOutcome, 64),
		inFlight:       make(map[string]string),
		ignored:        make(map[string]bool),
	}
}

// AddWorker registers a worker with the pool.
func (s *Service) AddWorker(client WorkerClient) error {
	return s.pool.Add(client)
}

// SetMetrics attaches a collector. Without one the scheduler runs unmetered.
func (s *Service) SetMetrics(c *metrics.Collector) {
	s.metrics = c
}

var priorityNames = [priorityBands]string{"extra", "high", "medium", "low", "extra_low"}

func (s *Service) publishGauges() {
	if s.metrics == nil {
		return
	}
	for band, depth := range s.queue.Depths() {
		s.metrics.QueueDepth.WithLabelValues(priorityNames[band]).Set(float64(depth))
	}
	counts := map[WorkerState]int{}
	for _, w := range s.pool.Status() {
		counts[w.State]++
	}
	for _, state := range []WorkerState{WorkerIdle, WorkerBusy, WorkerDisabled} {
		s.metrics.WorkerStates.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

// Run drives the scheduler until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Recover(ctx); err != nil {
		s.log.WithError(err).Error("Startup recovery failed")
	}

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.checkWorkers(ctx)
			s.dispatch(ctx)
		case outcome := <-s.results:
			s.handleOutcome(ctx, outcome)
			s.dispatch(ctx)
		}
	}
}

// Recover rebuilds the queue from durable state: every non-terminal result
// row gets its outstanding operations enqueued. The in-memory queue is never
// persisted, so this runs on every start.
func (s *Service) Recover(ctx context.Context) error {
	results, err := s.store.UnfinishedResults(ctx)
	if err != nil {
		return fmt.Errorf("failed to scan unfinished results: %w", err)
	}
	for _, result := range results {
		if err := s.enqueueOutstanding(ctx, result); err != nil {
			s.log.WithFields(logrus.Fields{
				"submission": result.SubmissionID,
				"dataset":    result.DatasetID,
			}).WithError(err).Error("Failed to re-enqueue result")
		}
	}
	s.log.WithField("results", len(results)).Info("Recovery scan complete")
	s.precacheDatasets(ctx, results)
	return nil
}

// Precacher is optionally implemented by worker clients that can warm their
// blob caches ahead of the dispatch burst.
type Precacher interface {
	Precache(ctx context.Context, digests []string) error
}

// precacheDatasets hints every worker to fetch the testcase blobs of the
// datasets about to be re-evaluated. Best effort: a worker that cannot
// precache just pays the fetch cost on its first job.
func (s *Service) precacheDatasets(ctx context.Context, results []*models.SubmissionResult) {
	seen := make(map[int64]bool)
	var digests []string
	for _, result := range results {
		if seen[result.DatasetID] {
			continue
		}
		seen[result.DatasetID] = true
		dataset, err := s.store.Dataset(ctx, result.DatasetID)
		if err != nil {
			continue
		}
		for _, tc := range dataset.Testcases {
			digests = append(digests, tc.Input, tc.Output)
		}
	}
	if len(digests) == 0 {
		return
	}

	for _, status := range s.pool.Status() {
		client := s.clientOf(status.Name)
		precacher, ok := client.(Precacher)
		if !ok {
			continue
		}
		go func(name string) {
			if err := precacher.Precache(ctx, digests); err != nil {
				s.log.WithField("worker", name).WithError(err).Warn("Precache hint failed")
			}
		}(status.Name)
	}
}

// NewSubmission is called when a submission row appears. It creates the
// result row on the active dataset and enqueues the compile operation, plus
// low-priority operations on autojudge datasets.
func (s *Service) NewSubmission(ctx context.Context, submissionID int64) error {
	submission, err := s.store.Submission(ctx, submissionID)
	if err != nil {
		return fmt.Errorf("failed to load submission: %w", err)
	}
	task, err := s.store.Task(ctx, submission.TaskID)
	if err != nil {
		return fmt.Errorf("failed to load task: %w", err)
	}
	active := task.ActiveDataset()
	if active == nil {
		s.log.WithField("task", task.Name).Warn("Task has no active dataset, skipping submission")
		return nil
	}

	for _, dataset := range task.Datasets {
		if dataset.ID != active.ID && !dataset.Autojudge {
			continue
		}
		result, err := s.store.EnsureResult(ctx, submission.ID, dataset.ID)
		if err != nil {
			return fmt.Errorf("failed to create result row: %w", err)
		}
		if err := s.enqueueResultOps(submission, dataset, result, dataset.ID == active.ID); err != nil {
			return err
		}
	}
	return nil
}

// NewUserTest enqueues the compilation of a user test on the task's active
// dataset.
func (s *Service) NewUserTest(ctx context.Context, userTestID int64) error {
	test, err := s.store.UserTest(ctx, userTestID)
	if err != nil {
		return fmt.Errorf("failed to load user test: %w", err)
	}
	task, err := s.store.Task(ctx, test.TaskID)
	if err != nil {
		return fmt.Errorf("failed to load task: %w", err)
	}
	active := task.ActiveDataset()
	if active == nil {
		return nil
	}
	if _, err := s.store.EnsureUserTestResult(ctx, test.ID, active.ID); err != nil {
		return fmt.Errorf("failed to create user test result row: %w", err)
	}
	op := models.Operation{
		Type:      models.OperationCompileUserTest,
		ObjectID:  test.ID,
		DatasetID: active.ID,
	}
	return s.push(op, models.PriorityMedium)
}

// enqueueOutstanding enqueues whatever operations a result row still needs.
func (s *Service) enqueueOutstanding(ctx context.Context, result *models.SubmissionResult) error {
	submission, err := s.store.Submission(ctx, result.SubmissionID)
	if err != nil {
		return err
	}
	task, err := s.store.Task(ctx, submission.TaskID)
	if err != nil {
		return err
	}
	dataset, err := s.store.Dataset(ctx, result.DatasetID)
	if err != nil {
		return err
	}
	active := task.ActiveDatasetID != nil && *task.ActiveDatasetID == dataset.ID
	return s.enqueueResultOps(submission, dataset, result, active)
}

// enqueueResultOps enqueues the next operations of one result row according
// to its state. Operations on non-active datasets always go to the lowest
// band.
func (s *Service) enqueueResultOps(submission *models.Submission,
	dataset *models.Dataset, result *models.SubmissionResult, active bool) error {

	if !result.Compiled() {
		priority := models.PriorityHigh
		if result.CompilationTries > 0 {
			priority = models.PriorityMedium
		}
		if !active {
			priority = models.PriorityExtraLow
		}
		op := models.Operation{
			Type:      models.OperationCompile,
			ObjectID:  submission.ID,
			DatasetID: dataset.ID,
		}
		return s.push(op, priority)
	}

	if result.CompilationSucceeded() && !result.Evaluated() {
		priority := models.PriorityMedium
		if result.EvaluationTries > 0 {
			priority = models.PriorityLow
		}
		if !active {
			priority = models.PriorityExtraLow
		}
		for _, codename := range dataset.TestcaseCodenames() {
			if _, done := result.Evaluations[codename]; done {
				continue
			}
			op := models.Operation{
				Type:             models.OperationEvaluate,
				ObjectID:         submission.ID,
				DatasetID:        dataset.ID,
				TestcaseCodename: codename,
			}
			if err := s.push(op, priority); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) push(op models.Operation, priority int) error {
	s.mu.Lock()
	_, running := s.inFlight[op.Fingerprint()]
	s.mu.Unlock()
	if running {
		return nil
	}
	err := s.queue.Push(op, priority, time.Now())
	if err == ErrQueueSaturated {
		s.log.WithFields(logrus.Fields{
			"operation": op.String(),
			"depth":     s.queue.Len(),
		}).Warn("Queue saturated, refusing low-priority operation")
	}
	return err
}

// dispatch assigns queued operations to idle workers until one of the two
// runs out.
func (s *Service) dispatch(ctx context.Context) {
	for s.pool.IdleCount() > 0 {
		entry, ok := s.queue.Pop()
		if !ok {
			return
		}
		job, err := s.buildJob(ctx, entry.Operation)
		if err != nil {
			s.log.WithField("operation", entry.Operation.String()).
				WithError(err).Error("Failed to assemble job")
			continue
		}
		if job == nil {
			// The operation became moot while queued (result already
			// settled, dataset swapped away). Drop it.
			continue
		}

		budget := time.Duration(2*jobWallBudget(job)*float64(time.Second)) + s.heartbeatSlack
		client, ok := s.pool.AcquireIdle(entry.Operation, entry.Priority, job.AttemptID, time.Now().Add(budget))
		if !ok {
			// Lost the race for the last idle worker; put the operation back.
			s.queue.PushFront(entry.Operation, entry.Priority, entry.Timestamp)
			return
		}

		s.mu.Lock()
		s.inFlight[entry.Operation.Fingerprint()] = job.AttemptID
		s.mu.Unlock()

		s.log.WithFields(logrus.Fields{
			"operation": entry.Operation.String(),
			"worker":    client.Name(),
			"attempt":   job.AttemptID,
		}).Info("Dispatching job")

		if s.metrics != nil {
			s.metrics.JobsDispatched.WithLabelValues(string(entry.Operation.Type)).Inc()
		}

		go func(client WorkerClient, job *models.Job) {
			start := time.Now()
			result, err := client.Execute(ctx, job)
			s.results <- jobOutcome{
				worker:   client.Name(),
				job:      job,
				result:   result,
				err:      err,
				duration: time.Since(start),
			}
		}(client, job)
	}
	s.publishGauges()
}

// buildJob turns an operation back into a full job payload. A nil job with
// a nil error means the operation is no longer needed.
func (s *Service) buildJob(ctx context.Context, op models.Operation) (*models.Job, error) {
	dataset, err := s.store.Dataset(ctx, op.DatasetID)
	if err != nil {
		return nil, err
	}

	switch op.Type {
	case models.OperationCompile, models.OperationEvaluate:
		submission, err := s.store.Submission(ctx, op.ObjectID)
		if err != nil {
			return nil, err
		}
		result, err := s.store.EnsureResult(ctx, op.ObjectID, op.DatasetID)
		if err != nil {
			return nil, err
		}
		if op.Type == models.OperationCompile {
			if result.Compiled() {
				return nil, nil
			}
			return s.builder.compileJob(submission, dataset), nil
		}
		if !result.CompilationSucceeded() {
			return nil, nil
		}
		if _, done := result.Evaluations[op.TestcaseCodename]; done {
			return nil, nil
		}
		return s.builder.evaluateJob(submission, dataset, result, op.TestcaseCodename)

	case models.OperationCompileUserTest, models.OperationEvaluateUserTest:
		test, err := s.store.UserTest(ctx, op.ObjectID)
		if err != nil {
			return nil, err
		}
		result, err := s.store.EnsureUserTestResult(ctx, op.ObjectID, op.DatasetID)
		if err != nil {
			return nil, err
		}
		if op.Type == models.OperationCompileUserTest {
			if result.Compiled() {
				return nil, nil
			}
			return s.builder.compileUserTestJob(test, dataset), nil
		}
		if !result.CompilationSucceeded() || result.Evaluated() {
			return nil, nil
		}
		return s.builder.evaluateUserTestJob(test, dataset, result), nil

	default:
		return nil, fmt.Errorf("unknown operation type %q", op.Type)
	}
}

// Heartbeater is optionally implemented by worker clients whose liveness can
// be probed between jobs.
type Heartbeater interface {
	Heartbeat(ctx context.Context) error
}

// checkWorkers disables busy workers whose heartbeat deadline has passed and
// requeues their jobs at the head of their band. Idle workers are probed
// with a status round-trip, so a dead one is noticed before a job is
// dispatched into it.
func (s *Service) checkWorkers(ctx context.Context) {
	for _, name := range s.pool.Expired(time.Now()) {
		s.workerLost(ctx, name)
	}
	for _, status := range s.pool.Status() {
		if status.State != WorkerIdle {
			continue
		}
		prober, ok := s.clientOf(status.Name).(Heartbeater)
		if !ok {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, s.heartbeatSlack)
		err := prober.Heartbeat(probeCtx)
		cancel()
		if err != nil {
			s.log.WithField("worker", status.Name).
				WithError(err).Warn("Idle worker stopped answering, disabling")
			s.workerLost(ctx, status.Name)
		}
	}
}

// workerLost handles a dead or erroring worker: the worker is disabled and
// its in-flight operation goes back to the head of its priority band, with
// the tries counter advanced so a persistently failing job eventually
// settles.
func (s *Service) workerLost(ctx context.Context, name string) {
	op, priority, attemptID, inFlight := s.pool.Disable(name)
	if !inFlight {
		return
	}

	s.mu.Lock()
	if s.inFlight[op.Fingerprint()] == attemptID {
		delete(s.inFlight, op.Fingerprint())
	}
	// A late answer from the disabled worker must not race the re-dispatch.
	s.ignored[attemptID] = true
	s.mu.Unlock()

	if err := s.bumpTries(ctx, op); err != nil {
		s.log.WithField("operation", op.String()).
			WithError(err).Error("Failed to advance tries counter")
	}
	s.queue.PushFront(op, priority, time.Now())
	if s.metrics != nil {
		s.metrics.JobsRequeued.Inc()
	}
	s.log.WithFields(logrus.Fields{
		"operation": op.String(),
		"worker":    name,
	}).Warn("Worker lost, operation requeued")
}

func (s *Service) bumpTries(ctx context.Context, op models.Operation) error {
	if !op.Type.ForSubmission() {
		return nil
	}
	result, err := s.store.EnsureResult(ctx, op.ObjectID, op.DatasetID)
	if err != nil {
		return err
	}
	if op.Type == models.OperationCompile {
		result.CompilationTries++
	} else {
		result.EvaluationTries++
	}
	return s.store.SaveResult(ctx, result)
}

// handleOutcome settles one worker round-trip.
func (s *Service) handleOutcome(ctx context.Context, o jobOutcome) {
	fp := o.job.Operation.Fingerprint()

	if o.err != nil {
		// RPC failure: treat the worker as gone. workerLost requeues the
		// operation and poisons the attempt id.
		s.log.WithFields(logrus.Fields{
			"operation": o.job.Operation.String(),
			"worker":    o.worker,
		}).WithError(o.err).Error("Worker RPC failed")
		s.workerLost(ctx, o.worker)

		// The RPC has returned, so no late answer can arrive for this
		// attempt; its poison entry would otherwise linger forever.
		s.mu.Lock()
		delete(s.ignored, o.job.AttemptID)
		s.mu.Unlock()
		return
	}

	s.pool.Release(o.worker)

	s.mu.Lock()
	current, running := s.inFlight[fp]
	discard := s.ignored[o.result.AttemptID] || !running || current != o.result.AttemptID
	delete(s.ignored, o.result.AttemptID)
	if running && current == o.result.AttemptID {
		delete(s.inFlight, fp)
	}
	s.mu.Unlock()

	if discard {
		s.log.WithFields(logrus.Fields{
			"operation": o.job.Operation.String(),
			"attempt":   o.result.AttemptID,
		}).Info("Discarding stale job result")
		return
	}

	if s.metrics != nil {
		opType := string(o.job.Operation.Type)
		s.metrics.JobsSettled.WithLabelValues(opType, fmt.Sprintf("%t", o.result.Success)).Inc()
		s.metrics.JobDuration.WithLabelValues(opType).Observe(o.duration.Seconds())
	}

	if err := s.settleResult(ctx, o.job, o.result); err != nil {
		s.log.WithField("operation", o.job.Operation.String()).
			WithError(err).Error("Failed to settle job result")
	}
}

// settleResult persists a job result and enqueues follow-up work. Results
// for keys that are already completed are discarded, which makes redelivery
// after a re-dispatch harmless.
func (s *Service) settleResult(ctx context.Context, job *models.Job, result *models.JobResult) error {
	switch job.Operation.Type {
	case models.OperationCompile:
		return s.settleCompilation(ctx, job, result)
	case models.OperationEvaluate:
		return s.settleEvaluation(ctx, job, result)
	case models.OperationCompileUserTest:
		return s.settleUserTestCompilation(ctx, job, result)
	case models.OperationEvaluateUserTest:
		return s.settleUserTestEvaluation(ctx, job, result)
	default:
		return fmt.Errorf("unknown operation type %q", job.Operation.Type)
	}
}

func (s *Service) settleCompilation(ctx context.Context, job *models.Job, jr *models.JobResult) error {
	result, err := s.store.EnsureResult(ctx, job.Operation.ObjectID, job.Operation.DatasetID)
	if err != nil {
		return err
	}
	if result.Compiled() {
		return nil
	}

	result.CompilationTries++

	if !jr.Success {
		if result.CompilationTries >= maxCompilationTries {
			// Give up: surface a system error instead of blocking the
			// contest on one flaky job.
			result.CompilationOutcome = models.CompilationFail
			result.CompilationText = []string{"Compilation failed %d times, giving up", fmt.Sprint(result.CompilationTries)}
			if err := s.store.SaveResult(ctx, result); err != nil {
				return err
			}
			s.log.WithFields(logrus.Fields{
				"submission": result.SubmissionID,
				"dataset":    result.DatasetID,
			}).Error("Compilation abandoned after repeated failures")
			s.scorer.Wake()
			return nil
		}
		if err := s.store.SaveResult(ctx, result); err != nil {
			return err
		}
		op := job.Operation
		return s.push(op, models.PriorityMedium)
	}

	result.CompilationStdout = jr.CompilationStdout
	result.CompilationStderr = jr.CompilationStderr
	result.CompilationText = jr.Text
	result.CompilationShard = jr.Shard
	if jr.Stats != nil {
		cpu, wall, mem := jr.Stats.CPUTime, jr.Stats.WallTime, jr.Stats.MemoryKB
		result.CompilationTime = &cpu
		result.CompilationWallTime = &wall
		result.CompilationMemoryKB = &mem
	}

	if jr.CompilationSuccess {
		result.CompilationOutcome = models.CompilationOK
		for filename, digest := range jr.ExecutableDigests {
			result.Executables[filename] = &models.Executable{
				SubmissionID: result.SubmissionID,
				DatasetID:    result.DatasetID,
				Filename:     filename,
				Digest:       digest,
			}
		}
	} else {
		result.CompilationOutcome = models.CompilationFail
	}

	if err := s.store.SaveResult(ctx, result); err != nil {
		return err
	}

	if result.CompilationFailed() {
		s.scorer.Wake()
		return nil
	}
	return s.enqueueOutstanding(ctx, result)
}

func (s *Service) settleEvaluation(ctx context.Context, job *models.Job, jr *models.JobResult) error {
	result, err := s.store.EnsureResult(ctx, job.Operation.ObjectID, job.Operation.DatasetID)
	if err != nil {
		return err
	}
	codename := job.Operation.TestcaseCodename
	if _, done := result.Evaluations[codename]; done || result.Evaluated() {
		return nil
	}
	dataset, err := s.store.Dataset(ctx, job.Operation.DatasetID)
	if err != nil {
		return err
	}
	testcase, ok := dataset.Testcases[codename]
	if !ok {
		// The dataset was edited under the job. Discard silently.
		return nil
	}

	result.EvaluationTries++

	if !jr.Success {
		if result.EvaluationTries < maxEvaluationTries {
			if err := s.store.SaveResult(ctx, result); err != nil {
				return err
			}
			return s.push(job.Operation, models.PriorityLow)
		}
		// Settle with a zero outcome so scoring can proceed.
		jr.Outcome = "0.0"
		jr.Text = []string{"Evaluation failed %d times", fmt.Sprint(result.EvaluationTries)}
		jr.Stats = nil
		s.log.WithFields(logrus.Fields{
			"submission": result.SubmissionID,
			"dataset":    result.DatasetID,
			"testcase":   codename,
		}).Error("Evaluation abandoned after repeated failures")
	}

	evaluation := &models.Evaluation{
		SubmissionID: result.SubmissionID,
		DatasetID:    result.DatasetID,
		TestcaseID:   testcase.ID,
		Codename:     codename,
		Outcome:      jr.Outcome,
		Text:         jr.Text,
		Shard:        jr.Shard,
	}
	if jr.Stats != nil {
		cpu, wall, mem := jr.Stats.CPUTime, jr.Stats.WallTime, jr.Stats.MemoryKB
		evaluation.ExecutionTime = &cpu
		evaluation.ExecutionWall = &wall
		evaluation.ExecutionMemoryKB = &mem
	}
	result.Evaluations[codename] = evaluation

	if len(result.Evaluations) == len(dataset.Testcases) {
		result.SetEvaluationOutcome()
	}
	if err := s.store.SaveResult(ctx, result); err != nil {
		return err
	}
	if result.Evaluated() {
		s.log.WithFields(logrus.Fields{
			"submission": result.SubmissionID,
			"dataset":    result.DatasetID,
		}).Info("Submission fully evaluated")
		s.scorer.Wake()
	}
	return nil
}

func (s *Service) settleUserTestCompilation(ctx context.Context, job *models.Job, jr *models.JobResult) error {
	result, err := s.store.EnsureUserTestResult(ctx, job.Operation.ObjectID, job.Operation.DatasetID)
	if err != nil {
		return err
	}
	if result.Compiled() {
		return nil
	}

	result.CompilationTries++

	if !jr.Success {
		if result.CompilationTries >= maxCompilationTries {
			result.CompilationOutcome = models.CompilationFail
			result.CompilationText = []string{"Compilation failed %d times, giving up", fmt.Sprint(result.CompilationTries)}
			return s.store.SaveUserTestResult(ctx, result)
		}
		if err := s.store.SaveUserTestResult(ctx, result); err != nil {
			return err
		}
		return s.push(job.Operation, models.PriorityMedium)
	}

	result.CompilationText = jr.Text
	if jr.Stats != nil {
		cpu, mem := jr.Stats.CPUTime, jr.Stats.MemoryKB
		result.CompilationTime = &cpu
		result.CompilationMemoryKB = &mem
	}
	if jr.CompilationSuccess {
		result.CompilationOutcome = models.CompilationOK
		for filename, digest := range jr.ExecutableDigests {
			result.Executables[filename] = &models.Executable{Filename: filename, Digest: digest}
		}
	} else {
		result.CompilationOutcome = models.CompilationFail
	}
	if err := s.store.SaveUserTestResult(ctx, result); err != nil {
		return err
	}
	if !result.CompilationSucceeded() {
		return nil
	}
	op := models.Operation{
		Type:      models.OperationEvaluateUserTest,
		ObjectID:  job.Operation.ObjectID,
		DatasetID: job.Operation.DatasetID,
	}
	return s.push(op, models.PriorityMedium)
}

func (s *Service) settleUserTestEvaluation(ctx context.Context, job *models.Job, jr *models.JobResult) error {
	result, err := s.store.EnsureUserTestResult(ctx, job.Operation.ObjectID, job.Operation.DatasetID)
	if err != nil {
		return err
	}
	if result.Evaluated() {
		return nil
	}

	result.EvaluationTries++

	if !jr.Success {
		if result.EvaluationTries < maxEvaluationTries {
			if err := s.store.SaveUserTestResult(ctx, result); err != nil {
				return err
			}
			return s.push(job.Operation, models.PriorityMedium)
		}
		jr.Text = []string{"Evaluation failed %d times", fmt.Sprint(result.EvaluationTries)}
		jr.Stats = nil
	}

	result.EvaluationOutcome = models.EvaluationOK
	result.EvaluationText = jr.Text
	result.Output = jr.UserOutputDigest
	if jr.Stats != nil {
		cpu, mem := jr.Stats.CPUTime, jr.Stats.MemoryKB
		result.ExecutionTime = &cpu
		result.ExecutionMemoryKB = &mem
	}
	return s.store.SaveUserTestResult(ctx, result)
}

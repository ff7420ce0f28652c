// Package worker executes compilation and evaluation jobs inside sandboxes.
// A worker is stateless between jobs: everything it needs arrives in the job
// payload and everything it produces leaves in the result, so any worker can
// run any job and a lost worker loses nothing but time.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dev.helix.grader/internal/blobstore"
	"dev.helix.grader/internal/config"
	"dev.helix.grader/internal/models"
	"dev.helix.grader/internal/sandbox"
)

// Worker runs one job at a time.
type Worker struct {
	env   *Env
	name  string
	log   *logrus.Logger
	clock func() time.Time

	mu       sync.Mutex
	current  *models.Operation
	ignored  map[string]bool // attempt ids whose results must be discarded
	jobStart time.Time
}

// Status is a snapshot of what the worker is doing, for the queue status
// endpoint.
type Status struct {
	Name       string            `json:"name"`
	Operation  *models.Operation `json:"operation,omitempty"`
	RunningFor float64           `json:"running_for,omitempty"`
}

// New assembles a worker from its dependencies.
func New(name string, cfg *config.Config, store blobstore.Store, boxes sandbox.Service, log *logrus.Logger) *Worker {
	if log == nil {
		log = logrus.New()
	}
	return &Worker{
		env: &Env{
			Store:         store,
			Boxes:         boxes,
			Languages:     cfg.Language,
			MaxFileSizeKB: cfg.Sandbox.MaxFileSizeKB,
			TempDir:       cfg.Sandbox.TempDir,
			Log:           log,
		},
		name:  name,
		log:   log,
		clock: time.Now,
	}
}

// Execute carries out one job and returns its result. The result's Success
// field describes the infrastructure; grading verdicts live in the outcome
// and text fields.
func (w *Worker) Execute(ctx context.Context, job *models.Job) *models.JobResult {
	result := &models.JobResult{
		Operation: job.Operation,
		AttemptID: job.AttemptID,
		Shard:     w.name,
	}

	w.mu.Lock()
	op := job.Operation
	w.current = &op
	w.jobStart = w.clock()
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.current = nil
		w.mu.Unlock()
	}()

	log := w.log.WithFields(logrus.Fields{
		"operation": job.Operation.String(),
		"attempt":   job.AttemptID,
	})
	log.Info("Starting job")
	start := w.clock()

	taskType, err := NewTaskType(job.TaskType, job.TaskTypeParameters)
	if err != nil {
		configurationError(w.env, result, "%v", err)
		return result
	}

	switch job.Operation.Type {
	case models.OperationCompile, models.OperationCompileUserTest:
		taskType.Compile(ctx, w.env, job, result)
	case models.OperationEvaluate, models.OperationEvaluateUserTest:
		taskType.Evaluate(ctx, w.env, job, result)
	default:
		configurationError(w.env, result, "unknown operation type %q", job.Operation.Type)
	}

	if w.wasIgnored(job.AttemptID) {
		// The scheduler asked us to forget this job mid-flight; report a
		// non-retriable discard instead of the real result.
		result.Success = false
		result.Poisonous = false
		result.Error = "job ignored"
		log.Info("Job was ignored, discarding result")
		return result
	}

	log.WithFields(logrus.Fields{
		"success":  result.Success,
		"duration": w.clock().Sub(start).Seconds(),
	}).Info("Job finished")
	return result
}

// Ignore asks the worker to discard the result of the given attempt, whether
// it is still running or already finished.
func (w *Worker) Ignore(attemptID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ignored == nil {
		w.ignored = make(map[string]bool)
	}
	w.ignored[attemptID] = true
	w.log.WithField("attempt", attemptID).Info("Marked job as ignored")
}

func (w *Worker) wasIgnored(attemptID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ignored[attemptID]
}

// Status reports what the worker is currently running.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{Name: w.name, Operation: w.current}
	if w.current != nil {
		s.RunningFor = w.clock().Sub(w.jobStart).Seconds()
	}
	return s
}

// Precache warms the local blob cache with the given digests, so evaluation
// jobs for a fresh dataset do not all stall on storage at once.
func (w *Worker) Precache(ctx context.Context, digests []string) error {
	for _, digest := range digests {
		if _, err := w.env.Store.Get(ctx, digest); err != nil {
			return err
		}
	}
	return nil
}

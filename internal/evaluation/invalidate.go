package evaluation

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"dev.helix.grader/internal/models"
)

// InvalidationLevel selects how much of a result an invalidation clears.
type InvalidationLevel string

const (
	InvalidateCompilation InvalidationLevel = "compilation"
	InvalidateEvaluation  InvalidationLevel = "evaluation"
)

// InvalidateSubmission clears the chosen level of the submission's result on
// one dataset (or, with datasetID nil, on the task's active dataset) and
// re-enqueues the outstanding operations. Queued and in-flight operations of
// the old state are cancelled first so a stale worker answer cannot land in
// the freshly cleared row.
func (s *Service) InvalidateSubmission(ctx context.Context, submissionID int64,
	datasetID *int64, level InvalidationLevel) error {

	submission, err := s.store.Submission(ctx, submissionID)
	if err != nil {
		return fmt.Errorf("failed to load submission: %w", err)
	}

	var target int64
	if datasetID != nil {
		target = *datasetID
	} else {
		task, err := s.store.Task(ctx, submission.TaskID)
		if err != nil {
			return fmt.Errorf("failed to load task: %w", err)
		}
		if task.ActiveDatasetID == nil {
			return nil
		}
		target = *task.ActiveDatasetID
	}

	result, err := s.store.EnsureResult(ctx, submissionID, target)
	if err != nil {
		return fmt.Errorf("failed to load result row: %w", err)
	}

	s.cancelResultOps(ctx, submissionID, target)

	switch level {
	case InvalidateCompilation:
		result.InvalidateCompilation()
	case InvalidateEvaluation:
		result.InvalidateEvaluation()
	default:
		return fmt.Errorf("unknown invalidation level %q", level)
	}
	if err := s.store.SaveResult(ctx, result); err != nil {
		return fmt.Errorf("failed to persist invalidation: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"submission": submissionID,
		"dataset":    target,
		"level":      level,
	}).Info("Submission invalidated")

	return s.enqueueOutstanding(ctx, result)
}

// DatasetSwapped is called after a task's active dataset changed. Every
// submission of the task gets a result row on the new dataset and the
// operations to fill it; compile artefacts already present on that row are
// kept.
func (s *Service) DatasetSwapped(ctx context.Context, taskID int64) error {
	task, err := s.store.Task(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to load task: %w", err)
	}
	active := task.ActiveDataset()
	if active == nil {
		return nil
	}
	submissions, err := s.store.SubmissionsForTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to list submissions: %w", err)
	}

	for _, submission := range submissions {
		result, err := s.store.EnsureResult(ctx, submission.ID, active.ID)
		if err != nil {
			return fmt.Errorf("failed to create result row: %w", err)
		}
		if err := s.enqueueResultOps(submission, active, result, true); err != nil {
			return err
		}
	}
	s.log.WithFields(logrus.Fields{
		"task":        task.Name,
		"dataset":     active.ID,
		"submissions": len(submissions),
	}).Info("Active dataset swapped, submissions re-enqueued")
	return nil
}

// IgnoreOperation cancels one queued or in-flight operation. An in-flight
// attempt is poisoned so its eventual answer is discarded, and the worker is
// told it may abandon the job.
func (s *Service) IgnoreOperation(ctx context.Context, op models.Operation) {
	fp := op.Fingerprint()
	if s.queue.Remove(fp) {
		return
	}

	s.mu.Lock()
	attemptID, running := s.inFlight[fp]
	if running {
		delete(s.inFlight, fp)
		s.ignored[attemptID] = true
	}
	s.mu.Unlock()
	if !running {
		return
	}

	for _, status := range s.pool.Status() {
		if status.State != WorkerBusy || status.Operation == nil {
			continue
		}
		if status.Operation.Fingerprint() != fp {
			continue
		}
		if current, ok := s.pool.AttemptOf(status.Name); ok && current == attemptID {
			// Best effort; the poisoned attempt id protects correctness.
			if client := s.clientOf(status.Name); client != nil {
				if err := client.Ignore(ctx, attemptID); err != nil {
					s.log.WithField("worker", status.Name).
						WithError(err).Warn("Failed to signal ignored job")
				}
			}
		}
	}
}

// cancelResultOps drops every queued or in-flight operation touching one
// (submission, dataset) pair.
func (s *Service) cancelResultOps(ctx context.Context, submissionID, datasetID int64) {
	compile := models.Operation{
		Type:      models.OperationCompile,
		ObjectID:  submissionID,
		DatasetID: datasetID,
	}
	s.IgnoreOperation(ctx, compile)

	dataset, err := s.store.Dataset(ctx, datasetID)
	if err != nil {
		return
	}
	for _, codename := range dataset.TestcaseCodenames() {
		s.IgnoreOperation(ctx, models.Operation{
			Type:             models.OperationEvaluate,
			ObjectID:         submissionID,
			DatasetID:        datasetID,
			TestcaseCodename: codename,
		})
	}
}

func (s *Service) clientOf(name string) WorkerClient {
	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	if w, ok := s.pool.workers[name]; ok {
		return w.client
	}
	return nil
}

// DisableWorker takes a worker out of rotation. An in-flight job is requeued
// at the head of its band, exactly as if the worker had died.
func (s *Service) DisableWorker(ctx context.Context, name string) {
	s.workerLost(ctx, name)
}

// EnableWorker puts a disabled worker back into rotation.
func (s *Service) EnableWorker(name string) error {
	return s.pool.Enable(name)
}

// Status is a point-in-time snapshot of the scheduler for the operator API.
type Status struct {
	QueueDepths [priorityBands]int        `json:"queue_depths"`
	QueueLength int                       `json:"queue_length"`
	InFlight    int                       `json:"in_flight"`
	Workers     []WorkerStatus            `json:"workers"`
	Queued      []models.QueuedOperation  `json:"queued,omitempty"`
}

// Status reports the queue depths, in-flight count and worker states.
func (s *Service) Status(includeQueue bool) Status {
	s.mu.Lock()
	inFlight := len(s.inFlight)
	s.mu.Unlock()

	status := Status{
		QueueDepths: s.queue.Depths(),
		QueueLength: s.queue.Len(),
		InFlight:    inFlight,
		Workers:     s.pool.Status(),
	}
	if includeQueue {
		status.Queued = s.queue.Snapshot()
	}
	return status
}

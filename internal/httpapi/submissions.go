package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"dev.helix.grader/internal/cache"
	"dev.helix.grader/internal/evaluation"
	"dev.helix.grader/internal/models"
)

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid " + name})
		return 0, false
	}
	return id, true
}

// NewSubmission enqueues the operations of a freshly received submission.
func (a *API) NewSubmission(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := a.eval.NewSubmission(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"submission_id": id})
}

// NewUserTest enqueues the operations of a user test.
func (a *API) NewUserTest(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := a.eval.NewUserTest(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"user_test_id": id})
}

// InvalidateRequest selects what to clear and on which dataset.
type InvalidateRequest struct {
	DatasetID *int64 `json:"dataset_id"`
	Level     string `json:"level" binding:"required,oneof=compilation evaluation"`
}

// InvalidateSubmission clears part of a submission's result and re-enqueues
// the work to rebuild it.
func (a *API) InvalidateSubmission(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	req := InvalidateRequest{}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	level := evaluation.InvalidationLevel(req.Level)
	if err := a.eval.InvalidateSubmission(c.Request.Context(), id, req.DatasetID, level); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	if a.status != nil {
		if err := a.status.InvalidateSubmission(c.Request.Context(), id); err != nil {
			a.log.WithError(err).Warn("Failed to invalidate status cache")
		}
	}
	c.JSON(http.StatusAccepted, gin.H{"submission_id": id, "level": req.Level})
}

// SubmissionTokened notifies the ranking proxy that a token was played.
func (a *API) SubmissionTokened(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if a.proxy != nil {
		a.proxy.SubmissionTokened(id, time.Now())
	}
	c.JSON(http.StatusAccepted, gin.H{"submission_id": id})
}

// SubmissionStatus answers through the cache: the database is consulted only
// on a miss and the computed status is cached for the next poll.
func (a *API) SubmissionStatus(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	datasetID, err := a.resolveDataset(c, id)
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
		return
	}

	status, err := a.statusFor(ctx, id, datasetID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

// ContestSubmissionsStatus reports the status of every submission in a
// contest on its task's active dataset.
func (a *API) ContestSubmissionsStatus(c *gin.Context) {
	contestID, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	submissions, err := a.store.SubmissionsForContest(ctx, contestID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	tasks := make(map[int64]*models.Task)
	statuses := make([]*cache.SubmissionStatus, 0, len(submissions))
	for _, submission := range submissions {
		task, ok := tasks[submission.TaskID]
		if !ok {
			task, err = a.store.Task(ctx, submission.TaskID)
			if err != nil {
				c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
				return
			}
			tasks[submission.TaskID] = task
		}
		if task.ActiveDatasetID == nil {
			continue
		}
		status, err := a.statusFor(ctx, submission.ID, *task.ActiveDatasetID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
			return
		}
		statuses = append(statuses, status)
	}
	c.JSON(http.StatusOK, gin.H{"submissions": statuses})
}

// statusFor answers through the cache, computing from the database and
// caching on a miss.
func (a *API) statusFor(ctx context.Context, submissionID, datasetID int64) (*cache.SubmissionStatus, error) {
	if a.status != nil {
		if status, err := a.status.Get(ctx, submissionID, datasetID); err == nil {
			return status, nil
		} else if !errors.Is(err, cache.ErrMiss) {
			a.log.WithError(err).Warn("Status cache read failed")
		}
	}

	status, err := a.computeStatus(ctx, submissionID, datasetID)
	if err != nil {
		return nil, err
	}
	if a.status != nil {
		if err := a.status.Put(ctx, status); err != nil {
			a.log.WithError(err).Warn("Status cache write failed")
		}
	}
	return status, nil
}

// resolveDataset picks the dataset to report on: the dataset_id query
// parameter when given, the task's active dataset otherwise.
func (a *API) resolveDataset(c *gin.Context, submissionID int64) (int64, error) {
	if raw := c.Query("dataset_id"); raw != "" {
		return strconv.ParseInt(raw, 10, 64)
	}
	submission, err := a.store.Submission(c.Request.Context(), submissionID)
	if err != nil {
		return 0, err
	}
	task, err := a.store.Task(c.Request.Context(), submission.TaskID)
	if err != nil {
		return 0, err
	}
	if task.ActiveDatasetID == nil {
		return 0, errors.New("task has no active dataset")
	}
	return *task.ActiveDatasetID, nil
}

func (a *API) computeStatus(ctx context.Context, submissionID, datasetID int64) (*cache.SubmissionStatus, error) {
	status := &cache.SubmissionStatus{
		SubmissionID: submissionID,
		DatasetID:    datasetID,
		Status:       "compiling",
	}

	dataset, err := a.store.Dataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	status.Total = len(dataset.Testcases)

	result, err := a.store.Result(ctx, submissionID, datasetID)
	if err != nil {
		// No row yet: the submission is still waiting for its first compile.
		return status, nil
	}
	status.Evaluated = len(result.Evaluations)

	switch {
	case result.CompilationFailed():
		status.Status = "compilation_failed"
	case !result.CompilationSucceeded():
		status.Status = "compiling"
	case !result.Evaluated():
		status.Status = "evaluating"
	case !result.Scored():
		status.Status = "scoring"
	default:
		status.Status = "scored"
		status.Score = result.Score
		status.PublicScore = result.PublicScore
	}
	return status, nil
}

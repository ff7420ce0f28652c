package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ActivateDatasetRequest names the dataset to make authoritative.
type ActivateDatasetRequest struct {
	DatasetID int64 `json:"dataset_id" binding:"required"`
}

// ActivateDataset switches a task's active dataset and re-enqueues every
// submission of the task against it. Existing result rows on the new dataset
// keep their artefacts.
func (a *API) ActivateDataset(c *gin.Context) {
	taskID, ok := pathID(c, "id")
	if !ok {
		return
	}
	req := ActivateDatasetRequest{}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	ctx := c.Request.Context()
	if err := a.store.SetActiveDataset(ctx, taskID, req.DatasetID); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	if err := a.eval.DatasetSwapped(ctx, taskID); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "dataset_id": req.DatasetID})
}

// QueueStatus reports the scheduler snapshot. ?queue=true includes the
// queued operations themselves.
func (a *API) QueueStatus(c *gin.Context) {
	includeQueue := c.Query("queue") == "true"
	c.JSON(http.StatusOK, a.eval.Status(includeQueue))
}

// Workers lists the pool with each worker's state.
func (a *API) Workers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"workers": a.eval.Status(false).Workers})
}

// DisableWorker takes a worker out of rotation, requeueing its job.
func (a *API) DisableWorker(c *gin.Context) {
	name := c.Param("name")
	a.eval.DisableWorker(c.Request.Context(), name)
	c.JSON(http.StatusOK, gin.H{"worker": name, "state": "disabled"})
}

// EnableWorker puts a disabled worker back into rotation.
func (a *API) EnableWorker(c *gin.Context) {
	name := c.Param("name")
	if err := a.eval.EnableWorker(name); err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"worker": name, "state": "idle"})
}

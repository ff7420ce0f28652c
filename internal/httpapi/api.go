// Package httpapi is the operator-facing HTTP surface of the grader: hooks
// the contest frontend calls on new submissions, admin actions on workers and
// datasets, and read endpoints for queue and submission status. Contestants
// never talk to it directly.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"dev.helix.grader/internal/cache"
	"dev.helix.grader/internal/evaluation"
	"dev.helix.grader/internal/metrics"
	"dev.helix.grader/internal/models"
	"dev.helix.grader/internal/rankingproxy"
)

// Store is the slice of the database the API reads directly.
type Store interface {
	Submission(ctx context.Context, id int64) (*models.Submission, error)
	SubmissionsForContest(ctx context.Context, contestID int64) ([]*models.Submission, error)
	Task(ctx context.Context, id int64) (*models.Task, error)
	Dataset(ctx context.Context, id int64) (*models.Dataset, error)
	Result(ctx context.Context, submissionID, datasetID int64) (*models.SubmissionResult, error)
	SetActiveDataset(ctx context.Context, taskID, datasetID int64) error
}

// ErrorResponse carries an error message to the caller.
type ErrorResponse struct {
	Error string `json:"error"`
}

// API bundles the handlers and their dependencies.
type API struct {
	eval      *evaluation.Service
	proxy     *rankingproxy.Proxy
	store     Store
	status    *cache.StatusCache
	collector *metrics.Collector
	log       *logrus.Logger
}

// New assembles the API. proxy, status and collector may be nil; the
// endpoints needing them degrade gracefully.
func New(eval *evaluation.Service, proxy *rankingproxy.Proxy, store Store,
	status *cache.StatusCache, collector *metrics.Collector, log *logrus.Logger) *API {

	if log == nil {
		log = logrus.New()
	}
	return &API{
		eval:      eval,
		proxy:     proxy,
		store:     store,
		status:    status,
		collector: collector,
		log:       log,
	}
}

// Router builds the gin engine with all routes registered.
func (a *API) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", a.Health)
	if a.collector != nil {
		router.GET("/metrics", gin.WrapH(a.collector.Handler()))
	}

	v1 := router.Group("/api/v1")
	{
		v1.POST("/submissions/:id/evaluate", a.NewSubmission)
		v1.POST("/submissions/:id/invalidate", a.InvalidateSubmission)
		v1.POST("/submissions/:id/token", a.SubmissionTokened)
		v1.GET("/submissions/:id/status", a.SubmissionStatus)
		v1.GET("/contests/:id/submissions/status", a.ContestSubmissionsStatus)

		v1.POST("/user_tests/:id/evaluate", a.NewUserTest)

		v1.POST("/tasks/:id/active_dataset", a.ActivateDataset)

		v1.GET("/queue", a.QueueStatus)
		v1.GET("/workers", a.Workers)
		v1.POST("/workers/:name/disable", a.DisableWorker)
		v1.POST("/workers/:name/enable", a.EnableWorker)
	}
	return router
}

// Serve runs the API until the context is cancelled, then shuts down
// gracefully.
func (a *API) Serve(ctx context.Context, addr string) error {
	server := &http.Server{Addr: addr, Handler: a.Router()}

	errs := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

// Health reports liveness.
func (a *API) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

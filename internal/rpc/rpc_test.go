package rpc

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.grader/internal/models"
	"dev.helix.grader/internal/worker"
)

// fakeWorkerService stands in for a real worker behind the server.
type fakeWorkerService struct {
	mu       sync.Mutex
	ignored  []string
	precache []string
	block    chan struct{} // when set, Execute waits on it
	answer   func(job *models.Job) *models.JobResult
}

func (f *fakeWorkerService) Execute(ctx context.Context, job *models.Job) *models.JobResult {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return &models.JobResult{
				Operation: job.Operation,
				AttemptID: job.AttemptID,
				Error:     ctx.Err().Error(),
			}
		}
	}
	if f.answer != nil {
		return f.answer(job)
	}
	return &models.JobResult{
		Operation: job.Operation,
		AttemptID: job.AttemptID,
		Shard:     "fake",
		Success:   true,
		Outcome:   "1.0",
		Text:      []string{"Output is correct"},
	}
}

func (f *fakeWorkerService) Ignore(attemptID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ignored = append(f.ignored, attemptID)
}

func (f *fakeWorkerService) Status() worker.Status {
	return worker.Status{Name: "fake"}
}

func (f *fakeWorkerService) Precache(ctx context.Context, digests []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.precache = append(f.precache, digests...)
	return nil
}

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

// startServer runs a Server on a loopback listener and returns a connected
// client for it.
func startServer(t *testing.T, svc *fakeWorkerService) *Client {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		NewServer(svc, quietLog()).Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	client := NewClient("worker-0", ln.Addr().String(), quietLog())
	t.Cleanup(func() { client.Close() })
	return client
}

func TestExecuteRoundTrip(t *testing.T) {
	svc := &fakeWorkerService{}
	client := startServer(t, svc)

	job := &models.Job{
		Operation: models.Operation{
			Type:             models.OperationEvaluate,
			ObjectID:         100,
			DatasetID:        10,
			TestcaseCodename: "01",
		},
		AttemptID: "attempt-1",
		TaskType:  "Batch",
	}
	result, err := client.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "1.0", result.Outcome)
	assert.Equal(t, "attempt-1", result.AttemptID)
	assert.Equal(t, job.Operation, result.Operation)
}

func TestIgnoreReachesTheWorker(t *testing.T) {
	svc := &fakeWorkerService{}
	client := startServer(t, svc)

	require.NoError(t, client.Ignore(context.Background(), "attempt-9"))

	svc.mu.Lock()
	defer svc.mu.Unlock()
	assert.Equal(t, []string{"attempt-9"}, svc.ignored)
}

func TestIgnoreWhileExecuteIsRunning(t *testing.T) {
	// ignore_job must get through even while execute_job is in flight, or
	// cancellation would be useless exactly when it matters.
	svc := &fakeWorkerService{block: make(chan struct{})}
	client := startServer(t, svc)

	executeDone := make(chan error, 1)
	go func() {
		_, err := client.Execute(context.Background(), &models.Job{AttemptID: "slow"})
		executeDone <- err
	}()

	require.Eventually(t, func() bool {
		return client.Ignore(context.Background(), "slow") == nil
	}, 2*time.Second, 10*time.Millisecond)

	close(svc.block)
	require.NoError(t, <-executeDone)

	svc.mu.Lock()
	defer svc.mu.Unlock()
	assert.Equal(t, []string{"slow"}, svc.ignored)
}

func TestStatusAndPrecache(t *testing.T) {
	svc := &fakeWorkerService{}
	client := startServer(t, svc)

	status, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fake", status.Name)

	require.NoError(t, client.Precache(context.Background(), []string{"aa", "bb"}))
	svc.mu.Lock()
	defer svc.mu.Unlock()
	assert.Equal(t, []string{"aa", "bb"}, svc.precache)
}

func TestHeartbeatRoundTrip(t *testing.T) {
	svc := &fakeWorkerService{}
	client := startServer(t, svc)

	require.NoError(t, client.Heartbeat(context.Background()))

	dead := NewClient("worker-9", "127.0.0.1:1", quietLog())
	assert.Error(t, dead.Heartbeat(context.Background()))
}

func TestExecuteFailsWhenServerIsGone(t *testing.T) {
	client := NewClient("worker-0", "127.0.0.1:1", quietLog())
	_, err := client.Execute(context.Background(), &models.Job{AttemptID: "a"})
	assert.Error(t, err)
}

func TestClientRedialsAfterConnectionLoss(t *testing.T) {
	svc := &fakeWorkerService{}
	client := startServer(t, svc)

	_, err := client.Execute(context.Background(), &models.Job{AttemptID: "a"})
	require.NoError(t, err)

	// Sever the connection behind the client's back; the next call must
	// redial instead of failing forever.
	require.NoError(t, client.Close())

	result, err := client.Execute(context.Background(), &models.Job{AttemptID: "b"})
	require.NoError(t, err)
	assert.Equal(t, "b", result.AttemptID)
}

func TestExecuteHonoursContextDeadline(t *testing.T) {
	svc := &fakeWorkerService{block: make(chan struct{})}
	defer close(svc.block)
	client := startServer(t, svc)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.Execute(ctx, &models.Job{AttemptID: "stuck"})
	assert.Error(t, err)
}

func TestUnknownMethodIsRejected(t *testing.T) {
	svc := &fakeWorkerService{}
	client := startServer(t, svc)

	err := client.call(context.Background(), "no_such_method", struct{}{}, &struct{}{})
	assert.Error(t, err)
}

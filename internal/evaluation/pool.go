package evaluation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dev.helix.grader/internal/models"
)

// WorkerClient is the scheduler's view of one remote worker.
type WorkerClient interface {
	Name() string
	Execute(ctx context.Context, job *models.Job) (*models.JobResult, error)
	// Ignore tells the worker that the attempt's result will be discarded,
	// so it may abandon the job early.
	Ignore(ctx context.Context, attemptID string) error
}

// WorkerState is the scheduling state of one pooled worker.
type WorkerState string

const (
	WorkerIdle     WorkerState = "idle"
	WorkerBusy     WorkerState = "busy"
	WorkerDisabled WorkerState = "disabled"
)

type pooledWorker struct {
	client WorkerClient
	state  WorkerState

	// Busy-only fields.
	operation models.Operation
	priority  int
	attemptID string
	startedAt time.Time
	deadline  time.Time
}

// WorkerStatus is the externally visible state of one worker.
type WorkerStatus struct {
	Name      string            `json:"name"`
	State     WorkerState       `json:"state"`
	Operation *models.Operation `json:"operation,omitempty"`
	StartedAt *time.Time        `json:"started_at,omitempty"`
}

// Pool tracks the workers known to the scheduler and which job, if any, each
// one is running. It does not talk to the workers itself; the scheduler does
// the dispatching and feeds state changes back in.
type Pool struct {
	mu      sync.Mutex
	workers map[string]*pooledWorker
	log     *logrus.Logger
}

func NewPool(log *logrus.Logger) *Pool {
	if log == nil {
		log = logrus.New()
	}
	return &Pool{
		workers: make(map[string]*pooledWorker),
		log:     log,
	}
}

// Add registers a worker as idle. Re-adding a disabled worker re-enables it;
// re-adding a busy worker is an error, its in-flight job must be settled
// first.
func (p *Pool) Add(client WorkerClient) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	name := client.Name()
	if w, ok := p.workers[name]; ok {
		if w.state == WorkerBusy {
			return fmt.Errorf("worker %s is busy, cannot re-register", name)
		}
		w.client = client
		w.state = WorkerIdle
		p.log.WithField("worker", name).Info("Worker re-enabled")
		return nil
	}
	p.workers[name] = &pooledWorker{client: client, state: WorkerIdle}
	p.log.WithField("worker", name).Info("Worker registered")
	return nil
}

// AcquireIdle picks an idle worker and marks it busy on the given attempt.
// The deadline is the heartbeat cutoff after which the worker is presumed
// dead and the operation is requeued.
func (p *Pool) AcquireIdle(op models.Operation, priority int, attemptID string, deadline time.Time) (WorkerClient, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, w := range p.workers {
		if w.state != WorkerIdle {
			continue
		}
		w.state = WorkerBusy
		w.operation = op
		w.priority = priority
		w.attemptID = attemptID
		w.startedAt = time.Now()
		w.deadline = deadline
		return w.client, true
	}
	return nil, false
}

// Release marks a busy worker idle again, after its result was settled.
func (p *Pool) Release(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[name]
	if !ok || w.state != WorkerBusy {
		return
	}
	w.state = WorkerIdle
	w.operation = models.Operation{}
	w.attemptID = ""
}

// Disable marks a worker disabled, returning its in-flight operation (if
// any) so the scheduler can requeue it. The worker stays disabled until it
// re-registers.
func (p *Pool) Disable(name string) (models.Operation, int, string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[name]
	if !ok {
		return models.Operation{}, 0, "", false
	}
	inFlight := w.state == WorkerBusy
	op, priority, attempt := w.operation, w.priority, w.attemptID
	w.state = WorkerDisabled
	w.operation = models.Operation{}
	w.attemptID = ""
	p.log.WithField("worker", name).Warn("Worker disabled")
	return op, priority, attempt, inFlight
}

// Enable puts a disabled worker back into rotation.
func (p *Pool) Enable(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[name]
	if !ok {
		return fmt.Errorf("unknown worker %s", name)
	}
	if w.state != WorkerDisabled {
		return nil
	}
	w.state = WorkerIdle
	p.log.WithField("worker", name).Info("Worker enabled")
	return nil
}

// Expired returns the names of busy workers whose heartbeat deadline has
// passed.
func (p *Pool) Expired(now time.Time) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var expired []string
	for name, w := range p.workers {
		if w.state == WorkerBusy && now.After(w.deadline) {
			expired = append(expired, name)
		}
	}
	return expired
}

// AttemptOf returns the attempt currently assigned to a worker.
func (p *Pool) AttemptOf(name string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[name]
	if !ok || w.state != WorkerBusy {
		return "", false
	}
	return w.attemptID, true
}

// IdleCount returns the number of workers ready to accept a job.
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	count := 0
	for _, w := range p.workers {
		if w.state == WorkerIdle {
			count++
		}
	}
	return count
}

// Status returns the state of every pooled worker.
func (p *Pool) Status() []WorkerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]WorkerStatus, 0, len(p.workers))
	for name, w := range p.workers {
		status := WorkerStatus{Name: name, State: w.state}
		if w.state == WorkerBusy {
			op := w.operation
			started := w.startedAt
			status.Operation = &op
			status.StartedAt = &started
		}
		out = append(out, status)
	}
	return out
}

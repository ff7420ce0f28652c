// Package rankingproxy mirrors scores and contest metadata to external
// ranking servers over HTTP. Delivery is asynchronous: callers enqueue
// changes and a per-endpoint consumer pushes them out, retrying with
// exponential backoff, so a slow or dead ranking never blocks scoring.
package rankingproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dev.helix.grader/internal/metrics"
)

const (
	initialBackoff = 2 * time.Second
	maxBackoff     = 60 * time.Second
	requestTimeout = 30 * time.Second
)

// operation is one HTTP call to make against a ranking endpoint.
type operation struct {
	method   string // http.MethodPut or http.MethodDelete
	resource string // "contests", "tasks", "users", "teams", "submissions", "subchanges"
	key      string
	body     any
}

func (o operation) path() string {
	return o.resource + "/" + url.PathEscape(o.key)
}

// Endpoint is one ranking server and its delivery queue. A single consumer
// goroutine drains the queue in order, which preserves per-resource ordering
// by construction. The queue is unbounded: operations must never be lost, so
// a slow or down ranking accumulates them until it answers again.
type Endpoint struct {
	baseURL  string
	username string
	password string

	client  *http.Client
	log     *logrus.Logger
	metrics *metrics.Collector

	// Backoff bounds, adjustable in tests.
	initialBackoff time.Duration
	maxBackoff     time.Duration

	mu      sync.Mutex
	pending []operation
	wake    chan struct{}
}

func NewEndpoint(rawURL, username, password string, log *logrus.Logger) (*Endpoint, error) {
	if log == nil {
		log = logrus.New()
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ranking URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("ranking URL must be http or https, got %q", parsed.Scheme)
	}
	// Credentials may ride in the URL itself.
	if parsed.User != nil {
		username = parsed.User.Username()
		if pw, ok := parsed.User.Password(); ok {
			password = pw
		}
		parsed.User = nil
	}
	return &Endpoint{
		baseURL:        strings.TrimRight(parsed.String(), "/"),
		username:       username,
		password:       password,
		client:         &http.Client{Timeout: requestTimeout},
		log:            log,
		wake:           make(chan struct{}, 1),
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
	}, nil
}

// Enqueue adds an operation to the delivery queue. The queue grows without
// bound; every accepted operation is eventually delivered.
func (e *Endpoint) Enqueue(op operation) {
	e.mu.Lock()
	e.pending = append(e.pending, op)
	depth := len(e.pending)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	if e.metrics != nil {
		e.metrics.RankingQueueLength.WithLabelValues(e.baseURL).Set(float64(depth))
	}
}

// next pops the head of the queue.
func (e *Endpoint) next() (operation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pending) == 0 {
		return operation{}, false
	}
	op := e.pending[0]
	e.pending = e.pending[1:]
	return op, true
}

// Run consumes the queue until the context is cancelled. A failing call is
// retried in place with exponential backoff; later operations wait behind
// it, keeping order intact.
func (e *Endpoint) Run(ctx context.Context) error {
	for {
		op, ok := e.next()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.wake:
				continue
			}
		}
		e.deliver(ctx, op)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if e.metrics != nil {
			e.metrics.RankingQueueLength.WithLabelValues(e.baseURL).Set(float64(e.QueueLen()))
		}
	}
}

func (e *Endpoint) deliver(ctx context.Context, op operation) {
	backoff := e.initialBackoff
	for {
		err := e.send(ctx, op)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		e.log.WithFields(logrus.Fields{
			"ranking":  e.baseURL,
			"resource": op.path(),
			"backoff":  backoff,
		}).WithError(err).Warn("Ranking push failed, will retry")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > e.maxBackoff {
			backoff = e.maxBackoff
		}
	}
}

func (e *Endpoint) send(ctx context.Context, op operation) error {
	var body *bytes.Reader
	if op.body != nil {
		payload, err := json.Marshal(op.body)
		if err != nil {
			return fmt.Errorf("failed to encode %s payload: %w", op.resource, err)
		}
		body = bytes.NewReader(payload)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, op.method, e.baseURL+"/"+op.path(), body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.username != "" {
		req.SetBasicAuth(e.username, e.password)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach ranking: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ranking answered %s", resp.Status)
	}
	return nil
}

// QueueLen returns the number of operations waiting for delivery.
func (e *Endpoint) QueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

package rpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/jsonrpc2"

	"dev.helix.grader/internal/evaluation"
	"dev.helix.grader/internal/models"
	"dev.helix.grader/internal/worker"
)

const dialTimeout = 5 * time.Second

var (
	_ evaluation.WorkerClient = (*Client)(nil)
	_ evaluation.Heartbeater  = (*Client)(nil)
	_ evaluation.Precacher    = (*Client)(nil)
)

// Client drives one remote worker. It connects lazily and drops the
// connection on any transport error, so the next call redials; the scheduler
// sees the failed call as a lost worker and requeues the job.
type Client struct {
	name string
	addr string
	log  *logrus.Logger

	mu   sync.Mutex
	conn *jsonrpc2.Conn
}

func NewClient(name, addr string, log *logrus.Logger) *Client {
	if log == nil {
		log = logrus.New()
	}
	return &Client{name: name, addr: addr, log: log}
}

func (c *Client) Name() string { return c.name }

func (c *Client) connect(ctx context.Context) (*jsonrpc2.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	dialer := net.Dialer{Timeout: dialTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial worker %s at %s: %w", c.name, c.addr, err)
	}
	stream := jsonrpc2.NewBufferedStream(netConn, jsonrpc2.VarintObjectCodec{})
	// The connection outlives the dialing call; only the dial itself is
	// bounded by the caller's context.
	c.conn = jsonrpc2.NewConn(context.Background(), stream, noopHandler{})
	c.log.WithFields(logrus.Fields{"worker": c.name, "addr": c.addr}).Info("Connected to worker")
	return c.conn, nil
}

func (c *Client) drop(conn *jsonrpc2.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
	conn.Close()
}

func (c *Client) call(ctx context.Context, method string, params, result interface{}) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	if err := conn.Call(ctx, method, params, result); err != nil {
		c.drop(conn)
		return fmt.Errorf("worker %s: %s: %w", c.name, method, err)
	}
	return nil
}

// Execute runs one job to completion on the remote worker. The call lasts as
// long as the job does; the caller bounds it with the context deadline.
func (c *Client) Execute(ctx context.Context, job *models.Job) (*models.JobResult, error) {
	result := &models.JobResult{}
	if err := c.call(ctx, methodExecuteJob, job, result); err != nil {
		return nil, err
	}
	return result, nil
}

// Ignore tells the worker to discard the attempt's result.
func (c *Client) Ignore(ctx context.Context, attemptID string) error {
	return c.call(ctx, methodIgnoreJob, ignoreParams{AttemptID: attemptID}, &struct{}{})
}

// Status fetches what the worker is currently running.
func (c *Client) Status(ctx context.Context) (*worker.Status, error) {
	status := &worker.Status{}
	if err := c.call(ctx, methodGetStatus, struct{}{}, status); err != nil {
		return nil, err
	}
	return status, nil
}

// Heartbeat probes the worker with a status round-trip. Any answer counts;
// a transport error means the worker is gone.
func (c *Client) Heartbeat(ctx context.Context) error {
	_, err := c.Status(ctx)
	return err
}

// Precache asks the worker to warm its blob cache with the given digests.
func (c *Client) Precache(ctx context.Context, digests []string) error {
	return c.call(ctx, methodPrecache, precacheParams{Digests: digests}, &struct{}{})
}

// Close tears down the connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// noopHandler ignores server-initiated requests; the protocol is strictly
// client-driven.
type noopHandler struct{}

func (noopHandler) Handle(context.Context, *jsonrpc2.Conn, *jsonrpc2.Request) {}

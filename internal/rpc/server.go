// Package rpc carries jobs between the evaluation service and its workers as
// JSON-RPC 2.0 over plain TCP. The server side fronts one worker process; the
// client side gives the scheduler a WorkerClient per configured shard. A
// dropped connection counts as a lost worker: the scheduler requeues whatever
// was in flight, so neither side tries to resume a broken call.
package rpc

import (
	"context"
	"encoding/json"
	"net"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/jsonrpc2"

	"dev.helix.grader/internal/models"
	"dev.helix.grader/internal/worker"
)

// Method names shared by server and client.
const (
	methodExecuteJob = "execute_job"
	methodIgnoreJob  = "ignore_job"
	methodGetStatus  = "get_status"
	methodPrecache   = "precache"
)

type ignoreParams struct {
	AttemptID string `json:"attempt_id"`
}

type precacheParams struct {
	Digests []string `json:"digests"`
}

// WorkerService is what the server exposes over the wire. *worker.Worker
// implements it.
type WorkerService interface {
	Execute(ctx context.Context, job *models.Job) *models.JobResult
	Ignore(attemptID string)
	Status() worker.Status
	Precache(ctx context.Context, digests []string) error
}

// Server serves one worker over TCP. It accepts any number of connections,
// but the worker underneath still runs one job at a time; the evaluation
// service is the only intended caller.
type Server struct {
	svc WorkerService
	log *logrus.Logger
}

func NewServer(svc WorkerService, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.New()
	}
	return &Server{svc: svc, log: log}
}

// Serve accepts connections until the context is cancelled or the listener
// fails. Each connection gets its own context, cancelled on disconnect so an
// in-flight job stops burning sandbox time for a caller that is gone.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.log.WithField("remote", conn.RemoteAddr().String()).Info("Worker connection accepted")
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream := jsonrpc2.NewBufferedStream(conn, jsonrpc2.VarintObjectCodec{})
	handler := jsonrpc2.AsyncHandler(jsonrpc2.HandlerWithError(s.handle))
	rpcConn := jsonrpc2.NewConn(connCtx, stream, handler)

	select {
	case <-rpcConn.DisconnectNotify():
	case <-ctx.Done():
		rpcConn.Close()
		<-rpcConn.DisconnectNotify()
	}
	s.log.WithField("remote", conn.RemoteAddr().String()).Info("Worker connection closed")
}

func (s *Server) handle(ctx context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
	switch req.Method {
	case methodExecuteJob:
		job := &models.Job{}
		if err := unmarshalParams(req, job); err != nil {
			return nil, err
		}
		return s.svc.Execute(ctx, job), nil

	case methodIgnoreJob:
		params := ignoreParams{}
		if err := unmarshalParams(req, &params); err != nil {
			return nil, err
		}
		s.svc.Ignore(params.AttemptID)
		return struct{}{}, nil

	case methodGetStatus:
		return s.svc.Status(), nil

	case methodPrecache:
		params := precacheParams{}
		if err := unmarshalParams(req, &params); err != nil {
			return nil, err
		}
		if err := s.svc.Precache(ctx, params.Digests); err != nil {
			return nil, &jsonrpc2.Error{
				Code:    jsonrpc2.CodeInternalError,
				Message: err.Error(),
			}
		}
		return struct{}{}, nil

	default:
		return nil, &jsonrpc2.Error{
			Code:    jsonrpc2.CodeMethodNotFound,
			Message: "method not found: " + req.Method,
		}
	}
}

func unmarshalParams(req *jsonrpc2.Request, dst interface{}) error {
	if req.Params == nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "missing params"}
	}
	if err := json.Unmarshal(*req.Params, dst); err != nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
	}
	return nil
}

var _ WorkerService = (*worker.Worker)(nil)

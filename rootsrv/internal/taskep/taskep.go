// Package taskep implements the public task-create RPC endpoint: any
// task holding the root server's well-known port can ask it to load and
// start a new task from a bundle entry (spec.md §4.1, §4.5, §7: "a
// per-request error ... never aborts the server").
package taskep

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/appsworld/kernelrt/pkg/bundle"
	"github.com/appsworld/kernelrt/pkg/elfimage"
	"github.com/appsworld/kernelrt/pkg/kernel"
	"github.com/appsworld/kernelrt/pkg/rpcwire"
	"github.com/appsworld/kernelrt/rootsrv/internal/dyldopipe"
	"github.com/appsworld/kernelrt/rootsrv/internal/loader"
	"github.com/appsworld/kernelrt/types"
)

// Server serves CreateTask requests against a fixed init bundle,
// loading each into a freshly created task via the loader package and
// handing dynamically linked ones off to dyldo through pipe.
type Server struct {
	k    *kernel.Kernel
	bndl *bundle.Reader
	pipe *dyldopipe.Pipe
	log  *logrus.Entry
	rs   *rpcwire.Server
}

// NewServer builds a task-create endpoint listening on port.
func NewServer(k *kernel.Kernel, port *kernel.Port, bndl *bundle.Reader, pipe *dyldopipe.Pipe, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{k: k, bndl: bndl, pipe: pipe, log: log}
	s.rs = rpcwire.NewServer(k, port, s.handle)
	return s
}

// Serve runs the dispatch loop until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error { return s.rs.Serve(ctx) }

func (s *Server) handle(ctx context.Context, hdr types.Header, body []byte) (types.MsgType, interface{}, error) {
	switch hdr.Type {
	case types.MsgCreateTask:
		var req types.CreateTaskRequest
		if err := rpcwire.DecodePayload(body, &req); err != nil {
			return types.MsgCreateTaskReply, types.CreateTaskReply{Status: types.StatusRPCMalformed}, nil
		}
		return types.MsgCreateTaskReply, s.createTask(ctx, req), nil

	default:
		s.log.WithField("type", hdr.Type).Warn("taskep: unexpected message type")
		return types.MsgCreateTaskReply, types.CreateTaskReply{Status: types.StatusRPCMalformed}, nil
	}
}

// createTask loads req.Path from the bundle and starts it. Every
// failure is reported as a status code in the reply rather than
// propagated as an RPC error, so one bad request never takes the
// endpoint's dispatch loop down with it.
func (s *Server) createTask(ctx context.Context, req types.CreateTaskRequest) types.CreateTaskReply {
	log := s.log.WithField("path", req.Path)

	f, ok := s.bndl.Files[req.Path]
	if !ok {
		log.Warn("taskep: create-task: not found in bundle")
		return types.CreateTaskReply{Status: types.StatusNotFound}
	}
	data, err := f.Contents()
	if err != nil {
		log.WithError(err).Warn("taskep: create-task: decompressing entry")
		return types.CreateTaskReply{Status: types.StatusGeneralError}
	}
	img, err := elfimage.Open(data)
	if err != nil {
		log.WithError(err).Warn("taskep: create-task: parsing ELF image")
		return types.CreateTaskReply{Status: types.StatusGeneralError}
	}
	result, err := loader.Load(ctx, s.k, s.pipe, img, req.Path, req.Argv)
	if err != nil {
		log.WithError(err).Warn("taskep: create-task: loading")
		return types.CreateTaskReply{Status: types.StatusGeneralError}
	}
	log.WithFields(logrus.Fields{
		"task":    result.Task.Handle(),
		"entry":   result.EntryPC,
		"dynamic": result.Dynamic,
	}).Info("taskep: task created")
	return types.CreateTaskReply{Status: types.StatusOK, Task: uint64(result.Task.Handle())}
}

package dispensary

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/appsworld/kernelrt/pkg/kernel"
	"github.com/appsworld/kernelrt/pkg/rpcwire"
	"github.com/appsworld/kernelrt/types"
)

// WellKnownPortName is registered with itself so that, in the absence
// of any other bootstrap mechanism, a task that only knows the kernel
// handle the loader mapped can still find dispensary (spec.md §4.1:
// "the root server hands every task dispensary's port handle directly;
// lookups for every other name go through dispensary itself").
const WellKnownPortName = "dispensary"

// Server wires a Registry up to an rpcwire.Server, translating Lookup
// RPCs into registry operations. There is no Register RPC; names are
// registered in-process through RegisterDirect.
type Server struct {
	reg *Registry
	log *logrus.Entry
	rs  *rpcwire.Server
}

// NewServer builds a dispensary server listening on port.
func NewServer(k *kernel.Kernel, port *kernel.Port, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{reg: NewRegistry(log), log: log}
	s.rs = rpcwire.NewServer(k, port, s.handle)
	return s
}

// Registry exposes the underlying name table for direct, in-process
// access without a round trip through the server's own RPC loop.
func (s *Server) Registry() *Registry { return s.reg }

// Serve runs the dispatch loop until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	return s.rs.Serve(ctx)
}

func (s *Server) handle(ctx context.Context, hdr types.Header, body []byte) (types.MsgType, interface{}, error) {
	switch hdr.Type {
	case types.MsgLookup:
		var req types.LookupRequest
		if err := rpcwire.DecodePayload(body, &req); err != nil {
			return types.MsgLookupReply, types.LookupReply{Status: types.StatusRPCMalformed}, nil
		}
		h, ok := s.reg.Lookup(req.Name)
		if !ok {
			return types.MsgLookupReply, types.LookupReply{Status: types.StatusNotFound}, nil
		}
		return types.MsgLookupReply, types.LookupReply{Status: types.StatusOK, Port: uint64(h)}, nil

	case types.MsgCreateTask:
		// dispensary never handles CreateTask itself; it only brokers
		// names. Any such request reaching here is a misrouted message.
		return types.MsgCreateTaskReply, types.CreateTaskReply{Status: types.StatusGeneralError}, nil

	default:
		s.log.WithField("type", hdr.Type).Warn("dispensary: unexpected message type")
		return types.MsgLookupReply, types.LookupReply{Status: types.StatusRPCMalformed}, nil
	}
}

// RegisterDirect binds name to port in the registry in-process. No
// message type reaches it through handle; the root server calls it
// directly to register its own endpoints without a self-RPC.
func (s *Server) RegisterDirect(name string, port kernel.Handle) {
	s.reg.Register(name, port)
}

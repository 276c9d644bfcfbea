// Package dyldo is the dynamic linker's own service: it listens for
// TaskCreated notifications from the root server, links the named task
// in place using the internal linker package, sets up its initial
// thread's TLS block, and reports back the real entry point (spec.md
// §4.6 through §4.9, §6.2).
package dyldo

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/appsworld/kernelrt/dyldo/internal/linker"
	"github.com/appsworld/kernelrt/pkg/fileioclient"
	"github.com/appsworld/kernelrt/pkg/kernel"
	"github.com/appsworld/kernelrt/pkg/rpcwire"
	"github.com/appsworld/kernelrt/types"
)

// Server serves the dyldo well-known port: one TaskCreated notification
// in, one linked-and-TLS-primed task out.
type Server struct {
	k   *kernel.Kernel
	fc  *fileioclient.Client
	log *logrus.Entry
	rs  *rpcwire.Server
}

// NewServer builds a dyldo service listening on port, re-opening files
// it needs to link through fc.
func NewServer(k *kernel.Kernel, port *kernel.Port, fc *fileioclient.Client, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{k: k, fc: fc, log: log}
	s.rs = rpcwire.NewServer(k, port, s.handle)
	return s
}

// Serve runs the dispatch loop until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error { return s.rs.Serve(ctx) }

func (s *Server) handle(ctx context.Context, hdr types.Header, body []byte) (types.MsgType, interface{}, error) {
	switch hdr.Type {
	case types.MsgTaskCreated:
		var req types.TaskCreatedNotify
		if err := rpcwire.DecodePayload(body, &req); err != nil {
			return types.MsgTaskCreatedReply, types.TaskCreatedAck{Status: types.StatusRPCMalformed}, nil
		}
		return types.MsgTaskCreatedReply, s.linkTask(ctx, req), nil

	default:
		s.log.WithField("type", hdr.Type).Warn("dyldo: unexpected message type")
		return types.MsgTaskCreatedReply, types.TaskCreatedAck{Status: types.StatusRPCMalformed}, nil
	}
}

// linkTask implements spec.md §4.6's flow against an already-mapped
// task: validate the launch-info page the root server staged, reopen
// and link req.Path, prime the initial thread's TLS block, and hand
// back the entry PC the root server should program. A per-request
// failure is reported as a status, never propagated up into the
// dispatch loop (spec.md §7).
func (s *Server) linkTask(ctx context.Context, req types.TaskCreatedNotify) types.TaskCreatedAck {
	task, err := s.k.TaskGetHandle(kernel.Handle(req.Task))
	if err != nil {
		s.log.WithError(err).WithField("task", req.Task).Warn("dyldo: task vanished before linking")
		return types.TaskCreatedAck{Status: types.StatusInvalidHandle}
	}

	if err := checkLaunchInfo(task, req.LaunchInfo); err != nil {
		s.log.WithError(err).WithField("task", req.Task).Warn("dyldo: launch-info page")
		return types.TaskCreatedAck{Status: types.StatusGeneralError}
	}

	thread := kernel.ThreadID(task.Handle())
	lc := linker.NewContext(s.k, task, thread, s.fc)
	entry, err := lc.LoadExecutable(ctx, req.Path)
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"task": req.Task, "path": req.Path}).Warn("dyldo: linking")
		return types.TaskCreatedAck{Status: types.StatusGeneralError}
	}

	if _, err := lc.TLS.SetupTLS(s.k, thread); err != nil {
		s.log.WithError(err).WithField("task", req.Task).Warn("dyldo: setting up TLS")
		return types.TaskCreatedAck{Status: types.StatusGeneralError}
	}

	s.log.WithFields(logrus.Fields{"task": req.Task, "path": req.Path, "entry": entry}).Info("dyldo: task linked")
	return types.TaskCreatedAck{Status: types.StatusOK, EntryPC: entry}
}

// checkLaunchInfo reads the LaunchInfo struct the loader wrote into
// task's own memory at launchInfo and confirms its magic, the same
// never-trust-it-blindly posture spec.md §4.6 step 1 asks for when
// reopening the executable itself.
func checkLaunchInfo(task *kernel.Task, launchInfo uint64) error {
	hdr, err := task.ReadVA(launchInfo, types.LaunchInfoSize)
	if err != nil {
		return fmt.Errorf("dyldo: reading launch-info header: %w", err)
	}
	li := types.ParseLaunchInfo(hdr)
	if string(li.Magic[:]) != types.LaunchInfoMagic {
		return fmt.Errorf("dyldo: launch-info magic mismatch: got %q", li.Magic[:])
	}
	return nil
}

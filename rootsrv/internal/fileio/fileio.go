// Package fileio implements the legacy file-IO RPC endpoint: a small,
// read-only surface (GetCapabilities/Open/Close/ReadDirect) kept around
// for tasks that talk to the old file access protocol instead of
// reading straight out of a mapped bundle (spec.md §4.4 supplement,
// drawn from kush-os's LegacyIo.cpp).
package fileio

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/appsworld/kernelrt/pkg/bundle"
	"github.com/appsworld/kernelrt/pkg/kernel"
	"github.com/appsworld/kernelrt/pkg/rpcwire"
	"github.com/appsworld/kernelrt/types"
)

// MaxReadBlock caps a single ReadDirect response, the way the original
// LegacyIo service refuses to stream an entire file in one reply and
// instead forces callers to page through it (spec.md §4.4 supplement:
// "GetCapabilities reports a max_read_block the caller must respect").
const MaxReadBlock = 64 * 1024

type openFile struct {
	file   *bundle.File
	data   []byte
}

// Server serves the legacy file-IO surface against a fixed init bundle,
// read-only (spec.md §4.4 Non-goal: "no write path").
type Server struct {
	bndl *bundle.Reader
	log  *logrus.Entry
	rs   *rpcwire.Server

	mu      sync.Mutex
	nextH   uint64
	handles map[uint64]*openFile
}

// NewServer builds a file-IO server backed by bndl, listening on port.
func NewServer(k *kernel.Kernel, port *kernel.Port, bndl *bundle.Reader, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{bndl: bndl, log: log, handles: make(map[uint64]*openFile)}
	s.rs = rpcwire.NewServer(k, port, s.handle)
	return s
}

// Serve runs the dispatch loop until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error { return s.rs.Serve(ctx) }

func (s *Server) handle(ctx context.Context, hdr types.Header, body []byte) (types.MsgType, interface{}, error) {
	switch hdr.Type {
	case types.MsgGetCapabilities:
		return types.MsgGetCapabilitiesReply, types.GetCapabilitiesReply{
			Status:       types.StatusOK,
			MaxReadBlock: MaxReadBlock,
			ReadOnly:     true,
		}, nil

	case types.MsgOpen:
		var req types.OpenRequest
		if err := rpcwire.DecodePayload(body, &req); err != nil {
			return types.MsgOpenReply, types.OpenReply{Status: types.StatusRPCMalformed}, nil
		}
		if req.Mode != types.OpenReadOnly {
			return types.MsgOpenReply, types.OpenReply{Status: types.StatusEROFS}, nil
		}
		f, ok := s.bndl.Files[req.Path]
		if !ok {
			return types.MsgOpenReply, types.OpenReply{Status: types.StatusNotFound}, nil
		}
		data, err := f.Contents()
		if err != nil {
			s.log.WithError(err).WithField("path", req.Path).Warn("fileio: decompressing entry")
			return types.MsgOpenReply, types.OpenReply{Status: types.StatusGeneralError}, nil
		}
		s.mu.Lock()
		s.nextH++
		h := s.nextH
		s.handles[h] = &openFile{file: f, data: data}
		s.mu.Unlock()
		return types.MsgOpenReply, types.OpenReply{Status: types.StatusOK, Handle: h, Size: uint64(len(data))}, nil

	case types.MsgClose:
		var req types.CloseRequest
		if err := rpcwire.DecodePayload(body, &req); err != nil {
			return types.MsgCloseReply, types.CloseReply{Status: types.StatusRPCMalformed}, nil
		}
		s.mu.Lock()
		_, ok := s.handles[req.Handle]
		delete(s.handles, req.Handle)
		s.mu.Unlock()
		if !ok {
			return types.MsgCloseReply, types.CloseReply{Status: types.StatusInvalidHandle}, nil
		}
		return types.MsgCloseReply, types.CloseReply{Status: types.StatusOK}, nil

	case types.MsgReadDirect:
		var req types.ReadDirectRequest
		if err := rpcwire.DecodePayload(body, &req); err != nil {
			return types.MsgReadDirectReply, types.ReadDirectReply{Status: types.StatusRPCMalformed}, nil
		}
		s.mu.Lock()
		of, ok := s.handles[req.Handle]
		s.mu.Unlock()
		if !ok {
			return types.MsgReadDirectReply, types.ReadDirectReply{Status: types.StatusInvalidHandle}, nil
		}
		data, err := readClamped(of.data, req.Offset, req.Length)
		if err != nil {
			return types.MsgReadDirectReply, types.ReadDirectReply{Status: types.StatusGeneralError}, nil
		}
		return types.MsgReadDirectReply, types.ReadDirectReply{Status: types.StatusOK, Data: data}, nil

	default:
		s.log.WithField("type", hdr.Type).Warn("fileio: unexpected message type")
		return types.MsgGetCapabilitiesReply, types.GetCapabilitiesReply{Status: types.StatusRPCMalformed}, nil
	}
}

// readClamped returns data[offset:offset+n], n = min(length,
// MaxReadBlock, remaining bytes), the clamp GetCapabilities advertises.
func readClamped(data []byte, offset uint64, length uint32) ([]byte, error) {
	if offset > uint64(len(data)) {
		return nil, fmt.Errorf("fileio: offset %d past end of %d-byte file", offset, len(data))
	}
	n := uint64(length)
	if n > MaxReadBlock {
		n = MaxReadBlock
	}
	if offset+n > uint64(len(data)) {
		n = uint64(len(data)) - offset
	}
	return data[offset : offset+n], nil
}

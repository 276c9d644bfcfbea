package types

import (
	"encoding/binary"
	"fmt"
)

// RPC message type discriminators (spec §6.2). Each endpoint owns a
// contiguous band of request/reply pairs.
type MsgType uint32

const (
	MsgLookup      MsgType = 1
	MsgLookupReply MsgType = 2

	MsgCreateTask      MsgType = 3
	MsgCreateTaskReply MsgType = 4

	MsgGetCapabilities      MsgType = 5
	MsgGetCapabilitiesReply MsgType = 6
	MsgOpen                 MsgType = 7
	MsgOpenReply            MsgType = 8
	MsgClose                MsgType = 9
	MsgCloseReply           MsgType = 10
	MsgReadDirect           MsgType = 11
	MsgReadDirectReply      MsgType = 12

	MsgTaskCreated      MsgType = 13
	MsgTaskCreatedReply MsgType = 14
)

func (t MsgType) String() string {
	switch t {
	case MsgLookup:
		return "Lookup"
	case MsgLookupReply:
		return "LookupReply"
	case MsgCreateTask:
		return "CreateTaskRequest"
	case MsgCreateTaskReply:
		return "CreateTaskReply"
	case MsgGetCapabilities:
		return "GetCapabilities"
	case MsgGetCapabilitiesReply:
		return "GetCapabilitiesReply"
	case MsgOpen:
		return "Open"
	case MsgOpenReply:
		return "OpenReply"
	case MsgClose:
		return "Close"
	case MsgCloseReply:
		return "CloseReply"
	case MsgReadDirect:
		return "ReadDirect"
	case MsgReadDirectReply:
		return "ReadDirectReply"
	case MsgTaskCreated:
		return "TaskCreated"
	case MsgTaskCreatedReply:
		return "TaskCreatedReply"
	default:
		return fmt.Sprintf("msgtype(%#x)", uint32(t))
	}
}

// HeaderSize is the fixed, word-aligned RPC packet header size (spec §3:
// "fixed 16-byte header").
const HeaderSize = 16

// Header is the packet header prefixing every RPC message: (type,
// reply_port, tag) per spec §3/§6.2.
type Header struct {
	Type      MsgType
	ReplyPort uint64
	Tag       uint32
}

// Put packs h into the first HeaderSize bytes of b.
func (h Header) Put(b []byte) {
	bo := binary.LittleEndian
	bo.PutUint32(b[0:], uint32(h.Type))
	bo.PutUint64(b[4:], h.ReplyPort)
	bo.PutUint32(b[12:], h.Tag)
}

// ParseHeader decodes a Header from the first HeaderSize bytes of b.
// Callers must first check len(b) >= HeaderSize (spec §4.2 step 2).
func ParseHeader(b []byte) Header {
	bo := binary.LittleEndian
	return Header{
		Type:      MsgType(bo.Uint32(b[0:])),
		ReplyPort: bo.Uint64(b[4:]),
		Tag:       bo.Uint32(b[12:]),
	}
}

// Status codes returned in reply payloads.
type Status int32

const (
	StatusOK             Status = 0
	StatusNotFound       Status = -1
	StatusGeneralError   Status = -2
	StatusBadMagic       Status = -3
	StatusUnsupportedArch Status = -4
	StatusMapFailed      Status = -5
	StatusMissingDep     Status = -6
	StatusDuplicateGlobal Status = -7
	StatusUnknownReloc   Status = -8
	StatusRPCTimeout     Status = -9
	StatusRPCMalformed   Status = -10
	StatusInvalidHandle  Status = -11
	StatusEROFS          Status = -12
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNotFound:
		return "NotFound"
	case StatusGeneralError:
		return "GeneralError"
	case StatusBadMagic:
		return "BadMagic"
	case StatusUnsupportedArch:
		return "UnsupportedArch"
	case StatusMapFailed:
		return "MapFailed"
	case StatusMissingDep:
		return "MissingDep"
	case StatusDuplicateGlobal:
		return "DuplicateGlobal"
	case StatusUnknownReloc:
		return "UnknownReloc"
	case StatusRPCTimeout:
		return "RPCTimeout"
	case StatusRPCMalformed:
		return "RPCMalformed"
	case StatusInvalidHandle:
		return "InvalidHandle"
	case StatusEROFS:
		return "EROFS"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

package types

// Payload structs for every RPC pair in the tree, msgpack-tagged so the
// wire format stays stable across field reordering in source.

// LookupRequest asks dispensary to resolve Name to a port.
type LookupRequest struct {
	Name string `msgpack:"name"`
}

// LookupReply answers a LookupRequest. Status is StatusOK or
// StatusNotFound; Port is only meaningful when Status is StatusOK.
type LookupReply struct {
	Status Status `msgpack:"status"`
	Port   uint64 `msgpack:"port"`
}

// RegisterRequest describes binding Name to Port in dispensary. No
// message type carries it and dispensary's server has no handler for
// it; registration goes through dispensary's Server.RegisterDirect.
type RegisterRequest struct {
	Name string `msgpack:"name"`
	Port uint64 `msgpack:"port"`
}

// CreateTaskRequest asks the root server to load and start a new task
// from the named bundle entry (spec.md §4.1/§4.5).
type CreateTaskRequest struct {
	Path string   `msgpack:"path"`
	Argv []string `msgpack:"argv"`
}

// CreateTaskReply answers a CreateTaskRequest.
type CreateTaskReply struct {
	Status Status `msgpack:"status"`
	Task   uint64 `msgpack:"task"`
}

// GetCapabilitiesRequest asks the legacy file-IO service what it
// supports (spec.md §4.4 supplement: max_read_block clamp).
type GetCapabilitiesRequest struct{}

// GetCapabilitiesReply reports the file-IO service's limits.
type GetCapabilitiesReply struct {
	Status        Status `msgpack:"status"`
	MaxReadBlock  uint32 `msgpack:"max_read_block"`
	ReadOnly      bool   `msgpack:"read_only"`
}

// OpenMode selects the access mode an Open is requested under.
type OpenMode int32

const (
	// OpenReadOnly is the zero value, so requests built without setting
	// Mode still ask for read access.
	OpenReadOnly  OpenMode = 0
	OpenReadWrite OpenMode = 1
)

// OpenRequest asks file-IO to open Path. The service is read-only
// (spec.md §4.4 Non-goal: "no write path"), so any Mode other than
// OpenReadOnly is rejected with StatusEROFS.
type OpenRequest struct {
	Path string   `msgpack:"path"`
	Mode OpenMode `msgpack:"mode"`
}

// OpenReply answers an OpenRequest with a server-scoped handle.
type OpenReply struct {
	Status Status `msgpack:"status"`
	Handle uint64 `msgpack:"handle"`
	Size   uint64 `msgpack:"size"`
}

// CloseRequest releases a handle returned by OpenReply.
type CloseRequest struct {
	Handle uint64 `msgpack:"handle"`
}

// CloseReply acknowledges a CloseRequest.
type CloseReply struct {
	Status Status `msgpack:"status"`
}

// ReadDirectRequest asks file-IO to read from an open handle at a given
// offset, clamped server-side to MaxReadBlock (spec.md §4.4 supplement).
type ReadDirectRequest struct {
	Handle uint64 `msgpack:"handle"`
	Offset uint64 `msgpack:"offset"`
	Length uint32 `msgpack:"length"`
}

// ReadDirectReply carries the bytes actually read, which may be fewer
// than Length asked for if the clamp or EOF applied.
type ReadDirectReply struct {
	Status Status `msgpack:"status"`
	Data   []byte `msgpack:"data"`
}

// TaskCreatedNotify is sent by the root server to dyldo's well-known
// port once a dynamically linked task's segments are mapped, so dyldo
// can begin resolving its dependencies (spec.md §4.6 step 1).
type TaskCreatedNotify struct {
	Task       uint64 `msgpack:"task"`
	Path       string `msgpack:"path"`
	Entry      uint64 `msgpack:"entry"`
	LaunchInfo uint64 `msgpack:"launch_info"`
}

// TaskCreatedAck acknowledges a TaskCreatedNotify once dyldo has
// finished linking and is ready for the root server to start the task's
// initial thread.
type TaskCreatedAck struct {
	Status  Status `msgpack:"status"`
	EntryPC uint64 `msgpack:"entry_pc"`
}

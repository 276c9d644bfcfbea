package kernel

import "fmt"

// String renders a handle the way the rest of the tree logs it: a plain
// hex literal, no leading type tag (the caller's log line already says
// "task", "port" or "region").
func (h Handle) String() string {
	return fmt.Sprintf("%#x", uint64(h))
}

// Valid reports whether h could have been returned by an allocator; it
// does not check liveness against any particular table.
func (h Handle) Valid() bool { return h != 0 }

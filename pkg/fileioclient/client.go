// Package fileioclient is an RPC client for the legacy file-IO endpoint
// (rootsrv/internal/fileio). It lives outside rootsrv's internal tree
// because the dynamic linker — a separate top-level service — needs it
// too: dyldo never trusts the bytes the root server already mapped for
// a PT_LOAD segment and instead reopens the executable and every
// library it loads over this client (spec.md §4.6 step 1: "the
// executable's dynamic section references file offsets").
package fileioclient

import (
	"context"
	"fmt"

	"github.com/appsworld/kernelrt/pkg/kernel"
	"github.com/appsworld/kernelrt/pkg/rpcwire"
	"github.com/appsworld/kernelrt/types"
)

// fallbackReadBlock is used only if a server somehow reports a zero
// max_read_block; the real clamp always comes from GetCapabilities.
const fallbackReadBlock = 64 * 1024

// Client talks to a fileio.Server over rpcwire.
type Client struct {
	rc           *rpcwire.Client
	maxReadBlock uint32
}

// NewClient builds a Client against the file-IO server listening on
// port, fetching its advertised read clamp once up front.
func NewClient(ctx context.Context, k *kernel.Kernel, port *kernel.Port) (*Client, error) {
	rc := rpcwire.NewClient(k, port)
	var caps types.GetCapabilitiesReply
	if err := rc.Call(ctx, types.MsgGetCapabilities, types.GetCapabilitiesRequest{}, &caps); err != nil {
		return nil, fmt.Errorf("fileioclient: capabilities: %w", err)
	}
	if caps.Status != types.StatusOK {
		return nil, fmt.Errorf("fileioclient: capabilities: %s", caps.Status)
	}
	return &Client{rc: rc, maxReadBlock: caps.MaxReadBlock}, nil
}

// Open opens path for reading, returning the server-scoped handle and
// its size.
func (c *Client) Open(ctx context.Context, path string) (handle uint64, size uint64, err error) {
	return c.OpenMode(ctx, path, types.OpenReadOnly)
}

// OpenMode opens path under the given mode. The service only accepts
// OpenReadOnly and answers anything else with StatusEROFS (spec.md
// §4.4 Non-goal: "no write path").
func (c *Client) OpenMode(ctx context.Context, path string, mode types.OpenMode) (handle uint64, size uint64, err error) {
	var reply types.OpenReply
	if err := c.rc.Call(ctx, types.MsgOpen, types.OpenRequest{Path: path, Mode: mode}, &reply); err != nil {
		return 0, 0, fmt.Errorf("fileioclient: open %q: %w", path, err)
	}
	if reply.Status != types.StatusOK {
		return 0, 0, fmt.Errorf("fileioclient: open %q: %s", path, reply.Status)
	}
	return reply.Handle, reply.Size, nil
}

// Close releases handle.
func (c *Client) Close(ctx context.Context, handle uint64) error {
	var reply types.CloseReply
	if err := c.rc.Call(ctx, types.MsgClose, types.CloseRequest{Handle: handle}, &reply); err != nil {
		return fmt.Errorf("fileioclient: close %#x: %w", handle, err)
	}
	if reply.Status != types.StatusOK {
		return fmt.Errorf("fileioclient: close %#x: %s", handle, reply.Status)
	}
	return nil
}

// ReadDirect reads up to length bytes at offset from handle, clamped
// server-side to the advertised max_read_block.
func (c *Client) ReadDirect(ctx context.Context, handle, offset uint64, length uint32) ([]byte, error) {
	var reply types.ReadDirectReply
	req := types.ReadDirectRequest{Handle: handle, Offset: offset, Length: length}
	if err := c.rc.Call(ctx, types.MsgReadDirect, req, &reply); err != nil {
		return nil, fmt.Errorf("fileioclient: read %#x@%d: %w", handle, offset, err)
	}
	if reply.Status != types.StatusOK {
		return nil, fmt.Errorf("fileioclient: read %#x@%d: %s", handle, offset, reply.Status)
	}
	return reply.Data, nil
}

// ReadFile opens path, reads it in full by paging through ReadDirect at
// the server's advertised block size, and closes the handle — the whole
// "reopen and slurp" sequence the linker performs for the executable and
// every library it loads (spec.md §4.6 step 1).
func (c *Client) ReadFile(ctx context.Context, path string) ([]byte, error) {
	handle, size, err := c.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer c.Close(ctx, handle)

	block := c.maxReadBlock
	if block == 0 {
		block = fallbackReadBlock
	}
	out := make([]byte, 0, size)
	for uint64(len(out)) < size {
		remaining := size - uint64(len(out))
		want := block
		if uint64(want) > remaining {
			want = uint32(remaining)
		}
		chunk, err := c.ReadDirect(ctx, handle, uint64(len(out)), want)
		if err != nil {
			return nil, err
		}
		if len(chunk) == 0 {
			break
		}
		out = append(out, chunk...)
	}
	return out, nil
}

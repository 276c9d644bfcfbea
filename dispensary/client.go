package dispensary

import (
	"context"
	"fmt"
	"time"

	"github.com/appsworld/kernelrt/pkg/kernel"
	"github.com/appsworld/kernelrt/pkg/rpcwire"
	"github.com/appsworld/kernelrt/types"
)

// initialBackoff and maxBackoff bound the client's own retry poll
// against an unregistered name (spec.md §4.1: "clients that need a
// service that is not yet registered poll with their own backoff" —
// the server's Lookup handler never blocks on their behalf).
const (
	initialBackoff = 1 * time.Millisecond
	maxBackoff     = 50 * time.Millisecond
)

// Client resolves names against a dispensary server over rpcwire.
type Client struct {
	rc *rpcwire.Client
}

// NewClient builds a Client that talks to dispensary's well-known port.
func NewClient(k *kernel.Kernel, dispensaryPort *kernel.Port) *Client {
	return &Client{rc: rpcwire.NewClient(k, dispensaryPort)}
}

// LookupOnce issues a single Lookup RPC and returns immediately with
// whatever the server currently has registered — the raw, non-blocking
// primitive spec.md §8 scenario 6 exercises directly.
func (c *Client) LookupOnce(ctx context.Context, name string) (kernel.Handle, bool, error) {
	var reply types.LookupReply
	if err := c.rc.Call(ctx, types.MsgLookup, types.LookupRequest{Name: name}, &reply); err != nil {
		return 0, false, fmt.Errorf("dispensary: lookup %q: %w", name, err)
	}
	return kernel.Handle(reply.Port), reply.Status == types.StatusOK, nil
}

// Lookup resolves name to a port handle, retrying with exponential
// backoff (capped at maxBackoff) until it succeeds or ctx is done
// (spec.md §4.3's "clients ... poll with their own backoff" applied to
// every caller that needs a name to exist eventually).
func (c *Client) Lookup(ctx context.Context, name string) (kernel.Handle, error) {
	backoff := initialBackoff
	for {
		h, ok, err := c.LookupOnce(ctx, name)
		if err != nil {
			return 0, err
		}
		if ok {
			return h, nil
		}
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("dispensary: lookup %q: %w", name, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// LookupTimeout is a convenience wrapper using a fixed deadline instead
// of a caller-supplied context.
func (c *Client) LookupTimeout(d time.Duration, name string) (kernel.Handle, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return c.Lookup(ctx, name)
}

package kernel

import (
	"context"
	"fmt"
)

// portQueueDepth bounds how many unreceived messages a port holds before
// Send blocks. Real ports are backed by finite kernel memory; this gives
// the simulator the same backpressure without modeling page accounting.
const portQueueDepth = 64

// Port is a FIFO message queue (spec.md §3: "ports are simple FIFO
// queues of fixed-size messages, scoped to a single receiver"). Only the
// task that created or was handed the port's handle may receive from it;
// this simulator does not enforce that itself, leaving ownership checks
// to the capability layer above it, the same split the loader and
// dispensary already assume.
type Port struct {
	handle Handle
	ch     chan []byte
	done   chan struct{}
}

func newPort(h Handle) *Port {
	return &Port{
		handle: h,
		ch:     make(chan []byte, portQueueDepth),
		done:   make(chan struct{}),
	}
}

// Handle returns the port's kernel handle.
func (p *Port) Handle() Handle { return p.handle }

// Send enqueues buf. It blocks if the port's queue is full, and fails if
// the port has been destroyed. There is no ordering guarantee across
// distinct ports (spec.md §3: "no cross-port FIFO guarantee"); within
// one port, Send preserves the order messages were enqueued.
func (p *Port) Send(ctx context.Context, buf []byte) error {
	msg := append([]byte(nil), buf...)
	select {
	case <-p.done:
		return fmt.Errorf("kernel: port %s is closed", p.handle)
	default:
	}
	select {
	case p.ch <- msg:
		return nil
	case <-p.done:
		return fmt.Errorf("kernel: port %s is closed", p.handle)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive blocks until a message arrives, ctx is cancelled, or the port
// is destroyed. Callers that need a bounded wait (spec.md §6.2: "send
// then receive with timeout") should pass a context with a deadline.
func (p *Port) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-p.ch:
		if !ok {
			return nil, fmt.Errorf("kernel: port %s is closed", p.handle)
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Port) close() {
	select {
	case <-p.done:
	default:
		close(p.done)
		close(p.ch)
	}
}

// Package dyldopipe is the root server's side of the hand-off to the
// dynamic linker: once a dynamically linked task's segments, stack and
// launch-info page are mapped, the loader calls Notify so dyldo can link
// the task before the root server programs its initial PC/SP (spec.md
// §4.5 step 5, §4.6 flow, §6.2).
package dyldopipe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/appsworld/kernelrt/dispensary"
	"github.com/appsworld/kernelrt/pkg/kernel"
	"github.com/appsworld/kernelrt/pkg/rpcwire"
	"github.com/appsworld/kernelrt/types"
)

// WellKnownPortName is the name the dynamic linker's own bootstrap task
// registers with dispensary once it is ready to accept TaskCreated
// notifications.
const WellKnownPortName = "dyldo"

// lookupTimeout bounds one dispensary lookup attempt; Notify retries
// past it rather than failing a task-create outright, since dyldo may
// simply not have registered yet this early in boot (spec.md §4.1:
// "task-create requests queue ... until the linker registers").
const lookupTimeout = 5 * time.Second

// Pipe resolves and caches dyldo's port once, then RPCs every task
// notification across it.
type Pipe struct {
	k    *kernel.Kernel
	disp *dispensary.Client

	mu   sync.Mutex
	rc   *rpcwire.Client
}

// New builds a Pipe that resolves dyldo's port through dispensary, which
// is reached via dispensaryPort.
func New(k *kernel.Kernel, dispensaryPort *kernel.Port) *Pipe {
	return &Pipe{k: k, disp: dispensary.NewClient(k, dispensaryPort)}
}

func (p *Pipe) client(ctx context.Context) (*rpcwire.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rc != nil {
		return p.rc, nil
	}
	for {
		lookupCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
		h, err := p.disp.Lookup(lookupCtx, WellKnownPortName)
		cancel()
		if err != nil {
			if lookupCtx.Err() != nil && ctx.Err() == nil {
				continue
			}
			return nil, fmt.Errorf("dyldopipe: resolving dyldo: %w", err)
		}
		port, err := p.k.PortByHandle(h)
		if err != nil {
			return nil, fmt.Errorf("dyldopipe: dyldo port %s vanished: %w", h, err)
		}
		p.rc = rpcwire.NewClient(p.k, port)
		return p.rc, nil
	}
}

// Notify tells dyldo a new task's segments are mapped and waits for it
// to finish linking. path is the binary's own bundle path, which dyldo
// reopens itself rather than trusting anything already mapped; entry is
// the binary's own e_entry (a fallback dyldo may ignore once it
// resolves its own _start); launchInfo is the virtual address of the
// launch-info page the loader already mapped into task. It returns the
// entry PC the root server should actually program (spec.md §4.6: "the
// linker returns the real entry point, its own _start").
func (p *Pipe) Notify(ctx context.Context, task *kernel.Task, path string, entry, launchInfo uint64) (uint64, error) {
	rc, err := p.client(ctx)
	if err != nil {
		return 0, err
	}
	req := types.TaskCreatedNotify{Task: uint64(task.Handle()), Path: path, Entry: entry, LaunchInfo: launchInfo}
	var reply types.TaskCreatedAck
	if err := rc.Call(ctx, types.MsgTaskCreated, req, &reply); err != nil {
		return 0, fmt.Errorf("dyldopipe: notifying dyldo for task %s: %w", task.Handle(), err)
	}
	if reply.Status != types.StatusOK {
		return 0, fmt.Errorf("dyldopipe: dyldo reported %s for task %s", reply.Status, task.Handle())
	}
	return reply.EntryPC, nil
}

// Package kernel is a simulated microkernel capability surface: tasks,
// threads, ports, and VM regions, implemented over goroutines, channels
// and mutex-guarded maps instead of real i386/amd64 syscalls. The
// kernel's own internals (paging, scheduler, physical allocator) are out
// of scope for this repository (spec.md §1); this package only needs to
// honor the syscall surface the userspace runtime is built against
// (spec.md §6.1), closely enough that the rest of the tree can be
// exercised end to end by ordinary Go tests.
package kernel

import (
	"fmt"
	"sync"

	"github.com/appsworld/kernelrt/types"
)

// Handle is an opaque kernel object identifier (spec.md §3: "opaque
// 64-bit identifier"). Zero is never a valid allocated handle; it is
// reused by the RPC layer to mean "no reply port" / "fire and forget".
type Handle uint64

// Kernel owns every task, port and region table. One Kernel corresponds
// to one simulated boot; tests typically construct a fresh one per
// scenario.
type Kernel struct {
	mu      sync.Mutex
	next    uint64
	tasks   map[Handle]*Task
	ports   map[Handle]*Port
	regions map[Handle]*Region
	tls     *ThreadTLSBase
}

// New returns an empty, booted kernel.
func New() *Kernel {
	return &Kernel{
		tasks:   make(map[Handle]*Task),
		ports:   make(map[Handle]*Port),
		regions: make(map[Handle]*Region),
		tls:     NewThreadTLSBase(),
	}
}

// ThreadSetTLSBase programs thread's TLS base register (spec.md §6.1).
func (k *Kernel) ThreadSetTLSBase(thread ThreadID, base uint64) { k.tls.Set(thread, base) }

// ThreadGetTLSBase reads thread's TLS base register.
func (k *Kernel) ThreadGetTLSBase(thread ThreadID) uint64 { return k.tls.Get(thread) }

func (k *Kernel) alloc() Handle {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.next++
	return Handle(k.next)
}

// TaskCreate allocates a new task object. parent is informational only
// (spec.md §6.1: "task_create(parent?)"); this simulator does not
// inherit any state from it.
func (k *Kernel) TaskCreate(parent *Task) (*Task, error) {
	h := k.alloc()
	t := &Task{
		kernel: k,
		handle: h,
	}
	k.mu.Lock()
	k.tasks[h] = t
	k.mu.Unlock()
	return t, nil
}

// TaskGetHandle looks up a previously created task by handle.
func (k *Kernel) TaskGetHandle(h Handle) (*Task, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, ok := k.tasks[h]
	if !ok {
		return nil, fmt.Errorf("kernel: no such task %#x", h)
	}
	return t, nil
}

// destroyTask removes a task from the table; called by Task.Destroy
// after it has unmapped everything it owned.
func (k *Kernel) destroyTask(h Handle) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.tasks, h)
}

// PortCreate allocates a new port (spec.md §6.1: "port_create").
func (k *Kernel) PortCreate() *Port {
	h := k.alloc()
	p := newPort(h)
	k.mu.Lock()
	k.ports[h] = p
	k.mu.Unlock()
	return p
}

// PortDestroy releases a port. Messages still queued on it are dropped.
func (k *Kernel) PortDestroy(p *Port) {
	k.mu.Lock()
	delete(k.ports, p.handle)
	k.mu.Unlock()
	p.close()
}

// PortByHandle resolves a handle to its Port, used by the RPC layer when
// a reply_port field arrives over the wire as a bare integer.
func (k *Kernel) PortByHandle(h Handle) (*Port, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.ports[h]
	if !ok {
		return nil, fmt.Errorf("kernel: no such port %#x", h)
	}
	return p, nil
}

// AllocVirtualAnonRegion allocates a zeroed, anonymous VM region of the
// given size (rounded up to a page) with the requested flags (spec.md
// §6.1: "alloc_virtual_anon_region(size, flags) -> handle").
func (k *Kernel) AllocVirtualAnonRegion(size uint64, flags types.Prot) (*Region, error) {
	if size == 0 {
		return nil, fmt.Errorf("kernel: zero-size region")
	}
	h := k.alloc()
	r := &Region{
		handle:           h,
		size:             pageAlignUp(size),
		flags:            flags,
		data:             make([]byte, pageAlignUp(size)),
		serverAccessible: true,
		mappedIn:         make(map[Handle]uint64),
	}
	k.mu.Lock()
	k.regions[h] = r
	k.mu.Unlock()
	return r, nil
}

// RegionByHandle resolves a region handle.
func (k *Kernel) RegionByHandle(h Handle) (*Region, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	r, ok := k.regions[h]
	if !ok {
		return nil, fmt.Errorf("kernel: no such region %#x", h)
	}
	return r, nil
}

// MapVirtualRegionTo maps region into task at vaddr (spec.md §6.1:
// "map_virtual_region_to"). Refuses to create a writable+executable
// mapping (spec.md §4.5 edge case, §8 invariant).
func (k *Kernel) MapVirtualRegionTo(r *Region, t *Task, vaddr uint64) error {
	if r.flags.WriteAndExec() {
		return fmt.Errorf("kernel: refusing W+X mapping at %#x", vaddr)
	}
	if err := t.addMapping(r.handle, vaddr, r.size, r.flags); err != nil {
		return err
	}
	r.mu.Lock()
	r.mappedIn[t.handle] = vaddr
	r.mu.Unlock()
	return nil
}

// MapVirtualRegionRemote is the cross-task variant used by the root
// server: it maps the region into t without requiring the caller to
// already hold a mapping in its own space, and without implying
// anything about the caller's own view of the region (spec.md §9).
func (k *Kernel) MapVirtualRegionRemote(t *Task, r *Region, vaddr, size uint64, flags types.Prot) error {
	if flags.WriteAndExec() {
		return fmt.Errorf("kernel: refusing W+X mapping at %#x", vaddr)
	}
	if err := t.addMapping(r.handle, vaddr, size, flags); err != nil {
		return err
	}
	r.mu.Lock()
	r.mappedIn[t.handle] = vaddr
	r.mu.Unlock()
	return nil
}

// UnmapVirtualRegion removes region's mapping from task. If, after the
// unmap, no task holds the region and the server has also released it
// (UnmapFromServer), the backing memory is freed — "the handle lifetime
// (not the mapping count) owns the physical pages" (spec.md §9), here
// simplified to "no outstanding mapping or server reference".
func (k *Kernel) UnmapVirtualRegion(r *Region, t *Task) error {
	t.removeMapping(r.handle)
	r.mu.Lock()
	delete(r.mappedIn, t.handle)
	empty := len(r.mappedIn) == 0 && !r.serverAccessible
	r.mu.Unlock()
	if empty {
		k.mu.Lock()
		delete(k.regions, r.handle)
		k.mu.Unlock()
		r.free()
	}
	return nil
}

// VirtualGetHandleForAddr resolves the region handle backing addr in
// task's address space, if any.
func (k *Kernel) VirtualGetHandleForAddr(t *Task, addr uint64) (Handle, error) {
	m, ok := t.mappingFor(addr)
	if !ok {
		return 0, fmt.Errorf("kernel: no mapping covers %#x in task %#x", addr, t.handle)
	}
	return m.region, nil
}

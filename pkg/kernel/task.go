package kernel

import (
	"fmt"
	"sort"
	"sync"

	"github.com/appsworld/kernelrt/types"
)

// mapping records one region's placement inside a task's address space,
// used both to answer VirtualGetHandleForAddr and to reject overlapping
// PT_LOAD segments at load time (spec.md §4.5 edge case: "overlapping
// segments must be rejected, not silently merged").
type mapping struct {
	region Handle
	vaddr  uint64
	size   uint64
	prot   types.Prot
}

func (m mapping) end() uint64 { return m.vaddr + m.size }

// Task is a simulated address space: a set of non-overlapping region
// mappings plus the entry state a thread is started with.
type Task struct {
	kernel *Kernel
	handle Handle

	mu       sync.Mutex
	name     string
	mappings []mapping
	pc, sp   uint64
	started  bool
}

// Handle returns the task's kernel handle.
func (t *Task) Handle() Handle { return t.handle }

// SetName records a human-readable name for logging (spec.md §6.1:
// "task_set_name"); it has no effect on scheduling or capabilities.
func (t *Task) SetName(name string) {
	t.mu.Lock()
	t.name = name
	t.mu.Unlock()
}

func (t *Task) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

// addMapping inserts a new [vaddr, vaddr+size) mapping, rejecting it if
// it overlaps any mapping the task already holds.
func (t *Task) addMapping(region Handle, vaddr, size uint64, prot types.Prot) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := mapping{region: region, vaddr: vaddr, size: size, prot: prot}
	for _, existing := range t.mappings {
		if m.vaddr < existing.end() && existing.vaddr < m.end() {
			return fmt.Errorf("kernel: mapping [%#x,%#x) overlaps existing [%#x,%#x) in task %s",
				m.vaddr, m.end(), existing.vaddr, existing.end(), t.handle)
		}
	}
	t.mappings = append(t.mappings, m)
	sort.Slice(t.mappings, func(i, j int) bool { return t.mappings[i].vaddr < t.mappings[j].vaddr })
	return nil
}

func (t *Task) removeMapping(region Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.mappings[:0]
	for _, m := range t.mappings {
		if m.region != region {
			out = append(out, m)
		}
	}
	t.mappings = out
}

func (t *Task) mappingFor(addr uint64) (mapping, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := sort.Search(len(t.mappings), func(i int) bool { return t.mappings[i].end() > addr })
	if i < len(t.mappings) && t.mappings[i].vaddr <= addr {
		return t.mappings[i], true
	}
	return mapping{}, false
}

// Initialize sets the entry PC and initial SP a thread will start with
// (spec.md §6.1: "task_initialize(pc, sp)"). Calling it twice is a
// caller error; the loader only ever does it once per task.
func (t *Task) Initialize(pc, sp uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return fmt.Errorf("kernel: task %s already initialized", t.handle)
	}
	t.pc, t.sp = pc, sp
	t.started = true
	return nil
}

// Entry returns the (pc, sp) pair Initialize recorded.
func (t *Task) Entry() (pc, sp uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pc, t.sp
}

// ReadVA reads n bytes at virtual address addr from within task's own
// address space. This is the dynamic linker's access path: it runs
// inside the target task (spec.md §1) and must read/write the segments
// the root server already mapped there, which is a different path than
// the root server's own temporary window (revoked at hand-off, spec.md
// §9).
func (t *Task) ReadVA(addr uint64, n int) ([]byte, error) {
	m, ok := t.mappingFor(addr)
	if !ok {
		return nil, fmt.Errorf("kernel: %#x is not mapped in task %s", addr, t.handle)
	}
	r, err := t.kernel.RegionByHandle(m.region)
	if err != nil {
		return nil, err
	}
	return r.rawBytes(int(addr-m.vaddr), n)
}

// WriteVA patches width bytes (4 or 8) at virtual address addr within
// task's own address space, the relocation engine's write path once it
// runs inside the new task.
func (t *Task) WriteVA(addr uint64, width int, value uint64) error {
	m, ok := t.mappingFor(addr)
	if !ok {
		return fmt.Errorf("kernel: %#x is not mapped in task %s", addr, t.handle)
	}
	r, err := t.kernel.RegionByHandle(m.region)
	if err != nil {
		return err
	}
	return r.writeRaw(int(addr-m.vaddr), width, value)
}

// WriteBytesVA copies data into task's address space starting at addr,
// the bulk form WriteVA doesn't cover (COPY relocations, zero-filling
// a segment's BSS tail).
func (t *Task) WriteBytesVA(addr uint64, data []byte) error {
	m, ok := t.mappingFor(addr)
	if !ok {
		return fmt.Errorf("kernel: %#x is not mapped in task %s", addr, t.handle)
	}
	r, err := t.kernel.RegionByHandle(m.region)
	if err != nil {
		return err
	}
	return r.writeBytes(int(addr-m.vaddr), data)
}

// Destroy unmaps every region the task still holds and removes it from
// the kernel's task table. The loader calls this to unwind a partially
// constructed task after a load failure (spec.md §4.5 edge case:
// "a failure after task_create must leave no live task behind").
func (t *Task) Destroy() {
	t.mu.Lock()
	mappings := append([]mapping(nil), t.mappings...)
	t.mu.Unlock()
	for _, m := range mappings {
		if r, err := t.kernel.RegionByHandle(m.region); err == nil {
			t.kernel.UnmapVirtualRegion(r, t)
		}
	}
	t.kernel.destroyTask(t.handle)
}

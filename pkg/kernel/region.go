package kernel

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/appsworld/kernelrt/types"
)

func pageAlignUp(n uint64) uint64 { return types.PageAlignUp(n) }

// Region is an anonymous, zeroed block of physical memory that can be
// mapped into zero or more tasks and, while the server still holds it,
// written directly by the server (spec.md §4.5: "map into the server's
// own window, copy p_filesz bytes, then release that window before
// handing the mapping to the target task").
type Region struct {
	handle Handle
	size   uint64
	flags  types.Prot

	mu               sync.Mutex
	data             []byte
	serverAccessible bool
	mappedIn         map[Handle]uint64
}

// Handle returns the region's kernel handle.
func (r *Region) Handle() Handle { return r.handle }

// Size returns the page-aligned region size.
func (r *Region) Size() uint64 { return r.size }

// Populate writes b into the region at offset, while the server still
// holds access to it. It is the simulator's equivalent of the server
// writing through its own temporary mapping of the region.
func (r *Region) Populate(offset uint64, b []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.serverAccessible {
		return fmt.Errorf("kernel: region %s is no longer server-accessible", r.handle)
	}
	if offset+uint64(len(b)) > uint64(len(r.data)) {
		return fmt.Errorf("kernel: populate out of range: offset=%#x len=%d region size=%#x", offset, len(b), len(r.data))
	}
	copy(r.data[offset:], b)
	return nil
}

// ServerBytes returns the region's backing bytes for the server to read
// or write directly, failing once server access has been revoked.
func (r *Region) ServerBytes() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.serverAccessible {
		return nil, fmt.Errorf("kernel: region %s is no longer server-accessible", r.handle)
	}
	return r.data, nil
}

// UnmapFromServer revokes the server's own access to the region, the
// step the loader performs before a region is considered fully handed
// off to the target task (spec.md §9: "no hidden sharing survives
// hand-off").
func (r *Region) UnmapFromServer() {
	r.mu.Lock()
	r.serverAccessible = false
	r.mu.Unlock()
}

// SetFlags changes the region's protection, refusing write+execute.
func (r *Region) SetFlags(flags types.Prot) error {
	if flags.WriteAndExec() {
		return fmt.Errorf("kernel: refusing to set W+X on region %s", r.handle)
	}
	r.mu.Lock()
	r.flags = flags
	r.mu.Unlock()
	return nil
}

// GetInfo reports where region is mapped in task and with what
// protection (spec.md §6.1: "virtual_region_get_info").
func (r *Region) GetInfo(t *Task) (vaddr, length uint64, flags types.Prot, err error) {
	r.mu.Lock()
	v, ok := r.mappedIn[t.handle]
	f := r.flags
	sz := r.size
	r.mu.Unlock()
	if !ok {
		return 0, 0, 0, fmt.Errorf("kernel: region %s is not mapped in task %s", r.handle, t.handle)
	}
	return v, sz, f, nil
}

func (r *Region) free() {
	r.mu.Lock()
	r.data = nil
	r.mu.Unlock()
}

// rawBytes copies n bytes at off, ignoring serverAccessible: once a
// region is mapped into a task, the task itself always has access to
// its own memory — serverAccessible only gates the root server's own
// temporary window (spec.md §9), it says nothing about the target
// task's own view. Used by Task.ReadVA for the dynamic linker, which
// runs inside the target task and patches its own just-mapped segments.
func (r *Region) rawBytes(off, n int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if off < 0 || n < 0 || off+n > len(r.data) {
		return nil, fmt.Errorf("kernel: region %s access [%d,%d) out of range (len %d)", r.handle, off, off+n, len(r.data))
	}
	out := make([]byte, n)
	copy(out, r.data[off:off+n])
	return out, nil
}

// writeBytes copies data into the region at off, the bulk-copy form
// rawBytes/writeRaw don't cover — used for COPY relocations, which
// transfer a symbol's whole initialized-data span rather than one
// 4/8-byte word (spec.md §4.8: "R_386_COPY: copy length bytes from
// symbol address to r_offset").
func (r *Region) writeBytes(off int, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if off < 0 || off+len(data) > len(r.data) {
		return fmt.Errorf("kernel: region %s write [%d,%d) out of range (len %d)", r.handle, off, off+len(data), len(r.data))
	}
	copy(r.data[off:], data)
	return nil
}

// writeRaw patches width bytes (4 or 8) at off, the same
// task-always-has-access rationale as rawBytes.
func (r *Region) writeRaw(off, width int, value uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if off < 0 || off+width > len(r.data) {
		return fmt.Errorf("kernel: region %s write [%d,%d) out of range (len %d)", r.handle, off, off+width, len(r.data))
	}
	switch width {
	case 4:
		binary.LittleEndian.PutUint32(r.data[off:], uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(r.data[off:], value)
	default:
		return fmt.Errorf("kernel: unsupported write width %d", width)
	}
	return nil
}

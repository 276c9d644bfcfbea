// Package tlsrt implements the per-thread TLS block setup the C runtime
// calls into before any thread-local use (spec.md §4.9). Each loaded
// object contributes one module to a Layout, assigned a byte offset in
// load order with the executable fixed at offset zero; SetupTLS copies
// every module's template into a freshly allocated block and programs
// the simulated architectural base register via pkg/kernel.
package tlsrt

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/appsworld/kernelrt/pkg/kernel"
)

// MinTLSSize is the smallest TLS block this runtime ever allocates,
// even for an object graph that needs less (spec.md §3: "a zeroed
// region of size max(min_tls, total)"). Sized the way musl/libc reserve
// a little slack for runtime-internal thread-locals beyond what any one
// object declares.
const MinTLSSize = 128

// wordAlign is the minimum alignment every TLS block honors regardless
// of what any one module asks for (spec.md §4.9 step 1: "alignment =
// max(word_align, ...)").
const wordAlign = 8

// controlHeaderSize is sizeof(TlsBlock): three pointer-sized fields
// (self, base, tls), per spec.md §3's "per-thread TLS block: ... a
// self-referential control header (self_ptr, base_ptr, tls_ptr)".
const controlHeaderSize = 24

// ExecutableModule is the module id the executable's own TLS segment
// is always assigned (spec.md §4.9: "The executable sits at offset
// zero").
const ExecutableModule = 0

type module struct {
	size     uint64
	template []byte
	align    uint64
	offset   uint64
}

// Layout records each loaded object's TLS requirements in load order
// and assigns offsets as they are added (spec.md §4.9: "At
// library-load time the linker records each object's TLS requirements
// in load order, assigning each a per-object offset").
type Layout struct {
	mu      sync.Mutex
	modules []module
	total   uint64
	maxAlig uint64

	heap *heap
}

// NewLayout returns an empty TLS layout.
func NewLayout() *Layout {
	return &Layout{maxAlig: wordAlign, heap: newHeap()}
}

// Add records a module's TLS requirements (total byte size, template
// bytes to copy into every thread's block, and required alignment),
// returning the module id that ModuleOffset and ModuleBytes take. The
// executable must be the first caller, receiving
// ExecutableModule.
func (l *Layout) Add(size uint64, template []byte, align uint64) int {
	if align == 0 {
		align = wordAlign
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	offset := roundUp(l.total, align)
	l.modules = append(l.modules, module{size: size, template: template, align: align, offset: offset})
	l.total = offset + size
	if align > l.maxAlig {
		l.maxAlig = align
	}
	return len(l.modules) - 1
}

// ModuleOffset returns the byte offset within the combined TLS area
// assigned to module id.
func (l *Layout) ModuleOffset(id int) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id < 0 || id >= len(l.modules) {
		return 0, fmt.Errorf("tlsrt: no such module %d", id)
	}
	return l.modules[id].offset, nil
}

// ExecTLSSize returns the executable's own TLS module size (module 0),
// the "exec_tls_size" term the TPOFF relocation formula subtracts
// (spec.md §4.8: "current + library_tls_offset(symbol.library) −
// exec_tls_size + symbol.address").
func (l *Layout) ExecTLSSize() (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.modules) == 0 {
		return 0, fmt.Errorf("tlsrt: no modules registered")
	}
	return l.modules[ExecutableModule].size, nil
}

// GetTLSInfo returns the executable's TLS template span and the
// combined total size across every loaded module (spec.md §4.9:
// "get_tls_info() returns the executable's TLS template span and total
// size").
func (l *Layout) GetTLSInfo() (template []byte, total uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.modules) == 0 {
		return nil, 0
	}
	return l.modules[ExecutableModule].template, l.total
}

// Block is the per-thread TLS allocation SetupTLS produced: Addr is the
// value programmed into the architectural base register, equal to the
// address of the trailing control header (spec.md §3: "The platform
// thread-base register points at the header").
type Block struct {
	Addr       uint64
	allocStart uint64
}

// SetupTLS performs the seven numbered steps of spec.md §4.9 for
// thread, using l's accumulated module layout.
func (l *Layout) SetupTLS(k *kernel.Kernel, thread kernel.ThreadID) (*Block, error) {
	l.mu.Lock()
	modules := append([]module(nil), l.modules...)
	total := l.total
	alignment := l.maxAlig
	l.mu.Unlock()

	if alignment < wordAlign {
		alignment = wordAlign
	}
	actual := roundUp(total, alignment)
	allocated := actual
	if allocated < MinTLSSize {
		allocated = MinTLSSize
	}

	addr, buf := l.heap.alloc(allocated + controlHeaderSize)
	for _, m := range modules {
		copy(buf[m.offset:], m.template)
	}

	blockAddr := addr + allocated
	bo := binary.LittleEndian
	bo.PutUint64(buf[allocated:], blockAddr) // self
	bo.PutUint64(buf[allocated+8:], addr)    // base
	bo.PutUint64(buf[allocated+16:], addr)   // tls

	k.ThreadSetTLSBase(thread, blockAddr)
	return &Block{Addr: blockAddr, allocStart: addr}, nil
}

// TeardownTLS reads the base register to recover the thread's Block,
// frees the allocation, and clears the base (spec.md §4.9:
// "teardown_tls() reads the base register to recover the TlsBlock,
// frees the allocation, and clears the base").
func (l *Layout) TeardownTLS(k *kernel.Kernel, thread kernel.ThreadID) error {
	blockAddr := k.ThreadGetTLSBase(thread)
	if blockAddr == 0 {
		return fmt.Errorf("tlsrt: thread %d has no TLS block", thread)
	}
	if err := l.heap.freeContaining(blockAddr); err != nil {
		return err
	}
	k.ThreadSetTLSBase(thread, 0)
	return nil
}

// Self, Base and Tls read the control header's three fields back out of
// the simulated heap, used by tests to verify the self-referential
// invariant (spec.md §8: "the platform TLS base register points to
// memory containing a self-pointer at offset 0 equal to that register's
// value").
func (l *Layout) Self(addr uint64) (uint64, error) { return l.heap.readWord(addr) }
func (l *Layout) Base(addr uint64) (uint64, error) { return l.heap.readWord(addr + 8) }
func (l *Layout) Tls(addr uint64) (uint64, error)  { return l.heap.readWord(addr + 16) }

// ModuleBytes returns the live contents of module id's TLS area within
// the thread's block addressed by blockAddr, for tests that assert on
// copied template contents (spec.md §8 scenario 4).
func (l *Layout) ModuleBytes(blockAddr uint64, id int) ([]byte, error) {
	l.mu.Lock()
	if id < 0 || id >= len(l.modules) {
		l.mu.Unlock()
		return nil, fmt.Errorf("tlsrt: no such module %d", id)
	}
	m := l.modules[id]
	l.mu.Unlock()
	allocStart, err := l.heap.allocStartFor(blockAddr)
	if err != nil {
		return nil, err
	}
	return l.heap.readRange(allocStart+m.offset, m.size)
}

func roundUp(x, align uint64) uint64 { return (x + align - 1) &^ (align - 1) }

// heap is a tiny simulated byte-addressable allocator backing TLS
// blocks: there is no real process heap to malloc from in this
// simulator, so each allocation gets a monotonically increasing
// synthetic address, exactly the way pkg/kernel hands out region and
// port handles.
type heap struct {
	mu      sync.Mutex
	next    uint64
	regions map[uint64][]byte
}

func newHeap() *heap { return &heap{next: 0x7000_0000_0000, regions: make(map[uint64][]byte)} }

func (h *heap) alloc(size uint64) (uint64, []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	addr := h.next
	h.next += roundUp(size, 16)
	buf := make([]byte, size)
	h.regions[addr] = buf
	return addr, buf
}

func (h *heap) freeContaining(blockAddr uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for addr, buf := range h.regions {
		if blockAddr >= addr && blockAddr < addr+uint64(len(buf)) {
			delete(h.regions, addr)
			return nil
		}
	}
	return fmt.Errorf("tlsrt: no allocation covers %#x", blockAddr)
}

func (h *heap) allocStartFor(blockAddr uint64) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for addr, buf := range h.regions {
		if blockAddr >= addr && blockAddr < addr+uint64(len(buf)) {
			return addr, nil
		}
	}
	return 0, fmt.Errorf("tlsrt: no allocation covers %#x", blockAddr)
}

func (h *heap) readWord(addr uint64) (uint64, error) {
	b, err := h.readRange(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (h *heap) readRange(addr, n uint64) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for base, buf := range h.regions {
		if addr >= base && addr+n <= base+uint64(len(buf)) {
			start := addr - base
			return buf[start : start+n], nil
		}
	}
	return nil, fmt.Errorf("tlsrt: address range [%#x,%#x) not allocated", addr, addr+n)
}

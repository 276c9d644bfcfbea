package kernel

import "sync"

// ThreadID identifies a simulated thread for the purposes of the
// per-architecture TLS base register (spec.md §4.9 step 3: "program the
// architectural TLS base for the current thread"). It is passed
// explicitly rather than read from goroutine-local state, so that tests
// can exercise several "threads" worth of TLS bookkeeping from one
// goroutine without any hidden global (spec.md §9: "no hidden globals").
type ThreadID uint64

// tlsBases is the simulated per-thread TLS base register file.
type tlsBases struct {
	mu    sync.Mutex
	bases map[ThreadID]uint64
}

func newTLSBases() *tlsBases {
	return &tlsBases{bases: make(map[ThreadID]uint64)}
}

// Set programs thread's TLS base register to base.
func (b *tlsBases) Set(thread ThreadID, base uint64) {
	b.mu.Lock()
	b.bases[thread] = base
	b.mu.Unlock()
}

// Get returns thread's current TLS base, or 0 if it has never been set.
func (b *tlsBases) Get(thread ThreadID) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bases[thread]
}

// ThreadTLSBase is the kernel-wide TLS base register file, keyed by
// ThreadID (spec.md §6.1: "thread_set_tls_base" / "thread_get_tls_base").
type ThreadTLSBase struct {
	bases *tlsBases
}

// NewThreadTLSBase constructs an empty TLS base register file.
func NewThreadTLSBase() *ThreadTLSBase {
	return &ThreadTLSBase{bases: newTLSBases()}
}

// Set programs thread's TLS base.
func (k *ThreadTLSBase) Set(thread ThreadID, base uint64) { k.bases.Set(thread, base) }

// Get reads thread's current TLS base.
func (k *ThreadTLSBase) Get(thread ThreadID) uint64 { return k.bases.Get(thread) }

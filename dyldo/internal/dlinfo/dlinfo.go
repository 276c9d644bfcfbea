// Package dlinfo implements dl_iterate_phdr, dlsym and dlerror (spec.md
// §4.10) as methods on Registry, called in-process; nothing installs
// them as symbol overrides in the linker's symbol table, so linked
// objects cannot bind to them by name. It holds one record per loaded object, in
// load order with the executable first, and answers queries against
// that list and the linker's symbol table.
package dlinfo

import (
	"sync"

	"github.com/appsworld/kernelrt/dyldo/internal/symtab"
	"github.com/appsworld/kernelrt/pkg/kernel"
	"github.com/appsworld/kernelrt/types"
)

// Info is what dl_iterate_phdr's callback receives for one loaded
// object (spec.md §4.10: "populating {base, name, phdrs_ptr,
// phdr_count} per record").
type Info struct {
	Base      uint64
	Name      string
	Phdrs     []types.Phdr
	LibraryID int
}

type record struct {
	path      string
	base      uint64
	phdrs     []types.Phdr
	libraryID int
}

// Registry is the ordered list of loaded objects plus the symbol table
// dlsym resolves against (spec.md §4.10: "(path, phdrs_span,
// library?) records, one per loaded object in load order with the
// executable first").
type Registry struct {
	mu      sync.Mutex
	records []record
	table   *symtab.Table

	errs sync.Map // kernel.ThreadID -> string
}

// New builds a Registry resolving symbols against table.
func New(table *symtab.Table) *Registry {
	return &Registry{table: table}
}

// AddExecutable records the executable as the first, always-present
// entry. LibraryID is symtab.ExecutableLibraryID.
func (r *Registry) AddExecutable(path string, base uint64, phdrs []types.Phdr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record{path: path, base: base, phdrs: phdrs, libraryID: symtab.ExecutableLibraryID})
}

// AddLibrary records a loaded shared library in the order it finished
// loading.
func (r *Registry) AddLibrary(path string, base uint64, phdrs []types.Phdr, libraryID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record{path: path, base: base, phdrs: phdrs, libraryID: libraryID})
}

// IteratePHDR calls cb once per loaded object in load order, stopping
// and returning the first nonzero result (spec.md §4.10: "iterates the
// list ...; stops and returns the first nonzero callback return").
func (r *Registry) IteratePHDR(cb func(Info) int) int {
	r.mu.Lock()
	records := append([]record(nil), r.records...)
	r.mu.Unlock()
	for _, rec := range records {
		if ret := cb(Info{Base: rec.base, Name: rec.path, Phdrs: rec.phdrs, LibraryID: rec.libraryID}); ret != 0 {
			return ret
		}
	}
	return 0
}

// Dlsym resolves name, optionally restricted to the library that owns
// handle (spec.md §4.10: "resolves via the symbol map, optionally
// restricted to one library"). handle is a LibraryID as returned by a
// prior IteratePHDR walk; pass nil for an unrestricted (RTLD_DEFAULT)
// lookup.
func (r *Registry) Dlsym(thread kernel.ThreadID, handle *int, name string) (uint64, bool) {
	sym, ok := r.table.Resolve(name, handle)
	if !ok {
		r.setError(thread, "symbol not found: "+name)
		return 0, false
	}
	r.clearError(thread)
	return sym.Address, true
}

// Dlerror returns the calling thread's last recorded error and clears
// it, matching dlerror(3)'s "at most once" semantics.
func (r *Registry) Dlerror(thread kernel.ThreadID) string {
	v, ok := r.errs.LoadAndDelete(thread)
	if !ok {
		return ""
	}
	return v.(string)
}

func (r *Registry) setError(thread kernel.ThreadID, msg string) { r.errs.Store(thread, msg) }
func (r *Registry) clearError(thread kernel.ThreadID)           { r.errs.Delete(thread) }

package reloc

import (
	"fmt"

	"github.com/appsworld/kernelrt/types"
)

// Symbols resolves a local .dynsym index to its final, post-linking
// address, consulting whatever symbol map layering the caller uses
// (primary and override layers, per spec.md §4.7). It is implemented by
// the dynamic linker's symbolsAdapter (dyldo/internal/linker), which
// consults dyldo/internal/symtab; this package only depends on the interface, to
// keep relocation dispatch independent of how symbols are stored.
type Symbols interface {
	// Resolve returns the runtime address of the symbol at local index
	// sym within the image that owns this relocation table, along with
	// its ELF symbol (needed for STT_TLS / size, in COPY relocations).
	// For a thread-local symbol, the returned address is the raw,
	// unrebased offset within its owning module's TLS template (spec.md
	// §3: "symbol's address... never a file offset", and for TLS
	// specifically the module-relative template offset) — this is
	// "symbol.address" in spec.md §4.8's relocation formulas.
	Resolve(sym uint32) (addr uint64, elfSym types.Sym, err error)

	// TLSModuleID returns the module index assigned to the symbol's
	// owning library during TLS layout (spec.md §4.9). No relocation type
	// in this package writes it: R_*_TLS_DTPMOD* write TLSLibraryOffset.
	TLSModuleID(sym uint32) (uint64, error)

	// TLSLibraryOffset returns "library_tls_offset(symbol.library)": the
	// byte offset of the symbol's owning module within the combined,
	// per-thread TLS area (spec.md §4.8's TPOFF formula), distinct from
	// the symbol's own address within that module.
	TLSLibraryOffset(sym uint32) (uint64, error)

	// ExecTLSSize returns "exec_tls_size": the executable's own TLS
	// module size, the term spec.md §4.8's TPOFF formula subtracts.
	ExecTLSSize() (uint64, error)
}

// Image is the loaded, writable view of the object the relocations
// apply to: Base is its load bias (0 for a non-PIE static executable),
// and Write patches the already-mapped bytes at the given virtual
// address.
type Image interface {
	Base() uint64
	Write(vaddr uint64, width int, value uint64) error
}

// Machine selects the per-architecture relocation type dispatch table.
type Machine int

const (
	I386 Machine = iota
	AMD64
)

// Apply walks every entry in arr and patches img accordingly, using
// dispatchers keyed by the object's machine type. It stops and returns
// an error on the first relocation type it does not recognize — spec.md
// §4.8 requires an unrecognized relocation type to abort loading the
// object that uses it, not be silently skipped.
func Apply(m Machine, arr *Array, syms Symbols, img Image) error {
	dispatch := dispatchFor(m)
	for i := 0; i < arr.Len(); i++ {
		e := arr.At(i)
		fn, ok := dispatch[e.Type]
		if !ok {
			return fmt.Errorf("reloc: unknown relocation type %d at offset %#x", e.Type, e.Off)
		}
		if err := fn(e, syms, img); err != nil {
			return fmt.Errorf("reloc: applying type %d at %#x: %w", e.Type, e.Off, err)
		}
	}
	return nil
}

// addend returns e's explicit RELA addend, or for a REL entry the
// implicit addend already stored at the relocation's target location
// (spec.md §4.8: "for REL relocations read the existing word at the
// target as the addend").
func addend(e Entry, img Image, width int) (int64, error) {
	if e.Rela {
		return e.Addend, nil
	}
	v, err := readWord(img, e.Off, width)
	if err != nil {
		return 0, err
	}
	return int64(v), nil
}

// readWord is implemented in terms of Image.Write's inverse: since the
// Image interface only exposes Write, REL's implicit-addend read goes
// through an optional Read(vaddr, width) method when the concrete image
// supports it, otherwise 0 is assumed (valid for RELATIVE-only objects
// with no preset addends, the common case for freshly built ELF
// objects).
func readWord(img Image, vaddr uint64, width int) (uint64, error) {
	if r, ok := img.(interface {
		Read(vaddr uint64, width int) (uint64, error)
	}); ok {
		return r.Read(vaddr, width)
	}
	return 0, nil
}

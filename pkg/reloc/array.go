// Package reloc applies ELF relocations: REL (i386) and RELA (amd64)
// entries, iterated stride-aware rather than assuming sizeof(Rel) or
// sizeof(Rela), and dispatched through a per-architecture table (spec.md
// §4.8).
package reloc

import (
	"fmt"

	"github.com/appsworld/kernelrt/types"
)

// Entry is one decoded relocation, REL or RELA normalized to the same
// shape (Addend is zero for REL entries — i386 reads its addend from
// the word already at Off instead).
type Entry struct {
	Off    uint64
	Sym    uint32
	Type   uint32
	Addend int64
	Rela   bool
}

// Array iterates a relocation table by its declared stride, which on
// some toolchains exceeds sizeof(Elf32_Rel)/sizeof(Elf64_Rela) (spec.md
// §4.8: "DT_RELENT/DT_RELAENT may exceed the structure's natural size;
// always advance by the declared stride, never by sizeof(Rel/Rela)").
type Array struct {
	raw    []byte
	off    uint64
	size   uint64
	stride uint64
	rela   bool
}

// NewArray builds an Array over raw[off:off+size], reading entries at
// the given stride. It returns an error rather than silently truncating
// if the table's size is not a whole multiple of stride.
func NewArray(raw []byte, off, size, stride uint64, rela bool) (*Array, error) {
	if stride == 0 {
		return nil, fmt.Errorf("reloc: zero relocation stride")
	}
	if size%stride != 0 {
		return nil, fmt.Errorf("reloc: relocation table size %d is not a multiple of stride %d", size, stride)
	}
	if off+size > uint64(len(raw)) {
		return nil, fmt.Errorf("reloc: relocation table [%#x,%#x) out of bounds", off, off+size)
	}
	return &Array{raw: raw, off: off, size: size, stride: stride, rela: rela}, nil
}

// Len returns the number of entries in the table.
func (a *Array) Len() int {
	if a == nil {
		return 0
	}
	return int(a.size / a.stride)
}

// At decodes entry i, reading only the leading sizeof(Rel)/sizeof(Rela)
// bytes of its stride-sized slot; any trailing padding a toolchain added
// is ignored, per spec.md §4.8.
func (a *Array) At(i int) Entry {
	base := a.off + uint64(i)*a.stride
	b := a.raw[base:]
	if a.rela {
		r := types.DecodeRela(b)
		return Entry{Off: r.Off, Sym: r.Sym, Type: r.Type, Addend: r.Addend, Rela: true}
	}
	r := types.DecodeRel(b)
	return Entry{Off: r.Off, Sym: r.Sym, Type: r.Type}
}

// All returns every entry in file order, for callers that don't need
// the zero-allocation At(i) form.
func (a *Array) All() []Entry {
	out := make([]Entry, 0, a.Len())
	for i := 0; i < a.Len(); i++ {
		out = append(out, a.At(i))
	}
	return out
}

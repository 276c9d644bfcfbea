// Package elfimage parses a single ELF object into the normalized shape
// the root server's loader and the dynamic linker both need: program
// headers, the .dynamic array, and the dynamic symbol table, read
// without ever assuming the file is addressable as a slice of structs
// (32-bit and 64-bit objects disagree on every field's byte offset).
package elfimage

import (
	"errors"
	"fmt"

	"github.com/appsworld/kernelrt/types"
)

// ErrNoDynsym is returned by Dynsym when the object simply has no
// DT_SYMTAB entry (a static executable with no dynamic symbol table is
// the common case) — distinct from every other error Dynsym returns,
// which means the object claims to have a dynamic symbol table but it
// is malformed. Callers use errors.Is to tell the two apart instead of
// treating every Dynsym failure as "no symbols."
var ErrNoDynsym = errors.New("elfimage: object has no DT_SYMTAB")

// Image is a parsed-but-not-loaded ELF object: the file bytes plus the
// header tables every consumer (loader, linker) needs to walk.
type Image struct {
	raw     []byte
	Ehdr    *types.Ehdr
	Phdrs   []types.Phdr
	Dynamic []types.Dyn

	dynOff, dynSize uint64
}

// Open parses b as an ELF object. It does not validate the dynamic
// section or symbol table; callers that need those call Dynsym/Soname
// etc. once they know the object actually has a PT_DYNAMIC segment.
func Open(b []byte) (*Image, error) {
	eh, err := types.ParseEhdr(b)
	if err != nil {
		return nil, err
	}
	phdrs, err := types.ParsePhdrs(eh, b)
	if err != nil {
		return nil, err
	}
	img := &Image{raw: b, Ehdr: eh, Phdrs: phdrs}
	for _, p := range phdrs {
		if p.Type == types.PT_DYNAMIC {
			img.dynOff, img.dynSize = p.Off, p.Filesz
			dyn, err := types.ParseDynamic(eh.Class, b, p.Off, p.Filesz)
			if err != nil {
				return nil, fmt.Errorf("elfimage: parsing .dynamic: %w", err)
			}
			img.Dynamic = dyn
			break
		}
	}
	return img, nil
}

// Bytes returns the underlying file contents. Callers must not retain a
// slice of it past the lifetime of the Image that produced it unless
// they copy.
func (img *Image) Bytes() []byte { return img.raw }

// HasDynamic reports whether the object carries a PT_DYNAMIC segment —
// false for statically linked executables (spec.md §4.4: "a static
// executable has no PT_DYNAMIC, PT_INTERP is absent, and dyldo is never
// invoked").
func (img *Image) HasDynamic() bool { return img.Dynamic != nil }

// TLSSegment returns the object's PT_TLS segment, if it has one — the
// template dyldo copies into every thread's TLS block (spec.md §4.9).
func (img *Image) TLSSegment() (types.Phdr, bool) {
	for _, p := range img.Phdrs {
		if p.Type == types.PT_TLS {
			return p, true
		}
	}
	return types.Phdr{}, false
}

// Interp returns the PT_INTERP segment's contents (the dynamic linker's
// path), or ("", false) if the object has none.
func (img *Image) Interp() (string, bool) {
	for _, p := range img.Phdrs {
		if p.Type == types.PT_INTERP {
			end := p.Off + p.Filesz
			if end > uint64(len(img.raw)) {
				return "", false
			}
			s := img.raw[p.Off:end]
			if n := indexZero(s); n >= 0 {
				s = s[:n]
			}
			return string(s), true
		}
	}
	return "", false
}

func indexZero(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

// dynVal returns the value of the first entry tagged tag, if any.
func (img *Image) dynVal(tag int64) (uint64, bool) {
	for _, d := range img.Dynamic {
		if d.Tag == tag {
			return d.Val, true
		}
	}
	return 0, false
}

// dynAll returns every entry tagged tag, in array order (used for
// DT_NEEDED, which may repeat).
func (img *Image) dynAll(tag int64) []uint64 {
	var out []uint64
	for _, d := range img.Dynamic {
		if d.Tag == tag {
			out = append(out, d.Val)
		}
	}
	return out
}

// Strtab returns the raw .dynstr contents addressed by DT_STRTAB. It
// returns an error if the object has no DT_STRTAB/DT_STRSZ pair, the
// case the linker treats as "object carries no string table" (spec.md
// §4.6 edge case).
func (img *Image) Strtab() ([]byte, error) {
	off, ok := img.dynVal(types.DT_STRTAB)
	if !ok {
		return nil, fmt.Errorf("elfimage: object has no DT_STRTAB")
	}
	size, ok := img.dynVal(types.DT_STRSZ)
	if !ok {
		return nil, fmt.Errorf("elfimage: object has no DT_STRSZ")
	}
	vo, err := img.vaddrToOff(off)
	if err != nil {
		return nil, err
	}
	end := vo + size
	if end > uint64(len(img.raw)) {
		return nil, fmt.Errorf("elfimage: .dynstr out of bounds")
	}
	return img.raw[vo:end], nil
}

// Dynsym decodes .dynstr and .dynsym and returns the symbol table. The
// number of symbols is not recorded directly in .dynamic; like most
// loaders, this one derives it from the distance to the next
// conventionally-placed table, which the teacher's own fixupchains code
// sidesteps too — here we instead bound the walk using the smallest
// onward address in .dynamic pointing past .dynsym, falling back to the
// gap to .dynstr when nothing smaller is known.
func (img *Image) Dynsym() ([]types.Sym, error) {
	symOff, ok := img.dynVal(types.DT_SYMTAB)
	if !ok {
		return nil, ErrNoDynsym
	}
	strtab, err := img.Strtab()
	if err != nil {
		return nil, err
	}
	strOff, _ := img.dynVal(types.DT_STRTAB)
	vo, err := img.vaddrToOff(symOff)
	if err != nil {
		return nil, err
	}
	limit := img.nearestOnward(symOff, strOff)
	nbytes := limit - symOff
	return types.ParseDynsym(img.Ehdr.Class, img.raw, vo, nbytes, strtab)
}

// nearestOnward returns the smallest dynamic-table virtual address
// strictly greater than from, among the well-known table-start tags, or
// fallbackVaddr if none is smaller than it.
func (img *Image) nearestOnward(from, fallback uint64) uint64 {
	best := fallback
	for _, tag := range []int64{types.DT_STRTAB, types.DT_HASH, types.DT_REL, types.DT_RELA, types.DT_JMPREL} {
		if v, ok := img.dynVal(tag); ok && v > from && v < best {
			best = v
		}
	}
	if best <= from {
		return from
	}
	return best
}

// vaddrToOff maps a virtual address to a file offset via the PT_LOAD
// segment that contains it. ELF objects intended to be position
// independent always keep file offset == virtual address modulo a
// per-segment constant within a PT_LOAD's range, so this walk is exact,
// not heuristic.
func (img *Image) vaddrToOff(vaddr uint64) (uint64, error) {
	for _, p := range img.Phdrs {
		if p.Type != types.PT_LOAD {
			continue
		}
		if vaddr >= p.Vaddr && vaddr < p.Vaddr+p.Filesz {
			return p.Off + (vaddr - p.Vaddr), nil
		}
	}
	return 0, fmt.Errorf("elfimage: vaddr %#x is not covered by any PT_LOAD segment", vaddr)
}

// Needed returns the sonames named by DT_NEEDED entries, in file order
// (spec.md §4.6: "dependencies are walked breadth-first in DT_NEEDED
// order").
func (img *Image) Needed() ([]string, error) {
	strtab, err := img.Strtab()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, off := range img.dynAll(types.DT_NEEDED) {
		out = append(out, cstringAt(strtab, off))
	}
	return out, nil
}

// Soname returns the object's own DT_SONAME, if it declares one.
func (img *Image) Soname() (string, bool) {
	off, ok := img.dynVal(types.DT_SONAME)
	if !ok {
		return "", false
	}
	strtab, err := img.Strtab()
	if err != nil {
		return "", false
	}
	return cstringAt(strtab, off), true
}

func cstringAt(tab []byte, off uint64) string {
	if off >= uint64(len(tab)) {
		return ""
	}
	i := off
	for i < uint64(len(tab)) && tab[i] != 0 {
		i++
	}
	return string(tab[off:i])
}

// RelocTable describes one of .rel.dyn / .rela.dyn / .rel.plt /
// .rela.plt: its file offset, total byte size, per-entry stride, and
// whether entries carry an explicit addend (RELA) or not (REL). The
// stride is read back from DT_RELENT/DT_RELAENT rather than assumed,
// because spec.md §4.8 calls out that it "may exceed sizeof(Rel/Rela)"
// on some toolchains.
type RelocTable struct {
	Off, Size, Stride uint64
	Rela              bool
}

// RelocTables returns the dynamic (non-PLT) and PLT relocation tables
// present in the object, translated to file offsets.
func (img *Image) RelocTables() (dyn, plt RelocTable, err error) {
	if off, ok := img.dynVal(types.DT_RELA); ok {
		dyn.Rela = true
		dyn.Off, err = img.vaddrToOff(off)
		if err != nil {
			return
		}
		dyn.Size, _ = img.dynVal(types.DT_RELASZ)
		dyn.Stride, _ = img.dynVal(types.DT_RELAENT)
		if dyn.Stride == 0 {
			dyn.Stride = 24
		}
	} else if off, ok := img.dynVal(types.DT_REL); ok {
		dyn.Off, err = img.vaddrToOff(off)
		if err != nil {
			return
		}
		dyn.Size, _ = img.dynVal(types.DT_RELSZ)
		dyn.Stride, _ = img.dynVal(types.DT_RELENT)
		if dyn.Stride == 0 {
			dyn.Stride = 8
		}
	}
	if off, ok := img.dynVal(types.DT_JMPREL); ok {
		pltType, _ := img.dynVal(types.DT_PLTREL)
		plt.Rela = pltType == uint64(types.DT_RELA)
		plt.Off, err = img.vaddrToOff(off)
		if err != nil {
			return
		}
		plt.Size, _ = img.dynVal(types.DT_PLTRELSZ)
		if plt.Rela {
			plt.Stride = 24
		} else {
			plt.Stride = 8
		}
	}
	return dyn, plt, nil
}

// InitFuncs returns the DT_INIT entry point (if any) and the DT_INIT_ARRAY
// entries in array order.
func (img *Image) InitFuncs() (init uint64, hasInit bool, array []uint64) {
	init, hasInit = img.dynVal(types.DT_INIT)
	arrOff, ok := img.dynVal(types.DT_INIT_ARRAY)
	if !ok {
		return
	}
	arrSz, _ := img.dynVal(types.DT_INIT_ARRAYSZ)
	vo, err := img.vaddrToOff(arrOff)
	if err != nil {
		return
	}
	n := int(arrSz / 8)
	for i := 0; i < n; i++ {
		off := vo + uint64(i)*8
		if off+8 > uint64(len(img.raw)) {
			break
		}
		array = append(array, leU64(img.raw[off:]))
	}
	return
}

// FiniFuncs returns the DT_FINI entry point (if any) and the
// DT_FINI_ARRAY entries in array order — the destructor-side mirror of
// InitFuncs (spec.md §3: "init_funcs, fini_funcs: ordered sequences of
// constructor/destructor pointers").
func (img *Image) FiniFuncs() (fini uint64, hasFini bool, array []uint64) {
	fini, hasFini = img.dynVal(types.DT_FINI)
	arrOff, ok := img.dynVal(types.DT_FINI_ARRAY)
	if !ok {
		return
	}
	arrSz, _ := img.dynVal(types.DT_FINI_ARRAYSZ)
	vo, err := img.vaddrToOff(arrOff)
	if err != nil {
		return
	}
	n := int(arrSz / 8)
	for i := 0; i < n; i++ {
		off := vo + uint64(i)*8
		if off+8 > uint64(len(img.raw)) {
			break
		}
		array = append(array, leU64(img.raw[off:]))
	}
	return
}

func leU64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

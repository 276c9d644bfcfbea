package reloc

import (
	"fmt"

	"github.com/appsworld/kernelrt/types"
)

type relocFunc func(e Entry, syms Symbols, img Image) error

func dispatchFor(m Machine) map[uint32]relocFunc {
	if m == AMD64 {
		return amd64Dispatch
	}
	return i386Dispatch
}

var i386Dispatch = map[uint32]relocFunc{
	types.R_386_NONE:         i386None,
	types.R_386_32:           i386Direct32,
	types.R_386_GLOB_DAT:     i386GlobDat,
	types.R_386_JMP_SLOT:     i386GlobDat,
	types.R_386_RELATIVE:     i386Relative,
	types.R_386_COPY:         i386Copy,
	types.R_386_TLS_TPOFF:    i386TLSTPOff,
	types.R_386_TLS_DTPMOD32: i386TLSDTPMod,
	types.R_386_TLS_DTPOFF32: i386TLSDTPOff,
}

func i386None(e Entry, syms Symbols, img Image) error { return nil }

// i386Direct32 (R_386_32): *target = S + A, the sum of the symbol's
// resolved address and the addend already at the target word.
func i386Direct32(e Entry, syms Symbols, img Image) error {
	a, err := addend(e, img, 4)
	if err != nil {
		return err
	}
	s, _, err := syms.Resolve(e.Sym)
	if err != nil {
		return err
	}
	return img.Write(e.Off, 4, uint64(int64(s)+a))
}

// i386GlobDat / i386JmpSlot (R_386_GLOB_DAT / R_386_JMP_SLOT): *target = S.
func i386GlobDat(e Entry, syms Symbols, img Image) error {
	s, _, err := syms.Resolve(e.Sym)
	if err != nil {
		return err
	}
	return img.Write(e.Off, 4, s)
}

// i386Relative (R_386_RELATIVE): *target = B + A, no symbol involved.
func i386Relative(e Entry, syms Symbols, img Image) error {
	a, err := addend(e, img, 4)
	if err != nil {
		return err
	}
	return img.Write(e.Off, 4, uint64(int64(img.Base())+a))
}

// i386Copy (R_386_COPY) copies the referenced symbol's initialized data
// into the target location (spec.md §4.8 edge case: used when an
// executable defines storage for a variable a shared library also
// defines, e.g. stdio's global state). The actual byte copy is carried
// out by the image's optional Copy method (the linker's image adapter);
// here we only resolve the source symbol and hand it and its address
// to that method, since Image does not expose bulk memory access.
func i386Copy(e Entry, syms Symbols, img Image) error {
	addr, sym, err := syms.Resolve(e.Sym)
	if err != nil {
		return err
	}
	if sym.Size == 0 {
		return fmt.Errorf("COPY relocation for zero-size symbol %q", sym.Name)
	}
	if c, ok := img.(interface {
		Copy(dst, src uint64, sym types.Sym) error
	}); ok {
		return c.Copy(e.Off, addr, sym)
	}
	return fmt.Errorf("COPY relocation requires an image that supports Copy")
}

// i386TLSTPOff (R_386_TLS_TPOFF): *target = current + library_tls_offset
// (symbol.library) − exec_tls_size + symbol.address (spec.md §4.8's
// variant-II TLS formula in full; "current" is the implicit REL addend
// already stored at the target).
func i386TLSTPOff(e Entry, syms Symbols, img Image) error {
	current, err := addend(e, img, 4)
	if err != nil {
		return err
	}
	libOff, err := syms.TLSLibraryOffset(e.Sym)
	if err != nil {
		return err
	}
	execSize, err := syms.ExecTLSSize()
	if err != nil {
		return err
	}
	symAddr, _, err := syms.Resolve(e.Sym)
	if err != nil {
		return err
	}
	val := current + int64(libOff) - int64(execSize) + int64(symAddr)
	return img.Write(e.Off, 4, uint64(val))
}

// i386TLSDTPMod (R_386_TLS_DTPMOD32): *target = library_tls_offset
// (symbol.library) — no symbol address involved (spec.md §4.8).
func i386TLSDTPMod(e Entry, syms Symbols, img Image) error {
	libOff, err := syms.TLSLibraryOffset(e.Sym)
	if err != nil {
		return err
	}
	return img.Write(e.Off, 4, libOff)
}

// i386TLSDTPOff (R_386_TLS_DTPOFF32): *target = symbol.address, the raw
// module-relative TLS offset (spec.md §4.8 — no addend term in this
// relocation's formula).
func i386TLSDTPOff(e Entry, syms Symbols, img Image) error {
	addr, _, err := syms.Resolve(e.Sym)
	if err != nil {
		return err
	}
	return img.Write(e.Off, 4, addr)
}

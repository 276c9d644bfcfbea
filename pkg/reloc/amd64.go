package reloc

import (
	"fmt"

	"github.com/appsworld/kernelrt/types"
)

var amd64Dispatch = map[uint32]relocFunc{
	types.R_X86_64_NONE:     amd64None,
	types.R_X86_64_64:       amd64Direct64,
	types.R_X86_64_GLOB_DAT: amd64GlobDat,
	types.R_X86_64_JMP_SLOT: amd64GlobDat,
	types.R_X86_64_RELATIVE: amd64Relative,
	types.R_X86_64_COPY:     amd64Copy,
	types.R_X86_64_DTPMOD64: amd64TLSDTPMod,
	types.R_X86_64_DTPOFF64: amd64TLSDTPOff,
	types.R_X86_64_TPOFF64:  amd64TLSTPOff,
}

func amd64None(e Entry, syms Symbols, img Image) error { return nil }

// amd64Direct64 (R_X86_64_64): *target = S + A.
func amd64Direct64(e Entry, syms Symbols, img Image) error {
	s, _, err := syms.Resolve(e.Sym)
	if err != nil {
		return err
	}
	return img.Write(e.Off, 8, uint64(int64(s)+e.Addend))
}

// amd64GlobDat / amd64JmpSlot (R_X86_64_GLOB_DAT / R_X86_64_JMP_SLOT):
// *target = S.
func amd64GlobDat(e Entry, syms Symbols, img Image) error {
	s, _, err := syms.Resolve(e.Sym)
	if err != nil {
		return err
	}
	return img.Write(e.Off, 8, s)
}

// amd64Relative (R_X86_64_RELATIVE): *target = B + A.
func amd64Relative(e Entry, syms Symbols, img Image) error {
	return img.Write(e.Off, 8, uint64(int64(img.Base())+e.Addend))
}

func amd64Copy(e Entry, syms Symbols, img Image) error {
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

// amd64TLSDTPMod (R_X86_64_DTPMOD64): *target = library_tls_offset
// (symbol.library), same as i386TLSDTPMod (spec.md §4.8).
func amd64TLSDTPMod(e Entry, syms Symbols, img Image) error {
	libOff, err := syms.TLSLibraryOffset(e.Sym)
	if err != nil {
		return err
	}
	return img.Write(e.Off, 8, libOff)
}

// amd64TLSDTPOff (R_X86_64_DTPOFF64): *target = symbol.address + addend
// (spec.md §4.8: amd64 adds the explicit RELA addend where the type
// specifies it, and DTPOFF64 is named among those).
func amd64TLSDTPOff(e Entry, syms Symbols, img Image) error {
	addr, _, err := syms.Resolve(e.Sym)
	if err != nil {
		return err
	}
	return img.Write(e.Off, 8, uint64(int64(addr)+e.Addend))
}

// amd64TLSTPOff (R_X86_64_TPOFF64): *target = addend + library_tls_offset
// (symbol.library) − exec_tls_size + symbol.address — the i386 TPOFF
// formula with RELA's explicit addend standing in for "current" (spec.md
// §4.8).
func amd64TLSTPOff(e Entry, syms Symbols, img Image) error {
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
	val := e.Addend + int64(libOff) - int64(execSize) + int64(symAddr)
	return img.Write(e.Off, 8, uint64(val))
}

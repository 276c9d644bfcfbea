package elfimage

import (
	"encoding/binary"
	"testing"

	"github.com/appsworld/kernelrt/types"
)

// buildEhdr64 mirrors types.buildEhdr64 (unexported, package-private there)
// since this package builds its test objects out of file-offset-addressed
// byte buffers the same way the loader and linker consume them.
func buildEhdr64(phnum uint16) []byte {
	b := make([]byte, 64)
	b[types.EI_MAG0] = types.ELFMAG0
	b[types.EI_MAG1] = types.ELFMAG1
	b[types.EI_MAG2] = types.ELFMAG2
	b[types.EI_MAG3] = types.ELFMAG3
	b[types.EI_CLASS] = byte(types.ELFCLASS64)
	b[types.EI_DATA] = byte(types.ELFDATA2LSB)
	b[types.EI_VERSION] = types.EV_CURRENT
	bo := binary.LittleEndian
	bo.PutUint16(b[16:], uint16(types.ET_DYN))
	bo.PutUint16(b[18:], uint16(types.EM_X86_64))
	bo.PutUint32(b[20:], 1)
	bo.PutUint64(b[24:], 0x1000) // e_entry
	bo.PutUint64(b[32:], 64)     // e_phoff
	bo.PutUint16(b[54:], 56)     // e_phentsize
	bo.PutUint16(b[56:], phnum)  // e_phnum
	return b
}

func putPhdr64(b []byte, p types.Phdr) {
	bo := binary.LittleEndian
	bo.PutUint32(b[0:], p.Type)
	bo.PutUint32(b[4:], p.Flags)
	bo.PutUint64(b[8:], p.Off)
	bo.PutUint64(b[16:], p.Vaddr)
	bo.PutUint64(b[24:], p.Paddr)
	bo.PutUint64(b[32:], p.Filesz)
	bo.PutUint64(b[40:], p.Memsz)
	bo.PutUint64(b[48:], p.Align)
}

func putDyn(b []byte, tag int64, val uint64) {
	bo := binary.LittleEndian
	bo.PutUint64(b[0:], uint64(tag))
	bo.PutUint64(b[8:], val)
}

// fixture lays out a minimal but complete shared-object-shaped ELF64
// image: one PT_LOAD segment covering the whole file (so vaddr == file
// offset, keeping the fixture simple), a .dynstr, a two-entry .dynsym,
// one DT_NEEDED, a one-entry .rela.dyn, and a one-entry DT_INIT_ARRAY.
//
// Layout (all vaddr == offset). .dynsym precedes .dynstr, the
// conventional order Dynsym's nearestOnward byte-span heuristic assumes
// when no section headers are present to give an exact symbol count.
//
//	0x000  ehdr (64)
//	0x040  phdrs (2 * 56)
//	0x100  .dynamic
//	0x200  .dynsym (2 * 24)
//	0x240  .dynstr
//	0x290  .rela.dyn (1 * 24)
//	0x2b0  init_array (1 * 8)
func fixture(t *testing.T) []byte {
	t.Helper()
	const (
		dynamicOff = 0x100
		dynsymOff  = 0x200
		dynstrOff  = 0x240
		relaOff    = 0x290
		initArrOff = 0x2b0
		fileLen    = 0x2c0
	)

	b := make([]byte, fileLen)
	copy(b, buildEhdr64(1))
	putPhdr64(b[64:], types.Phdr{
		Type: types.PT_LOAD, Flags: types.PF_R | types.PF_W,
		Off: 0, Vaddr: 0, Filesz: fileLen, Memsz: fileLen, Align: 0x1000,
	})

	dynstr := []byte{0, 'l', 'i', 'b', 'c', '.', 's', 'o', 0, 'p', 'u', 't', 's', 0}
	copy(b[dynstrOff:], dynstr)

	// dynsym[0]: name "puts" at dynstr offset 9, GLOBAL FUNC, defined.
	bo := binary.LittleEndian
	bo.PutUint32(b[dynsymOff:], 9)
	b[dynsymOff+4] = types.STT_FUNC | (types.STB_GLOBAL << 4)
	bo.PutUint16(b[dynsymOff+6:], 1)
	bo.PutUint64(b[dynsymOff+8:], 0x1100)
	bo.PutUint64(b[dynsymOff+16:], 0)
	// dynsym[1]: undefined placeholder so Dynsym's byte-span derivation
	// has more than one entry to walk.
	bo.PutUint32(b[dynsymOff+24:], 0)
	b[dynsymOff+24+4] = types.STT_NOTYPE
	bo.PutUint16(b[dynsymOff+24+6:], 0)

	// one R_X86_64_RELATIVE relocation
	bo.PutUint64(b[relaOff:], 0x50)
	bo.PutUint64(b[relaOff+8:], uint64(types.R_X86_64_RELATIVE))
	bo.PutUint64(b[relaOff+16:], 0x10)

	bo.PutUint64(b[initArrOff:], 0x1200)

	dyn := make([]byte, 0, 16*9)
	appendDyn := func(tag int64, val uint64) {
		e := make([]byte, 16)
		putDyn(e, tag, val)
		dyn = append(dyn, e...)
	}
	appendDyn(types.DT_NEEDED, 1) // "libc.so"
	appendDyn(types.DT_STRTAB, dynstrOff)
	appendDyn(types.DT_STRSZ, uint64(len(dynstr)))
	appendDyn(types.DT_SYMTAB, dynsymOff)
	appendDyn(types.DT_RELA, relaOff)
	appendDyn(types.DT_RELASZ, 24)
	appendDyn(types.DT_RELAENT, 24)
	appendDyn(types.DT_INIT_ARRAY, initArrOff)
	appendDyn(types.DT_INIT_ARRAYSZ, 8)
	appendDyn(types.DT_NULL, 0)
	copy(b[dynamicOff:], dyn)

	// Append phdr[1] = PT_DYNAMIC, bumping phnum; phdr[0] (PT_LOAD) stays.
	bo.PutUint16(b[56:], 2)
	b = append(b, make([]byte, 56)...)
	putPhdr64(b[64+56:], types.Phdr{
		Type: types.PT_DYNAMIC, Flags: types.PF_R | types.PF_W,
		Off: dynamicOff, Vaddr: dynamicOff, Filesz: uint64(len(dyn)), Memsz: uint64(len(dyn)), Align: 8,
	})
	return b
}

func TestOpenParsesLoadAndDynamic(t *testing.T) {
	b := fixture(t)
	img, err := Open(b)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !img.HasDynamic() {
		t.Fatal("HasDynamic() = false, want true")
	}
	if len(img.Phdrs) != 2 {
		t.Fatalf("got %d phdrs, want 2", len(img.Phdrs))
	}
}

func TestNeededAndSoname(t *testing.T) {
	img, err := Open(fixture(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	needed, err := img.Needed()
	if err != nil {
		t.Fatalf("Needed: %v", err)
	}
	if len(needed) != 1 || needed[0] != "libc.so" {
		t.Errorf("Needed() = %v, want [libc.so]", needed)
	}
	if _, ok := img.Soname(); ok {
		t.Error("Soname() found one, fixture declares none")
	}
}

func TestDynsymDecodesBothEntries(t *testing.T) {
	img, err := Open(fixture(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	syms, err := img.Dynsym()
	if err != nil {
		t.Fatalf("Dynsym: %v", err)
	}
	if len(syms) != 2 {
		t.Fatalf("got %d syms, want 2", len(syms))
	}
	if syms[0].Name != "puts" || syms[0].Value != 0x1100 {
		t.Errorf("syms[0] = %+v", syms[0])
	}
	if syms[0].Bind() != types.STB_GLOBAL || syms[0].Type() != types.STT_FUNC {
		t.Errorf("syms[0] bind/type = %d/%d, want GLOBAL/FUNC", syms[0].Bind(), syms[0].Type())
	}
}

func TestRelocTablesDecodesRelaDyn(t *testing.T) {
	img, err := Open(fixture(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	dyn, plt, err := img.RelocTables()
	if err != nil {
		t.Fatalf("RelocTables: %v", err)
	}
	if !dyn.Rela || dyn.Size != 24 || dyn.Stride != 24 {
		t.Errorf("dyn table = %+v, want one RELA entry of stride 24", dyn)
	}
	if plt.Size != 0 {
		t.Errorf("plt table = %+v, want empty (no DT_JMPREL in fixture)", plt)
	}
}

func TestInitFuncsDecodesArray(t *testing.T) {
	img, err := Open(fixture(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	init, hasInit, array := img.InitFuncs()
	if hasInit {
		t.Errorf("hasInit = true, fixture has no DT_INIT; got %#x", init)
	}
	if len(array) != 1 || array[0] != 0x1200 {
		t.Errorf("InitFuncs array = %v, want [0x1200]", array)
	}
}

func TestStrtabMissingIsAnError(t *testing.T) {
	b := buildEhdr64(0)
	img, err := Open(b)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := img.Strtab(); err == nil {
		t.Fatal("expected error for object with no PT_DYNAMIC/DT_STRTAB")
	}
}

// TestTLSSegmentAndInterp builds its own small, self-contained object
// (no .dynamic) rather than extending fixture()'s phdr table, since that
// table is sized for exactly the two phdrs fixture() itself writes.
func TestTLSSegmentAndInterp(t *testing.T) {
	const (
		interpOff = 0x200
		tlsOff    = 0x300
		fileLen   = 0x400
	)
	b := make([]byte, fileLen)
	copy(b, buildEhdr64(3))

	putPhdr64(b[64:], types.Phdr{
		Type: types.PT_LOAD, Flags: types.PF_R,
		Off: 0, Vaddr: 0, Filesz: fileLen, Memsz: fileLen, Align: 0x1000,
	})
	putPhdr64(b[64+56:], types.Phdr{
		Type: types.PT_INTERP, Off: interpOff, Vaddr: interpOff, Filesz: 11, Memsz: 11, Align: 1,
	})
	putPhdr64(b[64+56*2:], types.Phdr{
		Type: types.PT_TLS, Off: tlsOff, Vaddr: tlsOff, Filesz: 8, Memsz: 16, Align: 8,
	})
	copy(b[interpOff:], []byte("/lib/ld.so\x00"))

	img, err := Open(b)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := img.TLSSegment(); !ok {
		t.Error("TLSSegment() not found")
	}
	interp, ok := img.Interp()
	if !ok || interp != "/lib/ld.so" {
		t.Errorf("Interp() = (%q, %v), want (/lib/ld.so, true)", interp, ok)
	}
}

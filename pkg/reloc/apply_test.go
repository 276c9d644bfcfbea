package reloc

import (
	"encoding/binary"
	"testing"

	"github.com/appsworld/kernelrt/types"
)

// fakeSymbols is a minimal Symbols implementation keyed by local index,
// enough to drive every relocation handler without a real ELF object.
type fakeSymbols struct {
	addrs    map[uint32]uint64
	elfSyms  map[uint32]types.Sym
	modIDs   map[uint32]uint64
	libOffs  map[uint32]uint64
	execSize uint64
}

func newFakeSymbols() *fakeSymbols {
	return &fakeSymbols{
		addrs:   make(map[uint32]uint64),
		elfSyms: make(map[uint32]types.Sym),
		modIDs:  make(map[uint32]uint64),
		libOffs: make(map[uint32]uint64),
	}
}

func (f *fakeSymbols) Resolve(sym uint32) (uint64, types.Sym, error) {
	return f.addrs[sym], f.elfSyms[sym], nil
}
func (f *fakeSymbols) TLSModuleID(sym uint32) (uint64, error)      { return f.modIDs[sym], nil }
func (f *fakeSymbols) TLSLibraryOffset(sym uint32) (uint64, error) { return f.libOffs[sym], nil }
func (f *fakeSymbols) ExecTLSSize() (uint64, error)                { return f.execSize, nil }

// fakeImage is a writable, readable, copy-capable Image over a flat
// byte buffer addressed starting at base.
type fakeImage struct {
	base uint64
	buf  []byte

	copies []copyCall
}

type copyCall struct {
	dst, src uint64
	sym      types.Sym
}

func newFakeImage(base uint64, size int) *fakeImage {
	return &fakeImage{base: base, buf: make([]byte, size)}
}

func (f *fakeImage) Base() uint64 { return f.base }

func (f *fakeImage) Write(vaddr uint64, width int, value uint64) error {
	bo := binary.LittleEndian
	switch width {
	case 4:
		bo.PutUint32(f.buf[vaddr:], uint32(value))
	case 8:
		bo.PutUint64(f.buf[vaddr:], value)
	}
	return nil
}

func (f *fakeImage) Read(vaddr uint64, width int) (uint64, error) {
	bo := binary.LittleEndian
	switch width {
	case 4:
		return uint64(bo.Uint32(f.buf[vaddr:])), nil
	case 8:
		return bo.Uint64(f.buf[vaddr:]), nil
	}
	return 0, nil
}

func (f *fakeImage) Copy(dst, src uint64, sym types.Sym) error {
	f.copies = append(f.copies, copyCall{dst: dst, src: src, sym: sym})
	return nil
}

// relArray builds a REL-style *Array (sizeof(Elf32_Rel) stride) from
// (offset, sym, type) triples.
func relArray(t *testing.T, triples ...[3]uint32) *Array {
	t.Helper()
	raw := make([]byte, 8*len(triples))
	bo := binary.LittleEndian
	for i, tr := range triples {
		off, sym, typ := tr[0], tr[1], tr[2]
		bo.PutUint32(raw[i*8:], off)
		bo.PutUint32(raw[i*8+4:], (sym<<8)|typ)
	}
	arr, err := NewArray(raw, 0, uint64(len(raw)), 8, false)
	if err != nil {
		t.Fatalf("relArray: NewArray: %v", err)
	}
	return arr
}

type relaTriple struct {
	off, sym, typ uint32
	addend        int64
}

// relaArray builds a RELA-style *Array (sizeof(Elf64_Rela) stride).
func relaArray(t *testing.T, triples ...relaTriple) *Array {
	t.Helper()
	raw := make([]byte, 24*len(triples))
	bo := binary.LittleEndian
	for i, tr := range triples {
		bo.PutUint64(raw[i*24:], uint64(tr.off))
		bo.PutUint64(raw[i*24+8:], (uint64(tr.sym)<<32)|uint64(tr.typ))
		bo.PutUint64(raw[i*24+16:], uint64(tr.addend))
	}
	arr, err := NewArray(raw, 0, uint64(len(raw)), 24, true)
	if err != nil {
		t.Fatalf("relaArray: NewArray: %v", err)
	}
	return arr
}

func TestApplyI386Relative(t *testing.T) {
	img := newFakeImage(0x10000, 64)
	syms := newFakeSymbols()
	arr := relArray(t, [3]uint32{0x10, 0, types.R_386_RELATIVE})
	if err := Apply(I386, arr, syms, img); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	got, _ := img.Read(0x10, 4)
	if got != img.base {
		t.Errorf("RELATIVE wrote %#x, want base %#x", got, img.base)
	}
}

func TestApplyI386GlobDat(t *testing.T) {
	img := newFakeImage(0, 64)
	syms := newFakeSymbols()
	syms.addrs[5] = 0xcafe0000
	arr := relArray(t, [3]uint32{0x20, 5, types.R_386_GLOB_DAT})
	if err := Apply(I386, arr, syms, img); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	got, _ := img.Read(0x20, 4)
	if got != 0xcafe0000 {
		t.Errorf("GLOB_DAT wrote %#x, want 0xcafe0000", got)
	}
}

func TestApplyI386Copy(t *testing.T) {
	img := newFakeImage(0, 64)
	syms := newFakeSymbols()
	syms.addrs[2] = 0x9000
	syms.elfSyms[2] = types.Sym{Name: "errno", Size: 4}
	arr := relArray(t, [3]uint32{0x30, 2, types.R_386_COPY})
	if err := Apply(I386, arr, syms, img); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(img.copies) != 1 {
		t.Fatalf("expected one Copy call, got %d", len(img.copies))
	}
	c := img.copies[0]
	if c.dst != 0x30 || c.src != 0x9000 || c.sym.Name != "errno" {
		t.Errorf("Copy call = %+v", c)
	}
}

func TestApplyCopyZeroSizeRejected(t *testing.T) {
	img := newFakeImage(0, 64)
	syms := newFakeSymbols()
	syms.addrs[2] = 0x9000
	syms.elfSyms[2] = types.Sym{Name: "zerosize", Size: 0}
	arr := relArray(t, [3]uint32{0x30, 2, types.R_386_COPY})
	if err := Apply(I386, arr, syms, img); err == nil {
		t.Fatal("expected error for zero-size COPY symbol")
	}
}

func TestApplyAMD64RelativeWithAddend(t *testing.T) {
	img := newFakeImage(0x20000, 64)
	syms := newFakeSymbols()
	arr := relaArray(t, relaTriple{off: 0x8, typ: types.R_X86_64_RELATIVE, addend: 0x40})
	if err := Apply(AMD64, arr, syms, img); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	got, _ := img.Read(0x8, 8)
	want := img.base + 0x40
	if got != want {
		t.Errorf("RELATIVE wrote %#x, want %#x", got, want)
	}
}

// TestApplyAMD64TLSOffsets exercises spec.md §4.8's full TLS formulas: a
// library module (id 3) sitting at library_tls_offset 0x100 within the
// combined TLS area, a symbol at module-relative address 0x18 within
// it, against an executable whose own TLS module is 0x40 bytes — so
// DTPMOD64 sees only the library offset and DTPOFF64 only the raw symbol
// address, while
// TPOFF64 combines all four terms (addend + library offset − exec size +
// symbol address).
func TestApplyAMD64TLSOffsets(t *testing.T) {
	img := newFakeImage(0, 64)
	syms := newFakeSymbols()
	syms.modIDs[1] = 3
	syms.libOffs[1] = 0x100
	syms.addrs[1] = 0x18
	syms.execSize = 0x40
	syms.elfSyms[1] = types.Sym{Name: "tlsvar"}

	arr := relaArray(t,
		relaTriple{off: 0x0, sym: 1, typ: types.R_X86_64_DTPMOD64},
		relaTriple{off: 0x8, sym: 1, typ: types.R_X86_64_DTPOFF64, addend: 4},
		relaTriple{off: 0x10, sym: 1, typ: types.R_X86_64_TPOFF64, addend: -8},
	)
	if err := Apply(AMD64, arr, syms, img); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	mod, _ := img.Read(0x0, 8)
	if mod != 0x100 {
		t.Errorf("DTPMOD64 wrote %#x, want 0x100 (library_tls_offset)", mod)
	}
	dtpoff, _ := img.Read(0x8, 8)
	if dtpoff != 0x18+4 {
		t.Errorf("DTPOFF64 wrote %d, want %d (symbol.address + addend, no library offset)", dtpoff, 0x18+4)
	}
	tpoff, _ := img.Read(0x10, 8)
	want := int64(-8) + int64(0x100) - int64(0x40) + int64(0x18)
	if int64(tpoff) != want {
		t.Errorf("TPOFF64 wrote %d, want %d (addend + library_tls_offset - exec_tls_size + symbol.address)", int64(tpoff), want)
	}
}

// TestApplyI386TLSOffsets is TestApplyAMD64TLSOffsets's REL-encoded
// equivalent: DTPOFF32 takes no addend at all, and TPOFF's "current"
// term comes from the implicit word already at the target rather than
// an explicit addend field.
func TestApplyI386TLSOffsets(t *testing.T) {
	img := newFakeImage(0, 64)
	syms := newFakeSymbols()
	syms.modIDs[1] = 3
	syms.libOffs[1] = 0x100
	syms.addrs[1] = 0x18
	syms.execSize = 0x40
	syms.elfSyms[1] = types.Sym{Name: "tlsvar"}

	// TPOFF's "current" is the word already at its target before
	// relocation runs (spec.md §4.8's REL implicit addend).
	if err := img.Write(0x10, 4, 6); err != nil {
		t.Fatalf("seeding current: %v", err)
	}

	arr := relArray(t,
		[3]uint32{0x0, 1, types.R_386_TLS_DTPMOD32},
		[3]uint32{0x8, 1, types.R_386_TLS_DTPOFF32},
		[3]uint32{0x10, 1, types.R_386_TLS_TPOFF},
	)
	if err := Apply(I386, arr, syms, img); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	mod, _ := img.Read(0x0, 4)
	if mod != 0x100 {
		t.Errorf("DTPMOD32 wrote %#x, want 0x100 (library_tls_offset)", mod)
	}
	dtpoff, _ := img.Read(0x8, 4)
	if dtpoff != 0x18 {
		t.Errorf("DTPOFF32 wrote %d, want %d (symbol.address, no addend)", dtpoff, 0x18)
	}
	tpoff, _ := img.Read(0x10, 4)
	want := uint64(uint32(int64(6) + int64(0x100) - int64(0x40) + int64(0x18)))
	if tpoff != want {
		t.Errorf("TPOFF wrote %d, want %d (current + library_tls_offset - exec_tls_size + symbol.address)", tpoff, want)
	}
}

func TestApplyUnknownRelocationIsFatal(t *testing.T) {
	img := newFakeImage(0, 64)
	syms := newFakeSymbols()
	arr := relArray(t, [3]uint32{0x0, 0, 0xff})
	if err := Apply(I386, arr, syms, img); err == nil {
		t.Fatal("expected error for unknown relocation type")
	}
}

func TestApplyStopsOnFirstUnknown(t *testing.T) {
	img := newFakeImage(0x1000, 64)
	syms := newFakeSymbols()
	arr := relArray(t,
		[3]uint32{0x0, 0, types.R_386_RELATIVE},
		[3]uint32{0x4, 0, 0xff},
		[3]uint32{0x8, 0, types.R_386_RELATIVE},
	)
	if err := Apply(I386, arr, syms, img); err == nil {
		t.Fatal("expected error")
	}
	if v, _ := img.Read(0x0, 4); v != img.base {
		t.Error("first relocation should still have applied before the fatal one")
	}
	if v, _ := img.Read(0x8, 4); v != 0 {
		t.Error("relocations after the fatal one should never apply")
	}
}

// Package linker is the dynamic linker's core: it re-parses the
// executable and every shared library it depends on from inside the
// target task, maps each library with ASLR, builds the global symbol
// table, lays out TLS, and drives relocation application (spec.md §4.6
// through §4.9). Nothing here executes target code — dyldo's own
// `_start` and the C runtime it hands off to are outside this
// repository's scope (spec.md §1); this package only needs to leave the
// task's address space, symbol table, and TLS layout in the state a real
// entry would find them in.
package linker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/appsworld/kernelrt/dyldo/internal/dlinfo"
	"github.com/appsworld/kernelrt/dyldo/internal/strtab"
	"github.com/appsworld/kernelrt/dyldo/internal/symtab"
	"github.com/appsworld/kernelrt/dyldo/internal/tlsrt"
	"github.com/appsworld/kernelrt/pkg/elfimage"
	"github.com/appsworld/kernelrt/pkg/kernel"
	"github.com/appsworld/kernelrt/pkg/fileioclient"
	"github.com/appsworld/kernelrt/pkg/reloc"
	"github.com/appsworld/kernelrt/types"
)

// amd64 ASLR aperture: 512 GiB, 2 MiB aligned slides (spec.md §4.6 step
// 4). The aperture sits well below the stack and launch-info addresses
// the root server uses, so a library slide can never collide with them.
const (
	amd64ApertureBase = uint64(0x0000_2000_0000_0000)
	amd64ApertureSize = uint64(512) << 30
	amd64SlideAlign   = uint64(2) << 20
)

// i386 has no ASLR aperture (spec.md §4.6 step 4: "a fixed region"); each
// library gets the next slot in a fixed, generously spaced ladder.
const (
	i386FixedBase = uint64(0x5000_0000)
	i386Spacing   = uint64(0x0100_0000)
)

// Library is one loaded object — the executable or a shared library —
// addressed by its dense arena index (spec.md §9: "arena of library
// records keyed by dense indices", never a pointer graph). ID is
// symtab.ExecutableLibraryID for the executable.
type Library struct {
	ID          int
	Path        string
	Soname      string
	Base        uint64
	Image       *elfimage.Image
	Strtab      *strtab.Slab
	Dynsym      []types.Sym
	TLSModuleID int
}

// Context holds one task's whole link state: the library arena, the
// global symbol table, the TLS layout, and the dl_iterate_phdr registry
// — everything spec.md §4.6–§4.10 describe as living for the lifetime of
// one loaded task.
type Context struct {
	k      *kernel.Kernel
	task   *kernel.Task
	thread kernel.ThreadID
	fc     *fileioclient.Client
	arch   reloc.Machine

	Symbols *symtab.Table
	TLS     *tlsrt.Layout
	DlInfo  *dlinfo.Registry

	mu                 sync.Mutex
	exec               *Library
	libraries          []*Library
	bySoname           map[string]int
	tlsModuleByLibrary map[int]int
	i386Next           uint64
}

// NewContext builds an empty link context for task, re-opening files
// through fc (spec.md §4.6 step 1).
func NewContext(k *kernel.Kernel, task *kernel.Task, thread kernel.ThreadID, fc *fileioclient.Client) *Context {
	table := symtab.New()
	return &Context{
		k:                  k,
		task:               task,
		thread:             thread,
		fc:                 fc,
		Symbols:            table,
		TLS:                tlsrt.NewLayout(),
		DlInfo:             dlinfo.New(table),
		bySoname:           make(map[string]int),
		tlsModuleByLibrary: make(map[int]int),
	}
}

// LoadExecutable performs the full bootstrap sequence for path: re-read,
// register the executable's own symbols and TLS, breadth-first load
// every DT_NEEDED dependency, then apply every relocation in spec.md
// §4.8's order (executable data+PLT, then each library's data+PLT in
// load order). It returns the executable's entry point.
func (c *Context) LoadExecutable(ctx context.Context, path string) (uint64, error) {
	data, err := c.fc.ReadFile(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("linker: reading executable %q: %w", path, err)
	}
	img, err := elfimage.Open(data)
	if err != nil {
		return 0, fmt.Errorf("linker: parsing executable %q: %w", path, err)
	}
	if img.Ehdr.Type != types.ET_EXEC && img.Ehdr.Type != types.ET_DYN {
		return 0, fmt.Errorf("linker: %q is not directly executable (e_type=%d)", path, img.Ehdr.Type)
	}
	switch img.Ehdr.Machine {
	case types.EM_386:
		c.arch = reloc.I386
	case types.EM_X86_64:
		c.arch = reloc.AMD64
	default:
		return 0, fmt.Errorf("linker: %q: unsupported machine %s", path, img.Ehdr.Machine)
	}

	exec := &Library{ID: symtab.ExecutableLibraryID, Path: path, Base: 0, Image: img, Strtab: strtab.New()}
	c.exec = exec
	if err := c.registerSymbols(exec); err != nil {
		return 0, err
	}
	c.registerTLS(exec)
	c.DlInfo.AddExecutable(path, 0, img.Phdrs)

	if !img.HasDynamic() {
		// A static executable has no PT_DYNAMIC and dyldo has nothing
		// further to do (spec.md §4.4: "dyldo is never invoked"); this
		// path only exists so callers that always go through
		// LoadExecutable don't need a separate static-vs-dynamic branch.
		return img.Ehdr.Entry, nil
	}

	needed, err := img.Needed()
	if err != nil {
		return 0, fmt.Errorf("linker: reading DT_NEEDED for %q: %w", path, err)
	}
	queue := append([]string(nil), needed...)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if _, ok := c.bySoname[name]; ok {
			continue
		}
		lib, err := c.loadOne(ctx, name)
		if err != nil {
			return 0, fmt.Errorf("linker: loading %q: %w", name, err)
		}
		more, err := lib.Image.Needed()
		if err != nil {
			return 0, fmt.Errorf("linker: reading DT_NEEDED for %q: %w", name, err)
		}
		queue = append(queue, more...)
	}

	if err := c.applyRelocations(); err != nil {
		return 0, err
	}
	return img.Ehdr.Entry, nil
}

// loadOne instantiates a single library reader: re-open, reserve an ASLR
// slide, map its PT_LOAD segments into the task, register its symbols
// and TLS requirement, and record it for dl_iterate_phdr.
func (c *Context) loadOne(ctx context.Context, name string) (*Library, error) {
	data, err := c.fc.ReadFile(ctx, name)
	if err != nil {
		return nil, err
	}
	img, err := elfimage.Open(data)
	if err != nil {
		return nil, err
	}
	base, err := c.reserveBase()
	if err != nil {
		return nil, err
	}
	if err := c.mapSegments(img, base); err != nil {
		return nil, err
	}

	c.mu.Lock()
	id := len(c.libraries)
	soname := name
	if sn, ok := img.Soname(); ok {
		soname = sn
	}
	lib := &Library{ID: id, Path: name, Soname: soname, Base: base, Image: img, Strtab: strtab.New()}
	c.libraries = append(c.libraries, lib)
	c.bySoname[name] = id
	if soname != name {
		c.bySoname[soname] = id
	}
	c.mu.Unlock()

	if err := c.registerSymbols(lib); err != nil {
		return nil, err
	}
	c.registerTLS(lib)
	c.DlInfo.AddLibrary(name, base, img.Phdrs, id)
	return lib, nil
}

// mapSegments allocates one anonymous region per PT_LOAD, populates it
// from the file while still server-accessible, then hands it to the task
// at base+p_vaddr — the same map-populate-unmap-remap dance the
// root-server loader performs for the executable itself (spec.md §4.5
// step 2), run here on dyldo's behalf for a library instead.
func (c *Context) mapSegments(img *elfimage.Image, base uint64) error {
	raw := img.Bytes()
	for _, p := range img.Phdrs {
		if p.Type != types.PT_LOAD {
			continue
		}
		if p.Memsz == 0 {
			// spec.md §8: "ELF with p_memsz == 0: segment is skipped."
			continue
		}
		if p.Memsz < p.Filesz {
			return fmt.Errorf("linker: segment at vaddr %#x has memsz < filesz", p.Vaddr)
		}
		if !types.SegmentAlignConsistent(p.Vaddr, p.Off, p.Align) {
			return fmt.Errorf("linker: segment at vaddr %#x: p_align %d does not divide vaddr-offset difference", p.Vaddr, p.Align)
		}
		pageOff := p.Vaddr - types.PageAlignDown(p.Vaddr)
		size := types.PageAlignUp(p.Memsz + pageOff)
		prot := types.ProtFromELFFlags(p.Flags)
		if prot.WriteAndExec() {
			return fmt.Errorf("linker: segment at vaddr %#x requests write+execute", p.Vaddr)
		}
		region, err := c.k.AllocVirtualAnonRegion(size, prot)
		if err != nil {
			return err
		}
		if p.Filesz > 0 {
			end := p.Off + p.Filesz
			if end > uint64(len(raw)) {
				return fmt.Errorf("linker: segment at vaddr %#x file range out of bounds", p.Vaddr)
			}
			if err := region.Populate(pageOff, raw[p.Off:end]); err != nil {
				return err
			}
		}
		region.UnmapFromServer()
		vaddr := base + types.PageAlignDown(p.Vaddr)
		if err := c.k.MapVirtualRegionRemote(c.task, region, vaddr, size, prot); err != nil {
			return err
		}
	}
	return nil
}

// reserveBase picks a library's load base according to c.arch (spec.md
// §4.6 step 4).
func (c *Context) reserveBase() (uint64, error) {
	if c.arch == reloc.AMD64 {
		slots := amd64ApertureSize / amd64SlideAlign
		n, err := rand.Int(rand.Reader, big.NewInt(int64(slots)))
		if err != nil {
			return 0, fmt.Errorf("linker: generating ASLR slide: %w", err)
		}
		return amd64ApertureBase + uint64(n.Int64())*amd64SlideAlign, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	base := i386FixedBase + c.i386Next*i386Spacing
	c.i386Next++
	return base, nil
}

// registerSymbols walks lib's .dynsym, classifying and rebasing each
// defined symbol and registering it in the global table (spec.md §4.6
// "Symbol extraction"). An object with no dynamic symbol table at all
// (a static executable) contributes nothing, not an error — but an
// object that has a DT_SYMTAB and fails to parse it is a malformed
// object and must abort loading, not be silently treated as empty.
func (c *Context) registerSymbols(lib *Library) error {
	syms, err := lib.Image.Dynsym()
	if err != nil {
		if errors.Is(err, elfimage.ErrNoDynsym) {
			return nil
		}
		return fmt.Errorf("linker: %s: reading dynamic symbol table: %w", lib.Path, err)
	}
	lib.Dynsym = syms
	for _, s := range syms {
		if s.Shndx == types.SHN_UNDEF || s.Name == "" {
			continue
		}
		kind, err := symtab.ClassifyType(s.Type())
		if err != nil {
			return fmt.Errorf("linker: %s: symbol %q: %w", lib.Path, s.Name, err)
		}
		addr := s.Value
		if kind != symtab.ThreadLocal {
			addr += lib.Base
		}
		sym := symtab.Symbol{
			Name:        lib.Strtab.Intern(s.Name),
			LibraryID:   lib.ID,
			LibraryName: lib.Path,
			Address:     addr,
			Length:      s.Size,
			Bind:        symtab.ClassifyBind(s.Bind()),
			Kind:        kind,
		}
		if err := c.Symbols.Define(sym); err != nil {
			return err
		}
	}
	return nil
}

// registerTLS records lib's PT_TLS segment, if any, as the next module
// in load order (spec.md §4.9: "at library-load time the linker records
// each object's TLS requirements in load order").
func (c *Context) registerTLS(lib *Library) {
	seg, ok := lib.Image.TLSSegment()
	if !ok {
		if lib != c.exec {
			lib.TLSModuleID = -1
			return
		}
		// The executable always takes ExecutableModule, as an empty
		// module when it has no PT_TLS, so libraries never occupy slot 0.
		seg = types.Phdr{}
	}
	raw := lib.Image.Bytes()
	var template []byte
	if end := seg.Off + seg.Filesz; end <= uint64(len(raw)) {
		template = raw[seg.Off:end]
	}
	modID := c.TLS.Add(seg.Memsz, template, seg.Align)
	lib.TLSModuleID = modID
	c.mu.Lock()
	c.tlsModuleByLibrary[lib.ID] = modID
	c.mu.Unlock()
}

// applyRelocations processes the executable then every library in load
// order, each one's data relocations then its PLT relocations (spec.md
// §4.8: "Processes, in order: executable data relocs, executable PLT
// relocs, then for each library: its data relocs, its PLT relocs").
func (c *Context) applyRelocations() error {
	order := append([]*Library{c.exec}, c.libraries...)
	for _, lib := range order {
		dynTbl, pltTbl, err := lib.Image.RelocTables()
		if err != nil {
			return fmt.Errorf("linker: reading relocation tables for %s: %w", lib.Path, err)
		}
		adapter := &imageAdapter{ctx: c, base: lib.Base}
		syms := &symbolsAdapter{ctx: c, syms: lib.Dynsym}
		for _, rt := range []elfimage.RelocTable{dynTbl, pltTbl} {
			if rt.Size == 0 {
				continue
			}
			arr, err := reloc.NewArray(lib.Image.Bytes(), rt.Off, rt.Size, rt.Stride, rt.Rela)
			if err != nil {
				return fmt.Errorf("linker: %s: %w", lib.Path, err)
			}
			if err := reloc.Apply(c.arch, arr, syms, adapter); err != nil {
				return fmt.Errorf("linker: applying relocations for %s: %w", lib.Path, err)
			}
		}
	}
	return nil
}

// imageAdapter is the reloc.Image view of one loaded object: all
// addresses it hands reloc are object-relative, rebased here through the
// task's own memory access path (spec.md §9's cross-address-space
// mapping, accessed from the task side rather than the root server's
// temporary window).
type imageAdapter struct {
	ctx  *Context
	base uint64
}

func (a *imageAdapter) Base() uint64 { return a.base }

func (a *imageAdapter) Write(vaddr uint64, width int, value uint64) error {
	return a.ctx.task.WriteVA(a.base+vaddr, width, value)
}

func (a *imageAdapter) Read(vaddr uint64, width int) (uint64, error) {
	b, err := a.ctx.task.ReadVA(a.base+vaddr, width)
	if err != nil {
		return 0, err
	}
	switch width {
	case 4:
		return uint64(binary.LittleEndian.Uint32(b)), nil
	case 8:
		return binary.LittleEndian.Uint64(b), nil
	default:
		return 0, fmt.Errorf("linker: unsupported read width %d", width)
	}
}

// Copy implements R_*_COPY (spec.md §4.8): copy sym.Size bytes from the
// already-resolved source address to dst, then install a symtab override
// so later relocations referencing this symbol see the copied-to slot
// rather than the library's original read-only template (spec.md §4.7).
func (a *imageAdapter) Copy(dst, src uint64, sym types.Sym) error {
	data, err := a.ctx.task.ReadVA(src, int(sym.Size))
	if err != nil {
		return fmt.Errorf("linker: COPY relocation: reading source for %q: %w", sym.Name, err)
	}
	absDst := a.base + dst
	if err := a.ctx.task.WriteBytesVA(absDst, data); err != nil {
		return fmt.Errorf("linker: COPY relocation: writing %q: %w", sym.Name, err)
	}
	a.ctx.Symbols.InstallOverride(sym.Name, symtab.Symbol{
		Name:      sym.Name,
		LibraryID: symtab.ExecutableLibraryID,
		Address:   absDst,
		Length:    sym.Size,
		Bind:      symtab.Global,
		Kind:      symtab.Data,
	})
	return nil
}

// symbolsAdapter is the reloc.Symbols view of one object's .dynsym: it
// turns a local symbol index into a name, then resolves that name
// against the context's single global table.
type symbolsAdapter struct {
	ctx  *Context
	syms []types.Sym
}

func (s *symbolsAdapter) local(sym uint32) (types.Sym, error) {
	if int(sym) >= len(s.syms) {
		return types.Sym{}, fmt.Errorf("linker: relocation references out-of-range symbol index %d", sym)
	}
	return s.syms[sym], nil
}

func (s *symbolsAdapter) Resolve(sym uint32) (uint64, types.Sym, error) {
	es, err := s.local(sym)
	if err != nil {
		return 0, types.Sym{}, err
	}
	resolved, ok := s.ctx.Symbols.Resolve(es.Name, nil)
	if !ok {
		return 0, es, fmt.Errorf("linker: undefined symbol %q", es.Name)
	}
	return resolved.Address, es, nil
}

func (s *symbolsAdapter) TLSModuleID(sym uint32) (uint64, error) {
	es, err := s.local(sym)
	if err != nil {
		return 0, err
	}
	resolved, ok := s.ctx.Symbols.Resolve(es.Name, nil)
	if !ok {
		return 0, fmt.Errorf("linker: undefined TLS symbol %q", es.Name)
	}
	s.ctx.mu.Lock()
	modID, ok := s.ctx.tlsModuleByLibrary[resolved.LibraryID]
	s.ctx.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("linker: symbol %q's owning object has no TLS segment", es.Name)
	}
	return uint64(modID), nil
}

// TLSLibraryOffset returns "library_tls_offset(symbol.library)": the
// owning module's own byte offset within the combined per-thread TLS
// area, without the symbol's own address folded in (spec.md §4.8's
// TPOFF formula keeps these as two separate terms).
func (s *symbolsAdapter) TLSLibraryOffset(sym uint32) (uint64, error) {
	es, err := s.local(sym)
	if err != nil {
		return 0, err
	}
	resolved, ok := s.ctx.Symbols.Resolve(es.Name, nil)
	if !ok {
		return 0, fmt.Errorf("linker: undefined TLS symbol %q", es.Name)
	}
	s.ctx.mu.Lock()
	modID, ok := s.ctx.tlsModuleByLibrary[resolved.LibraryID]
	s.ctx.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("linker: symbol %q's owning object has no TLS segment", es.Name)
	}
	return s.ctx.TLS.ModuleOffset(modID)
}

// ExecTLSSize returns "exec_tls_size", the executable's own TLS module
// size, the term spec.md §4.8's TPOFF formula subtracts.
func (s *symbolsAdapter) ExecTLSSize() (uint64, error) {
	return s.ctx.TLS.ExecTLSSize()
}

// Package loader is the root server's side of spec.md §4.5: it turns a
// parsed ELF executable into a running task — mapping PT_LOAD segments
// through the server's temporary window, staging a stack and
// launch-info page, handing dynamically linked binaries off to dyldo,
// and finally programming the task's entry state.
package loader

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/appsworld/kernelrt/pkg/elfimage"
	"github.com/appsworld/kernelrt/pkg/kernel"
	"github.com/appsworld/kernelrt/rootsrv/internal/dyldopipe"
	"github.com/appsworld/kernelrt/types"
)

// StackSize is the default stack allocation (spec.md §4.5 step 3:
// "default 128 KiB").
const StackSize = 128 * 1024

// Fixed per-architecture addresses for the stack and launch-info page
// (spec.md §4.5 steps 3–4: "a fixed per-arch address"). Chosen well
// clear of the dynamic linker's amd64 ASLR aperture and i386 library
// ladder (dyldo/internal/linker) so the two never collide in this
// simulation's flat synthetic address space.
const (
	stackTopAMD64 = uint64(0x0000_7fff_fffe_0000)
	stackTopI386  = uint64(0xbfff_0000)

	launchInfoAddrAMD64 = uint64(0x0000_7000_0000_1000)
	launchInfoAddrI386  = uint64(0x9000_1000)
)

// LaunchResult is what Load hands back to the task-create endpoint once
// a task is fully staged and ready to run.
type LaunchResult struct {
	Task           *kernel.Task
	EntryPC        uint64
	StackPointer   uint64
	LaunchInfoAddr uint64
	Dynamic        bool
}

// Load implements spec.md §4.5's six numbered steps. Any failure unwinds
// every region mapped so far and destroys the task (spec.md §4.5: "any
// error unwinds by unmapping regions mapped so far and destroying the
// task handle").
func Load(ctx context.Context, k *kernel.Kernel, pipe *dyldopipe.Pipe, img *elfimage.Image, path string, argv []string) (result *LaunchResult, err error) {
	if img.Ehdr.Type != types.ET_EXEC {
		return nil, fmt.Errorf("loader: %q is not an executable (e_type=%d)", path, img.Ehdr.Type)
	}
	stackTop, launchInfoAddr, err := addressesFor(img.Ehdr.Machine)
	if err != nil {
		return nil, fmt.Errorf("loader: %q: %w", path, err)
	}

	task, terr := k.TaskCreate(nil)
	if terr != nil {
		return nil, fmt.Errorf("loader: creating task for %q: %w", path, terr)
	}
	task.SetName(path)

	var cleanup []func()
	defer func() {
		if err != nil {
			for i := len(cleanup) - 1; i >= 0; i-- {
				cleanup[i]()
			}
			task.Destroy()
		}
	}()

	if err = mapLoadSegments(k, task, img, &cleanup); err != nil {
		return nil, err
	}

	var hasInterp, hasDynamic bool
	for _, p := range img.Phdrs {
		switch p.Type {
		case types.PT_INTERP:
			hasInterp = true
		case types.PT_DYNAMIC:
			hasDynamic = true
		}
	}

	sp, serr := stageStack(k, task, stackTop, launchInfoAddr, &cleanup)
	if serr != nil {
		err = fmt.Errorf("loader: staging stack for %q: %w", path, serr)
		return nil, err
	}

	if err = buildLaunchInfo(k, task, launchInfoAddr, path, argv, &cleanup); err != nil {
		err = fmt.Errorf("loader: building launch-info page for %q: %w", path, err)
		return nil, err
	}

	entryPC := img.Ehdr.Entry
	dynamic := hasInterp || hasDynamic
	if dynamic {
		entryPC, err = pipe.Notify(ctx, task, path, img.Ehdr.Entry, launchInfoAddr)
		if err != nil {
			err = fmt.Errorf("loader: %q: %w", path, err)
			return nil, err
		}
	}

	if err = task.Initialize(entryPC, sp); err != nil {
		return nil, err
	}
	return &LaunchResult{Task: task, EntryPC: entryPC, StackPointer: sp, LaunchInfoAddr: launchInfoAddr, Dynamic: dynamic}, nil
}

func addressesFor(m types.Machine) (stackTop, launchInfoAddr uint64, err error) {
	switch m {
	case types.EM_X86_64:
		return stackTopAMD64, launchInfoAddrAMD64, nil
	case types.EM_386:
		return stackTopI386, launchInfoAddrI386, nil
	default:
		return 0, 0, fmt.Errorf("unsupported machine %s", m)
	}
}

// mapLoadSegments maps each PT_LOAD segment into task via the server's
// own temporary window: allocate, populate from the file while still
// server-accessible, release that access, then remap at the segment's
// target address (spec.md §4.5 step 2, §9's "Cross-address-space
// mapping without hidden sharing"). Overlap and W+X rejection are
// enforced by Task.addMapping and the check below respectively.
func mapLoadSegments(k *kernel.Kernel, task *kernel.Task, img *elfimage.Image, cleanup *[]func()) error {
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
			return fmt.Errorf("loader: segment at vaddr %#x has memsz (%d) < filesz (%d)", p.Vaddr, p.Memsz, p.Filesz)
		}
		if !types.SegmentAlignConsistent(p.Vaddr, p.Off, p.Align) {
			return fmt.Errorf("loader: segment at vaddr %#x: p_align %d does not divide vaddr-offset difference", p.Vaddr, p.Align)
		}
		prot := types.ProtFromELFFlags(p.Flags)
		if prot.WriteAndExec() {
			return fmt.Errorf("loader: segment at vaddr %#x requests write+execute", p.Vaddr)
		}
		pageOff := p.Vaddr - types.PageAlignDown(p.Vaddr)
		size := types.PageAlignUp(p.Memsz + pageOff)

		region, err := k.AllocVirtualAnonRegion(size, prot)
		if err != nil {
			return fmt.Errorf("loader: allocating segment at vaddr %#x: %w", p.Vaddr, err)
		}
		if p.Filesz > 0 {
			end := p.Off + p.Filesz
			if end > uint64(len(raw)) {
				return fmt.Errorf("loader: segment at vaddr %#x file range out of bounds", p.Vaddr)
			}
			if err := region.Populate(pageOff, raw[p.Off:end]); err != nil {
				return err
			}
		}
		region.UnmapFromServer()
		vaddr := types.PageAlignDown(p.Vaddr)
		if err := k.MapVirtualRegionTo(region, task, vaddr); err != nil {
			return fmt.Errorf("loader: mapping segment at vaddr %#x: %w", p.Vaddr, err)
		}
		r := region
		*cleanup = append(*cleanup, func() { k.UnmapVirtualRegion(r, task) })
	}
	return nil
}

// stageStack allocates the stack region and writes the launch-info
// pointer at its topmost word (spec.md §4.5 step 3: "the topmost word
// holds a pointer to the launch-info struct").
func stageStack(k *kernel.Kernel, task *kernel.Task, stackTop, launchInfoAddr uint64, cleanup *[]func()) (uint64, error) {
	size := types.PageAlignUp(StackSize)
	base := types.PageAlignDown(stackTop) - size

	region, err := k.AllocVirtualAnonRegion(size, types.ProtRead|types.ProtWrite)
	if err != nil {
		return 0, err
	}
	top := make([]byte, 8)
	binary.LittleEndian.PutUint64(top, launchInfoAddr)
	if err := region.Populate(size-8, top); err != nil {
		return 0, err
	}
	region.UnmapFromServer()
	if err := k.MapVirtualRegionTo(region, task, base); err != nil {
		return 0, err
	}
	*cleanup = append(*cleanup, func() { k.UnmapVirtualRegion(region, task) })
	return base + size - 8, nil
}

// buildLaunchInfo lays out the launch-info struct, the path string, the
// argv pointer array, and the argv strings themselves all within one
// read-only page (spec.md §4.5 step 4: "(magic = 'TASK', path, argc,
// argv_pointers[])").
func buildLaunchInfo(k *kernel.Kernel, task *kernel.Task, addr uint64, path string, argv []string, cleanup *[]func()) error {
	buf := make([]byte, types.LaunchInfoSize)

	pathOff := len(buf)
	buf = append(buf, []byte(path)...)
	buf = append(buf, 0)
	for len(buf)%8 != 0 {
		buf = append(buf, 0)
	}

	argvArrOff := len(buf)
	buf = append(buf, make([]byte, (len(argv)+1)*8)...)

	stringOffs := make([]int, len(argv))
	for i, a := range argv {
		stringOffs[i] = len(buf)
		buf = append(buf, []byte(a)...)
		buf = append(buf, 0)
	}

	bo := binary.LittleEndian
	for i, off := range stringOffs {
		bo.PutUint64(buf[argvArrOff+i*8:], addr+uint64(off))
	}
	// The final argv slot stays zero: the NULL terminator.

	if uint64(len(buf)) > types.PageSize {
		return fmt.Errorf("launch-info page overflow: %d bytes exceeds one page for %q", len(buf), path)
	}

	var magic [4]byte
	copy(magic[:], types.LaunchInfoMagic)
	li := types.LaunchInfo{
		Magic:       magic,
		LoadPathPtr: addr + uint64(pathOff),
		Argc:        uint64(len(argv)),
		ArgvPtr:     addr + uint64(argvArrOff),
	}
	li.Put(buf)

	region, err := k.AllocVirtualAnonRegion(types.PageSize, types.ProtRead)
	if err != nil {
		return err
	}
	if err := region.Populate(0, buf); err != nil {
		return err
	}
	region.UnmapFromServer()
	if err := k.MapVirtualRegionTo(region, task, addr); err != nil {
		return err
	}
	*cleanup = append(*cleanup, func() { k.UnmapVirtualRegion(region, task) })
	return nil
}

package dlinfo

import (
	"testing"

	"github.com/appsworld/kernelrt/dyldo/internal/symtab"
	"github.com/appsworld/kernelrt/pkg/kernel"
	"github.com/appsworld/kernelrt/types"
)

func TestIteratePHDRVisitsExecutableFirst(t *testing.T) {
	r := New(symtab.New())
	r.AddExecutable("/bin/prog", 0x400000, []types.Phdr{{Type: types.PT_LOAD}})
	r.AddLibrary("/lib/libc.so", 0x7f0000, []types.Phdr{{Type: types.PT_LOAD}}, 0)

	var order []string
	r.IteratePHDR(func(info Info) int {
		order = append(order, info.Name)
		return 0
	})
	if len(order) != 2 || order[0] != "/bin/prog" || order[1] != "/lib/libc.so" {
		t.Errorf("visit order = %v, want [/bin/prog /lib/libc.so]", order)
	}
}

// TestIteratePHDRStopsOnNonzeroReturn exercises "stops and returns the
// first nonzero callback return".
func TestIteratePHDRStopsOnNonzeroReturn(t *testing.T) {
	r := New(symtab.New())
	r.AddExecutable("/bin/prog", 0x400000, nil)
	r.AddLibrary("/lib/liba.so", 0x1000, nil, 0)
	r.AddLibrary("/lib/libb.so", 0x2000, nil, 1)

	var visited int
	ret := r.IteratePHDR(func(info Info) int {
		visited++
		if info.Name == "/lib/liba.so" {
			return 1
		}
		return 0
	})
	if ret != 1 {
		t.Errorf("IteratePHDR returned %d, want 1", ret)
	}
	if visited != 2 {
		t.Errorf("visited %d records, want 2 (stopping at liba.so)", visited)
	}
}

func TestIteratePHDRExhaustsWithZeroReturn(t *testing.T) {
	r := New(symtab.New())
	r.AddExecutable("/bin/prog", 0, nil)
	r.AddLibrary("/lib/a.so", 0, nil, 0)

	visited := 0
	ret := r.IteratePHDR(func(Info) int {
		visited++
		return 0
	})
	if ret != 0 || visited != 2 {
		t.Errorf("got (ret=%d, visited=%d), want (0, 2)", ret, visited)
	}
}

func TestIteratePHDRReportsBaseAndPhdrs(t *testing.T) {
	r := New(symtab.New())
	phdrs := []types.Phdr{{Type: types.PT_LOAD, Vaddr: 0x1000}}
	r.AddExecutable("/bin/prog", 0x400000, phdrs)

	var got Info
	r.IteratePHDR(func(info Info) int {
		got = info
		return 1
	})
	if got.Base != 0x400000 || got.Name != "/bin/prog" || len(got.Phdrs) != 1 || got.LibraryID != symtab.ExecutableLibraryID {
		t.Errorf("got %+v", got)
	}
}

func TestDlsymResolvesAgainstTable(t *testing.T) {
	table := symtab.New()
	if err := table.Define(symtab.Symbol{Name: "puts", LibraryID: 0, LibraryName: "libc.so", Bind: symtab.Global, Address: 0xdead}); err != nil {
		t.Fatalf("Define: %v", err)
	}
	r := New(table)

	addr, ok := r.Dlsym(kernel.ThreadID(1), nil, "puts")
	if !ok || addr != 0xdead {
		t.Errorf("Dlsym = (%#x, %v), want (0xdead, true)", addr, ok)
	}
}

// TestDlsymMissingSetsAndClearsThreadError exercises dlerror(3)'s
// "at most once" semantics: the error is set on a failed lookup and
// consumed (cleared) by the next Dlerror call.
func TestDlsymMissingSetsAndClearsThreadError(t *testing.T) {
	r := New(symtab.New())
	thread := kernel.ThreadID(3)

	if _, ok := r.Dlsym(thread, nil, "ghost"); ok {
		t.Fatal("Dlsym found a symbol that was never defined")
	}
	msg := r.Dlerror(thread)
	if msg == "" {
		t.Fatal("Dlerror returned empty string after a failed Dlsym")
	}
	if again := r.Dlerror(thread); again != "" {
		t.Errorf("second Dlerror call = %q, want empty (consumed once)", again)
	}
}

func TestDlsymSuccessClearsPriorError(t *testing.T) {
	table := symtab.New()
	if err := table.Define(symtab.Symbol{Name: "puts", LibraryID: 0, LibraryName: "libc.so", Bind: symtab.Global}); err != nil {
		t.Fatalf("Define: %v", err)
	}
	r := New(table)
	thread := kernel.ThreadID(4)

	if _, ok := r.Dlsym(thread, nil, "ghost"); ok {
		t.Fatal("Dlsym found a symbol that was never defined")
	}
	if _, ok := r.Dlsym(thread, nil, "puts"); !ok {
		t.Fatal("Dlsym failed to resolve a defined symbol")
	}
	if msg := r.Dlerror(thread); msg != "" {
		t.Errorf("Dlerror = %q after a successful lookup, want empty", msg)
	}
}

func TestDlerrorWithoutPriorErrorIsEmpty(t *testing.T) {
	r := New(symtab.New())
	if msg := r.Dlerror(kernel.ThreadID(9)); msg != "" {
		t.Errorf("Dlerror = %q, want empty for a thread with no recorded error", msg)
	}
}

// TestDlsymHandleScopedLookup exercises dlsym's handle-scoped lookup
// (spec.md §4.10): restricting to a library id only matches that
// library's own binding.
func TestDlsymHandleScopedLookup(t *testing.T) {
	table := symtab.New()
	if err := table.Define(symtab.Symbol{Name: "shared", LibraryID: 0, LibraryName: "liba.so", Bind: symtab.WeakGlobal, Address: 0x44}); err != nil {
		t.Fatalf("Define: %v", err)
	}
	table.InstallOverride("shared", symtab.Symbol{Name: "shared", LibraryID: 1, LibraryName: "libb.so", Address: 0x55})
	r := New(table)

	libA := 0
	if addr, ok := r.Dlsym(kernel.ThreadID(1), &libA, "shared"); !ok || addr != 0x44 {
		t.Errorf("Dlsym(restrictTo=libA) = (%#x, %v), want libA's own binding (0x44, true)", addr, ok)
	}

	libB := 1
	addr, ok := r.Dlsym(kernel.ThreadID(1), &libB, "shared")
	if !ok || addr != 0x55 {
		t.Errorf("Dlsym(restrictTo=libB) = (%#x, %v), want (0x55, true)", addr, ok)
	}
}

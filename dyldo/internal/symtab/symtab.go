// Package symtab is the dynamic linker's global symbol table: two
// layered maps (primary, override) over interned names, enforcing the
// single-global-binding invariant and classifying each ELF symbol the
// way spec.md §4.6 "Symbol extraction" and §4.7 describe (pkg/elfimage
// supplies the raw .dynsym entries; this package turns them into
// resolvable, owned Symbol records).
package symtab

import (
	"fmt"
	"sync"

	"github.com/appsworld/kernelrt/types"
)

// Bind mirrors STB_LOCAL/STB_GLOBAL/STB_WEAK, spec.md §3's "bind =
// {local, global, weak-global}".
type Bind int

const (
	Local Bind = iota
	Global
	WeakGlobal
)

func (b Bind) String() string {
	switch b {
	case Local:
		return "local"
	case Global:
		return "global"
	case WeakGlobal:
		return "weak-global"
	default:
		return "bind(?)"
	}
}

// ClassifyBind maps an ELF st_info binding field to Bind.
func ClassifyBind(stb uint8) Bind {
	switch stb {
	case types.STB_GLOBAL:
		return Global
	case types.STB_WEAK:
		return WeakGlobal
	default:
		return Local
	}
}

// Kind mirrors STT_OBJECT/STT_FUNC/STT_TLS, spec.md §3's "type = {data,
// function, thread-local, unspecified}".
type Kind int

const (
	Unspecified Kind = iota
	Data
	Function
	ThreadLocal
)

// ErrUnclassifiableType is returned for an st_info type this linker
// does not model (spec.md §4.6: "otherwise error").
var ErrUnclassifiableType = fmt.Errorf("symtab: unclassifiable symbol type")

// ClassifyType maps an ELF st_info type field to Kind.
func ClassifyType(stt uint8) (Kind, error) {
	switch stt {
	case types.STT_OBJECT:
		return Data, nil
	case types.STT_FUNC:
		return Function, nil
	case types.STT_TLS:
		return ThreadLocal, nil
	case types.STT_NOTYPE:
		return Unspecified, nil
	default:
		return Unspecified, fmt.Errorf("%w: st_info type %d", ErrUnclassifiableType, stt)
	}
}

// Symbol is one registered definition (spec.md §3). LibraryID is the
// dense index of the owning library in the linker's arena, or
// ExecutableLibraryID for an executable-exported definition. For
// ThreadLocal symbols, Address holds the raw, unrebased offset within
// the owning module's TLS template (spec.md §4.8's R_*_TLS_DTPOFF*
// reads this value directly), not a mapped virtual address.
type Symbol struct {
	Name        string
	LibraryID   int
	LibraryName string
	Address     uint64
	Length      uint64
	Bind        Bind
	Kind        Kind
}

// ExecutableLibraryID marks a Symbol as exported by the executable
// itself rather than any loaded library (spec.md §3: "library: owning
// library (nullable for executable-exported)").
const ExecutableLibraryID = -1

// ErrDuplicateGlobal reports two global definitions of the same name
// (spec.md §3 invariant: "two globals is a hard fault").
type ErrDuplicateGlobal struct {
	Name         string
	FirstLibrary string
	SecondLibrary string
}

func (e *ErrDuplicateGlobal) Error() string {
	return fmt.Sprintf("symtab: duplicate global symbol %q defined by both %q and %q",
		e.Name, e.FirstLibrary, e.SecondLibrary)
}

// Table is the linker's global symbol map: a primary layer accumulated
// during loads, and an override layer consulted first (spec.md §4.7).
// It is written only by the single linker thread during bootstrap and
// read from anywhere afterward (spec.md §5), so its mutex exists for
// safety against that afterward-read racing a late override install
// (e.g. a COPY relocation processed concurrently with DlInfo queries),
// not because multiple loaders write it at once.
type Table struct {
	mu       sync.RWMutex
	primary  map[string]Symbol
	override map[string]Symbol
}

// New returns an empty symbol table.
func New() *Table {
	return &Table{
		primary:  make(map[string]Symbol),
		override: make(map[string]Symbol),
	}
}

// Define registers sym under sym.Name, applying spec.md §4.6's
// duplicate-global rule: a weak definition never conflicts (the
// existing binding, whatever it is, wins and the new one is simply not
// recorded); two global definitions of the same name is a hard fault.
func (t *Table) Define(sym Symbol) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.primary[sym.Name]
	if !ok {
		t.primary[sym.Name] = sym
		return nil
	}
	switch {
	case existing.Bind != Global && sym.Bind != Global:
		// Weak-weak: first definition wins, matching "global wins
		// silently" generalized to "the stronger (or first) binding
		// wins" when neither side is global.
		return nil
	case existing.Bind == Global && sym.Bind == Global:
		return &ErrDuplicateGlobal{Name: sym.Name, FirstLibrary: existing.LibraryName, SecondLibrary: sym.LibraryName}
	case sym.Bind == Global:
		// New definition is global, existing was weak: global wins.
		t.primary[sym.Name] = sym
		return nil
	default:
		// Existing is global, new is weak: existing wins silently.
		return nil
	}
}

// Resolve looks up name, consulting the override layer first (spec.md
// §4.7: "Look up override; if present ... return it. Look up primary;
// return if defined ... Else return undefined"). restrictTo, if
// non-nil, only returns a match owned by that library id (dlsym's
// handle-scoped lookup, spec.md §4.10).
func (t *Table) Resolve(name string, restrictTo *int) (Symbol, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.override[name]; ok && matchesRestriction(s, restrictTo) {
		return s, true
	}
	if s, ok := t.primary[name]; ok && matchesRestriction(s, restrictTo) {
		return s, true
	}
	return Symbol{}, false
}

func matchesRestriction(s Symbol, restrictTo *int) bool {
	return restrictTo == nil || s.LibraryID == *restrictTo
}

// InstallOverride installs sym as an override for name, shadowing the
// primary map for all future resolutions (spec.md §4.7: "Overrides are
// installed by the relocation engine when it processes a COPY
// relocation"). The linker's COPY handling is its only caller.
func (t *Table) InstallOverride(name string, sym Symbol) {
	t.mu.Lock()
	t.override[name] = sym
	t.mu.Unlock()
}

// Package strtab owns the name bytes referenced by a loaded library's
// symbols: one growable slab per library, so that symbol name
// comparisons are slab-relative and string storage never outlives the
// library that owns it (spec.md §3: "String slabs own all name bytes
// referenced by symbol entries; symbols never outlive their owning
// library", §9: "the string slab interns names so symbol-name
// comparison is slab-relative"). Shaped like the teacher's trie string
// handling minus the trie's prefix compression — spec.md §4.7 is
// explicit the symbol map itself is a flat hash table, so only the
// "own your bytes in one slab" habit survives, not the radix structure.
package strtab

// Slab owns a copy of every string interned into it. Interning the same
// bytes twice returns the same backing string without a second copy,
// matching a library's .dynstr being read once and referenced by every
// symbol it defines.
type Slab struct {
	interned map[string]string
}

// New returns an empty slab.
func New() *Slab {
	return &Slab{interned: make(map[string]string)}
}

// Intern copies s into the slab (if not already present) and returns
// the slab-owned copy. Callers should always retain the returned value,
// not s, so that a symbol's Name never aliases the original file buffer
// it was decoded from.
func (sl *Slab) Intern(s string) string {
	if v, ok := sl.interned[s]; ok {
		return v
	}
	// Copy s out of whatever buffer it currently aliases (typically an
	// ELF image's raw bytes) so the slab remains valid after the
	// library reader that produced it is released (spec.md §3:
	// "reader: live only during load; released after relocation").
	owned := string(append([]byte(nil), s...))
	sl.interned[owned] = owned
	return owned
}

// Len reports how many distinct strings the slab holds.
func (sl *Slab) Len() int { return len(sl.interned) }

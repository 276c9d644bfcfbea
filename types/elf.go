package types

import (
	"encoding/binary"
	"fmt"
)

// Class is the ELF file class (32- or 64-bit).
type Class uint8

const (
	ELFCLASSNONE Class = 0
	ELFCLASS32   Class = 1
	ELFCLASS64   Class = 2
)

// Data is the ELF data encoding. The loader and linker only ever handle
// little-endian (spec §4.5 step 1: "little-endian" is part of e_ident
// validation).
type Data uint8

const (
	ELFDATANONE Data = 0
	ELFDATA2LSB Data = 1
)

// Machine identifies the target architecture of an ELF object.
type Machine uint16

const (
	EM_386    Machine = 3
	EM_X86_64 Machine = 62
)

func (m Machine) String() string {
	switch m {
	case EM_386:
		return "i386"
	case EM_X86_64:
		return "amd64"
	default:
		return fmt.Sprintf("machine(%#x)", uint16(m))
	}
}

// ObjType is e_type: ET_EXEC, ET_DYN, ...
type ObjType uint16

const (
	ET_NONE ObjType = 0
	ET_REL  ObjType = 1
	ET_EXEC ObjType = 2
	ET_DYN  ObjType = 3
	ET_CORE ObjType = 4
)

const (
	EI_MAG0       = 0
	EI_MAG1       = 1
	EI_MAG2       = 2
	EI_MAG3       = 3
	EI_CLASS      = 4
	EI_DATA       = 5
	EI_VERSION    = 6
	EI_OSABI      = 7
	EI_ABIVERSION = 8
	EI_PAD        = 9
	EI_NIDENT     = 16

	ELFMAG0 = 0x7f
	ELFMAG1 = 'E'
	ELFMAG2 = 'L'
	ELFMAG3 = 'F'

	EV_CURRENT = 1
)

// ErrBadMagic is returned when e_ident doesn't start with the ELF magic.
var ErrBadMagic = fmt.Errorf("bad ELF magic")

// Ehdr is the normalized (class-independent) ELF file header: the
// loader and linker only ever deal with this shape, never the raw
// 32/64-bit on-disk layouts directly, the way the teacher's FileHeader
// hides Magic32 vs Magic64 behind one struct with a variable Put size.
type Ehdr struct {
	Class     Class
	Data      Data
	OSABI     uint8
	Type      ObjType
	Machine   Machine
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// ParseEhdr validates e_ident and decodes either the 32- or 64-bit
// header from b, which must hold at least the full header.
func ParseEhdr(b []byte) (*Ehdr, error) {
	if len(b) < EI_NIDENT+4 {
		return nil, fmt.Errorf("%w: short header (%d bytes)", ErrBadMagic, len(b))
	}
	if b[EI_MAG0] != ELFMAG0 || b[EI_MAG1] != ELFMAG1 || b[EI_MAG2] != ELFMAG2 || b[EI_MAG3] != ELFMAG3 {
		return nil, ErrBadMagic
	}
	class := Class(b[EI_CLASS])
	data := Data(b[EI_DATA])
	if data != ELFDATA2LSB {
		return nil, fmt.Errorf("unsupported data encoding %d: only little-endian objects are loadable", data)
	}
	if b[EI_VERSION] != EV_CURRENT {
		return nil, fmt.Errorf("unsupported e_ident version %d", b[EI_VERSION])
	}

	h := &Ehdr{Class: class, Data: data, OSABI: b[EI_OSABI]}
	bo := binary.LittleEndian

	switch class {
	case ELFCLASS32:
		if len(b) < 52 {
			return nil, fmt.Errorf("%w: short ELF32 header", ErrBadMagic)
		}
		h.Type = ObjType(bo.Uint16(b[16:]))
		h.Machine = Machine(bo.Uint16(b[18:]))
		h.Version = bo.Uint32(b[20:])
		h.Entry = uint64(bo.Uint32(b[24:]))
		h.Phoff = uint64(bo.Uint32(b[28:]))
		h.Shoff = uint64(bo.Uint32(b[32:]))
		h.Flags = bo.Uint32(b[36:])
		h.Ehsize = bo.Uint16(b[40:])
		h.Phentsize = bo.Uint16(b[42:])
		h.Phnum = bo.Uint16(b[44:])
		h.Shentsize = bo.Uint16(b[46:])
		h.Shnum = bo.Uint16(b[48:])
		h.Shstrndx = bo.Uint16(b[50:])
	case ELFCLASS64:
		if len(b) < 64 {
			return nil, fmt.Errorf("%w: short ELF64 header", ErrBadMagic)
		}
		h.Type = ObjType(bo.Uint16(b[16:]))
		h.Machine = Machine(bo.Uint16(b[18:]))
		h.Version = bo.Uint32(b[20:])
		h.Entry = bo.Uint64(b[24:])
		h.Phoff = bo.Uint64(b[32:])
		h.Shoff = bo.Uint64(b[40:])
		h.Flags = bo.Uint32(b[48:])
		h.Ehsize = bo.Uint16(b[52:])
		h.Phentsize = bo.Uint16(b[54:])
		h.Phnum = bo.Uint16(b[56:])
		h.Shentsize = bo.Uint16(b[58:])
		h.Shnum = bo.Uint16(b[60:])
		h.Shstrndx = bo.Uint16(b[62:])
	default:
		return nil, fmt.Errorf("unsupported ELF class %d", class)
	}
	return h, nil
}

// PT_* segment types.
const (
	PT_NULL       uint32 = 0
	PT_LOAD       uint32 = 1
	PT_DYNAMIC    uint32 = 2
	PT_INTERP     uint32 = 3
	PT_NOTE       uint32 = 4
	PT_SHLIB      uint32 = 5
	PT_PHDR       uint32 = 6
	PT_TLS        uint32 = 7
	PT_GNU_EH_FRAME uint32 = 0x6474e550
	PT_GNU_STACK  uint32 = 0x6474e551
	PT_GNU_RELRO  uint32 = 0x6474e552
)

// PF_* segment flags.
const (
	PF_X uint32 = 1 << 0
	PF_W uint32 = 1 << 1
	PF_R uint32 = 1 << 2
)

// Phdr is a normalized program header entry.
type Phdr struct {
	Type   uint32
	Flags  uint32
	Off    uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// ParsePhdrs decodes Ehdr.Phnum entries of size Ehdr.Phentsize starting
// at Ehdr.Phoff within b.
func ParsePhdrs(h *Ehdr, b []byte) ([]Phdr, error) {
	out := make([]Phdr, 0, h.Phnum)
	bo := binary.LittleEndian
	for i := 0; i < int(h.Phnum); i++ {
		off := int(h.Phoff) + i*int(h.Phentsize)
		var p Phdr
		switch h.Class {
		case ELFCLASS32:
			if off+32 > len(b) {
				return nil, fmt.Errorf("program header %d out of bounds", i)
			}
			e := b[off:]
			p.Type = bo.Uint32(e[0:])
			p.Off = uint64(bo.Uint32(e[4:]))
			p.Vaddr = uint64(bo.Uint32(e[8:]))
			p.Paddr = uint64(bo.Uint32(e[12:]))
			p.Filesz = uint64(bo.Uint32(e[16:]))
			p.Memsz = uint64(bo.Uint32(e[20:]))
			p.Flags = bo.Uint32(e[24:])
			p.Align = uint64(bo.Uint32(e[28:]))
		case ELFCLASS64:
			if off+56 > len(b) {
				return nil, fmt.Errorf("program header %d out of bounds", i)
			}
			e := b[off:]
			p.Type = bo.Uint32(e[0:])
			p.Flags = bo.Uint32(e[4:])
			p.Off = bo.Uint64(e[8:])
			p.Vaddr = bo.Uint64(e[16:])
			p.Paddr = bo.Uint64(e[24:])
			p.Filesz = bo.Uint64(e[32:])
			p.Memsz = bo.Uint64(e[40:])
			p.Align = bo.Uint64(e[48:])
		}
		out = append(out, p)
	}
	return out, nil
}

// DT_* dynamic section tags.
const (
	DT_NULL         int64 = 0
	DT_NEEDED       int64 = 1
	DT_PLTRELSZ     int64 = 2
	DT_PLTGOT       int64 = 3
	DT_HASH         int64 = 4
	DT_STRTAB       int64 = 5
	DT_SYMTAB       int64 = 6
	DT_RELA         int64 = 7
	DT_RELASZ       int64 = 8
	DT_RELAENT      int64 = 9
	DT_STRSZ        int64 = 10
	DT_SYMENT       int64 = 11
	DT_INIT         int64 = 12
	DT_FINI         int64 = 13
	DT_SONAME       int64 = 14
	DT_RPATH        int64 = 15
	DT_SYMBOLIC     int64 = 16
	DT_REL          int64 = 17
	DT_RELSZ        int64 = 18
	DT_RELENT       int64 = 19
	DT_PLTREL       int64 = 20
	DT_DEBUG        int64 = 21
	DT_TEXTREL      int64 = 22
	DT_JMPREL       int64 = 23
	DT_INIT_ARRAY   int64 = 25
	DT_FINI_ARRAY   int64 = 26
	DT_INIT_ARRAYSZ int64 = 27
	DT_FINI_ARRAYSZ int64 = 28
)

// Dyn is one .dynamic entry.
type Dyn struct {
	Tag int64
	Val uint64
}

// ParseDynamic decodes the .dynamic array of nbytes at file offset off,
// stopping at DT_NULL or array end, whichever comes first.
func ParseDynamic(class Class, b []byte, off, nbytes uint64) ([]Dyn, error) {
	entsize := uint64(8)
	if class == ELFCLASS64 {
		entsize = 16
	}
	if nbytes == 0 {
		nbytes = uint64(len(b)) - off
	}
	bo := binary.LittleEndian
	var out []Dyn
	for o := off; o+entsize <= off+nbytes && o+entsize <= uint64(len(b)); o += entsize {
		var d Dyn
		if class == ELFCLASS64 {
			d.Tag = int64(bo.Uint64(b[o:]))
			d.Val = bo.Uint64(b[o+8:])
		} else {
			d.Tag = int64(int32(bo.Uint32(b[o:])))
			d.Val = uint64(bo.Uint32(b[o+4:]))
		}
		out = append(out, d)
		if d.Tag == DT_NULL {
			break
		}
	}
	return out, nil
}

// STB_* symbol bindings and STT_* symbol types, packed into Sym.Info the
// way ELF32_ST_BIND/ELF32_ST_TYPE unpack st_info.
const (
	STB_LOCAL  uint8 = 0
	STB_GLOBAL uint8 = 1
	STB_WEAK   uint8 = 2
)

const (
	STT_NOTYPE uint8 = 0
	STT_OBJECT uint8 = 1
	STT_FUNC   uint8 = 2
	STT_SECTION uint8 = 3
	STT_FILE   uint8 = 4
	STT_TLS    uint8 = 6
)

const SHN_UNDEF uint16 = 0

// Sym is one entry of .dynsym, with Name already resolved via .dynstr.
type Sym struct {
	Name  string
	Value uint64
	Size  uint64
	Info  uint8
	Other uint8
	Shndx uint16
}

func (s Sym) Bind() uint8 { return s.Info >> 4 }
func (s Sym) Type() uint8 { return s.Info & 0xf }

// ParseDynsym decodes the symbol table at file offset off spanning
// nbytes, resolving each name against the string table strtab.
func ParseDynsym(class Class, b []byte, off, nbytes uint64, strtab []byte) ([]Sym, error) {
	entsize := uint64(16)
	if class == ELFCLASS64 {
		entsize = 24
	}
	bo := binary.LittleEndian
	var out []Sym
	for o := off; o+entsize <= off+nbytes && o+entsize <= uint64(len(b)); o += entsize {
		var s Sym
		var nameOff uint32
		if class == ELFCLASS64 {
			nameOff = bo.Uint32(b[o:])
			s.Info = b[o+4]
			s.Other = b[o+5]
			s.Shndx = bo.Uint16(b[o+6:])
			s.Value = bo.Uint64(b[o+8:])
			s.Size = bo.Uint64(b[o+16:])
		} else {
			nameOff = bo.Uint32(b[o:])
			s.Value = uint64(bo.Uint32(b[o+4:]))
			s.Size = uint64(bo.Uint32(b[o+8:]))
			s.Info = b[o+12]
			s.Other = b[o+13]
			s.Shndx = bo.Uint16(b[o+14:])
		}
		s.Name = cstring(strtab, nameOff)
		out = append(out, s)
	}
	return out, nil
}

func cstring(tab []byte, off uint32) string {
	if uint64(off) >= uint64(len(tab)) {
		return ""
	}
	i := off
	for i < uint32(len(tab)) && tab[i] != 0 {
		i++
	}
	return string(tab[off:i])
}

// Rel/Rela entries, with Sym/Type already unpacked from r_info per
// §4.8 ("sym_index = ELF32_R_SYM", etc). Stride is carried alongside
// by the caller (pkg/reloc), not here: this struct is just one decoded
// entry.
type Rel struct {
	Off  uint64
	Sym  uint32
	Type uint32
}

type Rela struct {
	Off    uint64
	Sym    uint32
	Type   uint32
	Addend int64
}

// DecodeRel decodes a single Elf32_Rel (REL, no addend) at b[0:8].
func DecodeRel(b []byte) Rel {
	bo := binary.LittleEndian
	off := uint64(bo.Uint32(b[0:]))
	info := bo.Uint32(b[4:])
	return Rel{Off: off, Sym: info >> 8, Type: info & 0xff}
}

// DecodeRela decodes a single Elf64_Rela (RELA, explicit addend) at
// b[0:24].
func DecodeRela(b []byte) Rela {
	bo := binary.LittleEndian
	off := bo.Uint64(b[0:])
	info := bo.Uint64(b[8:])
	addend := int64(bo.Uint64(b[16:]))
	return Rela{Off: off, Sym: uint32(info >> 32), Type: uint32(info & 0xffffffff), Addend: addend}
}

// Relocation type constants, i386 (REL).
const (
	R_386_NONE         uint32 = 0
	R_386_32           uint32 = 1
	R_386_COPY         uint32 = 5
	R_386_GLOB_DAT     uint32 = 6
	R_386_JMP_SLOT     uint32 = 7
	R_386_RELATIVE     uint32 = 8
	R_386_TLS_TPOFF    uint32 = 14
	R_386_TLS_DTPMOD32 uint32 = 35
	R_386_TLS_DTPOFF32 uint32 = 36
)

// Relocation type constants, amd64 (RELA).
const (
	R_X86_64_NONE     uint32 = 0
	R_X86_64_64       uint32 = 1
	R_X86_64_COPY     uint32 = 5
	R_X86_64_GLOB_DAT uint32 = 6
	R_X86_64_JMP_SLOT uint32 = 7
	R_X86_64_RELATIVE uint32 = 8
	R_X86_64_DTPMOD64 uint32 = 16
	R_X86_64_DTPOFF64 uint32 = 17
	R_X86_64_TPOFF64  uint32 = 18
)

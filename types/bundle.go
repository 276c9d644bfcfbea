package types

import (
	"encoding/binary"
	"fmt"
)

// Bundle master header magics (spec §3/§6.3, bit-exact).
const (
	BundleMagic = "KUSH"
	BundleType  = "INIT"

	BundleHeaderSize = 24

	// BundleCompressedBit marks a file entry's data range as compressed
	// (spec §6.3: "flags.bit31 = compressed").
	BundleCompressedBit uint32 = 1 << 31

	bundleAlign = 16
)

// ErrBadBundleMagic is returned when a bundle's master header fails
// validation.
var ErrBadBundleMagic = fmt.Errorf("bad init bundle magic")

// ErrBundleTruncated is returned when the master header's total_len
// claims more bytes than the mapped region actually holds — a check
// present in the original kush-os mkinit/InitBundle reader that the
// distilled spec's prose omits but the original always performs (see
// SPEC_FULL.md "SUPPLEMENTED FEATURES").
var ErrBundleTruncated = fmt.Errorf("init bundle total_len exceeds mapped region")

// MasterHeader is the 24-byte header at the start of every init bundle.
type MasterHeader struct {
	Magic      [4]byte
	Major      uint16
	Minor      uint16
	Type       [4]byte
	HeaderLen  uint32
	TotalLen   uint32
	NumFiles   uint32
}

// ParseMasterHeader decodes and validates the bundle's fixed-size master
// header fields. It does not check TotalLen against the bundle's actual
// mapped size — b is typically just the 24-byte header, not the whole
// bundle — callers compare TotalLen to the real region size themselves
// and return ErrBundleTruncated (see pkg/bundle's Reader.init).
func ParseMasterHeader(b []byte) (*MasterHeader, error) {
	if len(b) < BundleHeaderSize {
		return nil, fmt.Errorf("%w: short header (%d bytes)", ErrBadBundleMagic, len(b))
	}
	var h MasterHeader
	copy(h.Magic[:], b[0:4])
	if string(h.Magic[:]) != BundleMagic {
		return nil, ErrBadBundleMagic
	}
	bo := binary.LittleEndian
	h.Major = bo.Uint16(b[4:])
	h.Minor = bo.Uint16(b[6:])
	copy(h.Type[:], b[8:12])
	if string(h.Type[:]) != BundleType {
		return nil, ErrBadBundleMagic
	}
	h.HeaderLen = bo.Uint32(b[12:])
	h.TotalLen = bo.Uint32(b[16:])
	h.NumFiles = bo.Uint32(b[20:])
	return &h, nil
}

// EntryHeader is one variable-length file header following the master
// header (spec §6.3): flags, data range, raw (uncompressed) length, and
// the file's name.
type EntryHeader struct {
	Flags      uint32
	DataOffset uint32
	DataLength uint32
	RawLength  uint32
	Name       string
}

// ParseEntryHeader decodes one entry at b[0:], returning the entry and
// the number of bytes it occupied (so the caller can advance to the
// next one).
func ParseEntryHeader(b []byte) (EntryHeader, int, error) {
	const fixed = 4 + 4 + 4 + 4 + 1
	if len(b) < fixed {
		return EntryHeader{}, 0, fmt.Errorf("truncated bundle entry header")
	}
	bo := binary.LittleEndian
	e := EntryHeader{
		Flags:      bo.Uint32(b[0:]),
		DataOffset: bo.Uint32(b[4:]),
		DataLength: bo.Uint32(b[8:]),
		RawLength:  bo.Uint32(b[12:]),
	}
	nameLen := int(b[16])
	if len(b) < fixed+nameLen {
		return EntryHeader{}, 0, fmt.Errorf("truncated bundle entry name")
	}
	e.Name = string(b[fixed : fixed+nameLen])
	return e, fixed + nameLen, nil
}

// Compressed reports whether this entry's data range must be
// decompressed before use.
func (e EntryHeader) Compressed() bool { return e.Flags&BundleCompressedBit != 0 }

// AlignUp16 rounds off up to the 16-byte boundary file data regions
// begin on (spec §6.3: "File payloads begin at round_up(header_end,
// 16)").
func AlignUp16(off uint32) uint32 {
	return uint32(RoundUp(uint64(off), bundleAlign))
}

package types

import "encoding/binary"

// LaunchInfoMagic tags the launch-info page mapped read-only into every
// task (spec §3/§6.4).
const LaunchInfoMagic = "TASK"

// LaunchInfo mirrors the in-target-task layout described in spec §6.4:
// a magic, a pointer to the binary path string, argc, and a pointer to
// a NULL-terminated argv pointer array. All pointer fields are target
// virtual addresses, not host addresses — this struct is what the root
// server writes into the target task's launch-info page, not something
// it dereferences locally.
type LaunchInfo struct {
	Magic       [4]byte
	LoadPathPtr uint64
	Argc        uint64
	ArgvPtr     uint64
}

// LaunchInfoSize is the fixed size of the struct above once Put to
// bytes: 4-byte magic padded to 8, then three uint64 fields.
const LaunchInfoSize = 8 + 8 + 8 + 8

// Put encodes li into the first LaunchInfoSize bytes of b.
func (li LaunchInfo) Put(b []byte) {
	copy(b[0:4], li.Magic[:])
	bo := binary.LittleEndian
	bo.PutUint64(b[8:], li.LoadPathPtr)
	bo.PutUint64(b[16:], li.Argc)
	bo.PutUint64(b[24:], li.ArgvPtr)
}

// ParseLaunchInfo decodes a LaunchInfo from the first LaunchInfoSize
// bytes of b, the shape dyldo and the C runtime's startup code read back
// out of the read-only page the loader mapped (spec.md §4.5 step 4).
func ParseLaunchInfo(b []byte) LaunchInfo {
	var li LaunchInfo
	copy(li.Magic[:], b[0:4])
	bo := binary.LittleEndian
	li.LoadPathPtr = bo.Uint64(b[8:])
	li.Argc = bo.Uint64(b[16:])
	li.ArgvPtr = bo.Uint64(b[24:])
	return li
}

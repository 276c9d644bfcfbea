package taskep

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/appsworld/kernelrt/pkg/bundle"
	"github.com/appsworld/kernelrt/pkg/kernel"
	"github.com/appsworld/kernelrt/pkg/rpcwire"
	"github.com/appsworld/kernelrt/rootsrv/internal/dyldopipe"
	"github.com/appsworld/kernelrt/types"
)

func buildEhdr64(etype types.ObjType, entry uint64, phnum uint16) []byte {
	b := make([]byte, 64)
	b[types.EI_MAG0] = types.ELFMAG0
	b[types.EI_MAG1] = types.ELFMAG1
	b[types.EI_MAG2] = types.ELFMAG2
	b[types.EI_MAG3] = types.ELFMAG3
	b[types.EI_CLASS] = byte(types.ELFCLASS64)
	b[types.EI_DATA] = byte(types.ELFDATA2LSB)
	b[types.EI_VERSION] = types.EV_CURRENT
	bo := binary.LittleEndian
	bo.PutUint16(b[16:], uint16(etype))
	bo.PutUint16(b[18:], uint16(types.EM_X86_64))
	bo.PutUint32(b[20:], 1)
	bo.PutUint64(b[24:], entry)
	bo.PutUint64(b[32:], 64)
	bo.PutUint16(b[54:], 56)
	bo.PutUint16(b[56:], phnum)
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

func buildStaticExe(t *testing.T) []byte {
	t.Helper()
	const fileLen = 0x200
	b := make([]byte, fileLen)
	copy(b, buildEhdr64(types.ET_EXEC, 0x400000, 1))
	putPhdr64(b[64:], types.Phdr{
		Type: types.PT_LOAD, Flags: types.PF_R | types.PF_X,
		Off: 0, Vaddr: 0x400000, Filesz: 16, Memsz: 16, Align: 0x1000,
	})
	return b
}

// buildBundle encodes a minimal init bundle (spec.md §6.3) holding files.
func buildBundle(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	var entryTable []byte
	for _, n := range names {
		e := make([]byte, 17+len(n))
		e[16] = byte(len(n))
		copy(e[17:], n)
		entryTable = append(entryTable, e...)
	}
	headerLen := types.BundleHeaderSize + len(entryTable)
	dataStart := int(types.AlignUp16(uint32(headerLen)))
	buf := make([]byte, dataStart)
	pos := dataStart
	entryPos := types.BundleHeaderSize
	bo := binary.LittleEndian
	for _, n := range names {
		data := files[n]
		bo.PutUint32(entryTable[entryPos-types.BundleHeaderSize+4:], uint32(pos))
		bo.PutUint32(entryTable[entryPos-types.BundleHeaderSize+8:], uint32(len(data)))
		entryPos += 17 + len(n)
		buf = append(buf, data...)
		pos += len(data)
	}
	copy(buf[types.BundleHeaderSize:headerLen], entryTable)
	master := make([]byte, types.BundleHeaderSize)
	copy(master[0:4], types.BundleMagic)
	bo.PutUint16(master[4:], 1)
	copy(master[8:12], types.BundleType)
	bo.PutUint32(master[12:], uint32(headerLen))
	bo.PutUint32(master[16:], uint32(len(buf)))
	bo.PutUint32(master[20:], uint32(len(names)))
	copy(buf[0:types.BundleHeaderSize], master)
	return buf
}

func newTestServer(t *testing.T, ctx context.Context, files map[string][]byte) (*kernel.Kernel, *rpcwire.Client) {
	t.Helper()
	raw := buildBundle(t, files)
	bndl, err := bundle.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		t.Fatalf("bundle.NewReader: %v", err)
	}
	k := kernel.New()
	dispPort := k.PortCreate()
	pipe := dyldopipe.New(k, dispPort)
	port := k.PortCreate()
	srv := NewServer(k, port, bndl, pipe, nil)
	go srv.Serve(ctx)
	return k, rpcwire.NewClient(k, port)
}

func TestCreateTaskLoadsStaticExecutable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, rc := newTestServer(t, ctx, map[string][]byte{"/sbin/hello": buildStaticExe(t)})

	var reply types.CreateTaskReply
	req := types.CreateTaskRequest{Path: "/sbin/hello", Argv: []string{"hello"}}
	if err := rc.Call(ctx, types.MsgCreateTask, req, &reply); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if reply.Status != types.StatusOK {
		t.Fatalf("status = %v, want OK", reply.Status)
	}
	if reply.Task == 0 {
		t.Error("Task handle = 0, want a nonzero handle")
	}
}

func TestCreateTaskMissingPathReturnsNotFound(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, rc := newTestServer(t, ctx, map[string][]byte{"/sbin/hello": buildStaticExe(t)})

	var reply types.CreateTaskReply
	req := types.CreateTaskRequest{Path: "/sbin/does-not-exist"}
	if err := rc.Call(ctx, types.MsgCreateTask, req, &reply); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if reply.Status != types.StatusNotFound {
		t.Errorf("status = %v, want StatusNotFound", reply.Status)
	}
}

// TestCreateTaskFailureDoesNotAbortServer exercises spec.md §7: a
// per-request error must never take the dispatch loop down, so a good
// request after a bad one must still succeed.
func TestCreateTaskFailureDoesNotAbortServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, rc := newTestServer(t, ctx, map[string][]byte{"/sbin/hello": buildStaticExe(t)})

	var bad types.CreateTaskReply
	if err := rc.Call(ctx, types.MsgCreateTask, types.CreateTaskRequest{Path: "nope"}, &bad); err != nil {
		t.Fatalf("Call (bad): %v", err)
	}
	if bad.Status == types.StatusOK {
		t.Fatal("expected the bad request to fail")
	}

	var good types.CreateTaskReply
	req := types.CreateTaskRequest{Path: "/sbin/hello"}
	if err := rc.Call(ctx, types.MsgCreateTask, req, &good); err != nil {
		t.Fatalf("Call (good): %v", err)
	}
	if good.Status != types.StatusOK {
		t.Errorf("status = %v after a prior failure, want OK", good.Status)
	}
}

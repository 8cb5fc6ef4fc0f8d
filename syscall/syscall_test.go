package syscall

import (
	"encoding/binary"
	"os"
	"testing"

	"acore/defs"
	"acore/fd"
	"acore/mem"
	"acore/pgtbl"
	"acore/sched"
	"acore/stubfs"
	"acore/thread"
	"acore/vm"
)

type noopCtx struct{}

func (noopCtx) SetIP(uintptr)          {}
func (noopCtx) SetSP(uintptr)          {}
func (noopCtx) SetTLS(uintptr)         {}
func (noopCtx) SyscallNum() uintptr    { return 0 }
func (noopCtx) SyscallArg(int) uintptr { return 0 }
func (noopCtx) SetSyscallRet(uintptr)  {}
func (noopCtx) AdvancePastSyscall()    {}
func (noopCtx) Run() defs.TrapReason   { return defs.TrapReason{Kind: defs.TrapUnknown} }

func newTestThread(t *testing.T) (*thread.Thread, *mem.Allocator_t) {
	t.Helper()
	a := mem.NewAllocator(0, 256)
	pt, err := pgtbl.New(a)
	if err != 0 {
		t.Fatalf("new page table: %v", err)
	}
	as := vm.New(pt, vm.User, 0)
	th := thread.New(2, 0, true, noopCtx{}, as, fd.NewTable())
	return th, a
}

// mapUserBuf maps a single page at uva into th's address space so
// syscall handlers can read/write through it.
func mapUserBuf(t *testing.T, th *thread.Thread, alloc *mem.Allocator_t, uva uintptr) {
	t.Helper()
	fr, ok := mem.NewFrame(alloc)
	if !ok {
		t.Fatalf("alloc frame")
	}
	pma, err := vm.NewPMAFixed(alloc, fr.Start(), fr.Start()+mem.Pa_t(fr.Size()))
	if err != 0 {
		t.Fatalf("new pma: %v", err)
	}
	vma, err := vm.NewVMA(uva, uva+uintptr(mem.PAGE_SIZE), pgtbl.READ|pgtbl.WRITE|pgtbl.USER, vm.NewPMARef(pma), "test")
	if err != 0 {
		t.Fatalf("new vma: %v", err)
	}
	if err := th.AddressSpace().Push(vma); err != 0 {
		t.Fatalf("push: %v", err)
	}
}

func TestGetpidReturnsThreadID(t *testing.T) {
	th, a := newTestThread(t)
	tbl := NewTable(stubfs.New(t.TempDir()), a, 0)
	ret := tbl.Dispatch(th, defs.SysGetpid, [6]uintptr{})
	if ret != uintptr(th.ID) {
		t.Fatalf("expected pid %d, got %d", th.ID, ret)
	}
}

func TestExitMarksThreadExited(t *testing.T) {
	th, a := newTestThread(t)
	tbl := NewTable(stubfs.New(t.TempDir()), a, 0)
	tbl.Dispatch(th, defs.SysExit, [6]uintptr{})
	if !th.IsExited() {
		t.Fatalf("expected thread exited")
	}
}

func TestOpenWriteReadCloseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	th, a := newTestThread(t)
	tbl := NewTable(stubfs.New(dir), a, 0)

	pathUva := uintptr(0x10000)
	mapUserBuf(t, th, a, pathUva)
	path := "greeting"
	if err := th.AddressSpace().Write(pathUva, []byte(path), pgtbl.WRITE|pgtbl.USER); err != 0 {
		t.Fatalf("write path: %v", err)
	}

	ret := tbl.Dispatch(th, defs.SysOpenat, [6]uintptr{pathUva, uintptr(len(path)), stubfs.O_CREAT | stubfs.O_RDWR})
	if int(ret) < 0 {
		t.Fatalf("openat failed: rc=%d", int32(ret))
	}
	fdnum := int(ret)

	dataUva := uintptr(0x20000)
	mapUserBuf(t, th, a, dataUva)
	payload := []byte("hello")
	if err := th.AddressSpace().Write(dataUva, payload, pgtbl.WRITE|pgtbl.USER); err != 0 {
		t.Fatalf("write payload: %v", err)
	}

	wret := tbl.Dispatch(th, defs.SysWrite, [6]uintptr{uintptr(fdnum), dataUva, uintptr(len(payload)), 0})
	if int32(wret) != int32(len(payload)) {
		t.Fatalf("expected write to report %d bytes, got %d", len(payload), int32(wret))
	}

	readBackUva := uintptr(0x30000)
	mapUserBuf(t, th, a, readBackUva)
	rret := tbl.Dispatch(th, defs.SysRead, [6]uintptr{uintptr(fdnum), readBackUva, uintptr(len(payload)), 0})
	if int32(rret) != int32(len(payload)) {
		t.Fatalf("expected read to report %d bytes, got %d", len(payload), int32(rret))
	}
	got := make([]byte, len(payload))
	if err := th.AddressSpace().Read(readBackUva, got, pgtbl.READ|pgtbl.USER); err != 0 {
		t.Fatalf("read back: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("expected %q, got %q", payload, got)
	}

	cret := tbl.Dispatch(th, defs.SysClose, [6]uintptr{uintptr(fdnum)})
	if cret != 0 {
		t.Fatalf("expected close to succeed, got rc=%d", int32(cret))
	}
	if _, ok := th.Files().Get(fdnum); ok {
		t.Fatalf("expected descriptor removed after close")
	}

	os.RemoveAll(dir)
}

func TestReadOnBadFdReturnsEBADF(t *testing.T) {
	th, a := newTestThread(t)
	tbl := NewTable(stubfs.New(t.TempDir()), a, 0)
	ret := tbl.Dispatch(th, defs.SysRead, [6]uintptr{99, 0x40000, 8, 0})
	if int32(ret) != int32(defs.EBADF.Rc()) {
		t.Fatalf("expected EBADF rc, got %d", int32(ret))
	}
}

func TestSetupAsyncCallWritesInfoAndSpawnsPoller(t *testing.T) {
	th, a := newTestThread(t)
	tbl := NewTable(stubfs.New(t.TempDir()), a, 0)

	exec := sched.NewExecutor()
	sched.RegisterExecutor(0, exec)

	outUva := uintptr(0x50000)
	mapUserBuf(t, th, a, outUva)

	ret := tbl.Dispatch(th, defs.SysSetupAsyncCall, [6]uintptr{8, 8, outUva})
	if int32(ret) != 0 {
		t.Fatalf("setup_async_call failed: rc=%d", int32(ret))
	}
	if th.AsyncBuffer() == nil {
		t.Fatalf("expected async buffer installed on thread")
	}

	out := make([]byte, setupInfoSize)
	if err := th.AddressSpace().Read(outUva, out, pgtbl.READ|pgtbl.USER); err != 0 {
		t.Fatalf("read back info: %v", err)
	}
	userBufPtr := binary.LittleEndian.Uint64(out[0:])
	if userBufPtr == 0 {
		t.Fatalf("expected nonzero user buffer pointer written back")
	}
}

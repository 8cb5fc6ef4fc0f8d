package thread

import (
	"testing"

	"acore/defs"
	"acore/fd"
	"acore/mem"
	"acore/pgtbl"
	"acore/vm"
)

type fakeCtx struct {
	pc, sp, tls uintptr
	ret         uintptr
	reason      defs.TrapReason
}

func (c *fakeCtx) SetIP(pc uintptr)           { c.pc = pc }
func (c *fakeCtx) SetSP(sp uintptr)           { c.sp = sp }
func (c *fakeCtx) SetTLS(tls uintptr)         { c.tls = tls }
func (c *fakeCtx) SyscallNum() uintptr        { return 0 }
func (c *fakeCtx) SyscallArg(i int) uintptr   { return 0 }
func (c *fakeCtx) SetSyscallRet(v uintptr)    { c.ret = v }
func (c *fakeCtx) AdvancePastSyscall()        {}
func (c *fakeCtx) Run() defs.TrapReason       { return c.reason }

func newTestAS(t *testing.T) *vm.AddressSpace {
	t.Helper()
	a := mem.NewAllocator(0, 64)
	pt, err := pgtbl.New(a)
	if err != 0 {
		t.Fatalf("new page table: %v", err)
	}
	return vm.New(pt, vm.User, 0)
}

func TestTakeAndReturnContextCycle(t *testing.T) {
	th := New(2, 0, true, &fakeCtx{}, newTestAS(t), fd.NewTable())
	if th.State() != Runnable {
		t.Fatalf("expected Runnable initially, got %v", th.State())
	}
	ctx, ok := th.TakeContext()
	if !ok {
		t.Fatalf("expected to take context from Runnable thread")
	}
	if th.State() != Running {
		t.Fatalf("expected Running after take, got %v", th.State())
	}
	if _, ok := th.TakeContext(); ok {
		t.Fatalf("expected second take to fail while Running")
	}
	th.ReturnContext(ctx, false)
	if th.State() != Runnable {
		t.Fatalf("expected Runnable after non-yield return, got %v", th.State())
	}
}

func TestReturnContextWithYieldPending(t *testing.T) {
	th := New(2, 0, true, &fakeCtx{}, newTestAS(t), fd.NewTable())
	ctx, _ := th.TakeContext()
	th.ReturnContext(ctx, true)
	if th.State() != YieldPending {
		t.Fatalf("expected YieldPending, got %v", th.State())
	}
	th.Resume()
	if th.State() != Runnable {
		t.Fatalf("expected Runnable after Resume, got %v", th.State())
	}
}

func TestExitMarksThreadExited(t *testing.T) {
	th := New(2, 0, true, &fakeCtx{}, newTestAS(t), fd.NewTable())
	th.Exit()
	if !th.IsExited() {
		t.Fatalf("expected IsExited true after Exit")
	}
	if th.State() != Exited {
		t.Fatalf("expected state Exited, got %v", th.State())
	}
}

func TestPoolAllocAssignsUniqueIdsAndReservesIdleTid(t *testing.T) {
	p := NewPool()
	seen := map[Tid]bool{}
	for i := 0; i < 10; i++ {
		th, err := p.Alloc(func(id Tid) *Thread {
			return New(id, 0, true, &fakeCtx{}, newTestAS(t), fd.NewTable())
		})
		if err != 0 {
			t.Fatalf("alloc %d: %v", i, err)
		}
		if th.ID == IdleTid {
			t.Fatalf("idle tid handed out by Alloc")
		}
		if seen[th.ID] {
			t.Fatalf("duplicate tid %d", th.ID)
		}
		seen[th.ID] = true
	}
}

func TestPoolGetAndDrop(t *testing.T) {
	p := NewPool()
	th, _ := p.Alloc(func(id Tid) *Thread {
		return New(id, 0, true, &fakeCtx{}, newTestAS(t), fd.NewTable())
	})
	if _, ok := p.Get(th.ID); !ok {
		t.Fatalf("expected to find allocated thread")
	}
	p.Drop(th.ID)
	if _, ok := p.Get(th.ID); ok {
		t.Fatalf("expected thread gone after Drop")
	}
}

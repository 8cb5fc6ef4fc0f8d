package trap

import (
	"testing"

	"acore/defs"
	"acore/fd"
	"acore/mem"
	"acore/pgtbl"
	"acore/sched"
	"acore/thread"
	"acore/vm"
)

type scriptedCtx struct {
	num      uintptr
	retSet   uintptr
	advanced int
}

func (c *scriptedCtx) SetIP(uintptr)            {}
func (c *scriptedCtx) SetSP(uintptr)            {}
func (c *scriptedCtx) SetTLS(uintptr)           {}
func (c *scriptedCtx) SyscallNum() uintptr      { return c.num }
func (c *scriptedCtx) SyscallArg(i int) uintptr { return 0 }
func (c *scriptedCtx) SetSyscallRet(v uintptr)  { c.retSet = v }
func (c *scriptedCtx) AdvancePastSyscall()      { c.advanced++ }
func (c *scriptedCtx) Run() defs.TrapReason     { return defs.TrapReason{Kind: defs.TrapSyscall} }

// fakeSys simulates a syscall handler that always terminates the
// calling thread after its first dispatch, the way EXIT would --
// this keeps the trap future's otherwise endless "run, trap, run,
// trap" loop bounded for tests without a real user program to run.
type fakeSys struct{ calls int }

func (s *fakeSys) Dispatch(th *thread.Thread, num uintptr, args [6]uintptr) uintptr {
	s.calls++
	th.Exit()
	return 7
}

func newTestThread(t *testing.T, ctx thread.Context) *thread.Thread {
	t.Helper()
	a := mem.NewAllocator(0, 64)
	pt, err := pgtbl.New(a)
	if err != 0 {
		t.Fatalf("new page table: %v", err)
	}
	as := vm.New(pt, vm.User, 0)
	return thread.New(2, 0, true, ctx, as, fd.NewTable())
}

func TestSyscallTrapDispatchesAndSetsReturn(t *testing.T) {
	ctx := &scriptedCtx{num: defs.SysGetpid}
	th := newTestThread(t, ctx)
	sys := &fakeSys{}
	f := NewFuture(th, sys)

	e := sched.NewExecutor()
	e.Spawn(f)
	e.RunUntilIdle()

	if sys.calls != 1 {
		t.Fatalf("expected exactly one dispatch, got %d", sys.calls)
	}
	if ctx.retSet != 7 {
		t.Fatalf("expected return value propagated, got %d", ctx.retSet)
	}
	if ctx.advanced != 1 {
		t.Fatalf("expected PC advanced past syscall once, got %d", ctx.advanced)
	}
	if !th.IsExited() {
		t.Fatalf("expected thread exited")
	}
}

func TestSchedYieldDispatchesOnceThenStopsOnExit(t *testing.T) {
	ctx := &scriptedCtx{num: defs.SysSchedYield}
	th := newTestThread(t, ctx)
	sys := &fakeSys{}
	f := NewFuture(th, sys)

	if th.State() != thread.Runnable {
		t.Fatalf("expected thread runnable before first poll")
	}

	e := sched.NewExecutor()
	e.Spawn(f)
	e.RunUntilIdle()

	if sys.calls != 1 {
		t.Fatalf("expected exactly one dispatch, got %d", sys.calls)
	}
	// fakeSys.Dispatch exits the thread, so ReturnContext leaves it
	// Exited rather than YieldPending; the queued yield is abandoned
	// when IsExited short-circuits the next poll.
	if !th.IsExited() {
		t.Fatalf("expected thread exited")
	}
}

func TestPageFaultExitsThreadOnUnresolvableFault(t *testing.T) {
	ctx := &faultCtx{vaddr: 0x9999000}
	th := newTestThread(t, ctx)
	sys := &fakeSys{}
	f := NewFuture(th, sys)

	e := sched.NewExecutor()
	e.Spawn(f)
	e.RunUntilIdle()

	if !th.IsExited() {
		t.Fatalf("expected thread to exit on unresolvable page fault")
	}
	if sys.calls != 0 {
		t.Fatalf("did not expect a syscall dispatch for a page fault")
	}
}

// faultCtx reports a single unresolvable page fault and then, since
// HandlePageFault's failure makes trap.Future exit the thread
// immediately, is never polled again.
type faultCtx struct{ vaddr uintptr }

func (c *faultCtx) SetIP(uintptr)            {}
func (c *faultCtx) SetSP(uintptr)            {}
func (c *faultCtx) SetTLS(uintptr)           {}
func (c *faultCtx) SyscallNum() uintptr      { return 0 }
func (c *faultCtx) SyscallArg(i int) uintptr { return 0 }
func (c *faultCtx) SetSyscallRet(uintptr)    {}
func (c *faultCtx) AdvancePastSyscall()      {}
func (c *faultCtx) Run() defs.TrapReason {
	return defs.TrapReason{Kind: defs.TrapPageFault, Vaddr: c.vaddr, AccessFlags: uint(pgtbl.READ | pgtbl.USER)}
}

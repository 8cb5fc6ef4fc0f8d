// Package trap dispatches a Context's reported TrapReason to the
// right handler: a synchronous syscall, a page fault resolved against
// the thread's address space, or anything else treated as
// unschedulable for this thread (§4.8). It is the future a
// sched.SwitchFuture wraps for a user thread.
package trap

import (
	"acore/defs"
	"acore/pgtbl"
	"acore/sched"
	"acore/thread"
)

/// Syscaller is the capability trap needs from the syscall surface,
/// kept narrow so this package does not import the syscall package
/// (which, via fd/vm/asynccall, would otherwise pull in nearly
/// everything trap already depends on through thread).
type Syscaller interface {
	Dispatch(th *thread.Thread, num uintptr, args [6]uintptr) uintptr
}

/// Future runs one thread's trap loop: enter user mode, handle
/// whatever trap comes back, and either loop immediately (syscall,
/// resolved page fault) or yield once (cooperative SCHED_YIELD,
/// timer). A page fault that cannot be resolved, an irq, or an
/// unknown trap exits the thread.
type Future struct {
	th      *thread.Thread
	sys     Syscaller
	pending sched.Future // non-nil while waiting out a yield
}

/// NewFuture builds the trap-handling future for th.
func NewFuture(th *thread.Thread, sys Syscaller) *Future {
	return &Future{th: th, sys: sys}
}

func (f *Future) Poll(w *sched.Waker) sched.PollResult {
	if f.th.IsExited() {
		return sched.Ready
	}
	if f.pending != nil {
		r := f.pending.Poll(w)
		if r == sched.Pending {
			return sched.Pending
		}
		f.pending = nil
		f.th.Resume()
		w.Wake()
		return sched.Pending
	}

	ctx, ok := f.th.TakeContext()
	if !ok {
		// Another poll already owns the context (should not happen
		// under the single-threaded-per-CPU executor model, but a
		// stray wake is harmless: just wait for the next one).
		return sched.Pending
	}

	acc := f.th.Accounting()
	userStart := acc.Now()
	reason := ctx.Run()
	acc.Utadd(acc.Now() - userStart)

	sysStart := acc.Now()
	yieldRequested := f.handle(ctx, reason)
	acc.Finish(sysStart)
	f.th.ReturnContext(ctx, yieldRequested)

	if yieldRequested {
		f.pending = sched.YieldNow()
		f.pending.Poll(w)
		return sched.Pending
	}
	w.Wake()
	return sched.Pending
}

/// handle dispatches one trap and reports whether the thread should
/// cooperatively yield before being polled again.
func (f *Future) handle(ctx thread.Context, reason defs.TrapReason) bool {
	switch reason.Kind {
	case defs.TrapSyscall:
		return f.handleSyscall(ctx)
	case defs.TrapPageFault:
		f.handlePageFault(reason)
		return false
	case defs.TrapTimer:
		return true
	case defs.TrapIrq:
		f.th.Exit()
		return false
	default:
		f.th.Exit()
		return false
	}
}

func (f *Future) handleSyscall(ctx thread.Context) bool {
	num := ctx.SyscallNum()
	var args [6]uintptr
	for i := range args {
		args[i] = ctx.SyscallArg(i)
	}
	ret := f.sys.Dispatch(f.th, num, args)
	ctx.SetSyscallRet(ret)
	ctx.AdvancePastSyscall()
	return wantsYield(num, ret)
}

func (f *Future) handlePageFault(reason defs.TrapReason) {
	err := f.th.AddressSpace().HandlePageFault(reason.Vaddr, pgtbl.Flags(reason.AccessFlags))
	if err != 0 {
		f.th.Exit()
	}
}

/// wantsYield reports whether completing syscall num should suspend
/// the thread cooperatively before it runs again -- true only for
/// SCHED_YIELD itself (§4.9).
func wantsYield(num uintptr, ret uintptr) bool {
	return num == defs.SysSchedYield
}

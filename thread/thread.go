// Package thread is the per-thread state the executor and trap
// dispatcher share: identity, address space, descriptor table, the
// pinned Context that owns the trap frame, and the small state machine
// that governs exit (§3, §4.6). It replaces a
// runtime.Gptr()-based thread-identity pair with an explicit,
// table-keyed registry -- no forked Go runtime is needed, so "the
// current thread" is carried as an ordinary value keyed by CPU id
// rather than smuggled through a hidden per-goroutine slot.
package thread

import (
	"sync"
	"sync/atomic"

	"acore/accnt"
	"acore/asynccall"
	"acore/defs"
	"acore/fd"
	"acore/vm"
)

/// Tid is a thread identifier. 0 is never valid; 1 is reserved for the
/// per-CPU idle thread (§3).
type Tid int32

const (
	IdleTid  Tid = 1
	firstTid Tid = 2
	maxTid   Tid = 65536
)

/// State is the small machine a thread moves through between
/// scheduling decisions (§4.6): Runnable -> Running -> Trapped, and
/// from Trapped either back to Runnable, to YieldPending (cooperative
/// yield requested), or to Exited.
type State int

const (
	Runnable State = iota
	Running
	Trapped
	YieldPending
	Exited
)

func (s State) String() string {
	switch s {
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case Trapped:
		return "trapped"
	case YieldPending:
		return "yield-pending"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

/// Context is the trap-frame collaborator (§6): architecture-specific
/// code outside this module implements it, wrapping the register save
/// area a context switch restores into and traps out of.
type Context interface {
	/// SetIP sets the instruction the thread resumes at.
	SetIP(pc uintptr)
	/// SetSP sets the stack pointer.
	SetSP(sp uintptr)
	/// SetTLS sets the thread-local-storage base register.
	SetTLS(tls uintptr)
	/// SyscallNum reads the syscall number out of the trap frame.
	SyscallNum() uintptr
	/// SyscallArg reads argument i (0-based) out of the trap frame.
	SyscallArg(i int) uintptr
	/// SetSyscallRet writes the syscall return value back into the
	/// trap frame's return-value register.
	SetSyscallRet(v uintptr)
	/// AdvancePastSyscall moves the saved PC past the trapping
	/// instruction, so resuming the thread does not re-execute it.
	AdvancePastSyscall()
	/// Run enters user mode on the calling CPU and blocks until a trap
	/// returns control to the kernel, reporting why.
	Run() defs.TrapReason
}

/// Thread is one schedulable unit of execution: a Context plus the
/// resources it needs resolved to act on its behalf (address space,
/// descriptor table, optional async-call buffer).
type Thread struct {
	ID      Tid
	HomeCPU int
	IsUser  bool

	as    *vm.AddressSpace
	files *fd.Table
	acc   accnt.Accnt_t

	asyncBuf atomic.Pointer[asynccall.Buffer]

	mu    sync.Mutex
	ctx   Context // nil while Running: the executor owns it during Run
	state State
}

/// New creates a thread in state Runnable, owning as and files.
func New(id Tid, homeCPU int, isUser bool, ctx Context, as *vm.AddressSpace, files *fd.Table) *Thread {
	return &Thread{ID: id, HomeCPU: homeCPU, IsUser: isUser, ctx: ctx, as: as, files: files, state: Runnable}
}

/// AddressSpace returns the thread's address space.
func (t *Thread) AddressSpace() *vm.AddressSpace { return t.as }

/// Files returns the thread's descriptor table.
func (t *Thread) Files() *fd.Table { return t.files }

/// Accounting returns the thread's CPU-time accumulator.
func (t *Thread) Accounting() *accnt.Accnt_t { return &t.acc }

/// SetAsyncBuffer installs (or clears, with nil) the thread's
/// async-call ring buffer (§4.10/§4.9).
func (t *Thread) SetAsyncBuffer(b *asynccall.Buffer) { t.asyncBuf.Store(b) }

/// AsyncBuffer returns the thread's async-call ring buffer, or nil if
/// SETUP_ASYNC_CALL was never invoked.
func (t *Thread) AsyncBuffer() *asynccall.Buffer { return t.asyncBuf.Load() }

/// State returns the thread's current scheduling state.
func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

/// IsExited reports whether the thread has exited -- the capability
/// asynccall.Owner and trap's future need, named to match
/// what each caller actually checks rather than a generic state
/// getter.
func (t *Thread) IsExited() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == Exited
}

/// TakeContext detaches the thread's Context for the executor to run,
/// transitioning Runnable -> Running. Returns ok=false if the thread
/// is not Runnable (already running elsewhere, or exited).
func (t *Thread) TakeContext() (Context, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Runnable {
		return nil, false
	}
	t.state = Running
	ctx := t.ctx
	t.ctx = nil
	return ctx, true
}

/// ReturnContext gives the Context back after one Run, transitioning
/// Running -> Trapped, then immediately resolving Trapped per reason:
/// a syscall or page fault that completes leaves the thread Runnable
/// again; a cooperative yield leaves it YieldPending until the
/// executor reschedules it Runnable.
func (t *Thread) ReturnContext(ctx Context, yieldRequested bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ctx = ctx
	if t.state == Exited {
		// The syscall just dispatched (e.g. EXIT) already tore the
		// thread down; don't resurrect it into Runnable/YieldPending.
		return
	}
	if yieldRequested {
		t.state = YieldPending
	} else {
		t.state = Runnable
	}
}

/// Resume transitions YieldPending -> Runnable once the executor is
/// ready to poll the thread's future again.
func (t *Thread) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == YieldPending {
		t.state = Runnable
	}
}

/// Exit tears the thread down: for a user thread this clears its
/// address space immediately (Non-goal: no COW, no children to
/// reparent) and closes its descriptor table; the Thread value itself
/// stays valid and referenced by Pool until the owning executor drops
/// it (§4.6 exit() state machine).
func (t *Thread) Exit() {
	t.mu.Lock()
	t.state = Exited
	t.mu.Unlock()
	if t.IsUser {
		t.as.Clear()
	}
	t.files.CloseAll()
}

/// Pool is the kernel-wide thread table, keyed by Tid. Callers that
/// need "the current thread" get it from sched.CurrentThread(cpu), not
/// from this table.
type Pool struct {
	mu      sync.Mutex
	threads map[Tid]*Thread
	next    Tid
}

/// NewPool creates an empty thread pool. Tid 1 is reserved for the
/// idle thread and never handed out by Alloc.
func NewPool() *Pool {
	return &Pool{threads: map[Tid]*Thread{}, next: firstTid}
}

/// Alloc reserves the next Tid and registers t under it. Returns
/// NoResources once every id up to maxTid is in use.
func (p *Pool) Alloc(construct func(id Tid) *Thread) (*Thread, defs.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	start := p.next
	for {
		id := p.next
		p.next++
		if p.next >= maxTid {
			p.next = firstTid
		}
		if _, taken := p.threads[id]; !taken {
			t := construct(id)
			p.threads[id] = t
			return t, 0
		}
		if p.next == start {
			return nil, defs.ENORES
		}
	}
}

/// Get looks up a thread by id.
func (p *Pool) Get(id Tid) (*Thread, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	th, ok := p.threads[id]
	return th, ok
}

/// Drop removes a thread from the pool, freeing its Tid for reuse.
/// The caller must have already observed the thread Exited.
func (p *Pool) Drop(id Tid) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.threads, id)
}

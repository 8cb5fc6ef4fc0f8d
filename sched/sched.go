// Package sched is the per-CPU cooperative executor (§4.7): a single
// goroutine per CPU polling a run queue of pinned futures to
// completion, with no preemption and no cross-CPU work stealing
// (explicit Non-goal). It also carries the "current thread" and
// "current CPU" registry that replaces a
// runtime.Gptr()/Setgptr() thread-local trick: rather than smuggling a
// pointer through a forked Go runtime's per-goroutine slot, the
// current thread is looked up by an explicit CPU index every caller
// already has to thread through anyway (§9).
package sched

import (
	"sync"
	"sync/atomic"
)

/// PollResult is what a Future reports each time it is polled.
type PollResult int

const (
	Pending PollResult = iota
	Ready
)

/// Future is one schedulable unit of work. Poll must not block; a
/// Future that is not yet done arranges for w.Wake to be called once
/// progress is possible, then returns Pending.
type Future interface {
	Poll(w *Waker) PollResult
}

type entry struct {
	fut     Future
	inQueue atomic.Bool
}

/// Waker lets a pending Future ask its Executor to poll it again.
type Waker struct {
	exec *Executor
	ent  *entry
}

/// Wake re-enqueues the Future this waker belongs to, unless it is
/// already queued (at most one pending wake per future at a time).
func (w *Waker) Wake() { w.exec.wake(w.ent) }

/// Executor is a single-threaded, single-CPU cooperative run queue.
/// Futures run to completion in FIFO order of their last wake; none
/// of its operations are safe to call concurrently with RunUntilIdle
/// from more than one goroutine, matching the "one executor, run on
/// its home CPU" model (Non-goal: SMP work-stealing).
type Executor struct {
	mu    sync.Mutex
	queue []*entry
}

/// NewExecutor creates an empty executor.
func NewExecutor() *Executor { return &Executor{} }

/// Spawn enqueues f for its first poll.
func (e *Executor) Spawn(f Future) {
	ent := &entry{fut: f}
	ent.inQueue.Store(true)
	e.mu.Lock()
	e.queue = append(e.queue, ent)
	e.mu.Unlock()
}

func (e *Executor) wake(ent *entry) {
	if ent.inQueue.CompareAndSwap(false, true) {
		e.mu.Lock()
		e.queue = append(e.queue, ent)
		e.mu.Unlock()
	}
}

func (e *Executor) pop() (*entry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return nil, false
	}
	ent := e.queue[0]
	e.queue = e.queue[1:]
	return ent, true
}

/// RunUntilIdle polls every runnable future until the queue drains.
/// Futures that return Pending without ever calling Wake again are
/// simply never repolled -- this is the whole of the scheduling
/// policy; there is no timer-driven preemption (Non-goal).
func (e *Executor) RunUntilIdle() {
	for {
		ent, ok := e.pop()
		if !ok {
			return
		}
		ent.inQueue.Store(false)
		w := &Waker{exec: e, ent: ent}
		ent.fut.Poll(w)
	}
}

/// yieldFuture is the one-shot future yield_now returns: Pending on
/// its first poll (immediately rescheduling itself), Ready on its
/// second (§4.7).
type yieldFuture struct{ polled bool }

/// YieldNow returns a future that completes after exactly one more
/// trip through the executor's queue, the cooperative-yield primitive
/// trap.Future uses for SCHED_YIELD and timer traps.
func YieldNow() Future { return &yieldFuture{} }

func (y *yieldFuture) Poll(w *Waker) PollResult {
	if !y.polled {
		y.polled = true
		w.Wake()
		return Pending
	}
	return Ready
}

const maxCPUs = 256

var (
	currentThread [maxCPUs]atomic.Value
	executorsMu   sync.Mutex
	executors     [maxCPUs]*Executor
)

/// RegisterExecutor publishes e as cpu's executor, for code on another
/// CPU that needs to spawn work onto it (e.g. the syscall handler that
/// sets up a new thread's poller future).
func RegisterExecutor(cpu int, e *Executor) {
	executorsMu.Lock()
	defer executorsMu.Unlock()
	executors[cpu] = e
}

/// ExecutorFor returns cpu's registered executor, or nil if none was
/// registered.
func ExecutorFor(cpu int) *Executor {
	executorsMu.Lock()
	defer executorsMu.Unlock()
	return executors[cpu]
}

/// SetCurrentThread records t (expected to be a *thread.Thread, kept
/// as any so this package does not import thread) as the thread
/// currently active on cpu. A SwitchFuture calls this immediately
/// before every poll of the thread it wraps.
func SetCurrentThread(cpu int, t any) { currentThread[cpu].Store(boxedThread{t}) }

/// CurrentThread returns whatever was last installed for cpu by
/// SetCurrentThread, or nil if nothing has run there yet.
func CurrentThread(cpu int) any {
	v := currentThread[cpu].Load()
	if v == nil {
		return nil
	}
	return v.(boxedThread).t
}

// boxedThread gives atomic.Value a single concrete type to store
// regardless of the concrete thread type callers pass as any --
// atomic.Value panics if consecutive Store calls see different
// concrete types, which a bare `any` would violate the moment two
// different thread implementations were ever mixed.
type boxedThread struct{ t any }

/// Activator is the capability a SwitchFuture needs from the thread
/// it wraps, beyond the Future itself: installing its address space
/// as current on this CPU before polling (§3 invariant (iv)).
type Activator interface {
	Activate()
}

/// SwitchFuture wraps a thread's own future so that, on every poll,
/// the per-CPU "current thread" pointer and the active page table are
/// switched to that thread first -- the cooperative analogue of a
/// context switch (§4.7 "switch-future"). On Ready, it records the
/// thread's exit by invoking onDone exactly once -- the hook the
/// owning pool uses to drop the thread and free its id (§4.6).
type SwitchFuture struct {
	cpu    int
	thread any
	act    Activator
	inner  Future
	onDone func()
}

/// NewSwitchFuture builds a SwitchFuture that installs thread as
/// current on cpu and activates act before polling inner. onDone, if
/// non-nil, is called once when inner reports Ready.
func NewSwitchFuture(cpu int, thread any, act Activator, inner Future, onDone func()) *SwitchFuture {
	return &SwitchFuture{cpu: cpu, thread: thread, act: act, inner: inner, onDone: onDone}
}

func (s *SwitchFuture) Poll(w *Waker) PollResult {
	SetCurrentThread(s.cpu, s.thread)
	s.act.Activate()
	res := s.inner.Poll(w)
	if res == Ready && s.onDone != nil {
		s.onDone()
	}
	return res
}

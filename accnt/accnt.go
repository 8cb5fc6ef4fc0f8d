// Package accnt accumulates per-thread CPU time accounting -- the
// running totals a trap-dispatch loop feeds on every transition
// between "running in this thread" and "elsewhere" (§4.6/§4.8).
package accnt

import (
	"sync"
	"sync/atomic"
	"time"
)

/// Accnt_t accumulates a thread's user and system time in
/// nanoseconds. The mutex lets Snapshot/Add take a consistent snapshot;
/// Utadd/Systadd are lock-free since the trap loop updates them far
/// more often than anything reads them.
type Accnt_t struct {
	Userns int64
	Sysns  int64
	mu     sync.Mutex
}

/// Utadd adds delta nanoseconds of user time.
func (a *Accnt_t) Utadd(delta int64) {
	atomic.AddInt64(&a.Userns, delta)
}

/// Systadd adds delta nanoseconds of system time.
func (a *Accnt_t) Systadd(delta int64) {
	atomic.AddInt64(&a.Sysns, delta)
}

/// Now returns the current time in nanoseconds since the epoch.
func (a *Accnt_t) Now() int64 {
	return time.Now().UnixNano()
}

/// Finish adds the elapsed time since startNs to system time -- called
/// when a trap handler returns control to the thread's user future.
func (a *Accnt_t) Finish(startNs int64) {
	a.Systadd(a.Now() - startNs)
}

/// Add merges n's totals into a under a.mu.
func (a *Accnt_t) Add(n *Accnt_t) {
	a.mu.Lock()
	a.Userns += atomic.LoadInt64(&n.Userns)
	a.Sysns += atomic.LoadInt64(&n.Sysns)
	a.mu.Unlock()
}

/// Snapshot returns a consistent (userns, sysns) pair.
func (a *Accnt_t) Snapshot() (int64, int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return atomic.LoadInt64(&a.Userns), atomic.LoadInt64(&a.Sysns)
}

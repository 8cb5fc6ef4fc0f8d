// Package fd implements the open file descriptor table shared by a
// thread group (§5: "the file table is per-thread-group ... files
// are reference-counted so a descriptor closed while an async op
// holds it remains valid for that op").
package fd

import (
	"sync"

	"acore/fdops"
)

/// Permission bits carried alongside a descriptor, independent of
/// whatever access mode the underlying object was opened with.
const (
	FD_READ  = 0x1
	FD_WRITE = 0x2
)

/// Fd_t is one entry in a thread group's descriptor table.
type Fd_t struct {
	Fops  fdops.Fdops_i
	Perms int
}

/// ClosePanic closes f and panics if the close fails -- used for
/// descriptors whose close cannot legitimately fail (e.g. tearing
/// down a thread group's entire table on exit).
func ClosePanic(f *Fd_t) {
	if f.Fops.Close() != 0 {
		panic("fd close must succeed")
	}
}

/// Table is the descriptor table shared by every thread in a thread
/// group, numbered from 0. It is the kernel's "shared resource" of
/// §5, guarded by its own spinlock.
type Table struct {
	mu   sync.Mutex
	fds  map[int]*Fd_t
	next int
}

/// NewTable creates an empty descriptor table.
func NewTable() *Table {
	return &Table{fds: map[int]*Fd_t{}}
}

/// Insert adds fd to the table and returns its number.
func (t *Table) Insert(fd *Fd_t) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.next
	t.next++
	t.fds[n] = fd
	return n
}

/// Get returns the descriptor numbered n, or ok=false if closed or
/// never opened.
func (t *Table) Get(n int) (*Fd_t, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd, ok := t.fds[n]
	return fd, ok
}

/// Remove detaches descriptor n from the table without closing it;
/// the caller takes ownership of the removed *Fd_t.
func (t *Table) Remove(n int) (*Fd_t, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd, ok := t.fds[n]
	if ok {
		delete(t.fds, n)
	}
	return fd, ok
}

/// CloseAll closes and removes every descriptor, for thread-group
/// exit. A descriptor failing to close at this point means the
/// backing object is broken, not that exit should be held up for it,
/// so each close is unconditional via ClosePanic.
func (t *Table) CloseAll() {
	t.mu.Lock()
	fds := t.fds
	t.fds = map[int]*Fd_t{}
	t.mu.Unlock()
	for _, fd := range fds {
		ClosePanic(fd)
	}
}

// Package pgtbl implements an architecture-neutral multi-level
// mapping from virtual pages to physical frames (§4.2). Real
// hardware walks a radix tree of page-table pages; this simulated
// kernel tracks the same per-page state in an ordinary map guarded by
// a mutex, which lets every caller above this layer (vm, thread,
// trap) stay unaware of the representation difference.
package pgtbl

import (
	"sync"
	"sync/atomic"

	"acore/defs"
	"acore/mem"
)

/// Flags is the permission/attribute bit set of a page-table entry.
type Flags uint

const (
	READ Flags = 1 << iota
	WRITE
	EXECUTE
	USER
	DEVICE
)

/// Entry is an abstract page-table entry: a physical address, its
/// flag set, and whether it is present. A page mapped absent by a
/// lazy PMA placeholder has Present == false and Phys == 0.
type Entry struct {
	Phys    mem.Pa_t
	Flags   Flags
	Present bool
}

/// PageTable is a multi-level mapping from virtual pages to entries,
/// rooted at a physical address so that from_root / current_root_phys
/// can refer to it the way a CPU's root register would.
type PageTable struct {
	mu      sync.Mutex
	root    mem.Pa_t
	rootFr  *mem.Frame // nil for a non-dropping handle from FromRoot
	entries map[uintptr]*Entry
}

var (
	registryMu sync.Mutex
	registry   = map[mem.Pa_t]*PageTable{}
)

/// New allocates a root page from alloc and returns an empty table
/// registered under its physical address.
func New(alloc *mem.Allocator_t) (*PageTable, defs.Err_t) {
	fr, ok := mem.NewFrame(alloc)
	if !ok {
		return nil, defs.ENOMEM
	}
	fr.Zero()
	pt := &PageTable{root: fr.Start(), rootFr: fr, entries: map[uintptr]*Entry{}}
	registryMu.Lock()
	registry[pt.root] = pt
	registryMu.Unlock()
	return pt, 0
}

/// FromRoot returns a non-dropping handle to the table registered at
/// phys, for the case where a root is only known by its externally
/// reported physical address.
func FromRoot(phys mem.Pa_t) (*PageTable, defs.Err_t) {
	registryMu.Lock()
	defer registryMu.Unlock()
	pt, ok := registry[phys]
	if !ok {
		return nil, defs.ENOENT
	}
	return pt, 0
}

/// RootPhys returns the physical address identifying this table.
func (pt *PageTable) RootPhys() mem.Pa_t { return pt.root }

func pageOf(v uintptr) uintptr { return v &^ uintptr(mem.PAGE_SIZE-1) }

/// Map installs a present mapping from v to p with the given flags.
/// AlreadyExists if v is already mapped.
func (pt *PageTable) Map(v uintptr, p mem.Pa_t, flags Flags) defs.Err_t {
	v = pageOf(v)
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if e, ok := pt.entries[v]; ok && e.Present {
		return defs.EEXIST
	}
	pt.entries[v] = &Entry{Phys: p, Flags: flags, Present: true}
	return 0
}

/// MapAbsent installs a not-present placeholder at v, used by lazy
/// PMAs to reserve a VMA's virtual range before any page is faulted
/// in. get_entry still returns it, but Present is false.
func (pt *PageTable) MapAbsent(v uintptr, flags Flags) defs.Err_t {
	v = pageOf(v)
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if e, ok := pt.entries[v]; ok && e.Present {
		return defs.EEXIST
	}
	pt.entries[v] = &Entry{Flags: flags, Present: false}
	return 0
}

/// Unmap removes the mapping at v. NotFound if absent.
func (pt *PageTable) Unmap(v uintptr) defs.Err_t {
	v = pageOf(v)
	pt.mu.Lock()
	defer pt.mu.Unlock()
	e, ok := pt.entries[v]
	if !ok || !e.Present {
		return defs.ENOENT
	}
	delete(pt.entries, v)
	return 0
}

/// Protect changes the flags of the present mapping at v.
func (pt *PageTable) Protect(v uintptr, flags Flags) defs.Err_t {
	v = pageOf(v)
	pt.mu.Lock()
	defer pt.mu.Unlock()
	e, ok := pt.entries[v]
	if !ok || !e.Present {
		return defs.ENOENT
	}
	e.Flags = flags
	return 0
}

/// Query returns a copy of the entry mapped at v.
func (pt *PageTable) Query(v uintptr) (Entry, defs.Err_t) {
	v = pageOf(v)
	pt.mu.Lock()
	defer pt.mu.Unlock()
	e, ok := pt.entries[v]
	if !ok {
		return Entry{}, defs.ENOENT
	}
	return *e, 0
}

/// GetEntry returns a live reference to the entry at v so that a page
/// fault handler can fill in Phys/Present in place (§4.3
/// handle_page_fault). NotFound if no placeholder or mapping exists.
func (pt *PageTable) GetEntry(v uintptr) (*Entry, defs.Err_t) {
	v = pageOf(v)
	pt.mu.Lock()
	defer pt.mu.Unlock()
	e, ok := pt.entries[v]
	if !ok {
		return nil, defs.ENOENT
	}
	return e, 0
}

/// MapKernel copies every present mapping from the canonical kernel
/// table into this (freshly created user) table, establishing the
/// identical kernel-half mapping required by the MemorySet invariant
/// (§3).
func (pt *PageTable) MapKernel(kernel *PageTable) {
	kernel.mu.Lock()
	snapshot := make(map[uintptr]Entry, len(kernel.entries))
	for v, e := range kernel.entries {
		snapshot[v] = *e
	}
	kernel.mu.Unlock()

	pt.mu.Lock()
	defer pt.mu.Unlock()
	for v, e := range snapshot {
		ec := e
		pt.entries[v] = &ec
	}
}

// perCPURoot tracks, per logical CPU id, which root is currently
// active -- the simulated stand-in for the hardware root register.
// Each slot holds root+1, so that 0 means nothing was ever installed.
var perCPURoot [256]atomic.Uint64

/// CurrentRootPhys returns the root physical address active on cpu,
/// or ^mem.Pa_t(0) if no table was ever installed there.
func CurrentRootPhys(cpu int) mem.Pa_t {
	v := perCPURoot[cpu].Load()
	if v == 0 {
		return ^mem.Pa_t(0)
	}
	return mem.Pa_t(v - 1)
}

/// SetCurrentRootPhys installs root as active on cpu. Real hardware
/// would write CR3 (or satp); here it is simply recorded so that
/// address-space activation (§4.3) is observable by tests.
func (pt *PageTable) SetCurrentRootPhys(cpu int) {
	perCPURoot[cpu].Store(uint64(pt.root) + 1)
}

/// FlushTLB invalidates the translation for vaddr on cpu, or the
/// entire address space when vaddr is nil. This simulated kernel has
/// no hardware TLB to invalidate; the call exists so that every call
/// site required by §4.2's invariant (map/unmap/protect of a present
/// page) is present and auditable, and so tests can assert it was
/// called.
func FlushTLB(cpu int, vaddr *uintptr) {
	atomic.AddUint64(&tlbFlushes, 1)
}

var tlbFlushes uint64

/// TLBFlushCount reports how many FlushTLB calls have been observed,
/// for tests asserting the mandatory-flush invariant.
func TLBFlushCount() uint64 {
	return atomic.LoadUint64(&tlbFlushes)
}

package vm

import (
	"sync"
	"sync/atomic"

	"acore/defs"
	"acore/mem"
	"acore/pgtbl"
)

/// PMARef is a reference-counted, mutex-guarded handle to a PMA_i
/// (§3). PMAs never reference VMAs, so a plain refcount -- rather
/// than full ownership tracking -- is sufficient: cycles are
/// impossible.
type PMARef struct {
	mu   sync.Mutex
	pma  PMA_i
	refs int32
}

/// NewPMARef wraps pma in a reference-counted handle with one
/// outstanding reference.
func NewPMARef(pma PMA_i) *PMARef {
	return &PMARef{pma: pma, refs: 1}
}

/// Retain adds a reference.
func (r *PMARef) Retain() { atomic.AddInt32(&r.refs, 1) }

/// Release drops a reference, releasing the underlying PMA's backing
/// frames when the count reaches zero.
func (r *PMARef) Release() {
	if atomic.AddInt32(&r.refs, -1) == 0 {
		if rel, ok := r.pma.(interface{ Release() }); ok {
			rel.Release()
		}
	}
}

/// With runs f with the PMA's mutex held.
func (r *PMARef) With(f func(PMA_i)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f(r.pma)
}

/// VMA is a page-aligned, contiguous virtual range with uniform
/// protection bound to one PMA (§3).
type VMA struct {
	Start uintptr
	End   uintptr
	Perms pgtbl.Flags
	Pma   *PMARef
	Name  string
}

/// NewVMA validates and constructs a VMA. end-start must equal the
/// PMA's size, and both bounds must be page aligned (§3).
func NewVMA(start, end uintptr, perms pgtbl.Flags, pma *PMARef, name string) (*VMA, defs.Err_t) {
	if start%uintptr(mem.PAGE_SIZE) != 0 || end%uintptr(mem.PAGE_SIZE) != 0 {
		return nil, defs.EINVAL
	}
	if start >= end {
		return nil, defs.EINVAL
	}
	var sz int
	pma.With(func(p PMA_i) { sz = p.Size() })
	if int(end-start) != sz {
		return nil, defs.EINVAL
	}
	return &VMA{Start: start, End: end, Perms: perms, Pma: pma, Name: name}, 0
}

func (v *VMA) pages() int { return int(v.End-v.Start) / mem.PAGE_SIZE }

/// MapArea installs this VMA's pages into pt: present mappings where
/// the PMA already has a frame (fixed/contiguous PMAs, or a lazy PMA
/// that happens to already hold the page), and an absent placeholder
/// everywhere else so a later page fault has somewhere to land
/// (§4.3).
func (v *VMA) MapArea(pt *pgtbl.PageTable) defs.Err_t {
	var rc defs.Err_t
	v.Pma.With(func(p PMA_i) {
		for i := 0; i < v.pages(); i++ {
			va := v.Start + uintptr(i*mem.PAGE_SIZE)
			pa, err := p.GetFrame(i, false)
			if err == 0 {
				if e := pt.Map(va, pa, v.Perms); e != 0 {
					rc = e
					return
				}
				continue
			}
			if e := pt.MapAbsent(va, v.Perms); e != 0 {
				rc = e
				return
			}
		}
	})
	return rc
}

/// Unmap tears down every present mapping this VMA installed. It does
/// not touch the PMA's frames -- callers release the PMARef
/// separately once the VMA leaves the address space.
func (v *VMA) Unmap(pt *pgtbl.PageTable, cpu int) {
	for i := 0; i < v.pages(); i++ {
		va := v.Start + uintptr(i*mem.PAGE_SIZE)
		if e, err := pt.Query(va); err == 0 && e.Present {
			pt.Unmap(va)
			pgtbl.FlushTLB(cpu, &va)
		}
	}
}

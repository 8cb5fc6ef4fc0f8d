package vm

import (
	"fmt"
	"sort"
	"sync"

	"acore/defs"
	"acore/mem"
	"acore/pgtbl"
)

/// Kind distinguishes a kernel address space, shared read-mostly
/// across all CPUs, from a per-thread(-group) user address space
/// (§3).
type Kind int

const (
	Kernel Kind = iota
	User
)

/// AddressSpace is a page table plus an ordered, page-disjoint set of
/// VMAs (the "MemorySet" of §3). The lock serialises Push/Pop/find
/// against concurrent page faults -- equivalent to a Lock_pmap/
/// Unlock_pmap pair guarding the same page table.
type AddressSpace struct {
	mu   sync.Mutex
	pt   *pgtbl.PageTable
	vmas []*VMA // sorted by Start; keys are unique and page-disjoint
	kind Kind
	cpu  int
}

/// New creates an address space of the given kind over pt.
func New(pt *pgtbl.PageTable, kind Kind, cpu int) *AddressSpace {
	return &AddressSpace{pt: pt, kind: kind, cpu: cpu}
}

/// PageTable returns the underlying page table.
func (as *AddressSpace) PageTable() *pgtbl.PageTable { return as.pt }

/// Kind reports whether this is the kernel or a user address space.
func (as *AddressSpace) Kind() Kind { return as.kind }

/// Activate installs this address space's page table as the active
/// root on the current CPU (§3 invariant (iv)).
func (as *AddressSpace) Activate() {
	as.pt.SetCurrentRootPhys(as.cpu)
}

func (as *AddressSpace) indexOf(start uintptr) int {
	return sort.Search(len(as.vmas), func(i int) bool { return as.vmas[i].Start >= start })
}

/// overlaps reports whether [start,end) collides with any existing
/// VMA. Caller holds as.mu.
func (as *AddressSpace) overlaps(start, end uintptr) bool {
	i := as.indexOf(start)
	if i > 0 && as.vmas[i-1].End > start {
		return true
	}
	if i < len(as.vmas) && as.vmas[i].Start < end {
		return true
	}
	return false
}

/// Push inserts vma into the address space. Rejects overlap with
/// InvalidArgs (§4.3).
func (as *AddressSpace) Push(vma *VMA) defs.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.overlaps(vma.Start, vma.End) {
		return defs.EINVAL
	}
	if err := vma.MapArea(as.pt); err != 0 {
		return err
	}
	i := as.indexOf(vma.Start)
	as.vmas = append(as.vmas, nil)
	copy(as.vmas[i+1:], as.vmas[i:])
	as.vmas[i] = vma
	return 0
}

/// Pop removes the VMA whose key is exactly start and whose end is
/// exactly end. Partial unmap is NotSupported; no covering VMA is
/// InvalidArgs (§4.3, §9 open question).
func (as *AddressSpace) Pop(start, end uintptr) defs.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()
	i := as.indexOf(start)
	if i >= len(as.vmas) || as.vmas[i].Start != start {
		if _, covered := as.lookup(start); covered {
			return defs.ENOTSUP
		}
		return defs.EINVAL
	}
	vma := as.vmas[i]
	if vma.End != end {
		return defs.ENOTSUP
	}
	vma.Unmap(as.pt, as.cpu)
	vma.Pma.Release()
	as.vmas = append(as.vmas[:i], as.vmas[i+1:]...)
	return 0
}

/// lookup returns the VMA covering vaddr, if any. Caller holds as.mu.
func (as *AddressSpace) lookup(vaddr uintptr) (*VMA, bool) {
	i := sort.Search(len(as.vmas), func(i int) bool { return as.vmas[i].End > vaddr })
	if i < len(as.vmas) && as.vmas[i].Start <= vaddr {
		return as.vmas[i], true
	}
	return nil, false
}

/// FindFreeArea tries each candidate in {align_up(hint)} ∪
/// {existing_vma.End}, in that fixed order, choosing the first one
/// that admits [a, a+len) without collision and under the user
/// virtual address limit (§4.3). Deterministic by construction.
func (as *AddressSpace) FindFreeArea(hint uintptr, length int) (uintptr, defs.Err_t) {
	as.mu.Lock()
	defer as.mu.Unlock()
	limit := mem.Cfg().UserVirtAddrLimit

	alignUp := func(v uintptr) uintptr {
		pg := uintptr(mem.PAGE_SIZE)
		return (v + pg - 1) &^ (pg - 1)
	}
	try := func(a uintptr) (uintptr, bool) {
		end := a + uintptr(length)
		if limit != 0 && end > limit {
			return 0, false
		}
		if as.overlaps(a, end) {
			return 0, false
		}
		return a, true
	}

	if a, ok := try(alignUp(hint)); ok {
		return a, 0
	}
	for _, v := range as.vmas {
		if a, ok := try(v.End); ok {
			return a, 0
		}
	}
	return 0, defs.ENOMEM
}

/// HandlePageFault resolves a fault at vaddr caused by an access
/// requiring accessFlags (§4.3). Fault if nothing covers vaddr,
/// AccessDenied if the VMA's permissions lack accessFlags,
/// AlreadyExists if the page-table entry is already present
/// (double-fault on a live mapping is a bug upstream of this call).
func (as *AddressSpace) HandlePageFault(vaddr uintptr, accessFlags pgtbl.Flags) defs.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()
	vma, ok := as.lookup(vaddr)
	if !ok {
		return defs.EFAULT
	}
	if vma.Perms&accessFlags != accessFlags {
		return defs.EACCES
	}
	pageIdx := int(vaddr-vma.Start) / mem.PAGE_SIZE
	var pa mem.Pa_t
	var gerr defs.Err_t
	vma.Pma.With(func(p PMA_i) {
		pa, gerr = p.GetFrame(pageIdx, true)
	})
	if gerr != 0 {
		return gerr
	}
	page := vaddr &^ uintptr(mem.PAGE_SIZE-1)
	entry, err := as.pt.GetEntry(page)
	if err != 0 {
		return err
	}
	if entry.Present {
		return defs.EEXIST
	}
	entry.Phys = pa
	entry.Flags = vma.Perms
	entry.Present = true
	pgtbl.FlushTLB(as.cpu, &page)
	return 0
}

/// Clear unmaps and drops every VMA. Legal only on user address
/// spaces (§4.3); on a kernel address space it is a no-op that logs
/// an error.
func (as *AddressSpace) Clear() {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.kind == Kernel {
		fmt.Printf("vm: refusing to clear the kernel address space\n")
		return
	}
	for _, vma := range as.vmas {
		vma.Unmap(as.pt, as.cpu)
		vma.Pma.Release()
	}
	as.vmas = nil
}

/// Read copies len(buf) bytes starting at start in this address
/// space's virtual memory into buf, checking accessFlags against
/// every VMA it crosses. A gap is Fault; a permission mismatch is
/// AccessDenied (§4.3).
func (as *AddressSpace) Read(start uintptr, buf []byte, accessFlags pgtbl.Flags) defs.Err_t {
	return as.txrange(start, buf, accessFlags, false)
}

/// Write copies buf into this address space's virtual memory starting
/// at start.
func (as *AddressSpace) Write(start uintptr, buf []byte, accessFlags pgtbl.Flags) defs.Err_t {
	return as.txrange(start, buf, accessFlags, true)
}

func (as *AddressSpace) txrange(start uintptr, buf []byte, accessFlags pgtbl.Flags, write bool) defs.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()
	pos := start
	remaining := buf
	for len(remaining) > 0 {
		vma, ok := as.lookup(pos)
		if !ok {
			return defs.EFAULT
		}
		if vma.Perms&accessFlags != accessFlags {
			return defs.EACCES
		}
		off := int(pos - vma.Start)
		chunk := int(vma.End - pos)
		if chunk > len(remaining) {
			chunk = len(remaining)
		}
		var n int
		var err defs.Err_t
		vma.Pma.With(func(p PMA_i) {
			if write {
				n, err = p.Write(off, remaining[:chunk])
			} else {
				n, err = p.Read(off, remaining[:chunk])
			}
		})
		if err != 0 {
			return err
		}
		pos += uintptr(n)
		remaining = remaining[n:]
		if n < chunk {
			return defs.EFAULT
		}
	}
	return 0
}

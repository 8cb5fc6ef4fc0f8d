// Package vm implements the physical-memory-area and virtual-memory-area
// machinery of §4.3/§4.4: the PMA variants that back a VMA, the VMA and
// address-space (MemorySet) types that compose them with a page table,
// and the user-pointer access helpers that the syscall and async-call
// layers use to move bytes across the user/kernel boundary.
package vm

import (
	"sync"

	"acore/defs"
	"acore/mem"
	"acore/pgtbl"
)

/// PMA_i is the capability set every physical-memory-area variant
/// implements (§4.4). get_frame with needAlloc=false never allocates;
/// with needAlloc=true it either returns a frame or fails with
/// NoMemory/OutOfRange. release_frame reports NotFound when the slot
/// is already empty so callers can tell "already gone" from a hard
/// error.
type PMA_i interface {
	Size() int
	GetFrame(pageIndex int, needAlloc bool) (mem.Pa_t, defs.Err_t)
	ReleaseFrame(pageIndex int) defs.Err_t
	Read(offset int, dst []byte) (int, defs.Err_t)
	Write(offset int, src []byte) (int, defs.Err_t)
}

func boundedCopy(total, offset int, bufLen int) (int, defs.Err_t) {
	if offset < 0 || offset > total {
		return 0, defs.ERANGE
	}
	n := bufLen
	if offset+n > total {
		n = total - offset
	}
	return n, 0
}

// ---- Fixed PMA -------------------------------------------------------

/// PMAFixed backs a [startPhys, endPhys) window that already exists --
/// a device window or the kernel image -- and is never allocated or
/// released.
type PMAFixed struct {
	alloc           *mem.Allocator_t
	startPhys       mem.Pa_t
	sizeBytes       int
}

/// NewPMAFixed creates a fixed PMA over an existing physical range.
/// alloc is only used to resolve physical addresses to backing bytes.
func NewPMAFixed(alloc *mem.Allocator_t, startPhys, endPhys mem.Pa_t) (*PMAFixed, defs.Err_t) {
	if endPhys <= startPhys {
		return nil, defs.EINVAL
	}
	return &PMAFixed{alloc: alloc, startPhys: startPhys, sizeBytes: int(endPhys - startPhys)}, 0
}

func (p *PMAFixed) Size() int { return p.sizeBytes }

func (p *PMAFixed) GetFrame(pageIndex int, needAlloc bool) (mem.Pa_t, defs.Err_t) {
	off := pageIndex * mem.PAGE_SIZE
	if off < 0 || off >= p.sizeBytes {
		return 0, defs.ERANGE
	}
	return p.startPhys + mem.Pa_t(off), 0
}

func (p *PMAFixed) ReleaseFrame(pageIndex int) defs.Err_t { return 0 }

func (p *PMAFixed) bytes() []byte {
	return p.alloc.bytes(mem.PageOf(p.startPhys), mem.PageCount(p.sizeBytes))[p.startPhys&mem.PGOFFSET:][:p.sizeBytes]
}

func (p *PMAFixed) Read(offset int, dst []byte) (int, defs.Err_t) {
	n, err := boundedCopy(p.sizeBytes, offset, len(dst))
	if err != 0 {
		return 0, err
	}
	copy(dst[:n], p.bytes()[offset:offset+n])
	return n, 0
}

func (p *PMAFixed) Write(offset int, src []byte) (int, defs.Err_t) {
	n, err := boundedCopy(p.sizeBytes, offset, len(src))
	if err != 0 {
		return 0, err
	}
	copy(p.bytes()[offset:offset+n], src[:n])
	return n, 0
}

// ---- Contiguous PMA ----------------------------------------------------

/// PMAContiguous owns a single multi-frame allocation made at
/// construction time.
type PMAContiguous struct {
	frame     *mem.Frame
	sizeBytes int
}

/// NewPMAContiguous allocates npages contiguous frames from alloc.
func NewPMAContiguous(alloc *mem.Allocator_t, npages int) (*PMAContiguous, defs.Err_t) {
	fr, ok := mem.NewFrameContiguous(alloc, npages, 0)
	if !ok {
		return nil, defs.ENOMEM
	}
	fr.Zero()
	return &PMAContiguous{frame: fr, sizeBytes: npages * mem.PAGE_SIZE}, 0
}

func (p *PMAContiguous) Size() int { return p.sizeBytes }

func (p *PMAContiguous) GetFrame(pageIndex int, needAlloc bool) (mem.Pa_t, defs.Err_t) {
	off := pageIndex * mem.PAGE_SIZE
	if off < 0 || off >= p.sizeBytes {
		return 0, defs.ERANGE
	}
	return p.frame.Start() + mem.Pa_t(off), 0
}

/// ReleaseFrame is a no-op: the whole contiguous run is released only
/// when the PMA itself is dropped via Release.
func (p *PMAContiguous) ReleaseFrame(pageIndex int) defs.Err_t { return 0 }

/// Release returns the backing frame run to its allocator. Called
/// when the owning VMA is popped.
func (p *PMAContiguous) Release() { p.frame.Release() }

func (p *PMAContiguous) Read(offset int, dst []byte) (int, defs.Err_t) {
	n, err := boundedCopy(p.sizeBytes, offset, len(dst))
	if err != 0 {
		return 0, err
	}
	copy(dst[:n], p.frame.Bytes()[offset:offset+n])
	return n, 0
}

func (p *PMAContiguous) Write(offset int, src []byte) (int, defs.Err_t) {
	n, err := boundedCopy(p.sizeBytes, offset, len(src))
	if err != 0 {
		return 0, err
	}
	copy(p.frame.Bytes()[offset:offset+n], src[:n])
	return n, 0
}

// ---- Lazy PMA ------------------------------------------------------

/// PMALazy is an ordered sequence of optional frames indexed by page
/// number, materialised on first touch or explicit read/write
/// (§4.4). Capacity is capped to the user virtual-address limit's
/// worth of pages.
type PMALazy struct {
	mu     sync.Mutex
	alloc  *mem.Allocator_t
	frames []*mem.Frame
	npages int
}

/// NewPMALazy creates a lazy PMA able to hold up to npages pages, none
/// allocated yet.
func NewPMALazy(alloc *mem.Allocator_t, npages int) (*PMALazy, defs.Err_t) {
	if npages <= 0 {
		return nil, defs.EINVAL
	}
	limitPages := int(mem.Cfg().UserVirtAddrLimit) / mem.PAGE_SIZE
	if limitPages > 0 && npages > limitPages {
		return nil, defs.ERANGE
	}
	return &PMALazy{alloc: alloc, frames: make([]*mem.Frame, npages), npages: npages}, 0
}

func (p *PMALazy) Size() int { return p.npages * mem.PAGE_SIZE }

func (p *PMALazy) GetFrame(pageIndex int, needAlloc bool) (mem.Pa_t, defs.Err_t) {
	if pageIndex < 0 || pageIndex >= p.npages {
		return 0, defs.ERANGE
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if f := p.frames[pageIndex]; f != nil {
		return f.Start(), 0
	}
	if !needAlloc {
		return 0, defs.ENOENT
	}
	fr, ok := mem.NewFrame(p.alloc)
	if !ok {
		return 0, defs.ENOMEM
	}
	fr.Zero()
	p.frames[pageIndex] = fr
	return fr.Start(), 0
}

/// Release returns every materialised frame to its allocator. Called
/// when the owning VMA is popped or its address space is cleared.
func (p *PMALazy) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, f := range p.frames {
		if f != nil {
			f.Release()
			p.frames[i] = nil
		}
	}
}

/// ReleaseFrame drops the frame at pageIndex. NotFound if the slot is
/// already empty, letting callers distinguish "already gone" from a
/// hard error (§4.4, §8).
func (p *PMALazy) ReleaseFrame(pageIndex int) defs.Err_t {
	if pageIndex < 0 || pageIndex >= p.npages {
		return defs.ERANGE
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	f := p.frames[pageIndex]
	if f == nil {
		return defs.ENOENT
	}
	f.Release()
	p.frames[pageIndex] = nil
	return 0
}

func (p *PMALazy) Read(offset int, dst []byte) (int, defs.Err_t) {
	return p.tx(offset, dst, false)
}

func (p *PMALazy) Write(offset int, src []byte) (int, defs.Err_t) {
	return p.tx(offset, src, true)
}

func (p *PMALazy) tx(offset int, buf []byte, write bool) (int, defs.Err_t) {
	n, err := boundedCopy(p.Size(), offset, len(buf))
	if err != 0 {
		return 0, err
	}
	done := 0
	for done < n {
		pageIdx := (offset + done) / mem.PAGE_SIZE
		pageOff := (offset + done) % mem.PAGE_SIZE
		pa, err := p.GetFrame(pageIdx, write)
		if err != 0 {
			if !write && err == defs.ENOENT {
				// unread pages are implicitly zero.
				z := mem.PAGE_SIZE - pageOff
				if z > n-done {
					z = n - done
				}
				for i := 0; i < z; i++ {
					buf[done+i] = 0
				}
				done += z
				continue
			}
			return done, err
		}
		pageBytes := p.alloc.bytes(pa, 1)
		c := mem.PAGE_SIZE - pageOff
		if c > n-done {
			c = n - done
		}
		if write {
			copy(pageBytes[pageOff:pageOff+c], buf[done:done+c])
		} else {
			copy(buf[done:done+c], pageBytes[pageOff:pageOff+c])
		}
		done += c
	}
	return done, 0
}

package mem

import "sync/atomic"

/// Frame owns a contiguous run of physical pages. Its value (start
/// address) is unique among live frames; Release returns the pages to
/// the allocator exactly once even under concurrent callers, matching
/// the uniqueness invariant of §3.
type Frame struct {
	alloc     *Allocator_t
	start     Pa_t
	npages    int
	released  atomic.Bool
	nondrop   bool
}

/// NewFrame allocates a single frame from a.
func NewFrame(a *Allocator_t) (*Frame, bool) {
	return NewFrameContiguous(a, 1, 0)
}

/// NewFrameContiguous allocates n frames aligned to 2^log2align frames
/// from a. Returns ok=false on NoMemory.
func NewFrameContiguous(a *Allocator_t, n int, log2align uint) (*Frame, bool) {
	pa, err := a.AllocContiguous(n, log2align)
	if err != 0 {
		return nil, false
	}
	return &Frame{alloc: a, start: pa, npages: n}, true
}

/// AdoptFrame returns a non-dropping handle over a physical run that is
/// not owned by this Frame -- used for externally managed page-table
/// roots adopted from a known physical address (§3).
func AdoptFrame(a *Allocator_t, start Pa_t, npages int) *Frame {
	f := &Frame{alloc: a, start: start, npages: npages, nondrop: true}
	f.released.Store(true)
	return f
}

/// Start returns the frame's starting physical address.
func (f *Frame) Start() Pa_t { return f.start }

/// NumPages reports how many PAGE_SIZE pages this frame spans.
func (f *Frame) NumPages() int { return f.npages }

/// Size reports the frame's size in bytes.
func (f *Frame) Size() int { return f.npages * PAGE_SIZE }

/// Bytes returns the backing slice for this frame. It remains valid
/// until Release.
func (f *Frame) Bytes() []byte {
	return f.alloc.bytes(f.start, f.npages)
}

/// Zero clears the frame's backing bytes.
func (f *Frame) Zero() {
	b := f.Bytes()
	for i := range b {
		b[i] = 0
	}
}

/// Release returns the frame's pages to its allocator. It is a no-op
/// on a borrowed (non-dropping) handle and safe to call more than
/// once: only the first call among racing callers actually frees the
/// pages.
func (f *Frame) Release() {
	if f.nondrop {
		return
	}
	if f.released.CompareAndSwap(false, true) {
		f.alloc.DeallocContiguous(f.start, f.npages)
	}
}

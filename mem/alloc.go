package mem

import (
	"sync"

	"golang.org/x/sys/unix"

	"acore/defs"
)

/// Allocator_t is a bitmap-backed physical frame allocator spanning a
/// single contiguous arena, from kernel_end up to the end of
/// installable RAM reported at boot (§4.1). It owns the arena's
/// backing bytes so that Frame.Bytes can hand out real, readable and
/// writable memory to PMAs. The arena is a real anonymous mmap rather
/// than a plain slice, so the "physical memory" a Fixed PMA points a
/// device window at behaves like actual page-backed memory (stable
/// addresses, host-enforced protection) instead of heap-managed Go
/// bytes the GC could otherwise move conceptually.
type Allocator_t struct {
	sync.Mutex
	base      Pa_t
	numFrames int
	bitmap    []uint64 // 1 == allocated
	free      int
	arena     []byte
}

/// NewAllocator creates an allocator over numFrames page-sized frames
/// of simulated physical memory starting at base. Panics if the
/// backing mmap fails -- this runs once at boot, on the bootstrap CPU,
/// and has no fallback path (§9: "initialise once ... never
/// reallocate").
func NewAllocator(base Pa_t, numFrames int) *Allocator_t {
	words := (numFrames + 63) / 64
	arena, err := unix.Mmap(-1, 0, numFrames*PAGE_SIZE, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		panic("mem: backing mmap failed: " + err.Error())
	}
	a := &Allocator_t{
		base:      base,
		numFrames: numFrames,
		bitmap:    make([]uint64, words),
		free:      numFrames,
		arena:     arena,
	}
	return a
}

/// Close releases the allocator's backing mmap. Only meaningful for
/// tooling that tears allocators down between runs (e.g. tests); a
/// live kernel's allocator outlives the process.
func (a *Allocator_t) Close() error {
	return unix.Munmap(a.arena)
}

/// Base returns the first physical address this allocator owns.
func (a *Allocator_t) Base() Pa_t { return a.base }

/// NumFrames returns the total number of page frames owned by this
/// allocator, used and free combined.
func (a *Allocator_t) NumFrames() int { return a.numFrames }

/// FreeFrames reports the number of currently unallocated frames.
func (a *Allocator_t) FreeFrames() int {
	a.Lock()
	defer a.Unlock()
	return a.free
}

func (a *Allocator_t) idxOf(pa Pa_t) int {
	return int((pa - a.base) / Pa_t(PAGE_SIZE))
}

func (a *Allocator_t) paOf(idx int) Pa_t {
	return a.base + Pa_t(idx*PAGE_SIZE)
}

func (a *Allocator_t) testbit(idx int) bool {
	return a.bitmap[idx/64]&(1<<uint(idx%64)) != 0
}

func (a *Allocator_t) setbit(idx int) {
	a.bitmap[idx/64] |= 1 << uint(idx%64)
}

func (a *Allocator_t) clearbit(idx int) {
	a.bitmap[idx/64] &^= 1 << uint(idx%64)
}

// findRun returns the first index of a free run of n frames satisfying
// the given power-of-two frame alignment, or -1.
func (a *Allocator_t) findRun(n int, alignFrames int) int {
	if alignFrames < 1 {
		alignFrames = 1
	}
	for start := 0; start+n <= a.numFrames; start += alignFrames {
		ok := true
		for i := 0; i < n; i++ {
			if a.testbit(start + i) {
				ok = false
				break
			}
		}
		if ok {
			return start
		}
	}
	return -1
}

/// Alloc hands out a single free frame.
func (a *Allocator_t) Alloc() (Pa_t, defs.Err_t) {
	return a.AllocContiguous(1, 0)
}

/// AllocContiguous hands out n contiguous frames aligned to
/// 2^log2align frames. Returns ENOMEM on exhaustion.
func (a *Allocator_t) AllocContiguous(n int, log2align uint) (Pa_t, defs.Err_t) {
	if n <= 0 {
		return 0, defs.EINVAL
	}
	align := 1 << log2align
	a.Lock()
	defer a.Unlock()
	idx := a.findRun(n, align)
	if idx < 0 {
		return 0, defs.ENOMEM
	}
	for i := 0; i < n; i++ {
		a.setbit(idx + i)
	}
	a.free -= n
	return a.paOf(idx), 0
}

/// Dealloc returns a single frame to the allocator.
func (a *Allocator_t) Dealloc(pa Pa_t) defs.Err_t {
	return a.DeallocContiguous(pa, 1)
}

/// DeallocContiguous returns n contiguous frames starting at pa.
func (a *Allocator_t) DeallocContiguous(pa Pa_t, n int) defs.Err_t {
	a.Lock()
	defer a.Unlock()
	idx := a.idxOf(pa)
	if idx < 0 || idx+n > a.numFrames {
		return defs.ERANGE
	}
	for i := 0; i < n; i++ {
		if !a.testbit(idx + i) {
			return defs.EBADST
		}
		a.clearbit(idx + i)
	}
	a.free += n
	return 0
}

/// bytes returns the backing slice for n frames starting at pa,
/// without any ownership check -- callers must already hold a valid
/// Frame over this range.
func (a *Allocator_t) bytes(pa Pa_t, n int) []byte {
	idx := a.idxOf(pa)
	off := idx * PAGE_SIZE
	return a.arena[off : off+n*PAGE_SIZE]
}

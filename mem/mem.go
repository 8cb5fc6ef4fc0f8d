// Package mem owns physical memory: the byte arena backing it in this
// simulated kernel, the page-granular bitmap allocator, and the Frame
// handle that wraps a single allocation.
package mem

/// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

/// PAGE_SIZE is the size of a single page in bytes.
const PAGE_SIZE int = 1 << PGSHIFT

/// PGOFFSET masks offsets within a page.
const PGOFFSET Pa_t = Pa_t(PAGE_SIZE - 1)

/// PGMASK masks the page number of an address.
const PGMASK Pa_t = ^PGOFFSET

/// Pa_t represents a physical address. In this simulated kernel it
/// also doubles as a byte offset into the arena owned by the
/// FrameAllocator that produced it.
type Pa_t uintptr

/// PageOf rounds a physical address down to its containing page.
func PageOf(pa Pa_t) Pa_t { return pa &^ PGOFFSET }

/// PageCount returns how many PAGE_SIZE pages are needed to hold n
/// bytes.
func PageCount(n int) int {
	return (n + PAGE_SIZE - 1) / PAGE_SIZE
}

/// Region describes a half-open [Start, End) physical range the boot
/// collaborator reports as installable RAM, excluding the kernel
/// image. This is the Go stand-in for the external
/// get_phys_memory_regions() contract of §6.
type Region struct {
	Start Pa_t
	End   Pa_t
}

/// Config mirrors the compile-time constants the external/arch
/// collaborator reports in the original design (§6). Go has no const
/// generics tied to a board file, so these are supplied once at boot
/// via Configure.
type Config struct {
	PhysVirtOffset    uintptr
	PhysMemoryOffset  uintptr
	PhysMemoryEnd     uintptr
	UserStackOffset   uintptr
	UserStackSize     uintptr
	UserVirtAddrLimit uintptr
	DeviceStart       uintptr
	DeviceEnd         uintptr
	KernelHeapSize    uintptr
}

var cfg Config

/// Configure installs the boot-reported memory layout. Called exactly
/// once, before any CPU other than the bootstrap CPU observes it.
func Configure(c Config) { cfg = c }

/// Cfg returns the installed memory layout.
func Cfg() Config { return cfg }

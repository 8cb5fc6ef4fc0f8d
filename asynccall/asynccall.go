// Package asynccall implements the shared-memory submission/completion
// rings between a user thread and the kernel's per-thread poller
// future running on the I/O CPU (§3, §4.10). The ring-header and
// atomic-counter technique is grounded on the cloudwego/gopkg io_uring
// client: a single mmap'd region, head/tail counters read and written
// with atomic loads/stores, masked by a power-of-two capacity.
package asynccall

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"

	"acore/bounds"
	"acore/defs"
	"acore/fd"
	"acore/fdops"
	"acore/mem"
	"acore/pgtbl"
	"acore/res"
	"acore/sched"
	"acore/stubfs"
	"acore/util"
	"acore/vm"
)

// maxAsyncPathLen bounds an OpOpen path read from user memory, matching
// the synchronous OPENAT path-length bound.
const maxAsyncPathLen = 256

/// Opcode identifies the operation a request entry asks the poller to
/// perform.
type Opcode uint8

const (
	OpNop Opcode = iota
	OpRead
	OpWrite
	OpOpen
	OpClose
)

const (
	maxCapacity = 32768
	reqEntrySz  = 64
	compEntrySz = 24
	headerSz    = 64 // cache-line aligned per §3

	// defaultMapHint keeps the mapping off the null page; FindFreeArea
	// only treats the hint as a first guess and otherwise places the
	// buffer after an existing VMA.
	defaultMapHint = 0x10000

	hdrReqHead  = 0
	hdrReqTail  = 4
	hdrCompHead = 8
	hdrCompTail = 12
	hdrReqCap   = 16
	hdrReqMask  = 20
	hdrCompCap  = 24
	hdrCompMask = 28
)

// request entry field offsets, within a reqEntrySz-byte slot.
const (
	reqOpcode  = 0
	reqFd      = 4
	reqOffset  = 8
	reqBufAddr = 16
	reqBufSize = 24
	reqFlags   = 28
	reqUserDat = 32
)

// completion entry field offsets, within a compEntrySz-byte slot.
const (
	compUserDat = 0
	compResult  = 8
)

/// Buffer is the kernel-side handle to one thread's async-call
/// rings: a contiguous frame run holding the header and both entry
/// arrays, mapped into the user address space by Setup.
type Buffer struct {
	frame   *mem.Frame
	bytes   []byte
	reqOff  int
	compOff int
	reqCap  uint32
	compCap uint32
}

func roundCapacity(requested uint32) (uint32, defs.Err_t) {
	if requested == 0 || requested > maxCapacity {
		return 0, defs.EINVAL
	}
	c := util.NextPow2(requested)
	if c > maxCapacity {
		return 0, defs.EINVAL
	}
	return c, 0
}

/// RingOffsets mirrors the byte offsets reported back to user space by
/// SETUP_ASYNC_CALL (§6).
type RingOffsets struct {
	Head         uint32
	Tail         uint32
	Capacity     uint32
	CapacityMask uint32
	Entries      uint32
}

/// SetupInfo is the out-info struct SETUP_ASYNC_CALL writes back to
/// the caller.
type SetupInfo struct {
	UserBufPtr uintptr
	BufSize    uintptr
	ReqOff     RingOffsets
	CompOff    RingOffsets
}

/// NewBuffer rounds reqCapReq/compCapReq up to powers of two (§4.10)
/// and allocates the contiguous frame run that backs the rings. It
/// does not map the buffer into any address space; callers (the
/// SETUP_ASYNC_CALL syscall handler) do that with the returned Buffer
/// and its Size.
func NewBuffer(alloc *mem.Allocator_t, reqCapReq, compCapReq uint32) (*Buffer, defs.Err_t) {
	reqCap, err := roundCapacity(reqCapReq)
	if err != 0 {
		return nil, err
	}
	compCap, err := roundCapacity(compCapReq)
	if err != 0 {
		return nil, err
	}

	reqOff := headerSz
	compOff := reqOff + int(reqCap)*reqEntrySz
	total := compOff + int(compCap)*compEntrySz
	npages := mem.PageCount(total)

	fr, ok := mem.NewFrameContiguous(alloc, npages, 0)
	if !ok {
		return nil, defs.ENOMEM
	}
	fr.Zero()

	b := &Buffer{
		frame:   fr,
		bytes:   fr.Bytes(),
		reqOff:  reqOff,
		compOff: compOff,
		reqCap:  reqCap,
		compCap: compCap,
	}
	binary.LittleEndian.PutUint32(b.bytes[hdrReqCap:], reqCap)
	binary.LittleEndian.PutUint32(b.bytes[hdrReqMask:], reqCap-1)
	binary.LittleEndian.PutUint32(b.bytes[hdrCompCap:], compCap)
	binary.LittleEndian.PutUint32(b.bytes[hdrCompMask:], compCap-1)
	return b, 0
}

/// Size is the buffer's total mapped size in bytes.
func (b *Buffer) Size() int { return len(b.bytes) }

/// Frame returns the backing contiguous frame, for building the
/// PMAFixed/VMA pair that maps this buffer into a user address space.
func (b *Buffer) Frame() *mem.Frame { return b.frame }

/// Offsets reports the ring layout for the SETUP_ASYNC_CALL out-info
/// struct.
func (b *Buffer) Offsets() (RingOffsets, RingOffsets) {
	req := RingOffsets{Head: hdrReqHead, Tail: hdrReqTail, Capacity: hdrReqCap, CapacityMask: hdrReqMask, Entries: uint32(b.reqOff)}
	comp := RingOffsets{Head: hdrCompHead, Tail: hdrCompTail, Capacity: hdrCompCap, CapacityMask: hdrCompMask, Entries: uint32(b.compOff)}
	return req, comp
}

func (b *Buffer) u32(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&b.bytes[off]))
}

func (b *Buffer) reqHead() uint32             { return atomic.LoadUint32(b.u32(hdrReqHead)) }
func (b *Buffer) setReqHeadRelease(v uint32)  { atomic.StoreUint32(b.u32(hdrReqHead), v) }
func (b *Buffer) reqTailAcquire() uint32      { return atomic.LoadUint32(b.u32(hdrReqTail)) }
func (b *Buffer) setReqTailRelease(v uint32)  { atomic.StoreUint32(b.u32(hdrReqTail), v) }
func (b *Buffer) compTail() uint32            { return atomic.LoadUint32(b.u32(hdrCompTail)) }
func (b *Buffer) setCompTailRelease(v uint32) { atomic.StoreUint32(b.u32(hdrCompTail), v) }
func (b *Buffer) compHeadAcquire() uint32     { return atomic.LoadUint32(b.u32(hdrCompHead)) }
func (b *Buffer) setCompHeadRelease(v uint32) { atomic.StoreUint32(b.u32(hdrCompHead), v) }

func (b *Buffer) reqSlot(idx uint32) []byte {
	off := b.reqOff + int(idx&(b.reqCap-1))*reqEntrySz
	return b.bytes[off : off+reqEntrySz]
}

func (b *Buffer) compSlot(idx uint32) []byte {
	off := b.compOff + int(idx&(b.compCap-1))*compEntrySz
	return b.bytes[off : off+compEntrySz]
}

/// request is a local, kernel-private copy of one request entry, read
/// before dispatch so the poller never acts on a field the user could
/// still be mutating concurrently (§9: "read request entries into a
/// local copy before dispatch").
type request struct {
	opcode   Opcode
	fd       int32
	offset   uint64
	bufAddr  uint64
	bufSize  uint32
	flags    uint32
	userData uint64
}

func readRequest(slot []byte) request {
	return request{
		opcode:   Opcode(slot[reqOpcode]),
		fd:       int32(binary.LittleEndian.Uint32(slot[reqFd:])),
		offset:   binary.LittleEndian.Uint64(slot[reqOffset:]),
		bufAddr:  binary.LittleEndian.Uint64(slot[reqBufAddr:]),
		bufSize:  binary.LittleEndian.Uint32(slot[reqBufSize:]),
		flags:    binary.LittleEndian.Uint32(slot[reqFlags:]),
		userData: binary.LittleEndian.Uint64(slot[reqUserDat:]),
	}
}

func writeCompletion(slot []byte, userData uint64, result int32) {
	binary.LittleEndian.PutUint64(slot[compUserDat:], userData)
	binary.LittleEndian.PutUint32(slot[compResult:], uint32(result))
}

/// Owner is the capability set the poller needs from the thread that
/// owns this buffer, kept narrow so this package does not depend on
/// the thread package (which depends on this one for the owned
/// async-call buffer field).
type Owner interface {
	IsExited() bool
	Files() *fd.Table
	AddressSpace() *vm.AddressSpace
	Exit()
}

func dispatch(owner Owner, fs *stubfs.FS, r request) int32 {
	switch r.opcode {
	case OpNop:
		return 0
	case OpRead, OpWrite:
		fdesc, ok := owner.Files().Get(int(r.fd))
		if !ok {
			return int32(-defs.EBADF)
		}
		ub, err := vm.NewUserBuf(owner.AddressSpace(), uintptr(r.bufAddr), int(r.bufSize))
		if err != 0 {
			return int32(err.Rc())
		}
		var n int
		if r.opcode == OpRead {
			n, err = fdesc.Fops.Read(userioAdapter{ub}, int(r.offset))
		} else {
			n, err = fdesc.Fops.Write(userioAdapter{ub}, int(r.offset))
		}
		if err != 0 {
			return int32(err.Rc())
		}
		return int32(n)
	case OpOpen:
		return dispatchOpen(owner, fs, r)
	case OpClose:
		fdesc, ok := owner.Files().Remove(int(r.fd))
		if !ok {
			return int32(-defs.EBADF)
		}
		if err := fdesc.Fops.Close(); err != 0 {
			return int32(err.Rc())
		}
		return 0
	default:
		return int32(-defs.EINVAL)
	}
}

// dispatchOpen reads a path of r.bufSize bytes from r.bufAddr, opens it
// through fs with r.flags, and installs the result in the file table,
// returning the new descriptor number as the completion result.
func dispatchOpen(owner Owner, fs *stubfs.FS, r request) int32 {
	pathLen := int(r.bufSize)
	if pathLen <= 0 || pathLen > maxAsyncPathLen {
		return int32(-defs.EINVAL)
	}
	pathBuf := make([]byte, pathLen)
	if err := owner.AddressSpace().Read(uintptr(r.bufAddr), pathBuf, pgtbl.READ|pgtbl.USER); err != 0 {
		return int32(err.Rc())
	}
	flags := int(r.flags)
	file, err := fs.Open(string(pathBuf), flags)
	if err != 0 {
		return int32(err.Rc())
	}
	perms := 0
	if flags&stubfs.O_RDONLY == stubfs.O_RDONLY || flags&stubfs.O_RDWR != 0 {
		perms |= fd.FD_READ
	}
	if flags&stubfs.O_WRONLY != 0 || flags&stubfs.O_RDWR != 0 {
		perms |= fd.FD_WRITE
	}
	n := owner.Files().Insert(&fd.Fd_t{Fops: file, Perms: perms})
	return int32(n)
}

// userioAdapter lets a *vm.UserBuf satisfy fdops.Userio_i without
// vm importing fdops (vm has no business knowing about descriptors).
type userioAdapter struct{ *vm.UserBuf }

var _ fdops.Userio_i = userioAdapter{}

/// Setup builds the contiguous frame run for the rings, maps it as a
/// PMAFixed into as at a fresh address, and returns the Buffer plus
/// the user-visible layout for SETUP_ASYNC_CALL to hand back (§4.9,
/// §6).
func Setup(as *vm.AddressSpace, alloc *mem.Allocator_t, reqCapReq, compCapReq uint32) (*Buffer, SetupInfo, defs.Err_t) {
	b, err := NewBuffer(alloc, reqCapReq, compCapReq)
	if err != 0 {
		return nil, SetupInfo{}, err
	}

	pma, err := vm.NewPMAFixed(alloc, b.frame.Start(), b.frame.Start()+mem.Pa_t(b.frame.Size()))
	if err != 0 {
		return nil, SetupInfo{}, err
	}
	uva, err := as.FindFreeArea(defaultMapHint, b.Size())
	if err != 0 {
		return nil, SetupInfo{}, err
	}
	vma, err := vm.NewVMA(uva, uva+uintptr(b.Size()), pgtbl.READ|pgtbl.WRITE|pgtbl.USER, vm.NewPMARef(pma), "asynccall")
	if err != 0 {
		return nil, SetupInfo{}, err
	}
	if err := as.Push(vma); err != 0 {
		return nil, SetupInfo{}, err
	}

	reqOff, compOff := b.Offsets()
	info := SetupInfo{
		UserBufPtr: uva,
		BufSize:    uintptr(b.Size()),
		ReqOff:     reqOff,
		CompOff:    compOff,
	}
	return b, info, 0
}

/// RunOneIteration executes one pass of the algorithm in §4.10: cache
/// the counters, bound-check, then dispatch requests one at a time.
/// It stops early -- leaving reqHead exactly where the next iteration
/// should resume -- either because the owning thread exited or
/// because the completion ring is full (backpressure); a Poller
/// wraps this in a Future that always re-enqueues itself afterward,
/// so stopping here just defers the rest of the batch to the next
/// scheduling turn rather than busy-waiting inline. Returns BadState
/// if the ring invariant is violated, in which case the caller
/// terminates the owning thread.
func RunOneIteration(owner Owner, b *Buffer, fs *stubfs.FS) defs.Err_t {
	head := b.reqHead()
	compTail := b.compTail()

	reqTail := b.reqTailAcquire()
	count := reqTail - head
	if count > b.reqCap {
		return defs.EBADST
	}

	for i := uint32(0); i < count; i++ {
		if owner.IsExited() {
			break
		}
		if compTail-b.compHeadAcquire() == b.compCap {
			break
		}
		if !res.Resadd_noblock(bounds.Bounds(bounds.B_POLLER_T_POLL_ONCE)) {
			// Heap budget exhausted for this pass -- stop here, same as
			// backpressure; the next iteration picks up at head.
			break
		}
		r := readRequest(b.reqSlot(head))
		result := dispatch(owner, fs, r)
		res.Give(1)

		writeCompletion(b.compSlot(compTail), r.userData, result)
		compTail++
		b.setCompTailRelease(compTail)

		head++
		b.setReqHeadRelease(head)
	}
	return 0
}

/// Poller is the per-thread future that repeatedly drains one
/// thread's async-call rings (§4.10). It always re-enqueues itself
/// after each iteration -- the "yield unconditionally at the end of
/// the iteration" rule -- until the owning thread exits.
type Poller struct {
	owner Owner
	buf   *Buffer
	fs    *stubfs.FS
}

/// NewPoller builds the poller future for owner's buffer, dispatching
/// OpOpen against fs.
func NewPoller(owner Owner, buf *Buffer, fs *stubfs.FS) *Poller {
	return &Poller{owner: owner, buf: buf, fs: fs}
}

func (p *Poller) Poll(w *sched.Waker) sched.PollResult {
	if p.owner.IsExited() {
		return sched.Ready
	}
	if err := RunOneIteration(p.owner, p.buf, p.fs); err != 0 {
		p.owner.Exit()
		return sched.Ready
	}
	w.Wake()
	return sched.Pending
}

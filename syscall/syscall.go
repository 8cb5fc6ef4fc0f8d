// Package syscall implements the synchronous call surface a trapped
// thread dispatches into (§4.9): READ, WRITE, OPENAT, CLOSE,
// SCHED_YIELD, GETPID, EXIT, SETUP_ASYNC_CALL. It satisfies
// trap.Syscaller structurally.
package syscall

import (
	"encoding/binary"

	"acore/asynccall"
	"acore/defs"
	"acore/fd"
	"acore/mem"
	"acore/pgtbl"
	"acore/sched"
	"acore/stubfs"
	"acore/thread"
	"acore/vm"
)

/// maxPathLen bounds an OPENAT path read from user memory.
const maxPathLen = 256

/// Table is the kernel's syscall dispatch table. One Table is shared
/// by every thread in the system; the per-syscall handlers take the
/// calling thread explicitly rather than relying on any ambient
/// "current thread" state.
type Table struct {
	fs    *stubfs.FS
	alloc *mem.Allocator_t
	ioCPU int
}

/// NewTable builds a syscall table backed by fs for file operations
/// and alloc for any kernel memory a syscall itself must allocate
/// (currently only SETUP_ASYNC_CALL). ioCPU is the CPU whose executor
/// async-call pollers are spawned onto (§2: "a dedicated I/O core").
func NewTable(fs *stubfs.FS, alloc *mem.Allocator_t, ioCPU int) *Table {
	return &Table{fs: fs, alloc: alloc, ioCPU: ioCPU}
}

/// Dispatch routes one trapped syscall to its handler and converts
/// its defs.Err_t into the raw negative-return-code convention (§4.9,
/// §7): success returns the non-negative result, failure returns
/// -err_t reinterpreted as an unsigned machine word.
func (t *Table) Dispatch(th *thread.Thread, num uintptr, args [6]uintptr) uintptr {
	result, err := t.dispatch(th, num, args)
	if err != 0 {
		return uintptr(err.Rc())
	}
	return result
}

func (t *Table) dispatch(th *thread.Thread, num uintptr, args [6]uintptr) (uintptr, defs.Err_t) {
	switch num {
	case defs.SysRead:
		return t.sysRead(th, args)
	case defs.SysWrite:
		return t.sysWrite(th, args)
	case defs.SysOpenat:
		return t.sysOpenat(th, args)
	case defs.SysClose:
		return t.sysClose(th, args)
	case defs.SysSchedYield:
		return 0, 0
	case defs.SysGetpid:
		return uintptr(th.ID), 0
	case defs.SysExit:
		th.Exit()
		return 0, 0
	case defs.SysSetupAsyncCall:
		return t.sysSetupAsyncCall(th, args)
	default:
		return 0, defs.EINVAL
	}
}

func (t *Table) sysRead(th *thread.Thread, args [6]uintptr) (uintptr, defs.Err_t) {
	fdnum, buf, count, off := int(args[0]), args[1], int(args[2]), int(args[3])
	fdesc, ok := th.Files().Get(fdnum)
	if !ok {
		return 0, defs.EBADF
	}
	ub, err := vm.NewUserBuf(th.AddressSpace(), buf, count)
	if err != 0 {
		return 0, err
	}
	n, err := fdesc.Fops.Read(ub, off)
	return uintptr(n), err
}

func (t *Table) sysWrite(th *thread.Thread, args [6]uintptr) (uintptr, defs.Err_t) {
	fdnum, buf, count, off := int(args[0]), args[1], int(args[2]), int(args[3])
	fdesc, ok := th.Files().Get(fdnum)
	if !ok {
		return 0, defs.EBADF
	}
	ub, err := vm.NewUserBuf(th.AddressSpace(), buf, count)
	if err != 0 {
		return 0, err
	}
	n, err := fdesc.Fops.Write(ub, off)
	return uintptr(n), err
}

func (t *Table) sysOpenat(th *thread.Thread, args [6]uintptr) (uintptr, defs.Err_t) {
	pathPtr, pathLen, flags := args[0], int(args[1]), int(args[2])
	if pathLen <= 0 || pathLen > maxPathLen {
		return 0, defs.EINVAL
	}
	pathBuf := make([]byte, pathLen)
	if err := th.AddressSpace().Read(pathPtr, pathBuf, pgtbl.READ|pgtbl.USER); err != 0 {
		return 0, err
	}
	file, err := t.fs.Open(string(pathBuf), flags)
	if err != 0 {
		return 0, err
	}
	perms := 0
	if flags&stubfs.O_RDONLY == stubfs.O_RDONLY || flags&stubfs.O_RDWR != 0 {
		perms |= fd.FD_READ
	}
	if flags&stubfs.O_WRONLY != 0 || flags&stubfs.O_RDWR != 0 {
		perms |= fd.FD_WRITE
	}
	n := th.Files().Insert(&fd.Fd_t{Fops: file, Perms: perms})
	return uintptr(n), 0
}

func (t *Table) sysClose(th *thread.Thread, args [6]uintptr) (uintptr, defs.Err_t) {
	fdnum := int(args[0])
	fdesc, ok := th.Files().Remove(fdnum)
	if !ok {
		return 0, defs.EBADF
	}
	return 0, fdesc.Fops.Close()
}

// setupInfoSize is the byte size of the out-info struct
// SETUP_ASYNC_CALL writes to user memory: two uintptr-sized fields
// plus two RingOffsets records of 5 uint32 fields each.
const (
	ringOffsetsSize = 5 * 4
	setupInfoSize   = 8 + 8 + ringOffsetsSize + ringOffsetsSize
)

func encodeRingOffsets(buf []byte, r asynccall.RingOffsets) {
	binary.LittleEndian.PutUint32(buf[0:], r.Head)
	binary.LittleEndian.PutUint32(buf[4:], r.Tail)
	binary.LittleEndian.PutUint32(buf[8:], r.Capacity)
	binary.LittleEndian.PutUint32(buf[12:], r.CapacityMask)
	binary.LittleEndian.PutUint32(buf[16:], r.Entries)
}

func (t *Table) sysSetupAsyncCall(th *thread.Thread, args [6]uintptr) (uintptr, defs.Err_t) {
	reqCap, compCap, outInfoPtr := uint32(args[0]), uint32(args[1]), args[2]

	if th.AsyncBuffer() != nil {
		return 0, defs.EEXIST
	}

	buf, info, err := asynccall.Setup(th.AddressSpace(), t.alloc, reqCap, compCap)
	if err != 0 {
		return 0, err
	}
	th.SetAsyncBuffer(buf)

	out := make([]byte, setupInfoSize)
	binary.LittleEndian.PutUint64(out[0:], uint64(info.UserBufPtr))
	binary.LittleEndian.PutUint64(out[8:], uint64(info.BufSize))
	encodeRingOffsets(out[16:], info.ReqOff)
	encodeRingOffsets(out[16+ringOffsetsSize:], info.CompOff)
	if err := th.AddressSpace().Write(outInfoPtr, out, pgtbl.WRITE|pgtbl.USER); err != 0 {
		return 0, err
	}

	if exec := sched.ExecutorFor(t.ioCPU); exec != nil {
		exec.Spawn(asynccall.NewPoller(th, buf, t.fs))
	}
	return 0, 0
}

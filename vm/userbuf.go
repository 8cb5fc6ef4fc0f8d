package vm

import (
	"unsafe"

	"acore/bounds"
	"acore/defs"
	"acore/mem"
	"acore/pgtbl"
	"acore/res"
)

// wordAlign is the alignment NewUserBuf enforces on a user pointer,
// the same granularity a bounded-copy loop naturally wants to resolve
// without straddling a word at each step.
const wordAlign = unsafe.Sizeof(uintptr(0))

/// UserBuf assists reading and writing a single contiguous user
/// memory range. Each Uioread/Uiowrite call advances its own cursor,
/// so a caller can stream a buffer across several short transfers
/// without re-deriving the remaining length (§4.5).
type UserBuf struct {
	as     *AddressSpace
	userva uintptr
	len    int
	off    int
}

/// NewUserBuf wraps [userva, userva+length) in as, mirroring the
/// typed-pointer check a user-pointer access performs before any copy
/// is attempted (§4.5): negative length and a misaligned userva are
/// InvalidArgs; a span reaching past the user virtual-address limit
/// (or wrapping past it) is Fault, ahead of any page-table walk.
func NewUserBuf(as *AddressSpace, userva uintptr, length int) (*UserBuf, defs.Err_t) {
	if length < 0 {
		return nil, defs.EINVAL
	}
	if userva%wordAlign != 0 {
		return nil, defs.EINVAL
	}
	// A limit of 0 means the boot collaborator has not called
	// mem.Configure yet (or, in a unit test, never will) -- skip the
	// range pre-check rather than reject every nonzero-length buffer.
	if limit := mem.Cfg().UserVirtAddrLimit; limit != 0 {
		if uintptr(length) > limit || userva > limit-uintptr(length) {
			return nil, defs.EFAULT
		}
	}
	return &UserBuf{as: as, userva: userva, len: length}, 0
}

/// Remain reports how many bytes are left unread/unwritten.
func (ub *UserBuf) Remain() int { return ub.len - ub.off }

/// Totalsz reports the buffer's fixed total size.
func (ub *UserBuf) Totalsz() int { return ub.len }

/// Uioread copies into dst from the user range, advancing the cursor,
/// and returns the number of bytes actually moved.
func (ub *UserBuf) Uioread(dst []byte) (int, defs.Err_t) {
	return ub.tx(dst, false)
}

/// Uiowrite copies src into the user range, advancing the cursor.
func (ub *UserBuf) Uiowrite(src []byte) (int, defs.Err_t) {
	return ub.tx(src, true)
}

func (ub *UserBuf) tx(buf []byte, write bool) (int, defs.Err_t) {
	if !res.Resadd_noblock(bounds.Bounds(bounds.B_USERBUF_T__TX)) {
		return 0, defs.ENORES
	}
	defer res.Give(1)
	n := len(buf)
	if rem := ub.Remain(); n > rem {
		n = rem
	}
	if n == 0 {
		return 0, 0
	}
	flags := pgtbl.READ | pgtbl.USER
	if write {
		flags = pgtbl.WRITE | pgtbl.USER
	}
	var err defs.Err_t
	if write {
		err = ub.as.Write(ub.userva+uintptr(ub.off), buf[:n], flags)
	} else {
		err = ub.as.Read(ub.userva+uintptr(ub.off), buf[:n], flags)
	}
	if err != 0 {
		return 0, err
	}
	ub.off += n
	return n, 0
}

/// ioVector is one (address, size) pair resolved from a user iovec
/// array.
type ioVector struct {
	uva uintptr
	sz  int
}

/// UserIOVec is a sequence of user buffers described by an iovec
/// array, as used by readv/writev-shaped syscalls (§4.5).
type UserIOVec struct {
	as   *AddressSpace
	iovs []ioVector
	tsz  int
}

/// NewUserIOVec reads niovs (uva, size) pairs -- each a 16-byte
/// {uint64 uva; uint64 size} record -- starting at iovarr, and
/// returns the resolved vector. Rejects more than 16 entries with
/// InvalidArgs, the same bound a readv/writev iovec reader enforces.
func NewUserIOVec(as *AddressSpace, iovarr uintptr, niovs int) (*UserIOVec, defs.Err_t) {
	if niovs < 0 || niovs > 16 {
		return nil, defs.EINVAL
	}
	iv := &UserIOVec{as: as, iovs: make([]ioVector, niovs)}
	const elemSize = 16
	var rec [elemSize]byte
	for i := 0; i < niovs; i++ {
		if !res.Resadd_noblock(bounds.Bounds(bounds.B_USERIOVEC_T_IOV_INIT)) {
			return nil, defs.ENORES
		}
		addr := iovarr + uintptr(i)*elemSize
		if err := as.Read(addr, rec[:], pgtbl.READ|pgtbl.USER); err != 0 {
			res.Give(1)
			return nil, err
		}
		res.Give(1)
		uva := leUint64(rec[0:8])
		sz := leUint64(rec[8:16])
		iv.iovs[i] = ioVector{uva: uintptr(uva), sz: int(sz)}
		iv.tsz += int(sz)
	}
	return iv, 0
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

/// Remain reports the bytes left across every not-yet-drained iovec.
func (iv *UserIOVec) Remain() int {
	n := 0
	for _, e := range iv.iovs {
		n += e.sz
	}
	return n
}

/// Totalsz reports the iovec array's total declared size.
func (iv *UserIOVec) Totalsz() int { return iv.tsz }

func (iv *UserIOVec) tx(buf []byte, write bool) (int, defs.Err_t) {
	did := 0
	for len(buf) > 0 && len(iv.iovs) > 0 {
		if !res.Resadd_noblock(bounds.Bounds(bounds.B_USERIOVEC_T__TX)) {
			return did, defs.ENORES
		}
		n, err := iv.txOne(&buf, write)
		res.Give(1)
		did += n
		if err != 0 {
			return did, err
		}
		if n == 0 {
			break
		}
	}
	return did, 0
}

func (iv *UserIOVec) txOne(buf *[]byte, write bool) (int, defs.Err_t) {
	cur := &iv.iovs[0]
	ub, err := NewUserBuf(iv.as, cur.uva, cur.sz)
	if err != 0 {
		return 0, err
	}
	var n int
	if write {
		n, err = ub.Uiowrite(*buf)
	} else {
		n, err = ub.Uioread(*buf)
	}
	cur.uva += uintptr(n)
	cur.sz -= n
	if cur.sz == 0 {
		iv.iovs = iv.iovs[1:]
	}
	*buf = (*buf)[n:]
	return n, err
}

/// Uioread scatters dst across the iovec sequence.
func (iv *UserIOVec) Uioread(dst []byte) (int, defs.Err_t) { return iv.tx(dst, false) }

/// Uiowrite gathers src from the iovec sequence.
func (iv *UserIOVec) Uiowrite(src []byte) (int, defs.Err_t) { return iv.tx(src, true) }

/// FakeBuf implements the same io surface as UserBuf over an ordinary
/// kernel-resident slice, for call sites that need to treat internal
/// memory as if it were a user buffer (the stubfs tests feed File
/// Read/Write through it, for instance).
type FakeBuf struct {
	buf []byte
	len int
}

/// NewFakeBuf wraps buf for sequential draining.
func NewFakeBuf(buf []byte) *FakeBuf {
	return &FakeBuf{buf: buf, len: len(buf)}
}

func (fb *FakeBuf) Remain() int   { return len(fb.buf) }
func (fb *FakeBuf) Totalsz() int  { return fb.len }

func (fb *FakeBuf) tx(buf []byte, toFbuf bool) (int, defs.Err_t) {
	var n int
	if toFbuf {
		n = copy(fb.buf, buf)
	} else {
		n = copy(buf, fb.buf)
	}
	fb.buf = fb.buf[n:]
	return n, 0
}

func (fb *FakeBuf) Uioread(dst []byte) (int, defs.Err_t)  { return fb.tx(dst, false) }
func (fb *FakeBuf) Uiowrite(src []byte) (int, defs.Err_t) { return fb.tx(src, true) }

/// IOReadWriter is the capability the async-call poller and the
/// synchronous read/write syscalls share: something that can drain
/// into or fill from a byte slice, regardless of whether the backing
/// store is a single user range, a gather/scatter iovec, or a plain
/// kernel buffer.
type IOReadWriter interface {
	Uioread([]byte) (int, defs.Err_t)
	Uiowrite([]byte) (int, defs.Err_t)
	Remain() int
	Totalsz() int
}

var (
	_ IOReadWriter = (*UserBuf)(nil)
	_ IOReadWriter = (*UserIOVec)(nil)
	_ IOReadWriter = (*FakeBuf)(nil)
)

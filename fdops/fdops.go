// Package fdops defines the capability surface a file descriptor's
// underlying object must implement, and the user-memory transfer
// interface that read/write paths use to move bytes across the
// user/kernel boundary without depending on the concrete buffer kind
// (single range, iovec, or a kernel-resident fake buffer).
package fdops

import "acore/defs"

/// Userio_i is satisfied by vm.UserBuf, vm.UserIOVec, and vm.FakeBuf.
/// Defined here rather than imported from vm so that fdops does not
/// depend on the vm package -- only on the shape its callers already
/// have.
type Userio_i interface {
	Uioread(dst []byte) (int, defs.Err_t)
	Uiowrite(src []byte) (int, defs.Err_t)
	Remain() int
	Totalsz() int
}

/// Fdops_i is the operation set every open file descriptor's backing
/// object implements (§4.9/§4.10: the file object the Read/Write/
/// Open/Close async opcodes and their synchronous syscall
/// counterparts operate on).
type Fdops_i interface {
	/// Read transfers into dst starting at offset off, returning
	/// bytes moved.
	Read(dst Userio_i, off int) (int, defs.Err_t)
	/// Write transfers from src at offset off.
	Write(src Userio_i, off int) (int, defs.Err_t)
	/// Close releases this descriptor's reference to the underlying
	/// object, freeing it once the last reference is gone.
	Close() defs.Err_t
	/// Reopen increments the underlying object's reference count so
	/// that a duplicated descriptor (dup, fork) can be closed
	/// independently.
	Reopen() defs.Err_t
}

package defs

/// Syscall numbers for the synchronous surface (§4.9/§6). Stable once
/// published: user code and the kernel agree on these values across
/// the trap boundary, so they are never renumbered, only appended to.
const (
	SysRead uintptr = iota
	SysWrite
	SysOpenat
	SysClose
	SysSchedYield
	SysGetpid
	SysExit
	SysSetupAsyncCall
)

// Command kernel wires the address-space, scheduling, trap, and
// syscall collaborators together the way the boot sequence would
// (§2), short of the parts this module puts out of scope: the
// bootloader, SBI/console I/O, and ELF loading. Those three
// collaborators are represented here by small stand-ins so the wiring
// itself -- what every CPU does once it reaches Go code -- is real.
package main

import (
	"log"

	"golang.org/x/sync/errgroup"

	"acore/defs"
	"acore/fd"
	"acore/mem"
	"acore/pgtbl"
	"acore/sched"
	"acore/stubfs"
	"acore/syscall"
	"acore/thread"
	"acore/trap"
	"acore/vm"
)

// ioCPU is the CPU dedicated to running async-call pollers (§2: "one
// core is dedicated to processing the submission ring"); normalCPU
// runs ordinary user/kernel threads. Each gets its own goroutine
// running its own executor, the Go stand-in for "multiple CPUs run
// their own executors in parallel" (§5) -- no work ever crosses
// between them (Non-goal: SMP work-stealing).
const (
	ioCPU     = 0
	normalCPU = 1
)

// bootContext is a placeholder thread.Context for a thread before any
// real architecture backend exists to trap into and out of user mode.
// It traps exactly once, with TrapUnknown, which the trap dispatcher
// treats as fatal -- enough to prove the wiring without pretending to
// run user code this module never receives (Non-goal: register
// save/restore, §1).
type bootContext struct {
	ran bool
}

func (c *bootContext) SetIP(uintptr)          {}
func (c *bootContext) SetSP(uintptr)          {}
func (c *bootContext) SetTLS(uintptr)         {}
func (c *bootContext) SyscallNum() uintptr    { return 0 }
func (c *bootContext) SyscallArg(int) uintptr { return 0 }
func (c *bootContext) SetSyscallRet(uintptr)  {}
func (c *bootContext) AdvancePastSyscall()    {}
func (c *bootContext) Run() defs.TrapReason {
	c.ran = true
	return defs.TrapReason{Kind: defs.TrapUnknown}
}

func main() {
	// Stand-in for get_phys_memory_regions()/Configure (§6): a small
	// simulated arena big enough to hold a handful of threads' address
	// spaces and ring buffers.
	const numFrames = 4096
	alloc := mem.NewAllocator(0, numFrames)
	mem.Configure(mem.Config{
		UserVirtAddrLimit: 1 << 30,
	})

	kpt, err := pgtbl.New(alloc)
	if err != 0 {
		log.Fatalf("kernel page table: %v", err)
	}
	kas := vm.New(kpt, vm.Kernel, normalCPU)

	ioExec := sched.NewExecutor()
	sched.RegisterExecutor(ioCPU, ioExec)
	normalExec := sched.NewExecutor()
	sched.RegisterExecutor(normalCPU, normalExec)

	// Stand-in for the filesystem beyond a stub (§1 Non-goals): a
	// host-directory-backed namespace, rooted wherever the caller
	// points it.
	fs := stubfs.New(".")
	sysTable := syscall.NewTable(fs, alloc, ioCPU)

	pool := thread.NewPool()
	th, err := pool.Alloc(func(id thread.Tid) *thread.Thread {
		upt, perr := pgtbl.New(alloc)
		if perr != 0 {
			log.Fatalf("user page table: %v", perr)
		}
		upt.MapKernel(kas.PageTable())
		uas := vm.New(upt, vm.User, normalCPU)
		return thread.New(id, normalCPU, true, &bootContext{}, uas, fd.NewTable())
	})
	if err != 0 {
		log.Fatalf("alloc boot thread: %v", err)
	}

	trapFut := trap.NewFuture(th, sysTable)
	tid := th.ID
	switchFut := sched.NewSwitchFuture(normalCPU, th, th.AddressSpace(), trapFut, func() { pool.Drop(tid) })
	normalExec.Spawn(switchFut)

	var g errgroup.Group
	g.Go(func() error { normalExec.RunUntilIdle(); return nil })
	g.Go(func() error { ioExec.RunUntilIdle(); return nil })
	if err := g.Wait(); err != nil {
		log.Fatalf("executor group: %v", err)
	}

	log.Printf("boot thread %d settled in state %s", th.ID, th.State())
}

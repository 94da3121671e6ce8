// Package proc implements the process model: a bounded
// process table, fork (clone space + duplicate I/O table with refcount
// bumps), exec (unmap + ELF load + enter user), and exit (reclaim +
// close fds). Grounded on original_source/src/kern/process.c's
// proctab[NPROC]/procmgr_init/process_exec/process_exit shape -- slot 0
// is always the main process reusing the boot thread, process_exec
// unmaps then elf_loads then jumps to user mode, and process_exit
// reclaims the memory space (skipped for main) before closing every
// entry of iotab and exiting the thread -- generalized with fork, which
// original_source's retrieved process.c does not itself implement, per
// explicit fork algorithm and biscuit's Tid_t-keyed
// parent/child bookkeeping (biscuit/src/tinfo/tinfo.go) for resolving
// cross-process references without pointer cycles.
package proc

import (
	"github.com/Ziheng-Qi/IlliniX/defs"
	"github.com/Ziheng-Qi/IlliniX/elf"
	"github.com/Ziheng-Qi/IlliniX/ioendpoint"
	"github.com/Ziheng-Qi/IlliniX/kconfig"
	"github.com/Ziheng-Qi/IlliniX/mem"
	"github.com/Ziheng-Qi/IlliniX/sched"
	"github.com/Ziheng-Qi/IlliniX/vm"
)

// MainPID is the process table slot reserved for the main kernel process,
// which reuses the boot thread: slot 0 is the main kernel
// process, reusing the boot thread.
const MainPID = 0

// Process is one entry of the process table ("Process": tuple of
// pid, tid, memory-space tag, I/O table).
type Process struct {
	Pid   defs.Pid_t
	Tid   defs.Tid_t
	Space *vm.Space

	iotab [kconfig.FDMAX]ioendpoint.Endpoint
	inUse bool
}

// Table is the bounded process table of NPROC slots.
type Table struct {
	alloc *mem.Allocator
	sched *sched.Scheduler
	procs [kconfig.NPROC]Process
}

// NewTable constructs an empty table and installs the main process into
// slot 0, bound to the scheduler's idle/boot thread and the already-built
// main memory space (original_source's procmgr_init: "main
// process always have pid 0; main thread always have tid 0").
func NewTable(alloc *mem.Allocator, s *sched.Scheduler, mainSpace *vm.Space) *Table {
	t := &Table{alloc: alloc, sched: s}
	t.procs[MainPID] = Process{Pid: MainPID, Tid: s.Idle(), Space: mainSpace, inUse: true}
	return t
}

// Main returns the main process.
func (t *Table) Main() *Process { return &t.procs[MainPID] }

// ByPid returns the process in slot pid, or nil if the slot is free.
func (t *Table) ByPid(pid defs.Pid_t) *Process {
	if int(pid) < 0 || int(pid) >= len(t.procs) {
		return nil
	}
	if !t.procs[pid].inUse {
		return nil
	}
	return &t.procs[pid]
}

func (t *Table) allocSlot() (defs.Pid_t, defs.Err_t) {
	for i := range t.procs {
		if !t.procs[i].inUse {
			return defs.Pid_t(i), 0
		}
	}
	return defs.NoPid, defs.EBUSY
}

// FD table operations.

// Install records io at the given fd, or the first free slot if fd<0
// (devopen/fsopen: "into fd (or first free slot if fd<0)").
func (p *Process) Install(fd int, io ioendpoint.Endpoint) (int, defs.Err_t) {
	if fd < 0 {
		for i := range p.iotab {
			if p.iotab[i] == nil {
				fd = i
				break
			}
		}
		if fd < 0 {
			return 0, defs.EBUSY
		}
	}
	if fd >= kconfig.FDMAX {
		return 0, defs.EBADFD
	}
	if p.iotab[fd] != nil {
		return 0, defs.EBUSY
	}
	p.iotab[fd] = io
	return fd, 0
}

// Endpoint returns the I/O endpoint installed at fd, or EBADFD.
func (p *Process) Endpoint(fd int) (ioendpoint.Endpoint, defs.Err_t) {
	if fd < 0 || fd >= kconfig.FDMAX || p.iotab[fd] == nil {
		return nil, defs.EBADFD
	}
	return p.iotab[fd], 0
}

// CloseFD drops and closes the endpoint at fd (close: "drop
// endpoint from fd, close it").
func (p *Process) CloseFD(fd int) defs.Err_t {
	io, err := p.Endpoint(fd)
	if err != 0 {
		return err
	}
	p.iotab[fd] = nil
	return io.Close()
}

// Exec unmaps/frees the current user mappings, loads the ELF image read
// from io into a fresh layout, and returns the entry point for the boot
// glue's user-mode-entry primitive to jump to: it unmaps and frees
// the current user mappings, calls the ELF loader, and jumps to user
// mode at the loaded entry with the stack pointer set to USER_STACK_VMA
// -- an assembly primitive that sets SPP=user, SPIE=1, SEPC=entry,
// SP=user stack, then sret"). The sret itself is outside this module's
// scope; Exec returns (entry, userStackVMA, 0) for the boot
// glue to consume. Does not return an error on success because the
// caller never returns to kernel code past a successful exec in the
// original shape; returning explicitly here simply keeps the Go call
// convention uniform with every other operation in this package.
func (p *Process) Exec(self *sched.Thread, io ioendpoint.Endpoint) (entry uintptr, userStackVMA uintptr, err defs.Err_t) {
	p.Space.UnmapAndFreeUser()
	entry, err = elf.Load(self, io, p.Space)
	if err != 0 {
		return 0, 0, err
	}
	return entry, kconfig.USERSTACKVMA, 0
}

// Fork finds a free process slot, clones the parent's memory space
// (every user mapping duplicated into freshly allocated physical pages
// with byte-identical contents), copies the I/O table incrementing each
// endpoint's reference count, and spawns a kernel thread running entry
//. entry is the caller-supplied trampoline that reproduces
// "a copy of parent_frame with register a0 replaced by 0" for the
// child's first return to user mode; this package has no register-frame
// type of its own (trap-vector assembly is out of scope), so it
// is the trap package's job to build that trampoline and pass it here.
// Returns the child's pid to the parent.
func (t *Table) Fork(self *sched.Thread, parent *Process, entry func(child *sched.Thread)) (defs.Pid_t, defs.Err_t) {
	childPid, err := t.allocSlot()
	if err != 0 {
		return defs.NoPid, err
	}

	childSpace, err := cloneSpace(t.alloc, parent.Space)
	if err != 0 {
		return defs.NoPid, err
	}

	child := &t.procs[childPid]
	*child = Process{Pid: childPid, Space: childSpace, inUse: true}
	for i, io := range parent.iotab {
		if io == nil {
			continue
		}
		if err := io.Reopen(); err != 0 {
			return defs.NoPid, err
		}
		child.iotab[i] = io
	}

	childThread := t.sched.Spawn("fork-child", self.Tid, entry)
	child.Tid = childThread.Tid
	return childPid, 0
}

// cloneSpace duplicates every user mapping in src into a fresh space,
// allocating a new physical page per mapped leaf and copying its bytes
// verbatim: every user mapping is duplicated into freshly
// allocated physical pages with byte-identical contents.
func cloneSpace(alloc *mem.Allocator, src *vm.Space) (*vm.Space, defs.Err_t) {
	dst := vm.NewSpace(alloc)
	err := vm.CopyUserRange(alloc, src, dst, kconfig.USERSTART, kconfig.USEREND)
	if err != 0 {
		return nil, err
	}
	return dst, 0
}

// mmuFor is a scratch MMU used only to satisfy Space.Reclaim's interface;
// this package has no long-lived MMU of its own (the boot glue owns the
// real one), so Exit constructs a throwaway one pinned at the main
// space's tag for the duration of the reclaim call.
func mmuFor(mainTag vm.Tag) *vm.MMU { return vm.NewMMU(mainTag) }

// Exit reclaims the memory space (unless this is the main process),
// closes every I/O endpoint in the table, and exits the calling thread:
// exit reclaims the process's memory space (unless it is main), closes
// every I/O endpoint in the table, and exits the calling thread.
// Before exiting, any still-unwaited children are reparented to the main
// process slot (supplemented feature, original_source's
// process.c reparent-on-exit behavior) so a later join_any against the
// main process can still reap them.
func (t *Table) Exit(self *sched.Thread, p *Process, code defs.Err_t) {
	t.reparentChildren(p)

	if p.Pid != MainPID {
		mainTag := t.Main().Space.Tag()
		p.Space.Reclaim(mmuFor(mainTag), mainTag)
	}
	for i, io := range p.iotab {
		if io == nil {
			continue
		}
		io.Close()
		p.iotab[i] = nil
	}
	p.inUse = false
	self.SetExitCode(code)
	t.sched.Exit(self)
}

// reparentChildren walks the process table for any process whose thread's
// Parent is self's thread and rewrites that parent link to the main
// process's thread, matching original_source's process.c behavior of
// handing off orphans to the main process rather than leaving them
// unreachable once their parent's slot is freed.
func (t *Table) reparentChildren(p *Process) {
	mainTid := t.Main().Tid
	for i := range t.procs {
		if !t.procs[i].inUse || t.procs[i].Pid == p.Pid {
			continue
		}
		child := t.sched.Thread(t.procs[i].Tid)
		if child != nil && child.Parent == p.Tid {
			child.Parent = mainTid
		}
	}
}

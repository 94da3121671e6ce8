// Package trap implements the exception decode and syscall dispatch
// table: a trap frame holding a0-a7 and sepc, an
// exception-cause decode routing store-page-fault to the memory
// manager and ecall-from-U to the syscall table, and the syscall table
// itself (exit, msgout, devopen, fsopen, close, read, write, ioctl,
// exec, fork, wait, usleep). Grounded on original_source's
// excp.c (umode_excp_handler's three-way switch: ecall-from-U to
// syscall_handler, store-page-fault to memory_handle_page_fault,
// everything else to the default handler) and syscall.c (tfr->x[TFR_A7]
// dispatch, return values written back into tfr->x[TFR_A0]). Where the
// two disagree -- excp.c's default handler unconditionally panics the
// whole kernel, while tier 2 makes every user-mode exception
// except store-page-fault merely process-fatal -- this package follows
// this text: only a supervisor-mode exception panics (tier 3); any
// other user-mode exception terminates the offending process (tier 2).
package trap

import (
	"log/slog"

	"github.com/Ziheng-Qi/IlliniX/defs"
	"github.com/Ziheng-Qi/IlliniX/flatfs"
	"github.com/Ziheng-Qi/IlliniX/ioendpoint"
	"github.com/Ziheng-Qi/IlliniX/kconfig"
	"github.com/Ziheng-Qi/IlliniX/kpanic"
	"github.com/Ziheng-Qi/IlliniX/pte"
	"github.com/Ziheng-Qi/IlliniX/proc"
	"github.com/Ziheng-Qi/IlliniX/sched"
)

// Frame is the saved trap frame a trap entry hands to the kernel: the
// eight syscall argument/return registers
// and the saved program counter. Every other register is assumed dead
// across a trap and is not
// modeled here -- callee-saves belong to the boot glue's assembly trap
// vector (out of scope).
type Frame struct {
	A0, A1, A2, A3, A4, A5, A6, A7 uint64
	Sepc                           uint64
	// Sp is the saved user stack pointer (x2), tracked alongside sepc
	// because exec must set it to USER_STACK_VMA for the boot glue's
	// sret primitive even though it plays no role in the
	// syscall ABI itself.
	Sp uint64
}

// Mode is the privilege level the trapped instruction executed in.
type Mode int

const (
	SMode Mode = iota
	UMode
)

// Cause is a supervisor-mode exception cause code (scause, exception
// bit clear), using the standard RISC-V privileged architecture's
// numbering that excp.c's excp_names table is indexed by.
type Cause uint

const (
	InstrAddrMisaligned Cause = 0
	InstrAccessFault    Cause = 1
	IllegalInstr        Cause = 2
	Breakpoint          Cause = 3
	LoadAddrMisaligned  Cause = 4
	LoadAccessFault     Cause = 5
	StoreAddrMisaligned Cause = 6
	StoreAccessFault    Cause = 7
	EcallFromUMode      Cause = 8
	EcallFromSMode      Cause = 9
	InstrPageFault      Cause = 12
	LoadPageFault       Cause = 13
	StorePageFault      Cause = 15
)

func (c Cause) String() string {
	switch c {
	case InstrAddrMisaligned:
		return "misaligned instruction address"
	case InstrAccessFault:
		return "instruction access fault"
	case IllegalInstr:
		return "illegal instruction"
	case Breakpoint:
		return "breakpoint"
	case LoadAddrMisaligned:
		return "misaligned load address"
	case LoadAccessFault:
		return "load access fault"
	case StoreAddrMisaligned:
		return "misaligned store address"
	case StoreAccessFault:
		return "store access fault"
	case EcallFromUMode:
		return "environment call from U mode"
	case EcallFromSMode:
		return "environment call from S mode"
	case InstrPageFault:
		return "instruction page fault"
	case LoadPageFault:
		return "load page fault"
	case StorePageFault:
		return "store page fault"
	default:
		return "unknown exception"
	}
}

// Syscall numbers (scnum.h).
const (
	SysExit    = 0
	SysMsgout  = 1
	SysDevopen = 10
	SysFsopen  = 11
	SysClose   = 20
	SysRead    = 21
	SysWrite   = 22
	SysIoctl   = 23
	SysExec    = 30
	SysFork    = 31
	SysWait    = 32
	SysUsleep  = 33
)

// readPerm/writePerm are the permission bits a user pointer must carry
// to be read from or written into by the kernel.
const readPerm = pte.U | pte.R
const writePerm = pte.U | pte.W

// maxMsgLen bounds a msgout string's length so a misbehaving user
// program cannot force an unbounded byte-at-a-time page walk.
const maxMsgLen = 256

// Dispatcher wires the syscall table to the concrete subsystems it
// delegates to: the process table, the mounted flat filesystem, a
// caller-supplied device-open resolver (devopen has no
// fixed device set of its own, just "device_open(name, instno)"), and
// the alarm queue backing usleep.
type Dispatcher struct {
	Procs  *proc.Table
	Sched  *sched.Scheduler
	FS     *flatfs.FS
	Alarms *sched.AlarmQueue

	// OpenDevice resolves a device name and instance number to a fresh
	// I/O endpoint (devopen). nil rejects every devopen
	// with ENODEV-equivalent ENOTSUP.
	OpenDevice func(name string, instno int) (ioendpoint.Endpoint, defs.Err_t)

	// OnChildStart, if set, is invoked on the child's own thread right
	// after Fork spawns it, with the saved register frame (a0 forced
	// to 0) the child should resume user mode with. This is the hook a
	// real boot glue's sret primitive would consume; this package only
	// builds the frame -- a copy of parent_frame with
	// register a0 replaced by 0 -- it never performs the mode switch
	// itself (out of scope).
	OnChildStart func(child *sched.Thread, frame Frame)
}

// Handle decodes a trapped exception and routes it (first
// paragraph): ecall-from-U dispatches through the syscall table,
// store-page-fault in U mode demand-pages, everything else in U mode
// terminates the process (tier 2), and anything trapped in S
// mode is kernel-fatal (tier 3). stval is the faulting address
// for a page fault; it is ignored for every other cause.
func (d *Dispatcher) Handle(self *sched.Thread, p *proc.Process, mode Mode, cause Cause, stval uintptr, f *Frame) {
	if mode == SMode {
		kpanic.Fatal("supervisor exception", "cause", cause.String(), "sepc", f.Sepc)
	}

	switch cause {
	case EcallFromUMode:
		f.Sepc += 4
		d.dispatch(self, p, f)
	case StorePageFault:
		if err := p.Space.HandlePageFault(stval); err != 0 {
			d.Procs.Exit(self, p, err)
		}
	default:
		d.Procs.Exit(self, p, defs.EINVAL)
	}
}

// dispatch reads the syscall number from a7 and runs the matching
// handler, writing its result back into a0: return values
// are written back to a0 in the trap frame; exit never returns.
func (d *Dispatcher) dispatch(self *sched.Thread, p *proc.Process, f *Frame) {
	switch f.A7 {
	case SysExit:
		d.Procs.Exit(self, p, defs.Err_t(int32(f.A0)))
	case SysMsgout:
		f.A0 = uint64(int32(d.sysmsgout(self, p, f)))
	case SysDevopen:
		f.A0 = uint64(int32(d.sysdevopen(self, p, f)))
	case SysFsopen:
		f.A0 = uint64(int32(d.sysfsopen(self, p, f)))
	case SysClose:
		f.A0 = uint64(int32(p.CloseFD(int(int32(f.A0)))))
	case SysRead:
		f.A0 = uint64(int32(d.sysread(self, p, f)))
	case SysWrite:
		f.A0 = uint64(int32(d.syswrite(self, p, f)))
	case SysIoctl:
		f.A0 = uint64(int32(d.sysioctl(self, p, f)))
	case SysExec:
		f.A0 = uint64(int32(d.sysexec(self, p, f)))
	case SysFork:
		f.A0 = uint64(int32(d.sysfork(self, p, f)))
	case SysWait:
		f.A0 = uint64(int32(d.syswait(self, p, f)))
	case SysUsleep:
		f.A0 = uint64(int32(d.sysusleep(self, f)))
	default:
		err := defs.ENOTSUP
		f.A0 = uint64(int32(err))
	}
	if f.A7 != SysExit && int32(f.A0) < 0 {
		slog.Default().Debug("syscall error", "syscall", f.A7, "err", defs.Err_t(int32(f.A0)))
	}
}

func (d *Dispatcher) sysmsgout(self *sched.Thread, p *proc.Process, f *Frame) defs.Err_t {
	msg, err := p.Space.ValidateStr(uintptr(f.A0), readPerm, maxMsgLen)
	if err != 0 {
		return err
	}
	slog.Default().Info(msg)
	return 0
}

func (d *Dispatcher) sysdevopen(self *sched.Thread, p *proc.Process, f *Frame) defs.Err_t {
	name, err := p.Space.ValidateStr(uintptr(f.A1), readPerm, kconfig.DNAMELEN)
	if err != 0 {
		return err
	}
	if d.OpenDevice == nil {
		return defs.ENOTSUP
	}
	io, err := d.OpenDevice(name, int(int32(f.A2)))
	if err != 0 {
		return err
	}
	fd, err := p.Install(int(int32(f.A0)), io)
	if err != 0 {
		io.Close()
		return err
	}
	return defs.Err_t(fd)
}

func (d *Dispatcher) sysfsopen(self *sched.Thread, p *proc.Process, f *Frame) defs.Err_t {
	name, err := p.Space.ValidateStr(uintptr(f.A1), readPerm, kconfig.DNAMELEN)
	if err != 0 {
		return err
	}
	if d.FS == nil {
		return defs.ENOTSUP
	}
	file, err := d.FS.Open(self, name)
	if err != 0 {
		return err
	}
	fd, err := p.Install(int(int32(f.A0)), file)
	if err != 0 {
		file.Close()
		return err
	}
	return defs.Err_t(fd)
}

func (d *Dispatcher) sysread(self *sched.Thread, p *proc.Process, f *Frame) defs.Err_t {
	fd := int(int32(f.A0))
	vp, n := uintptr(f.A1), int(int32(f.A2))
	if err := p.Space.ValidatePtrLen(vp, n, writePerm); err != 0 {
		return err
	}
	io, err := p.Endpoint(fd)
	if err != 0 {
		return err
	}
	buf := make([]byte, n)
	got, err := io.Read(self, buf)
	if err != 0 {
		return err
	}
	p.Space.CopyIn(vp, buf[:got])
	return defs.Err_t(got)
}

func (d *Dispatcher) syswrite(self *sched.Thread, p *proc.Process, f *Frame) defs.Err_t {
	fd := int(int32(f.A0))
	vp, n := uintptr(f.A1), int(int32(f.A2))
	if err := p.Space.ValidatePtrLen(vp, n, readPerm); err != 0 {
		return err
	}
	io, err := p.Endpoint(fd)
	if err != 0 {
		return err
	}
	buf := make([]byte, n)
	p.Space.CopyOut(vp, buf)
	put, err := io.Write(self, buf)
	if err != 0 {
		return err
	}
	return defs.Err_t(put)
}

func (d *Dispatcher) sysioctl(self *sched.Thread, p *proc.Process, f *Frame) defs.Err_t {
	io, err := p.Endpoint(int(int32(f.A0)))
	if err != 0 {
		return err
	}
	ret, err := io.Ioctl(self, int(int32(f.A1)), int(int32(f.A2)))
	if err != 0 {
		return err
	}
	return defs.Err_t(ret)
}

func (d *Dispatcher) sysexec(self *sched.Thread, p *proc.Process, f *Frame) defs.Err_t {
	io, err := p.Endpoint(int(int32(f.A0)))
	if err != 0 {
		return err
	}
	entry, sp, err := p.Exec(self, io)
	if err != 0 {
		return err
	}
	*f = Frame{Sepc: uint64(entry), Sp: uint64(sp)}
	return 0
}

func (d *Dispatcher) sysfork(self *sched.Thread, p *proc.Process, f *Frame) defs.Err_t {
	childFrame := *f
	childFrame.A0 = 0
	entry := func(child *sched.Thread) {
		if d.OnChildStart != nil {
			d.OnChildStart(child, childFrame)
		}
	}
	pid, err := d.Procs.Fork(self, p, entry)
	if err != 0 {
		return err
	}
	return defs.Err_t(pid)
}

// syswait implements thread_join(tid)/thread_join_any (// wait). A tid of 0 joins any child, returning the reaped child's tid;
// a nonzero tid joins that specific thread, returning its exit code.
// Unlike sched.Join, which panics on an unknown tid, this validates
// that tid both exists and is a child of self first -- a bad syscall
// argument from user code must stay recoverable (tier 1), not
// escalate into a kernel panic.
func (d *Dispatcher) syswait(self *sched.Thread, p *proc.Process, f *Frame) defs.Err_t {
	tid := defs.Tid_t(int32(f.A0))
	if tid == 0 {
		child, err := d.Sched.JoinAny(self)
		if err != 0 {
			return err
		}
		return defs.Err_t(child)
	}
	target := d.Sched.Thread(tid)
	if target == nil || target.Parent != self.Tid {
		return defs.ENOENT
	}
	return d.Sched.Join(self, tid)
}

func (d *Dispatcher) sysusleep(self *sched.Thread, f *Frame) defs.Err_t {
	usecs := uint64(f.A0)
	ticks := usecs / kconfig.TickMicros
	if usecs%kconfig.TickMicros != 0 || ticks == 0 {
		ticks++ // round up so "at least" usecs always holds
	}
	d.Alarms.Sleep(self, ticks)
	return 0
}

package proc

import (
	"testing"
	"time"

	"github.com/Ziheng-Qi/IlliniX/defs"
	"github.com/Ziheng-Qi/IlliniX/ioendpoint"
	"github.com/Ziheng-Qi/IlliniX/kconfig"
	"github.com/Ziheng-Qi/IlliniX/mem"
	"github.com/Ziheng-Qi/IlliniX/sched"
	"github.com/Ziheng-Qi/IlliniX/vm"
)

// fakeEndpoint is a minimal ioendpoint.Endpoint test double that tracks
// its own reference count observably, for the fork I/O sharing scenario
//.
type fakeEndpoint struct {
	ioendpoint.Header
}

func newFakeEndpoint() *fakeEndpoint { return &fakeEndpoint{Header: ioendpoint.NewHeader()} }

func (f *fakeEndpoint) Read(self *sched.Thread, buf []byte) (int, defs.Err_t)  { return 0, 0 }
func (f *fakeEndpoint) Write(self *sched.Thread, buf []byte) (int, defs.Err_t) { return len(buf), 0 }
func (f *fakeEndpoint) Ioctl(self *sched.Thread, cmd int, arg int) (int, defs.Err_t) {
	return 0, defs.ENOTSUP
}
func (f *fakeEndpoint) Reopen() defs.Err_t { f.IncRef(); return 0 }
func (f *fakeEndpoint) Close() defs.Err_t  { f.DecRef(); return 0 }

func newTestTable(t *testing.T) (*Table, *mem.Allocator, *sched.Scheduler) {
	t.Helper()
	ram := mem.NewRAM(kconfig.RAMSTART, 256)
	alloc := mem.NewAllocator(ram)
	alloc.Seed(ram.Start(), ram.NPages())
	s := sched.New()
	mainSpace := vm.NewSpace(alloc)
	tbl := NewTable(alloc, s, mainSpace)
	return tbl, alloc, s
}

func TestInstallFirstFreeSlot(t *testing.T) {
	tbl, _, _ := newTestTable(t)
	p := tbl.Main()
	io := newFakeEndpoint()

	fd, err := p.Install(-1, io)
	if err != 0 {
		t.Fatalf("install failed: %v", err)
	}
	if fd != 0 {
		t.Fatalf("want fd 0, got %d", fd)
	}
	got, err := p.Endpoint(fd)
	if err != 0 || got != io {
		t.Fatalf("endpoint lookup failed: %v", err)
	}
}

func TestInstallExplicitFDRejectsBusySlot(t *testing.T) {
	tbl, _, _ := newTestTable(t)
	p := tbl.Main()
	if _, err := p.Install(3, newFakeEndpoint()); err != 0 {
		t.Fatalf("install failed: %v", err)
	}
	if _, err := p.Install(3, newFakeEndpoint()); err != defs.EBUSY {
		t.Fatalf("want EBUSY, got %v", err)
	}
}

func TestCloseFDDecrementsRefcount(t *testing.T) {
	tbl, _, _ := newTestTable(t)
	p := tbl.Main()
	io := newFakeEndpoint()
	fd, _ := p.Install(-1, io)

	if err := p.CloseFD(fd); err != 0 {
		t.Fatalf("close failed: %v", err)
	}
	if io.Count() != 0 {
		t.Fatalf("want refcount 0 after close, got %d", io.Count())
	}
	if _, err := p.Endpoint(fd); err != defs.EBADFD {
		t.Fatalf("want EBADFD after close, got %v", err)
	}
}

// TestForkSharesIOTableWithRefcount exercises scenario 6: "Parent
// opens file fd=0, forks. Both parent and child observe reference count =
// 2. After child exits and parent waits, refcount = 1."
func TestForkSharesIOTableWithRefcount(t *testing.T) {
	tbl, _, s := newTestTable(t)
	parent := tbl.Main()
	idle := s.Thread(s.Idle())

	io := newFakeEndpoint()
	fd, err := parent.Install(0, io)
	if err != 0 || fd != 0 {
		t.Fatalf("install failed: %v", err)
	}

	childDone := make(chan struct{})
	childPid, err := tbl.Fork(idle, parent, func(childThread *sched.Thread) {
		close(childDone)
	})
	if err != 0 {
		t.Fatalf("fork failed: %v", err)
	}
	child := tbl.ByPid(childPid)
	if child == nil {
		t.Fatalf("child process slot not found")
	}
	if io.Count() != 2 {
		t.Fatalf("want refcount 2 after fork, got %d", io.Count())
	}

	select {
	case <-childDone:
	case <-time.After(time.Second):
		t.Fatalf("child body never ran")
	}

	tbl.Exit(s.Thread(child.Tid), child, 0)
	if io.Count() != 1 {
		t.Fatalf("want refcount 1 after child exit, got %d", io.Count())
	}
}

func TestExitReparentsUnwaitedChildrenToMain(t *testing.T) {
	tbl, _, s := newTestTable(t)
	parent := tbl.Main()
	idle := s.Thread(s.Idle())

	midPid, err := tbl.Fork(idle, parent, func(self *sched.Thread) {
		<-make(chan struct{}) // block forever; this test reaps it manually
	})
	if err != 0 {
		t.Fatalf("fork (mid) failed: %v", err)
	}
	mid := tbl.ByPid(midPid)

	grandPid, err := tbl.Fork(s.Thread(mid.Tid), mid, func(self *sched.Thread) {
		<-make(chan struct{})
	})
	if err != 0 {
		t.Fatalf("fork (grandchild) failed: %v", err)
	}
	grand := tbl.ByPid(grandPid)

	tbl.Exit(s.Thread(mid.Tid), mid, 0)

	grandThread := s.Thread(grand.Tid)
	if grandThread.Parent != tbl.Main().Tid {
		t.Fatalf("want grandchild reparented to main (tid %v), got parent %v", tbl.Main().Tid, grandThread.Parent)
	}
}

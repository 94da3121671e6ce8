// Package selftest is the pure-Go equivalent of the original kernel's
// rubric_tests.c/main_tests.c battery (original_source/src/kern): a
// fixed list of boundary and concrete scenarios run against the library
// packages directly, with no hardware or QEMU needed, reporting
// pass/fail per scenario the way the original prints an assert trail
// and a final "All tests passed!" line. cmd/selftest wraps RunAll as a
// standalone report; `go test` exercises the same scenarios through
// TestScenarios in selftest_test.go.
package selftest

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/Ziheng-Qi/IlliniX/defs"
	"github.com/Ziheng-Qi/IlliniX/elf"
	"github.com/Ziheng-Qi/IlliniX/flatfs"
	"github.com/Ziheng-Qi/IlliniX/ioendpoint"
	"github.com/Ziheng-Qi/IlliniX/kconfig"
	"github.com/Ziheng-Qi/IlliniX/mem"
	"github.com/Ziheng-Qi/IlliniX/memdev"
	"github.com/Ziheng-Qi/IlliniX/pipe"
	"github.com/Ziheng-Qi/IlliniX/proc"
	"github.com/Ziheng-Qi/IlliniX/pte"
	"github.com/Ziheng-Qi/IlliniX/sched"
	"github.com/Ziheng-Qi/IlliniX/trap"
	"github.com/Ziheng-Qi/IlliniX/virtioblk"
	"github.com/Ziheng-Qi/IlliniX/vm"
)

// Scenario is one named, self-contained check.
type Scenario struct {
	Name string
	Run  func() error
}

// Result is the outcome of running one Scenario.
type Result struct {
	Name string
	Err  error
}

// Report collects every scenario's outcome, mirroring the original's
// running assert trail plus a final summary line.
type Report struct {
	Results []Result
}

func (r Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

func (r Report) AllPassed() bool { return len(r.Failed()) == 0 }

func (r Report) String() string {
	s := ""
	for _, res := range r.Results {
		if res.Err != nil {
			s += fmt.Sprintf("FAIL %s: %v\n", res.Name, res.Err)
		} else {
			s += fmt.Sprintf("PASS %s\n", res.Name)
		}
	}
	if r.AllPassed() {
		s += "All tests passed!\n"
	} else {
		s += fmt.Sprintf("%d of %d scenarios failed\n", len(r.Failed()), len(r.Results))
	}
	return s
}

// Scenarios returns the full battery.
func Scenarios() []Scenario {
	return []Scenario{
		{"elf rejection (bad endianness)", scenarioELFRejection},
		{"out-of-range segment", scenarioOutOfRangeSegment},
		{"demand-paged store", scenarioDemandPagedStore},
		{"page permission downgrade", scenarioPagePermissionDowngrade},
		{"filesystem round-trip", scenarioFilesystemRoundTrip},
		{"fork I/O sharing", scenarioForkIOSharing},
		{"pipe order", scenarioPipeOrder},
		{"block device round-trip", scenarioBlockRoundTrip},
	}
}

// RunAll runs every scenario, recovering a kernel-fatal panic from any
// single one so the rest of the battery still runs (the original's
// halt_failure had no such luxury; a host test process does).
func RunAll() Report {
	var rep Report
	for _, sc := range Scenarios() {
		rep.Results = append(rep.Results, runOne(sc))
	}
	return rep
}

func runOne(sc Scenario) (res Result) {
	res.Name = sc.Name
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("panicked: %v", r)
		}
	}()
	res.Err = sc.Run()
	return
}

// newTestSpace builds a freshly seeded address space with npages
// available, the same harness shape vm's space_test.go and elf_test.go use.
func newTestSpace(npages int) *vm.Space {
	ram := mem.NewRAM(kconfig.RAMSTART, npages+16)
	a := mem.NewAllocator(ram)
	a.Seed(ram.Start()+1, npages+15)
	return vm.NewSpace(a)
}

// --- ELF64 header encoding, same field offsets elf.Load decodes ---
// standard ELF64 layout, not specific to any one toolchain.
const (
	elfEhdrSize  = 64
	elfPhdrSize  = 56
	elfClass64   = 2
	elfDataLE    = 1
	elfVersion   = 1
	elfPTLoad    = 1
	elfFlagRead  = 4
	elfFlagWrite = 2
	elfFlagExec  = 1
)

func buildELFImage(entry, vaddr uint64, segment []byte, flags uint32, bigEndian bool) []byte {
	buf := make([]byte, elfEhdrSize+elfPhdrSize+len(segment))
	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[4] = elfClass64
	if bigEndian {
		buf[5] = 2
	} else {
		buf[5] = elfDataLE
	}
	buf[6] = elfVersion
	binary.LittleEndian.PutUint64(buf[24:32], entry)
	binary.LittleEndian.PutUint64(buf[32:40], uint64(elfEhdrSize))
	binary.LittleEndian.PutUint16(buf[54:56], uint16(elfPhdrSize))
	binary.LittleEndian.PutUint16(buf[56:58], 1)

	ph := buf[elfEhdrSize : elfEhdrSize+elfPhdrSize]
	binary.LittleEndian.PutUint32(ph[0:4], elfPTLoad)
	binary.LittleEndian.PutUint32(ph[4:8], flags)
	binary.LittleEndian.PutUint64(ph[8:16], uint64(elfEhdrSize+elfPhdrSize))
	binary.LittleEndian.PutUint64(ph[16:24], vaddr)
	binary.LittleEndian.PutUint64(ph[32:40], uint64(len(segment)))

	copy(buf[elfEhdrSize+elfPhdrSize:], segment)
	return buf
}

// memImage is a minimal read-only ioendpoint.Endpoint backed by a byte
// slice, standing in for a flatfs file the way elf_test.go's memEndpoint
// does (this package cannot reach that unexported test helper, so it
// keeps its own copy of the same shape).
type memImage struct {
	ioendpoint.Header
	data []byte
	pos  int
}

var _ ioendpoint.Endpoint = (*memImage)(nil)

func newMemImage(data []byte) *memImage { return &memImage{Header: ioendpoint.NewHeader(), data: data} }

func (m *memImage) Read(self *sched.Thread, buf []byte) (int, defs.Err_t) {
	if m.pos >= len(m.data) {
		return 0, 0
	}
	n := copy(buf, m.data[m.pos:])
	m.pos += n
	return n, 0
}
func (m *memImage) Write(self *sched.Thread, buf []byte) (int, defs.Err_t) { return 0, defs.ENOTSUP }
func (m *memImage) Ioctl(self *sched.Thread, cmd int, arg int) (int, defs.Err_t) {
	switch cmd {
	case ioendpoint.CtlSetPos:
		m.pos = arg
		return 0, 0
	case ioendpoint.CtlLen:
		return len(m.data), 0
	default:
		return 0, defs.ENOTSUP
	}
}
func (m *memImage) Reopen() defs.Err_t { m.IncRef(); return 0 }
func (m *memImage) Close() defs.Err_t  { m.DecRef(); return 0 }

func expectErr(name string, got, want defs.Err_t) error {
	if got != want {
		return fmt.Errorf("%s: want %v, got %v", name, want, got)
	}
	return nil
}

// scenarioELFRejection is scenario 1.
func scenarioELFRejection() error {
	img := buildELFImage(uint64(kconfig.USERSTART), uint64(kconfig.USERSTART), []byte("x"), elfFlagRead, true)
	space := newTestSpace(16)
	_, err := elf.Load(nil, newMemImage(img), space)
	return expectErr("elf.Load", err, defs.EBADFMT)
}

// scenarioOutOfRangeSegment is scenario 2.
func scenarioOutOfRangeSegment() error {
	space := newTestSpace(16)
	img := buildELFImage(uint64(kconfig.RAMSTART), uint64(kconfig.RAMSTART), make([]byte, 64), elfFlagRead|elfFlagWrite, false)
	_, err := elf.Load(nil, newMemImage(img), space)
	return expectErr("elf.Load", err, defs.EINVAL)
}

// scenarioDemandPagedStore is scenario 3.
func scenarioDemandPagedStore() error {
	space := newTestSpace(16)
	addr := kconfig.USERSTART + 0x4000
	if err := space.HandlePageFault(addr); err != 0 {
		return fmt.Errorf("HandlePageFault: %v", err)
	}
	flags, err := space.PageFlags(addr)
	if err != 0 {
		return fmt.Errorf("PageFlags: %v", err)
	}
	want := pte.V | pte.R | pte.W | pte.U | pte.A | pte.D
	if flags&want != want {
		return fmt.Errorf("want PTE flags superset of %#x, got %#x", want, flags)
	}
	payload := []byte("selftest-page")
	space.CopyIn(addr, payload)
	readBack := make([]byte, len(payload))
	space.CopyOut(addr, readBack)
	if string(readBack) != string(payload) {
		return fmt.Errorf("read back %q, want %q", readBack, payload)
	}
	return nil
}

// scenarioPagePermissionDowngrade is scenario 4: a store into an
// R|X text segment must fault and exit the process, never silently
// demand-page over the existing mapping.
func scenarioPagePermissionDowngrade() error {
	space := newTestSpace(16)
	addr := kconfig.USERSTART
	img := buildELFImage(uint64(addr), uint64(addr), []byte("code...."), elfFlagRead|elfFlagExec, false)
	if _, err := elf.Load(nil, newMemImage(img), space); err != 0 {
		return fmt.Errorf("elf.Load: %v", err)
	}

	ram := mem.NewRAM(kconfig.RAMSTART, 32)
	alloc := mem.NewAllocator(ram)
	alloc.Seed(ram.Start(), ram.NPages())
	s := sched.New()
	tbl := proc.NewTable(alloc, s, space)
	p := tbl.Main()
	idle := s.Thread(s.Idle())

	d := &trap.Dispatcher{Procs: tbl, Sched: s}
	f := trap.Frame{}
	d.Handle(idle, p, trap.UMode, trap.StorePageFault, addr, &f)

	if p.Space != nil {
		if flags, err := space.PageFlags(addr); err == 0 && flags.Writable() {
			return fmt.Errorf("text page became writable after fault, flags=%#x", flags)
		}
	}
	return nil
}

// scenarioFilesystemRoundTrip is scenario 5.
func scenarioFilesystemRoundTrip() error {
	self := (*sched.Thread)(nil)
	const fname = "ioctl.txt"
	payload := []byte("[Chorus] bytes of the sample file go here......")

	names := []string{fname}
	boot, err := flatfs.EncodeBootBlock(names, 1)
	if err != 0 {
		return fmt.Errorf("EncodeBootBlock: %v", err)
	}
	inode, err := flatfs.EncodeInodeBlock(uint32(len(payload)), []uint32{2})
	if err != 0 {
		return fmt.Errorf("EncodeInodeBlock: %v", err)
	}
	dataBlock := make([]byte, kconfig.FSBLOCKSIZE)
	copy(dataBlock, payload)

	disk := memdev.New(append(append(append([]byte{}, boot...), inode...), dataBlock...))

	fs, err := flatfs.Mount(self, disk)
	if err != 0 {
		return fmt.Errorf("Mount: %v", err)
	}
	file, err := fs.Open(self, fname)
	if err != 0 {
		return fmt.Errorf("Open: %v", err)
	}
	got := make([]byte, 8)
	if n, err := file.Read(self, got); err != 0 || n != 8 {
		return fmt.Errorf("Read: n=%d err=%v", n, err)
	}
	if string(got) != string(payload[:8]) {
		return fmt.Errorf("want %q, got %q", payload[:8], got)
	}

	newBytes := []byte("reveal the ultimate secret")
	if _, err := file.Ioctl(self, ioendpoint.CtlSetPos, 10); err != 0 {
		return fmt.Errorf("setpos: %v", err)
	}
	if n, err := file.Write(self, newBytes); err != 0 || n != len(newBytes) {
		return fmt.Errorf("Write: n=%d err=%v", n, err)
	}
	if _, err := file.Ioctl(self, ioendpoint.CtlSetPos, 10); err != 0 {
		return fmt.Errorf("setpos: %v", err)
	}
	roundTrip := make([]byte, len(newBytes))
	if n, err := file.Read(self, roundTrip); err != 0 || n != len(newBytes) {
		return fmt.Errorf("Read: n=%d err=%v", n, err)
	}
	if string(roundTrip) != string(newBytes) {
		return fmt.Errorf("want %q, got %q", newBytes, roundTrip)
	}
	return nil
}

// scenarioForkIOSharing is scenario 6.
func scenarioForkIOSharing() error {
	ram := mem.NewRAM(kconfig.RAMSTART, 64)
	alloc := mem.NewAllocator(ram)
	alloc.Seed(ram.Start(), ram.NPages())
	s := sched.New()
	mainSpace := vm.NewSpace(alloc)
	tbl := proc.NewTable(alloc, s, mainSpace)
	self := s.Thread(s.Idle())
	p := tbl.Main()

	ep := newMemImage([]byte("shared"))
	fd, err := p.Install(-1, ep)
	if err != 0 {
		return fmt.Errorf("Install: %v", err)
	}
	if ep.Count() != 1 {
		return fmt.Errorf("want refcount 1 before fork, got %d", ep.Count())
	}

	childDone := make(chan struct{})
	childPid, err := tbl.Fork(self, p, func(child *sched.Thread) {
		close(childDone)
	})
	if err != 0 {
		return fmt.Errorf("Fork: %v", err)
	}
	if ep.Count() != 2 {
		return fmt.Errorf("want refcount 2 after fork, got %d", ep.Count())
	}
	<-childDone

	child := tbl.ByPid(childPid)
	tbl.Exit(s.Thread(child.Tid), child, 0)

	if err := p.CloseFD(fd); err != 0 {
		return fmt.Errorf("CloseFD: %v", err)
	}
	if ep.Count() != 0 {
		return fmt.Errorf("want refcount 0 after both close, got %d", ep.Count())
	}
	return nil
}

// scenarioPipeOrder is scenario 7: a writer blocks on "empty" as long as
// any unread byte remains, so a second writer's batch can never
// interleave into the buffer ahead of a reader, and a reader always
// observes exactly one writer's batch.
func scenarioPipeOrder() error {
	s := sched.New()
	p := pipe.New()

	firstDone := make(chan struct{})
	s.Spawn("writer1", s.Idle(), func(self *sched.Thread) {
		p.Write(self, []byte("ABC"))
		close(firstDone)
	})
	select {
	case <-firstDone:
	case <-time.After(time.Second):
		return fmt.Errorf("first write never completed")
	}

	secondDone := make(chan struct{})
	s.Spawn("writer2", s.Idle(), func(self *sched.Thread) {
		p.Write(self, []byte("DEF"))
		close(secondDone)
	})
	select {
	case <-secondDone:
		return fmt.Errorf("second write should block until the first batch is drained")
	case <-time.After(30 * time.Millisecond):
	}

	readDone := make(chan []byte, 1)
	s.Spawn("reader1", s.Idle(), func(self *sched.Thread) {
		got := make([]byte, 16)
		n, _ := p.Read(self, got)
		readDone <- got[:n]
	})
	select {
	case got := <-readDone:
		if string(got) != "ABC" {
			return fmt.Errorf("want reader to observe exactly one writer's batch %q, got %q", "ABC", got)
		}
	case <-time.After(time.Second):
		return fmt.Errorf("first read never completed")
	}

	select {
	case <-secondDone:
	case <-time.After(time.Second):
		return fmt.Errorf("second writer never unblocked after first batch drained")
	}

	readDone2 := make(chan []byte, 1)
	s.Spawn("reader2", s.Idle(), func(self *sched.Thread) {
		got := make([]byte, 16)
		n, _ := p.Read(self, got)
		readDone2 <- got[:n]
	})
	select {
	case got := <-readDone2:
		if string(got) != "DEF" {
			return fmt.Errorf("want second batch %q uninterleaved, got %q", "DEF", got)
		}
	case <-time.After(time.Second):
		return fmt.Errorf("second read never completed")
	}
	return nil
}

// scenarioBlockRoundTrip is scenario 8, exercised at the driver's
// behavioral surface only: the virtqueue's internal completion ordering
// is not checked here.
func scenarioBlockRoundTrip() error {
	backend := newMemBackend(4)
	drv := virtioblk.Open(backend)
	s := sched.New()
	self := s.Thread(s.Idle())

	payload := make([]byte, virtioblk.BlockSize)
	copy(payload, []byte("block-round-trip"))
	if n, err := drv.Write(self, payload); err != 0 || n != len(payload) {
		return fmt.Errorf("Write: n=%d err=%v", n, err)
	}
	if _, err := drv.Ioctl(self, ioendpoint.CtlSetPos, 0); err != 0 {
		return fmt.Errorf("setpos: %v", err)
	}
	got := make([]byte, virtioblk.BlockSize)
	if n, err := drv.Read(self, got); err != 0 || n != len(got) {
		return fmt.Errorf("Read: n=%d err=%v", n, err)
	}
	if string(got) != string(payload) {
		return fmt.Errorf("round-trip mismatch")
	}
	return nil
}

// memBackend is a minimal virtioblk.Backend, the same shape
// virtioblk_test.go's own unexported test double uses (this package
// cannot reach that one either).
type memBackend struct {
	blocks [][virtioblk.BlockSize]byte
}

func newMemBackend(n int) *memBackend { return &memBackend{blocks: make([][virtioblk.BlockSize]byte, n)} }

func (b *memBackend) ReadBlock(blockNo int64, buf []byte) defs.Err_t {
	if blockNo < 0 || int(blockNo) >= len(b.blocks) {
		return defs.EINVAL
	}
	copy(buf, b.blocks[blockNo][:])
	return 0
}
func (b *memBackend) WriteBlock(blockNo int64, buf []byte) defs.Err_t {
	if blockNo < 0 || int(blockNo) >= len(b.blocks) {
		return defs.EINVAL
	}
	copy(b.blocks[blockNo][:], buf)
	return 0
}
func (b *memBackend) NumBlocks() int64 { return int64(len(b.blocks)) }

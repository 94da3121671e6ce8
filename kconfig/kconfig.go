// Package kconfig collects the kernel's compile-time constants: page
// geometry, fixed virtual ranges, and table sizes. These
// mirror the way biscuit declares PGSHIFT/PGSIZE/VUSER/USERMIN as
// package-level consts in mem/mem.go and mem/dmap.go rather than reading
// them from a config file — a kernel has no filesystem to read a config
// from until these very constants have been used to build one.
package kconfig

// PGSHIFT is the base-2 exponent of the page size.
const PGSHIFT uint = 12

// PGSIZE is the size of one physical page in bytes (4 KiB).
const PGSIZE = 1 << PGSHIFT

// PGOFFSET masks the in-page offset bits of a virtual or physical address.
const PGOFFSET = PGSIZE - 1

// PGMASK masks the page-number bits of an address.
const PGMASK = ^uintptr(PGOFFSET)

// Sv39 fixed virtual ranges.
const (
	// USER_START is the lowest valid user virtual address.
	USERSTART uintptr = 0x80100000
	// USER_END is one past the highest valid user virtual address.
	USEREND uintptr = 0x81000000
	// USERSTACKVMA is the top of the user address region; exec sets the
	// initial user stack pointer here.
	USERSTACKVMA uintptr = USEREND
)

// RAM bounds identity-mapped and owned by the page allocator. A real boot
// reads these from the board's memory map, which is out of scope here;
// tests and the in-memory simulation in this repository use a
// fixed-size backing arena sized by the page count passed to mem.NewRAM.
const (
	RAMSTART uintptr = 0x80000000
)

// Table sizes.
const (
	// FDMAX is the number of file-descriptor slots per process.
	FDMAX = 64
	// NPROC is the size of the process table; slot 0 is the main
	// kernel process.
	NPROC = 64
	// NTHREAD is the size of the thread table.
	NTHREAD = 256
	// PIPESIZE is the fixed capacity of a pipe's byte buffer.
	PIPESIZE = 512
)

// Flat filesystem layout limits.
const (
	// FSBLOCKSIZE is the disk block size used by the flat filesystem.
	FSBLOCKSIZE = 4096
	// MAXDENTRIES is the number of directory entries the boot block can
	// hold (63 * 64 bytes + 64-byte header = 4096).
	MAXDENTRIES = 63
	// MAXINODEBLOCKS is the number of data-block numbers an inode block
	// can list (4 + 1023*4 = 4096).
	MAXINODEBLOCKS = 1023
	// DNAMELEN is the fixed width of a directory entry's name field.
	DNAMELEN = 32
	// FSFDMAX is the number of concurrently open files the flat
	// filesystem driver supports across the whole filesystem.
	FSFDMAX = 128
)

// TickMicros is the assumed period of one sched.AlarmQueue tick, in
// microseconds, used to convert a usleep(usecs) argument into a tick
// count. The course kernel's timer.c drives its alarm list at
// a fixed 10Hz (100000us) off MTIMER; this kernel has no MTIMER of its
// own, so the out-of-scope timer ISR is expected to call
// sched.AlarmQueue.Tick at this same period.
const TickMicros = 100000

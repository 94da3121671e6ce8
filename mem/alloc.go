package mem

import (
	"sync"

	"github.com/Ziheng-Qi/IlliniX/kpanic"
)

// Allocator is the kernel's physical page free-list. The
// mutex stands in for "interrupts disabled during push/pop" ('s
// shared-resource table): on the single-hart model this kernel targets,
// holding a lock across the push/pop is equivalent to disabling
// interrupts for the duration, and is the only synchronization a test
// binary running on a host OS can actually exercise.
type Allocator struct {
	mu   sync.Mutex
	ram  *RAM
	free PageNum // head of the free list, NullPage if empty
	n    int     // number of pages currently on the free list
}

// NewAllocator constructs an allocator over ram with an empty free list.
// Callers seed it at boot with Free for every page not reserved for the
// kernel image or the minimum heap window.
func NewAllocator(ram *RAM) *Allocator {
	return &Allocator{ram: ram, free: NullPage}
}

// Seed pushes every page in [first, first+count) onto the free list. Used
// once at boot after the kernel image and heap window have been
// reserved.
func (a *Allocator) Seed(first PageNum, count int) {
	for i := 0; i < count; i++ {
		a.Free(first + PageNum(i))
	}
}

// Allocate pops a page off the free list. Running out of pages is a
// programming error at this kernel's scale, so failure is a tier-3
// fatal condition, not a returned error.
func (a *Allocator) Allocate() PageNum {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.free == NullPage {
		kpanic.Fatalf("mem: out of physical pages")
	}
	pn := a.free
	a.free = a.ram.readLink(pn)
	a.n--
	return pn
}

// Free returns pn to the head of the free list. Panics on the null page,
// per ("Panics on null").
func (a *Allocator) Free(pn PageNum) {
	if pn == NullPage {
		kpanic.Fatalf("mem: free of null page")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ram.writeLink(pn, a.free)
	a.free = pn
	a.n++
}

// NFree reports how many pages are currently free. Exposed for tests
// verifying the reclaim invariant in ("the free page count
// increases by exactly...").
func (a *Allocator) NFree() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}

// AllocateZeroed pops a page and clears its contents. Used whenever the
// page will be interpreted as structured data -- a new page-table page or
// a freshly demand-paged user page -- so that stale bytes from the page's
// previous owner are never visible to the new one.
func (a *Allocator) AllocateZeroed() PageNum {
	pn := a.Allocate()
	buf := a.ram.Page(pn)
	for i := range buf {
		buf[i] = 0
	}
	return pn
}

// Contains reports whether pn belongs to this allocator's RAM arena.
func (a *Allocator) Contains(pn PageNum) bool {
	return a.ram.Contains(pn)
}

// RAM returns the backing RAM arena, for code (the page-table walker,
// the memory space) that needs to read/write page contents directly.
func (a *Allocator) RAM() *RAM { return a.ram }

// Package mem implements the physical page allocator: a LIFO
// free-list of physical pages threaded through the first machine word of
// each free page, grounded on the free-list shape of biscuit's
// mem.Physmem_t (mem/mem.go) but simplified to the single-hart, no-COW
// model this kernel needs — no per-CPU free-list sharding, no page-table
// refcounting, since every Sv39 leaf here is owned by exactly one PTE.
package mem

import (
	"encoding/binary"

	"github.com/Ziheng-Qi/IlliniX/kconfig"
)

// PageNum is a physical page number: a physical address shifted right by
// PGSHIFT bits.
type PageNum uintptr

// NullPage is the sentinel meaning "no page". Page number 0 is never a
// valid allocatable page because RAM starts well above address 0
// (kconfig.RAMSTART), so it is safe to use as a null value.
const NullPage PageNum = 0

// Addr returns the physical address of page pn.
func (pn PageNum) Addr() uintptr { return uintptr(pn) << kconfig.PGSHIFT }

// PageOf returns the page number containing physical address pa.
func PageOf(pa uintptr) PageNum { return PageNum(pa >> kconfig.PGSHIFT) }

// RAM simulates the physical memory arena that a real boot would receive
// from the board's memory map (out of scope, : this module never
// programs memory controllers). It backs every PageNum in
// [start, start+len(data)/PGSIZE) with real storage so that page
// contents -- including the free-list links threaded through them -- are
// observable and testable in pure Go.
type RAM struct {
	start PageNum
	data  []byte
}

// NewRAM allocates a simulated RAM arena of npages pages starting at
// physical page startAddr>>PGSHIFT.
func NewRAM(startAddr uintptr, npages int) *RAM {
	return &RAM{
		start: PageOf(startAddr),
		data:  make([]byte, npages*kconfig.PGSIZE),
	}
}

// Contains reports whether pn falls inside this RAM arena.
func (r *RAM) Contains(pn PageNum) bool {
	if pn < r.start {
		return false
	}
	idx := int(pn-r.start) * kconfig.PGSIZE
	return idx >= 0 && idx < len(r.data)
}

// Page returns the PGSIZE-byte slice backing physical page pn. Panics if
// pn lies outside the arena -- this mirrors a real kernel dereferencing
// an identity-mapped physical address that must always be valid for
// every page the allocator manages.
func (r *RAM) Page(pn PageNum) []byte {
	if !r.Contains(pn) {
		panic("mem: page out of RAM bounds")
	}
	off := int(pn-r.start) * kconfig.PGSIZE
	return r.data[off : off+kconfig.PGSIZE]
}

// NPages returns the number of pages backed by this arena.
func (r *RAM) NPages() int { return len(r.data) / kconfig.PGSIZE }

// Start returns the first page number backed by this arena.
func (r *RAM) Start() PageNum { return r.start }

func (r *RAM) readLink(pn PageNum) PageNum {
	return PageNum(binary.LittleEndian.Uint64(r.Page(pn)[:8]))
}

func (r *RAM) writeLink(pn PageNum, next PageNum) {
	binary.LittleEndian.PutUint64(r.Page(pn)[:8], uint64(next))
}

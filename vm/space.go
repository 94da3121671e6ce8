// Package vm implements the per-process memory space: the
// root Sv39 page table plus the operations built on top of the pte
// walker and the mem allocator. Grounded on biscuit's vm.Vm_t (as.go) --
// this package keeps the same operation set (alloc_and_map, reclaim,
// validate_vptr_len/validate_vstr, page-fault handling) but targets
// Sv39's simpler 3-level, non-COW, single-thread-per-process model
// instead of biscuit's 4-level x86 COW/mmap machinery.
package vm

import (
	"github.com/Ziheng-Qi/IlliniX/defs"
	"github.com/Ziheng-Qi/IlliniX/kconfig"
	"github.com/Ziheng-Qi/IlliniX/mem"
	"github.com/Ziheng-Qi/IlliniX/pte"
	"github.com/Ziheng-Qi/IlliniX/util"
)

// Tag is a compact identifier combining a memory space's root page number
// with a mode field suitable for loading into the address-translation
// control register (SATP), per 
type Tag uint64

// satpModeSv39 is the SATP MODE field value selecting Sv39 translation.
const satpModeSv39 = 8

// satpModeShift is the bit position of the MODE field within SATP.
const satpModeShift = 60

// MakeTag builds the compact tag for a memory space rooted at root.
func MakeTag(root mem.PageNum) Tag {
	return Tag(satpModeSv39)<<satpModeShift | Tag(root)
}

// Root extracts the root page number from a tag.
func (t Tag) Root() mem.PageNum {
	return mem.PageNum(t & ((1 << 44) - 1))
}

// MMU models the address-translation control register (SATP): whichever
// tag is currently loaded. Real hardware register access, the fence
// instruction, and TLB behavior are out of scope (trap-vector
// assembly); Switch only records which tag is "current", which lets
// callers and tests observe that Reclaim switches away from a departing
// space first.
type MMU struct {
	current Tag
}

// NewMMU returns an MMU initialized to the main space's tag.
func NewMMU(mainTag Tag) *MMU {
	return &MMU{current: mainTag}
}

// Switch loads tag into the translation-control register and returns the
// previously loaded tag. A real implementation fences
// (sfence.vma) after the write; that instruction has no host-testable
// effect here and is therefore not modeled.
func (m *MMU) Switch(tag Tag) Tag {
	prev := m.current
	m.current = tag
	return prev
}

// Current returns the tag currently loaded.
func (m *MMU) Current() Tag { return m.current }

// Space is a memory space: a root Sv39 page table plus the transitive
// tables it references ("Memory space").
type Space struct {
	alloc *mem.Allocator
	Root  mem.PageNum
}

// NewSpace allocates a fresh, empty root table.
func NewSpace(alloc *mem.Allocator) *Space {
	root := alloc.AllocateZeroed()
	return &Space{alloc: alloc, Root: root}
}

// Tag returns this space's compact SATP tag.
func (s *Space) Tag() Tag { return MakeTag(s.Root) }

// AllocAndMapPage maps a fresh page at vma with the supplied R/W/X/U/G
// bits, setting D|A|V unconditionally alongside them. Returns
// EACCESS if vma is already mapped.
func (s *Space) AllocAndMapPage(vma uintptr, rwxug pte.PTE) (uintptr, defs.Err_t) {
	slot := pte.Walk(s.alloc, s.Root, vma, true)
	if slot.Get().Valid() {
		return 0, defs.EACCESS
	}
	pn := s.alloc.AllocateZeroed()
	slot.Set(pte.Make(pn, rwxug|pte.D|pte.A|pte.V))
	return vma, 0
}

// AllocAndMapRange rounds vma down to a page boundary and vma+size up,
// then maps every page in between.
func (s *Space) AllocAndMapRange(vma uintptr, size int, rwxug pte.PTE) (uintptr, defs.Err_t) {
	start := util.Rounddown(vma, uintptr(kconfig.PGSIZE))
	end := util.Roundup(vma+uintptr(size), uintptr(kconfig.PGSIZE))
	for p := start; p < end; p += kconfig.PGSIZE {
		if _, err := s.AllocAndMapPage(p, rwxug); err != 0 {
			return 0, err
		}
	}
	return vma, 0
}

// SetPageFlags rewrites a leaf's permission bits, preserving its PPN and
// the mandatory D|A|V bits. Returns EINVAL if vma is not
// mapped.
func (s *Space) SetPageFlags(vma uintptr, rwxug pte.PTE) defs.Err_t {
	slot := pte.Walk(s.alloc, s.Root, vma, false)
	if !slot.Valid() {
		return defs.EINVAL
	}
	cur := slot.Get()
	if !cur.Valid() {
		return defs.EINVAL
	}
	preserved := cur & (pte.D | pte.A | pte.V)
	slot.Set(pte.Make(cur.PPN(), rwxug|preserved))
	return 0
}

// PageFlags returns the flag bits of the leaf mapping vma, or EINVAL if
// vma is not mapped.
func (s *Space) PageFlags(vma uintptr) (pte.PTE, defs.Err_t) {
	slot := pte.Walk(s.alloc, s.Root, vma, false)
	if !slot.Valid() {
		return 0, defs.EINVAL
	}
	cur := slot.Get()
	if !cur.Valid() {
		return 0, defs.EINVAL
	}
	return cur.Flags(), 0
}

// SetRangeFlags is SetPageFlags over every page in [vma, vma+size), silent
// on unmapped pages.
func (s *Space) SetRangeFlags(vma uintptr, size int, rwxug pte.PTE) {
	start := util.Rounddown(vma, uintptr(kconfig.PGSIZE))
	end := util.Roundup(vma+uintptr(size), uintptr(kconfig.PGSIZE))
	for p := start; p < end; p += kconfig.PGSIZE {
		_ = s.SetPageFlags(p, rwxug)
	}
}

// PageBytes returns the PGSIZE-byte slice backing the mapped page
// containing va, along with va's offset within it, for callers (the
// ELF loader) that need to copy directly into mapped user memory
// without a real identity-mapped physical address to write through.
// Returns EINVAL if va is not mapped.
func (s *Space) PageBytes(va uintptr) ([]byte, int, defs.Err_t) {
	pageva := util.Rounddown(va, uintptr(kconfig.PGSIZE))
	slot := pte.Walk(s.alloc, s.Root, pageva, false)
	if !slot.Valid() {
		return nil, 0, defs.EINVAL
	}
	e := slot.Get()
	if !e.Valid() {
		return nil, 0, defs.EINVAL
	}
	off := int(va - pageva)
	return s.alloc.RAM().Page(e.PPN()), off, 0
}

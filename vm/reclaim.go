package vm

import (
	"github.com/Ziheng-Qi/IlliniX/mem"
	"github.com/Ziheng-Qi/IlliniX/pte"
)

// Reclaim switches to the main space, then frees every non-global leaf
// and non-global intermediate table reachable from this space's root,
// and finally the root table itself. Global entries -- the
// kernel, MMIO, heap, and page-pool mappings shared with the main space
// -- are preserved: a global PTE, leaf or branch, is never descended into
// or freed, because everything beneath a global branch is itself global
// by the invariant the boot-time main-space construction establishes.
//
// This uses the correct leaf test (pte.PTE.IsLeaf: valid with any of
// R/W/X set), not the buggy all-three-bits test some codebases use.
func (s *Space) Reclaim(mmu *MMU, mainTag Tag) {
	mmu.Switch(mainTag)
	s.reclaimTable(s.Root, 2)
	s.alloc.Free(s.Root)
}

func (s *Space) reclaimTable(table mem.PageNum, level int) {
	ram := s.alloc.RAM()
	for idx := 0; idx < pte.NumEntries; idx++ {
		slot := pte.SlotAt(ram, table, idx)
		e := slot.Get()
		if !e.Valid() || e.Global() {
			continue
		}
		if e.IsLeaf() {
			s.alloc.Free(e.PPN())
		} else if level > 0 {
			s.reclaimTable(e.PPN(), level-1)
			s.alloc.Free(e.PPN())
		} else {
			panic("vm: reclaim found a branch at level 0")
		}
	}
}

// UnmapAndFreeUser unmaps and frees every page mapped with the U bit set
//. The current root remains live and is not freed -- this is
// used by exec to tear down the previous program's mappings before
// loading a new one into the same process.
func (s *Space) UnmapAndFreeUser() {
	s.unmapUserTable(s.Root, 2)
}

func (s *Space) unmapUserTable(table mem.PageNum, level int) {
	ram := s.alloc.RAM()
	for idx := 0; idx < pte.NumEntries; idx++ {
		slot := pte.SlotAt(ram, table, idx)
		e := slot.Get()
		if !e.Valid() || e.Global() {
			continue
		}
		if e.IsLeaf() {
			if e.User() {
				s.alloc.Free(e.PPN())
				slot.Set(0)
			}
			continue
		}
		if level == 0 {
			panic("vm: unmap found a branch at level 0")
		}
		s.unmapUserTable(e.PPN(), level-1)
		if tableEmpty(ram, e.PPN()) {
			s.alloc.Free(e.PPN())
			slot.Set(0)
		}
	}
}

func tableEmpty(ram *mem.RAM, table mem.PageNum) bool {
	for idx := 0; idx < pte.NumEntries; idx++ {
		if pte.SlotAt(ram, table, idx).Get().Valid() {
			return false
		}
	}
	return true
}

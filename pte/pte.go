// Package pte defines the Sv39 page-table entry layout and
// the three-level walker, grounded on the PTE bit constants
// and walk-with-create pattern in biscuit's mem/mem.go and vm/as.go,
// retargeted from biscuit's 4-level x86 layout to RISC-V Sv39's 3-level
// VPN[2]/VPN[1]/VPN[0] scheme.
package pte

import (
	"encoding/binary"

	"github.com/Ziheng-Qi/IlliniX/mem"
)

// PTE is one 64-bit Sv39 page-table entry.
type PTE uint64

// Flag bits, : "bit index -> meaning".
const (
	V PTE = 1 << 0 // valid
	R PTE = 1 << 1 // readable
	W PTE = 1 << 2 // writable
	X PTE = 1 << 3 // executable
	U PTE = 1 << 4 // user-accessible
	G PTE = 1 << 5 // global
	A PTE = 1 << 6 // accessed
	D PTE = 1 << 7 // dirty
)

// PPNShift is the bit offset of the physical page number field (bits
// 10..53,).
const PPNShift = 10

// Make builds a PTE from a physical page number and flag bits.
func Make(ppn mem.PageNum, flags PTE) PTE {
	return PTE(ppn)<<PPNShift | flags
}

// PPN extracts the physical page number field.
func (p PTE) PPN() mem.PageNum { return mem.PageNum(p >> PPNShift) }

// Flags returns just the flag bits (masking off the PPN).
func (p PTE) Flags() PTE { return p &^ (PTE(0x3fffffffffff) << PPNShift) }

func (p PTE) Valid() bool { return p&V != 0 }

// IsLeaf reports whether p is a leaf entry: valid, with at least one of
// R/W/X set. This is the correct test -- some codebases instead
// test R&&W&&X, which misclassifies a valid PTE with only one or two of
// the three bits set as a branch; this kernel never makes that mistake.
func (p PTE) IsLeaf() bool {
	return p.Valid() && p&(R|W|X) != 0
}

// IsBranch reports whether p is valid and points at a next-level table.
func (p PTE) IsBranch() bool {
	return p.Valid() && p&(R|W|X) == 0
}

func (p PTE) Readable() bool   { return p&R != 0 }
func (p PTE) Writable() bool   { return p&W != 0 }
func (p PTE) Executable() bool { return p&X != 0 }
func (p PTE) User() bool       { return p&U != 0 }
func (p PTE) Global() bool     { return p&G != 0 }

// Slot addresses one PTE cell within a page-table page backed by RAM. It
// plays the role of biscuit's *Pa_t leaf-PTE pointer (vm/as.go's
// pmap_walk return value), but -- since this kernel simulates physical
// memory as a Go byte slice rather than addressing real memory with
// unsafe.Pointer -- is expressed as a (page, index) coordinate with
// Get/Set accessors instead of a raw pointer.
type Slot struct {
	ram   *mem.RAM
	Table mem.PageNum
	Index int // 0..511
}

func (s Slot) cell() []byte {
	off := s.Index * 8
	return s.ram.Page(s.Table)[off : off+8]
}

// Get reads the current PTE value.
func (s Slot) Get() PTE {
	return PTE(binary.LittleEndian.Uint64(s.cell()))
}

// Set writes a new PTE value.
func (s Slot) Set(p PTE) {
	binary.LittleEndian.PutUint64(s.cell(), uint64(p))
}

// Valid reports whether this Slot addresses a real cell (false is the "no
// such entry" sentinel returned by Walk when create=false and a branch is
// absent,).
func (s Slot) Valid() bool { return s.ram != nil }

// NoSlot is the "no such entry" sentinel.
var NoSlot = Slot{}

// SlotAt addresses entry idx of page-table page table directly, without
// walking. Used by reclaim/unmap, which must visit every entry of a
// table rather than resolve one virtual address.
func SlotAt(ram *mem.RAM, table mem.PageNum, idx int) Slot {
	return Slot{ram: ram, Table: table, Index: idx}
}

// NumEntries is the number of PTE cells in one Sv39 page-table page
// (PGSIZE / 8 bytes per entry).
const NumEntries = 512

// vpn extracts VPN[level] (level 2, 1, or 0) from a virtual address,
// per Sv39's three 9-bit page-table-index fields above the 12-bit page
// offset.
func vpn(va uintptr, level int) int {
	return int((va >> (12 + 9*uint(level))) & 0x1ff)
}

// Walk descends a three-level Sv39 page table from root using the
// VPN[2]/VPN[1]/VPN[0] slices of va. If an intermediate
// branch is absent and create is true, a fresh zeroed page-table page is
// allocated and installed as a non-leaf, non-user, non-global valid
// entry. Returns the leaf PTE slot, or NoSlot if create is false and a
// branch was absent. Never descends into a mega- or gigapage: a leaf
// encountered above level 0 is a walker misuse (this kernel's memory
// spaces never install one) and panics.
func Walk(alloc *mem.Allocator, root mem.PageNum, va uintptr, create bool) Slot {
	ram := alloc.RAM()
	table := root
	for level := 2; level >= 1; level-- {
		idx := vpn(va, level)
		slot := Slot{ram: ram, Table: table, Index: idx}
		cur := slot.Get()
		switch {
		case !cur.Valid():
			if !create {
				return NoSlot
			}
			child := alloc.AllocateZeroed()
			slot.Set(Make(child, V))
			table = child
		case cur.IsLeaf():
			panic("pte: walk encountered a mega/gigapage leaf above level 0")
		default:
			table = cur.PPN()
		}
	}
	idx := vpn(va, 0)
	return Slot{ram: ram, Table: table, Index: idx}
}

package vm

import (
	"github.com/Ziheng-Qi/IlliniX/defs"
	"github.com/Ziheng-Qi/IlliniX/kconfig"
	"github.com/Ziheng-Qi/IlliniX/mem"
	"github.com/Ziheng-Qi/IlliniX/pte"
)

// CopyUserRange duplicates every mapped user page in [start, end) from
// src into dst, allocating a fresh physical page per mapping and copying
// its bytes verbatim, preserving the source page's permission bits: fork
// duplicates every user mapping into freshly allocated physical pages
// with byte-identical contents. Pages in the range with
// no mapping in src are silently skipped -- a process's user region is
// sparse between USER_START and its current break.
func CopyUserRange(alloc *mem.Allocator, src, dst *Space, start, end uintptr) defs.Err_t {
	for va := start; va < end; va += kconfig.PGSIZE {
		slot := pte.Walk(alloc, src.Root, va, false)
		if !slot.Valid() {
			continue
		}
		e := slot.Get()
		if !e.Valid() || !e.IsLeaf() {
			continue
		}
		if _, err := dst.AllocAndMapPage(va, e.Flags()&(pte.R|pte.W|pte.X|pte.U)); err != 0 {
			return err
		}
		srcPage, _, err := src.PageBytes(va)
		if err != 0 {
			return err
		}
		dstPage, _, err := dst.PageBytes(va)
		if err != 0 {
			return err
		}
		copy(dstPage, srcPage)
	}
	return 0
}

package vm

import (
	"github.com/Ziheng-Qi/IlliniX/defs"
	"github.com/Ziheng-Qi/IlliniX/kconfig"
	"github.com/Ziheng-Qi/IlliniX/pte"
	"github.com/Ziheng-Qi/IlliniX/util"
)

// HandlePageFault implements demand paging. It is called
// only for store faults -- the trap dispatcher routes load/execute
// faults in user mode straight to process termination without ever
// calling here: only store faults use this path, since load/execute
// faults in user mode are fatal to the process and the page is not
// created.
//
// If vptr falls outside [USERSTART, USEREND) the caller must terminate
// the faulting process; this function reports that by returning EINVAL.
// If the page is already mapped, the fault is either a benign race
// against another thread's demand-paging of the same page (the existing
// leaf is already writable -- nothing further to do) or a genuine
// permission violation, such as a store into a read-only or executable
// text segment (scenario 4, "page permission downgrade"): the
// existing leaf lacks W, and the caller must terminate the process.
// Otherwise it maps a fresh page at the faulting address with R|W|U and
// returns success.
func (s *Space) HandlePageFault(vptr uintptr) defs.Err_t {
	if vptr < kconfig.USERSTART || vptr >= kconfig.USEREND {
		return defs.EINVAL
	}
	pageva := util.Rounddown(vptr, uintptr(kconfig.PGSIZE))
	_, err := s.AllocAndMapPage(pageva, pte.R|pte.W|pte.U)
	if err == defs.EACCESS {
		if existing, perr := s.PageFlags(pageva); perr == 0 && existing.Writable() {
			return 0
		}
		return defs.EACCESS
	}
	return err
}

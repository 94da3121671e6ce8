package vm

import (
	"github.com/Ziheng-Qi/IlliniX/defs"
	"github.com/Ziheng-Qi/IlliniX/kconfig"
	"github.com/Ziheng-Qi/IlliniX/pte"
	"github.com/Ziheng-Qi/IlliniX/util"
)

// ValidatePtrLen walks every page in [vp, vp+len) and succeeds only if
// each is valid and its permission bits are a superset of required.
// This is the boundary between user-supplied pointers and kernel
// dereferences: every syscall that takes a pointer argument
// must call it before touching memory.
func (s *Space) ValidatePtrLen(vp uintptr, length int, required pte.PTE) defs.Err_t {
	if length < 0 {
		return defs.EINVAL
	}
	start := util.Rounddown(vp, uintptr(kconfig.PGSIZE))
	end := util.Roundup(vp+uintptr(length), uintptr(kconfig.PGSIZE))
	for p := start; p < end; p += kconfig.PGSIZE {
		slot := pte.Walk(s.alloc, s.Root, p, false)
		if !slot.Valid() {
			return defs.EINVAL
		}
		e := slot.Get()
		if !e.Valid() {
			return defs.EINVAL
		}
		if e.Flags()&required != required {
			return defs.EINVAL
		}
	}
	return 0
}

// ValidateStr walks byte-by-byte from vp until a NUL byte, with the same
// permission requirement as ValidatePtrLen, failing immediately on an
// unmapped or under-permissioned page. Returns the string
// without its terminating NUL.
func (s *Space) ValidateStr(vp uintptr, required pte.PTE, maxLen int) (string, defs.Err_t) {
	ram := s.alloc.RAM()
	buf := make([]byte, 0, 32)
	for i := 0; ; i++ {
		addr := vp + uintptr(i)
		pageva := util.Rounddown(addr, uintptr(kconfig.PGSIZE))
		slot := pte.Walk(s.alloc, s.Root, pageva, false)
		if !slot.Valid() {
			return "", defs.EINVAL
		}
		e := slot.Get()
		if !e.Valid() || e.Flags()&required != required {
			return "", defs.EINVAL
		}
		off := addr - pageva
		b := ram.Page(e.PPN())[off]
		if b == 0 {
			return string(buf), 0
		}
		buf = append(buf, b)
		if maxLen > 0 && len(buf) >= maxLen {
			return "", defs.EINVAL
		}
	}
}

package vm

// CopyOut copies dst's worth of bytes out of the user pages starting at
// va into dst, one physical page at a time (mirrors elf.readSegment's
// page-at-a-time loop, elf/elf.go, since the destination's backing
// pages are not contiguous in the simulated RAM arena). Callers must
// have already validated [va, va+len(dst)) with ValidatePtrLen.
func (s *Space) CopyOut(va uintptr, dst []byte) {
	for len(dst) > 0 {
		page, off, err := s.PageBytes(va)
		if err != 0 {
			return
		}
		n := copy(dst, page[off:])
		dst = dst[n:]
		va += uintptr(n)
	}
}

// CopyIn is CopyOut's mirror: it writes src's bytes into the user pages
// starting at va. Callers must have already validated the destination
// range with ValidatePtrLen.
func (s *Space) CopyIn(va uintptr, src []byte) {
	for len(src) > 0 {
		page, off, err := s.PageBytes(va)
		if err != 0 {
			return
		}
		n := copy(page[off:], src)
		src = src[n:]
		va += uintptr(n)
	}
}

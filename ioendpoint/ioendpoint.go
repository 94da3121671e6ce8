// Package ioendpoint defines the single polymorphic I/O abstraction
// every higher layer consumes: a small operation-vector
// interface plus a reference-counted concrete payload recovered through
// Go's embedded-interface idiom, grounded on biscuit's
// fdops.Fdops_i / fd.Fd_t split (biscuit/src/fd/fd.go). Concrete
// endpoints -- the virtio-blk driver, a flat-filesystem open file, a
// pipe, a memory-literal device -- each embed Header as their
// reference-count storage and implement Endpoint directly, the same
// "interface plus tagged concrete" strategy calls out as the
// alternative to prototype-style inheritance.
package ioendpoint

import (
	"sync"

	"github.com/Ziheng-Qi/IlliniX/defs"
	"github.com/Ziheng-Qi/IlliniX/sched"
)

// Endpoint is the operation vector every I/O object exposes (// "I/O endpoint"). Reads/writes advance an implementation-defined
// position; ctl is spelled Ioctl here to avoid colliding with Go's
// control-flow keywords.
//
// Every operation takes the calling thread's own handle as self. This
// is this kernel's current (see sched's package doc): endpoints that
// block -- the pipe waiting on its conditions, the block driver
// awaiting virtqueue completion -- need a caller identity to sleep on a
// primitives.Lock or primitives.Condition, and Go gives no portable
// hook to read that back out of thin air the way biscuit's forked
// runtime.Gptr does, so it is threaded through explicitly instead.
type Endpoint interface {
	Read(self *sched.Thread, buf []byte) (int, defs.Err_t)
	Write(self *sched.Thread, buf []byte) (int, defs.Err_t)
	Ioctl(self *sched.Thread, cmd int, arg int) (int, defs.Err_t)

	// Reopen increments the reference count for a new owner (fork, dup)
	// without reinitializing any underlying resource, grounded on
	// fd.Copyfd's call to Fops.Reopen (biscuit/src/fd/fd.go).
	Reopen() defs.Err_t

	// Close decrements the reference count; the final close releases
	// whatever the concrete endpoint holds ("I/O endpoint
	// lifecycle": opened refcount=1, duplicated increments, closed
	// decrements, final close frees).
	Close() defs.Err_t
}

// Ioctl command codes shared across endpoint kinds.
const (
	CtlLen       = 1 // get length in bytes
	CtlPos       = 2 // get position in bytes
	CtlSetPos    = 3 // set position in bytes
	CtlBlockLen  = 4 // get block size
	CtlWaitEmpty = 5 // pipe-only: block until the reader drains the buffer
)

// Header is the embedded reference-count block every concrete endpoint
// carries as its first field ("reference counting lives in
// the header"), mirroring biscuit's convention of storing shared
// state (here, just a refcount and its mutex) in a struct embedded
// alongside the operation-vector field rather than in the interface
// itself, since a Go interface value carries no mutable state of its
// own.
type Header struct {
	mu   sync.Mutex
	refs int
}

// NewHeader returns a Header with an initial reference count of 1.
func NewHeader() Header {
	return Header{refs: 1}
}

// IncRef bumps the reference count, used when an endpoint is
// duplicated across fork or dup.
func (h *Header) IncRef() {
	h.mu.Lock()
	h.refs++
	h.mu.Unlock()
}

// DecRef drops the reference count and reports whether it reached
// zero, i.e. whether the caller must now release the underlying
// resource ("final close frees").
func (h *Header) DecRef() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refs <= 0 {
		panic("ioendpoint: DecRef on a header with no outstanding references")
	}
	h.refs--
	return h.refs == 0
}

// Count reports the current reference count, used by the test
// harness and by selftest's fork-sharing check.
func (h *Header) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs
}

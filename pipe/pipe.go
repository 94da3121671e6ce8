// Package pipe implements the fixed-capacity byte-stream pipe endpoint
//: a single in-memory ring buffer, a lock, and two
// conditions {not_empty, empty}. The head/tail monotonically
// increasing index scheme (mod capacity, Full/Empty/Used/Left derived
// from the difference) is grounded on biscuit's
// circbuf.Circbuf_t (biscuit/src/circbuf/circbuf.go), simplified from
// its lazy-page-backed, two-slice wraparound-read/write API (built for
// zero-copy TCP segment delivery) down to the plain
// copy-the-whole-buffer semantics, since a pipe endpoint here always
// owns a fixed Go byte slice rather than a physical page shared with a
// device.
package pipe

import (
	"github.com/Ziheng-Qi/IlliniX/defs"
	"github.com/Ziheng-Qi/IlliniX/ioendpoint"
	"github.com/Ziheng-Qi/IlliniX/kconfig"
	"github.com/Ziheng-Qi/IlliniX/primitives"
	"github.com/Ziheng-Qi/IlliniX/sched"
)

// Pipe is a fixed-capacity byte-stream endpoint: the
// embedded ioendpoint.Header recovers the reference count the way
// biscuit's embedded fdops.Fdops_i recovers the operation vector. A
// pipe is created once, before fork, so parent and child share the
// same *Pipe and therefore the same buffer: a pipe is an
// endpoint like any other, created before fork so both child and
// parent observe the same buffer.
type Pipe struct {
	ioendpoint.Header

	lock     primitives.Lock
	notEmpty primitives.Condition
	empty    primitives.Condition

	buf        [kconfig.PIPESIZE]byte
	head, tail int // monotonically increasing; buf index is mod len(buf)
}

var _ ioendpoint.Endpoint = (*Pipe)(nil)

// New constructs an empty pipe with an initial reference count of 1.
func New() *Pipe {
	return &Pipe{Header: ioendpoint.NewHeader()}
}

func (p *Pipe) used() int     { return p.head - p.tail }
func (p *Pipe) isEmpty() bool { return p.head == p.tail }

// holderID maps a thread's small integer tid to the Lock's notion of
// "holder", offset by one so tid 0 (a real, valid thread) never
// collides with primitives.Lock's "unheld" sentinel of zero.
func holderID(self *sched.Thread) int { return int(self.Tid) + 1 }

// Write copies up to len(data) bytes into the buffer, sleeping on
// "empty" while the buffer is unread: write sleeps on
// empty if the buffer is unread, copies up to its capacity, advances
// the write cursor, then broadcasts not_empty. This gives whole-batch
// handoff semantics -- a reader observes exactly one writer's batch --
// since a second write can never interleave into the buffer until the
// previous batch has been fully drained.
func (p *Pipe) Write(self *sched.Thread, data []byte) (int, defs.Err_t) {
	who := holderID(self)
	p.lock.Acquire(who, self)
	defer p.lock.Release(who)

	for !p.isEmpty() {
		// Sleep enqueues self before releasing the lock, so a reader
		// that drains the buffer and broadcasts empty under the
		// same lock can never slip in between "check non-empty" and
		// "park" and have its wakeup lost: waits release the mutex
		// around suspension and re-acquire it on resume.
		p.empty.Sleep(self, &p.lock, who)
		p.lock.Acquire(who, self)
	}
	n := len(data)
	if room := len(p.buf) - p.used(); n > room {
		n = room
	}
	for i := 0; i < n; i++ {
		p.buf[(p.head+i)%len(p.buf)] = data[i]
	}
	p.head += n
	p.notEmpty.Broadcast()
	return n, 0
}

// Read copies everything currently buffered into data, sleeping on
// "not_empty" if the buffer is empty: read sleeps on
// not_empty if empty, copies everything currently buffered, advances
// the read cursor, then broadcasts empty.
func (p *Pipe) Read(self *sched.Thread, data []byte) (int, defs.Err_t) {
	who := holderID(self)
	p.lock.Acquire(who, self)
	defer p.lock.Release(who)

	for p.isEmpty() {
		p.notEmpty.Sleep(self, &p.lock, who)
		p.lock.Acquire(who, self)
	}
	n := p.used()
	if n > len(data) {
		n = len(data)
	}
	for i := 0; i < n; i++ {
		data[i] = p.buf[(p.tail+i)%len(p.buf)]
	}
	p.tail += n
	p.empty.Broadcast()
	return n, 0
}

// WaitEmpty blocks until the buffer has been fully drained by the
// reader (ioctl WAIT_EMPTY).
func (p *Pipe) WaitEmpty(self *sched.Thread) {
	who := holderID(self)
	p.lock.Acquire(who, self)
	defer p.lock.Release(who)
	for !p.isEmpty() {
		p.empty.Sleep(self, &p.lock, who)
		p.lock.Acquire(who, self)
	}
}

// Ioctl implements ioendpoint.Endpoint's control operation; WAIT_EMPTY
// is the only pipe-specific command.
func (p *Pipe) Ioctl(self *sched.Thread, cmd int, arg int) (int, defs.Err_t) {
	switch cmd {
	case ioendpoint.CtlWaitEmpty:
		p.WaitEmpty(self)
		return 0, 0
	default:
		return 0, defs.ENOTSUP
	}
}

// Reopen increments the reference count (fork duplication).
func (p *Pipe) Reopen() defs.Err_t {
	p.IncRef()
	return 0
}

// Close decrements the reference count; the pipe's storage is part of
// the struct itself, so there is nothing further to release on final
// close beyond letting the value become garbage once unreferenced
// ("final close frees").
func (p *Pipe) Close() defs.Err_t {
	p.DecRef()
	return 0
}

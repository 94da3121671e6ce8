// Package primitives implements the two coordination primitives the
// scheduler and every blocking I/O path are built on:
// named FIFO-wait-list conditions and non-recursive sleep locks.
// Grounded on the mutex+cond pairing in biscuit's
// tinfo.Tnote_t.Killnaps (biscuit/src/tinfo/tinfo.go), but reworked from
// biscuit's *sync.Cond (bound to a single associated mutex, runtime
// goroutine parking) into an explicit wait-list model:
// wait/broadcast manipulate a FIFO queue of Waiter handles, and the
// blocking itself is left to each handle's Park/Wake (sched.Thread parks
// its goroutine on a channel receive) rather than to a sync.Cond.
package primitives

import "sync"

// Waiter is the minimal handle a condition needs from a schedulable
// thread: something it can block and later unblock. sched.Thread
// implements this so primitives never imports sched (sched imports
// primitives instead, avoiding an import cycle).
type Waiter interface {
	// Park blocks the calling goroutine until Wake is called for this
	// waiter. Interrupts are conceptually re-enabled around the park so
	// that a Wake arriving just before Park is never lost (// "enables interrupts around the suspend so a signal is never
	// lost") -- here that race is closed by Park consuming a buffered
	// signal channel rather than disabling anything real.
	Park()
	// Wake makes the waiter ready again.
	Wake()
}

// Condition is a named FIFO wait list. The zero value
// is usable.
type Condition struct {
	mu      sync.Mutex
	waiters []Waiter
}

// Wait enqueues the caller at the tail and parks it, giving waiters a
// FIFO ordering guarantee: waiters enter at the tail, broadcast drains
// from the head.
func (c *Condition) Wait(self Waiter) {
	c.mu.Lock()
	c.waiters = append(c.waiters, self)
	c.mu.Unlock()
	self.Park()
}

// Broadcast moves every waiter to ready, draining the list.
func (c *Condition) Broadcast() {
	c.mu.Lock()
	drained := c.waiters
	c.waiters = nil
	c.mu.Unlock()
	for _, w := range drained {
		w.Wake()
	}
}

// Sleep is the classic sleep-lock wait pattern: it enqueues self on this
// condition's wait list and only then releases l, which who must
// currently hold. A broadcaster that also acquires l before mutating the
// shared state and calling Broadcast cannot run until this enqueue has
// already happened, so the wakeup can never be lost to the gap between
// "check the condition" and "park" that a bare Release-then-Wait would
// leave open. The caller reacquires l itself after Sleep returns: waits
// release the mutex around suspension and re-acquire it on resume.
func (c *Condition) Sleep(self Waiter, l *Lock, who int) {
	c.mu.Lock()
	c.waiters = append(c.waiters, self)
	c.mu.Unlock()
	l.Release(who)
	self.Park()
}

// Len reports the number of threads currently queued, used by
// selftest's scheduler-invariant checks (tier 3, "waiting with
// no waiters" is a kernel-fatal condition the scheduler must never
// reach).
func (c *Condition) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// Lock is a sleep lock: a holder identity plus a condition.
// It is deliberately not recursive -- acquiring twice from the
// same holder deadlocks.
type Lock struct {
	mu     sync.Mutex
	holder int // 0 means unheld; holder identities are caller-supplied non-zero ints (Tid_t+1)
	cond   Condition
}

// Acquire loops "while holder != none: wait(cond)" then installs who
// as holder. who must be non-zero.
func (l *Lock) Acquire(who int, self Waiter) {
	if who == 0 {
		panic("primitives: lock acquire with zero holder id")
	}
	for {
		l.mu.Lock()
		if l.holder == 0 {
			l.holder = who
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()
		l.cond.Wait(self)
	}
}

// Release requires the caller to be holder; clears it and broadcasts
//.
func (l *Lock) Release(who int) {
	l.mu.Lock()
	if l.holder != who {
		l.mu.Unlock()
		panic("primitives: lock release by non-holder")
	}
	l.holder = 0
	l.mu.Unlock()
	l.cond.Broadcast()
}

// Held reports whether who currently holds the lock, used by tests and
// by debug dumps.
func (l *Lock) Held(who int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder == who
}

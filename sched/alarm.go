package sched

import "sync"

// alarmEntry is one pending wakeup, kept in deadline order by insertion
// (original_source/src/kern/timer.c drives tick_1Hz/tick_10Hz off a
// pre-sorted wait list so its handler only ever pops from the front).
type alarmEntry struct {
	deadline uint64
	who      *Thread
}

// AlarmQueue implements usleep's blocking ("timer.c's
// alarm queue"): a deadline-sorted list of sleeping threads, woken by
// repeated Tick calls that advance a monotonic tick counter. Grounded
// on timer.c's insertion-sort-on-add, pop-while-due-on-tick shape, but
// generalized away from a fixed MTIMER frequency -- this kernel has no
// MTIMER device of its own, so the tick unit is whatever the caller
// drives Tick at; kconfig.TickMicros documents the assumed period for
// converting a usleep(usecs) argument into a tick count.
type AlarmQueue struct {
	mu      sync.Mutex
	pending []alarmEntry
	now     uint64
}

// NewAlarmQueue returns an empty queue with its tick counter at zero.
func NewAlarmQueue() *AlarmQueue { return &AlarmQueue{} }

// Sleep parks self until at least ticks ticks of the queue's own clock
// have elapsed: usleep(usecs) blocks the calling thread
// for at least the given duration. self must not already be queued
// on this AlarmQueue.
func (a *AlarmQueue) Sleep(self *Thread, ticks uint64) {
	a.mu.Lock()
	deadline := a.now + ticks
	self.setState(Waiting)
	a.insert(alarmEntry{deadline: deadline, who: self})
	a.mu.Unlock()
	self.Park()
}

// insert keeps pending ordered by ascending deadline. Caller holds a.mu.
func (a *AlarmQueue) insert(e alarmEntry) {
	i := len(a.pending)
	a.pending = append(a.pending, e)
	for i > 0 && a.pending[i-1].deadline > e.deadline {
		a.pending[i] = a.pending[i-1]
		i--
	}
	a.pending[i] = e
}

// Tick advances the queue's clock by one tick and wakes every thread
// whose deadline is now due, mirroring timer_intr_handler popping due
// entries off the front of a sorted wait list.
func (a *AlarmQueue) Tick() {
	a.mu.Lock()
	a.now++
	i := 0
	for i < len(a.pending) && a.pending[i].deadline <= a.now {
		i++
	}
	due := a.pending[:i]
	a.pending = a.pending[i:]
	a.mu.Unlock()

	for _, e := range due {
		e.who.Wake()
	}
}

// Len reports the number of threads currently sleeping, used by
// selftest's scheduler-invariant checks.
func (a *AlarmQueue) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

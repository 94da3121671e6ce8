// Package sched implements the thread/process scheduler's bookkeeping:
// a thread table keyed by small integer id, FIFO-ordered
// state transitions, spawn/yield/join/join_any/exit. Grounded on
// original_source/src/kern/thread.c's state machine (THREAD_READY,
// THREAD_RUNNING, THREAD_WAITING, THREAD_EXITED, ready_list, exit
// broadcasting the parent's child_exit condition) and on biscuit's
// convention of addressing threads only through small integer ids into
// a map (tinfo.Threadinfo_t.Notes keyed by defs.Tid_t,
// biscuit/src/tinfo/tinfo.go) so parent/child references never form a
// pointer cycle.
//
// biscuit's Tid_t-to-pointer bookkeeping is reused verbatim; its
// runtime.Gptr/Setgptr "current thread register" is not, because that
// depends on biscuit's own forked Go runtime (runtime/proc.go in the
// retrieval pack exposes no such hook in stock Go). Every schedulable
// body here runs on a real goroutine -- this kernel has no hardware
// hart to multiplex, and a host test binary's only real concurrency
// primitive is the goroutine -- and "current" is represented
// explicitly as the *Thread handle a body closes over, threaded through
// calls like a context.Context, rather than read from a dedicated
// register. single-hart mutual exclusion is therefore enforced only
// where the invariants actually require it (FIFO condition wait
// lists via primitives.Condition, refcounts via ioendpoint.Header), not
// by literally forbidding concurrent goroutine execution.
package sched

import (
	"runtime"
	"sync"

	"github.com/Ziheng-Qi/IlliniX/defs"
	"github.com/Ziheng-Qi/IlliniX/primitives"
)

// State is a thread's scheduling state.
type State int

const (
	Uninitialized State = iota
	Ready
	Running
	Waiting
	Exited
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Waiting:
		return "waiting"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

// Thread is one schedulable thread. ChildExit is
// broadcast by Exit to wake a parent blocked in Join/JoinAny, grounded
// on thread_exit's broadcast of the parent's child_exit condition
// (original_source thread.c).
type Thread struct {
	Tid    defs.Tid_t
	Name   string
	Parent defs.Tid_t

	ChildExit primitives.Condition

	mu       sync.Mutex
	state    State
	exitCode defs.Err_t
	reaped   bool

	wake chan struct{} // buffered(1); primitives.Waiter park/wake channel
}

// Park blocks the calling goroutine until Wake is called, implementing
// primitives.Waiter so a Thread can sit on any Condition's wait list.
func (t *Thread) Park() { <-t.wake }

// Wake unblocks a previously parked thread and marks it Ready.
func (t *Thread) Wake() {
	t.setState(Ready)
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// State returns the thread's current scheduling state.
func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Thread) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Scheduler owns the thread table.
type Scheduler struct {
	mu      sync.Mutex
	threads map[defs.Tid_t]*Thread
	next    defs.Tid_t
	idle    defs.Tid_t
}

// New constructs an empty scheduler and reserves slot 0 as the idle
// thread, always present. Idle
// carries no body of its own on a host binary -- there is no
// wait-for-interrupt instruction to execute -- it exists purely so
// JoinAny and selftest's invariant checks have a non-nil slot-0 parent
// for orphaned threads to reparent to.
func New() *Scheduler {
	s := &Scheduler{threads: make(map[defs.Tid_t]*Thread)}
	s.idle = s.register("idle", defs.NoTid)
	s.threads[s.idle].setState(Running)
	return s
}

// Idle returns the reserved idle thread's tid.
func (s *Scheduler) Idle() defs.Tid_t { return s.idle }

func (s *Scheduler) register(name string, parent defs.Tid_t) defs.Tid_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	tid := s.next
	s.next++
	s.threads[tid] = &Thread{Tid: tid, Name: name, Parent: parent, state: Ready, wake: make(chan struct{}, 1)}
	return tid
}

// Spawn finds a free slot and starts entry running on a fresh
// goroutine, inserted as ready.
// The returned *Thread is entry's own handle to itself, standing in
// for current (see package doc).
func (s *Scheduler) Spawn(name string, parent defs.Tid_t, entry func(self *Thread)) *Thread {
	tid := s.register(name, parent)
	t := s.Thread(tid)
	t.setState(Ready)
	go func() {
		t.setState(Running)
		entry(t)
		s.Exit(t)
	}()
	return t
}

// Thread looks up a thread by tid, or nil if the slot is unused (e.g.
// already reaped by Join).
func (s *Scheduler) Thread(tid defs.Tid_t) *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threads[tid]
}

// Yield is the explicit voluntary preemption point; syscall entry,
// condition waits and page-fault entry in this module do not call it.
// Bookkeeping only -- the Go scheduler performs the actual
// fairness -- but it marks the thread Ready/Running around the call so
// State reflects reality for introspection and tests.
func (self *Thread) Yield() {
	self.setState(Ready)
	runtime.Gosched()
	self.setState(Running)
}

// Exit transitions self to exited, broadcasts its parent's ChildExit,
// and marks the thread terminal without re-queueing it -- re-queueing
// has no meaning once the backing goroutine has returned, which Spawn's
// wrapper ensures happens right after this call.
func (s *Scheduler) Exit(t *Thread) {
	t.setState(Exited)
	if parent := s.Thread(t.Parent); parent != nil {
		parent.ChildExit.Broadcast()
	}
}

// Join blocks until tid has exited, then reaps it and returns its exit
// code, removing it from the thread table so the slot can be reused:
// tid addressing must never leak a stale slot. Threads whose parent was
// tid are reparented to self. self is the caller's own thread handle,
// used as the primitives.Waiter parked on self's own ChildExit
// condition, which tid's Exit broadcasts when self is tid's parent.
func (s *Scheduler) Join(self *Thread, tid defs.Tid_t) defs.Err_t {
	target := s.Thread(tid)
	if target == nil {
		panic("sched: join of unknown tid")
	}
	for target.State() != Exited {
		self.setState(Waiting)
		self.ChildExit.Wait(self)
	}
	code := target.exitCode
	target.reaped = true
	s.mu.Lock()
	delete(s.threads, tid)
	for _, t := range s.threads {
		if t.Parent == tid {
			t.Parent = self.Tid
		}
	}
	s.mu.Unlock()
	self.setState(Running)
	return code
}

// JoinAny blocks until any child of self has exited, reaps the first
// one found, and returns its tid, or defs.NoTid with ENOENT if self has
// no children.
func (s *Scheduler) JoinAny(self *Thread) (defs.Tid_t, defs.Err_t) {
	for {
		s.mu.Lock()
		var found defs.Tid_t = defs.NoTid
		hasChild := false
		for tid, t := range s.threads {
			if t.Parent != self.Tid {
				continue
			}
			hasChild = true
			if t.State() == Exited && !t.reaped {
				found = tid
				break
			}
		}
		s.mu.Unlock()
		if !hasChild {
			return defs.NoTid, defs.ENOENT
		}
		if found != defs.NoTid {
			return found, s.Join(self, found)
		}
		self.setState(Waiting)
		self.ChildExit.Wait(self)
	}
}

// SetExitCode records the value Join/JoinAny will report for this
// thread once it exits.
func (t *Thread) SetExitCode(code defs.Err_t) {
	t.mu.Lock()
	t.exitCode = code
	t.mu.Unlock()
}

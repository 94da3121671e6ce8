package sched

import (
	"testing"
	"time"

	"github.com/Ziheng-Qi/IlliniX/defs"
)

func TestSpawnRunsEntryAndExits(t *testing.T) {
	s := New()
	done := make(chan struct{})
	var ran bool
	th := s.Spawn("worker", s.Idle(), func(self *Thread) {
		ran = true
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("entry never ran")
	}
	// give the goroutine wrapper a moment to call Exit after entry returns
	deadline := time.After(time.Second)
	for th.State() != Exited {
		select {
		case <-deadline:
			t.Fatalf("thread never reached Exited, state=%v", th.State())
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if !ran {
		t.Fatalf("entry body did not run")
	}
}

func TestJoinWaitsForExit(t *testing.T) {
	s := New()
	idle := s.Thread(s.Idle())
	release := make(chan struct{})
	child := s.Spawn("child", idle.Tid, func(self *Thread) {
		<-release
		self.SetExitCode(42)
	})

	joined := make(chan defs.Err_t, 1)
	go func() {
		joined <- s.Join(idle, child.Tid)
	}()

	select {
	case <-joined:
		t.Fatalf("join returned before child exited")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case code := <-joined:
		if code != 42 {
			t.Fatalf("want exit code 42, got %d", code)
		}
	case <-time.After(time.Second):
		t.Fatalf("join never returned after child exit")
	}

	if s.Thread(child.Tid) != nil {
		t.Fatalf("expected child slot reaped after join")
	}
}

func TestJoinAnyFindsExitedChild(t *testing.T) {
	s := New()
	idle := s.Thread(s.Idle())

	c1 := s.Spawn("c1", idle.Tid, func(self *Thread) {})
	c2 := s.Spawn("c2", idle.Tid, func(self *Thread) {
		self.SetExitCode(7)
	})

	var gotTid defs.Tid_t
	var gotErr defs.Err_t
	done := make(chan struct{})
	go func() {
		gotTid, gotErr = s.JoinAny(idle)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("JoinAny never returned")
	}
	if gotErr != 0 {
		t.Fatalf("unexpected error: %v", gotErr)
	}
	if gotTid != c1.Tid && gotTid != c2.Tid {
		t.Fatalf("JoinAny returned an unexpected tid %v", gotTid)
	}
}

func TestJoinAnyNoChildrenReturnsENOENT(t *testing.T) {
	s := New()
	idle := s.Thread(s.Idle())
	lone := s.Spawn("lone", idle.Tid, func(self *Thread) {})
	// lone has no children of its own.
	deadline := time.After(time.Second)
	for lone.State() != Exited {
		select {
		case <-deadline:
			t.Fatalf("lone thread never exited")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if _, err := s.JoinAny(lone); err != defs.ENOENT {
		t.Fatalf("want ENOENT, got %v", err)
	}
}

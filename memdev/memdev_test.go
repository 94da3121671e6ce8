package memdev

import (
	"testing"

	"github.com/Ziheng-Qi/IlliniX/defs"
	"github.com/Ziheng-Qi/IlliniX/ioendpoint"
	"github.com/Ziheng-Qi/IlliniX/sched"
)

func run(t *testing.T, f func(self *sched.Thread)) {
	t.Helper()
	s := sched.New()
	idle := s.Thread(s.Idle())
	done := make(chan struct{})
	s.Spawn("test", idle.Tid, func(self *sched.Thread) {
		f(self)
		close(done)
	})
	<-done
}

func TestReadWriteRoundTrip(t *testing.T) {
	run(t, func(self *sched.Thread) {
		d := New(make([]byte, 16))
		n, err := d.Write(self, []byte("hello"))
		if err != 0 || n != 5 {
			t.Fatalf("write failed: n=%d err=%v", n, err)
		}
		if _, err := d.Ioctl(self, ioendpoint.CtlSetPos, 0); err != 0 {
			t.Fatalf("setpos failed: %v", err)
		}
		buf := make([]byte, 5)
		n, err = d.Read(self, buf)
		if err != 0 || n != 5 || string(buf) != "hello" {
			t.Fatalf("read failed: n=%d err=%v buf=%q", n, err, buf)
		}
	})
}

func TestWriteClampsAtBufferEnd(t *testing.T) {
	run(t, func(self *sched.Thread) {
		d := New(make([]byte, 4))
		n, err := d.Write(self, []byte("toolong"))
		if err != 0 || n != 4 {
			t.Fatalf("want clamped write of 4, got n=%d err=%v", n, err)
		}
		n, err = d.Write(self, []byte("x"))
		if err != 0 || n != 0 {
			t.Fatalf("want 0 bytes written past end, got n=%d err=%v", n, err)
		}
	})
}

func TestReadPastEndReturnsZero(t *testing.T) {
	run(t, func(self *sched.Thread) {
		d := New(make([]byte, 2))
		if _, err := d.Ioctl(self, ioendpoint.CtlSetPos, 2); err != 0 {
			t.Fatalf("setpos failed: %v", err)
		}
		n, err := d.Read(self, make([]byte, 4))
		if err != 0 || n != 0 {
			t.Fatalf("want 0 bytes at end, got n=%d err=%v", n, err)
		}
	})
}

func TestSetPosBeyondLengthRejected(t *testing.T) {
	run(t, func(self *sched.Thread) {
		d := New(make([]byte, 4))
		if _, err := d.Ioctl(self, ioendpoint.CtlSetPos, 5); err != defs.EINVAL {
			t.Fatalf("want EINVAL, got %v", err)
		}
	})
}

func TestIoctlLenAndBlockLen(t *testing.T) {
	run(t, func(self *sched.Thread) {
		d := New(make([]byte, 10))
		n, err := d.Ioctl(self, ioendpoint.CtlLen, 0)
		if err != 0 || n != 10 {
			t.Fatalf("want len 10, got n=%d err=%v", n, err)
		}
		n, err = d.Ioctl(self, ioendpoint.CtlBlockLen, 0)
		if err != 0 || n != 1 {
			t.Fatalf("want block len 1, got n=%d err=%v", n, err)
		}
	})
}

func TestReopenSharesRefcount(t *testing.T) {
	run(t, func(self *sched.Thread) {
		d := New(make([]byte, 4))
		if d.Count() != 1 {
			t.Fatalf("want initial refcount 1, got %d", d.Count())
		}
		d.Reopen()
		if d.Count() != 2 {
			t.Fatalf("want refcount 2 after reopen, got %d", d.Count())
		}
		d.Close()
		if d.Count() != 1 {
			t.Fatalf("want refcount 1 after close, got %d", d.Count())
		}
	})
}

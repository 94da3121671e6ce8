package virtioblk

import (
	"testing"
	"time"

	"github.com/Ziheng-Qi/IlliniX/defs"
	"github.com/Ziheng-Qi/IlliniX/ioendpoint"
	"github.com/Ziheng-Qi/IlliniX/sched"
)

// memBackend is an in-memory Backend test double.
type memBackend struct {
	blocks [][BlockSize]byte
	reads  int
	writes int
}

func newMemBackend(nblocks int) *memBackend {
	return &memBackend{blocks: make([][BlockSize]byte, nblocks)}
}

func (b *memBackend) ReadBlock(blockNo int64, buf []byte) defs.Err_t {
	b.reads++
	copy(buf, b.blocks[blockNo][:])
	return 0
}

func (b *memBackend) WriteBlock(blockNo int64, buf []byte) defs.Err_t {
	b.writes++
	copy(b.blocks[blockNo][:], buf)
	return 0
}

func (b *memBackend) NumBlocks() int64 { return int64(len(b.blocks)) }

func run(t *testing.T, f func(self *sched.Thread)) {
	t.Helper()
	s := sched.New()
	idle := s.Thread(s.Idle())
	done := make(chan struct{})
	s.Spawn("test", idle.Tid, func(self *sched.Thread) {
		f(self)
		close(done)
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("test body never completed")
	}
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	backend := newMemBackend(4)
	d := Open(backend)

	run(t, func(self *sched.Thread) {
		n, err := d.Write(self, []byte("hello world"))
		if err != 0 {
			t.Fatalf("write failed: %v", err)
		}
		if n != len("hello world") {
			t.Fatalf("want %d bytes written, got %d", len("hello world"), n)
		}
		if _, err := d.Ioctl(self, ioendpoint.CtlSetPos, 0); err != 0 {
			t.Fatalf("setpos failed: %v", err)
		}
		buf := make([]byte, len("hello world"))
		n, err = d.Read(self, buf)
		if err != 0 {
			t.Fatalf("read failed: %v", err)
		}
		if string(buf[:n]) != "hello world" {
			t.Fatalf("want %q, got %q", "hello world", buf[:n])
		}
	})
}

func TestBlockBufferCoherencyIssuesNoExtraRequests(t *testing.T) {
	backend := newMemBackend(2)
	d := Open(backend)

	run(t, func(self *sched.Thread) {
		buf := make([]byte, 8)
		if _, err := d.Read(self, buf); err != 0 {
			t.Fatalf("first read failed: %v", err)
		}
		firstReads := backend.reads
		if _, err := d.Ioctl(self, ioendpoint.CtlSetPos, 0); err != 0 {
			t.Fatalf("setpos failed: %v", err)
		}
		if _, err := d.Read(self, buf); err != 0 {
			t.Fatalf("second read failed: %v", err)
		}
		if backend.reads != firstReads {
			t.Fatalf("repeat read of the same block issued %d extra backend reads", backend.reads-firstReads)
		}
	})
}

func TestPartialWriteReadModifyWrite(t *testing.T) {
	backend := newMemBackend(1)
	d := Open(backend)

	run(t, func(self *sched.Thread) {
		full := make([]byte, BlockSize)
		for i := range full {
			full[i] = 0xAB
		}
		if _, err := d.Write(self, full); err != 0 {
			t.Fatalf("initial full-block write failed: %v", err)
		}

		if _, err := d.Ioctl(self, ioendpoint.CtlSetPos, 10); err != 0 {
			t.Fatalf("setpos failed: %v", err)
		}
		if _, err := d.Write(self, []byte("XYZ")); err != 0 {
			t.Fatalf("partial write failed: %v", err)
		}

		if _, err := d.Ioctl(self, ioendpoint.CtlSetPos, 0); err != 0 {
			t.Fatalf("setpos failed: %v", err)
		}
		buf := make([]byte, BlockSize)
		if _, err := d.Read(self, buf); err != 0 {
			t.Fatalf("readback failed: %v", err)
		}
		if string(buf[10:13]) != "XYZ" {
			t.Fatalf("want patched bytes %q at offset 10, got %q", "XYZ", buf[10:13])
		}
		if buf[0] != 0xAB || buf[9] != 0xAB || buf[13] != 0xAB {
			t.Fatalf("untouched bytes around the patch were clobbered")
		}
	})
}

func TestIoctlBlockLenAndLen(t *testing.T) {
	backend := newMemBackend(3)
	d := Open(backend)

	run(t, func(self *sched.Thread) {
		n, err := d.Ioctl(self, ioendpoint.CtlBlockLen, 0)
		if err != 0 || n != BlockSize {
			t.Fatalf("want CtlBlockLen %d, got %d (err %v)", BlockSize, n, err)
		}
		n, err = d.Ioctl(self, ioendpoint.CtlLen, 0)
		if err != 0 || n != BlockSize*3 {
			t.Fatalf("want CtlLen %d, got %d (err %v)", BlockSize*3, n, err)
		}
	})
}

func TestReadPastDeviceBoundsFails(t *testing.T) {
	backend := newMemBackend(1)
	d := Open(backend)

	run(t, func(self *sched.Thread) {
		if _, err := d.Ioctl(self, ioendpoint.CtlSetPos, BlockSize); err != 0 {
			t.Fatalf("setpos failed: %v", err)
		}
		buf := make([]byte, 4)
		if _, err := d.Read(self, buf); err == 0 {
			t.Fatalf("read one block past device end should have failed")
		}
	})
}

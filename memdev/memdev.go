// Package memdev implements a memory-literal device endpoint, alongside
// the block driver, the flat-filesystem file, and the pipe. No
// retrieved example repository implements a literal in-memory device of
// its own -- there is no narrower source to ground the read/write/seek
// shape on -- so this package follows the same embedded-ioendpoint.Header,
// position-plus-clamp pattern flatfs.File already establishes
// (flatfs/flatfs.go) for the other fixed-size, seekable endpoint in
// this kernel.
package memdev

import (
	"github.com/Ziheng-Qi/IlliniX/defs"
	"github.com/Ziheng-Qi/IlliniX/ioendpoint"
	"github.com/Ziheng-Qi/IlliniX/sched"
)

// Device is a fixed-size byte buffer exposed through the standard
// ioendpoint.Endpoint surface, standing in for a memory-literal device.
// It never grows: reads and writes past the end of buf clamp to zero
// bytes transferred, exactly as flatfs.File clamps at byte_len,
// generalized here since a literal device has no on-disk inode to
// consult for its length either.
type Device struct {
	ioendpoint.Header

	buf []byte
	pos int
}

var _ ioendpoint.Endpoint = (*Device)(nil)

// New wraps buf as a device endpoint with an initial reference count of
// 1 and position 0. The device reads and writes directly through buf;
// callers that want an isolated copy must pass one in.
func New(buf []byte) *Device {
	return &Device{Header: ioendpoint.NewHeader(), buf: buf}
}

// Read copies from the current position into data, advancing the
// position, and returns 0 bytes (not an error) once the position
// reaches the end of buf.
func (d *Device) Read(self *sched.Thread, data []byte) (int, defs.Err_t) {
	if d.pos >= len(d.buf) {
		return 0, 0
	}
	n := copy(data, d.buf[d.pos:])
	d.pos += n
	return n, 0
}

// Write copies from data into the buffer at the current position,
// advancing the position, clamped to the buffer's fixed size. No
// growth: the same fixed-size-endpoint treatment the file system gets
// applies uniformly to every fixed-size endpoint in this kernel.
func (d *Device) Write(self *sched.Thread, data []byte) (int, defs.Err_t) {
	if d.pos >= len(d.buf) {
		return 0, 0
	}
	n := copy(d.buf[d.pos:], data)
	d.pos += n
	return n, 0
}

// Ioctl implements the shared length/position control surface --
// CtlLen/CtlPos/CtlSetPos/CtlBlockLen -- generalized to every seekable
// endpoint per ioendpoint's shared command codes.
func (d *Device) Ioctl(self *sched.Thread, cmd int, arg int) (int, defs.Err_t) {
	switch cmd {
	case ioendpoint.CtlLen:
		return len(d.buf), 0
	case ioendpoint.CtlPos:
		return d.pos, 0
	case ioendpoint.CtlSetPos:
		if arg < 0 || arg > len(d.buf) {
			return 0, defs.EINVAL
		}
		d.pos = arg
		return 0, 0
	case ioendpoint.CtlBlockLen:
		return 1, 0
	default:
		return 0, defs.ENOTSUP
	}
}

// Reopen increments the reference count (fork duplication).
func (d *Device) Reopen() defs.Err_t {
	d.IncRef()
	return 0
}

// Close decrements the reference count; a memory device's storage is
// owned by whoever constructed it, so final close has nothing further
// to release here.
func (d *Device) Close() defs.Err_t {
	d.DecRef()
	return 0
}

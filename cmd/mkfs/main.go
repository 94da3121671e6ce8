// Command mkfs formats a flat-filesystem image from a
// list of host files: block 0 becomes the boot block directory, one
// inode block per file follows, then each file's data blocks in order.
// Grounded on biscuit's mkfs.go, generalized from its fixed
// positional-arg form to the standard flag package since this mkfs
// takes an optional -nodes reservation biscuit's lacks.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Ziheng-Qi/IlliniX/defs"
	"github.com/Ziheng-Qi/IlliniX/flatfs"
	"github.com/Ziheng-Qi/IlliniX/ioendpoint"
	"github.com/Ziheng-Qi/IlliniX/kconfig"
	"github.com/Ziheng-Qi/IlliniX/sched"
)

// fileEndpoint wraps an *os.File as an ioendpoint.Endpoint so
// flatfs.DebugDump, written for the kernel's device model, can be run
// against the image this tool just produced.
type fileEndpoint struct {
	ioendpoint.Header
	f *os.File
}

var _ ioendpoint.Endpoint = (*fileEndpoint)(nil)

func (e *fileEndpoint) Read(self *sched.Thread, buf []byte) (int, defs.Err_t) {
	n, err := e.f.Read(buf)
	if err != nil && n == 0 {
		return 0, defs.EIO
	}
	return n, 0
}

func (e *fileEndpoint) Write(self *sched.Thread, buf []byte) (int, defs.Err_t) {
	n, err := e.f.Write(buf)
	if err != nil {
		return n, defs.EIO
	}
	return n, 0
}

func (e *fileEndpoint) Ioctl(self *sched.Thread, cmd int, arg int) (int, defs.Err_t) {
	switch cmd {
	case ioendpoint.CtlSetPos:
		if _, err := e.f.Seek(int64(arg), 0); err != nil {
			return 0, defs.EIO
		}
		return 0, 0
	case ioendpoint.CtlPos:
		pos, err := e.f.Seek(0, 1)
		if err != nil {
			return 0, defs.EIO
		}
		return int(pos), 0
	case ioendpoint.CtlLen:
		fi, err := e.f.Stat()
		if err != nil {
			return 0, defs.EIO
		}
		return int(fi.Size()), 0
	case ioendpoint.CtlBlockLen:
		return kconfig.FSBLOCKSIZE, 0
	default:
		return 0, defs.ENOTSUP
	}
}

func (e *fileEndpoint) Reopen() defs.Err_t { e.IncRef(); return 0 }
func (e *fileEndpoint) Close() defs.Err_t  { e.DecRef(); return 0 }

func die(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "mkfs: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	nodes := flag.Int("nodes", 0, "number of inode blocks to reserve (default: one per input file)")
	verbose := flag.Bool("v", false, "print a directory/inode summary of the image after writing it")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "usage: mkfs [-nodes N] [-v] <output image> [input file]...\n")
		os.Exit(1)
	}
	outPath := flag.Arg(0)
	inputs := flag.Args()[1:]

	if len(inputs) > kconfig.MAXDENTRIES {
		die("too many files: %d exceeds MAXDENTRIES=%d", len(inputs), kconfig.MAXDENTRIES)
	}
	numInodeBlocks := len(inputs)
	if *nodes > 0 {
		if *nodes < len(inputs) {
			die("-nodes=%d is smaller than the %d input files", *nodes, len(inputs))
		}
		numInodeBlocks = *nodes
	}

	names := make([]string, len(inputs))
	contents := make([][]byte, len(inputs))
	for i, path := range inputs {
		data, err := os.ReadFile(path)
		if err != nil {
			die("reading %s: %v", path, err)
		}
		name := filepath.Base(path)
		if len(name) >= kconfig.DNAMELEN {
			die("file name %q too long (max %d bytes)", name, kconfig.DNAMELEN-1)
		}
		names[i] = name
		contents[i] = data
	}

	// Data blocks start right after the boot block and the reserved
	// inode blocks, and are assigned to files in input order.
	dataStart := uint32(1 + numInodeBlocks)
	nextData := dataStart
	inodeBlocks := make([][]byte, numInodeBlocks)
	var dataBlocks [][]byte

	for i, data := range contents {
		nblocks := (len(data) + kconfig.FSBLOCKSIZE - 1) / kconfig.FSBLOCKSIZE
		if nblocks == 0 {
			nblocks = 1
		}
		blockNums := make([]uint32, nblocks)
		for b := 0; b < nblocks; b++ {
			blockNums[b] = nextData
			nextData++
			block := make([]byte, kconfig.FSBLOCKSIZE)
			start := b * kconfig.FSBLOCKSIZE
			end := start + kconfig.FSBLOCKSIZE
			if end > len(data) {
				end = len(data)
			}
			copy(block, data[start:end])
			dataBlocks = append(dataBlocks, block)
		}
		inode, err := flatfs.EncodeInodeBlock(uint32(len(data)), blockNums)
		if err != 0 {
			die("encoding inode for %s: %v", names[i], err)
		}
		inodeBlocks[i] = inode
	}
	for i := len(inputs); i < numInodeBlocks; i++ {
		inode, _ := flatfs.EncodeInodeBlock(0, nil)
		inodeBlocks[i] = inode
	}

	boot, err := flatfs.EncodeBootBlock(names, nextData-dataStart)
	if err != 0 {
		die("encoding boot block: %v", err)
	}

	f, oserr := os.Create(outPath)
	if oserr != nil {
		die("creating %s: %v", outPath, oserr)
	}
	defer f.Close()

	if _, oserr := f.Write(boot); oserr != nil {
		die("writing boot block: %v", oserr)
	}
	for _, blk := range inodeBlocks {
		if _, oserr := f.Write(blk); oserr != nil {
			die("writing inode block: %v", oserr)
		}
	}
	for _, blk := range dataBlocks {
		if _, oserr := f.Write(blk); oserr != nil {
			die("writing data block: %v", oserr)
		}
	}

	totalBlocks := 1 + numInodeBlocks + len(dataBlocks)
	fmt.Printf("wrote %s: %d files, %d inode blocks, %d data blocks (%d blocks total)\n",
		outPath, len(inputs), numInodeBlocks, len(dataBlocks), totalBlocks)

	if *verbose {
		if _, oserr := f.Seek(0, 0); oserr != nil {
			die("seeking for dump: %v", oserr)
		}
		ep := &fileEndpoint{Header: ioendpoint.NewHeader(), f: f}
		dump, err := flatfs.DebugDump(nil, ep)
		if err != 0 {
			die("dumping image: %v", err)
		}
		fmt.Print(dump)
	}
}

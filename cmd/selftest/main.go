// Command selftest runs the kernel library's self-test battery
// standalone, printing the same pass/fail report RunAll's callers get
// under `go test`, without requiring QEMU or target hardware.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/Ziheng-Qi/IlliniX/klog"
	"github.com/Ziheng-Qi/IlliniX/selftest"
)

func main() {
	verbose := flag.Bool("v", false, "enable debug logging while scenarios run")
	flag.Parse()

	if *verbose {
		klog.Init(os.Stderr)
		klog.SetLevel(klog.LevelDebug)
	} else {
		klog.Init(os.Stderr)
		klog.SetLevel(klog.LevelError)
	}

	report := selftest.RunAll()
	fmt.Print(report.String())

	if !report.AllPassed() {
		os.Exit(1)
	}
}

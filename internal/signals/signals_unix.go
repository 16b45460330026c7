//go:build !windows

package signals

import (
	"os"
	"syscall"
)

var (
	interruptSignals    = []os.Signal{os.Interrupt, syscall.SIGTERM}
	consoleCloseSignals = []os.Signal{syscall.SIGHUP}
)

//go:build windows

package signals

import (
	"os"
	"syscall"
)

// The runtime reports console close, logoff and shutdown events as SIGTERM.
var (
	interruptSignals    = []os.Signal{os.Interrupt}
	consoleCloseSignals = []os.Signal{syscall.SIGTERM}
)

//go:build !windows

package executor

import (
	"os"
	"syscall"
)

func interruptProcess(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

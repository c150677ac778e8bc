//go:build !windows

package runner

import "syscall"

// Setpgid=true asks the OS to assign a new Process Group ID (PGID) to the child,
// so a terminal interrupt aimed at the runner does not also hit the engine.
func sysProcAttr(Options) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
